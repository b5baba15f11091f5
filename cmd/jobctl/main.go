// jobctl is an operator tool for the media pipeline: submit lesson media,
// inspect a job, and view queue statistics and recent history.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/coursekit/media-pipeline/internal/config"
	"github.com/coursekit/media-pipeline/internal/intake"
	"github.com/coursekit/media-pipeline/internal/logger"
	"github.com/coursekit/media-pipeline/internal/queue"
	"github.com/coursekit/media-pipeline/pkg/models"
)

const submitTimeout = 10 * time.Minute

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	log := logger.New()
	slog.SetDefault(log)

	if err := godotenv.Load(); err == nil {
		logger.Info(context.Background(), log, "Loaded configuration from .env")
	}

	cfg, err := config.LoadCtl()
	if err != nil {
		fatal("invalid configuration: %v", err)
	}

	redisClient := queue.NewClient(cfg.Redis)
	defer redisClient.Close()
	jobQueue := queue.New(redisClient, queue.DefaultConfig(cfg.Queue), log)

	ctx := context.Background()

	switch os.Args[1] {
	case "submit":
		runSubmit(ctx, cfg, jobQueue, log, os.Args[2:])
	case "status":
		runStatus(ctx, jobQueue, os.Args[2:])
	case "stats":
		runStats(ctx, jobQueue)
	case "recent":
		runRecent(ctx, jobQueue, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: jobctl <command> [flags]

commands:
  submit  -file <path> -lesson <id> [-priority premium|standard] [-key <idempotency-key>]
  status  -job <id>
  stats
  recent  [-failed] [-n <count>]`)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "jobctl: "+format+"\n", args...)
	os.Exit(1)
}

func runSubmit(ctx context.Context, cfg *config.Config, jobQueue *queue.Queue, log *slog.Logger, args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	file := fs.String("file", "", "path to the media file")
	lesson := fs.String("lesson", "", "lesson ID the media belongs to")
	priority := fs.String("priority", "standard", "scheduling class: premium or standard")
	key := fs.String("key", "", "idempotency key (optional)")
	fs.Parse(args)

	if *file == "" || *lesson == "" {
		fatal("submit requires -file and -lesson")
	}

	var prio models.Priority
	switch *priority {
	case "premium":
		prio = models.PriorityPremium
	case "standard":
		prio = models.PriorityStandard
	default:
		fatal("unknown priority %q", *priority)
	}

	f, err := os.Open(*file)
	if err != nil {
		fatal("open media file: %v", err)
	}
	defer f.Close()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		fatal("load AWS config: %v", err)
	}
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	in := intake.New(s3.NewFromConfig(awsCfg), jobQueue, cfg.AWS.SourceBucket, log)

	submitCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	jobID, err := in.Enqueue(submitCtx, f, intake.Metadata{
		LessonID:       *lesson,
		Filename:       *file,
		Priority:       prio,
		IdempotencyKey: *key,
	})
	if err != nil {
		fatal("submit: %v", err)
	}

	fmt.Println(jobID)
}

func runStatus(ctx context.Context, jobQueue *queue.Queue, args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	jobID := fs.String("job", "", "job ID")
	fs.Parse(args)

	if *jobID == "" {
		fatal("status requires -job")
	}

	job, err := jobQueue.Job(ctx, *jobID)
	if err != nil {
		fatal("status: %v", err)
	}

	printJSON(job)
}

func runStats(ctx context.Context, jobQueue *queue.Queue) {
	stats, err := jobQueue.Counts(ctx)
	if err != nil {
		fatal("stats: %v", err)
	}

	printJSON(stats)
}

func runRecent(ctx context.Context, jobQueue *queue.Queue, args []string) {
	fs := flag.NewFlagSet("recent", flag.ExitOnError)
	failed := fs.Bool("failed", false, "list failed jobs instead of completed")
	n := fs.Int64("n", 10, "number of jobs to list")
	fs.Parse(args)

	var (
		ids []string
		err error
	)
	if *failed {
		ids, err = jobQueue.RecentFailed(ctx, *n)
	} else {
		ids, err = jobQueue.RecentCompleted(ctx, *n)
	}
	if err != nil {
		fatal("recent: %v", err)
	}

	for _, id := range ids {
		job, err := jobQueue.Job(ctx, id)
		if err != nil {
			fmt.Printf("%s\t(unavailable: %v)\n", id, err)
			continue
		}
		fmt.Printf("%s\t%s\tlesson=%s\tattempt=%d\t%s\n",
			job.ID, job.State, job.LessonID, job.Attempt, job.LastError)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal("encode output: %v", err)
	}
}
