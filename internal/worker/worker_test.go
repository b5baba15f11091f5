package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coursekit/media-pipeline/internal/config"
	"github.com/coursekit/media-pipeline/internal/queue"
	"github.com/coursekit/media-pipeline/pkg/models"
)

// fakeQueue redelivers failed jobs until maxAttempts, mirroring the real
// queue's retry accounting.
type fakeQueue struct {
	mu          sync.Mutex
	jobs        chan *models.Job
	records     map[string]*models.Job
	maxAttempts int
	acked       []string
	terminal    []string
	failures    map[string][]string
}

func newFakeQueue(maxAttempts int) *fakeQueue {
	return &fakeQueue{
		jobs:        make(chan *models.Job, 16),
		records:     make(map[string]*models.Job),
		maxAttempts: maxAttempts,
		failures:    make(map[string][]string),
	}
}

func (q *fakeQueue) push(job *models.Job) {
	q.mu.Lock()
	job.MaxAttempts = q.maxAttempts
	q.records[job.ID] = job
	q.mu.Unlock()
	q.jobs <- job
}

func (q *fakeQueue) Dequeue(ctx context.Context) (*models.Job, error) {
	select {
	case job := <-q.jobs:
		q.mu.Lock()
		job.Attempt++
		job.State = models.StateActive
		leased := *job
		q.mu.Unlock()
		return &leased, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *fakeQueue) Ack(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, jobID)
	q.records[jobID].State = models.StateCompleted
	return nil
}

func (q *fakeQueue) Fail(ctx context.Context, jobID string, jobErr error) (queue.Decision, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job := q.records[jobID]
	q.failures[jobID] = append(q.failures[jobID], jobErr.Error())
	if job.Attempt >= q.maxAttempts {
		job.State = models.StateFailed
		q.terminal = append(q.terminal, jobID)
		return queue.Decision{}, nil
	}
	q.jobs <- job
	return queue.Decision{Retry: true}, nil
}

func (q *fakeQueue) Reap(ctx context.Context) (int, error) { return 0, nil }

func (q *fakeQueue) Counts(ctx context.Context) (*queue.Stats, error) {
	return &queue.Stats{}, nil
}

func (q *fakeQueue) ackedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acked)
}

func (q *fakeQueue) terminalCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.terminal)
}

// erroringQueue simulates a queue backend outage: every receive fails until
// the context is cancelled.
type erroringQueue struct {
	mu    sync.Mutex
	calls int
}

func (q *erroringQueue) Dequeue(ctx context.Context) (*models.Job, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	q.mu.Lock()
	q.calls++
	q.mu.Unlock()
	return nil, errors.New("dial tcp: connection refused")
}

func (q *erroringQueue) Ack(ctx context.Context, jobID string) error { return nil }

func (q *erroringQueue) Fail(ctx context.Context, jobID string, jobErr error) (queue.Decision, error) {
	return queue.Decision{}, nil
}

func (q *erroringQueue) Reap(ctx context.Context) (int, error) { return 0, nil }

func (q *erroringQueue) Counts(ctx context.Context) (*queue.Stats, error) {
	return &queue.Stats{}, nil
}

func (q *erroringQueue) callCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls
}

type fakeStager struct {
	mu      sync.Mutex
	dir     string
	staged  []string
	starts  []time.Time
	cleaned []string
	err     error
}

func (s *fakeStager) Stage(ctx context.Context, job *models.Job) (string, error) {
	s.mu.Lock()
	s.starts = append(s.starts, time.Now())
	s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%s-%d.mp4", job.ID, time.Now().UnixNano()))
	if err := os.WriteFile(path, []byte("source"), 0o644); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.staged = append(s.staged, path)
	s.mu.Unlock()
	return path, nil
}

func (s *fakeStager) Cleanup(path string) {
	os.Remove(path)
	s.mu.Lock()
	s.cleaned = append(s.cleaned, path)
	s.mu.Unlock()
}

func (s *fakeStager) CleanupDir(path string) {
	os.RemoveAll(path)
	s.mu.Lock()
	s.cleaned = append(s.cleaned, path)
	s.mu.Unlock()
}

type fakeProber struct {
	duration float64
	err      error
}

func (p *fakeProber) Probe(ctx context.Context, path string) (float64, error) {
	if p.err != nil {
		return 0, p.err
	}
	return p.duration, nil
}

type fakeTranscoder struct {
	mu     sync.Mutex
	inputs []string
	err    error
}

func (t *fakeTranscoder) Transcode(ctx context.Context, inputPath, outDir string) error {
	t.mu.Lock()
	t.inputs = append(t.inputs, inputPath)
	t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	if err := os.WriteFile(filepath.Join(outDir, "index.m3u8"), []byte("#EXTM3U"), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outDir, "seg_000.ts"), []byte("seg"), 0o644)
}

func (t *fakeTranscoder) calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inputs)
}

type fakePublisher struct {
	mu       sync.Mutex
	prefixes []string
	err      error
}

func (p *fakePublisher) Publish(ctx context.Context, localDir, remotePrefix string) (string, error) {
	p.mu.Lock()
	p.prefixes = append(p.prefixes, remotePrefix)
	p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	return "https://cdn.test/" + remotePrefix + "/index.m3u8", nil
}

type fakeLessons struct {
	mu        sync.Mutex
	durations map[string][]float64
	media     map[string][]string
	order     []string
}

func newFakeLessons() *fakeLessons {
	return &fakeLessons{
		durations: make(map[string][]float64),
		media:     make(map[string][]string),
	}
}

func (l *fakeLessons) UpdateDuration(ctx context.Context, lessonID string, seconds float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.durations[lessonID] = append(l.durations[lessonID], seconds)
	l.order = append(l.order, "duration:"+lessonID)
	return nil
}

func (l *fakeLessons) UpdateMedia(ctx context.Context, lessonID string, seconds float64, mediaURL string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.media[lessonID] = append(l.media[lessonID], mediaURL)
	l.order = append(l.order, "media:"+lessonID)
	return nil
}

type fixture struct {
	queue      *fakeQueue
	stager     *fakeStager
	prober     *fakeProber
	transcoder *fakeTranscoder
	publisher  *fakePublisher
	lessons    *fakeLessons
	pool       *Pool
	outputRoot string
}

func newFixture(t *testing.T, maxAttempts, maxConcurrent, rateStarts int, rateWindow time.Duration) *fixture {
	t.Helper()

	f := &fixture{
		queue:      newFakeQueue(maxAttempts),
		stager:     &fakeStager{dir: t.TempDir()},
		prober:     &fakeProber{duration: 321.5},
		transcoder: &fakeTranscoder{},
		publisher:  &fakePublisher{},
		lessons:    newFakeLessons(),
		outputRoot: t.TempDir(),
	}

	cfg := &config.Config{}
	cfg.Worker.MaxConcurrentJobs = maxConcurrent
	cfg.Worker.RateLimitStarts = rateStarts
	cfg.Worker.RateLimitWindow = rateWindow
	cfg.Worker.OutputDir = f.outputRoot

	f.pool = New(&Config{
		Queue:      f.queue,
		Stager:     f.stager,
		Prober:     f.prober,
		Transcoder: f.transcoder,
		Publisher:  f.publisher,
		Lessons:    f.lessons,
		AppConfig:  cfg,
		Logger:     slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	})
	return f
}

// run starts the pool and returns a stop function that waits for shutdown.
func (f *fixture) run(t *testing.T) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.pool.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not shut down")
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPool_ValidJobPublishesAndReconciles(t *testing.T) {
	f := newFixture(t, 3, 2, 100, time.Second)
	stop := f.run(t)
	defer stop()

	f.queue.push(&models.Job{ID: "job-1", LessonID: "lesson-1", SourceBucket: "src", SourceKey: "uploads/x/intro.mp4"})

	waitFor(t, 5*time.Second, func() bool { return f.queue.ackedCount() == 1 }, "job never completed")

	f.lessons.mu.Lock()
	defer f.lessons.mu.Unlock()

	durations := f.lessons.durations["lesson-1"]
	if len(durations) != 1 || durations[0] != 321.5 {
		t.Errorf("durations = %v, want one write of 321.5", durations)
	}
	urls := f.lessons.media["lesson-1"]
	if len(urls) != 1 || !strings.HasSuffix(urls[0], "/index.m3u8") {
		t.Errorf("media URLs = %v, want one manifest URL", urls)
	}
	// Duration is recorded before the media URL becomes visible.
	if len(f.lessons.order) != 2 || f.lessons.order[0] != "duration:lesson-1" || f.lessons.order[1] != "media:lesson-1" {
		t.Errorf("write order = %v, want duration then media", f.lessons.order)
	}
}

func TestPool_TranscodeFailureRetriesToCeiling(t *testing.T) {
	f := newFixture(t, 3, 2, 100, time.Second)
	f.transcoder.err = &models.TranscodeError{ExitCode: 1, StderrTail: "moov atom not found"}
	stop := f.run(t)
	defer stop()

	f.queue.push(&models.Job{ID: "job-bad", LessonID: "lesson-9", SourceBucket: "src", SourceKey: "uploads/x/bad.mp4"})

	waitFor(t, 5*time.Second, func() bool { return f.queue.terminalCount() == 1 }, "job never failed terminally")

	if got := f.transcoder.calls(); got != 3 {
		t.Errorf("transcode executions = %d, want 3", got)
	}
	if f.queue.ackedCount() != 0 {
		t.Error("failed job must not be acked")
	}

	f.lessons.mu.Lock()
	defer f.lessons.mu.Unlock()
	// The probed duration survives the terminal failure; no media URL does.
	if len(f.lessons.durations["lesson-9"]) == 0 {
		t.Error("duration should be recorded despite transcode failure")
	}
	if len(f.lessons.media["lesson-9"]) != 0 {
		t.Errorf("media URLs = %v, want none", f.lessons.media["lesson-9"])
	}

	f.queue.mu.Lock()
	defer f.queue.mu.Unlock()
	for _, msg := range f.queue.failures["job-bad"] {
		if !strings.Contains(msg, "exited with code 1") {
			t.Errorf("failure message %q missing exit detail", msg)
		}
	}
}

func TestPool_ConcurrentJobsStayIsolated(t *testing.T) {
	f := newFixture(t, 3, 2, 100, time.Second)
	stop := f.run(t)
	defer stop()

	f.queue.push(&models.Job{ID: "job-1", LessonID: "lesson-1", SourceBucket: "src", SourceKey: "uploads/a/a.mp4"})
	f.queue.push(&models.Job{ID: "job-2", LessonID: "lesson-2", SourceBucket: "src", SourceKey: "uploads/b/b.mp4"})

	waitFor(t, 5*time.Second, func() bool { return f.queue.ackedCount() == 2 }, "jobs never completed")

	f.lessons.mu.Lock()
	defer f.lessons.mu.Unlock()
	for _, lessonID := range []string{"lesson-1", "lesson-2"} {
		if len(f.lessons.media[lessonID]) != 1 {
			t.Errorf("lesson %s media writes = %d, want exactly 1", lessonID, len(f.lessons.media[lessonID]))
		}
	}
	// Each published prefix names its own lesson and job.
	f.publisher.mu.Lock()
	defer f.publisher.mu.Unlock()
	for _, prefix := range f.publisher.prefixes {
		switch {
		case strings.Contains(prefix, "lesson-1") && strings.Contains(prefix, "job-1"):
		case strings.Contains(prefix, "lesson-2") && strings.Contains(prefix, "job-2"):
		default:
			t.Errorf("prefix %s mixes jobs", prefix)
		}
	}
	for _, url := range f.lessons.media["lesson-1"] {
		if strings.Contains(url, "job-2") {
			t.Errorf("lesson-1 received lesson-2's media: %s", url)
		}
	}
}

func TestPool_StartRateLimitDelaysExcessJobs(t *testing.T) {
	// Quota of 2 starts per 2s window: the third job waits for a token.
	f := newFixture(t, 3, 4, 2, 2*time.Second)
	stop := f.run(t)
	defer stop()

	for i := 1; i <= 3; i++ {
		f.queue.push(&models.Job{ID: fmt.Sprintf("job-%d", i), LessonID: fmt.Sprintf("lesson-%d", i), SourceBucket: "src", SourceKey: "uploads/x/a.mp4"})
	}

	waitFor(t, 10*time.Second, func() bool { return f.queue.ackedCount() == 3 }, "jobs never completed")

	f.stager.mu.Lock()
	starts := append([]time.Time(nil), f.stager.starts...)
	f.stager.mu.Unlock()

	if len(starts) != 3 {
		t.Fatalf("starts = %d, want 3", len(starts))
	}
	if gap := starts[1].Sub(starts[0]); gap > time.Second {
		t.Errorf("second start delayed %s, should be within burst", gap)
	}
	if gap := starts[2].Sub(starts[0]); gap < 500*time.Millisecond {
		t.Errorf("third start after %s, want rate limit delay", gap)
	}
}

func TestPool_CleansUpOnSuccessAndFailure(t *testing.T) {
	f := newFixture(t, 1, 2, 100, time.Second)
	stop := f.run(t)
	f.queue.push(&models.Job{ID: "job-ok", LessonID: "l1", SourceBucket: "src", SourceKey: "k"})
	waitFor(t, 5*time.Second, func() bool { return f.queue.ackedCount() == 1 }, "job never completed")
	stop()

	g := newFixture(t, 1, 2, 100, time.Second)
	g.transcoder.err = errors.New("encoder crashed")
	stopG := g.run(t)
	g.queue.push(&models.Job{ID: "job-bad", LessonID: "l2", SourceBucket: "src", SourceKey: "k"})
	waitFor(t, 5*time.Second, func() bool { return g.queue.terminalCount() == 1 }, "job never failed")
	stopG()

	for _, fx := range []*fixture{f, g} {
		fx.stager.mu.Lock()
		staged := append([]string(nil), fx.stager.staged...)
		fx.stager.mu.Unlock()
		for _, path := range staged {
			if _, err := os.Stat(path); !os.IsNotExist(err) {
				t.Errorf("scratch file %s not removed", path)
			}
		}
		entries, err := os.ReadDir(fx.outputRoot)
		if err != nil {
			t.Fatalf("read output root: %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("output root not empty: %d entries left", len(entries))
		}
	}
}

func TestPool_BacksOffAfterDequeueError(t *testing.T) {
	f := newFixture(t, 3, 2, 100, time.Second)
	eq := &erroringQueue{}
	f.pool.queue = eq
	f.pool.receiveBackoff = 50 * time.Millisecond
	stop := f.run(t)

	time.Sleep(220 * time.Millisecond)
	stop()

	calls := eq.callCount()
	if calls == 0 {
		t.Fatal("pool stopped polling the queue")
	}
	// With a 50ms pause between failed receives, 220ms admits a handful of
	// attempts; an unthrottled loop would make thousands.
	if calls > 10 {
		t.Errorf("dequeue attempts = %d, want backoff between failed receives", calls)
	}
}

func TestPool_StageFailureUsesStageSentinel(t *testing.T) {
	f := newFixture(t, 1, 1, 100, time.Second)
	f.stager.err = errors.New("no such key")
	stop := f.run(t)
	defer stop()

	f.queue.push(&models.Job{ID: "job-s", LessonID: "l", SourceBucket: "src", SourceKey: "missing"})
	waitFor(t, 5*time.Second, func() bool { return f.queue.terminalCount() == 1 }, "job never failed")

	f.queue.mu.Lock()
	defer f.queue.mu.Unlock()
	msgs := f.queue.failures["job-s"]
	if len(msgs) != 1 || !strings.Contains(msgs[0], models.ErrStageFailed.Error()) {
		t.Errorf("failure messages = %v, want stage failure", msgs)
	}
}

func TestStageForError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: boom", models.ErrStageFailed), "stage"},
		{fmt.Errorf("%w: bad stream", models.ErrProbeFailed), "probe"},
		{&models.TranscodeError{ExitCode: 187}, "transcode"},
		{fmt.Errorf("%w: denied", models.ErrPublishFailed), "publish"},
		{fmt.Errorf("%w: conditional", models.ErrReconcileFailed), "reconcile"},
		{errors.New("mystery"), "unknown"},
	}
	for _, tt := range tests {
		if got := stageForError(tt.err); got != tt.want {
			t.Errorf("stageForError(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
