package lessons

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/coursekit/media-pipeline/internal/backoff"
	"github.com/coursekit/media-pipeline/internal/config"
	"github.com/coursekit/media-pipeline/internal/retry"
	"github.com/coursekit/media-pipeline/pkg/models"
)

// positionInsertAttempts bounds how many times a lesson insert recomputes
// its position after losing a race to a concurrent insert.
const positionInsertAttempts = 5

// DynamoDBAPI is the subset of the DynamoDB client used by the repository.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Repository handles lesson record storage in DynamoDB.
type Repository struct {
	client    DynamoDBAPI
	tableName string
}

// NewRepository creates a new Repository using the provided configuration.
func NewRepository(ctx context.Context, cfg *config.Config) (*Repository, error) {
	if cfg.AWS.LessonsTable == "" {
		return nil, errors.New("lessons table name is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.AWS.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Add OpenTelemetry instrumentation
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	return &Repository{
		client:    dynamodb.NewFromConfig(awsCfg),
		tableName: cfg.AWS.LessonsTable,
	}, nil
}

// NewRepositoryFromClient creates a new Repository from an existing DynamoDB client.
func NewRepositoryFromClient(client DynamoDBAPI, tableName string) *Repository {
	return &Repository{
		client:    client,
		tableName: tableName,
	}
}

// CreateLesson inserts a lesson at the next free position within its course.
// Position is claimed with a conditional put, so two concurrent inserts into
// the same course cannot land on the same slot; the loser recomputes and
// tries again up to positionInsertAttempts times.
func (r *Repository) CreateLesson(ctx context.Context, courseID, lessonID, title string) (*models.Lesson, error) {
	var lesson *models.Lesson

	err := retry.Do(ctx, positionInsertAttempts, backoff.NewConstant(50*time.Millisecond),
		func(err error) bool { return errors.Is(err, models.ErrPositionConflict) },
		func() error {
			position, err := r.nextPosition(ctx, courseID)
			if err != nil {
				return err
			}
			if err := r.claimPosition(ctx, courseID, lessonID, position); err != nil {
				return err
			}

			lesson = &models.Lesson{
				PK:       fmt.Sprintf("LESSON#%s", lessonID),
				SK:       "METADATA",
				LessonID: lessonID,
				CourseID: courseID,
				Title:    title,
				Position: position,
			}
			return r.putLesson(ctx, lesson)
		})
	if err != nil {
		return nil, err
	}

	return lesson, nil
}

// nextPosition returns one past the highest claimed position in the course.
func (r *Repository) nextPosition(ctx context.Context, courseID string) (int, error) {
	result, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: fmt.Sprintf("COURSE#%s", courseID)},
			":prefix": &types.AttributeValueMemberS{Value: "POS#"},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to query course positions: %w", err)
	}

	if len(result.Items) == 0 {
		return 1, nil
	}

	var claim struct {
		Position int `dynamodbav:"position"`
	}
	if err := attributevalue.UnmarshalMap(result.Items[0], &claim); err != nil {
		return 0, fmt.Errorf("failed to unmarshal position claim: %w", err)
	}

	return claim.Position + 1, nil
}

// claimPosition writes the course-scoped position item. The sort key is
// zero-padded so lexicographic order matches numeric order within a course.
func (r *Repository) claimPosition(ctx context.Context, courseID, lessonID string, position int) error {
	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item: map[string]types.AttributeValue{
			"pk":        &types.AttributeValueMemberS{Value: fmt.Sprintf("COURSE#%s", courseID)},
			"sk":        &types.AttributeValueMemberS{Value: fmt.Sprintf("POS#%06d", position)},
			"lesson_id": &types.AttributeValueMemberS{Value: lessonID},
			"position":  &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", position)},
		},
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return models.ErrPositionConflict
		}
		return fmt.Errorf("failed to claim position %d: %w", position, err)
	}

	return nil
}

func (r *Repository) putLesson(ctx context.Context, lesson *models.Lesson) error {
	now := time.Now().UTC().Format(time.RFC3339)
	lesson.CreatedAt = now
	lesson.UpdatedAt = now

	item, err := attributevalue.MarshalMap(lesson)
	if err != nil {
		return fmt.Errorf("failed to marshal lesson: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("lesson already exists: %s", lesson.LessonID)
		}
		return fmt.Errorf("failed to create lesson: %w", err)
	}

	return nil
}

// GetLesson retrieves a lesson record by ID.
func (r *Repository) GetLesson(ctx context.Context, lessonID string) (*models.Lesson, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: fmt.Sprintf("LESSON#%s", lessonID)},
			"sk": &types.AttributeValueMemberS{Value: "METADATA"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get lesson: %w", err)
	}

	if result.Item == nil {
		return nil, models.ErrLessonNotFound
	}

	var lesson models.Lesson
	if err := attributevalue.UnmarshalMap(result.Item, &lesson); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lesson: %w", err)
	}

	return &lesson, nil
}

// UpdateDuration writes the probed duration onto the lesson record. The
// update sets absolute values, so replaying it for the same source yields
// the same record state.
func (r *Repository) UpdateDuration(ctx context.Context, lessonID string, seconds float64) error {
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: fmt.Sprintf("LESSON#%s", lessonID)},
			"sk": &types.AttributeValueMemberS{Value: "METADATA"},
		},
		UpdateExpression: aws.String("SET duration_seconds = :duration, updated_at = :updated_at"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":duration":   &types.AttributeValueMemberN{Value: fmt.Sprintf("%f", seconds)},
			":updated_at": &types.AttributeValueMemberS{Value: now},
		},
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return models.ErrLessonNotFound
		}
		return fmt.Errorf("failed to update lesson duration: %w", err)
	}

	return nil
}

// UpdateMedia writes the playable media URL and final duration onto the
// lesson record after publication. Idempotent for the same outputs.
func (r *Repository) UpdateMedia(ctx context.Context, lessonID string, seconds float64, mediaURL string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: fmt.Sprintf("LESSON#%s", lessonID)},
			"sk": &types.AttributeValueMemberS{Value: "METADATA"},
		},
		UpdateExpression: aws.String("SET media_url = :media_url, duration_seconds = :duration, updated_at = :updated_at"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":media_url":  &types.AttributeValueMemberS{Value: mediaURL},
			":duration":   &types.AttributeValueMemberN{Value: fmt.Sprintf("%f", seconds)},
			":updated_at": &types.AttributeValueMemberS{Value: now},
		},
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return models.ErrLessonNotFound
		}
		return fmt.Errorf("failed to update lesson media: %w", err)
	}

	return nil
}
