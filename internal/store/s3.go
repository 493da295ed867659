package store

import (
	"bytes"
	"context"
	"encoding/json"
	stderr "errors"
	"fmt"
	"io"
	"net"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/taskmcp/taskmcp/pkg/errors"
	"github.com/taskmcp/taskmcp/pkg/retry"
	"github.com/taskmcp/taskmcp/pkg/utils"
)

// ObjectAPI is the subset of the S3 client the store uses.
type ObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Options configures the S3 client and store.
type S3Options struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string

	Retry  retry.Config
	Logger *utils.StructuredLogger
}

// NewS3Client builds an S3 client from the default AWS credential chain,
// overridden by static keys and a custom endpoint when set. SDK level
// retries are disabled; the store retries through pkg/retry.
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRetryMaxAttempts(1),
	}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConnectionFailed, "failed to load AWS config").
			WithComponent("store")
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	}), nil
}

// S3Store keeps each record as a JSON object:
//
//	<prefix>/tasks/<task>.json
//	<prefix>/plans/<task>/<version>.json
//	<prefix>/subtasks/<task>/<subtask>.json
type S3Store struct {
	api     ObjectAPI
	bucket  string
	prefix  string
	retryer *retry.Retryer
	logger  *utils.StructuredLogger

	// writeMu serialises plan versioning and subtask sequencing within
	// this process.
	writeMu sync.Mutex

	now func() time.Time
}

var errMissing = stderr.New("object does not exist")

// NewS3Store wraps api. The bucket must already exist.
func NewS3Store(api ObjectAPI, opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeMissingConfig, "s3 bucket is required").
			WithComponent("store")
	}

	logger := utils.OrDefault(opts.Logger).WithComponent("store")
	retryer := retry.New(opts.Retry).
		WithClassifier(isTransient).
		WithOnRetry(func(attempt int, err error, delay time.Duration) {
			logger.Warn("retrying s3 request", map[string]interface{}{
				"attempt": attempt,
				"delay":   delay.String(),
				"error":   err,
			})
		})

	return &S3Store{
		api:     api,
		bucket:  opts.Bucket,
		prefix:  strings.Trim(opts.Prefix, "/"),
		retryer: retryer,
		logger:  logger,
		now:     time.Now,
	}, nil
}

func (s *S3Store) key(parts ...string) string {
	return path.Join(append([]string{s.prefix}, parts...)...)
}

func (s *S3Store) taskKey(id string) string { return s.key("tasks", id+".json") }

func (s *S3Store) planPrefix(taskID string) string { return s.key("plans", taskID) + "/" }

func (s *S3Store) planKey(taskID string, version int) string {
	return s.key("plans", taskID, fmt.Sprintf("%08d.json", version))
}

func (s *S3Store) subtaskPrefix(taskID string) string { return s.key("subtasks", taskID) + "/" }

func (s *S3Store) subtaskKey(taskID, id string) string {
	return s.key("subtasks", taskID, id+".json")
}

// CreateTask implements Store.
func (s *S3Store) CreateTask(ctx context.Context, task Task) (Task, error) {
	if err := normalizeTask(&task); err != nil {
		return Task{}, err
	}

	now := s.now()
	task.ID = uuid.NewString()
	task.CreatedAt = now
	task.UpdatedAt = now
	if err := s.putJSON(ctx, s.taskKey(task.ID), task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// GetTask implements Store.
func (s *S3Store) GetTask(ctx context.Context, id string) (Task, error) {
	var task Task
	if err := s.getJSON(ctx, s.taskKey(id), &task); err != nil {
		if stderr.Is(err, errMissing) {
			return Task{}, taskNotFound(id)
		}
		return Task{}, err
	}
	return task, nil
}

// ListTasks implements Store.
func (s *S3Store) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	keys, err := s.listKeys(ctx, s.key("tasks")+"/")
	if err != nil {
		return nil, err
	}

	tasks := make([]Task, 0, len(keys))
	for _, key := range keys {
		var task Task
		if err := s.getJSON(ctx, key, &task); err != nil {
			if stderr.Is(err, errMissing) {
				continue
			}
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return filterTasks(tasks, filter), nil
}

// UpdateTask implements Store.
func (s *S3Store) UpdateTask(ctx context.Context, id string, update TaskUpdate) (Task, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if err := update.Apply(&task); err != nil {
		return Task{}, err
	}
	task.UpdatedAt = s.now()
	if err := s.putJSON(ctx, s.taskKey(id), task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// DeleteTask implements Store. Plans and subtasks go first so a partial
// failure leaves the task visible for another attempt.
func (s *S3Store) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.GetTask(ctx, id); err != nil {
		return err
	}

	for _, prefix := range []string{s.planPrefix(id), s.subtaskPrefix(id)} {
		keys, err := s.listKeys(ctx, prefix)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := s.deleteObject(ctx, key); err != nil {
				return err
			}
		}
	}
	return s.deleteObject(ctx, s.taskKey(id))
}

// SavePlan implements Store.
func (s *S3Store) SavePlan(ctx context.Context, taskID, content string) (Plan, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return Plan{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	latest, err := s.latestPlanVersion(ctx, taskID)
	if err != nil {
		return Plan{}, err
	}

	now := s.now()
	plan := Plan{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Content:   content,
		Version:   latest + 1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.putJSON(ctx, s.planKey(taskID, plan.Version), plan); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// GetLatestPlan implements Store.
func (s *S3Store) GetLatestPlan(ctx context.Context, taskID string) (Plan, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return Plan{}, err
	}

	version, err := s.latestPlanVersion(ctx, taskID)
	if err != nil {
		return Plan{}, err
	}
	if version == 0 {
		return Plan{}, planNotFound(taskID)
	}

	var plan Plan
	if err := s.getJSON(ctx, s.planKey(taskID, version), &plan); err != nil {
		if stderr.Is(err, errMissing) {
			return Plan{}, planNotFound(taskID)
		}
		return Plan{}, err
	}
	return plan, nil
}

func (s *S3Store) latestPlanVersion(ctx context.Context, taskID string) (int, error) {
	keys, err := s.listKeys(ctx, s.planPrefix(taskID))
	if err != nil {
		return 0, err
	}

	latest := 0
	for _, key := range keys {
		v, err := strconv.Atoi(strings.TrimSuffix(path.Base(key), ".json"))
		if err != nil {
			continue
		}
		if v > latest {
			latest = v
		}
	}
	return latest, nil
}

// CreateSubtask implements Store. A zero Sequence appends after the last
// existing subtask.
func (s *S3Store) CreateSubtask(ctx context.Context, subtask Subtask) (Subtask, error) {
	if err := normalizeSubtask(&subtask); err != nil {
		return Subtask{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing, err := s.ListSubtasks(ctx, subtask.TaskID)
	if err != nil {
		return Subtask{}, err
	}
	if subtask.Sequence == 0 {
		subtask.Sequence = 1
		if n := len(existing); n > 0 {
			subtask.Sequence = existing[n-1].Sequence + 1
		}
	}

	now := s.now()
	subtask.ID = uuid.NewString()
	subtask.CreatedAt = now
	subtask.UpdatedAt = now
	if err := s.putJSON(ctx, s.subtaskKey(subtask.TaskID, subtask.ID), subtask); err != nil {
		return Subtask{}, err
	}
	return subtask, nil
}

// UpdateSubtask implements Store.
func (s *S3Store) UpdateSubtask(ctx context.Context, taskID, id string, update SubtaskUpdate) (Subtask, error) {
	var subtask Subtask
	if err := s.getJSON(ctx, s.subtaskKey(taskID, id), &subtask); err != nil {
		if stderr.Is(err, errMissing) {
			return Subtask{}, subtaskNotFound(taskID, id)
		}
		return Subtask{}, err
	}
	if err := update.Apply(&subtask); err != nil {
		return Subtask{}, err
	}
	subtask.UpdatedAt = s.now()
	if err := s.putJSON(ctx, s.subtaskKey(taskID, id), subtask); err != nil {
		return Subtask{}, err
	}
	return subtask, nil
}

// ListSubtasks implements Store.
func (s *S3Store) ListSubtasks(ctx context.Context, taskID string) ([]Subtask, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}

	keys, err := s.listKeys(ctx, s.subtaskPrefix(taskID))
	if err != nil {
		return nil, err
	}

	subtasks := make([]Subtask, 0, len(keys))
	for _, key := range keys {
		var st Subtask
		if err := s.getJSON(ctx, key, &st); err != nil {
			if stderr.Is(err, errMissing) {
				continue
			}
			return nil, err
		}
		subtasks = append(subtasks, st)
	}
	sortSubtasks(subtasks)
	return subtasks, nil
}

// Ping checks that the bucket is reachable.
func (s *S3Store) Ping(ctx context.Context) error {
	err := s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		_, err := s.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
		return err
	})
	return s.translateError(err, errors.ErrCodeConnectionFailed, "head bucket", "")
}

// Close implements Store.
func (s *S3Store) Close() error {
	return nil
}

func (s *S3Store) getJSON(ctx context.Context, key string, v interface{}) error {
	var data []byte
	err := s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer func() { _ = out.Body.Close() }()

		data, err = io.ReadAll(out.Body)
		return err
	})
	if err != nil {
		if isErrorType[*s3types.NoSuchKey](err) {
			return errMissing
		}
		return s.translateError(err, errors.ErrCodeStorageRead, "get object", key)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageRead, "corrupt object").
			WithComponent("store").
			WithDetail("key", key)
	}
	return nil
}

func (s *S3Store) putJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternalError, "failed to encode record").
			WithComponent("store")
	}

	err = s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		})
		return err
	})
	return s.translateError(err, errors.ErrCodeStorageWrite, "put object", key)
}

func (s *S3Store) deleteObject(ctx context.Context, key string) error {
	err := s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return err
	})
	return s.translateError(err, errors.ErrCodeStorageWrite, "delete object", key)
}

// listKeys returns every key under prefix in lexical order.
func (s *S3Store) listKeys(ctx context.Context, prefix string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var keys []string
	for paginator.HasMorePages() {
		var page *s3.ListObjectsV2Output
		err := s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			var err error
			page, err = paginator.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, s.translateError(err, errors.ErrCodeStorageRead, "list objects", prefix)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *S3Store) translateError(err error, code errors.ErrorCode, op, key string) error {
	if err == nil {
		return nil
	}
	if errors.CodeOf(err) == errors.ErrCodeOperationCanceled {
		return err
	}

	var apiErr smithy.APIError
	if stderr.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "Forbidden":
			code = errors.ErrCodeAccessDenied
		}
	}
	if isErrorType[*s3types.NoSuchBucket](err) {
		code = errors.ErrCodeConnectionFailed
	}

	te := errors.Wrap(err, code, "s3 "+op+" failed").
		WithComponent("store").
		WithOperation(op).
		WithDetail("bucket", s.bucket)
	if key != "" {
		te = te.WithDetail("key", key)
	}
	return te
}

// isTransient classifies raw SDK errors for the retryer.
func isTransient(err error) bool {
	if stderr.Is(err, context.Canceled) || stderr.Is(err, context.DeadlineExceeded) {
		return false
	}
	if isErrorType[*s3types.NoSuchKey](err) || isErrorType[*s3types.NoSuchBucket](err) {
		return false
	}

	var apiErr smithy.APIError
	if stderr.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "InternalError", "ServiceUnavailable", "RequestTimeout", "Throttling", "ThrottlingException":
			return true
		}
		return false
	}

	var netErr net.Error
	return stderr.As(err, &netErr)
}

func isErrorType[T error](err error) bool {
	var target T
	return stderr.As(err, &target)
}
