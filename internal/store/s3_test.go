package store

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmcp/taskmcp/pkg/errors"
	"github.com/taskmcp/taskmcp/pkg/retry"
	"github.com/taskmcp/taskmcp/pkg/utils"
)

// fakeObjectAPI is an in-memory bucket. ListObjectsV2 pages two keys at a
// time so callers must follow continuation tokens.
type fakeObjectAPI struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failures map[string][]error
	calls    map[string]int
	pageSize int
}

func newFakeObjectAPI() *fakeObjectAPI {
	return &fakeObjectAPI{
		objects:  make(map[string][]byte),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
		pageSize: 2,
	}
}

// failNext queues errs to be returned by the next calls to op.
func (f *fakeObjectAPI) failNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

func (f *fakeObjectAPI) enter(op string) error {
	f.calls[op]++
	if queued := f.failures[op]; len(queued) > 0 {
		f.failures[op] = queued[1:]
		return queued[0]
	}
	return nil
}

func (f *fakeObjectAPI) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeObjectAPI) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetObject"); err != nil {
		return nil, err
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeObjectAPI) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PutObject"); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeObjectAPI) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteObject"); err != nil {
		return nil, err
	}
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeObjectAPI) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListObjectsV2"); err != nil {
		return nil, err
	}

	prefix := aws.ToString(in.Prefix)
	after := aws.ToString(in.ContinuationToken)
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) && k > after {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if len(keys) > f.pageSize {
		keys = keys[:f.pageSize]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	for _, k := range keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	out.KeyCount = aws.Int32(int32(len(keys)))
	return out, nil
}

func (f *fakeObjectAPI) HeadBucket(_ context.Context, _ *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("HeadBucket"); err != nil {
		return nil, err
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeObjectAPI) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.objects))
	for k := range f.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func newTestS3Store(t *testing.T, api ObjectAPI) *S3Store {
	t.Helper()
	s, err := NewS3Store(api, S3Options{
		Bucket: "tasks-bucket",
		Prefix: "/taskmcp/",
		Retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Multiplier:   2,
		},
		Logger: utils.NopLogger(),
	})
	require.NoError(t, err)
	s.now = stepClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return s
}

func slowDown() error {
	return &smithy.GenericAPIError{Code: "SlowDown", Message: "reduce your request rate"}
}

func TestS3Store(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return newTestS3Store(t, newFakeObjectAPI())
	})
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	_, err := NewS3Store(newFakeObjectAPI(), S3Options{})
	assert.Equal(t, errors.ErrCodeMissingConfig, errors.CodeOf(err))
}

func TestS3Store_ObjectLayout(t *testing.T) {
	ctx := context.Background()
	api := newFakeObjectAPI()
	s := newTestS3Store(t, api)

	task, err := s.CreateTask(ctx, Task{Title: "layout"})
	require.NoError(t, err)
	_, err = s.SavePlan(ctx, task.ID, "p1")
	require.NoError(t, err)
	_, err = s.SavePlan(ctx, task.ID, "p2")
	require.NoError(t, err)
	sub, err := s.CreateSubtask(ctx, Subtask{TaskID: task.ID, Title: "step"})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"taskmcp/plans/" + task.ID + "/00000001.json",
		"taskmcp/plans/" + task.ID + "/00000002.json",
		"taskmcp/subtasks/" + task.ID + "/" + sub.ID + ".json",
		"taskmcp/tasks/" + task.ID + ".json",
	}, api.keys())
}

func TestS3Store_ListFollowsPages(t *testing.T) {
	ctx := context.Background()
	api := newFakeObjectAPI()
	s := newTestS3Store(t, api)

	for _, title := range []string{"a", "b", "c", "d", "e"} {
		_, err := s.CreateTask(ctx, Task{Title: title})
		require.NoError(t, err)
	}

	tasks, err := s.ListTasks(ctx, TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 5)
	assert.Equal(t, "a", tasks[0].Title)
	assert.Equal(t, "e", tasks[4].Title)
	assert.Equal(t, 3, api.callCount("ListObjectsV2"))
}

func TestS3Store_RetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	api := newFakeObjectAPI()
	s := newTestS3Store(t, api)

	api.failNext("PutObject", slowDown(), slowDown())
	task, err := s.CreateTask(ctx, Task{Title: "eventually"})
	require.NoError(t, err)
	assert.Equal(t, 3, api.callCount("PutObject"))

	api.failNext("GetObject", slowDown())
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "eventually", got.Title)
}

func TestS3Store_RetryExhaustion(t *testing.T) {
	ctx := context.Background()
	api := newFakeObjectAPI()
	s := newTestS3Store(t, api)

	api.failNext("PutObject", slowDown(), slowDown(), slowDown())
	_, err := s.CreateTask(ctx, Task{Title: "never"})
	require.Error(t, err)

	assert.Equal(t, errors.ErrCodeStorageWrite, errors.CodeOf(err))
	assert.Equal(t, 3, api.callCount("PutObject"))
}

func TestS3Store_PermanentErrorsAreNotRetried(t *testing.T) {
	ctx := context.Background()
	api := newFakeObjectAPI()
	s := newTestS3Store(t, api)

	api.failNext("PutObject", &smithy.GenericAPIError{Code: "AccessDenied", Message: "no"})
	_, err := s.CreateTask(ctx, Task{Title: "denied"})
	require.Error(t, err)

	assert.Equal(t, errors.ErrCodeAccessDenied, errors.CodeOf(err))
	assert.Equal(t, 1, api.callCount("PutObject"))
}

func TestS3Store_CorruptObject(t *testing.T) {
	ctx := context.Background()
	api := newFakeObjectAPI()
	s := newTestS3Store(t, api)

	api.objects["taskmcp/tasks/bad.json"] = []byte("{not json")
	_, err := s.GetTask(ctx, "bad")
	assert.Equal(t, errors.ErrCodeStorageRead, errors.CodeOf(err))
}

func TestS3Store_Ping(t *testing.T) {
	ctx := context.Background()
	api := newFakeObjectAPI()
	s := newTestS3Store(t, api)

	require.NoError(t, s.Ping(ctx))

	api.failNext("HeadBucket", &s3types.NoSuchBucket{Message: aws.String("gone")})
	err := s.Ping(ctx)
	assert.Equal(t, errors.ErrCodeConnectionFailed, errors.CodeOf(err))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"slow down", slowDown(), true},
		{"internal", &smithy.GenericAPIError{Code: "InternalError"}, true},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, false},
		{"no such key", &s3types.NoSuchKey{}, false},
		{"canceled", context.Canceled, false},
		{"plain", io.ErrUnexpectedEOF, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransient(tt.err))
		})
	}
}
