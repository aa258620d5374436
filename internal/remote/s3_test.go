package remote

import (
	"context"
	"errors"
	"fmt"
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

	serrors "github.com/arkilian/spool/internal/errors"
)

// memS3 is an in-memory S3API honouring If-None-Match on puts and completes.
type memS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	uploads  map[string]map[int32][]byte
	aborted  int
	putCalls int
	failPut  error
	failHead error
}

func newMemS3() *memS3 {
	return &memS3{objects: map[string][]byte{}, uploads: map[string]map[int32][]byte{}}
}

func (m *memS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failHead != nil {
		return nil, m.failHead
	}
	data, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(data))),
		ETag:          aws.String(fmt.Sprintf(`"%x"`, len(data))),
		LastModified:  aws.Time(time.Unix(1700000000, 0)),
	}, nil
}

func (m *memS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	if m.failPut != nil {
		return nil, m.failPut
	}
	key := aws.ToString(in.Key)
	if aws.ToString(in.IfNoneMatch) == "*" {
		if _, ok := m.objects[key]; ok {
			return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
		}
	}
	m.objects[key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *memS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit := int(aws.ToInt32(in.MaxKeys)); limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := &s3.ListObjectsV2Output{KeyCount: aws.Int32(int32(len(keys)))}
	for _, k := range keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (m *memS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := fmt.Sprintf("upload-%d", len(m.uploads)+1)
	m.uploads[id] = map[int32][]byte{}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (m *memS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads[aws.ToString(in.UploadId)][aws.ToInt32(in.PartNumber)] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("part-%d", aws.ToInt32(in.PartNumber)))}, nil
}

func (m *memS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := aws.ToString(in.Key)
	if aws.ToString(in.IfNoneMatch) == "*" {
		if _, ok := m.objects[key]; ok {
			return nil, &smithy.GenericAPIError{Code: "PreconditionFailed"}
		}
	}
	parts := m.uploads[aws.ToString(in.UploadId)]
	var data []byte
	for _, p := range in.MultipartUpload.Parts {
		data = append(data, parts[aws.ToInt32(p.PartNumber)]...)
	}
	m.objects[key] = data
	delete(m.uploads, aws.ToString(in.UploadId))
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (m *memS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborted++
	delete(m.uploads, aws.ToString(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

func newS3(t *testing.T) (*S3Client, *memS3) {
	t.Helper()
	api := newMemS3()
	return NewS3ClientWithAPI(api, "bucket", S3Config{Prefix: "tenant"}), api
}

func TestS3Client_RootAndFolders(t *testing.T) {
	c, api := newS3(t)
	ctx := context.Background()

	root, err := c.GetNode(ctx, S3RootID)
	require.NoError(t, err)
	assert.True(t, root.IsDir)

	missing, err := c.GetNode(ctx, "docs/")
	require.NoError(t, err)
	assert.Nil(t, missing)

	folder, err := c.CreateFolder(ctx, S3RootID, "docs")
	require.NoError(t, err)
	assert.Equal(t, "docs/", folder.ID)
	assert.Equal(t, "docs", folder.Name)
	assert.Contains(t, api.objects, "tenant/docs/")
}

func TestS3Client_UploadNewSmall(t *testing.T) {
	c, api := newS3(t)
	ctx := context.Background()
	_, err := c.CreateFolder(ctx, S3RootID, "docs")
	require.NoError(t, err)

	var last int64
	n, err := c.UploadNew(ctx, "docs/", "a.txt", stringSource("hello"), func(done int64) error {
		last = done
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "docs/a.txt", n.ID)
	assert.Equal(t, "a.txt", n.Name)
	assert.Equal(t, "docs/", n.ParentID)
	assert.Equal(t, "/docs/a.txt", n.Path)
	assert.Equal(t, int64(5), n.Size)
	assert.Equal(t, int64(5), last)
	assert.Equal(t, []byte("hello"), api.objects["tenant/docs/a.txt"])

	child, err := c.GetChild(ctx, "docs/", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, n.ID, child.ID)
}

func TestS3Client_UploadNewConflict(t *testing.T) {
	c, _ := newS3(t)
	ctx := context.Background()

	_, err := c.UploadNew(ctx, S3RootID, "a.txt", stringSource("one"), nil)
	require.NoError(t, err)

	_, err = c.UploadNew(ctx, S3RootID, "a.txt", stringSource("two"), nil)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestS3Client_UploadNewMissingParent(t *testing.T) {
	c, _ := newS3(t)
	ctx := context.Background()

	_, err := c.UploadNew(ctx, "ghost/", "a", stringSource("a"), nil)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.UploadNew(ctx, "not-a-folder", "a", stringSource("a"), nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3Client_Multipart(t *testing.T) {
	api := newMemS3()
	c := NewS3ClientWithAPI(api, "bucket", S3Config{PartSize: 1})
	require.Equal(t, int64(minPartSize), c.cfg.PartSize)

	body := strings.Repeat("m", minPartSize*2+17)
	n, err := c.UploadNew(context.Background(), S3RootID, "big.bin", stringSource(body), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), n.Size)
	assert.Equal(t, body, string(api.objects["big.bin"]))
	assert.Zero(t, api.putCalls)

	_, err = c.UploadNew(context.Background(), S3RootID, "big.bin", stringSource(body), nil)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, api.aborted)
}

func TestS3Client_Overwrite(t *testing.T) {
	c, api := newS3(t)
	ctx := context.Background()

	_, err := c.UploadNew(ctx, S3RootID, "f.txt", stringSource("old"), nil)
	require.NoError(t, err)

	n, err := c.Overwrite(ctx, "f.txt", stringSource("newer"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n.Size)
	assert.Equal(t, []byte("newer"), api.objects["tenant/f.txt"])

	_, err = c.Overwrite(ctx, "X", stringSource("x"), nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3Client_TransportErrorIsRetryable(t *testing.T) {
	c, api := newS3(t)
	api.failPut = &smithy.GenericAPIError{Code: "SlowDown", Message: "reduce your request rate"}

	_, err := c.UploadNew(context.Background(), S3RootID, "a", stringSource("a"), nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrConflict))
	assert.True(t, serrors.IsRetryable(err))
	assert.Equal(t, serrors.CodeTransferFailed, serrors.GetCode(err))
}

func TestS3Client_MissingBucketIsRetryable(t *testing.T) {
	c, api := newS3(t)
	api.failHead = &smithy.GenericAPIError{Code: "NoSuchBucket", Message: "the bucket does not exist"}

	node, err := c.GetNode(context.Background(), "docs/report.txt")
	require.Error(t, err)
	assert.Nil(t, node)
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.True(t, serrors.IsRetryable(err))
}

func TestClassifyS3Error(t *testing.T) {
	assert.Nil(t, classifyS3Error(nil))
	assert.ErrorIs(t, classifyS3Error(&s3types.NoSuchKey{}), ErrNotFound)
	assert.False(t, errors.Is(classifyS3Error(&smithy.GenericAPIError{Code: "NoSuchBucket"}), ErrNotFound))
	assert.True(t, serrors.IsRetryable(classifyS3Error(&s3types.NoSuchBucket{})))
	assert.ErrorIs(t, classifyS3Error(&smithy.GenericAPIError{Code: "ConditionalRequestConflict"}), ErrConflict)
	assert.ErrorIs(t, classifyS3Error(fmt.Errorf("send: %w", context.Canceled)), context.Canceled)
}
