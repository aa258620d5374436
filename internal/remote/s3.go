package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	serrors "github.com/arkilian/spool/internal/errors"
	"github.com/arkilian/spool/pkg/types"
)

// S3RootID is the id of the bucket root folder.
const S3RootID = "/"

// S3API is the subset of *s3.Client used by S3Client.
type S3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Config holds configuration for the S3 backend.
type S3Config struct {
	// Region is the AWS region for the bucket.
	Region string
	// Endpoint is an optional custom endpoint (MinIO, LocalStack, ...).
	Endpoint string
	// UsePathStyle enables path-style addressing (required for MinIO).
	UsePathStyle bool
	// Prefix is prepended to every key.
	Prefix string
	// PartSize is the multipart threshold and part size in bytes (minimum 5MB).
	PartSize int64
}

const minPartSize = 5 * 1024 * 1024

// DefaultS3Config returns the default S3 configuration.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:   "us-east-1",
		PartSize: 8 * 1024 * 1024,
	}
}

// S3Client implements Client on an S3 bucket. Node ids are keys relative to
// the configured prefix; folder ids end with "/" and the root folder is "/".
// New uploads are conditional (If-None-Match: *) so an existing key surfaces
// as ErrConflict instead of being replaced.
type S3Client struct {
	api    S3API
	bucket string
	cfg    S3Config
}

// NewS3Client creates an S3 backend using the default AWS credential chain.
func NewS3Client(ctx context.Context, bucket string, cfg S3Config) (*S3Client, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return NewS3ClientWithAPI(s3.NewFromConfig(awsCfg, s3Opts...), bucket, cfg), nil
}

// NewS3ClientWithAPI creates an S3 backend over a pre-configured client.
func NewS3ClientWithAPI(api S3API, bucket string, cfg S3Config) *S3Client {
	if cfg.PartSize < minPartSize {
		cfg.PartSize = minPartSize
	}
	if cfg.Prefix != "" && !strings.HasSuffix(cfg.Prefix, "/") {
		cfg.Prefix += "/"
	}
	return &S3Client{api: api, bucket: bucket, cfg: cfg}
}

func (s *S3Client) key(id string) string {
	return s.cfg.Prefix + strings.TrimPrefix(id, "/")
}

func isFolderID(id string) bool {
	return strings.HasSuffix(id, "/")
}

func childID(parentID, name string) string {
	if parentID == S3RootID {
		return name
	}
	return parentID + name
}

// GetNode implements Client.
func (s *S3Client) GetNode(ctx context.Context, id string) (*types.Node, error) {
	if isFolderID(id) {
		return s.getFolder(ctx, id)
	}

	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		if errors.Is(classifyS3Error(err), ErrNotFound) {
			return nil, nil
		}
		return nil, classifyS3Error(err)
	}

	n := &types.Node{
		ID:       id,
		Name:     path.Base(id),
		ParentID: parentOf(id),
		Path:     "/" + id,
		Size:     aws.ToInt64(out.ContentLength),
		ETag:     strings.Trim(aws.ToString(out.ETag), `"`),
	}
	if out.LastModified != nil {
		n.ModifiedAt = out.LastModified.UTC()
	}
	return n, nil
}

// getFolder reports a folder as present when it is the root or any key
// exists below it.
func (s *S3Client) getFolder(ctx context.Context, id string) (*types.Node, error) {
	folder := &types.Node{ID: id, IsDir: true, Path: "/"}
	if id == S3RootID {
		return folder, nil
	}

	out, err := s.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(s.key(id)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return nil, classifyS3Error(err)
	}
	if aws.ToInt32(out.KeyCount) == 0 && len(out.Contents) == 0 {
		return nil, nil
	}

	trimmed := strings.TrimSuffix(id, "/")
	folder.Name = path.Base(trimmed)
	folder.ParentID = parentOf(trimmed)
	folder.Path = "/" + trimmed
	return folder, nil
}

func parentOf(id string) string {
	i := strings.LastIndex(id, "/")
	if i < 0 {
		return S3RootID
	}
	return id[:i+1]
}

// GetChild implements Client. A file child wins over a folder of the same name.
func (s *S3Client) GetChild(ctx context.Context, parentID, name string) (*types.Node, error) {
	n, err := s.GetNode(ctx, childID(parentID, name))
	if err != nil || n != nil {
		return n, err
	}
	return s.GetNode(ctx, childID(parentID, name)+"/")
}

// CreateFolder writes a zero-byte folder marker.
func (s *S3Client) CreateFolder(ctx context.Context, parentID, name string) (*types.Node, error) {
	id := childID(parentID, name) + "/"
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(id)),
		Body:        bytes.NewReader(nil),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		return nil, classifyS3Error(err)
	}
	return s.getFolder(ctx, id)
}

// UploadNew implements Client.
func (s *S3Client) UploadNew(ctx context.Context, parentID, name string, src ContentSource, progress ProgressFunc) (*types.Node, error) {
	if !isFolderID(parentID) {
		return nil, fmt.Errorf("%w: %s is not a folder", ErrNotFound, parentID)
	}
	parent, err := s.getFolder(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, fmt.Errorf("%w: folder %s", ErrNotFound, parentID)
	}

	id := childID(parentID, name)
	if err := s.put(ctx, id, src, progress, true); err != nil {
		return nil, err
	}
	return s.GetNode(ctx, id)
}

// Overwrite implements Client.
func (s *S3Client) Overwrite(ctx context.Context, id string, src ContentSource, progress ProgressFunc) (*types.Node, error) {
	existing, err := s.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil || existing.IsDir {
		return nil, fmt.Errorf("%w: file %s", ErrNotFound, id)
	}
	if err := s.put(ctx, id, src, progress, false); err != nil {
		return nil, err
	}
	return s.GetNode(ctx, id)
}

// put streams src to key id. Bodies up to PartSize go in a single PutObject;
// larger ones are sent as a multipart upload, one buffered part at a time.
func (s *S3Client) put(ctx context.Context, id string, src ContentSource, progress ProgressFunc, ifAbsent bool) error {
	in, err := src()
	if err != nil {
		return serrors.NewRemoteError(serrors.CodeTransferFailed, "open source", err)
	}
	defer in.Close()

	r := NewProgressReader(ctx, in, progress)
	first, err := readPart(r, s.cfg.PartSize)
	if err != nil {
		return s.transferError(ctx, err)
	}

	if int64(len(first)) < s.cfg.PartSize {
		input := &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(s.key(id)),
			Body:          bytes.NewReader(first),
			ContentLength: aws.Int64(int64(len(first))),
		}
		if ifAbsent {
			input.IfNoneMatch = aws.String("*")
		}
		if _, err := s.api.PutObject(ctx, input); err != nil {
			return classifyS3Error(err)
		}
		return nil
	}

	return s.putMultipart(ctx, id, first, r, ifAbsent)
}

func (s *S3Client) putMultipart(ctx context.Context, id string, first []byte, r io.Reader, ifAbsent bool) error {
	key := s.key(id)
	created, err := s.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classifyS3Error(err)
	}
	uploadID := created.UploadId

	abort := func() {
		// The transfer context may already be cancelled.
		_, _ = s.api.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(key),
			UploadId: uploadID,
		})
	}

	var parts []s3types.CompletedPart
	part := first
	for num := int32(1); len(part) > 0; num++ {
		out, err := s.api.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(num),
			Body:          bytes.NewReader(part),
			ContentLength: aws.Int64(int64(len(part))),
		})
		if err != nil {
			abort()
			return classifyS3Error(err)
		}
		parts = append(parts, s3types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(num)})

		if part, err = readPart(r, s.cfg.PartSize); err != nil {
			abort()
			return s.transferError(ctx, err)
		}
	}

	input := &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: parts},
	}
	if ifAbsent {
		input.IfNoneMatch = aws.String("*")
	}
	if _, err := s.api.CompleteMultipartUpload(ctx, input); err != nil {
		abort()
		return classifyS3Error(err)
	}
	return nil
}

// readPart reads up to size bytes. A short read at end of stream is not an error.
func readPart(r io.Reader, size int64) ([]byte, error) {
	buf := make([]byte, size)
	n, err := io.ReadFull(r, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = nil
	}
	return buf[:n], err
}

func (s *S3Client) transferError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	return serrors.NewRemoteError(serrors.CodeTransferFailed, "read source", err)
}

// classifyS3Error maps S3 API errors onto ErrConflict and ErrNotFound. Other
// errors, a missing bucket included, are wrapped as retryable transfer failures.
func classifyS3Error(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.(type) {
		case *s3types.NoSuchBucket:
			return serrors.NewRemoteError(serrors.CodeTransferFailed, "s3 bucket does not exist", err)
		case *s3types.NotFound, *s3types.NoSuchKey:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case "NoSuchBucket":
			return serrors.NewRemoteError(serrors.CodeTransferFailed, "s3 bucket does not exist", err)
		case "NotFound", "NoSuchKey", "NoSuchUpload":
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
	}
	return serrors.NewRemoteError(serrors.CodeTransferFailed, "s3 request failed", err)
}
