// Package s3 implements the storage Backend over AWS S3 or an
// S3-compatible service such as MinIO.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gabriel-vasile/mimetype"

	"github.com/reelvault/reelvault/internal/storage"
)

const (
	// partialPrefix is the key prefix for staged session chunks.
	partialPrefix = ".partial/"

	// mediaPrefix is the key prefix for finalized media files.
	mediaPrefix = "media/"

	// uploadPartSize is the S3 multipart part size (5 MiB minimum).
	uploadPartSize = 5 * 1024 * 1024

	// sniffLen is how many leading bytes MIME detection reads.
	sniffLen = 3072
)

// Config holds S3 backend settings.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
}

// Storage implements the storage Backend against one bucket.
type Storage struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

// New builds the client and verifies bucket access.
func New(ctx context.Context, cfg Config) (*Storage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket name is required")
	}

	var optFuncs []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFuncs = append(optFuncs, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFuncs = append(optFuncs, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFuncs...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.PathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = uploadPartSize
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("failed to access S3 bucket %q: %w", cfg.Bucket, err)
	}

	slog.Info("S3 storage initialized", "bucket", cfg.Bucket, "region", cfg.Region, "endpoint", cfg.Endpoint)
	return &Storage{client: client, uploader: uploader, bucket: cfg.Bucket}, nil
}

func chunkKey(sessionID string, chunkIndex int) string {
	return fmt.Sprintf("%s%s/chunk_%06d", partialPrefix, sessionID, chunkIndex)
}

func mediaKey(relativePath string) string {
	return mediaPrefix + path.Clean(relativePath)
}

// SaveChunk implements Backend.
func (s *Storage) SaveChunk(ctx context.Context, sessionID string, chunkIndex int, data io.Reader, size int64) error {
	key := chunkKey(sessionID, chunkIndex)
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   data,
	})
	if err != nil {
		return storage.NewError("SaveChunk", key, err)
	}

	if size >= 0 {
		head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return storage.NewError("SaveChunk", key, err)
		}
		if got := aws.ToInt64(head.ContentLength); got != size {
			s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(key),
			})
			return storage.NewError("SaveChunk", key, fmt.Errorf("%w: wrote %d bytes, expected %d", storage.ErrSizeMismatch, got, size))
		}
	}
	return nil
}

// ChunkExists implements Backend.
func (s *Storage) ChunkExists(ctx context.Context, sessionID string, chunkIndex int) (bool, int64, error) {
	key := chunkKey(sessionID, chunkIndex)
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, 0, nil
		}
		return false, 0, storage.NewError("ChunkExists", key, err)
	}
	return true, aws.ToInt64(head.ContentLength), nil
}

// DeleteChunks implements Backend.
func (s *Storage) DeleteChunks(ctx context.Context, sessionID string) error {
	prefix := partialPrefix + sessionID + "/"

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return storage.NewError("DeleteChunks", prefix, err)
		}
		if len(page.Contents) == 0 {
			continue
		}

		objects := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}
		_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return storage.NewError("DeleteChunks", prefix, err)
		}
	}
	return nil
}

// AssembleChunks implements Backend. Chunks are streamed through a pipe
// into one multipart upload, so the whole file is never buffered.
func (s *Storage) AssembleChunks(ctx context.Context, sessionID string, totalChunks int, relativePath string) (int64, string, error) {
	key := mediaKey(relativePath)

	mime, err := s.detectMime(ctx, sessionID)
	if err != nil {
		return 0, "", err
	}

	pr, pw := io.Pipe()
	var total int64

	go func() {
		for i := 0; i < totalChunks; i++ {
			obj, err := s.client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(chunkKey(sessionID, i)),
			})
			if err != nil {
				pw.CloseWithError(fmt.Errorf("chunk %d: %w", i, err))
				return
			}

			n, err := io.Copy(pw, obj.Body)
			obj.Body.Close()
			if err != nil {
				pw.CloseWithError(fmt.Errorf("chunk %d: %w", i, err))
				return
			}
			total += n
		}
		pw.Close()
	}()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        pr,
		ContentType: aws.String(mime),
	})
	if err != nil {
		pr.CloseWithError(err)
		return 0, "", storage.NewError("AssembleChunks", key, err)
	}

	if err := s.DeleteChunks(ctx, sessionID); err != nil {
		return 0, "", err
	}
	return total, mime, nil
}

// detectMime sniffs the leading bytes of chunk 0. Empty files fall back to
// application/octet-stream.
func (s *Storage) detectMime(ctx context.Context, sessionID string) (string, error) {
	obj, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(chunkKey(sessionID, 0)),
		Range:  aws.String(fmt.Sprintf("bytes=0-%d", sniffLen-1)),
	})
	if err != nil {
		// A zero-byte chunk makes the range request unsatisfiable.
		obj, err = s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(chunkKey(sessionID, 0)),
		})
		if err != nil {
			return "", storage.NewError("AssembleChunks", chunkKey(sessionID, 0), err)
		}
	}
	defer obj.Body.Close()

	head, err := io.ReadAll(io.LimitReader(obj.Body, sniffLen))
	if err != nil {
		return "", storage.NewError("AssembleChunks", chunkKey(sessionID, 0), err)
	}
	if len(head) == 0 {
		return "application/octet-stream", nil
	}
	return mimetype.Detect(head).String(), nil
}

// Open implements Backend.
func (s *Storage) Open(ctx context.Context, relativePath string) (io.ReadCloser, int64, error) {
	key := mediaKey(relativePath)
	obj, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, storage.NewError("Open", relativePath, err)
	}
	return obj.Body, aws.ToInt64(obj.ContentLength), nil
}

// Exists implements Backend.
func (s *Storage) Exists(ctx context.Context, relativePath string) (bool, error) {
	key := mediaKey(relativePath)
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, storage.NewError("Exists", relativePath, err)
	}
	return true, nil
}

// Delete implements Backend.
func (s *Storage) Delete(ctx context.Context, relativePath string) error {
	key := mediaKey(relativePath)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return storage.NewError("Delete", relativePath, err)
	}
	return nil
}
