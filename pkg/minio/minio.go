package minio

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"time"

	"trustwork/pkg/config"

	"github.com/lithammer/shortuuid/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Client = fx.Module("minio.client",
	fx.Provide(
		registerClient,
		NewStore,
	),
)

func registerClient(c *config.Config) (*minio.Client, error) {
	client, err := minio.New(c.Minio.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.Minio.AccessKey, c.Minio.SecretKey, ""),
		Secure: c.Minio.Secure,
	})
	if err != nil {
		zap.L().Error("failed to create MinIO client", zap.Error(err))
		return nil, err
	}

	for _, bucket := range []string{c.Minio.ResumeBucket, c.Minio.AttachmentBucket, c.Minio.MessageBucket} {
		exists, err := client.BucketExists(context.Background(), bucket)
		if err != nil {
			zap.L().Warn("failed to check if bucket exists", zap.String("bucket", bucket), zap.Error(err))
			continue
		}
		zap.L().Info("MinIO bucket checked", zap.String("bucket", bucket), zap.Bool("exists", exists))
	}

	zap.L().Info("MinIO client initialized", zap.String("endpoint", c.Minio.Endpoint))
	return client, nil
}

// Bucket names a storage class of objects.
type Bucket string

const (
	BucketResume     Bucket = "resume"
	BucketAttachment Bucket = "attachment"
	BucketMessage    Bucket = "message"
)

// Object is a stored blob reference.
type Object struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Size   int64  `json:"size"`
}

// ObjectStore is the blob store used for resumes, attachments and deliverables.
type ObjectStore interface {
	Put(ctx context.Context, bucket Bucket, key string, r io.Reader, size int64, contentType string) (*Object, error)
	Get(ctx context.Context, bucket Bucket, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, bucket Bucket, key string) error
}

type store struct {
	client  *minio.Client
	buckets map[Bucket]string
}

func NewStore(client *minio.Client, c *config.Config) ObjectStore {
	return &store{
		client: client,
		buckets: map[Bucket]string{
			BucketResume:     c.Minio.ResumeBucket,
			BucketAttachment: c.Minio.AttachmentBucket,
			BucketMessage:    c.Minio.MessageBucket,
		},
	}
}

func (s *store) bucket(b Bucket) (string, error) {
	name, ok := s.buckets[b]
	if !ok || name == "" {
		return "", fmt.Errorf("unknown bucket %q", b)
	}
	return name, nil
}

func (s *store) Put(ctx context.Context, b Bucket, key string, r io.Reader, size int64, contentType string) (*Object, error) {
	name, err := s.bucket(b)
	if err != nil {
		return nil, err
	}

	info, err := s.client.PutObject(ctx, name, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return nil, err
	}

	return &Object{Bucket: name, Key: info.Key, Size: info.Size}, nil
}

func (s *store) Get(ctx context.Context, b Bucket, key string) (io.ReadCloser, error) {
	name, err := s.bucket(b)
	if err != nil {
		return nil, err
	}
	return s.client.GetObject(ctx, name, key, minio.GetObjectOptions{})
}

func (s *store) Remove(ctx context.Context, b Bucket, key string) error {
	name, err := s.bucket(b)
	if err != nil {
		return err
	}
	return s.client.RemoveObject(ctx, name, key, minio.RemoveObjectOptions{})
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SanitizeFilename replaces every character outside [A-Za-z0-9_.-] with an underscore.
func SanitizeFilename(name string) string {
	return unsafeChars.ReplaceAllString(name, "_")
}

// ResumePath returns resumes/{user_id}/{ts}-{sanitized}.
func ResumePath(userID string, at time.Time, filename string) string {
	return fmt.Sprintf("resumes/%s/%d-%s", userID, at.UnixMilli(), SanitizeFilename(filename))
}

// AttachmentPath returns attachments/{assignment_id}/{elem...}/{sanitized}.
func AttachmentPath(assignmentID string, filename string, elem ...string) string {
	path := "attachments/" + assignmentID
	for _, e := range elem {
		path += "/" + e
	}
	return path + "/" + SanitizeFilename(filename)
}

// MessageAttachmentPath returns message-attachments/{conversation_id}/{random}-{sanitized}.
func MessageAttachmentPath(conversationID, filename string) string {
	return fmt.Sprintf("message-attachments/%s/%s-%s", conversationID, shortuuid.New(), SanitizeFilename(filename))
}
