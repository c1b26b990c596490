package store

import (
	"context"
	"fmt"
	"path"
	"path/filepath"

	"github.com/apk-analysis/drebin-feature-go/internal/config"
	"github.com/apk-analysis/drebin-feature-go/internal/retry"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
)

// Sink 已持久化报告的镜像目标
type Sink interface {
	Archive(ctx context.Context, localPath string) (string, error)
}

// ObjectUploader 对象存储上传接口（minio.Client 满足该接口）
type ObjectUploader interface {
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ArchiveSink 把报告镜像到 MinIO/S3 桶
type ArchiveSink struct {
	client ObjectUploader
	bucket string
	prefix string
	policy *retry.Policy
}

// NewArchiveSink 连接 MinIO 并确保桶存在
func NewArchiveSink(ctx context.Context, cfg *config.ArchiveConfig, logger logrus.FieldLogger) (*ArchiveSink, error) {
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	exists, err := cli.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		logger.WithField("bucket", cfg.Bucket).Info("Created report bucket")
	}

	return NewArchiveSinkWithClient(cli, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewArchiveSinkWithClient 使用已有客户端创建归档目标
func NewArchiveSinkWithClient(client ObjectUploader, bucket, prefix string, logger logrus.FieldLogger) *ArchiveSink {
	return &ArchiveSink{
		client: client,
		bucket: bucket,
		prefix: prefix,
		policy: retry.DefaultPolicy("archive upload", logger),
	}
}

// SetPolicy 替换重试策略
func (s *ArchiveSink) SetPolicy(p *retry.Policy) {
	s.policy = p
}

// ObjectKey 报告在桶中的对象名
func (s *ArchiveSink) ObjectKey(localPath string) string {
	return path.Join(s.prefix, filepath.Base(localPath))
}

// Archive 上传报告，失败按策略重试
func (s *ArchiveSink) Archive(ctx context.Context, localPath string) (string, error) {
	key := s.ObjectKey(localPath)
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		_, err := s.client.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{
			ContentType: "application/json",
		})
		return err
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s", s.bucket, key), nil
}
