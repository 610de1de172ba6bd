package service

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// Domain 非空时返回 {Domain}/{bucket}/{object}，否则返回预签名地址
	Domain string
	Expiry time.Duration
}

// MinIOUploader 把分镜图片上传到对象存储，得到远程视频服务可访问的地址
type MinIOUploader struct {
	client *minio.Client
	cfg    MinIOConfig

	mu          sync.Mutex
	bucketReady bool
}

func NewMinIOUploader(cfg MinIOConfig) (*MinIOUploader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("MinIO 初始化失败: %w", err)
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = 72 * time.Hour
	}
	log.Info().Str("endpoint", cfg.Endpoint).Str("bucket", cfg.Bucket).Msg("MinIO 连接成功")
	return &MinIOUploader{client: client, cfg: cfg}, nil
}

func (u *MinIOUploader) ensureBucket(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.bucketReady {
		return nil
	}
	exists, err := u.client.BucketExists(ctx, u.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("检查 Bucket 失败: %w", err)
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("创建 Bucket 失败: %w", err)
		}
		log.Info().Str("bucket", u.cfg.Bucket).Msg("Bucket 已创建")
	}
	u.bucketReady = true
	return nil
}

func (u *MinIOUploader) Upload(ctx context.Context, localPath string) (string, error) {
	if err := u.ensureBucket(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}

	ext := strings.ToLower(filepath.Ext(localPath))
	objectName := fmt.Sprintf("scenes/%s/%s%s", time.Now().Format("20060102"), uuid.NewString(), ext)

	_, err := u.client.FPutObject(ctx, u.cfg.Bucket, objectName, localPath, minio.PutObjectOptions{
		ContentType: ContentTypeForExt(ext),
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: 上传到 MinIO 失败: %v", ErrUpload, err)
	}

	if u.cfg.Domain != "" {
		return strings.TrimRight(u.cfg.Domain, "/") + "/" + u.cfg.Bucket + "/" + objectName, nil
	}
	presigned, err := u.client.PresignedGetObject(ctx, u.cfg.Bucket, objectName, u.cfg.Expiry, make(url.Values))
	if err != nil {
		return "", fmt.Errorf("%w: 生成签名 URL 失败: %v", ErrUpload, err)
	}
	log.Debug().Str("object", objectName).Msg("文件已上传")
	return presigned.String(), nil
}

// ContentTypeForExt 根据扩展名确定 ContentType
func ContentTypeForExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	case ".mp4":
		return "video/mp4"
	}
	return "application/octet-stream"
}
