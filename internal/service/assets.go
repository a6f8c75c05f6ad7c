package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"go.uber.org/zap"

	"github.com/langchou/anprgazer/internal/api/hikvision"
)

// ObjectUploader 对象存储
type ObjectUploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
}

// AssetSink 保存每个事件的原始 XML、图片和视频
type AssetSink struct {
	xmlDir   string
	imageDir string
	videoDir string
	mirror   ObjectUploader // 可为 nil
	logger   *zap.Logger
}

// NewAssetSink 创建附件存储
func NewAssetSink(xmlDir, imageDir, videoDir string, mirror ObjectUploader, logger *zap.Logger) *AssetSink {
	return &AssetSink{
		xmlDir:   xmlDir,
		imageDir: imageDir,
		videoDir: videoDir,
		mirror:   mirror,
		logger:   logger,
	}
}

// VideoFilename 事件视频的文件名
func VideoFilename(eventID string) string {
	return eventID + ".mp4"
}

// Save 写入附件，返回所有失败（不中断其余文件的写入）
func (a *AssetSink) Save(ctx context.Context, eventID string, n *hikvision.Notification) error {
	var errs []error

	if len(n.RawXML) > 0 {
		errs = append(errs, a.write(ctx, a.xmlDir, eventID+".xml", n.RawXML, "application/xml"))
	}
	for name, data := range n.Images {
		// 文件名来自设备，只保留最后一段
		file := eventID + "_" + filepath.Base(name)
		errs = append(errs, a.write(ctx, a.imageDir, file, data, "image/jpeg"))
	}
	if len(n.Video) > 0 {
		errs = append(errs, a.write(ctx, a.videoDir, VideoFilename(eventID), n.Video, "video/mp4"))
	}

	return errors.Join(errs...)
}

func (a *AssetSink) write(ctx context.Context, dir, name string, data []byte, contentType string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}

	if a.mirror != nil {
		key := filepath.ToSlash(filepath.Join(filepath.Base(dir), name))
		if err := a.mirror.Upload(ctx, key, data, contentType); err != nil {
			// 本地已保存，镜像失败只记录
			a.logger.Warn("Failed to mirror asset", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// S3Uploader 把附件镜像到 S3
type S3Uploader struct {
	client *s3.S3
	bucket string
}

// NewS3Uploader 使用默认凭证链创建 S3 客户端
func NewS3Uploader(region, bucket string) (*S3Uploader, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return &S3Uploader{client: s3.New(sess), bucket: bucket}, nil
}

// Upload 上传对象
func (u *S3Uploader) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := u.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put s3 object %s: %w", key, err)
	}
	return nil
}
