package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/sssrecovery/config"
	"github.com/vultisig/sssrecovery/internal/types"
)

const uploadRetry = 3

// BlockStorage keeps cloud share replicas in an S3 compatible bucket.
type BlockStorage struct {
	bucket   string
	prefix   string
	s3Client *s3.S3
	logger   *logrus.Logger
}

func NewBlockStorage(cfg config.Config, logger *logrus.Logger) (*BlockStorage, error) {
	sess, err := session.NewSession(&aws.Config{
		Region:           aws.String(cfg.BlockStorage.Region),
		Endpoint:         aws.String(cfg.BlockStorage.Host),
		Credentials:      credentials.NewStaticCredentials(cfg.BlockStorage.AccessKey, cfg.BlockStorage.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.WithField("module", "block_storage").Logger
	}
	return &BlockStorage{
		bucket:   cfg.BlockStorage.Bucket,
		prefix:   cfg.BlockStorage.Prefix,
		s3Client: s3.New(sess),
		logger:   logger,
	}, nil
}

func (bs *BlockStorage) Name() string {
	return "s3:" + bs.bucket
}

func (bs *BlockStorage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := bs.s3Client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bs.bucket),
		Key:    aws.String(bs.prefix + key),
	})
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SetItem uploads the value, retrying a few times on failure.
func (bs *BlockStorage) SetItem(ctx context.Context, key string, value []byte) error {
	var err error
	for i := 0; i < uploadRetry; i++ {
		if err = bs.upload(ctx, key, value); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		bs.logger.WithFields(logrus.Fields{
			"key":     key,
			"attempt": i,
			"error":   err,
		}).Error("Failed to upload item")
	}
	return err
}

func (bs *BlockStorage) upload(ctx context.Context, key string, value []byte) error {
	output, err := bs.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bs.bucket),
		Key:           aws.String(bs.prefix + key),
		Body:          aws.ReadSeekCloser(bytes.NewReader(value)),
		ContentLength: aws.Int64(int64(len(value))),
	})
	if err != nil {
		return fmt.Errorf("fail to upload %s: %w", key, err)
	}
	if output != nil {
		bs.logger.Infof("upload item %s success, version id: %s", key, aws.StringValue(output.VersionId))
	}
	return nil
}

func (bs *BlockStorage) GetItem(ctx context.Context, key string) ([]byte, error) {
	output, err := bs.s3Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bs.bucket),
		Key:    aws.String(bs.prefix + key),
	})
	if isNotFound(err) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fail to get %s: %w", key, err)
	}
	defer func() {
		if err := output.Body.Close(); err != nil {
			bs.logger.Error(err)
		}
	}()
	return io.ReadAll(output.Body)
}

func (bs *BlockStorage) RemoveItem(ctx context.Context, key string) error {
	_, err := bs.s3Client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bs.bucket),
		Key:    aws.String(bs.prefix + key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("fail to delete %s: %w", key, err)
	}
	bs.logger.Infof("delete item %s success", key)
	return nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
