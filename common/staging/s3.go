package staging

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/huage1994/skein-provisioner/common/resourcemanager"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// S3Provider implements the Provider API for AWS S3. Staged objects are referenced with s3a:// URLs,
// which is the scheme Hadoop's S3 connector resolves.
type S3Provider struct {
	*baseProvider

	s3Client *s3.Client
	s3Bucket string
}

func NewS3Provider(bucket string, prefix string) *S3Provider {
	return &S3Provider{
		baseProvider: newBaseProvider("", prefix),
		s3Bucket:     bucket,
	}
}

func (p *S3Provider) Close() error {
	p.status = Disconnected
	return nil
}

func (p *S3Provider) Connect() error {
	p.logger.Debug("Connecting to remote storage",
		zap.String("remote_storage", "AWS S3"),
		zap.String("bucket", p.s3Bucket))

	p.status = Connecting

	sdkConfig, err := config.LoadDefaultConfig(context.Background())
	if err != nil {
		p.status = Disconnected
		p.logger.Error("Failed to load AWS SDK config", zap.Error(err))
		return err
	}

	p.s3Client = s3.NewFromConfig(sdkConfig)
	p.status = Connected

	p.logger.Debug("Successfully connected to remote storage",
		zap.String("remote_storage", "AWS S3"),
		zap.String("bucket", p.s3Bucket))

	return nil
}

func (p *S3Provider) Stage(ctx context.Context, localPath string, name string) (*resourcemanager.LocalResource, error) {
	if p.status != Connected || p.s3Client == nil {
		return nil, ErrNotConnected
	}

	size, err := statLocal(localPath)
	if err != nil {
		return nil, err
	}

	key := path.Join(p.directory, name)

	local, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	defer local.Close()

	_, err = p.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.s3Bucket),
		Key:           aws.String(key),
		Body:          local,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		p.logger.Error("Error while writing local file to S3.",
			zap.String("path", localPath), zap.String("bucket", p.s3Bucket), zap.Error(err))
		return nil, errors.Wrapf(err, "failed to upload \"%s\" to s3://%s/%s", localPath, p.s3Bucket, key)
	}

	head, err := p.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.s3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read back s3://%s/%s", p.s3Bucket, key)
	}

	timestamp := time.Now()
	if head.LastModified != nil {
		timestamp = *head.LastModified
	}

	p.logger.Info(fmt.Sprintf("Successfully copied local file to AWS S3: '%s'", localPath),
		zap.String("file", localPath), zap.String("bucket", p.s3Bucket), zap.String("key", key))

	return &resourcemanager.LocalResource{
		URL:       fmt.Sprintf("s3a://%s/%s", p.s3Bucket, key),
		Size:      aws.ToInt64(head.ContentLength),
		Timestamp: timestamp,
	}, nil
}
