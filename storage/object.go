package storage

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/cenkalti/backoff/v4"
	"github.com/reelgrab/reel-api/config"
	"github.com/reelgrab/reel-api/errors"
	"github.com/reelgrab/reel-api/log"
)

const (
	uploadTimeout = 10 * time.Minute
	uploadRetries = 3
)

// ObjectStore talks to an S3-compatible bucket. Credentials come from the
// usual AWS env/instance chain; a custom endpoint switches to path-style
// addressing for MinIO and friends.
type ObjectStore struct {
	api      s3iface.S3API
	uploader s3manageriface.UploaderAPI
	bucket   string
}

func NewObjectStore(bucket, region, endpoint string) (*ObjectStore, error) {
	cfg := aws.NewConfig()
	if region != "" {
		cfg = cfg.WithRegion(region)
	}
	if endpoint != "" {
		cfg = cfg.WithEndpoint(endpoint).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating AWS session: %w", err)
	}
	return &ObjectStore{
		api:      s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		bucket:   bucket,
	}, nil
}

func (o *ObjectStore) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	seeker, seekable := body.(io.ReadSeeker)
	upload := func() error {
		if seekable {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return errors.Unretriable(err)
			}
		}
		_, err := o.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket:      aws.String(o.bucket),
			Key:         aws.String(key),
			Body:        body,
			ContentType: aws.String(contentType),
		})
		if err == nil {
			return nil
		}
		err = o.classify(err)
		if !errors.KindOf(err).Retriable() {
			return errors.Unretriable(err)
		}
		return err
	}

	if !seekable {
		// can't rewind the body, so a failed attempt is final
		return upload()
	}

	err := backoff.Retry(upload, backoff.WithContext(uploadRetryBackoff(), ctx))
	if err != nil {
		log.LogNoJobID("object store upload failed", "bucket", o.bucket, "key", key, "error", err)
	}
	return err
}

func (o *ObjectStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := o.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, o.classify(err)
	}
	return out.Body, nil
}

func (o *ObjectStore) Delete(ctx context.Context, key string) error {
	_, err := o.api.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return o.classify(err)
	}
	return nil
}

func (o *ObjectStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := o.api.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	classified := o.classify(err)
	if errors.IsKind(classified, errors.KindNotFound) {
		return false, nil
	}
	return false, classified
}

func (o *ObjectStore) URLFor(key string, ttl time.Duration) (string, error) {
	req, _ := o.api.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	return req.Presign(ttl)
}

func (o *ObjectStore) Probe(ctx context.Context) error {
	key := probeKey()
	payload := fmt.Sprintf("probe %d", config.Clock.GetTimestampUTC())
	if err := o.Put(ctx, key, bytes.NewReader([]byte(payload)), "text/plain"); err != nil {
		return err
	}
	rc, err := o.Get(ctx, key)
	if err != nil {
		return err
	}
	if _, err := io.ReadAll(rc); err != nil {
		rc.Close()
		return errors.Tag(errors.KindStorageUnavailable, err)
	}
	rc.Close()
	return o.Delete(ctx, key)
}

func (o *ObjectStore) classify(err error) error {
	if err == nil {
		return nil
	}
	var aerr awserr.Error
	if stderrors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return errors.Tag(errors.KindNotFound, err)
		case "EntityTooLarge", "QuotaExceeded":
			return errors.Tag(errors.KindStorageQuota, err)
		case request.CanceledErrorCode:
			return errors.Tag(errors.KindTimeout, err)
		}
	}
	return errors.Tag(errors.KindStorageUnavailable, err)
}

func uploadRetryBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uploadRetries-1)
}
