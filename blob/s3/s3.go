// Package s3 implements blob.Backend against an S3-compatible object
// store using the AWS SDK v2, with bounded retry for transient 5xx and
// throttling responses (spec.md §4.E).
package s3

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsretry "github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/objectvault/storage-gateway/blob"
)

// Backend talks to one S3-compatible endpoint via a persistent client
// with keep-alive and bounded retry for throttling/5xx.
type Backend struct {
	client *s3.Client
}

// Options configures the underlying S3 client.
type Options struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	MaxRetries      int
}

// New builds a Backend from static credentials and endpoint settings
// (spec.md §4.A names blob backend endpoint/region/credentials as
// config-component inputs).
func New(ctx context.Context, opts Options) (*Backend, error) {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(opts.Region),
		config.WithRetryer(func() aws.Retryer {
			return awsretry.NewStandard(func(o *awsretry.StandardOptions) {
				o.MaxAttempts = maxRetries
				o.MaxBackoff = 30 * time.Second
			})
		}),
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, blob.ErrInternal.Wrap(err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})

	return &Backend{client: client}, nil
}

func (b *Backend) GetObject(ctx context.Context, bucket, key string, cond blob.Conditions) (blob.Object, error) {
	in := &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}
	if cond.IfNoneMatch != "" {
		in.IfNoneMatch = aws.String(cond.IfNoneMatch)
	}
	if !cond.IfModifiedSince.IsZero() {
		in.IfModifiedSince = aws.Time(cond.IfModifiedSince)
	}
	if cond.HasRange() {
		end := ""
		if cond.RangeEnd > 0 {
			end = strconv.FormatInt(cond.RangeEnd, 10)
		}
		in.Range = aws.String("bytes=" + strconv.FormatInt(cond.RangeStart, 10) + "-" + end)
	}

	out, err := b.client.GetObject(ctx, in)
	if err != nil {
		return blob.Object{}, translateError(err, bucket, key)
	}

	return blob.Object{
		Metadata: metadataFromGetOutput(out),
		Body:     out.Body,
	}, nil
}

func (b *Backend) HeadObject(ctx context.Context, bucket, key string) (blob.Metadata, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return blob.Metadata{}, translateError(err, bucket, key)
	}
	return blob.Metadata{
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		CacheControl: aws.ToString(out.CacheControl),
		ETag:         aws.ToString(out.ETag),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func (b *Backend) UploadObject(ctx context.Context, bucket, key string, body io.Reader, contentType, cacheControl string) (blob.Metadata, error) {
	in := &s3.PutObjectInput{
		Bucket: aws.String(bucket), Key: aws.String(key), Body: body,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if cacheControl != "" {
		in.CacheControl = aws.String(cacheControl)
	}

	if _, err := b.client.PutObject(ctx, in); err != nil {
		return blob.Metadata{}, translateError(err, bucket, key)
	}

	return b.HeadObject(ctx, bucket, key)
}

func (b *Backend) CopyObject(ctx context.Context, bucket, srcKey, dstKey string, cond blob.Conditions) (blob.Metadata, error) {
	in := &s3.CopyObjectInput{
		Bucket:     aws.String(bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(bucket + "/" + strings.TrimPrefix(srcKey, "/")),
	}
	if cond.IfNoneMatch != "" {
		in.CopySourceIfNoneMatch = aws.String(cond.IfNoneMatch)
	}
	if !cond.IfModifiedSince.IsZero() {
		in.CopySourceIfModifiedSince = aws.Time(cond.IfModifiedSince)
	}

	if _, err := b.client.CopyObject(ctx, in); err != nil {
		return blob.Metadata{}, translateError(err, bucket, dstKey)
	}
	return b.HeadObject(ctx, bucket, dstKey)
}

func (b *Backend) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return translateError(err, bucket, key)
	}
	return nil
}

func (b *Backend) DeleteObjects(ctx context.Context, bucket string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	objects := make([]types.ObjectIdentifier, len(keys))
	for i, key := range keys {
		objects[i] = types.ObjectIdentifier{Key: aws.String(key)}
	}
	_, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(bucket),
		Delete: &types.Delete{Objects: objects},
	})
	if err != nil {
		return translateError(err, bucket, strings.Join(keys, ","))
	}
	return nil
}

func (b *Backend) List(ctx context.Context, bucket string, opts blob.ListOptions) (blob.ListPage, error) {
	in := &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		Prefix:  aws.String(opts.Prefix),
		MaxKeys: aws.Int32(blob.ListPageSize),
	}
	if opts.ContinuationToken != "" {
		in.ContinuationToken = aws.String(opts.ContinuationToken)
	}

	out, err := b.client.ListObjectsV2(ctx, in)
	if err != nil {
		return blob.ListPage{}, translateError(err, bucket, opts.Prefix)
	}

	page := blob.ListPage{}
	for _, obj := range out.Contents {
		lastModified := aws.ToTime(obj.LastModified)
		if !opts.BeforeDate.IsZero() && !lastModified.Before(opts.BeforeDate) {
			continue
		}
		page.Keys = append(page.Keys, blob.ListEntry{
			Key: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size), LastModified: lastModified,
		})
	}
	if aws.ToBool(out.IsTruncated) {
		page.NextToken = aws.ToString(out.NextContinuationToken)
	}
	return page, nil
}

func (b *Backend) UpdateObjectInfoMetadata(ctx context.Context, bucket, key string) error {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key + ".info")})
	if err != nil {
		translated := translateError(err, bucket, key+".info")
		if blob.ErrNotFound.Has(translated) {
			return nil
		}
		return translated
	}
	return nil
}

func metadataFromGetOutput(out *s3.GetObjectOutput) blob.Metadata {
	return blob.Metadata{
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		CacheControl: aws.ToString(out.CacheControl),
		ETag:         aws.ToString(out.ETag),
		LastModified: aws.ToTime(out.LastModified),
	}
}

// translateError normalizes AWS SDK errors into blob's error taxonomy.
func translateError(err error, bucket, key string) error {
	var notFound *types.NoSuchKey
	if errors.As(err, &notFound) {
		return blob.ErrNotFound.New("%s/%s", bucket, key)
	}
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return blob.ErrNotFound.New("%s", bucket)
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.HTTPStatusCode() == 304:
			return blob.ErrNotModified.New("%s/%s", bucket, key)
		case respErr.HTTPStatusCode() == 412:
			return blob.ErrPreconditionFailed.New("%s/%s", bucket, key)
		case respErr.HTTPStatusCode() == 403:
			return blob.ErrAccessDenied.New("%s/%s", bucket, key)
		case respErr.HTTPStatusCode() == 429:
			return blob.ErrThrottled.New("%s/%s", bucket, key)
		case respErr.HTTPStatusCode() >= 500:
			return blob.ErrUnavailable.Wrap(err)
		}
	}
	return blob.ErrInternal.Wrap(err)
}
