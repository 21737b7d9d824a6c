package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"locker-go/internal/config"
	"locker-go/internal/locker"
)

// s3PartSize is the multipart chunk size for large blobs.
const s3PartSize = 16 * 1024 * 1024

// S3API is the subset of the S3 client the blob store uses.
type S3API interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3BlobStore stores blobs as objects keyed "<prefix>/<h[0:2]>/<hash>".
//
// S3 has no create-if-absent that works across multipart uploads, so the
// per-hash lock only serializes writers in this process. Two processes
// racing on one hash both upload identical bytes, which is harmless.
type S3BlobStore struct {
	client   S3API
	uploader *manager.Uploader
	bucket   string
	prefix   string
	locks    *locker.KeyLock
}

var _ locker.BlobStore = (*S3BlobStore)(nil)

// NewS3BlobStore creates a blob store on an existing bucket.
func NewS3BlobStore(client S3API, bucket, prefix string) *S3BlobStore {
	return &S3BlobStore{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = s3PartSize
		}),
		bucket: bucket,
		prefix: prefix,
		locks:  locker.NewKeyLock(),
	}
}

// NewS3BlobStoreFromConfig builds an S3 client from cfg. Static credentials
// are used when both keys are set, otherwise the default AWS chain.
func NewS3BlobStoreFromConfig(ctx context.Context, cfg config.BlobStoreConfig) (*S3BlobStore, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKeyID != "" && cfg.S3SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3UsePathStyle
	})
	return NewS3BlobStore(client, cfg.S3Bucket, cfg.S3Prefix), nil
}

func (b *S3BlobStore) key(hash string) string {
	return joinKey(b.prefix, hash[0:2], hash)
}

func (b *S3BlobStore) Exists(ctx context.Context, hash string) (bool, error) {
	if err := checkHash(hash); err != nil {
		return false, err
	}
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(hash)),
	})
	if err == nil {
		return true, nil
	}
	if isS3NotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking blob %s: %w", hash, err)
}

func (b *S3BlobStore) Put(ctx context.Context, hash string, staged locker.StagedContent) (locker.PutOutcome, error) {
	if err := checkHash(hash); err != nil {
		return 0, err
	}

	unlock := b.locks.Lock(hash)
	defer unlock()

	exists, err := b.Exists(ctx, hash)
	if err != nil {
		return 0, err
	}
	if exists {
		return locker.PutAlreadyExists, nil
	}

	body, err := staged.Open()
	if err != nil {
		return 0, fmt.Errorf("opening staged content: %w", err)
	}
	defer body.Close()

	_, err = b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.key(hash)),
		Body:        body,
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return 0, fmt.Errorf("uploading blob %s: %w", hash, err)
	}
	return locker.PutCommitted, nil
}

func (b *S3BlobStore) Get(ctx context.Context, hash string) (io.ReadCloser, error) {
	if err := checkHash(hash); err != nil {
		return nil, err
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(hash)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("blob %s: %w", hash, locker.ErrNotFound)
		}
		return nil, fmt.Errorf("downloading blob %s: %w", hash, err)
	}
	return out.Body, nil
}

func (b *S3BlobStore) DeleteIfUnreferenced(ctx context.Context, hash string, referenced func(context.Context) (bool, error)) (bool, error) {
	if err := checkHash(hash); err != nil {
		return false, err
	}

	unlock := b.locks.Lock(hash)
	defer unlock()

	inUse, err := referenced(ctx)
	if err != nil {
		return false, fmt.Errorf("checking references to %s: %w", hash, err)
	}
	if inUse {
		return false, nil
	}

	// DeleteObject succeeds for absent keys, so check first to report
	// whether anything was removed.
	exists, err := b.Exists(ctx, hash)
	if err != nil || !exists {
		return false, err
	}
	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(hash)),
	})
	if err != nil {
		return false, fmt.Errorf("deleting blob %s: %w", hash, err)
	}
	return true, nil
}

func (b *S3BlobStore) List(ctx context.Context, fn func(locker.StoredBlob) error) error {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(b.bucket)}
	if b.prefix != "" {
		input.Prefix = aws.String(joinKey(b.prefix) + "/")
	}

	p := s3.NewListObjectsV2Paginator(b.client, input)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("listing blobs: %w", err)
		}
		for _, obj := range page.Contents {
			hash := path.Base(aws.ToString(obj.Key))
			if !validHash(hash) {
				continue
			}
			err := fn(locker.StoredBlob{
				Hash:    hash,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateSetup verifies the bucket is reachable with the configured credentials.
func (b *S3BlobStore) ValidateSetup(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err != nil {
		return fmt.Errorf("failed to access bucket %q: %w", b.bucket, err)
	}
	return nil
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}
