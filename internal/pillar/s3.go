package pillar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"preserve-go/internal/config"
	"preserve-go/internal/digest"
	"preserve-go/internal/pv"
)

// checksumMetadataKey holds the stored file's digest label in the object
// metadata.
const checksumMetadataKey = "pv-checksum"

// S3Pillar stores files as objects in an S3-compatible bucket.
type S3Pillar struct {
	id       string
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

var _ pv.Pillar = (*S3Pillar)(nil)

// NewS3Pillar creates a pillar from its config. Static credentials are used
// when both keys are set; otherwise the default AWS credential chain applies.
func NewS3Pillar(ctx context.Context, cfg config.PillarConfig) (*S3Pillar, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 pillar %s requires s3_bucket to be set", cfg.ID)
	}
	region := cfg.S3Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
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
		// Containers carry their own digests; S3-compatible stores often
		// reject the SDK's trailing checksums.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &S3Pillar{
		id:       cfg.ID,
		bucket:   cfg.S3Bucket,
		prefix:   cfg.S3Prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

func (p *S3Pillar) ID() string { return p.id }

func (p *S3Pillar) key(fileID string) string {
	if p.prefix == "" {
		return fileID
	}
	return path.Join(p.prefix, fileID)
}

// PutFile uploads the file. An object already stored under fileID with the
// same checksum makes this a no-op.
func (p *S3Pillar) PutFile(ctx context.Context, fileID string, r io.Reader, size int64, checksum digest.Digest) error {
	if err := checkFileID(fileID); err != nil {
		return err
	}
	key := p.key(fileID)

	head, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return p.confirmExisting(fileID, head, r, size, checksum)
	}
	if err := p.classify(fileID, err); !errors.Is(err, pv.ErrNotFound) {
		return err
	}

	// The body is verified while it streams; a mismatch surfaces as a read
	// error, which makes the uploader abort before the object is completed.
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		err := receive(pw, r, size, checksum)
		pw.CloseWithError(err)
		done <- err
	}()

	input := &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        pr,
		ContentType: aws.String("application/warc"),
	}
	if !checksum.IsZero() {
		input.Metadata = map[string]string{checksumMetadataKey: checksum.String()}
	}
	_, err = p.uploader.Upload(ctx, input)
	pr.Close()
	recvErr := <-done
	if recvErr != nil && !errors.Is(recvErr, io.ErrClosedPipe) {
		return recvErr
	}
	if err != nil {
		return p.classify(fileID, err)
	}
	return nil
}

func (p *S3Pillar) confirmExisting(fileID string, head *s3.HeadObjectOutput, r io.Reader, size int64, checksum digest.Digest) error {
	if err := receive(io.Discard, r, size, checksum); err != nil {
		return err
	}
	same := aws.ToInt64(head.ContentLength) == size
	if same && !checksum.IsZero() {
		stored, err := digest.Parse(head.Metadata[checksumMetadataKey])
		same = err == nil && stored.Matches(checksum)
	}
	if !same {
		return fmt.Errorf("%w: %s already stored with different content", pv.ErrUploadFailed, fileID)
	}
	return nil
}

func (p *S3Pillar) GetFile(ctx context.Context, fileID string, w io.Writer) error {
	return p.get(ctx, fileID, nil, w)
}

func (p *S3Pillar) GetFileRange(ctx context.Context, fileID string, offset, length int64, w io.Writer) error {
	if offset < 0 || length <= 0 || length > math.MaxInt64-offset {
		return checkRange(fileID, offset, length, 0)
	}
	rng := fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	var n int64
	cw := writerFunc(func(b []byte) (int, error) {
		n += int64(len(b))
		return w.Write(b)
	})
	if err := p.get(ctx, fileID, &rng, cw); err != nil {
		return err
	}
	if n != length {
		return fmt.Errorf("%w: range %d+%d of %s returned %d bytes", pv.ErrValidation, offset, length, fileID, n)
	}
	return nil
}

func (p *S3Pillar) get(ctx context.Context, fileID string, rng *string, w io.Writer) error {
	if err := checkFileID(fileID); err != nil {
		return err
	}
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(fileID)),
		Range:  rng,
	})
	if err != nil {
		return p.classify(fileID, err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return err
		}
		return fmt.Errorf("%w: reading %s: %v", pv.ErrRepositoryUnavailable, fileID, err)
	}
	return nil
}

func (p *S3Pillar) HasFile(ctx context.Context, fileID string) (bool, error) {
	if err := checkFileID(fileID); err != nil {
		return false, err
	}
	_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(fileID)),
	})
	if err == nil {
		return true, nil
	}
	if err := p.classify(fileID, err); !errors.Is(err, pv.ErrNotFound) {
		return false, err
	}
	return false, nil
}

// ValidateSetup checks that the bucket exists and is reachable.
func (p *S3Pillar) ValidateSetup(ctx context.Context) error {
	if _, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.bucket)}); err != nil {
		return fmt.Errorf("pillar %s: bucket %s: %w", p.id, p.bucket, p.classify("", err))
	}
	return nil
}

// classify maps SDK errors onto the pv error kinds: missing objects are
// ErrNotFound, unsatisfiable ranges ErrValidation, other client-side API
// errors stay unclassified. Network and server faults are
// ErrRepositoryUnavailable.
func (p *S3Pillar) classify(fileID string, err error) error {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return fmt.Errorf("%w: %s on pillar %s", pv.ErrNotFound, fileID, p.id)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: pillar %s: %v", pv.ErrRepositoryUnavailable, p.id, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange" {
		return fmt.Errorf("%w: %s on pillar %s: %v", pv.ErrValidation, fileID, p.id, err)
	}
	if errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultClient {
		return fmt.Errorf("pillar %s: %s: %w", p.id, apiErr.ErrorCode(), err)
	}
	return fmt.Errorf("%w: pillar %s: %v", pv.ErrRepositoryUnavailable, p.id, err)
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) { return f(b) }
