package bits

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the S3 client used by the object-store backend.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3 stores payloads in an S3-compatible bucket, keyed the same way the
// filesystem backend lays out files.
type S3 struct {
	client S3API
	bucket string
}

func NewS3(client S3API, bucket string) *S3 {
	return &S3{client: client, bucket: bucket}
}

func (s *S3) keyFor(packageVersionID int64, fileName string) string {
	segment := strconv.FormatInt(packageVersionID, 10) + "-" + sanitizeFileName(fileName)
	if len(segment) > maxSegmentLen {
		segment = segment[:maxSegmentLen]
	}
	return strconv.FormatInt(packageVersionID/bucketSize, 10) + "/" + segment
}

func (s *S3) Write(ctx context.Context, ref Ref, r io.Reader) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.keyFor(ref.PackageVersionID, ref.FileName)),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("put bits object: %w", err)
	}
	return nil
}

func (s *S3) OpenRange(ctx context.Context, ref Ref, start, end int64) (io.ReadCloser, error) {
	if err := ValidateRange(start, end); err != nil {
		return nil, err
	}

	in := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.keyFor(ref.PackageVersionID, ref.FileName)),
	}
	if start != 0 || end != -1 {
		if end == -1 {
			in.Range = aws.String(fmt.Sprintf("bytes=%d-", start))
		} else {
			in.Range = aws.String(fmt.Sprintf("bytes=%d-%d", start, end))
		}
	}

	out, err := s.client.GetObject(ctx, in)
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, errNotLoaded(err)
		}
		return nil, fmt.Errorf("get bits object: %w", err)
	}
	return out.Body, nil
}

func (s *S3) Exists(ctx context.Context, ref Ref) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.keyFor(ref.PackageVersionID, ref.FileName)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("head bits object: %w", err)
	}
	return true, nil
}

func (s *S3) Delete(ctx context.Context, ref Ref) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.keyFor(ref.PackageVersionID, ref.FileName)),
	})
	if err != nil {
		return fmt.Errorf("delete bits object: %w", err)
	}
	return nil
}
