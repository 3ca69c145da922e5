package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dmitrijs2005/smartbin/internal/netx"
	sc "github.com/dmitrijs2005/smartbin/internal/server/config"
	"github.com/dmitrijs2005/smartbin/internal/timex"
	"github.com/google/uuid"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}

	presignPutObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignPutObject(ctx, in, optFns...)
	}
)

// Image is a decoded picture ready to be archived.
type Image struct {
	Data        []byte
	ContentType string
}

// ImageArchive keeps classification images and returns the reference
// stored in the history row.
type ImageArchive interface {
	Put(ctx context.Context, img Image) (string, error)
}

// DecodeImage accepts raw base64 or a data URL. Raw base64 is assumed to
// be JPEG. An empty input yields a nil image.
func DecodeImage(s string) (*Image, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	contentType := "image/jpeg"
	if rest, ok := strings.CutPrefix(s, "data:"); ok {
		meta, payload, found := strings.Cut(rest, ",")
		if !found {
			return nil, validationError("malformed image data url")
		}
		if mt, _, _ := strings.Cut(meta, ";"); strings.HasPrefix(mt, "image/") {
			contentType = mt
		}
		s = payload
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, validationError("image is not valid base64: %v", err)
	}
	return &Image{Data: data, ContentType: contentType}, nil
}

// DataURL renders img inline.
func DataURL(img Image) string {
	return "data:" + img.ContentType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

// InlineImages stores images as data URLs in the history row itself.
type InlineImages struct{}

func (InlineImages) Put(ctx context.Context, img Image) (string, error) {
	return DataURL(img), nil
}

// S3Images uploads images to a bucket through presigned PUT URLs and
// returns the object key.
type S3Images struct {
	config *sc.Config
	client *http.Client
	clock  timex.Clock
}

func NewS3Images(cfg *sc.Config, client *http.Client, clock timex.Clock) *S3Images {
	return &S3Images{config: cfg, client: client, clock: clock}
}

// NewImageArchive returns the S3 archive when a bucket is configured and the
// inline one otherwise.
func NewImageArchive(cfg *sc.Config, client *http.Client, clock timex.Clock) ImageArchive {
	if cfg.S3Bucket == "" {
		return InlineImages{}
	}
	return NewS3Images(cfg, client, clock)
}

func (s *S3Images) storageKey(contentType string) string {
	d := s.clock.Now().UTC()
	ext := "jpg"
	if contentType == "image/png" {
		ext = "png"
	}
	return fmt.Sprintf("history/%04d/%02d/%02d/%v.%s", d.Year(), int(d.Month()), d.Day(), uuid.New(), ext)
}

func (s *S3Images) getPresignClient(ctx context.Context) (*s3.PresignClient, error) {
	cfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(s.config.S3Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			s.config.S3RootUser,
			s.config.S3RootPassword,
			"",
		)))
	if err != nil {
		return nil, err
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if s.config.S3BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(s.config.S3BaseEndpoint)
		}
		o.UsePathStyle = true
	})

	return newS3PresignClient(client), nil
}

func (s *S3Images) Put(ctx context.Context, img Image) (string, error) {
	presignClient, err := s.getPresignClient(ctx)
	if err != nil {
		return "", fmt.Errorf("s3 config: %w", err)
	}

	bucket := s.config.S3Bucket
	key := s.storageKey(img.ContentType)

	req, err := presignPutObject(presignClient, ctx, &s3.PutObjectInput{
		Bucket:      &bucket,
		Key:         &key,
		ContentType: aws.String(img.ContentType),
	}, s3.WithPresignExpires(15*time.Minute))
	if err != nil {
		return "", fmt.Errorf("presign put: %w", err)
	}

	if err := netx.UploadToS3PresignedURL(ctx, s.client, req.URL, img.ContentType, img.Data); err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	return key, nil
}
