package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/google/uuid"

	"github.com/lessonreel/backend/internal/config"
	"github.com/lessonreel/backend/internal/models"
)

// S3Presigner implements issuer.Presigner by presigning GetObject requests
// against an S3-compatible service. Every URL carries a signed ParamNonce so
// two issuances within the same second still differ.
type S3Presigner struct {
	presigner *s3.PresignClient
	bucket    string
	now       func() time.Time
	nonce     func() string
}

// NewS3Presigner configures a presign client targeting the provided object store.
func NewS3Presigner(ctx context.Context, cfg config.ObjectStoreConfig) (*S3Presigner, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("s3 presigner: bucket is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return newS3Presigner(client, cfg.Bucket), nil
}

func newS3Presigner(client *s3.Client, bucket string) *S3Presigner {
	return &S3Presigner{
		presigner: s3.NewPresignClient(client),
		bucket:    bucket,
		now:       time.Now,
		nonce:     uuid.NewString,
	}
}

// PresignRead returns a read URL for key that stays valid for the given window.
func (p *S3Presigner) PresignRead(ctx context.Context, key string, validity time.Duration) (models.PresignedURL, error) {
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return models.PresignedURL{}, fmt.Errorf("s3 presigner: empty key")
	}
	if validity <= 0 {
		return models.PresignedURL{}, fmt.Errorf("s3 presigner: validity must be positive")
	}

	signedAt := p.now().UTC()
	req, err := p.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(validity), withQueryParam(ParamNonce, p.nonce()))
	if err != nil {
		return models.PresignedURL{}, fmt.Errorf("s3 presign %s: %w", key, err)
	}

	params, err := amzSigningParameters(req.URL)
	if err != nil {
		return models.PresignedURL{}, err
	}

	return models.PresignedURL{
		URL:               req.URL,
		SigningParameters: params,
		ExpiresAt:         signedAt.Add(validity),
	}, nil
}

func amzSigningParameters(rawURL string) (models.SigningParameters, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse presigned url: %w", err)
	}

	params := models.SigningParameters{}
	for key, values := range u.Query() {
		if (strings.HasPrefix(key, "X-Amz-") || key == ParamNonce) && len(values) > 0 {
			params[key] = values[0]
		}
	}
	if params["X-Amz-Signature"] == "" {
		return nil, fmt.Errorf("presigned url missing signature")
	}
	return params, nil
}

// withQueryParam adds name=value to the request during the build step, ahead
// of the finalize step where SigV4 presigning reads the canonical query.
func withQueryParam(name, value string) func(*s3.PresignOptions) {
	addParam := middleware.BuildMiddlewareFunc("LessonreelQueryParam", func(ctx context.Context, in middleware.BuildInput, next middleware.BuildHandler) (middleware.BuildOutput, middleware.Metadata, error) {
		if req, ok := in.Request.(*smithyhttp.Request); ok {
			q := req.URL.Query()
			q.Set(name, value)
			req.URL.RawQuery = q.Encode()
		}
		return next.HandleBuild(ctx, in)
	})
	return func(o *s3.PresignOptions) {
		o.ClientOptions = append(o.ClientOptions, func(so *s3.Options) {
			so.APIOptions = append(so.APIOptions, func(stack *middleware.Stack) error {
				return stack.Build.Add(addParam, middleware.After)
			})
		})
	}
}
