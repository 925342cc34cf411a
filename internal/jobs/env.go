// Package jobs holds the payload kinds the worker knows how to run.
package jobs

import (
	"context"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"distributed-job-scheduler/internal/config"
	"distributed-job-scheduler/internal/payload"
)

const (
	KindResizeImage = "resize_image"
	KindThumbnail   = "thumbnail"
	KindLog         = "log"
)

// Env is what payloads need from the process: config, clients and
// uploaders. Factories attach it to every decoded payload.
type Env struct {
	cfg        config.Config
	httpClient *http.Client
	local      uploader
	s3         uploader
	logger     *zap.SugaredLogger
}

// NewEnv builds the environment. An S3 client is created only when an
// image bucket is configured.
func NewEnv(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) (*Env, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	timeout := cfg.ImageDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseDir := cfg.ImageOutputDir
	if baseDir == "" {
		baseDir = "./output"
	}

	env := &Env{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		local:      &localUploader{baseDir: baseDir},
		logger:     logger.Named("jobs"),
	}
	if cfg.ImageS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		env.s3 = &s3Uploader{client: client, bucket: cfg.ImageS3Bucket}
	}
	return env, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ImageS3Region))
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ImageS3PathStyle
		if cfg.ImageS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ImageS3Endpoint)
		}
	}), nil
}

// Register adds every kind in this package to reg, bound to env.
func Register(reg *payload.Registry, env *Env) error {
	kinds := map[string]payload.Factory{
		KindResizeImage: func() any { return &ResizeImage{env: env} },
		KindThumbnail:   func() any { return &Thumbnail{env: env} },
		KindLog:         func() any { return &Log{env: env} },
	}
	for kind, factory := range kinds {
		if err := reg.Register(kind, factory); err != nil {
			return err
		}
	}
	return nil
}

// Log writes its message to the worker log. It is handy for smoke tests
// and heartbeat schedules.
type Log struct {
	Message string `json:"message"`

	env *Env
}

func (l *Log) Perform(context.Context) (bool, error) {
	l.env.logger.Infow("log job", "message", l.Message)
	return true, nil
}
