package jobs

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cockroachdb/errors"
	"github.com/disintegration/imaging"
)

// ResizeImage downloads an image, optionally greys it, resizes it and
// stores the result on local disk or S3.
type ResizeImage struct {
	SourceURL   string `json:"source_url"`
	OutputKey   string `json:"output_key,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	Grayscale   bool   `json:"grayscale"`
	Destination string `json:"destination,omitempty"`

	env *Env
	// Location of the last upload, set on success.
	stored string
}

// Stored returns where the last successful attempt wrote its output.
func (r *ResizeImage) Stored() string {
	return r.stored
}

// Before validates the request and fills in configured defaults.
func (r *ResizeImage) Before(context.Context) error {
	if r.SourceURL == "" {
		return errors.New("source_url is required")
	}
	cfg := r.env.cfg
	if r.Width == 0 && r.Height == 0 {
		r.Width, r.Height = cfg.ImageDefaultWidth, cfg.ImageDefaultHeight
	}
	if r.Width == 0 && r.Height == 0 {
		r.Width = 320
	}
	if r.Destination == "" {
		r.Destination = "local"
		if r.env.s3 != nil {
			r.Destination = "s3"
		}
	}
	return nil
}

func (r *ResizeImage) Perform(ctx context.Context) (bool, error) {
	data, contentType, err := r.download(ctx)
	if err != nil {
		return false, err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return false, errors.Wrap(err, "decode image")
	}
	if r.Grayscale {
		img = imaging.Grayscale(img)
	}
	img = imaging.Resize(img, r.Width, r.Height, imaging.Lanczos)

	outputFormat := chooseFormat(r.OutputKey, format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return false, errors.Wrap(err, "encode image")
	}

	key := r.OutputKey
	if key == "" {
		key = fmt.Sprintf("%s.%s", keyFromURL(r.SourceURL), formatExtension(outputFormat))
	}
	up, err := r.pickUploader()
	if err != nil {
		return false, err
	}
	location, err := up.Upload(ctx, sanitizeKey(key), buf.Bytes(), mimeForFormat(outputFormat, contentType))
	if err != nil {
		return false, errors.Wrap(err, "upload")
	}
	r.stored = location
	return true, nil
}

func (r *ResizeImage) Success(context.Context) {
	r.env.logger.Infow("image stored", "source_url", r.SourceURL, "location", r.stored)
}

func (r *ResizeImage) Error(_ context.Context, err error) {
	r.env.logger.Warnw("image resize failed", "source_url", r.SourceURL, "error", err)
}

func (r *ResizeImage) download(ctx context.Context) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.SourceURL, nil)
	if err != nil {
		return nil, "", errors.Wrap(err, "build request")
	}
	resp, err := r.env.httpClient.Do(req)
	if err != nil {
		return nil, "", errors.Wrap(err, "download image")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", errors.Newf("download image: status %d", resp.StatusCode)
	}

	limit := r.env.cfg.ImageMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", errors.Wrap(err, "read image")
	}
	if int64(len(body)) > limit {
		return nil, "", errors.Newf("image too large (>%d bytes)", limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (r *ResizeImage) pickUploader() (uploader, error) {
	switch strings.ToLower(r.Destination) {
	case "s3":
		if r.env.s3 == nil {
			return nil, errors.New("destination s3 requested but IMAGE_S3_BUCKET is not configured")
		}
		return r.env.s3, nil
	case "local", "":
		return r.env.local, nil
	}
	return nil, errors.Newf("unknown destination %q", r.Destination)
}

func keyFromURL(u string) string {
	base := filepath.Base(strings.SplitN(u, "?", 2)[0])
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." || base == "/" {
		return "image"
	}
	return base
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	case imaging.TIFF:
		return "tiff"
	default:
		return "jpg"
	}
}

func chooseFormat(outputKey, decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(outputKey)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	case "tiff":
		return imaging.TIFF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format, fallback string) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	default:
		if strings.Contains(strings.ToLower(fallback), "png") {
			return "image/png"
		}
		return "image/jpeg"
	}
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	return strings.TrimPrefix(key, "./")
}

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.Wrap(err, "create dirs")
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", errors.Wrap(err, "write file")
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", errors.Wrap(err, "put object")
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
