package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"distributed-job-scheduler/internal/config"
	"distributed-job-scheduler/internal/payload"
	"distributed-job-scheduler/internal/scheduler"
)

func redPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestEnv(t *testing.T, cfg config.Config) *Env {
	t.Helper()
	env, err := NewEnv(context.Background(), cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	return env
}

func TestResizeImageLocalGrayscale(t *testing.T) {
	body := redPNG(t, 10, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	env := newTestEnv(t, config.Config{
		ImageOutputDir:       dir,
		ImageDownloadTimeout: 2 * time.Second,
		ImageMaxBytes:        2 * 1024 * 1024,
	})
	job := &ResizeImage{SourceURL: srv.URL, Grayscale: true, Width: 5, OutputKey: "thumbs/test.png", env: env}
	ctx := context.Background()

	require.NoError(t, job.Before(ctx))
	ok, err := job.Perform(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	out := filepath.Join(dir, "thumbs", "test.png")
	assert.Equal(t, out, job.Stored())
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	img, _, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 5, img.Bounds().Dx())
	r, g, b, _ := img.At(0, 0).RGBA()
	assert.True(t, r == g && g == b, "expected grayscale pixel, got r=%d g=%d b=%d", r, g, b)
}

func TestResizeImageDefaults(t *testing.T) {
	env := newTestEnv(t, config.Config{ImageDefaultWidth: 64})
	job := &ResizeImage{SourceURL: "http://example.invalid/a.png", env: env}
	require.NoError(t, job.Before(context.Background()))
	assert.Equal(t, 64, job.Width)
	assert.Equal(t, "local", job.Destination)

	assert.Error(t, (&ResizeImage{env: env}).Before(context.Background()))

	job.Destination = "s3"
	_, err := job.pickUploader()
	assert.Error(t, err, "no bucket configured")
}

func TestResizeImageRejectsOversizedAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	env := newTestEnv(t, config.Config{ImageOutputDir: t.TempDir(), ImageMaxBytes: 16})
	ctx := context.Background()

	big := &ResizeImage{SourceURL: srv.URL + "/big", env: env}
	require.NoError(t, big.Before(ctx))
	ok, err := big.Perform(ctx)
	assert.False(t, ok)
	assert.ErrorContains(t, err, "too large")

	missing := &ResizeImage{SourceURL: srv.URL + "/missing", env: env}
	require.NoError(t, missing.Before(ctx))
	_, err = missing.Perform(ctx)
	assert.ErrorContains(t, err, "status 404")
}

func TestThumbnail(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "photo.png")
	require.NoError(t, os.WriteFile(src, redPNG(t, 40, 20), 0o644))

	env := newTestEnv(t, config.Config{})
	job := &Thumbnail{Filepath: src, Width: 10, env: env}
	ctx := context.Background()
	require.NoError(t, job.Before(ctx))
	assert.Equal(t, filepath.Join(dir, "thumb_photo.png"), job.OutputPath)

	ok, err := job.Perform(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	f, err := os.Open(job.OutputPath)
	require.NoError(t, err)
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Width)
	assert.Equal(t, 5, cfg.Height)
}

func TestThumbnailHalted(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	job := &Thumbnail{Filepath: "/does/not/matter.png", env: env}
	assert.True(t, scheduler.CapabilitiesOf(job).Has(scheduler.CanHalt))

	job.Halt(true)
	ok, err := job.Perform(context.Background())
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrHalted))
}

func TestRegisterRoundTrip(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	reg := payload.NewRegistry()
	require.NoError(t, Register(reg, env))
	assert.Equal(t, []string{KindLog, KindResizeImage, KindThumbnail}, reg.Kinds())

	data, err := reg.EncodeRaw(KindThumbnail, json.RawMessage(`{"filepath":"/tmp/x.png","width":12}`))
	require.NoError(t, err)
	p, err := reg.Decode(data)
	require.NoError(t, err)
	thumb, ok := p.(*Thumbnail)
	require.True(t, ok)
	assert.Equal(t, 12, thumb.Width)
	assert.Same(t, env, thumb.env)

	logJob, err := reg.Decode([]byte(`{"kind":"log","args":{"message":"hi"}}`))
	require.NoError(t, err)
	ok, err = logJob.(scheduler.Performer).Perform(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWriteImage(t *testing.T) {
	dir := t.TempDir()
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))

	out := filepath.Join(dir, "small.png")
	require.NoError(t, writeImage(out, img))
	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	cfg, format, err := image.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 4, cfg.Width)

	err = writeImage(filepath.Join(dir, "missing", "small.jpg"), img)
	assert.ErrorContains(t, err, "create output file")
}
