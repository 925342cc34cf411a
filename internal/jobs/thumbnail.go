package jobs

import (
	"context"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"golang.org/x/image/draw"
)

// ErrHalted is returned by payloads that stopped because they were asked to.
var ErrHalted = errors.New("halted")

// Thumbnail scales a local image to a fixed width, keeping aspect ratio.
type Thumbnail struct {
	Filepath   string `json:"filepath"`
	OutputPath string `json:"output_path,omitempty"`
	Width      int    `json:"width,omitempty"`

	env    *Env
	halted atomic.Bool
}

func (t *Thumbnail) Before(context.Context) error {
	if t.Filepath == "" {
		return errors.New("filepath is required")
	}
	if t.OutputPath == "" {
		t.OutputPath = filepath.Join(filepath.Dir(t.Filepath), "thumb_"+filepath.Base(t.Filepath))
	}
	if t.Width <= 0 {
		t.Width = 300
	}
	return nil
}

func (t *Thumbnail) Perform(ctx context.Context) (bool, error) {
	if err := t.checkpoint(ctx); err != nil {
		return false, err
	}

	in, err := os.Open(t.Filepath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, errors.Wrap(err, "source image missing")
		}
		return false, errors.Wrap(err, "open source")
	}
	defer in.Close()

	src, _, err := image.Decode(in)
	if err != nil {
		return false, errors.Wrap(err, "decode image")
	}
	if src.Bounds().Dx() == 0 || src.Bounds().Dy() == 0 {
		return false, errors.New("invalid image dimensions")
	}

	height := int(float64(src.Bounds().Dy()) * float64(t.Width) / float64(src.Bounds().Dx()))
	if height == 0 {
		height = t.Width
	}
	dst := image.NewRGBA(image.Rect(0, 0, t.Width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	if err := t.checkpoint(ctx); err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(t.OutputPath), 0o755); err != nil {
		return false, errors.Wrap(err, "create output dir")
	}
	if err := writeImage(t.OutputPath, dst); err != nil {
		return false, err
	}
	return true, nil
}

// writeImage encodes img by path extension. The file is closed before
// returning so a failed flush is reported.
func writeImage(path string, img image.Image) error {
	out, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create output file")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		err = png.Encode(out, img)
	default:
		err = jpeg.Encode(out, img, &jpeg.Options{Quality: 85})
	}
	if err != nil {
		_ = out.Close()
		return errors.Wrap(err, "encode thumbnail")
	}
	return errors.Wrap(out.Close(), "close output file")
}

// Halt makes the next checkpoint fail.
func (t *Thumbnail) Halt(bool) {
	t.halted.Store(true)
}

func (t *Thumbnail) checkpoint(ctx context.Context) error {
	if t.halted.Load() {
		return ErrHalted
	}
	return ctx.Err()
}

func (t *Thumbnail) Failure(context.Context) {
	t.env.logger.Warnw("thumbnail gave up", "filepath", t.Filepath)
}
