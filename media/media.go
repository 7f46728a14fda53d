// Package media runs uploaded images and videos through the detection model
// and writes annotated copies.
package media

import (
	"context"
	"image"
	"path/filepath"
	"strings"

	"github.com/Tutortoise/object-detection-service/annotate"
	"github.com/Tutortoise/object-detection-service/model"
	"github.com/Tutortoise/object-detection-service/models"
)

// DefaultStride is the frame interval at which video statistics are sampled.
const DefaultStride = 30

// Inferencer is the shared model handle as seen by the pipelines.
type Inferencer interface {
	Acquire(ctx context.Context) (model.Model, error)
	Infer(ctx context.Context, img image.Image) ([]models.Prediction, error)
}

// Options are the caller-owned knobs of both pipelines.
type Options struct {
	// MinConfidence drops predictions scoring below it.
	MinConfidence float64
	// Stride is the video sampling interval.
	Stride     int
	Annotation annotate.Options
	// Debug logs per-request timings.
	Debug bool
}

func (o Options) withDefaults() Options {
	if o.Stride <= 0 {
		o.Stride = DefaultStride
	}
	return o
}

// Postprocessor filters predictions after inference.
type Postprocessor func([]models.Prediction) []models.Prediction

// NewScoreFilter keeps predictions scoring at least conf.
func NewScoreFilter(conf float64) Postprocessor {
	return func(in []models.Prediction) []models.Prediction {
		if conf <= 0 {
			return in
		}
		out := make([]models.Prediction, 0, len(in))
		for _, p := range in {
			if float64(p.Score) >= conf {
				out = append(out, p)
			}
		}
		return out
	}
}

var (
	imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true}
	videoExts = map[string]bool{".mp4": true, ".avi": true, ".mov": true, ".mkv": true}
)

// Classify maps a filename to its media type by extension.
func Classify(filename string) (models.MediaType, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch {
	case imageExts[ext]:
		return models.MediaImage, nil
	case videoExts[ext]:
		return models.MediaVideo, nil
	}
	return "", models.NewError(models.KindUnsupportedMedia, nil, "unsupported file type %q", ext)
}

// prepare acquires the model and builds an annotator over its class table.
func prepare(ctx context.Context, h Inferencer, opts annotate.Options) (*annotate.Annotator, error) {
	m, err := h.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return annotate.New(m.Classes(), opts), nil
}

// abortOr returns an abort error if ctx is done and err otherwise.
func abortOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return models.NewError(models.KindAborted, ctx.Err(), "processing aborted")
	}
	return err
}
