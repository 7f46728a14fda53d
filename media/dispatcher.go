package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tutortoise/object-detection-service/metrics"
	"github.com/Tutortoise/object-detection-service/models"
)

// Processor is implemented by both pipelines.
type Processor interface {
	Process(ctx context.Context, inputPath, outputPath string) (*models.DetectionReport, error)
}

// Dispatcher routes uploads to the pipeline for their media type.
type Dispatcher struct {
	images    Processor
	videos    Processor
	outputDir string
	logger    *zap.SugaredLogger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewDispatcher(images, videos Processor, outputDir string, logger *zap.SugaredLogger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		images:    images,
		videos:    videos,
		outputDir: outputDir,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// OutputName builds a result file name that cannot collide with a concurrent
// request for the same upload. Videos are always re-encoded to mp4.
func (d *Dispatcher) OutputName(filename string, mediaType models.MediaType) string {
	base := filepath.Base(filename)
	if mediaType == models.MediaVideo {
		base = strings.TrimSuffix(base, filepath.Ext(base)) + ".mp4"
	}
	return fmt.Sprintf("detected_%s_%s_%s", d.now().Format("20060102_150405"), uuid.NewString()[:8], base)
}

// Dispatch processes the upload at inputPath, named filename by the client,
// into a fresh file under the output directory.
func (d *Dispatcher) Dispatch(ctx context.Context, inputPath, filename string) (*models.DetectionReport, error) {
	mediaType, err := Classify(filename)
	if err != nil {
		d.metrics.Request("unknown", "unsupported")
		return nil, err
	}
	outputPath := filepath.Join(d.outputDir, d.OutputName(filename, mediaType))
	return d.run(ctx, mediaType, inputPath, outputPath)
}

// DispatchTo is Dispatch with a caller-chosen output path.
func (d *Dispatcher) DispatchTo(ctx context.Context, inputPath, outputPath, filename string) (*models.DetectionReport, error) {
	mediaType, err := Classify(filename)
	if err != nil {
		d.metrics.Request("unknown", "unsupported")
		return nil, err
	}
	return d.run(ctx, mediaType, inputPath, outputPath)
}

func (d *Dispatcher) run(ctx context.Context, mediaType models.MediaType, inputPath, outputPath string) (*models.DetectionReport, error) {
	p := d.images
	if mediaType == models.MediaVideo {
		p = d.videos
	}

	report, err := p.Process(ctx, inputPath, outputPath)
	if err != nil {
		d.metrics.Request(string(mediaType), models.KindOf(err).String())
		// the upload is kept so the request can be inspected or retried
		d.logger.Warnw("processing failed", "media_type", mediaType, "input", inputPath, "error", err)
		return nil, err
	}
	d.metrics.Request(string(mediaType), "success")

	if err := os.Remove(inputPath); err != nil && !os.IsNotExist(err) {
		d.logger.Warnw("removing processed upload", "path", inputPath, "error", err)
	}
	return report, nil
}
