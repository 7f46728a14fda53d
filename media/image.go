package media

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tutortoise/object-detection-service/metrics"
	"github.com/Tutortoise/object-detection-service/models"
)

// ImagePipeline detects objects in a single still image.
type ImagePipeline struct {
	handle  Inferencer
	opts    Options
	filter  Postprocessor
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewImagePipeline(h Inferencer, opts Options, logger *zap.SugaredLogger, m *metrics.Metrics) *ImagePipeline {
	opts = opts.withDefaults()
	return &ImagePipeline{
		handle:  h,
		opts:    opts,
		filter:  NewScoreFilter(opts.MinConfidence),
		logger:  logger,
		metrics: m,
	}
}

// Process annotates inputPath into outputPath. The output format follows the
// output extension. Nothing is left at outputPath on failure.
func (p *ImagePipeline) Process(ctx context.Context, inputPath, outputPath string) (*models.DetectionReport, error) {
	startTotal := time.Now()
	timings := &models.ProcessingTimings{RequestID: uuid.NewString()}

	format, err := imaging.FormatFromFilename(outputPath)
	if err != nil {
		return nil, models.NewError(models.KindWrite, err, "unsupported output format %q", filepath.Ext(outputPath))
	}

	decodeStart := time.Now()
	img, err := imaging.Open(inputPath, imaging.AutoOrientation(true))
	if err != nil {
		return nil, models.NewError(models.KindDecode, err, "cannot read %s as an image", filepath.Base(inputPath))
	}
	timings.ImageDecode = time.Since(decodeStart)

	annotator, err := prepare(ctx, p.handle, p.opts.Annotation)
	if err != nil {
		return nil, err
	}

	inferStart := time.Now()
	predictions, err := p.handle.Infer(ctx, img)
	if err != nil {
		return nil, abortOr(ctx, errors.Wrap(err, "inference"))
	}
	predictions = p.filter(predictions)
	timings.Inference = time.Since(inferStart)

	annotateStart := time.Now()
	annotated, set := annotator.Annotate(img, predictions)
	timings.Annotate = time.Since(annotateStart)

	if err := ctx.Err(); err != nil {
		return nil, abortOr(ctx, err)
	}

	encodeStart := time.Now()
	err = writeAtomic(outputPath, func(w io.Writer) error {
		return imaging.Encode(w, annotated, format)
	})
	if err != nil {
		return nil, models.NewError(models.KindWrite, err, "cannot write %s", filepath.Base(outputPath))
	}
	timings.Encode = time.Since(encodeStart)
	timings.Total = time.Since(startTotal)

	counts := set.Counts()
	p.metrics.Detections(counts)
	if p.opts.Debug {
		p.logger.Debugw("image processed",
			"request_id", timings.RequestID,
			"decode", timings.ImageDecode,
			"inference", timings.Inference,
			"annotate", timings.Annotate,
			"encode", timings.Encode,
			"total", timings.Total,
		)
	}

	return &models.DetectionReport{
		MediaType:       models.MediaImage,
		OutputPath:      outputPath,
		ClassCounts:     counts,
		TotalObjects:    len(set),
		Detections:      set,
		TotalDetections: len(set),
		Width:           img.Bounds().Dx(),
		Height:          img.Bounds().Dy(),
		Timings:         timings,
	}, nil
}
