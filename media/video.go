package media

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tutortoise/object-detection-service/metrics"
	"github.com/Tutortoise/object-detection-service/models"
	"github.com/Tutortoise/object-detection-service/video"
)

// VideoPipeline annotates every frame of a video and samples class statistics
// every Stride frames.
type VideoPipeline struct {
	handle  Inferencer
	opener  video.Opener
	opts    Options
	filter  Postprocessor
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewVideoPipeline(h Inferencer, opener video.Opener, opts Options, logger *zap.SugaredLogger, m *metrics.Metrics) *VideoPipeline {
	opts = opts.withDefaults()
	return &VideoPipeline{
		handle:  h,
		opener:  opener,
		opts:    opts,
		filter:  NewScoreFilter(opts.MinConfidence),
		logger:  logger,
		metrics: m,
	}
}

// Process re-encodes inputPath with annotations into outputPath.
//
// Reading stops at the end of the stream or at the first read failure; as
// long as one frame was processed the report covers what was read. Cancelling
// ctx aborts the run, releases both streams and removes the partial output.
func (p *VideoPipeline) Process(ctx context.Context, inputPath, outputPath string) (*models.DetectionReport, error) {
	start := time.Now()

	src, err := p.opener.Open(ctx, inputPath)
	if err != nil {
		return nil, abortOr(ctx, models.NewError(models.KindDecode, err, "cannot open %s as a video", filepath.Base(inputPath)))
	}
	defer func() {
		if err := src.Close(); err != nil {
			p.logger.Warnw("closing video source", "path", inputPath, "error", err)
		}
	}()
	sc := src.Info()

	annotator, err := prepare(ctx, p.handle, p.opts.Annotation)
	if err != nil {
		return nil, err
	}

	frame, err := src.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, models.NewError(models.KindEmptyStream, nil, "%s has no frames", filepath.Base(inputPath))
		}
		return nil, abortOr(ctx, models.NewError(models.KindEmptyStream, err, "%s has no readable frames", filepath.Base(inputPath)))
	}

	tmp := partialPath(outputPath)
	sink, err := p.opener.Create(ctx, tmp, sc)
	if err != nil {
		return nil, abortOr(ctx, models.NewError(models.KindWrite, err, "cannot create output video"))
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if err := sink.Abort(); err != nil {
			p.logger.Warnw("aborting video sink", "path", tmp, "error", err)
		}
		os.Remove(tmp)
	}()

	counts := models.ClassCount{}
	var sampled []int
	processed := 0
	for {
		if ctx.Err() != nil {
			return nil, abortOr(ctx, nil)
		}

		predictions, err := p.handle.Infer(ctx, frame)
		if err != nil {
			return nil, abortOr(ctx, errors.Wrapf(err, "inference on frame %d", processed))
		}
		annotated, set := annotator.Annotate(frame, p.filter(predictions))
		if err := sink.Write(annotated); err != nil {
			return nil, abortOr(ctx, models.NewError(models.KindWrite, err, "cannot write frame %d", processed))
		}

		isSample := processed%p.opts.Stride == 0
		if isSample {
			sampled = append(sampled, processed)
			for _, box := range set {
				counts.Add(box.ClassName)
			}
		}
		p.metrics.FrameProcessed(isSample)
		processed++

		frame, err = src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, abortOr(ctx, err)
			}
			p.logger.Warnw("video read stopped early",
				"path", inputPath, "processed", processed, "total", sc.TotalFrames, "error", err)
			break
		}
	}

	if err := sink.Close(); err != nil {
		return nil, abortOr(ctx, models.NewError(models.KindWrite, err, "cannot finalise output video"))
	}
	if err := os.Rename(tmp, outputPath); err != nil {
		return nil, models.NewError(models.KindWrite, err, "cannot publish output video")
	}
	committed = true

	total := sc.TotalFrames
	if total <= 0 {
		total = processed
	}
	p.metrics.Detections(counts)
	p.logger.Debugw("video processed",
		"path", inputPath, "frames", processed, "sampled", len(sampled), "elapsed", time.Since(start))

	return &models.DetectionReport{
		MediaType:       models.MediaVideo,
		OutputPath:      outputPath,
		ClassCounts:     counts,
		TotalObjects:    counts.Total(),
		TotalDetections: counts.Total(),
		TotalFrames:     total,
		ProcessedFrames: processed,
		SampledFrames:   sampled,
		FPS:             sc.FPS,
		Width:           sc.Width,
		Height:          sc.Height,
	}, nil
}
