package detections

import (
	"context"
	"image"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tutortoise/object-detection-service/models"
)

// Config describes an ONNX YOLO model on disk.
type Config struct {
	ModelPath     string
	LibraryPath   string
	LabelsPath    string
	ConfThreshold float32
	IoUThreshold  float64
	MaxDetections int
	PoolSize      int
	Threads       int
}

// Detector runs a YOLOv8-style ONNX model. Inference runs on pooled
// sessions, so callers may share one Detector.
type Detector struct {
	pool          *ModelSessionPool
	classes       []string
	preprocessor  *Preprocessor
	confThreshold float32
	iouThreshold  float64
	maxDetections int
	logger        *zap.SugaredLogger
}

// Load initialises the runtime, reads the class table and opens the session
// pool. It is the slow path of model acquisition.
func Load(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (*Detector, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, errors.Wrapf(err, "model file not found: %s", cfg.ModelPath)
	}

	classes, err := LoadClasses(cfg.LabelsPath)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := ensureEnvironment(cfg.LibraryPath); err != nil {
		return nil, err
	}

	start := time.Now()
	pool, err := NewModelSessionPool(func() (*ModelSession, error) {
		return newSession(cfg.ModelPath, len(classes), cfg.Threads)
	}, cfg.PoolSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create model session pool")
	}

	logger.Infow("detection model loaded",
		"model", cfg.ModelPath,
		"classes", len(classes),
		"sessions", pool.Size(),
		"elapsed", time.Since(start),
	)

	return newDetector(pool, classes, cfg, logger), nil
}

func newDetector(pool *ModelSessionPool, classes []string, cfg Config, logger *zap.SugaredLogger) *Detector {
	conf := cfg.ConfThreshold
	if conf <= 0 {
		conf = DefaultConfThreshold
	}
	iou := cfg.IoUThreshold
	if iou <= 0 {
		iou = DefaultIoUThreshold
	}
	limit := cfg.MaxDetections
	if limit <= 0 {
		limit = DefaultMaxDetections
	}
	return &Detector{
		pool:          pool,
		classes:       classes,
		preprocessor:  NewPreprocessor(InputWidth, InputHeight),
		confThreshold: conf,
		iouThreshold:  iou,
		maxDetections: limit,
		logger:        logger,
	}
}

func (d *Detector) Classes() []string {
	return d.classes
}

// ConcurrentSafe reports whether concurrent Predict calls can make progress
// in parallel, which holds once more than one session is pooled.
func (d *Detector) ConcurrentSafe() bool {
	return d.pool.Size() > 1
}

func (d *Detector) PoolMetrics() PoolMetrics {
	return d.pool.GetMetrics()
}

func (d *Detector) PoolSize() int {
	return d.pool.Size()
}

func (d *Detector) PoolLive() int {
	return d.pool.Live()
}

func (d *Detector) PoolErrors() []error {
	return d.pool.LastErrors()
}

// Predict runs one frame, retrying on the same session. A session that fails
// every attempt is discarded so the pool rebuilds it.
func (d *Detector) Predict(ctx context.Context, img image.Image) ([]models.Prediction, error) {
	session, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "acquire inference session")
	}

	var lastErr error
	for attempt := 1; attempt <= RetryAttempts; attempt++ {
		predictions, err := d.run(session, img)
		if err == nil {
			d.pool.Release(session)
			return predictions, nil
		}
		lastErr = err
		d.logger.Debugw("inference attempt failed", "attempt", attempt, "error", err)

		if attempt < RetryAttempts {
			select {
			case <-ctx.Done():
				d.pool.Release(session)
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * RetryDelayMs * time.Millisecond):
			}
		}
	}

	d.logger.Warnw("discarding inference session", "attempts", RetryAttempts, "error", lastErr)
	d.pool.Discard(session, lastErr)
	return nil, lastErr
}

func (d *Detector) run(session *ModelSession, img image.Image) ([]models.Prediction, error) {
	if err := session.ready(); err != nil {
		return nil, err
	}
	d.preprocessor.Process(img, session.Input.GetData())

	if err := session.Session.Run(); err != nil {
		return nil, errors.Wrap(err, "model inference")
	}

	return d.postprocess(session.Output.GetData(), img.Bounds().Dx(), img.Bounds().Dy())
}

func (d *Detector) postprocess(output []float32, width, height int) ([]models.Prediction, error) {
	predictions, err := decodePredictions(output, len(d.classes), width, height, d.confThreshold)
	if err != nil {
		return nil, errors.Wrap(err, "process predictions")
	}
	return nonMaxSuppression(predictions, d.iouThreshold, d.maxDetections), nil
}

func (d *Detector) Close() error {
	d.pool.Destroy()
	return nil
}
