// Package model owns the process-wide detection model: it loads the model on
// first use, shares the one instance between requests and serialises
// inference when the backend is not safe for concurrent use.
package model

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Tutortoise/object-detection-service/metrics"
	"github.com/Tutortoise/object-detection-service/models"
)

// Model is a loaded detection model.
type Model interface {
	// Predict returns the detections of one frame in model-native form.
	Predict(ctx context.Context, img image.Image) ([]models.Prediction, error)
	// Classes is the class-index table used to name predictions.
	Classes() []string
	Close() error
}

// ConcurrentModel is implemented by models that document Predict as safe for
// concurrent callers.
type ConcurrentModel interface {
	ConcurrentSafe() bool
}

// Loader performs the slow load of a Model.
type Loader func(ctx context.Context) (Model, error)

const loadKey = "model"

// Handle is the single shared reference to the detection model.
type Handle struct {
	load    Loader
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics

	group singleflight.Group

	mu    sync.RWMutex
	model Model

	inferMu sync.Mutex
	loads   atomic.Int64
}

func NewHandle(load Loader, logger *zap.SugaredLogger, m *metrics.Metrics) *Handle {
	return &Handle{
		load:    load,
		logger:  logger,
		metrics: m,
	}
}

func (h *Handle) cached() Model {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.model
}

// Cached returns the loaded model without triggering a load.
func (h *Handle) Cached() (Model, bool) {
	m := h.cached()
	return m, m != nil
}

// Loaded reports whether a model is cached.
func (h *Handle) Loaded() bool {
	return h.cached() != nil
}

// Loads is the number of load attempts executed so far.
func (h *Handle) Loads() int64 {
	return h.loads.Load()
}

// Acquire returns the shared model, loading it on first use. Concurrent first
// callers wait for the one load in flight and all receive its result. A failed
// load is not cached.
func (h *Handle) Acquire(ctx context.Context) (Model, error) {
	if m := h.cached(); m != nil {
		return m, nil
	}

	ch := h.group.DoChan(loadKey, func() (interface{}, error) {
		if m := h.cached(); m != nil {
			return m, nil
		}

		h.loads.Add(1)
		start := time.Now()
		// a load outlives the request that started it; other callers share it
		m, err := h.load(context.WithoutCancel(ctx))
		if err != nil {
			h.metrics.ModelLoad(false)
			h.logger.Warnw("model load failed", "error", err, "elapsed", time.Since(start))
			return nil, models.NewError(models.KindModelLoad, err, "model load failed")
		}
		h.metrics.ModelLoad(true)

		h.mu.Lock()
		h.model = m
		h.mu.Unlock()
		return m, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Model), nil
	case <-ctx.Done():
		return nil, models.NewError(models.KindAborted, ctx.Err(), "waiting for model load")
	}
}

// Warm loads the model ahead of the first request.
func (h *Handle) Warm(ctx context.Context) error {
	_, err := h.Acquire(ctx)
	return err
}

// Infer runs the shared model on one frame.
func (h *Handle) Infer(ctx context.Context, img image.Image) ([]models.Prediction, error) {
	m, err := h.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	if c, ok := m.(ConcurrentModel); !ok || !c.ConcurrentSafe() {
		h.inferMu.Lock()
		defer h.inferMu.Unlock()
	}

	start := time.Now()
	predictions, err := m.Predict(ctx, img)
	h.metrics.ObserveInference(time.Since(start))
	return predictions, err
}

// Close releases the cached model. The handle may load again afterwards.
func (h *Handle) Close() error {
	h.mu.Lock()
	m := h.model
	h.model = nil
	h.mu.Unlock()

	if m == nil {
		return nil
	}
	return m.Close()
}
