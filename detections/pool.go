package detections

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultPoolSize keeps inference serialised on a single session.
	DefaultPoolSize   = 1
	AcquireTimeout    = 30 * time.Second
	HealthCheckPeriod = 60 * time.Second
)

var (
	ErrPoolClosed     = errors.New("pool is closed")
	ErrAcquireTimeout = errors.New("timeout waiting for available session")
)

// SessionFactory creates one inference session.
type SessionFactory func() (*ModelSession, error)

// ModelSessionPool hands out a fixed number of sessions. Each session is used
// by one caller at a time.
type ModelSessionPool struct {
	sessions       chan *ModelSession
	size           int
	factory        SessionFactory
	acquireTimeout time.Duration
	mu             sync.Mutex
	closed         bool
	created        int
	metrics        *PoolMetrics
	lastErrors     []error
	stop           chan struct{}
}

type PoolMetrics struct {
	mu              sync.RWMutex
	InUse           int
	TotalAcquired   int64
	TotalReleased   int64
	AcquireFailures int64
	Discarded       int64
	WaitTime        time.Duration
}

func NewModelSessionPool(factory SessionFactory, size int) (*ModelSessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool := &ModelSessionPool{
		sessions:       make(chan *ModelSession, size),
		size:           size,
		factory:        factory,
		acquireTimeout: AcquireTimeout,
		metrics:        &PoolMetrics{},
		stop:           make(chan struct{}),
	}

	for i := 0; i < size; i++ {
		session, err := factory()
		if err != nil {
			pool.Destroy()
			return nil, errors.Wrapf(err, "failed to initialize session %d", i)
		}
		pool.created++
		pool.sessions <- session
	}

	go pool.healthCheck(HealthCheckPeriod)

	return pool, nil
}

func (p *ModelSessionPool) Size() int {
	return p.size
}

func (p *ModelSessionPool) Acquire(ctx context.Context) (*ModelSession, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.WaitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.metrics.mu.Lock()
		p.metrics.InUse++
		p.metrics.TotalAcquired++
		p.metrics.mu.Unlock()
		return session, nil
	case <-timer.C:
		p.metrics.mu.Lock()
		p.metrics.AcquireFailures++
		p.metrics.mu.Unlock()
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a healthy session to the pool.
func (p *ModelSessionPool) Release(session *ModelSession) {
	p.metrics.mu.Lock()
	p.metrics.InUse--
	p.metrics.TotalReleased++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		session.Destroy()
		return
	}
	p.sessions <- session
}

// Discard destroys a broken session instead of returning it. The health
// check creates its replacement.
func (p *ModelSessionPool) Discard(session *ModelSession, cause error) {
	p.metrics.mu.Lock()
	p.metrics.InUse--
	p.metrics.TotalReleased++
	p.metrics.Discarded++
	p.metrics.mu.Unlock()

	if session != nil {
		session.Destroy()
	}
	if cause != nil {
		p.recordError(cause)
	}

	p.mu.Lock()
	p.created--
	p.mu.Unlock()
}

// Live is the number of sessions currently alive, idle or acquired.
func (p *ModelSessionPool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

func (p *ModelSessionPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.stop)
	close(p.sessions)

	for session := range p.sessions {
		session.Destroy()
	}
}

func (p *ModelSessionPool) healthCheck(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.replenishSessions()
		}
	}
}

func (p *ModelSessionPool) replenishSessions() {
	p.mu.Lock()
	missing := p.size - p.created
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
		session, err := p.factory()
		if err != nil {
			p.recordError(err)
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			session.Destroy()
			return
		}
		p.created++
		p.sessions <- session
		p.mu.Unlock()
	}
}

func (p *ModelSessionPool) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > 10 {
		p.lastErrors = p.lastErrors[1:]
	}
}

func (p *ModelSessionPool) LastErrors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.lastErrors...)
}

func (p *ModelSessionPool) GetMetrics() PoolMetrics {
	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()
	return PoolMetrics{
		InUse:           p.metrics.InUse,
		TotalAcquired:   p.metrics.TotalAcquired,
		TotalReleased:   p.metrics.TotalReleased,
		AcquireFailures: p.metrics.AcquireFailures,
		Discarded:       p.metrics.Discarded,
		WaitTime:        p.metrics.WaitTime,
	}
}
