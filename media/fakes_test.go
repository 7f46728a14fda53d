package media

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"

	"github.com/Tutortoise/object-detection-service/model"
	"github.com/Tutortoise/object-detection-service/models"
	"github.com/Tutortoise/object-detection-service/video"
)

type fakeModel struct {
	classes []string
	predict func(img image.Image) []models.Prediction
}

func (m *fakeModel) Predict(ctx context.Context, img image.Image) ([]models.Prediction, error) {
	return m.predict(img), nil
}

func (m *fakeModel) Classes() []string { return m.classes }
func (m *fakeModel) Close() error      { return nil }

func newHandle(t *testing.T, m *fakeModel) *model.Handle {
	return model.NewHandle(func(ctx context.Context) (model.Model, error) {
		return m, nil
	}, zaptest.NewLogger(t).Sugar(), nil)
}

func box(class int, score float32) models.Prediction {
	return models.Prediction{Box: [4]float32{1, 1, 5, 5}, Score: score, ClassIndex: class}
}

type fakeSource struct {
	frames int
	failAt int
	next   int
	info   models.VideoStreamContext
	closed bool
}

func (s *fakeSource) Info() models.VideoStreamContext { return s.info }

func (s *fakeSource) Next() (image.Image, error) {
	if s.failAt > 0 && s.next == s.failAt {
		return nil, errors.New("corrupt packet")
	}
	if s.next >= s.frames {
		return nil, io.EOF
	}
	s.next++
	return imaging.New(s.info.Width, s.info.Height, color.NRGBA{uint8(s.next), 0, 0, 255}), nil
}

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

type fakeSink struct {
	path     string
	frames   int
	writeErr error
	closed   bool
	aborted  bool
}

func (s *fakeSink) Write(frame image.Image) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.frames++
	return nil
}

func (s *fakeSink) Close() error {
	s.closed = true
	return os.WriteFile(s.path, []byte(fmt.Sprintf("%d frames", s.frames)), 0o644)
}

func (s *fakeSink) Abort() error {
	if !s.closed {
		s.aborted = true
	}
	return nil
}

type fakeOpener struct {
	mu       sync.Mutex
	source   *fakeSource
	openErr  error
	writeErr error
	sink     *fakeSink
}

func (o *fakeOpener) Open(ctx context.Context, path string) (video.Source, error) {
	if o.openErr != nil {
		return nil, o.openErr
	}
	return o.source, nil
}

func (o *fakeOpener) Create(ctx context.Context, path string, sc models.VideoStreamContext) (video.Sink, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sink = &fakeSink{path: path, writeErr: o.writeErr}
	return o.sink, nil
}
