package media

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"

	"github.com/Tutortoise/object-detection-service/metrics"
	"github.com/Tutortoise/object-detection-service/models"
)

type recordingProcessor struct {
	mu      sync.Mutex
	outputs []string
	err     error
	media   models.MediaType
}

func (p *recordingProcessor) Process(ctx context.Context, inputPath, outputPath string) (*models.DetectionReport, error) {
	p.mu.Lock()
	p.outputs = append(p.outputs, outputPath)
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return &models.DetectionReport{MediaType: p.media, OutputPath: outputPath}, nil
}

func (p *recordingProcessor) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outputs)
}

func newTestDispatcher(t *testing.T, images, videos Processor) *Dispatcher {
	d := NewDispatcher(images, videos, t.TempDir(), zaptest.NewLogger(t).Sugar(), metrics.New())
	d.now = func() time.Time { return time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC) }
	return d
}

func touch(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	test.That(t, os.WriteFile(path, []byte("upload"), 0o644), test.ShouldBeNil)
	return path
}

func TestClassify(t *testing.T) {
	for name, want := range map[string]models.MediaType{
		"a.png": models.MediaImage, "B.JPG": models.MediaImage, "c.jpeg": models.MediaImage,
		"d.gif": models.MediaImage, "e.bmp": models.MediaImage,
		"f.mp4": models.MediaVideo, "g.AVI": models.MediaVideo, "h.mov": models.MediaVideo, "i.mkv": models.MediaVideo,
	} {
		got, err := Classify(name)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got, test.ShouldEqual, want)
	}

	for _, name := range []string{"notes.txt", "archive.tar.gz", "noext"} {
		_, err := Classify(name)
		test.That(t, errors.Is(err, models.ErrUnsupportedMedia), test.ShouldBeTrue)
	}
}

func TestOutputName(t *testing.T) {
	d := newTestDispatcher(t, nil, nil)

	name := d.OutputName("holiday.jpg", models.MediaImage)
	test.That(t, strings.HasPrefix(name, "detected_20240501_123000_"), test.ShouldBeTrue)
	test.That(t, strings.HasSuffix(name, "_holiday.jpg"), test.ShouldBeTrue)

	name = d.OutputName("uploads/clip.avi", models.MediaVideo)
	test.That(t, strings.HasSuffix(name, "_clip.mp4"), test.ShouldBeTrue)
	test.That(t, strings.Contains(name, "/"), test.ShouldBeFalse)
}

func TestDispatchUnsupportedTouchesNothing(t *testing.T) {
	images, videos := &recordingProcessor{}, &recordingProcessor{}
	d := newTestDispatcher(t, images, videos)
	in := touch(t, "notes.txt")

	_, err := d.Dispatch(context.Background(), in, "notes.txt")
	test.That(t, errors.Is(err, models.ErrUnsupportedMedia), test.ShouldBeTrue)
	test.That(t, images.calls(), test.ShouldEqual, 0)
	test.That(t, videos.calls(), test.ShouldEqual, 0)

	_, err = os.Stat(in)
	test.That(t, err, test.ShouldBeNil)
}

func TestDispatchRoutesAndRemovesInput(t *testing.T) {
	images := &recordingProcessor{media: models.MediaImage}
	videos := &recordingProcessor{media: models.MediaVideo}
	d := newTestDispatcher(t, images, videos)

	in := touch(t, "clip.mov")
	report, err := d.Dispatch(context.Background(), in, "clip.mov")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.MediaType, test.ShouldEqual, models.MediaVideo)
	test.That(t, videos.calls(), test.ShouldEqual, 1)
	test.That(t, images.calls(), test.ShouldEqual, 0)
	test.That(t, filepath.Dir(report.OutputPath), test.ShouldEqual, d.outputDir)
	test.That(t, strings.HasSuffix(report.OutputPath, "_clip.mp4"), test.ShouldBeTrue)

	_, err = os.Stat(in)
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
}

func TestDispatchKeepsInputOnFailure(t *testing.T) {
	images := &recordingProcessor{err: models.NewError(models.KindDecode, nil, "bad pixels")}
	d := newTestDispatcher(t, images, &recordingProcessor{})

	in := touch(t, "photo.png")
	_, err := d.Dispatch(context.Background(), in, "photo.png")
	test.That(t, errors.Is(err, models.ErrDecode), test.ShouldBeTrue)

	_, err = os.Stat(in)
	test.That(t, err, test.ShouldBeNil)
}

func TestDispatchConcurrentSameName(t *testing.T) {
	images := &recordingProcessor{media: models.MediaImage}
	d := newTestDispatcher(t, images, &recordingProcessor{})

	const requests = 8
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		in := touch(t, "photo.png")
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Dispatch(context.Background(), in, "photo.png")
			test.That(t, err, test.ShouldBeNil)
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, out := range images.outputs {
		seen[out] = true
	}
	test.That(t, seen, test.ShouldHaveLength, requests)
}

func TestDispatchTo(t *testing.T) {
	images := &recordingProcessor{media: models.MediaImage}
	d := newTestDispatcher(t, images, &recordingProcessor{})

	in := touch(t, "photo.png")
	out := filepath.Join(t.TempDir(), "exact.png")
	report, err := d.DispatchTo(context.Background(), in, out, "photo.png")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.OutputPath, test.ShouldEqual, out)
}
