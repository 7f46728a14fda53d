package media

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"

	"github.com/Tutortoise/object-detection-service/models"
)

func oneObject(image.Image) []models.Prediction {
	return []models.Prediction{box(0, 0.9)}
}

func newVideoFixture(frames, total int) *fakeOpener {
	return &fakeOpener{source: &fakeSource{
		frames: frames,
		info:   models.VideoStreamContext{FPS: 30, Width: 8, Height: 8, TotalFrames: total},
	}}
}

func TestVideoPipelineSamplesEveryStride(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.mp4")
	opener := newVideoFixture(90, 90)

	h := newHandle(t, &fakeModel{classes: []string{"car"}, predict: oneObject})
	p := NewVideoPipeline(h, opener, Options{}, zaptest.NewLogger(t).Sugar(), nil)

	report, err := p.Process(context.Background(), filepath.Join(dir, "in.mp4"), out)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.MediaType, test.ShouldEqual, models.MediaVideo)
	test.That(t, report.SampledFrames, test.ShouldResemble, []int{0, 30, 60})
	test.That(t, report.ProcessedFrames, test.ShouldEqual, 90)
	test.That(t, report.TotalFrames, test.ShouldEqual, 90)
	test.That(t, report.ClassCounts, test.ShouldResemble, models.ClassCount{"car": 3})
	test.That(t, report.TotalDetections, test.ShouldEqual, 3)
	test.That(t, report.FPS, test.ShouldEqual, 30.0)

	test.That(t, opener.sink.frames, test.ShouldEqual, 90)
	test.That(t, opener.sink.closed, test.ShouldBeTrue)
	test.That(t, opener.sink.aborted, test.ShouldBeFalse)
	test.That(t, opener.source.closed, test.ShouldBeTrue)

	data, err := os.ReadFile(out)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldEqual, "90 frames")
	noPartials(t, dir)
}

func TestVideoPipelineCustomStride(t *testing.T) {
	dir := t.TempDir()
	opener := newVideoFixture(10, 10)
	h := newHandle(t, &fakeModel{classes: []string{"car"}, predict: oneObject})
	p := NewVideoPipeline(h, opener, Options{Stride: 4}, zaptest.NewLogger(t).Sugar(), nil)

	report, err := p.Process(context.Background(), "in.mp4", filepath.Join(dir, "out.mp4"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.SampledFrames, test.ShouldResemble, []int{0, 4, 8})
	test.That(t, report.ClassCounts["car"], test.ShouldEqual, 3)
}

func TestVideoPipelineEmptyStream(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.mp4")
	opener := newVideoFixture(0, 0)

	h := newHandle(t, &fakeModel{classes: []string{"car"}, predict: oneObject})
	_, err := NewVideoPipeline(h, opener, Options{}, zaptest.NewLogger(t).Sugar(), nil).
		Process(context.Background(), "in.mp4", out)
	test.That(t, errors.Is(err, models.ErrEmptyStream), test.ShouldBeTrue)
	test.That(t, opener.sink, test.ShouldBeNil)
	test.That(t, opener.source.closed, test.ShouldBeTrue)

	_, err = os.Stat(out)
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
	noPartials(t, dir)
}

func TestVideoPipelinePartialOnReadFailure(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.mp4")
	opener := newVideoFixture(90, 90)
	opener.source.failAt = 45

	h := newHandle(t, &fakeModel{classes: []string{"car"}, predict: oneObject})
	report, err := NewVideoPipeline(h, opener, Options{}, zaptest.NewLogger(t).Sugar(), nil).
		Process(context.Background(), "in.mp4", out)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.ProcessedFrames, test.ShouldEqual, 45)
	test.That(t, report.TotalFrames, test.ShouldEqual, 90)
	test.That(t, report.SampledFrames, test.ShouldResemble, []int{0, 30})
	test.That(t, opener.sink.frames, test.ShouldEqual, 45)
	test.That(t, opener.source.closed, test.ShouldBeTrue)

	_, err = os.Stat(out)
	test.That(t, err, test.ShouldBeNil)
}

func TestVideoPipelineAbortReleasesStreams(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.mp4")
	opener := newVideoFixture(90, 90)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	h := newHandle(t, &fakeModel{classes: []string{"car"}, predict: func(img image.Image) []models.Prediction {
		calls++
		if calls == 10 {
			cancel()
		}
		return oneObject(img)
	}})

	_, err := NewVideoPipeline(h, opener, Options{}, zaptest.NewLogger(t).Sugar(), nil).Process(ctx, "in.mp4", out)
	test.That(t, errors.Is(err, models.ErrAborted), test.ShouldBeTrue)
	test.That(t, opener.sink.aborted, test.ShouldBeTrue)
	test.That(t, opener.sink.closed, test.ShouldBeFalse)
	test.That(t, opener.source.closed, test.ShouldBeTrue)

	_, err = os.Stat(out)
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
	noPartials(t, dir)
}

func TestVideoPipelineWriteError(t *testing.T) {
	dir := t.TempDir()
	opener := newVideoFixture(5, 5)
	opener.writeErr = errors.New("disk full")

	h := newHandle(t, &fakeModel{classes: []string{"car"}, predict: oneObject})
	_, err := NewVideoPipeline(h, opener, Options{}, zaptest.NewLogger(t).Sugar(), nil).
		Process(context.Background(), "in.mp4", filepath.Join(dir, "out.mp4"))
	test.That(t, errors.Is(err, models.ErrWrite), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "disk full")
	test.That(t, opener.sink.aborted, test.ShouldBeTrue)
	test.That(t, opener.source.closed, test.ShouldBeTrue)
}

func TestVideoPipelineOpenError(t *testing.T) {
	opener := &fakeOpener{openErr: errors.New("moov atom not found")}
	h := newHandle(t, &fakeModel{classes: []string{"car"}, predict: oneObject})
	_, err := NewVideoPipeline(h, opener, Options{}, zaptest.NewLogger(t).Sugar(), nil).
		Process(context.Background(), "in.mp4", filepath.Join(t.TempDir(), "out.mp4"))
	test.That(t, errors.Is(err, models.ErrDecode), test.ShouldBeTrue)
	test.That(t, h.Loaded(), test.ShouldBeFalse)
}
