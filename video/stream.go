package video

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/pkg/errors"
	ffmpeg "github.com/u2takey/ffmpeg-go"
	"go.uber.org/multierr"

	"github.com/Tutortoise/object-detection-service/models"
)

// DefaultCodec matches the mp4v fourcc used by most desktop encoders.
const DefaultCodec = "mpeg4"

// Source yields decoded frames in stream order.
type Source interface {
	Info() models.VideoStreamContext
	// Next returns io.EOF after the last frame.
	Next() (image.Image, error)
	Close() error
}

// Sink accepts annotated frames in order.
type Sink interface {
	Write(frame image.Image) error
	// Close flushes and finalises the container.
	Close() error
	// Abort stops encoding and removes whatever was written.
	Abort() error
}

// Opener opens frame sources and sinks for the video pipeline.
type Opener interface {
	Open(ctx context.Context, path string) (Source, error)
	Create(ctx context.Context, path string, sc models.VideoStreamContext) (Sink, error)
}

// FFmpeg opens streams by running the ffmpeg binary.
type FFmpeg struct {
	Codec string
}

// Available reports whether ffmpeg and ffprobe are on PATH.
func Available() bool {
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			return false
		}
	}
	return true
}

func (f FFmpeg) Open(ctx context.Context, path string) (Source, error) {
	sc, err := Probe(path)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	src := &ffmpegSource{
		info:      sc,
		frameSize: 4 * sc.Width * sc.Height,
		pipe:      pr,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	stream := ffmpeg.Input(path, ffmpeg.KwArgs{"loglevel": "error"}).
		Output("pipe:", ffmpeg.KwArgs{"format": "rawvideo", "pix_fmt": "rgba"})
	stream.Context = cancelCtx
	go func() {
		defer close(src.done)
		var stderr bytes.Buffer
		err := stream.WithOutput(pw).WithErrorOutput(&stderr).Run()
		if err != nil {
			err = errors.Wrapf(err, "ffmpeg decode: %s", strings.TrimSpace(stderr.String()))
		}
		// a nil error surfaces to the reader as io.EOF
		pw.CloseWithError(err)
	}()
	return src, nil
}

func (f FFmpeg) Create(ctx context.Context, path string, sc models.VideoStreamContext) (Sink, error) {
	if sc.Width <= 0 || sc.Height <= 0 {
		return nil, errors.Errorf("invalid output dimensions %dx%d", sc.Width, sc.Height)
	}
	fps := sc.FPS
	if fps <= 0 {
		fps = 30
	}
	codec := f.Codec
	if codec == "" {
		codec = DefaultCodec
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	sink := &ffmpegSink{
		path:   path,
		width:  sc.Width,
		height: sc.Height,
		pipe:   pw,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	stream := ffmpeg.Input("pipe:", ffmpeg.KwArgs{
		"loglevel":  "error",
		"format":    "rawvideo",
		"pix_fmt":   "rgba",
		"s":         fmt.Sprintf("%dx%d", sc.Width, sc.Height),
		"framerate": fmt.Sprintf("%.6f", fps),
	}).Output(path, ffmpeg.KwArgs{
		"format":  "mp4",
		"vcodec":  codec,
		"pix_fmt": "yuv420p",
		"vf":      "pad=ceil(iw/2)*2:ceil(ih/2)*2",
		"q:v":     3,
	}).OverWriteOutput()
	stream.Context = cancelCtx
	go func() {
		defer close(sink.done)
		var stderr bytes.Buffer
		err := stream.WithInput(pr).WithErrorOutput(&stderr).Run()
		if err != nil {
			sink.err = errors.Wrapf(err, "ffmpeg encode: %s", strings.TrimSpace(stderr.String()))
			// unblock any writer still waiting on the pipe
			pr.CloseWithError(sink.err)
			return
		}
		pr.Close()
	}()
	return sink, nil
}

type ffmpegSource struct {
	info      models.VideoStreamContext
	frameSize int
	pipe      *io.PipeReader
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (s *ffmpegSource) Info() models.VideoStreamContext { return s.info }

func (s *ffmpegSource) Next() (image.Image, error) {
	img := image.NewRGBA(image.Rect(0, 0, s.info.Width, s.info.Height))
	n, err := io.ReadFull(s.pipe, img.Pix[:s.frameSize])
	switch {
	case err == nil:
		return img, nil
	case errors.Is(err, io.EOF):
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return nil, errors.Errorf("truncated frame: read %d of %d bytes", n, s.frameSize)
	default:
		return nil, err
	}
}

func (s *ffmpegSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.pipe.Close()
		<-s.done
	})
	return nil
}

type ffmpegSink struct {
	path          string
	width, height int
	pipe          *io.PipeWriter
	cancel        context.CancelFunc
	done          chan struct{}
	err           error

	mu     sync.Mutex
	closed bool
}

func (s *ffmpegSink) Write(frame image.Image) error {
	b := frame.Bounds()
	if b.Dx() != s.width || b.Dy() != s.height {
		return errors.Errorf("frame is %dx%d, stream is %dx%d", b.Dx(), b.Dy(), s.width, s.height)
	}
	if _, err := s.pipe.Write(toRGBA(frame).Pix); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

func (s *ffmpegSink) Close() error {
	if !s.markClosed() {
		return nil
	}
	err := s.pipe.Close()
	<-s.done
	s.cancel()
	return multierr.Combine(err, s.err)
}

func (s *ffmpegSink) Abort() error {
	if !s.markClosed() {
		return nil
	}
	s.cancel()
	s.pipe.CloseWithError(context.Canceled)
	<-s.done
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove aborted output")
	}
	return nil
}

func (s *ffmpegSink) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}
