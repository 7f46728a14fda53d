// Package config holds the service settings and their command line flags.
package config

import (
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

const (
	FlagAddr        = "addr"
	FlagModel       = "model"
	FlagORTLib      = "ort-lib"
	FlagLabels      = "labels"
	FlagUploadDir   = "upload-dir"
	FlagResultsDir  = "results-dir"
	FlagConf        = "conf"
	FlagIoU         = "iou"
	FlagStride      = "stride"
	FlagSessions    = "sessions"
	FlagMaxUploadMB = "max-upload-mb"
	FlagLogLevel    = "log-level"
	FlagDebug       = "debug"
	FlagWarmup      = "warmup"
	FlagVideoCodec  = "video-codec"
)

// Config is the full service configuration.
type Config struct {
	Addr        string
	ModelPath   string
	ORTLibPath  string
	LabelsPath  string
	UploadDir   string
	ResultsDir  string
	Conf        float64
	IoU         float64
	Stride      int
	Sessions    int
	MaxUploadMB int64
	LogLevel    string
	Debug       bool
	Warmup      bool
	VideoCodec  string
}

// Flags returns the command line flags backing Config.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    FlagAddr,
			Value:   "127.0.0.1:8080",
			EnvVars: []string{"DETECTOR_ADDR"},
			Usage:   "listen address",
		},
		&cli.StringFlag{
			Name:    FlagModel,
			Value:   "models/yolov8n.onnx",
			EnvVars: []string{"DETECTOR_MODEL"},
			Usage:   "ONNX detection model `FILE`; a YOLOv8-style export with a 1x(4+classes)x8400 output at 640x640 input",
		},
		&cli.StringFlag{
			Name:    FlagORTLib,
			EnvVars: []string{"ONNXRUNTIME_LIB"},
			Usage:   "onnxruntime shared library; defaults to the platform library next to the model",
		},
		&cli.StringFlag{
			Name:    FlagLabels,
			EnvVars: []string{"DETECTOR_LABELS"},
			Usage:   "newline separated class names; COCO when empty",
		},
		&cli.StringFlag{
			Name:    FlagUploadDir,
			Value:   "uploads",
			EnvVars: []string{"DETECTOR_UPLOAD_DIR"},
		},
		&cli.StringFlag{
			Name:    FlagResultsDir,
			Value:   "static/results",
			EnvVars: []string{"DETECTOR_RESULTS_DIR"},
		},
		&cli.Float64Flag{
			Name:    FlagConf,
			Value:   0.25,
			EnvVars: []string{"DETECTOR_CONF"},
			Usage:   "minimum detection confidence",
		},
		&cli.Float64Flag{
			Name:    FlagIoU,
			Value:   0.45,
			EnvVars: []string{"DETECTOR_IOU"},
			Usage:   "non-maximum suppression overlap threshold",
		},
		&cli.IntFlag{
			Name:    FlagStride,
			Value:   30,
			EnvVars: []string{"DETECTOR_STRIDE"},
			Usage:   "video frames between statistics samples",
		},
		&cli.IntFlag{
			Name:    FlagSessions,
			Value:   1,
			EnvVars: []string{"DETECTOR_SESSIONS"},
			Usage:   "concurrent inference sessions",
		},
		&cli.Int64Flag{
			Name:    FlagMaxUploadMB,
			Value:   100,
			EnvVars: []string{"DETECTOR_MAX_UPLOAD_MB"},
		},
		&cli.StringFlag{
			Name:    FlagLogLevel,
			Value:   "info",
			EnvVars: []string{"LOG_LEVEL"},
		},
		&cli.BoolFlag{
			Name:    FlagDebug,
			EnvVars: []string{"DEBUG"},
			Usage:   "log per-request timings",
		},
		&cli.BoolFlag{
			Name:    FlagWarmup,
			EnvVars: []string{"DETECTOR_WARMUP"},
			Usage:   "load the model before serving",
		},
		&cli.StringFlag{
			Name:    FlagVideoCodec,
			Value:   "mpeg4",
			EnvVars: []string{"DETECTOR_VIDEO_CODEC"},
		},
	}
}

// FromContext reads the flags registered by Flags.
func FromContext(c *cli.Context) Config {
	return Config{
		Addr:        c.String(FlagAddr),
		ModelPath:   c.String(FlagModel),
		ORTLibPath:  c.String(FlagORTLib),
		LabelsPath:  c.String(FlagLabels),
		UploadDir:   c.String(FlagUploadDir),
		ResultsDir:  c.String(FlagResultsDir),
		Conf:        c.Float64(FlagConf),
		IoU:         c.Float64(FlagIoU),
		Stride:      c.Int(FlagStride),
		Sessions:    c.Int(FlagSessions),
		MaxUploadMB: c.Int64(FlagMaxUploadMB),
		LogLevel:    c.String(FlagLogLevel),
		Debug:       c.Bool(FlagDebug),
		Warmup:      c.Bool(FlagWarmup),
		VideoCodec:  c.String(FlagVideoCodec),
	}
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	switch {
	case c.ModelPath == "":
		return errors.New("model path is required")
	case c.UploadDir == "" || c.ResultsDir == "":
		return errors.New("upload and results directories are required")
	case c.Conf < 0 || c.Conf > 1:
		return errors.Errorf("confidence threshold %v is outside [0, 1]", c.Conf)
	case c.IoU <= 0 || c.IoU > 1:
		return errors.Errorf("IoU threshold %v is outside (0, 1]", c.IoU)
	case c.Stride < 1:
		return errors.Errorf("stride must be at least 1, got %d", c.Stride)
	case c.Sessions < 1:
		return errors.Errorf("sessions must be at least 1, got %d", c.Sessions)
	case c.MaxUploadMB < 1:
		return errors.Errorf("max upload size must be at least 1MB, got %d", c.MaxUploadMB)
	}
	return nil
}

// MaxUploadBytes is the request body limit.
func (c Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}
