// Package video reads and writes frame streams through the ffmpeg and
// ffprobe binaries.
package video

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/Tutortoise/object-detection-service/models"
)

type probeStream struct {
	CodecType    string `json:"codec_type"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	RFrameRate   string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
	NbFrames     string `json:"nb_frames"`
	Duration     string `json:"duration"`
	Tags         struct {
		Rotate string `json:"rotate"`
	} `json:"tags"`
	SideDataList []struct {
		Rotation float64 `json:"rotation"`
	} `json:"side_data_list"`
}

// rotation is the display rotation in degrees. ffmpeg applies it on decode.
func (s probeStream) rotation() int {
	for _, sd := range s.SideDataList {
		if sd.Rotation != 0 {
			return int(math.Round(sd.Rotation))
		}
	}
	return int(math.Round(parseFloat(s.Tags.Rotate)))
}

type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe reads the first video stream's properties. Dimensions are those of
// the decoded frames, after display rotation.
func Probe(path string) (models.VideoStreamContext, error) {
	out, err := ffmpeg.Probe(path)
	if err != nil {
		return models.VideoStreamContext{}, errors.Wrapf(err, "ffprobe %s", path)
	}
	return parseProbe(out)
}

func parseProbe(raw string) (models.VideoStreamContext, error) {
	var out probeOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return models.VideoStreamContext{}, errors.Wrap(err, "parse ffprobe output")
	}

	for _, s := range out.Streams {
		if s.CodecType != "video" {
			continue
		}
		if s.Width <= 0 || s.Height <= 0 {
			return models.VideoStreamContext{}, errors.Errorf("invalid video dimensions %dx%d", s.Width, s.Height)
		}

		fps := parseRate(s.AvgFrameRate)
		if fps <= 0 {
			fps = parseRate(s.RFrameRate)
		}

		total, _ := strconv.Atoi(s.NbFrames)
		if total <= 0 && fps > 0 {
			duration := parseFloat(s.Duration)
			if duration <= 0 {
				duration = parseFloat(out.Format.Duration)
			}
			total = int(math.Round(duration * fps))
		}

		width, height := s.Width, s.Height
		if r := s.rotation() % 180; r == 90 || r == -90 {
			width, height = height, width
		}

		return models.VideoStreamContext{
			FPS:         fps,
			Width:       width,
			Height:      height,
			TotalFrames: total,
		}, nil
	}
	return models.VideoStreamContext{}, errors.New("no video stream")
}

// parseRate parses ffprobe rationals like "30000/1001".
func parseRate(rate string) float64 {
	num, den, found := strings.Cut(rate, "/")
	if !found {
		return parseFloat(rate)
	}
	n, d := parseFloat(num), parseFloat(den)
	if d == 0 {
		return 0
	}
	return n / d
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
