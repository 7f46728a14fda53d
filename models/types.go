package models

import (
	"encoding/json"
	"time"
)

// MediaType is the kind of media a request carries.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

// Prediction is a single detection as the model emits it: box corners in
// source-image pixels, score and class index, all at model precision.
type Prediction struct {
	Box        [4]float32
	Score      float32
	ClassIndex int
}

// DetectionBox is the canonical per-object detection record.
type DetectionBox struct {
	XMin       float64 `json:"xmin"`
	YMin       float64 `json:"ymin"`
	XMax       float64 `json:"xmax"`
	YMax       float64 `json:"ymax"`
	Confidence float64 `json:"confidence"`
	ClassID    int     `json:"class"`
	ClassName  string  `json:"name"`
}

// DetectionSet holds the detections of one frame, in model order.
type DetectionSet []DetectionBox

// Counts folds the set into per-class occurrence counts.
func (s DetectionSet) Counts() ClassCount {
	counts := make(ClassCount, len(s))
	for _, box := range s {
		counts.Add(box.ClassName)
	}
	return counts
}

// ClassCount maps a class name to its number of occurrences.
type ClassCount map[string]int

func (c ClassCount) Add(name string) {
	c[name]++
}

func (c ClassCount) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}

// VideoStreamContext is read once when a stream is opened.
type VideoStreamContext struct {
	FPS         float64 `json:"fps"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	TotalFrames int     `json:"total_frames"`
}

// DetectionReport is the result of one pipeline invocation. Image fields and
// video fields are populated according to MediaType, and the JSON form always
// carries the full field set of that media type.
type DetectionReport struct {
	MediaType   MediaType  `json:"type"`
	OutputPath  string     `json:"-"`
	ClassCounts ClassCount `json:"object_counts"`

	// image
	TotalObjects int          `json:"total_objects"`
	Detections   DetectionSet `json:"detections"`

	// video
	TotalDetections int     `json:"total_detections"`
	TotalFrames     int     `json:"total_frames,omitempty"`
	ProcessedFrames int     `json:"processed_frames,omitempty"`
	SampledFrames   []int   `json:"sampled_frames,omitempty"`
	FPS             float64 `json:"fps,omitempty"`

	Width  int `json:"width"`
	Height int `json:"height"`

	Timings *ProcessingTimings `json:"-"`
}

type imageReport struct {
	MediaType    MediaType    `json:"type"`
	ClassCounts  ClassCount   `json:"object_counts"`
	TotalObjects int          `json:"total_objects"`
	Detections   DetectionSet `json:"detections"`
	Width        int          `json:"width"`
	Height       int          `json:"height"`
}

type videoReport struct {
	MediaType       MediaType  `json:"type"`
	ClassCounts     ClassCount `json:"object_counts"`
	TotalDetections int        `json:"total_detections"`
	TotalFrames     int        `json:"total_frames"`
	ProcessedFrames int        `json:"processed_frames"`
	SampledFrames   []int      `json:"sampled_frames"`
	FPS             float64    `json:"fps"`
	Width           int        `json:"width"`
	Height          int        `json:"height"`
}

func (r DetectionReport) MarshalJSON() ([]byte, error) {
	counts := r.ClassCounts
	if counts == nil {
		counts = ClassCount{}
	}

	if r.MediaType == MediaVideo {
		sampled := r.SampledFrames
		if sampled == nil {
			sampled = []int{}
		}
		return json.Marshal(videoReport{
			MediaType:       r.MediaType,
			ClassCounts:     counts,
			TotalDetections: r.TotalDetections,
			TotalFrames:     r.TotalFrames,
			ProcessedFrames: r.ProcessedFrames,
			SampledFrames:   sampled,
			FPS:             r.FPS,
			Width:           r.Width,
			Height:          r.Height,
		})
	}

	set := r.Detections
	if set == nil {
		set = DetectionSet{}
	}
	return json.Marshal(imageReport{
		MediaType:    r.MediaType,
		ClassCounts:  counts,
		TotalObjects: r.TotalObjects,
		Detections:   set,
		Width:        r.Width,
		Height:       r.Height,
	})
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Inference   time.Duration
	Annotate    time.Duration
	Encode      time.Duration
	Total       time.Duration
}
