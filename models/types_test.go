package models

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestDetectionSetCounts(t *testing.T) {
	set := DetectionSet{
		{ClassName: "person"},
		{ClassName: "dog"},
		{ClassName: "person"},
	}
	counts := set.Counts()
	test.That(t, counts, test.ShouldResemble, ClassCount{"person": 2, "dog": 1})
	test.That(t, counts.Total(), test.ShouldEqual, 3)

	test.That(t, DetectionSet{}.Counts(), test.ShouldHaveLength, 0)
}

func TestErrorMatching(t *testing.T) {
	cause := errors.New("weights missing")
	err := NewError(KindModelLoad, cause, "load %s", "yolov8n.onnx")

	test.That(t, errors.Is(err, ErrModelLoad), test.ShouldBeTrue)
	test.That(t, errors.Is(err, ErrDecode), test.ShouldBeFalse)
	test.That(t, errors.Is(err, cause), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldEqual, "load yolov8n.onnx: weights missing")

	wrapped := errors.Wrap(err, "process image")
	test.That(t, errors.Is(wrapped, ErrModelLoad), test.ShouldBeTrue)
	test.That(t, KindOf(wrapped), test.ShouldEqual, KindModelLoad)
	test.That(t, KindOf(cause), test.ShouldEqual, KindUnknown)
	test.That(t, KindEmptyStream.String(), test.ShouldEqual, "empty_stream")
}

func TestReportJSONShape(t *testing.T) {
	raw, err := json.Marshal(&DetectionReport{MediaType: MediaImage})
	test.That(t, err, test.ShouldBeNil)
	var image map[string]interface{}
	test.That(t, json.Unmarshal(raw, &image), test.ShouldBeNil)
	test.That(t, image["total_objects"], test.ShouldEqual, 0.0)
	test.That(t, image["detections"], test.ShouldResemble, []interface{}{})
	test.That(t, image["object_counts"], test.ShouldResemble, map[string]interface{}{})
	_, hasFrames := image["total_frames"]
	test.That(t, hasFrames, test.ShouldBeFalse)

	raw, err = json.Marshal(DetectionReport{MediaType: MediaVideo, ClassCounts: ClassCount{}})
	test.That(t, err, test.ShouldBeNil)
	var video map[string]interface{}
	test.That(t, json.Unmarshal(raw, &video), test.ShouldBeNil)
	test.That(t, video["total_detections"], test.ShouldEqual, 0.0)
	test.That(t, video["sampled_frames"], test.ShouldResemble, []interface{}{})
	for _, key := range []string{"total_frames", "processed_frames", "fps", "width", "height"} {
		_, ok := video[key]
		test.That(t, ok, test.ShouldBeTrue)
	}
	_, hasDetections := video["detections"]
	test.That(t, hasDetections, test.ShouldBeFalse)

	var back DetectionReport
	test.That(t, json.Unmarshal(raw, &back), test.ShouldBeNil)
	test.That(t, back.MediaType, test.ShouldEqual, MediaVideo)
}
