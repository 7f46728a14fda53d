package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.viam.com/test"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Request("video", "success")
	m.Request("video", "success")
	m.FrameProcessed(true)
	m.FrameProcessed(false)
	m.Detections(map[string]int{"person": 3, "dog": 1})
	m.ModelLoad(false)
	m.ModelLoad(true)
	m.ObserveInference(20 * time.Millisecond)

	test.That(t, testutil.ToFloat64(m.requests.WithLabelValues("video", "success")), test.ShouldEqual, 2.0)
	test.That(t, testutil.ToFloat64(m.framesProcessed), test.ShouldEqual, 2.0)
	test.That(t, testutil.ToFloat64(m.framesSampled), test.ShouldEqual, 1.0)
	test.That(t, testutil.ToFloat64(m.detections.WithLabelValues("person")), test.ShouldEqual, 3.0)
	test.That(t, testutil.ToFloat64(m.modelLoads.WithLabelValues("failure")), test.ShouldEqual, 1.0)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Request("image", "failure")
	m.FrameProcessed(true)
	m.Detections(map[string]int{"cat": 1})
	m.ModelLoad(true)
	m.ObserveInference(time.Second)
	m.RegisterPool(func() (PoolStats, bool) { return PoolStats{}, false })
}

func TestHandlerExposesPool(t *testing.T) {
	m := New()
	m.RegisterPool(func() (PoolStats, bool) {
		return PoolStats{Size: 2, InUse: 1}, true
	})
	m.Request("image", "success")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(body), test.ShouldContainSubstring, "detector_pool_size 2")
	test.That(t, string(body), test.ShouldContainSubstring, "detector_pool_sessions_in_use 1")
	test.That(t, string(body), test.ShouldContainSubstring, `detector_requests_total{media_type="image",outcome="success"} 1`)
}
