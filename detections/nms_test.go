package detections

import (
	"testing"

	"go.viam.com/test"

	"github.com/Tutortoise/object-detection-service/models"
)

func TestCalculateIOU(t *testing.T) {
	a := [4]float32{0, 0, 10, 10}
	test.That(t, calculateIOU(a, a), test.ShouldAlmostEqual, 1.0)
	test.That(t, calculateIOU(a, [4]float32{20, 20, 30, 30}), test.ShouldEqual, 0.0)
	// 5x10 overlap over a union of 150
	test.That(t, calculateIOU(a, [4]float32{5, 0, 15, 10}), test.ShouldAlmostEqual, 50.0/150.0)
	test.That(t, calculateIOU([4]float32{0, 0, 0, 0}, [4]float32{0, 0, 0, 0}), test.ShouldEqual, 0.0)
}

func TestNonMaxSuppression(t *testing.T) {
	preds := []models.Prediction{
		{Box: [4]float32{0, 0, 100, 100}, Score: 0.9, ClassIndex: 0},
		{Box: [4]float32{0, 0, 100, 100}, Score: 0.8, ClassIndex: 1},
		{Box: [4]float32{5, 5, 105, 105}, Score: 0.7, ClassIndex: 0},
		{Box: [4]float32{300, 300, 400, 400}, Score: 0.6, ClassIndex: 0},
	}

	kept := nonMaxSuppression(preds, 0.45, 0)
	test.That(t, kept, test.ShouldHaveLength, 3)
	test.That(t, kept[0], test.ShouldResemble, preds[0])
	test.That(t, kept[1], test.ShouldResemble, preds[1])
	test.That(t, kept[2], test.ShouldResemble, preds[3])

	test.That(t, nonMaxSuppression(preds, 0.45, 2), test.ShouldHaveLength, 2)
	test.That(t, nonMaxSuppression(nil, 0.45, 0), test.ShouldBeNil)
}
