package detections

import (
	"github.com/Tutortoise/object-detection-service/models"
)

// nonMaxSuppression keeps the highest scoring box of every group of same-class
// boxes overlapping by more than iouThreshold. Input must be sorted by
// descending score.
func nonMaxSuppression(predictions []models.Prediction, iouThreshold float64, limit int) []models.Prediction {
	if len(predictions) == 0 {
		return nil
	}

	kept := make([]models.Prediction, 0, len(predictions))
	suppressed := make([]bool, len(predictions))

	for i, candidate := range predictions {
		if suppressed[i] {
			continue
		}
		kept = append(kept, candidate)
		if limit > 0 && len(kept) == limit {
			break
		}

		for j := i + 1; j < len(predictions); j++ {
			if suppressed[j] || predictions[j].ClassIndex != candidate.ClassIndex {
				continue
			}
			if calculateIOU(candidate.Box, predictions[j].Box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}

	return kept
}

func calculateIOU(box1, box2 [4]float32) float64 {
	x1 := max(float64(box1[0]), float64(box2[0]))
	y1 := max(float64(box1[1]), float64(box2[1]))
	x2 := min(float64(box1[2]), float64(box2[2]))
	y2 := min(float64(box1[3]), float64(box2[3]))

	if x2 <= x1 || y2 <= y1 {
		return 0.0
	}

	intersection := (x2 - x1) * (y2 - y1)
	area1 := float64(box1[2]-box1[0]) * float64(box1[3]-box1[1])
	area2 := float64(box2[2]-box2[0]) * float64(box2[3]-box2[1])
	union := area1 + area2 - intersection
	if union <= 0 {
		return 0.0
	}

	return intersection / union
}
