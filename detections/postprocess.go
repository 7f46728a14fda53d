package detections

import (
	"runtime"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/Tutortoise/object-detection-service/models"
)

// decodePredictions reads a YOLOv8-style output tensor laid out as
// [4+numClasses][anchors]: cx, cy, w, h in input pixels followed by one score
// row per class. Boxes are scaled back to the original image size.
func decodePredictions(output []float32, numClasses, originalWidth, originalHeight int, threshold float32) ([]models.Prediction, error) {
	anchors := numAnchors(InputWidth, InputHeight)
	expected := (4 + numClasses) * anchors
	if len(output) != expected {
		return nil, errors.Errorf("unexpected predictions length: got %d, want %d", len(output), expected)
	}

	const chunkSize = 512
	numWorkers := runtime.NumCPU()
	jobs := make(chan int, numWorkers)
	results := make(chan []models.Prediction, numWorkers)

	scaleX := float32(originalWidth) / InputWidth
	scaleY := float32(originalHeight) / InputHeight

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]models.Prediction, 0, 32)

			for start := range jobs {
				end := start + chunkSize
				if end > anchors {
					end = anchors
				}

				for i := start; i < end; i++ {
					best, bestScore := -1, threshold
					for c := 0; c < numClasses; c++ {
						if s := output[(4+c)*anchors+i]; s >= bestScore {
							best, bestScore = c, s
						}
					}
					if best < 0 {
						continue
					}

					local = append(local, models.Prediction{
						Box: calculateBBox(
							output[i],
							output[anchors+i],
							output[2*anchors+i],
							output[3*anchors+i],
							scaleX, scaleY,
							float32(originalWidth), float32(originalHeight),
						),
						Score:      bestScore,
						ClassIndex: best,
					})
				}
			}

			if len(local) > 0 {
				results <- local
			}
		}()
	}

	go func() {
		for i := 0; i < anchors; i += chunkSize {
			jobs <- i
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	predictions := make([]models.Prediction, 0, 64)
	for chunk := range results {
		predictions = append(predictions, chunk...)
	}

	sortByScore(predictions)
	return predictions, nil
}

func calculateBBox(cx, cy, w, h, scaleX, scaleY, maxX, maxY float32) [4]float32 {
	x1 := (cx - w/2) * scaleX
	y1 := (cy - h/2) * scaleY
	x2 := (cx + w/2) * scaleX
	y2 := (cy + h/2) * scaleY

	return [4]float32{
		max(0, x1),
		max(0, y1),
		min(maxX, x2),
		min(maxY, y2),
	}
}

// sortByScore orders predictions by descending score; ties keep the lower
// class index and then the leftmost box first so results are deterministic.
func sortByScore(predictions []models.Prediction) {
	sort.SliceStable(predictions, func(i, j int) bool {
		a, b := predictions[i], predictions[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.ClassIndex != b.ClassIndex {
			return a.ClassIndex < b.ClassIndex
		}
		return a.Box[0] < b.Box[0]
	})
}
