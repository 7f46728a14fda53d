package detections

import (
	"bufio"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// COCOClasses is the class-index table of models trained on COCO 2017.
var COCOClasses = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat",
	"dog", "horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack",
	"umbrella", "handbag", "tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball",
	"kite", "baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket",
	"bottle", "wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple",
	"sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair",
	"couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear", "hair drier",
	"toothbrush",
}

// LoadClasses reads one class name per line. Blank lines and lines starting
// with '#' are skipped. An empty path yields the COCO table.
func LoadClasses(path string) ([]string, error) {
	if path == "" {
		return append([]string(nil), COCOClasses...), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open labels file")
	}
	defer f.Close()

	var classes []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		classes = append(classes, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read labels file")
	}
	if len(classes) == 0 {
		return nil, errors.Errorf("labels file %s has no classes", path)
	}
	return classes, nil
}
