package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Tutortoise/object-detection-service/models"
)

const (
	MsgNoObjects = "No objects were detected. Try a clearer or closer shot of the scene."

	MsgUnsupported = "Invalid file type. Allowed: images (png, jpg, jpeg, gif, bmp) and videos (mp4, avi, mov, mkv)."
)

// summaryMessage describes a report in one sentence, most frequent classes
// first.
func summaryMessage(report *models.DetectionReport) string {
	total := report.ClassCounts.Total()
	if total == 0 {
		return MsgNoObjects
	}

	names := make([]string, 0, len(report.ClassCounts))
	for name := range report.ClassCounts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ci, cj := report.ClassCounts[names[i]], report.ClassCounts[names[j]]
		if ci != cj {
			return ci > cj
		}
		return names[i] < names[j]
	})
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%d %s", report.ClassCounts[name], name)
	}

	switch report.MediaType {
	case models.MediaVideo:
		return fmt.Sprintf("Detected %s across %d sampled frames of %d.",
			strings.Join(parts, ", "), len(report.SampledFrames), report.ProcessedFrames)
	default:
		return fmt.Sprintf("Detected %d objects: %s.", total, strings.Join(parts, ", "))
	}
}
