// Package annotate renders detections onto frames and turns model-native
// predictions into canonical detection records.
package annotate

import (
	"fmt"
	"image"
	"math"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	colorful "github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/Tutortoise/object-detection-service/models"
)

var labelFont *truetype.Font

func init() {
	var err error
	labelFont, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Options control how boxes and labels are drawn.
type Options struct {
	LineWidth float64
	FontSize  float64
}

func DefaultOptions() Options {
	return Options{LineWidth: 3, FontSize: 14}
}

// Annotator draws detections using a model's class table. It holds no mutable
// state and may be shared between goroutines.
type Annotator struct {
	classes []string
	opts    Options
}

func New(classes []string, opts Options) *Annotator {
	def := DefaultOptions()
	if opts.LineWidth <= 0 {
		opts.LineWidth = def.LineWidth
	}
	if opts.FontSize <= 0 {
		opts.FontSize = def.FontSize
	}
	return &Annotator{classes: classes, opts: opts}
}

// ClassName resolves a class index through the class table. Indices outside
// the table are named after their number.
func (a *Annotator) ClassName(index int) string {
	if index >= 0 && index < len(a.classes) {
		return a.classes[index]
	}
	return fmt.Sprintf("class_%d", index)
}

// Normalize converts predictions into detection records.
func (a *Annotator) Normalize(predictions []models.Prediction) models.DetectionSet {
	set := make(models.DetectionSet, 0, len(predictions))
	for _, p := range predictions {
		set = append(set, models.DetectionBox{
			XMin:       float64(p.Box[0]),
			YMin:       float64(p.Box[1]),
			XMax:       float64(p.Box[2]),
			YMax:       float64(p.Box[3]),
			Confidence: clamp01(float64(p.Score)),
			ClassID:    p.ClassIndex,
			ClassName:  a.ClassName(p.ClassIndex),
		})
	}
	return set
}

// Annotate returns a copy of frame with every prediction drawn on it, plus
// the normalised records. frame is never modified; with no predictions the
// frame itself is returned.
func (a *Annotator) Annotate(frame image.Image, predictions []models.Prediction) (image.Image, models.DetectionSet) {
	set := a.Normalize(predictions)
	if len(set) == 0 {
		return frame, set
	}

	dc := gg.NewContextForImage(frame)
	offset := frame.Bounds().Min
	face := truetype.NewFace(labelFont, &truetype.Options{Size: a.opts.FontSize})
	dc.SetFontFace(face)

	for _, box := range set {
		x0 := box.XMin - float64(offset.X)
		y0 := box.YMin - float64(offset.Y)
		w := box.XMax - box.XMin
		h := box.YMax - box.YMin
		c := classColor(box.ClassID)

		dc.SetColor(c)
		dc.SetLineWidth(a.opts.LineWidth)
		dc.DrawRectangle(x0, y0, w, h)
		dc.Stroke()

		label := fmt.Sprintf("%s %.2f", box.ClassName, box.Confidence)
		tw, th := dc.MeasureString(label)
		pad := 2.0
		ly := y0 - th - 2*pad
		if ly < 0 {
			ly = y0
		}
		dc.DrawRectangle(x0, ly, tw+2*pad, th+2*pad)
		dc.Fill()

		dc.SetRGB(1, 1, 1)
		dc.DrawStringAnchored(label, x0+pad, ly+pad, 0, 1)
	}

	return dc.Image(), set
}

// classColor spreads classes around the hue circle using the golden angle so
// neighbouring class ids get distinct colours.
func classColor(classID int) colorful.Color {
	hue := math.Mod(float64(classID)*137.508, 360)
	return colorful.Hsv(hue, 0.85, 0.95).Clamped()
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
