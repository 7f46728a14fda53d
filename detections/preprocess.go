package detections

import (
	"image"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
)

// Preprocessor converts frames into the planar, [0,1]-scaled RGB layout the
// model expects.
type Preprocessor struct {
	width, height int
	numWorkers    int
	bufferPool    *sync.Pool
}

func NewPreprocessor(width, height int) *Preprocessor {
	return &Preprocessor{
		width:      width,
		height:     height,
		numWorkers: runtime.GOMAXPROCS(0),
		bufferPool: &sync.Pool{
			New: func() interface{} {
				buf := make([]float32, width*height*3)
				return &buf
			},
		},
	}
}

// Process resizes img to the model input size and writes the planar tensor
// into dst, which must hold width*height*3 values.
func (p *Preprocessor) Process(img image.Image, dst []float32) {
	resized := imaging.Resize(img, p.width, p.height, imaging.Linear)
	if resized.Bounds().Dx() != p.width || resized.Bounds().Dy() != p.height {
		clear(dst)
		return
	}

	bufPtr := p.bufferPool.Get().(*[]float32)
	defer p.bufferPool.Put(bufPtr)
	buffer := *bufPtr

	p.processParallel(resized, buffer)
	copy(dst, buffer)
}

func (p *Preprocessor) processParallel(img *image.NRGBA, buffer []float32) {
	channelSize := p.width * p.height
	workers := p.numWorkers
	if workers > p.height {
		workers = p.height
	}
	rowsPerWorker := p.height / workers

	var wg sync.WaitGroup
	wg.Add(workers)

	for w := 0; w < workers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == workers-1 {
			endRow = p.height
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				src := img.Pix[y*img.Stride : y*img.Stride+p.width*4]
				offset := y * p.width
				for x := 0; x < p.width; x++ {
					i := offset + x
					buffer[i] = float32(src[x*4]) / 255.0
					buffer[channelSize+i] = float32(src[x*4+1]) / 255.0
					buffer[channelSize*2+i] = float32(src[x*4+2]) / 255.0
				}
			}
		}(startRow, endRow)
	}

	wg.Wait()
}
