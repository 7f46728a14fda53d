package detections

import (
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.Input != nil {
		m.Input.Destroy()
	}
	if m.Output != nil {
		m.Output.Destroy()
	}
}

func (m *ModelSession) ready() error {
	if m.Session == nil || m.Input == nil || m.Output == nil {
		return errors.New("inference session is not initialised")
	}
	return nil
}

// numAnchors is the number of candidate boxes a YOLOv8-style head emits for
// the given input size: one per cell of the stride 8, 16 and 32 grids.
func numAnchors(width, height int) int {
	total := 0
	for _, stride := range []int{8, 16, 32} {
		total += (width / stride) * (height / stride)
	}
	return total
}

func newSession(modelPath string, numClasses, threads int) (*ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "error creating session options")
	}
	defer options.Destroy()

	if threads > 0 {
		if err := options.SetIntraOpNumThreads(threads); err != nil {
			return nil, errors.Wrap(err, "error setting intra-op threads")
		}
		if err := options.SetInterOpNumThreads(threads); err != nil {
			return nil, errors.Wrap(err, "error setting inter-op threads")
		}
	}

	inputShape := ort.NewShape(1, 3, InputHeight, InputWidth)
	outputShape := ort.NewShape(1, int64(4+numClasses), int64(numAnchors(InputWidth, InputHeight)))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, errors.Wrap(err, "error creating input tensor")
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, errors.Wrap(err, "error creating output tensor")
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{inputName},
		[]string{outputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, errors.Wrap(err, "error creating session")
	}

	return &ModelSession{
		Session: session,
		Input:   inputTensor,
		Output:  outputTensor,
	}, nil
}
