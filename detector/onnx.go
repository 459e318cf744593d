package detector

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	inputName  = "images"
	outputName = "output0"
)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// InitRuntime initializes the shared ONNX Runtime environment. Call once
// at startup before any model is loaded. libraryPath may be empty to use
// the default library location.
func InitRuntime(libraryPath string) error {
	ortInitOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// onnxRunner runs inference through an ONNX Runtime session. The session
// is dynamic because the number of output rows varies per image.
type onnxRunner struct {
	session *ort.DynamicAdvancedSession
}

func newOnnxRunner(modelPath string) (modelRunner, error) {
	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{inputName}, []string{outputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create onnx session: %w", err)
	}
	return &onnxRunner{session: session}, nil
}

func (r *onnxRunner) Run(tensor []float32, size int) ([]float32, error) {
	shape := ort.NewShape(1, 3, int64(size), int64(size))
	input, err := ort.NewTensor(shape, tensor)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := r.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("failed to run onnx session: %w", err)
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type %T", outputs[0])
	}

	data := out.GetData()
	result := make([]float32, len(data))
	copy(result, data)
	return result, nil
}

func (r *onnxRunner) Close() error {
	return r.session.Destroy()
}
