// Package embed computes L2-normalized image embeddings for near-duplicate
// search.
package embed

import (
	"fmt"
	"image"
	"sync"

	"ecocity/detector"
	"ecocity/simindex"

	"github.com/apex/log"
	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/image/draw"
)

const (
	inputName  = "input"
	outputName = "embedding"
)

// Service runs the embedding model. Loaded lazily like the detector, so
// a missing model file is a per-report error.
type Service struct {
	modelPath string
	inputSize int
	dim       int

	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
}

func NewService(modelPath string, inputSize, dim int) *Service {
	return &Service{modelPath: modelPath, inputSize: inputSize, dim: dim}
}

// Dim returns the embedding dimension this service produces.
func (s *Service) Dim() int {
	return s.dim
}

func (s *Service) getSession() (*ort.DynamicAdvancedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		session, err := ort.NewDynamicAdvancedSession(s.modelPath,
			[]string{inputName}, []string{outputName}, nil)
		if err != nil {
			return nil, &detector.ConfigError{Err: fmt.Errorf("failed to load embedding model: %w", err)}
		}
		s.session = session
		log.Infof("Embedding model loaded from %s", s.modelPath)
	}
	return s.session, nil
}

// Embed computes the unit-norm embedding of an image. A degenerate image
// that embeds to the zero vector is an error, never a silent no-match.
func (s *Service) Embed(imageData []byte) ([]float32, error) {
	img, err := detector.DecodeImage(imageData)
	if err != nil {
		return nil, err
	}

	resized := image.NewRGBA(image.Rect(0, 0, s.inputSize, s.inputSize))
	draw.ApproxBiLinear.Scale(resized, resized.Bounds(), img, img.Bounds(), draw.Src, nil)
	tensor := rgbaToTensor(resized)

	session, err := s.getSession()
	if err != nil {
		return nil, err
	}

	shape := ort.NewShape(1, 3, int64(s.inputSize), int64(s.inputSize))
	input, err := ort.NewTensor(shape, tensor)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("embedding inference failed: %w", err)
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type %T", outputs[0])
	}

	data := out.GetData()
	if len(data) != s.dim {
		return nil, fmt.Errorf("embedding has dimension %d, want %d", len(data), s.dim)
	}

	vec := make([]float32, s.dim)
	copy(vec, data)
	return simindex.Normalize(vec)
}

// Close releases the loaded model, if any.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return err
}

func rgbaToTensor(img *image.RGBA) []float32 {
	bounds := img.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()

	tensor := make([]float32, 3*w*h)
	plane := w * h
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := img.PixOffset(x, y)
			idx := y*w + x
			tensor[idx] = float32(img.Pix[off]) / 255.0
			tensor[plane+idx] = float32(img.Pix[off+1]) / 255.0
			tensor[2*plane+idx] = float32(img.Pix[off+2]) / 255.0
		}
	}
	return tensor
}
