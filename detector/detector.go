// Package detector runs the litter object-detection model over report
// images and grades the result.
package detector

import (
	"fmt"
	"sync"

	"ecocity/models"

	"github.com/apex/log"
)

// modelRunner abstracts the inference backend. The production runner is
// an ONNX Runtime session; tests substitute canned outputs.
type modelRunner interface {
	Run(tensor []float32, size int) ([]float32, error)
	Close() error
}

// ConfigError marks failures a retry cannot fix, like a missing model
// file or an output layout the decoder does not understand.
type ConfigError struct{ Err error }

func (e *ConfigError) Error() string { return e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// Result is one completed detection pass over an image.
type Result struct {
	Objects       []models.DetectedObject
	Boxes         []models.Box
	TotalCount    int
	Severity      string
	ConfidenceAvg float64
	ImageW        int
	ImageH        int
}

// Service wraps the detection model. The model is loaded lazily on first
// use and guarded by a mutex, so a missing model file surfaces as a
// per-report error instead of failing startup.
type Service struct {
	modelPath     string
	inputSize     int
	confThreshold float64
	iouThreshold  float64

	mu        sync.Mutex
	runner    modelRunner
	newRunner func(modelPath string) (modelRunner, error)
}

// NewService creates a detection service backed by the ONNX model at
// modelPath.
func NewService(modelPath string, inputSize int, confThreshold, iouThreshold float64) *Service {
	return &Service{
		modelPath:     modelPath,
		inputSize:     inputSize,
		confThreshold: confThreshold,
		iouThreshold:  iouThreshold,
		newRunner:     newOnnxRunner,
	}
}

func (s *Service) getRunner() (modelRunner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runner == nil {
		runner, err := s.newRunner(s.modelPath)
		if err != nil {
			return nil, &ConfigError{Err: fmt.Errorf("failed to load detection model: %w", err)}
		}
		s.runner = runner
		log.Infof("Detection model loaded from %s", s.modelPath)
	}
	return s.runner, nil
}

// Detect decodes the image, runs the model, and returns graded
// detections with boxes in original image pixels. An image with no
// detections at or above the confidence threshold yields a Result with
// TotalCount 0 and severity none.
func (s *Service) Detect(imageData []byte) (*Result, error) {
	img, err := DecodeImage(imageData)
	if err != nil {
		return nil, err
	}

	canvas, lb := letterboxImage(img, s.inputSize)
	tensor := imageToTensor(canvas)

	runner, err := s.getRunner()
	if err != nil {
		return nil, err
	}

	output, err := runner.Run(tensor, s.inputSize)
	if err != nil {
		return nil, fmt.Errorf("model inference failed: %w", err)
	}

	raw, err := decodeOutput(output, s.confThreshold)
	if err != nil {
		return nil, err
	}
	raw = nms(raw, s.iouThreshold)

	result := &Result{
		TotalCount: len(raw),
		ImageW:     lb.OrigW,
		ImageH:     lb.OrigH,
	}
	var confSum float64
	for _, d := range raw {
		result.Objects = append(result.Objects, models.DetectedObject{
			Label:      labelFor(d.class),
			Confidence: d.conf,
		})
		result.Boxes = append(result.Boxes, remapBox(d.box, lb))
		confSum += d.conf
	}
	if result.TotalCount > 0 {
		result.ConfidenceAvg = confSum / float64(result.TotalCount)
	}
	result.Severity = SeverityForDetections(result.Boxes, lb.OrigW, lb.OrigH)

	log.Infof("Detected %d objects (severity=%s)", result.TotalCount, result.Severity)
	return result, nil
}

// Close releases the loaded model, if any.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runner == nil {
		return nil
	}
	err := s.runner.Close()
	s.runner = nil
	return err
}
