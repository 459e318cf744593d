package detector

import (
	"fmt"
	"math"
	"sort"

	"ecocity/models"
)

// Labels the detection model was trained on, indexed by class id.
var Labels = []string{
	"plastic_bag",
	"plastic_bottle",
	"paper_waste",
	"food_wrapper",
}

// rawDetection is one decoded model output row in letterboxed coordinates.
type rawDetection struct {
	box   models.Box
	conf  float64
	class int
}

// decodeOutput parses the model's flat [n, 6] output into rows, keeping
// those at or above the confidence threshold. Rows are
// [x1, y1, x2, y2, confidence, class].
func decodeOutput(data []float32, confThreshold float64) ([]rawDetection, error) {
	if len(data)%6 != 0 {
		return nil, &ConfigError{Err: fmt.Errorf("model output length %d is not a multiple of 6", len(data))}
	}

	var dets []rawDetection
	for i := 0; i < len(data); i += 6 {
		conf := float64(data[i+4])
		if conf < confThreshold {
			continue
		}
		dets = append(dets, rawDetection{
			box: models.Box{
				X1: float64(data[i]),
				Y1: float64(data[i+1]),
				X2: float64(data[i+2]),
				Y2: float64(data[i+3]),
			},
			conf:  conf,
			class: int(data[i+5]),
		})
	}
	return dets, nil
}

// iou computes intersection over union of two boxes.
func iou(a, b models.Box) float64 {
	x1 := math.Max(a.X1, b.X1)
	y1 := math.Max(a.Y1, b.Y1)
	x2 := math.Min(a.X2, b.X2)
	y2 := math.Min(a.Y2, b.Y2)

	inter := math.Max(0, x2-x1) * math.Max(0, y2-y1)
	if inter == 0 {
		return 0
	}
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// nms runs class-agnostic greedy non-maximum suppression. The model has
// its own NMS step, so this is a safety net against duplicate boxes, and
// running it on already-suppressed output changes nothing.
func nms(dets []rawDetection, iouThreshold float64) []rawDetection {
	sort.SliceStable(dets, func(i, j int) bool { return dets[i].conf > dets[j].conf })

	var kept []rawDetection
	suppressed := make([]bool, len(dets))
	for i := range dets {
		if suppressed[i] {
			continue
		}
		kept = append(kept, dets[i])
		for j := i + 1; j < len(dets); j++ {
			if !suppressed[j] && iou(dets[i].box, dets[j].box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

// remapBox converts a box from letterboxed model coordinates back to
// original image pixels, clamped to the image bounds.
func remapBox(b models.Box, lb Letterbox) models.Box {
	out := models.Box{
		X1: (b.X1 - lb.PadX) / lb.Scale,
		Y1: (b.Y1 - lb.PadY) / lb.Scale,
		X2: (b.X2 - lb.PadX) / lb.Scale,
		Y2: (b.Y2 - lb.PadY) / lb.Scale,
	}
	out.X1 = clamp(out.X1, 0, float64(lb.OrigW))
	out.Y1 = clamp(out.Y1, 0, float64(lb.OrigH))
	out.X2 = clamp(out.X2, 0, float64(lb.OrigW))
	out.Y2 = clamp(out.Y2, 0, float64(lb.OrigH))
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// labelFor maps a class id to its label, tolerating classes newer models
// may emit that this build does not know.
func labelFor(class int) string {
	if class >= 0 && class < len(Labels) {
		return Labels[class]
	}
	return fmt.Sprintf("class_%d", class)
}
