package detector

import (
	"bytes"
	"fmt"
	"image/jpeg"

	"ecocity/models"

	"github.com/fogleman/gg"
)

const annotatedQuality = 90

// Annotate draws detection boxes and labels onto the image and returns
// it re-encoded as JPEG, for moderation review.
func Annotate(imageData []byte, objects []models.DetectedObject, boxes []models.Box) ([]byte, error) {
	img, err := DecodeImage(imageData)
	if err != nil {
		return nil, err
	}

	dc := gg.NewContextForImage(img)
	dc.SetLineWidth(3)

	for i, b := range boxes {
		dc.SetRGB(1, 0, 0)
		dc.DrawRectangle(b.X1, b.Y1, b.X2-b.X1, b.Y2-b.Y1)
		dc.Stroke()

		if i < len(objects) {
			label := fmt.Sprintf("%s %.2f", objects[i].Label, objects[i].Confidence)
			dc.SetRGB(1, 1, 1)
			dc.DrawStringAnchored(label, b.X1+4, b.Y1+4, 0, 1)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dc.Image(), &jpeg.Options{Quality: annotatedQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode annotated image: %w", err)
	}
	return buf.Bytes(), nil
}
