package detector

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/image/draw"
)

const padFill = 114 // gray letterbox padding, matches training

// Letterbox describes how an image was fit into the square model input,
// so detections can be mapped back to original pixel coordinates.
type Letterbox struct {
	Scale      float64
	PadX, PadY float64
	OrigW      int
	OrigH      int
}

// orientationFromEXIF returns the EXIF orientation tag, defaulting to 1.
func orientationFromEXIF(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	val, err := tag.Int(0)
	if err != nil {
		return 1
	}
	return val
}

// correctOrientation rotates or flips the image per its EXIF orientation.
func correctOrientation(img image.Image, orientation int) image.Image {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	switch orientation {
	case 2: // Flip horizontal
		newImg := image.NewRGBA(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				newImg.Set(width-1-x, y, img.At(x, y))
			}
		}
		return newImg
	case 3: // Rotate 180
		newImg := image.NewRGBA(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				newImg.Set(width-1-x, height-1-y, img.At(x, y))
			}
		}
		return newImg
	case 4: // Flip vertical
		newImg := image.NewRGBA(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				newImg.Set(x, height-1-y, img.At(x, y))
			}
		}
		return newImg
	case 6: // Rotate 90 clockwise
		newImg := image.NewRGBA(image.Rect(0, 0, height, width))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				newImg.Set(height-1-y, x, img.At(x, y))
			}
		}
		return newImg
	case 8: // Rotate 90 counter-clockwise
		newImg := image.NewRGBA(image.Rect(0, 0, height, width))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				newImg.Set(y, width-1-x, img.At(x, y))
			}
		}
		return newImg
	default:
		return img
	}
}

// DecodeImage decodes JPEG or PNG bytes and applies EXIF orientation.
func DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	if orientation := orientationFromEXIF(data); orientation != 1 {
		img = correctOrientation(img, orientation)
	}
	return img, nil
}

// letterboxImage fits img into a size x size square: scale preserving aspect
// ratio, center, and pad the borders with gray.
func letterboxImage(img image.Image, size int) (*image.RGBA, Letterbox) {
	bounds := img.Bounds()
	origW := bounds.Dx()
	origH := bounds.Dy()

	scale := float64(size) / float64(origW)
	if s := float64(size) / float64(origH); s < scale {
		scale = s
	}
	newW := int(float64(origW) * scale)
	newH := int(float64(origH) * scale)
	padX := float64(size-newW) / 2
	padY := float64(size-newH) / 2

	canvas := image.NewRGBA(image.Rect(0, 0, size, size))
	for i := range canvas.Pix {
		if i%4 == 3 {
			canvas.Pix[i] = 255
		} else {
			canvas.Pix[i] = padFill
		}
	}

	dst := image.Rect(int(padX), int(padY), int(padX)+newW, int(padY)+newH)
	draw.ApproxBiLinear.Scale(canvas, dst, img, bounds, draw.Src, nil)

	return canvas, Letterbox{Scale: scale, PadX: padX, PadY: padY, OrigW: origW, OrigH: origH}
}

// imageToTensor converts an RGBA image into a CHW float32 tensor scaled
// to [0, 1].
func imageToTensor(img *image.RGBA) []float32 {
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
