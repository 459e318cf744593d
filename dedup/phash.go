package dedup

import (
	"fmt"
	"image"
	"math/bits"
	"strconv"

	"github.com/corona10/goimagehash"
)

// ComputePHash returns the 64-bit perceptual hash of an image as a
// 16-digit hex string, the stored fingerprint format.
func ComputePHash(img image.Image) (string, error) {
	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return "", fmt.Errorf("failed to compute perceptual hash: %w", err)
	}
	return fmt.Sprintf("%016x", hash.GetHash()), nil
}

// HammingDistance counts differing bits between two hex-encoded hashes.
func HammingDistance(a, b string) (int, error) {
	ha, err := strconv.ParseUint(a, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("bad hash %q: %w", a, err)
	}
	hb, err := strconv.ParseUint(b, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("bad hash %q: %w", b, err)
	}
	return bits.OnesCount64(ha ^ hb), nil
}
