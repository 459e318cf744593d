package detector

import "ecocity/models"

// Severity thresholds by detected object count.
const (
	mediumCountThreshold = 5
	highCountThreshold   = 15
)

// Coverage fractions of the image that escalate severity a step.
const (
	mediumDensityThreshold = 0.05
	highDensityThreshold   = 0.10
)

// SeverityForCount grades by object count alone: none, low below 5,
// medium below 15, high at 15 and up.
func SeverityForCount(count int) string {
	switch {
	case count == 0:
		return models.SeverityNone
	case count < mediumCountThreshold:
		return models.SeverityLow
	case count < highCountThreshold:
		return models.SeverityMedium
	default:
		return models.SeverityHigh
	}
}

// SeverityForDetections grades by count, then escalates by how much of
// the image the boxes cover: over 10% forces high, over 5% raises low to
// medium. Density never lowers the count-based grade.
func SeverityForDetections(boxes []models.Box, imageW, imageH int) string {
	severity := SeverityForCount(len(boxes))
	if severity == models.SeverityNone || imageW <= 0 || imageH <= 0 {
		return severity
	}

	var covered float64
	for _, b := range boxes {
		covered += b.Area()
	}
	density := covered / (float64(imageW) * float64(imageH))

	if density > highDensityThreshold {
		return models.SeverityHigh
	}
	if density > mediumDensityThreshold && severity == models.SeverityLow {
		return models.SeverityMedium
	}
	return severity
}
