// Package enhance wraps the external image enhancement service.
package enhance

import "github.com/imrishuroy/go-hd-delivery/internal/imaging"

// Tier is the quality level of a produced artifact.
type Tier string

const (
	TierPreview Tier = "preview"
	TierHD      Tier = "hd"
)

// PreviewMaxDimension is the longest side of a free preview.
const PreviewMaxDimension = 512

var finishing = map[Tier]imaging.Spec{
	TierPreview: {MaxDimension: PreviewMaxDimension, Quality: 80},
	TierHD:      {Quality: 95},
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := finishing[t]
	return ok
}
