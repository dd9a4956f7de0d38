package workflow

import (
	"math/rand/v2"
)

// MaxSeed is the largest seed NewSeed draws
const MaxSeed = 1_000_000_000

const (
	DefaultPositivePrompt = "A painting in the style of Vincent van Gogh, with vivid brushstrokes, vivid colors, swirling patterns, bold colors, and heavy use of contrast. Thick paint application with dynamic composition and emotional depth."
	DefaultNegativePrompt = "blurry, low detail, cartoonish, 3D render, digital art, abstract, soft colors, pale colors, smooth textures, sharp edges, pixelated, deformed, distorted."
)

// Params are the run time values written into a workflow
type Params struct {
	Positive   string
	Negative   string
	Seed       int64
	Image      string // server side path returned by the upload
	Checkpoint string
	ControlNet string
}

// NewSeed draws a seed uniformly from [1, MaxSeed]. A nil rng uses the global source.
func NewSeed(rng *rand.Rand) int64 {
	if rng == nil {
		return rand.Int64N(MaxSeed) + 1
	}
	return rng.Int64N(MaxSeed) + 1
}

// Apply writes the params into the nodes bound by roles. Empty prompts fall back
// to the default prompts.
func Apply(w Workflow, roles RoleMap, p Params) error {
	positive := p.Positive
	if positive == "" {
		positive = DefaultPositivePrompt
	}
	negative := p.Negative
	if negative == "" {
		negative = DefaultNegativePrompt
	}

	values := []struct {
		role  Role
		value interface{}
	}{
		{RolePositive, positive},
		{RoleNegative, negative},
		{RoleSeed, p.Seed},
		{RoleImage, p.Image},
		{RoleCheckpoint, p.Checkpoint},
		{RoleControlNet, p.ControlNet},
	}

	for _, v := range values {
		b := roles[v.role]
		if err := w.SetInput(b.Node, b.Input, v.value); err != nil {
			return err
		}
	}
	return nil
}
