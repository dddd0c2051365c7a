package imaging

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sort"
	"strings"
)

// Transform produces a derived image under its own cache group. Transforms
// never mutate their input and must be safe for concurrent use across
// images; implementations here are stateless value types.
type Transform interface {
	Name() string
	Apply(ctx context.Context, img *Image) (*Image, error)
}

// Null passes the image through unchanged. Useful as a baseline group and in
// tests that need a transform without pixel work.
type Null struct{}

func (Null) Name() string { return "null" }

func (Null) Apply(_ context.Context, img *Image) (*Image, error) {
	out := *img
	out.Bytes = append([]byte(nil), img.Bytes...)
	return &out, nil
}

// Grayscale converts to luminance-weighted gray.
type Grayscale struct{}

func (Grayscale) Name() string { return "grayscale" }

func (Grayscale) Apply(ctx context.Context, img *Image) (*Image, error) {
	return mapPixels(ctx, img, func(r, g, b, a uint32) color.RGBA {
		y := uint8((299*(r>>8) + 587*(g>>8) + 114*(b>>8)) / 1000)
		return color.RGBA{R: y, G: y, B: y, A: uint8(a >> 8)}
	})
}

// Sepia applies the standard sepia weighting matrix.
type Sepia struct{}

func (Sepia) Name() string { return "sepia" }

func (Sepia) Apply(ctx context.Context, img *Image) (*Image, error) {
	return mapPixels(ctx, img, func(r, g, b, a uint32) color.RGBA {
		r8 := float64(r >> 8)
		g8 := float64(g >> 8)
		b8 := float64(b >> 8)
		return color.RGBA{
			R: clamp8(0.393*r8 + 0.769*g8 + 0.189*b8),
			G: clamp8(0.349*r8 + 0.686*g8 + 0.168*b8),
			B: clamp8(0.272*r8 + 0.534*g8 + 0.131*b8),
			A: uint8(a >> 8),
		}
	})
}

// Tint scales each channel by a fixed factor in [0, 1].
type Tint struct {
	RedFactor   float64
	GreenFactor float64
	BlueFactor  float64
}

// NewTint clamps the factors into range.
func NewTint(red, green, blue float64) Tint {
	return Tint{
		RedFactor:   clampFactor(red),
		GreenFactor: clampFactor(green),
		BlueFactor:  clampFactor(blue),
	}
}

func (Tint) Name() string { return "tint" }

func (t Tint) Apply(ctx context.Context, img *Image) (*Image, error) {
	return mapPixels(ctx, img, func(r, g, b, a uint32) color.RGBA {
		return color.RGBA{
			R: clamp8(float64(r>>8) * t.RedFactor),
			G: clamp8(float64(g>>8) * t.GreenFactor),
			B: clamp8(float64(b>>8) * t.BlueFactor),
			A: uint8(a >> 8),
		}
	})
}

// mapPixels decodes, applies fn per pixel, and re-encodes in the source
// format. The ctx check keeps long scans responsive to cancellation.
func mapPixels(ctx context.Context, img *Image, fn func(r, g, b, a uint32) color.RGBA) (*Image, error) {
	src, err := img.decodePixels()
	if err != nil {
		return nil, err
	}
	bounds := src.Bounds()
	dst := image.NewRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			dst.SetRGBA(x, y, fn(src.At(x, y).RGBA()))
		}
	}
	encoded, err := encode(img.Format, dst)
	if err != nil {
		return nil, fmt.Errorf("transform %s: %w", img.SourceURI, err)
	}
	return &Image{
		SourceURI: img.SourceURI,
		Format:    img.Format,
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
		Bytes:     encoded,
	}, nil
}

func clamp8(v float64) uint8 {
	if v > 255 {
		return 255
	}
	if v < 0 {
		return 0
	}
	return uint8(v)
}

func clampFactor(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Registry resolves configured transform names to implementations. Unknown
// names are configuration errors surfaced before a crawl starts.
type Registry struct {
	byName map[string]Transform
}

// NewRegistry indexes the given transforms by name.
func NewRegistry(transforms ...Transform) *Registry {
	r := &Registry{byName: make(map[string]Transform, len(transforms))}
	for _, t := range transforms {
		r.byName[t.Name()] = t
	}
	return r
}

// BuiltIn returns a registry with every transform this package ships.
func BuiltIn() *Registry {
	return NewRegistry(
		Null{},
		Grayscale{},
		Sepia{},
		NewTint(0.9, 0.7, 0.4),
	)
}

// Resolve maps names to transforms, rejecting unknown or duplicate names.
func (r *Registry) Resolve(names []string) ([]Transform, error) {
	out := make([]Transform, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, raw := range names {
		name := strings.TrimSpace(strings.ToLower(raw))
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("transform %q listed twice", name)
		}
		seen[name] = struct{}{}
		t, ok := r.byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown transform %q (have %s)", name, strings.Join(r.Names(), ", "))
		}
		out = append(out, t)
	}
	return out, nil
}

// Names lists registered transform names in stable order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
