// Package pod captures proof-of-delivery artifacts: a freehand signature
// flattened to a PNG and an optional photo, packaged for one upload.
package pod

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	"github.com/fogleman/gg"
)

type PadState int

const (
	PadEmpty PadState = iota
	PadDrawing
	PadHasContent
)

func (s PadState) String() string {
	switch s {
	case PadDrawing:
		return "drawing"
	case PadHasContent:
		return "has-content"
	default:
		return "empty"
	}
}

const (
	DefaultWidth  = 600
	DefaultHeight = 160
	MaxWidth      = 2000
	MaxHeight     = 1000
	strokeWidth   = 2.0
)

var (
	ErrStrokeOpen  = errors.New("stroke already in progress")
	ErrNoStroke    = errors.New("no stroke in progress")
	ErrEmptyPad    = errors.New("signature pad is empty")
	ErrOutOfBounds = errors.New("point outside pad")
	ErrPadTooLarge = errors.New("signature pad too large")
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// SignaturePad records pointer strokes and renders them on demand. It is
// not safe for concurrent use.
type SignaturePad struct {
	width, height int
	strokes       [][]Point
	state         PadState
}

// NewSignaturePad returns an empty pad. Non-positive dimensions take the
// defaults; anything over MaxWidth x MaxHeight is refused.
func NewSignaturePad(width, height int) (*SignaturePad, error) {
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}
	if width > MaxWidth || height > MaxHeight {
		return nil, fmt.Errorf("%w: %dx%d exceeds %dx%d", ErrPadTooLarge, width, height, MaxWidth, MaxHeight)
	}
	return &SignaturePad{width: width, height: height}, nil
}

func (p *SignaturePad) State() PadState { return p.state }

func (p *SignaturePad) HasContent() bool { return p.state == PadHasContent }

func (p *SignaturePad) Bounds() image.Rectangle { return image.Rect(0, 0, p.width, p.height) }

// Begin starts a stroke at (x, y).
func (p *SignaturePad) Begin(x, y float64) error {
	if p.state == PadDrawing {
		return ErrStrokeOpen
	}
	if !p.inside(x, y) {
		return fmt.Errorf("%w: (%.1f, %.1f)", ErrOutOfBounds, x, y)
	}
	p.strokes = append(p.strokes, []Point{{X: x, Y: y}})
	p.state = PadDrawing
	return nil
}

// MoveTo extends the open stroke. Points outside the pad are clamped to
// its edge, the way a pointer leaving the canvas is.
func (p *SignaturePad) MoveTo(x, y float64) error {
	if p.state != PadDrawing {
		return ErrNoStroke
	}
	x = clamp(x, 0, float64(p.width-1))
	y = clamp(y, 0, float64(p.height-1))
	last := len(p.strokes) - 1
	p.strokes[last] = append(p.strokes[last], Point{X: x, Y: y})
	return nil
}

func (p *SignaturePad) End() error {
	if p.state != PadDrawing {
		return ErrNoStroke
	}
	p.state = PadHasContent
	return nil
}

// Clear discards every stroke.
func (p *SignaturePad) Clear() {
	p.strokes = nil
	p.state = PadEmpty
}

// Strokes returns a copy of the recorded strokes.
func (p *SignaturePad) Strokes() [][]Point {
	out := make([][]Point, len(p.strokes))
	for i, s := range p.strokes {
		out[i] = append([]Point(nil), s...)
	}
	return out
}

// Replay draws a stroke list recorded elsewhere, e.g. by a touch client.
func (p *SignaturePad) Replay(strokes [][]Point) error {
	for _, s := range strokes {
		if len(s) == 0 {
			continue
		}
		if err := p.Begin(s[0].X, s[0].Y); err != nil {
			return err
		}
		for _, pt := range s[1:] {
			if err := p.MoveTo(pt.X, pt.Y); err != nil {
				return err
			}
		}
		if err := p.End(); err != nil {
			return err
		}
	}
	return nil
}

// Render flattens the strokes onto a white RGBA surface. Each stroke is
// one round-capped, round-joined path.
func (p *SignaturePad) Render() *image.RGBA {
	dc := gg.NewContext(p.width, p.height)
	dc.SetColor(color.White)
	dc.Clear()
	dc.SetColor(color.Black)
	dc.SetLineWidth(strokeWidth)
	dc.SetLineCapRound()
	dc.SetLineJoinRound()
	for _, s := range p.strokes {
		if len(s) == 1 {
			dc.DrawCircle(s[0].X, s[0].Y, strokeWidth/2)
			dc.Fill()
			continue
		}
		dc.MoveTo(s[0].X, s[0].Y)
		for _, pt := range s[1:] {
			dc.LineTo(pt.X, pt.Y)
		}
		dc.Stroke()
	}
	return dc.Image().(*image.RGBA)
}

// PNG encodes the rendered signature.
func (p *SignaturePad) PNG() ([]byte, error) {
	if p.state == PadEmpty {
		return nil, ErrEmptyPad
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, p.Render()); err != nil {
		return nil, fmt.Errorf("encode signature: %w", err)
	}
	return buf.Bytes(), nil
}

// DataURL returns the PNG as a base64 data URL.
func (p *SignaturePad) DataURL() (string, error) {
	b, err := p.PNG()
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(b), nil
}

func (p *SignaturePad) inside(x, y float64) bool {
	return x >= 0 && y >= 0 && x < float64(p.width) && y < float64(p.height)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
