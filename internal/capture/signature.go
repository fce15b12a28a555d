package capture

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"

	"fleetinspect/internal/domain"
)

const (
	DefaultPadWidth  = 600
	DefaultPadHeight = 200
	DefaultPenWidth  = 2.0
)

var ErrEmptySignature = errors.New("signature is empty")

// Pad records pointer strokes. It is not safe for concurrent use.
type Pad struct {
	Width    int
	Height   int
	PenWidth float64
	Ink      color.Color

	strokes []domain.Stroke
	current []domain.Point
}

func NewPad(width, height int) *Pad {
	if width <= 0 {
		width = DefaultPadWidth
	}
	if height <= 0 {
		height = DefaultPadHeight
	}
	return &Pad{Width: width, Height: height, PenWidth: DefaultPenWidth, Ink: color.Black}
}

// Begin starts a stroke. An unfinished stroke is closed first.
func (p *Pad) Begin(x, y float64) {
	if p.current != nil {
		p.End()
	}
	p.current = []domain.Point{{X: x, Y: y, Kind: domain.PointStart}}
}

// Move extends the stroke in progress. Outside a stroke it does nothing.
func (p *Pad) Move(x, y float64) {
	if p.current == nil {
		return
	}
	p.current = append(p.current, domain.Point{X: x, Y: y, Kind: domain.PointMove})
}

func (p *Pad) End() {
	if p.current == nil {
		return
	}
	last := p.current[len(p.current)-1]
	p.current = append(p.current, domain.Point{X: last.X, Y: last.Y, Kind: domain.PointEnd})
	p.strokes = append(p.strokes, domain.Stroke{Points: p.current})
	p.current = nil
}

// Undo drops the last finished stroke and reports whether one was removed.
func (p *Pad) Undo() bool {
	if len(p.strokes) == 0 {
		return false
	}
	p.strokes = p.strokes[:len(p.strokes)-1]
	return true
}

func (p *Pad) Clear() {
	p.strokes = nil
	p.current = nil
}

func (p *Pad) IsEmpty() bool { return len(p.strokes) == 0 }

// Strokes returns a copy of the finished strokes.
func (p *Pad) Strokes() []domain.Stroke {
	out := make([]domain.Stroke, len(p.strokes))
	for i, st := range p.strokes {
		out[i] = domain.Stroke{Points: append([]domain.Point(nil), st.Points...)}
	}
	return out
}

// Load replaces the pad content with strokes.
func (p *Pad) Load(strokes []domain.Stroke) {
	p.Clear()
	for _, st := range strokes {
		if len(st.Points) == 0 {
			continue
		}
		p.strokes = append(p.strokes, domain.Stroke{Points: append([]domain.Point(nil), st.Points...)})
	}
}

// Artifact renders the pad. It returns nil when nothing was drawn.
func (p *Pad) Artifact() (*domain.Signature, error) {
	if p.IsEmpty() {
		return nil, nil
	}
	strokes := p.Strokes()
	data, err := render(strokes, p.Width, p.Height, p.PenWidth, p.Ink)
	if err != nil {
		return nil, err
	}
	return &domain.Signature{Strokes: strokes, PNG: data, Width: p.Width, Height: p.Height}, nil
}

// RenderSignature draws strokes with the default pen onto a transparent PNG.
// A zero size is derived from the strokes' extent.
func RenderSignature(strokes []domain.Stroke, width, height int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		width, height = extent(strokes)
	}
	return render(strokes, width, height, DefaultPenWidth, color.Black)
}

func extent(strokes []domain.Stroke) (int, int) {
	w, h := 1.0, 1.0
	for _, st := range strokes {
		for _, pt := range st.Points {
			w = math.Max(w, pt.X)
			h = math.Max(h, pt.Y)
		}
	}
	margin := 2 * DefaultPenWidth
	return int(math.Ceil(w + margin)), int(math.Ceil(h + margin))
}

func render(strokes []domain.Stroke, width, height int, pen float64, ink color.Color) ([]byte, error) {
	drawn := false
	for _, st := range strokes {
		if len(st.Points) > 0 {
			drawn = true
			break
		}
	}
	if !drawn {
		return nil, ErrEmptySignature
	}
	if pen <= 0 {
		pen = DefaultPenWidth
	}
	if ink == nil {
		ink = color.Black
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	r := pen / 2
	for _, st := range strokes {
		var prev domain.Point
		for i, pt := range st.Points {
			switch {
			case i == 0 || pt.Kind == domain.PointStart:
				dot(img, pt.X, pt.Y, r, ink)
			case pt.Kind == domain.PointMove:
				segment(img, prev, pt, r, ink)
			}
			prev = pt
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// segment stamps round pen tips along a-b, which gives round caps and joins.
func segment(img *image.NRGBA, a, b domain.Point, r float64, ink color.Color) {
	dist := math.Hypot(b.X-a.X, b.Y-a.Y)
	step := math.Max(r/2, 0.25)
	n := int(math.Ceil(dist / step))
	for i := 0; i <= n; i++ {
		t := 1.0
		if n > 0 {
			t = float64(i) / float64(n)
		}
		dot(img, a.X+(b.X-a.X)*t, a.Y+(b.Y-a.Y)*t, r, ink)
	}
}

func dot(img *image.NRGBA, cx, cy, r float64, ink color.Color) {
	b := img.Bounds()
	x0, x1 := int(math.Floor(cx-r)), int(math.Ceil(cx+r))
	y0, y1 := int(math.Floor(cy-r)), int(math.Ceil(cy+r))
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			if !(image.Point{X: x, Y: y}).In(b) {
				continue
			}
			dx, dy := float64(x)+0.5-cx, float64(y)+0.5-cy
			if dx*dx+dy*dy <= r*r+0.5 {
				img.Set(x, y, ink)
			}
		}
	}
}
