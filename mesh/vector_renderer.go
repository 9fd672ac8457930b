package mesh

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"gonum.org/v1/gonum/spatial/r3"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// nrgbaToRGBA converts color.NRGBA to color.RGBA by premultiplying alpha.
// The canvas library expects premultiplied RGBA.
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	alpha32 := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * alpha32) / 255),
		G: uint8((uint32(c.G) * alpha32) / 255),
		B: uint8((uint32(c.B) * alpha32) / 255),
		A: c.A,
	}
}

// Layer colors
var (
	TargetColor   = color.NRGBA{R: 120, G: 120, B: 120, A: 160}
	SourceColor   = color.NRGBA{R: 40, G: 90, B: 220, A: 200}
	DeformedColor = color.NRGBA{R: 220, G: 40, B: 40, A: 230}
	RejectedColor = color.NRGBA{R: 255, G: 150, B: 0, A: 255}
)

// Ends of the correspondence distance ramp
var (
	nearColor = colorful.Color{R: 0.10, G: 0.60, B: 0.31}
	farColor  = colorful.Color{R: 0.84, G: 0.19, B: 0.15}
)

// DistanceColor maps t in [0,1] onto the near-to-far ramp, blended in L*a*b*.
// t is clamped.
func DistanceColor(t float64) color.NRGBA {
	if math.IsNaN(t) {
		t = 1
	}
	t = math.Max(0, math.Min(1, t))
	r, g, b := nearColor.BlendLab(farColor, t).Clamped().RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: 255}
}

// MeshRenderer draws wireframes of the target, the (rigidly aligned) source
// and the deformed result, projected onto one axis-aligned view
type MeshRenderer struct {
	Target     *Mesh
	Source     *Mesh
	Deformed   *Mesh
	Rejected   []bool    // Per deformed vertex; marked when true
	Distances  []float64 // Per deformed vertex match distance; accepted ones are colored by it
	View       string
	Width      int     // Output pixels
	Height     int     // Output pixels
	Resolution float64 // DPI
	Padding    float64 // Fraction of the smaller page side
	Legend     bool    // Draw layer names on PNG output
}

// NewMeshRenderer creates a renderer with the settings of cfg
func NewMeshRenderer(cfg RenderConfig) *MeshRenderer {
	return &MeshRenderer{
		View:       cfg.View,
		Width:      cfg.Width,
		Height:     cfg.Height,
		Resolution: cfg.Resolution,
		Padding:    0.05,
		Legend:     true,
	}
}

// SetResult fills the deformed layer and rejection markers from a registration result
func (r *MeshRenderer) SetResult(res *Result) {
	r.Deformed = res.Mesh
	r.Rejected = make([]bool, len(res.Correspondences))
	r.Distances = make([]float64, len(res.Correspondences))
	for i, c := range res.Correspondences {
		r.Rejected[i] = c.Weight == 0
		r.Distances[i] = c.Distance
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// Project maps a 3-D point to 2-D view coordinates (y up)
func Project(v r3.Vec, view string) orb.Point {
	switch view {
	case ViewSide:
		return orb.Point{v.Z, v.Y}
	case ViewTop:
		return orb.Point{v.X, -v.Z}
	default:
		return orb.Point{v.X, v.Y}
	}
}

// pageSize returns the page dimensions in millimetres
func (r *MeshRenderer) pageSize() (float64, float64) {
	mmPerPx := 25.4 / r.Resolution
	return float64(r.Width) * mmPerPx, float64(r.Height) * mmPerPx
}

func (r *MeshRenderer) layers() []*Mesh {
	var out []*Mesh
	for _, m := range []*Mesh{r.Target, r.Source, r.Deformed} {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}

// Bounds returns the 2-D bound of all layers in view coordinates
func (r *MeshRenderer) Bounds() (orb.Bound, error) {
	var mp orb.MultiPoint
	for _, m := range r.layers() {
		for _, v := range m.Vertices {
			mp = append(mp, Project(v, r.View))
		}
	}
	if len(mp) == 0 {
		return orb.Bound{}, fmt.Errorf("nothing to render")
	}
	return mp.Bound(), nil
}

// viewTransform returns a function mapping view coordinates onto the page,
// fitting the bound inside the padded page with equal x and y scale
func (r *MeshRenderer) viewTransform(b orb.Bound, pageW, pageH float64) (func(orb.Point) (float64, float64), float64) {
	pad := r.Padding * math.Min(pageW, pageH)
	w, h := b.Max[0]-b.Min[0], b.Max[1]-b.Min[1]
	availW, availH := pageW-2*pad, pageH-2*pad

	scale := math.Inf(1)
	if w > 0 {
		scale = availW / w
	}
	if h > 0 {
		scale = math.Min(scale, availH/h)
	}
	if math.IsInf(scale, 1) {
		scale = 1 // single point
	}

	center := b.Center()
	return func(p orb.Point) (float64, float64) {
		return pageW/2 + (p[0]-center[0])*scale, pageH/2 + (p[1]-center[1])*scale
	}, scale
}

// RenderToSVG writes the wireframe preview as SVG
func (r *MeshRenderer) RenderToSVG(w io.Writer) error {
	b, err := r.Bounds()
	if err != nil {
		return err
	}
	pageW, pageH := r.pageSize()

	svgRenderer := svg.New(w, pageW, pageH, nil)
	r.renderToCanvas(svgRenderer, b, pageW, pageH)
	return svgRenderer.Close()
}

// RenderToPNG writes the wireframe preview as PNG
func (r *MeshRenderer) RenderToPNG(w io.Writer) error {
	b, err := r.Bounds()
	if err != nil {
		return err
	}
	pageW, pageH := r.pageSize()

	rast := rasterizer.New(pageW, pageH, canvas.DPI(r.Resolution), canvas.DefaultColorSpace)
	r.renderToCanvas(rast, b, pageW, pageH)
	if r.Legend {
		r.drawLegend(rast)
	}
	return png.Encode(w, rast)
}

func (r *MeshRenderer) renderToCanvas(renderer canvasRenderer, b orb.Bound, pageW, pageH float64) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(pageW, pageH), bgStyle, canvas.Identity)

	toCanvas, _ := r.viewTransform(b, pageW, pageH)
	lineWidth := 0.002 * math.Min(pageW, pageH)

	layers := []struct {
		mesh  *Mesh
		color color.NRGBA
		width float64
	}{
		{r.Target, TargetColor, lineWidth},
		{r.Source, SourceColor, lineWidth},
		{r.Deformed, DeformedColor, 1.5 * lineWidth},
	}
	for _, l := range layers {
		if l.mesh == nil {
			continue
		}
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: canvas.Transparent}
		style.Stroke = canvas.Paint{Color: nrgbaToRGBA(l.color)}
		style.StrokeWidth = l.width

		// One path per layer keeps the SVG compact
		cp := &canvas.Path{}
		for _, e := range BuildEdges(l.mesh.Faces) {
			x0, y0 := toCanvas(Project(l.mesh.Vertices[e.V0], r.View))
			x1, y1 := toCanvas(Project(l.mesh.Vertices[e.V1], r.View))
			cp.MoveTo(x0, y0)
			cp.LineTo(x1, y1)
		}
		renderer.RenderPath(cp, style, canvas.Identity)
	}

	if r.Deformed != nil && len(r.Distances) == len(r.Deformed.Vertices) && len(r.Rejected) == len(r.Distances) {
		maxDist := 0.0
		for i, d := range r.Distances {
			if !r.Rejected[i] && d > maxDist {
				maxDist = d
			}
		}
		radius := 1.2 * lineWidth
		for i, d := range r.Distances {
			if r.Rejected[i] {
				continue
			}
			t := 0.0
			if maxDist > 0 {
				t = d / maxDist
			}
			dotStyle := canvas.DefaultStyle
			dotStyle.Fill = canvas.Paint{Color: nrgbaToRGBA(DistanceColor(t))}
			dotStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
			cx, cy := toCanvas(Project(r.Deformed.Vertices[i], r.View))
			renderer.RenderPath(canvas.Circle(radius).Translate(cx, cy), dotStyle, canvas.Identity)
		}
	}

	if r.Deformed != nil && len(r.Rejected) == len(r.Deformed.Vertices) {
		markStyle := canvas.DefaultStyle
		markStyle.Fill = canvas.Paint{Color: nrgbaToRGBA(RejectedColor)}
		markStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
		radius := 2 * lineWidth
		for i, rejected := range r.Rejected {
			if !rejected {
				continue
			}
			cx, cy := toCanvas(Project(r.Deformed.Vertices[i], r.View))
			renderer.RenderPath(canvas.Circle(radius).Translate(cx, cy), markStyle, canvas.Identity)
		}
	}
}

// drawLegend writes the layer names in the top-left corner of the raster
func (r *MeshRenderer) drawLegend(img draw.Image) {
	y := 16
	entries := []struct {
		name  string
		mesh  *Mesh
		color color.NRGBA
	}{
		{"target", r.Target, TargetColor},
		{"source", r.Source, SourceColor},
		{"deformed", r.Deformed, DeformedColor},
	}
	for _, e := range entries {
		if e.mesh == nil {
			continue
		}
		c := e.color
		c.A = 255
		drawText(img, 8, y, fmt.Sprintf("%s (%d vertices)", e.name, len(e.mesh.Vertices)), nrgbaToRGBA(c))
		y += 16
	}
	if n := countTrue(r.Rejected); n > 0 {
		drawText(img, 8, y, fmt.Sprintf("rejected: %d", n), nrgbaToRGBA(RejectedColor))
	}
}

func drawText(img draw.Image, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

func countTrue(flags []bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}
