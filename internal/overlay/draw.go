package overlay

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"
)

const (
	panelPadding = 6
	lineHeight   = 15
)

var (
	panelBackground = color.RGBA{A: 160}
	textColor       = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// toPixel maps normalized coordinates onto dst.
func toPixel(dst *image.RGBA, x, y float64) image.Point {
	b := dst.Bounds()
	return image.Point{
		X: b.Min.X + int(x*float64(b.Dx())),
		Y: b.Min.Y + int(y*float64(b.Dy())),
	}
}

// circleKappa places cubic control points for a quarter-circle arc.
const circleKappa = 0.5522848

// fillPath rasterizes the closed path traced into z, clipped to box, and
// composites c through it. trace receives the offset of box so it can
// work in dst coordinates.
func fillPath(dst *image.RGBA, box image.Rectangle, c color.RGBA, trace func(z *vector.Rasterizer, ox, oy float32)) {
	box = box.Intersect(dst.Bounds())
	if box.Empty() {
		return
	}
	z := vector.NewRasterizer(box.Dx(), box.Dy())
	trace(z, float32(box.Min.X), float32(box.Min.Y))
	z.Draw(dst, box, image.NewUniform(c), image.Point{})
}

// fillCircle draws an anti-aliased disc of radius r centred on pixel p.
func fillCircle(dst *image.RGBA, p image.Point, r int, c color.RGBA) {
	if r <= 0 {
		fillRect(dst, image.Rect(p.X, p.Y, p.X+1, p.Y+1), c)
		return
	}
	box := image.Rect(p.X-r, p.Y-r, p.X+r+1, p.Y+r+1)
	fillPath(dst, box, c, func(z *vector.Rasterizer, ox, oy float32) {
		cx, cy := float32(p.X)+0.5-ox, float32(p.Y)+0.5-oy
		rf := float32(r)
		k := rf * circleKappa
		z.MoveTo(cx+rf, cy)
		z.CubeTo(cx+rf, cy+k, cx+k, cy+rf, cx, cy+rf)
		z.CubeTo(cx-k, cy+rf, cx-rf, cy+k, cx-rf, cy)
		z.CubeTo(cx-rf, cy-k, cx-k, cy-rf, cx, cy-rf)
		z.CubeTo(cx+k, cy-rf, cx+rf, cy-k, cx+rf, cy)
		z.ClosePath()
	})
}

// drawLine draws an anti-aliased segment of the given thickness between
// the centres of pixels a and b.
func drawLine(dst *image.RGBA, a, b image.Point, thickness int, c color.RGBA) {
	thickness = max(thickness, 1)
	if a == b {
		fillCircle(dst, a, thickness/2, c)
		return
	}
	dx, dy := float64(b.X-a.X), float64(b.Y-a.Y)
	half := float64(thickness) / 2
	l := math.Hypot(dx, dy)
	nx, ny := float32(-dy/l*half), float32(dx/l*half)

	pad := thickness/2 + 1
	box := image.Rect(min(a.X, b.X)-pad, min(a.Y, b.Y)-pad, max(a.X, b.X)+pad+1, max(a.Y, b.Y)+pad+1)
	fillPath(dst, box, c, func(z *vector.Rasterizer, ox, oy float32) {
		ax, ay := float32(a.X)+0.5-ox, float32(a.Y)+0.5-oy
		bx, by := float32(b.X)+0.5-ox, float32(b.Y)+0.5-oy
		z.MoveTo(ax+nx, ay+ny)
		z.LineTo(bx+nx, by+ny)
		z.LineTo(bx-nx, by-ny)
		z.LineTo(ax-nx, ay-ny)
		z.ClosePath()
	})
}

// fillRect alpha-blends c over r.
func fillRect(dst *image.RGBA, r image.Rectangle, c color.RGBA) {
	draw.Draw(dst, r.Intersect(dst.Bounds()), image.NewUniform(c), image.Point{}, draw.Over)
}

// drawText renders s with its baseline at p.
func drawText(dst *image.RGBA, p image.Point, s string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(p.X), Y: fixed.I(p.Y)},
	}
	d.DrawString(s)
}

func textWidth(s string) int {
	return font.MeasureString(basicfont.Face7x13, s).Ceil()
}

// drawPanel draws lines of text on a translucent box anchored at the
// top-left corner of dst.
func drawPanel(dst *image.RGBA, lines []string) {
	drawPanelAt(dst, dst.Bounds().Min.Add(image.Point{X: panelPadding, Y: panelPadding}), lines)
}

// drawStatus draws a single-line status bar along the bottom of dst.
func drawStatus(dst *image.RGBA, status string) {
	b := dst.Bounds()
	origin := image.Point{X: b.Min.X + panelPadding, Y: b.Max.Y - lineHeight - 2*panelPadding}
	drawPanelAt(dst, origin, []string{status})
}

func drawPanelAt(dst *image.RGBA, origin image.Point, lines []string) {
	if len(lines) == 0 {
		return
	}
	w := 0
	for _, l := range lines {
		w = max(w, textWidth(l))
	}
	box := image.Rect(origin.X, origin.Y, origin.X+w+2*panelPadding, origin.Y+len(lines)*lineHeight+panelPadding)
	fillRect(dst, box, panelBackground)
	for i, l := range lines {
		drawText(dst, image.Point{X: origin.X + panelPadding, Y: origin.Y + (i+1)*lineHeight - 2}, l, textColor)
	}
}
