// Package plot renders scan curves to PNG with plain raster
// primitives: a white RGBA canvas, filled rectangles, Bresenham lines and a
// 7x13 bitmap face for labels.  It knows nothing about axions; the driver
// hands it x/y series and gets an image back.
package plot

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Palette is the series colour cycle, vacuum first by driver convention.
var Palette = []color.RGBA{
	{R: 31, G: 119, B: 180, A: 255},
	{R: 214, G: 39, B: 40, A: 255},
	{R: 44, G: 160, B: 44, A: 255},
	{R: 255, G: 127, B: 14, A: 255},
	{R: 148, G: 103, B: 189, A: 255},
}

// Point is one plotted sample; Err draws a vertical error bar when the line
// asks for bars.
type Point struct {
	X   float64
	Y   float64
	Err float64
}

// Line is one labelled series.
type Line struct {
	Label     string
	Color     color.RGBA
	Points    []Point
	ErrorBars bool
}

// Curves describes a complete figure.  Width and Height default to 900x600.
// With LogY set, points at or below zero are left out of the figure since
// they have no place on a log axis.
type Curves struct {
	Title  string
	XLabel string
	YLabel string
	LogY   bool
	Width  int
	Height int
	Series []Line
}

const (
	marginLeft   = 80
	marginRight  = 30
	marginTop    = 42
	marginBottom = 58
)

var (
	white     = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	black     = color.RGBA{A: 255}
	gridGray  = color.RGBA{R: 225, G: 225, B: 225, A: 255}
	labelGray = color.RGBA{R: 60, G: 60, B: 60, A: 255}
)

// Render draws the figure.  It fails when no series carries a drawable
// point, which on a log axis includes curves that never rise above zero.
func Render(c Curves) (*image.RGBA, error) {
	w, h := c.Width, c.Height
	if w <= 0 {
		w = 900
	}
	if h <= 0 {
		h = 600
	}
	xMin, xMax, yMin, yMax, any := dataRange(c)
	if !any {
		return nil, fmt.Errorf("plot %q: no drawable points", c.Title)
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{white}, image.Point{}, draw.Src)

	px0, py0 := marginLeft, h-marginBottom // axes origin, bottom-left
	px1, py1 := w-marginRight, marginTop
	toX := func(x float64) int {
		return px0 + int(float64(px1-px0)*(x-xMin)/(xMax-xMin)+0.5)
	}
	toY := func(y float64) int {
		v := y
		lo, hi := yMin, yMax
		if c.LogY {
			v, lo, hi = math.Log10(y), math.Log10(yMin), math.Log10(yMax)
		}
		return py0 - int(float64(py0-py1)*(v-lo)/(hi-lo)+0.5)
	}

	// Grid and ticks before data, so curves draw over them.
	for _, t := range ticks(xMin, xMax) {
		x := toX(t)
		vline(img, x, py1, py0, gridGray)
		s := fmt.Sprintf("%.3g", t)
		drawString(img, x-stringWidth(s)/2, py0+16, s, labelGray)
	}
	for _, t := range yTicks(c.LogY, yMin, yMax) {
		y := toY(t)
		hline(img, px0, px1, y, gridGray)
		s := fmt.Sprintf("%.3g", t)
		drawString(img, px0-6-stringWidth(s), y+4, s, labelGray)
	}
	rect(img, px0, py1, px1, py0, black)

	for i, ln := range c.Series {
		col := ln.Color
		if col == (color.RGBA{}) {
			col = Palette[i%len(Palette)]
		}
		drawSeries(img, ln, col, c.LogY, toX, toY, py0, py1)
	}

	drawString(img, (px0+px1)/2-stringWidth(c.Title)/2, marginTop-14, c.Title, black)
	drawString(img, (px0+px1)/2-stringWidth(c.XLabel)/2, h-14, c.XLabel, black)
	drawString(img, 8, marginTop-14, c.YLabel, black)
	drawLegend(img, c, px1, py1)
	return img, nil
}

func dataRange(c Curves) (xMin, xMax, yMin, yMax float64, any bool) {
	xMin, yMin = math.Inf(1), math.Inf(1)
	xMax, yMax = math.Inf(-1), math.Inf(-1)
	for _, ln := range c.Series {
		for _, p := range ln.Points {
			if c.LogY && p.Y <= 0 {
				continue
			}
			xMin, xMax = math.Min(xMin, p.X), math.Max(xMax, p.X)
			yMin, yMax = math.Min(yMin, p.Y), math.Max(yMax, p.Y)
			any = true
		}
	}
	if !any {
		return
	}
	if xMax == xMin {
		xMin, xMax = xMin-1, xMax+1
	}
	if c.LogY {
		yMin = math.Pow(10, math.Floor(math.Log10(yMin)+1e-9))
		yMax = math.Pow(10, math.Ceil(math.Log10(yMax)-1e-9))
		if yMax == yMin {
			yMax = yMin * 10
		}
		return
	}
	if yMin > 0 {
		yMin = 0
	}
	if yMax == yMin {
		yMax = yMin + 1
	}
	yMax += (yMax - yMin) * 0.05
	return
}

func drawSeries(img *image.RGBA, ln Line, col color.RGBA, logY bool, toX func(float64) int, toY func(float64) int, py0, py1 int) {
	lastX, lastY, havePrev := 0, 0, false
	for _, p := range ln.Points {
		if logY && p.Y <= 0 {
			havePrev = false
			continue
		}
		x, y := toX(p.X), toY(p.Y)
		if havePrev {
			line(img, lastX, lastY, x, y, col)
		}
		fillRect(img, x-1, y-1, 3, 3, col)
		if ln.ErrorBars && p.Err > 0 {
			yHi := clamp(toY(p.Y+p.Err), py1, py0)
			yLo := py0
			if lo := p.Y - p.Err; !logY || lo > 0 {
				yLo = clamp(toY(lo), py1, py0)
			}
			vline(img, x, yHi, yLo, col)
			hline(img, x-2, x+2, yHi, col)
			hline(img, x-2, x+2, yLo, col)
		}
		lastX, lastY, havePrev = x, y, true
	}
}

func drawLegend(img *image.RGBA, c Curves, px1, py1 int) {
	y := py1 + 14
	for i, ln := range c.Series {
		if ln.Label == "" {
			continue
		}
		col := ln.Color
		if col == (color.RGBA{}) {
			col = Palette[i%len(Palette)]
		}
		x := px1 - 24 - stringWidth(ln.Label)
		fillRect(img, x-18, y-7, 14, 8, col)
		drawString(img, x, y, ln.Label, black)
		y += 16
	}
}

// ticks picks round numbers covering [min, max] with about five divisions.
func ticks(min, max float64) []float64 {
	step := niceStep(max - min)
	var ts []float64
	for t := math.Ceil(min/step) * step; t <= max+step/1e6; t += step {
		ts = append(ts, t)
	}
	return ts
}

func yTicks(logY bool, min, max float64) []float64 {
	if !logY {
		return ticks(min, max)
	}
	// Log10 is off by one ulp at exact powers of ten; nudge before
	// rounding so a 1e-6 floor stays at -6 instead of sliding to -7.
	lo := int(math.Floor(math.Log10(min) + 1e-9))
	hi := int(math.Ceil(math.Log10(max) - 1e-9))
	skip := 1
	if hi-lo > 8 {
		skip = 2
	}
	var ts []float64
	for d := lo; d <= hi; d += skip {
		ts = append(ts, math.Pow(10, float64(d)))
	}
	return ts
}

// niceStep rounds span/5 up to the next 1, 2 or 5 times a power of ten.
func niceStep(span float64) float64 {
	if span <= 0 || math.IsNaN(span) || math.IsInf(span, 0) {
		return 1
	}
	raw := span / 5
	mag := math.Pow(10, math.Floor(math.Log10(raw)))
	for _, m := range []float64{1, 2, 5, 10} {
		if raw <= m*mag+mag*1e-12 {
			return m * mag
		}
	}
	return 10 * mag
}

// WritePNG encodes the image to path, creating parent directories as
// needed.
func WritePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("plot: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("plot: %w", err)
	}
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("plot: encode %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("plot: close %s: %w", path, err)
	}
	return nil
}

// Raster primitives in the style of the rest of the tooling: set pixels
// straight on the RGBA buffer, clamp at the edges.

func fillRect(img *image.RGBA, x, y, w, h int, col color.Color) {
	for yy := y; yy < y+h; yy++ {
		for xx := x; xx < x+w; xx++ {
			img.Set(xx, yy, col)
		}
	}
}

func rect(img *image.RGBA, x0, y0, x1, y1 int, col color.Color) {
	hline(img, x0, x1, y0, col)
	hline(img, x0, x1, y1, col)
	vline(img, x0, y0, y1, col)
	vline(img, x1, y0, y1, col)
}

func hline(img *image.RGBA, x0, x1, y int, col color.Color) {
	if x1 < x0 {
		x0, x1 = x1, x0
	}
	for x := x0; x <= x1; x++ {
		img.Set(x, y, col)
	}
}

func vline(img *image.RGBA, x, y0, y1 int, col color.Color) {
	if y1 < y0 {
		y0, y1 = y1, y0
	}
	for y := y0; y <= y1; y++ {
		img.Set(x, y, col)
	}
}

// line is the integer Bresenham walk between two pixels.
func line(img *image.RGBA, x0, y0, x1, y1 int, col color.Color) {
	dx := absInt(x1 - x0)
	dy := -absInt(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy
	for {
		img.Set(x0, y0, col)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func drawString(img *image.RGBA, x, y int, s string, col color.Color) {
	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(col),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

func stringWidth(s string) int {
	return font.MeasureString(basicfont.Face7x13, s).Ceil()
}
