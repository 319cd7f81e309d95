// Package watermark composites a tiled, rotated mark over a bitmap. The same
// geometry is drawn client side on a canvas; this renderer backs ?wm=1
// downloads so files leaving the server carry the mark too.
package watermark

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"sync"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/f64"
	"golang.org/x/image/math/fixed"
)

// Style controls the mark. Zero values get defaults from withDefaults.
type Style struct {
	Text     string
	Opacity  float64 // 0..1, clamped
	AngleDeg float64 // rotation of each stamp, counter-clockwise
	GapPx    int     // spacing between stamps
	FontSize float64 // points at 72 DPI
	Logo     image.Image
}

const (
	defaultOpacity  = 0.18
	defaultAngleDeg = -30
	defaultGapPx    = 160
	defaultFontSize = 28
)

func (s Style) withDefaults() Style {
	if s.Opacity == 0 {
		s.Opacity = defaultOpacity
	}
	if s.Opacity < 0 {
		s.Opacity = 0
	}
	if s.Opacity > 1 {
		s.Opacity = 1
	}
	if s.AngleDeg == 0 {
		s.AngleDeg = defaultAngleDeg
	}
	if s.GapPx <= 0 {
		s.GapPx = defaultGapPx
	}
	if s.FontSize <= 0 {
		s.FontSize = defaultFontSize
	}
	return s
}

var (
	fontOnce sync.Once
	fontSFNT *opentype.Font
	fontErr  error
)

func regularFont() (*opentype.Font, error) {
	fontOnce.Do(func() {
		fontSFNT, fontErr = opentype.Parse(goregular.TTF)
	})
	return fontSFNT, fontErr
}

// Apply returns a copy of src with the mark tiled across it. The output
// bounds equal the input bounds. Same input and style, same output.
func Apply(src image.Image, s Style) (*image.RGBA, error) {
	s = s.withDefaults()
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)

	if s.Opacity == 0 || (s.Text == "" && s.Logo == nil) {
		return dst, nil
	}

	stamp, err := renderStamp(s)
	if err != nil {
		return nil, err
	}
	if stamp.Bounds().Empty() {
		return dst, nil
	}

	// Stagger alternate rows by half a gap so marks cover seams. Spacing is
	// stamp size + gap; a tiny image still gets at least one stamp.
	sw, sh := stamp.Bounds().Dx(), stamp.Bounds().Dy()
	stepX, stepY := sw+s.GapPx, sh+s.GapPx
	row := 0
	for y := -sh; y < dst.Bounds().Dy(); y += stepY {
		offX := 0
		if row%2 == 1 {
			offX = -stepX / 2
		}
		for x := -sw + offX; x < dst.Bounds().Dx(); x += stepX {
			r := stamp.Bounds().Add(image.Pt(x, y))
			draw.Draw(dst, r, stamp, stamp.Bounds().Min, draw.Over)
		}
		row++
	}
	return dst, nil
}

// renderStamp draws the text (and logo) into a flat tile, then rotates the
// tile by AngleDeg into the stamp used for tiling.
func renderStamp(s Style) (*image.RGBA, error) {
	alpha := uint8(math.Round(s.Opacity * 255))
	ink := color.NRGBA{R: 255, G: 255, B: 255, A: alpha}

	var face font.Face
	var textW, textH int
	if s.Text != "" {
		f, err := regularFont()
		if err != nil {
			return nil, err
		}
		face, err = opentype.NewFace(f, &opentype.FaceOptions{
			Size:    s.FontSize,
			DPI:     72,
			Hinting: font.HintingFull,
		})
		if err != nil {
			return nil, err
		}
		defer face.Close()
		adv := font.MeasureString(face, s.Text)
		m := face.Metrics()
		textW = adv.Ceil()
		textH = (m.Ascent + m.Descent).Ceil()
	}

	logoW, logoH := 0, 0
	if s.Logo != nil {
		lb := s.Logo.Bounds()
		logoW, logoH = lb.Dx(), lb.Dy()
		// Cap the logo at twice the text height (or 64px without text).
		maxH := 64
		if textH > 0 {
			maxH = textH * 2
		}
		if logoH > maxH {
			logoW = logoW * maxH / logoH
			logoH = maxH
		}
	}

	w := textW
	if logoW > w {
		w = logoW
	}
	h := textH + logoH
	if w == 0 || h == 0 {
		return image.NewRGBA(image.Rectangle{}), nil
	}

	tile := image.NewRGBA(image.Rect(0, 0, w, h))
	if s.Logo != nil {
		r := image.Rect((w-logoW)/2, 0, (w-logoW)/2+logoW, logoH)
		faded := image.NewUniform(color.Alpha{A: alpha})
		scaled := image.NewRGBA(image.Rect(0, 0, logoW, logoH))
		xdraw.CatmullRom.Scale(scaled, scaled.Bounds(), s.Logo, s.Logo.Bounds(), draw.Src, nil)
		draw.DrawMask(tile, r, scaled, image.Point{}, faded, image.Point{}, draw.Over)
	}
	if s.Text != "" {
		m := face.Metrics()
		d := &font.Drawer{
			Dst:  tile,
			Src:  image.NewUniform(ink),
			Face: face,
			Dot:  fixed.P((w-textW)/2, logoH+m.Ascent.Ceil()),
		}
		d.DrawString(s.Text)
	}

	return rotate(tile, s.AngleDeg), nil
}

// rotate returns img rotated by deg around its center, in a bounding box
// that fits the rotated content.
func rotate(img *image.RGBA, deg float64) *image.RGBA {
	if deg == 0 {
		return img
	}
	rad := deg * math.Pi / 180
	sin, cos := math.Sincos(rad)
	w := float64(img.Bounds().Dx())
	h := float64(img.Bounds().Dy())
	nw := math.Abs(w*cos) + math.Abs(h*sin)
	nh := math.Abs(w*sin) + math.Abs(h*cos)

	dst := image.NewRGBA(image.Rect(0, 0, int(math.Ceil(nw)), int(math.Ceil(nh))))
	// Map src around its center onto the dst center.
	cx, cy := w/2, h/2
	ncx, ncy := nw/2, nh/2
	aff := f64.Aff3{
		cos, -sin, ncx - cx*cos + cy*sin,
		sin, cos, ncy - cx*sin - cy*cos,
	}
	xdraw.BiLinear.Transform(dst, aff, img, img.Bounds(), draw.Over, nil)
	return dst
}
