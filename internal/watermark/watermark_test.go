package watermark

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestApplyPreservesBounds(t *testing.T) {
	src := solid(640, 480, color.RGBA{R: 30, G: 30, B: 30, A: 255})
	out, err := Apply(src, Style{Text: "mediawall"})
	require.NoError(t, err)
	assert.Equal(t, 640, out.Bounds().Dx())
	assert.Equal(t, 480, out.Bounds().Dy())
}

func TestApplyMarksPixels(t *testing.T) {
	src := solid(400, 300, color.RGBA{A: 255})
	out, err := Apply(src, Style{Text: "mediawall", Opacity: 0.5})
	require.NoError(t, err)

	changed := 0
	for y := 0; y < 300; y++ {
		for x := 0; x < 400; x++ {
			if out.RGBAAt(x, y) != src.RGBAAt(x, y) {
				changed++
			}
		}
	}
	assert.Greater(t, changed, 100, "the mark should touch a visible number of pixels")
}

func TestApplyDeterministic(t *testing.T) {
	src := solid(200, 200, color.RGBA{R: 10, G: 120, B: 200, A: 255})
	st := Style{Text: "sample", Opacity: 0.3, AngleDeg: -45, GapPx: 80}

	a, err := Apply(src, st)
	require.NoError(t, err)
	b, err := Apply(src, st)
	require.NoError(t, err)
	assert.Equal(t, a.Pix, b.Pix)
}

func TestApplyEmptyStyleIsCopy(t *testing.T) {
	src := solid(64, 64, color.RGBA{R: 200, A: 255})
	out, err := Apply(src, Style{})
	require.NoError(t, err)
	assert.Equal(t, src.Pix, out.Pix)
}

func TestApplyOpacityClamp(t *testing.T) {
	src := solid(64, 64, color.RGBA{A: 255})

	// negative opacity disables the mark entirely
	out, err := Apply(src, Style{Text: "x", Opacity: -3})
	require.NoError(t, err)
	assert.Equal(t, src.Pix, out.Pix)

	// >1 clamps instead of overflowing
	_, err = Apply(src, Style{Text: "x", Opacity: 42})
	require.NoError(t, err)
}

func TestApplyTinyImage(t *testing.T) {
	src := solid(8, 8, color.RGBA{A: 255})
	out, err := Apply(src, Style{Text: "watermark text much wider than the image"})
	require.NoError(t, err)
	assert.Equal(t, 8, out.Bounds().Dx())
	assert.Equal(t, 8, out.Bounds().Dy())
}

func TestApplyLogoOnly(t *testing.T) {
	logo := solid(32, 32, color.RGBA{R: 255, G: 255, B: 255, A: 255})
	src := solid(256, 256, color.RGBA{A: 255})
	out, err := Apply(src, Style{Logo: logo, Opacity: 0.9})
	require.NoError(t, err)

	changed := 0
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			if out.RGBAAt(x, y) != src.RGBAAt(x, y) {
				changed++
			}
		}
	}
	assert.Greater(t, changed, 50)
}

func TestRotateBoundsGrow(t *testing.T) {
	tile := solid(100, 20, color.RGBA{R: 255, A: 255})
	rot := rotate(tile, -30)
	assert.Greater(t, rot.Bounds().Dy(), 20)
	assert.GreaterOrEqual(t, rot.Bounds().Dx(), 87) // 100cos30
}
