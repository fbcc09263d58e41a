package artifacts

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"

	"github.com/ahrav/go-blocking/internal/domain"
)

const (
	frameWidth   = 4
	scoreBarSize = 8
)

var (
	thirdsColor = color.NRGBA{R: 255, G: 255, B: 255, A: 160}
	barTrack    = color.NRGBA{R: 0, G: 0, B: 0, A: 140}

	decisionColors = map[domain.CheckpointStatus]color.NRGBA{
		domain.StatusAccepted:          {R: 40, G: 180, B: 60, A: 255},
		domain.StatusReverted:          {R: 210, G: 50, B: 40, A: 255},
		domain.StatusRevertedUnchanged: {R: 128, G: 128, B: 128, A: 255},
	}
)

// Annotate returns a PNG copy of img with rule-of-thirds guides, a frame
// coloured by the checkpoint decision and a score bar along the top edge.
// PNG and JPEG inputs are supported.
func Annotate(img domain.Image, score int, decision domain.CheckpointStatus) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return nil, fmt.Errorf("decode capture: %w", err)
	}

	b := src.Bounds()
	if b.Dx() < 3*frameWidth || b.Dy() < 3*frameWidth+scoreBarSize {
		return nil, fmt.Errorf("capture too small to annotate: %dx%d", b.Dx(), b.Dy())
	}

	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)

	drawThirds(dst)
	drawFrame(dst, frameColor(decision))
	drawScoreBar(dst, score)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode annotated capture: %w", err)
	}
	return buf.Bytes(), nil
}

func frameColor(decision domain.CheckpointStatus) color.NRGBA {
	if c, ok := decisionColors[decision]; ok {
		return c
	}
	return decisionColors[domain.StatusRevertedUnchanged]
}

// drawThirds blends one-pixel guides at the thirds of each axis.
func drawThirds(dst *image.RGBA) {
	b := dst.Bounds()
	guide := image.NewUniform(thirdsColor)
	for i := 1; i <= 2; i++ {
		x := b.Min.X + b.Dx()*i/3
		y := b.Min.Y + b.Dy()*i/3
		draw.Draw(dst, image.Rect(x, b.Min.Y, x+1, b.Max.Y), guide, image.Point{}, draw.Over)
		draw.Draw(dst, image.Rect(b.Min.X, y, b.Max.X, y+1), guide, image.Point{}, draw.Over)
	}
}

func drawFrame(dst *image.RGBA, c color.NRGBA) {
	b := dst.Bounds()
	fill := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(b.Min.X, b.Min.Y, b.Max.X, b.Min.Y+frameWidth),
		image.Rect(b.Min.X, b.Max.Y-frameWidth, b.Max.X, b.Max.Y),
		image.Rect(b.Min.X, b.Min.Y, b.Min.X+frameWidth, b.Max.Y),
		image.Rect(b.Max.X-frameWidth, b.Min.Y, b.Max.X, b.Max.Y),
	}
	for _, r := range edges {
		draw.Draw(dst, r, fill, image.Point{}, draw.Src)
	}
}

// drawScoreBar fills a bar inside the top frame edge in proportion to score.
func drawScoreBar(dst *image.RGBA, score int) {
	score = max(0, min(100, score))
	b := dst.Bounds().Inset(frameWidth)
	track := image.Rect(b.Min.X, b.Min.Y, b.Max.X, b.Min.Y+scoreBarSize)
	draw.Draw(dst, track, image.NewUniform(barTrack), image.Point{}, draw.Over)

	width := track.Dx() * score / 100
	if width == 0 {
		return
	}
	filled := image.Rect(track.Min.X, track.Min.Y, track.Min.X+width, track.Max.Y)
	draw.Draw(dst, filled, image.NewUniform(scoreColor(score)), image.Point{}, draw.Src)
}

// scoreColor runs from red at 0 to green at 100.
func scoreColor(score int) color.NRGBA {
	return color.NRGBA{
		R: uint8(255 * (100 - score) / 100),
		G: uint8(255 * score / 100),
		B: 40,
		A: 255,
	}
}
