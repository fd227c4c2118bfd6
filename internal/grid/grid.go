package grid

import (
	"bytes"
	"diffuser-backend/internal/core/types"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"math"
)

// Layout returns the near-square grid used for n images.
func Layout(n int) (rows, cols int) {
	if n <= 0 {
		return 0, 0
	}
	cols = int(math.Ceil(math.Sqrt(float64(n))))
	rows = (n + cols - 1) / cols
	return rows, cols
}

// Compositor places images row-major on a near-square grid. Every cell is as
// large as the largest image; smaller images sit in the top-left of their cell.
type Compositor struct{}

func NewCompositor() *Compositor {
	return &Compositor{}
}

func (c *Compositor) ComposeImages(images []image.Image) (image.Image, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: no images to compose", types.ErrCompositionFailed)
	}

	cellW, cellH := 0, 0
	for _, img := range images {
		cellW = max(cellW, img.Bounds().Dx())
		cellH = max(cellH, img.Bounds().Dy())
	}

	rows, cols := Layout(len(images))
	out := image.NewRGBA(image.Rect(0, 0, cols*cellW, rows*cellH))

	for i, img := range images {
		x, y := (i%cols)*cellW, (i/cols)*cellH
		bounds := img.Bounds()
		dst := image.Rect(x, y, x+bounds.Dx(), y+bounds.Dy())
		draw.Draw(out, dst, img, bounds.Min, draw.Src)
	}

	return out, nil
}

// Compose decodes PNG images, composes them and encodes the grid as PNG.
func (c *Compositor) Compose(images [][]byte) ([]byte, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: no images to compose", types.ErrCompositionFailed)
	}

	decoded := make([]image.Image, 0, len(images))
	for i, data := range images {
		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: error decoding image %d: %w", types.ErrCompositionFailed, i, err)
		}
		decoded = append(decoded, img)
	}

	grid, err := c.ComposeImages(decoded)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, grid); err != nil {
		return nil, fmt.Errorf("%w: error encoding grid: %w", types.ErrCompositionFailed, err)
	}
	return buf.Bytes(), nil
}
