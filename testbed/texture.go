package testbed

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// checkerboard builds a size x size RGBA image of cells x cells squares.
func checkerboard(size, cells int, a, b color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	cell := max(size/cells, 1)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			if (x/cell+y/cell)%2 == 0 {
				img.SetRGBA(x, y, a)
			} else {
				img.SetRGBA(x, y, b)
			}
		}
	}
	return img
}

// mipChain returns img followed by every downscaled level down to 1x1.
func mipChain(img *image.RGBA) []*image.RGBA {
	chain := []*image.RGBA{img}
	for {
		prev := chain[len(chain)-1].Bounds()
		if prev.Dx() == 1 && prev.Dy() == 1 {
			return chain
		}
		next := image.NewRGBA(image.Rect(0, 0, max(prev.Dx()/2, 1), max(prev.Dy()/2, 1)))
		draw.CatmullRom.Scale(next, next.Bounds(), chain[len(chain)-1], prev, draw.Src, nil)
		chain = append(chain, next)
	}
}

// packMips concatenates the tightly packed pixels of every level and returns
// the offset of each level.
func packMips(chain []*image.RGBA) ([]byte, []uint64) {
	var data []byte
	offsets := make([]uint64, len(chain))
	for i, m := range chain {
		offsets[i] = uint64(len(data))
		b := m.Bounds()
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := m.Pix[m.PixOffset(b.Min.X, y):m.PixOffset(b.Max.X, y)]
			data = append(data, row...)
		}
	}
	return data, offsets
}
