// Package memviz draws debug pictures of the memory subsystem: frame
// occupancy of the page allocator and the slot map of an L1 table.
package memviz

import (
	"encoding/binary"
	"image"
	"image/color"
	"io"

	gg "github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"

	"github.com/Code-Allergy/kernel-project-sub000/internal/mm"
)

var (
	ColorBackground = color.RGBA{0x10, 0x10, 0x18, 0xFF}
	ColorFree       = color.RGBA{0x2E, 0xA0, 0x43, 0xFF}
	ColorUsed       = color.RGBA{0xD0, 0x3A, 0x2F, 0xFF}
	ColorReserved   = color.RGBA{0x70, 0x70, 0x78, 0xFF}

	ColorFault   = color.RGBA{0x20, 0x20, 0x28, 0xFF}
	ColorSection = color.RGBA{0x36, 0x6F, 0xD0, 0xFF}
	ColorPrivate = color.RGBA{0x2E, 0xA0, 0x43, 0xFF}
	ColorShared  = color.RGBA{0xE0, 0x8A, 0x1E, 0xFF}
	ColorSplit   = color.RGBA{0xFF, 0xFF, 0xFF, 0xFF}
)

// Canvas is a finished picture.
type Canvas struct {
	dc *gg.Context
}

func (c *Canvas) Image() image.Image { return c.dc.Image() }

// Label writes text in the top left corner on a dark band.
func (c *Canvas) Label(text string) {
	face := basicfont.Face7x13
	c.dc.SetFontFace(face)
	w, _ := c.dc.MeasureString(text)
	c.dc.SetColor(color.RGBA{0, 0, 0, 0xC0})
	c.dc.DrawRectangle(0, 0, w+6, float64(face.Height)+4)
	c.dc.Fill()
	c.dc.SetColor(ColorSplit)
	c.dc.DrawString(text, 3, float64(face.Ascent)+2)
}

func (c *Canvas) EncodePNG(w io.Writer) error { return c.dc.EncodePNG(w) }

func (c *Canvas) SavePNG(path string) error { return c.dc.SavePNG(path) }

// EncodeRaw writes the picture in the boot framebuffer format: width and
// height as little-endian uint32, then one ARGB8888 word per pixel.
func (c *Canvas) EncodeRaw(w io.Writer) error {
	img := c.dc.Image()
	b := img.Bounds()
	hdr := [2]uint32{uint32(b.Dx()), uint32(b.Dy())}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return err
	}
	row := make([]uint32, b.Dx())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			px := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			row[x-b.Min.X] = uint32(px.A)<<24 | uint32(px.R)<<16 | uint32(px.G)<<8 | uint32(px.B)
		}
		if err := binary.Write(w, binary.LittleEndian, row); err != nil {
			return err
		}
	}
	return nil
}

func stateColor(s mm.FrameState) color.Color {
	switch s {
	case mm.FrameFree:
		return ColorFree
	case mm.FrameUsed:
		return ColorUsed
	}
	return ColorReserved
}

// Frames draws one cell per frame, cols frames to a row, lowest address
// top left. Runs of equal state in a row become one rectangle.
func Frames(p *mm.PageAllocator, cols, cell int) *Canvas {
	if cols <= 0 {
		cols = 256
	}
	if cell <= 0 {
		cell = 2
	}
	_, size := p.Range()
	n := int(size / mm.PageSize)
	rows := max((n+cols-1)/cols, 1)

	dc := gg.NewContext(cols*cell, rows*cell)
	dc.SetColor(ColorBackground)
	dc.Clear()

	i := 0
	runStart, runState := 0, mm.FrameState(0)
	flush := func(end int) {
		if end <= runStart {
			return
		}
		y := runStart / cols
		dc.SetColor(stateColor(runState))
		dc.DrawRectangle(float64(runStart%cols*cell), float64(y*cell), float64((end-runStart)*cell), float64(cell))
		dc.Fill()
	}
	p.ForEachFrame(func(_ mm.PhysAddr, s mm.FrameState) {
		if i%cols == 0 || s != runState {
			flush(i)
			runStart, runState = i, s
		}
		i++
	})
	flush(i)
	return &Canvas{dc: dc}
}

func kindColor(k mm.L1Kind) color.Color {
	switch k {
	case mm.L1Section:
		return ColorSection
	case mm.L1PrivateTable:
		return ColorPrivate
	case mm.L1SharedTable:
		return ColorShared
	}
	return ColorFault
}

// L1 draws the 4096 slots of t (nil for the kernel table) as a 64x64 grid,
// one megabyte per cell, with a line where TTBR1 takes over.
func L1(tables *mm.PageTableManager, t *mm.Table, cell int) *Canvas {
	if cell <= 0 {
		cell = 8
	}
	const side = 64
	dc := gg.NewContext(side*cell, side*cell)
	dc.SetColor(ColorBackground)
	dc.Clear()

	for idx := 0; idx < mm.L1Entries; idx++ {
		dc.SetColor(kindColor(tables.SlotKind(t, uint32(idx))))
		dc.DrawRectangle(float64(idx%side*cell), float64(idx/side*cell), float64(cell), float64(cell))
		dc.Fill()
	}

	if tables.Strategy() == mm.StrategySplit {
		y := float64(tables.UserTop() >> mm.SectionShift / side * uint64(cell))
		dc.SetColor(ColorSplit)
		dc.SetLineWidth(1)
		dc.DrawLine(0, y, float64(side*cell), y)
		dc.Stroke()
	}
	return &Canvas{dc: dc}
}
