package imageio

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"
)

var labelFont *truetype.Font

func init() {
	var err error
	labelFont, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// palette holds the box colours, indexed by class id modulo its length
var palette = []color.RGBA{
	{0xFF, 0x38, 0x38, 0xFF}, {0xFF, 0x9D, 0x97, 0xFF}, {0xFF, 0x70, 0x1F, 0xFF}, {0xFF, 0xB2, 0x1D, 0xFF},
	{0xCF, 0xD2, 0x31, 0xFF}, {0x48, 0xF9, 0x0A, 0xFF}, {0x92, 0xCC, 0x17, 0xFF}, {0x3D, 0xDB, 0x86, 0xFF},
	{0x1A, 0x93, 0x34, 0xFF}, {0x00, 0xD4, 0xBB, 0xFF}, {0x2C, 0x99, 0xA8, 0xFF}, {0x00, 0xC2, 0xFF, 0xFF},
	{0x34, 0x45, 0x93, 0xFF}, {0x64, 0x73, 0xFF, 0xFF}, {0x00, 0x18, 0xEC, 0xFF}, {0x84, 0x38, 0xFF, 0xFF},
	{0x52, 0x00, 0x85, 0xFF}, {0xCB, 0x38, 0xFF, 0xFF}, {0xFF, 0x95, 0xC8, 0xFF}, {0xFF, 0x37, 0xC7, 0xFF},
}

// ClassColor returns the drawing colour of a class
func ClassColor(classID int) color.RGBA {
	if classID < 0 {
		classID = -classID
	}
	return palette[classID%len(palette)]
}

// Label is one box to draw
type Label struct {
	ClassID    int
	Name       string
	Confidence float64
	X1, Y1     float64
	X2, Y2     float64
}

// Text is the tag drawn above the box
func (l Label) Text() string {
	return fmt.Sprintf("%s %.2f", l.Name, l.Confidence)
}

// LineWidth is the box stroke width for an image of the given size
func LineWidth(width, height int) float64 {
	return math.Max(math.Round(float64(width+height)/2*0.003), 2)
}

// Annotate draws labels on a copy of img. The source image is not modified.
func Annotate(img image.Image, labels []Label) image.Image {
	dc := gg.NewContextForImage(img)
	b := img.Bounds()
	lw := LineWidth(b.Dx(), b.Dy())
	fontSize := math.Max(lw*6, 12)
	dc.SetFontFace(truetype.NewFace(labelFont, &truetype.Options{Size: fontSize}))

	for _, l := range labels {
		c := ClassColor(l.ClassID)

		dc.SetColor(c)
		dc.SetLineWidth(lw)
		dc.DrawRectangle(l.X1, l.Y1, l.X2-l.X1, l.Y2-l.Y1)
		dc.Stroke()

		text := l.Text()
		tw, th := dc.MeasureString(text)
		pad := lw
		tagH := th + 2*pad
		// tag goes above the box, or inside it when the box touches the top
		top := l.Y1 - tagH
		if top < 0 {
			top = l.Y1
		}
		dc.SetColor(c)
		dc.DrawRectangle(l.X1-lw/2, top, tw+2*pad, tagH)
		dc.Fill()

		dc.SetColor(textColor(c))
		dc.DrawString(text, l.X1-lw/2+pad, top+pad+th)
	}
	return dc.Image()
}

// textColor picks black or white for contrast against the tag colour
func textColor(bg color.RGBA) color.Color {
	luma := 0.299*float64(bg.R) + 0.587*float64(bg.G) + 0.114*float64(bg.B)
	if luma > 160 {
		return color.Black
	}
	return color.White
}
