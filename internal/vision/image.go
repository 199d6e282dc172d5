package vision

import (
	"image"
	"image/color"

	xdraw "golang.org/x/image/draw"
)

// Resize scales img to w x h. Used to bring a device screenshot back to the
// workflow's declared resolution before matching, since templates are
// authored at workflow resolution.
func Resize(img image.Image, w, h int) *image.RGBA {
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		if rgba, ok := img.(*image.RGBA); ok {
			return rgba
		}
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

// Crop copies the rectangle r out of img. The rectangle is clamped to the
// image bounds.
func Crop(img image.Image, r image.Rectangle) *image.RGBA {
	r = r.Intersect(img.Bounds())
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	xdraw.Copy(dst, image.Point{}, img, r, xdraw.Src, nil)
	return dst
}

// PixelBGR samples the pixel at (x, y) and returns its blue, green, red
// channels, matching the [B, G, R] order workflow colors are stored in.
// ok is false when the point lies outside the image.
func PixelBGR(img image.Image, x, y int) (b, g, r uint8, ok bool) {
	bounds := img.Bounds()
	if x < bounds.Min.X || x >= bounds.Max.X || y < bounds.Min.Y || y >= bounds.Max.Y {
		return 0, 0, 0, false
	}
	c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
	return c.B, c.G, c.R, true
}
