package vision

import (
	"image"
	"image/color"
	"math/rand"
	"testing"
)

// noisyScreen builds a pseudo-random W x H image so correlation peaks are
// unambiguous.
func noisyScreen(w, h int, seed int64) *image.RGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(rng.Intn(256)),
				G: uint8(rng.Intn(256)),
				B: uint8(rng.Intn(256)),
				A: 255,
			})
		}
	}
	return img
}

// stamp copies src onto dst at (x, y).
func stamp(dst *image.RGBA, src image.Image, x, y int) {
	b := src.Bounds()
	for sy := 0; sy < b.Dy(); sy++ {
		for sx := 0; sx < b.Dx(); sx++ {
			dst.Set(x+sx, y+sy, src.At(b.Min.X+sx, b.Min.Y+sy))
		}
	}
}

func TestBestMatchFindsCroppedRegion(t *testing.T) {
	screen := noisyScreen(120, 80, 1)
	needle := Crop(screen, image.Rect(40, 20, 64, 36))

	m, ok, err := BestMatch(screen, needle, 0.98)
	if err != nil {
		t.Fatalf("BestMatch() error: %v", err)
	}
	if !ok {
		t.Fatal("BestMatch() found nothing for an exact crop")
	}
	if dx, dy := m.X-40, m.Y-20; dx < -1 || dx > 1 || dy < -1 || dy > 1 {
		t.Errorf("match at (%d,%d), want within ±1 of (40,20)", m.X, m.Y)
	}
	if m.Confidence < 0.98 {
		t.Errorf("confidence = %f, want >= 0.98", m.Confidence)
	}
}

func TestBestMatchBelowThreshold(t *testing.T) {
	screen := noisyScreen(60, 60, 2)
	other := noisyScreen(16, 16, 3)

	_, ok, err := BestMatch(screen, other, 0.95)
	if err != nil {
		t.Fatalf("BestMatch() error: %v", err)
	}
	if ok {
		t.Error("BestMatch() matched an unrelated pattern above 0.95")
	}
}

func TestBestMatchNeedleTooLarge(t *testing.T) {
	screen := noisyScreen(20, 20, 4)
	big := noisyScreen(40, 40, 5)

	if _, _, err := BestMatch(screen, big, 0.8); err != ErrNeedleTooLarge {
		t.Errorf("err = %v, want ErrNeedleTooLarge", err)
	}
}

func TestMatchAllSuppressesNeighborsAndOrders(t *testing.T) {
	screen := noisyScreen(160, 100, 6)
	needle := noisyScreen(14, 14, 7)

	// Two well-separated copies of the needle.
	stamp(screen, needle, 10, 10)
	stamp(screen, needle, 120, 70)

	matches, err := MatchAll(screen, needle, 0.9)
	if err != nil {
		t.Fatalf("MatchAll() error: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("len(matches) = %d, want 2 (got %+v)", len(matches), matches)
	}
	for i := 1; i < len(matches); i++ {
		if matches[i].Confidence > matches[i-1].Confidence {
			t.Error("matches not ordered by descending confidence")
		}
	}

	found := map[[2]int]bool{}
	for _, m := range matches {
		found[[2]int{m.X, m.Y}] = true
	}
	for _, want := range [][2]int{{10, 10}, {120, 70}} {
		ok := false
		for got := range found {
			dx, dy := got[0]-want[0], got[1]-want[1]
			if dx >= -1 && dx <= 1 && dy >= -1 && dy <= 1 {
				ok = true
			}
		}
		if !ok {
			t.Errorf("no match near (%d,%d): %+v", want[0], want[1], matches)
		}
	}
}

func TestMatchCenter(t *testing.T) {
	m := Match{X: 10, Y: 20}
	x, y := m.Center(8, 6)
	if x != 14 || y != 23 {
		t.Errorf("Center() = (%d,%d), want (14,23)", x, y)
	}
}

func TestResizeDimensions(t *testing.T) {
	src := noisyScreen(100, 50, 8)
	dst := Resize(src, 50, 25)
	if b := dst.Bounds(); b.Dx() != 50 || b.Dy() != 25 {
		t.Errorf("Resize bounds = %v", b)
	}

	// Same-size resize of an RGBA returns the image untouched.
	same := Resize(src, 100, 50)
	if same != src {
		t.Error("Resize to identical size should return the source image")
	}
}

func TestPixelBGR(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.SetRGBA(2, 1, color.RGBA{R: 10, G: 20, B: 30, A: 255})

	b, g, r, ok := PixelBGR(img, 2, 1)
	if !ok {
		t.Fatal("PixelBGR reported out of bounds for a valid point")
	}
	if b != 30 || g != 20 || r != 10 {
		t.Errorf("PixelBGR = (%d,%d,%d), want (30,20,10)", b, g, r)
	}

	if _, _, _, ok := PixelBGR(img, 4, 0); ok {
		t.Error("PixelBGR should report out of bounds at x == width")
	}
}
