package template

import (
	"context"
	"errors"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

type fakeDevice struct {
	frame image.Image
}

func (f *fakeDevice) Screenshot(context.Context) (image.Image, error) {
	return f.frame, nil
}

func testFrame() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 5), B: 128, A: 255})
		}
	}
	return img
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlx.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCaptureAndLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	dev := &fakeDevice{frame: testFrame()}

	tpl, err := s.Capture(ctx, dev, "close button", image.Rect(10, 8, 30, 20))
	if err != nil {
		t.Fatalf("Capture() = %v", err)
	}
	if tpl.Width != 20 || tpl.Height != 12 {
		t.Errorf("captured size = %dx%d, want 20x12", tpl.Width, tpl.Height)
	}

	img, err := s.Load(ctx, "close button")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if b := img.Bounds(); b.Dx() != 20 || b.Dy() != 12 {
		t.Errorf("loaded size = %v", b)
	}

	// Second load hits the cache and stays consistent.
	again, err := s.Load(ctx, "close button")
	if err != nil {
		t.Fatalf("cached Load() = %v", err)
	}
	if again.Bounds() != img.Bounds() {
		t.Error("cached load returned different bounds")
	}
}

func TestCaptureReplaceKeepsSingleRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	dev := &fakeDevice{frame: testFrame()}

	first, err := s.Capture(ctx, dev, "ok", image.Rect(0, 0, 10, 10))
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Capture(ctx, dev, "ok", image.Rect(0, 0, 16, 16))
	if err != nil {
		t.Fatal(err)
	}
	if second.Width != 16 {
		t.Errorf("replacement width = %d, want 16", second.Width)
	}

	all, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("rows after replace = %d, want 1", len(all))
	}
	_ = first
}

func TestCaptureRejectsOutOfBoundsRegion(t *testing.T) {
	s := newTestStore(t)
	dev := &fakeDevice{frame: testFrame()}

	_, err := s.Capture(context.Background(), dev, "bad", image.Rect(200, 200, 260, 260))
	if err == nil {
		t.Fatal("Capture() should reject a region outside the screen")
	}
}

func TestLoadUnknownRef(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load(context.Background(), "never-captured")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	dev := &fakeDevice{frame: testFrame()}

	if _, err := s.Capture(ctx, dev, "gone", image.Rect(0, 0, 8, 8)); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "gone"); err != nil {
		t.Fatalf("Delete() = %v", err)
	}
	if err := s.Delete(ctx, "gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() = %v, want ErrNotFound", err)
	}
	if s.Exists(ctx, "gone") {
		t.Error("Exists() true after delete")
	}
}
