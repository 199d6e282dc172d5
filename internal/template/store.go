// Package template persists named image templates and serves decoded pixel
// buffers to the matcher.
//
// Template metadata lives in SQLite; the PNG bytes live under a content root
// on disk. Decoded images are cached in an LRU keyed by file path, and a
// filesystem watcher evicts entries when a PNG changes underneath us.
package template

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"

	"github.com/droidfarm/droidfarm/internal/util"
	"github.com/droidfarm/droidfarm/internal/vision"
)

// ErrNotFound is returned when a template name resolves to nothing.
var ErrNotFound = errors.New("template not found")

// decodedCacheSize bounds the number of decoded templates held in memory.
const decodedCacheSize = 256

const schema = `
CREATE TABLE IF NOT EXISTS templates (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL UNIQUE,
	file_path  TEXT NOT NULL,
	width      INTEGER NOT NULL,
	height     INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`

// Template is one stored template row.
type Template struct {
	ID        int64     `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	FilePath  string    `db:"file_path" json:"file_path"`
	Width     int       `db:"width" json:"width"`
	Height    int       `db:"height" json:"height"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Screenshotter is the slice of the device channel Capture needs.
type Screenshotter interface {
	Screenshot(ctx context.Context) (image.Image, error)
}

// Store is the template repository.
type Store struct {
	db      *sqlx.DB
	dir     string
	cache   *lru.Cache[string, image.Image]
	watcher *fsnotify.Watcher
}

// NewStore opens the store over db, ensures the schema and the content root
// exist, and starts the cache-invalidation watcher.
func NewStore(db *sqlx.DB, dir string) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("template schema: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create template dir: %w", err)
	}

	cache, err := lru.New[string, image.Image](decodedCacheSize)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, dir: dir, cache: cache}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("template watcher unavailable, cache will not self-invalidate", "err", err)
	} else if err := watcher.Add(dir); err != nil {
		log.Warn("template watcher add failed", "dir", dir, "err", err)
		watcher.Close()
	} else {
		s.watcher = watcher
		go s.watchLoop()
	}
	return s, nil
}

// watchLoop evicts cached decodes when their files change on disk.
func (s *Store) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				s.cache.Remove(ev.Name)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Debug("template watcher error", "err", err)
		}
	}
}

// Close stops the watcher. The database handle is owned by the caller.
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// List returns all templates, newest first.
func (s *Store) List(ctx context.Context) ([]Template, error) {
	var out []Template
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, name, file_path, width, height, created_at FROM templates ORDER BY created_at DESC, id DESC`)
	return out, err
}

// Get returns the template named name.
func (s *Store) Get(ctx context.Context, name string) (Template, error) {
	var t Template
	err := s.db.GetContext(ctx, &t,
		`SELECT id, name, file_path, width, height, created_at FROM templates WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return Template{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return t, err
}

// Capture grabs the device's current frame, crops region, writes the PNG and
// records (or replaces) the row for name. Replacing writes a fresh file with
// a timestamp suffix; older files are retained on disk.
func (s *Store) Capture(ctx context.Context, dev Screenshotter, name string, region image.Rectangle) (Template, error) {
	frame, err := dev.Screenshot(ctx)
	if err != nil {
		return Template{}, fmt.Errorf("capture screenshot: %w", err)
	}

	crop := vision.Crop(frame, region)
	b := crop.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return Template{}, fmt.Errorf("capture region %v is outside the screen", region)
	}

	filename := util.TimestampedFilename(name, ".png", time.Now())
	path := filepath.Join(s.dir, filename)
	f, err := os.Create(path)
	if err != nil {
		return Template{}, fmt.Errorf("write template file: %w", err)
	}
	if err := png.Encode(f, crop); err != nil {
		f.Close()
		return Template{}, fmt.Errorf("encode template: %w", err)
	}
	if err := f.Close(); err != nil {
		return Template{}, err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO templates (name, file_path, width, height, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			file_path = excluded.file_path,
			width = excluded.width,
			height = excluded.height,
			created_at = excluded.created_at`,
		name, path, b.Dx(), b.Dy(), now)
	if err != nil {
		return Template{}, fmt.Errorf("record template: %w", err)
	}

	log.Info("captured template", "name", name, "file", filename, "size", fmt.Sprintf("%dx%d", b.Dx(), b.Dy()))
	return s.Get(ctx, name)
}

// Load resolves ref (a template name, falling back to a raw file path) and
// returns its decoded image, from cache when possible.
func (s *Store) Load(ctx context.Context, ref string) (image.Image, error) {
	path := ref
	if t, err := s.Get(ctx, ref); err == nil {
		path = t.FilePath
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if img, ok := s.cache.Get(path); ok {
		return img, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, err
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode template %s: %w", ref, err)
	}
	s.cache.Add(path, img)
	return img, nil
}

// Exists reports whether ref resolves to a loadable template.
func (s *Store) Exists(ctx context.Context, ref string) bool {
	if _, err := s.Get(ctx, ref); err == nil {
		return true
	}
	_, err := os.Stat(ref)
	return err == nil
}

// Delete removes the row for name. The PNG stays on disk, consistent with
// replacement semantics.
func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}
