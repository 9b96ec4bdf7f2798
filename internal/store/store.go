package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Categories under the data root. Raw categories hold API payloads as served;
// curated is for derived data.
const (
	Lines           = "raw/linhas"
	Stops           = "raw/paradas"
	Corridors       = "raw/corredores"
	Companies       = "raw/empresas"
	PositionsGlobal = "raw/posicao_global"
	PositionsLine   = "raw/posicao_linha"
	PositionsGarage = "raw/posicao_garagem"
	KMZ             = "raw/kmz"
	Curated         = "curated"
	Logs            = "logs"
)

// Layout is every directory Scaffold creates.
var Layout = []string{
	Lines, Stops, Corridors, Companies,
	PositionsGlobal, PositionsLine, PositionsGarage, KMZ,
	Curated, Logs,
}

// TimestampLayout is the filename suffix format, always in UTC.
const TimestampLayout = "20060102_150405"

// maxSuffix bounds the counter appended to same-second filenames.
const maxSuffix = 1000

// PersistenceError reports a failed directory creation or file write.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// SavedFile describes one artifact written to the store.
type SavedFile struct {
	Category string
	Name     string
	Path     string
	Bytes    int
	SavedAt  time.Time
}

// Store is an append-only file tree rooted at a data directory. It never
// overwrites or deletes a collected file.
type Store struct {
	root string
	now  func() time.Time
}

// New returns a Store rooted at root. now defaults to time.Now.
func New(root string, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{root: root, now: now}
}

func (s *Store) Root() string { return s.root }

// Dir returns the absolute-or-relative path of a category directory.
func (s *Store) Dir(category string) string {
	return filepath.Join(s.root, filepath.FromSlash(category))
}

// Scaffold creates the whole directory layout.
func (s *Store) Scaffold() error {
	for _, c := range Layout {
		if err := os.MkdirAll(s.Dir(c), 0o755); err != nil {
			return &PersistenceError{Path: s.Dir(c), Err: err}
		}
	}
	return nil
}

// SaveJSON writes v as UTF-8 JSON to <category>/<name>_<timestamp>.json.
// Non-ASCII text and HTML characters are written literally.
func (s *Store) SaveJSON(category, name string, v any) (SavedFile, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return SavedFile{}, &PersistenceError{Path: filepath.Join(s.Dir(category), name), Err: fmt.Errorf("encode json: %w", err)}
	}
	return s.save(category, name, "json", bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
}

// SaveRaw writes a JSON body exactly as it was received.
func (s *Store) SaveRaw(category, name string, body []byte) (SavedFile, error) {
	return s.save(category, name, "json", body)
}

// SaveBinary writes data verbatim to <category>/<name>_<timestamp>.<ext>.
func (s *Store) SaveBinary(category, name, ext string, data []byte) (SavedFile, error) {
	return s.save(category, name, ext, data)
}

func (s *Store) save(category, name, ext string, data []byte) (SavedFile, error) {
	dir := s.Dir(category)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return SavedFile{}, &PersistenceError{Path: dir, Err: err}
	}

	savedAt := s.now().UTC()
	base := name + "_" + savedAt.Format(TimestampLayout)

	// Two saves within the same second get a counter instead of clobbering
	// each other.
	for i := 0; i < maxSuffix; i++ {
		fname := base
		if i > 0 {
			fname += "_" + strconv.Itoa(i)
		}
		path := filepath.Join(dir, fname+"."+ext)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return SavedFile{}, &PersistenceError{Path: path, Err: err}
		}

		_, werr := f.Write(data)
		cerr := f.Close()
		if werr == nil {
			werr = cerr
		}
		if werr != nil {
			// a truncated payload is not a collected file
			os.Remove(path)
			return SavedFile{}, &PersistenceError{Path: path, Err: werr}
		}

		return SavedFile{
			Category: category,
			Name:     name,
			Path:     path,
			Bytes:    len(data),
			SavedAt:  savedAt,
		}, nil
	}

	return SavedFile{}, &PersistenceError{
		Path: filepath.Join(dir, base+"."+ext),
		Err:  fmt.Errorf("more than %d files in the same second", maxSuffix),
	}
}
