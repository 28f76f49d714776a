package tattoo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"unicode"
)

// Storage is the directory tree shared by the API and the model workers:
//
//	<root>/content_<model>/<fio>/        model weights
//	<root>/content_<model>/<fio>/data/   training photos
//	<root>/static/<fio>/                 published images
type Storage struct {
	root   string
	static string

	// serializes collision checks in Publish
	mu sync.Mutex
}

// NewStorage creates root and its static directory.
func NewStorage(root string) (*Storage, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	s := &Storage{root: abs, static: filepath.Join(abs, "static")}
	if err := os.MkdirAll(s.static, 0o755); err != nil {
		return nil, fmt.Errorf("create static dir: %w", err)
	}
	return s, nil
}

func (s *Storage) Root() string      { return s.root }
func (s *Storage) StaticDir() string { return s.static }

// Translit drops every rune that is not a letter, a digit or '_', so a
// customer name can be used as a single path element.
func Translit(fio string) string {
	return strings.Map(func(r rune) rune {
		if r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, fio)
}

// Dirs returns the model and training-photo directories of fio, creating
// them.
func (s *Storage) Dirs(model ModelName, fio string) (modelDir, imagesDir string, err error) {
	return s.dirs(model, fio, false)
}

// TrainingDirs is Dirs with the photo directory emptied.
func (s *Storage) TrainingDirs(model ModelName, fio string) (modelDir, imagesDir string, err error) {
	return s.dirs(model, fio, true)
}

func (s *Storage) dirs(model ModelName, fio string, clear bool) (string, string, error) {
	if fio == "" {
		return "", "", fmt.Errorf("%w: empty fio", ErrInvalidParams)
	}
	modelDir := filepath.Join(s.root, "content_"+string(model), fio)
	imagesDir := filepath.Join(modelDir, "data")
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		return "", "", err
	}
	if clear {
		entries, err := os.ReadDir(imagesDir)
		if err != nil {
			return "", "", err
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(imagesDir, e.Name())); err != nil {
				return "", "", err
			}
		}
	}
	return modelDir, imagesDir, nil
}

// SaveUpload writes r into dir under the base name of name.
func (s *Storage) SaveUpload(dir, name string, r io.Reader) error {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." {
		return fmt.Errorf("%w: bad file name %q", ErrInvalidParams, name)
	}
	f, err := os.Create(filepath.Join(dir, base))
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Publish moves produced images into static/<fio>/ and returns their paths
// relative to the static root. An existing file is never overwritten: the
// moved one is renamed to "<N>_<name>" with the first free N.
func (s *Storage) Publish(fio string, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return []string{}, nil
	}
	dir := filepath.Join(s.static, fio)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(paths))
	for _, src := range paths {
		name := filepath.Base(src)
		dst := filepath.Join(dir, name)
		for n := 1; exists(dst); n++ {
			name = strconv.Itoa(n) + "_" + filepath.Base(src)
			dst = filepath.Join(dir, name)
		}
		if err := move(src, dst); err != nil {
			return out, fmt.Errorf("publish %s: %w", src, err)
		}
		out = append(out, path.Join(fio, name))
	}
	return out, nil
}

func exists(p string) bool {
	_, err := os.Lstat(p)
	return !errors.Is(err, os.ErrNotExist)
}

// move renames src to dst, copying when they sit on different filesystems.
func move(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
