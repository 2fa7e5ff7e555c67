package document

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrNotPDF    = errors.New("uploaded file is not a PDF")
	ErrEmptyFile = errors.New("uploaded file is empty")
)

// StoredFile describes an upload written to local storage. Filename is the
// name the client sent; Path is where the worker will read it from.
type StoredFile struct {
	Filename    string
	Destination string
	Path        string
	Size        int64
}

// DiskStore writes uploads into one directory under collision-free names of
// the form <unix-ms>-<random>-<original name>.
type DiskStore struct {
	dir    string
	now    func() time.Time
	suffix func() int64
}

func NewDiskStore(dir string) *DiskStore {
	return &DiskStore{
		dir:    dir,
		now:    time.Now,
		suffix: func() int64 { return rand.Int64N(1e9) },
	}
}

func (s *DiskStore) Dir() string { return s.dir }

// Save streams r to disk. The content must start with the PDF header.
func (s *DiskStore) Save(originalName string, r io.Reader) (StoredFile, error) {
	base := sanitizeName(originalName)

	br := bufio.NewReader(r)
	head, err := br.Peek(5)
	if err != nil {
		if len(head) == 0 {
			return StoredFile{}, ErrEmptyFile
		}
		return StoredFile{}, ErrNotPDF
	}
	if string(head) != "%PDF-" {
		return StoredFile{}, ErrNotPDF
	}

	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return StoredFile{}, fmt.Errorf("create upload directory: %w", err)
	}

	name := fmt.Sprintf("%d-%d-%s", s.now().UnixMilli(), s.suffix(), base)
	path := filepath.Clean(filepath.Join(s.dir, name))

	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) // #nosec G304 -- name is built from a timestamp, a random suffix and a sanitised basename
	if err != nil {
		return StoredFile{}, fmt.Errorf("create file: %w", err)
	}

	n, err := io.Copy(dst, br)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return StoredFile{}, fmt.Errorf("write file: %w", err)
	}

	return StoredFile{
		Filename:    base,
		Destination: s.dir,
		Path:        path,
		Size:        n,
	}, nil
}

func (s *DiskStore) Remove(path string) error {
	return os.Remove(path)
}

func sanitizeName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		return "upload.pdf"
	}
	return base
}
