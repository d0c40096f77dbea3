package ingest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrUnsupported is returned for file types the loader cannot read.
var ErrUnsupported = errors.New("unsupported file type")

// Extensions lists the file types that are ingested.
var Extensions = []string{".pdf", ".txt", ".md"}

// Page is one unit of text with its 1-based page number, nil for formats
// without pages.
type Page struct {
	Number *int
	Text   string
}

// Document is the text content of one file.
type Document struct {
	Path  string
	Pages []Page
}

// Supported reports whether path has an ingestible extension.
func Supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// LoadFile reads a text, markdown or PDF file.
func LoadFile(path string) (Document, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return loadPDF(path)
	case ".txt", ".md":
		return loadText(path)
	}
	return Document{}, fmt.Errorf("%s: %w", path, ErrUnsupported)
}

// loadText drops invalid UTF-8 rather than failing on it.
func loadText(path string) (Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	return Document{
		Path:  path,
		Pages: []Page{{Text: strings.ToValidUTF8(string(raw), "")}},
	}, nil
}

func loadPDF(path string) (Document, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return Document{}, fmt.Errorf("opening pdf %s: %w", path, err)
	}
	defer f.Close()

	doc := Document{Path: path}
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return Document{}, fmt.Errorf("pdf %s page %d: %w", path, i, err)
		}
		num := i
		doc.Pages = append(doc.Pages, Page{Number: &num, Text: text})
	}
	return doc, nil
}

// Discover walks dir recursively and returns ingestible files in sorted order.
func Discover(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && Supported(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
