// Package loader reads manuals from a directory or a bucket prefix and
// extracts their page text.
package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"

	"manualrag/internal/blobstore"
	"manualrag/internal/domain"
)

// Extensions handled by Extract.
var supported = map[string]bool{".pdf": true, ".txt": true, ".md": true}

// Supported reports whether name has an extension the loader can extract.
func Supported(name string) bool {
	return supported[strings.ToLower(path.Ext(name))]
}

// DirSource loads every supported file below a local directory.
type DirSource struct {
	Root string
}

func (s DirSource) Load(ctx context.Context) ([]domain.Document, error) {
	info, err := os.Stat(s.Root)
	if err != nil {
		return nil, fmt.Errorf("corpus directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("corpus path %s is not a directory", s.Root)
	}
	var names []string
	err = filepath.WalkDir(s.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !Supported(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(s.Root, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	docs := make([]domain.Document, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(s.Root, filepath.FromSlash(name)))
		if err != nil {
			return nil, err
		}
		doc, err := Extract(name, data)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// BucketSource loads every supported object under Prefix.
type BucketSource struct {
	Bucket blobstore.Bucket
	Prefix string
}

func (s BucketSource) Load(ctx context.Context) ([]domain.Document, error) {
	keys, err := s.Bucket.List(ctx, s.Prefix)
	if err != nil {
		return nil, fmt.Errorf("list corpus: %w", err)
	}
	var docs []domain.Document
	for _, key := range keys {
		if !Supported(key) {
			continue
		}
		data, err := s.Bucket.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		doc, err := Extract(key, data)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Extract turns raw file bytes into a Document. PDF pages keep their page
// numbers; text files split on form feeds.
func Extract(id string, data []byte) (domain.Document, error) {
	doc := domain.Document{ID: id, Content: data}
	var err error
	switch strings.ToLower(path.Ext(id)) {
	case ".pdf":
		doc.Pages, err = pdfPages(data)
	case ".txt", ".md":
		for i, text := range strings.Split(string(data), "\f") {
			doc.Pages = append(doc.Pages, domain.Page{Number: i + 1, Text: text})
		}
	default:
		err = fmt.Errorf("unsupported document type %q", path.Ext(id))
	}
	if err != nil {
		return domain.Document{}, fmt.Errorf("extract %s: %w", id, err)
	}
	return doc, nil
}

func pdfPages(data []byte) (pages []domain.Page, err error) {
	// the pdf package panics on some malformed files
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, domain.Page{Number: i, Text: text})
	}
	if len(pages) == 0 {
		return nil, errors.New("no readable pages")
	}
	return pages, nil
}
