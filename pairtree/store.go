// Package pairtree reads item content from a pairtree-layout filesystem
// store. An item id "namespace.objid" lives at
//
//	<root>/<namespace>/pairtree_root/<objid split in 2-char segments>/<objid>/<objid>.zip
//
// with objid in its cleaned form.
package pairtree

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/octabyte/fulltext-pipeline/utils/logger"
)

// ErrNotFound is returned when an item has no archive in the store.
var ErrNotFound = errors.New("item not found in pairtree")

// ErrInvalidID is returned for ids without a namespace.
var ErrInvalidID = errors.New("invalid item id")

type Store struct {
	root string
}

// New opens the store rooted at root, which must be an existing directory.
func New(root string) (*Store, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("pairtree root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("pairtree root %s is not a directory", root)
	}
	return &Store{root: root}, nil
}

// Path returns the archive path for htid.
func (s *Store) Path(htid string) (string, error) {
	namespace, objid, ok := strings.Cut(htid, ".")
	if !ok || namespace == "" || objid == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, htid)
	}

	cleaned := Clean(objid)
	parts := []string{s.root, namespace, "pairtree_root"}
	parts = append(parts, segments(cleaned)...)
	parts = append(parts, cleaned, cleaned+".zip")
	return filepath.Join(parts...), nil
}

// Fetch returns the concatenated text pages of htid, in page file order.
func (s *Store) Fetch(ctx context.Context, htid string) (string, error) {
	path, err := s.Path(htid)
	if err != nil {
		return "", err
	}

	archive, err := zip.OpenReader(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, htid)
		}
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer archive.Close()

	pages := slices.DeleteFunc(slices.Clone(archive.File), func(f *zip.File) bool {
		return f.FileInfo().IsDir() || !strings.EqualFold(filepath.Ext(f.Name), ".txt")
	})
	slices.SortFunc(pages, func(a, b *zip.File) int {
		return strings.Compare(a.Name, b.Name)
	})

	var text strings.Builder
	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := appendFile(&text, page); err != nil {
			return "", fmt.Errorf("read %s from %s: %w", page.Name, path, err)
		}
	}

	logger.LogDebug("Fetched item text",
		zap.String("id", htid),
		zap.Int("pages", len(pages)),
		zap.Int("bytes", text.Len()),
	)
	return text.String(), nil
}

func appendFile(w io.Writer, f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	_, err = io.Copy(w, rc)
	return err
}

// Clean applies pairtree identifier cleaning: characters outside visible
// ASCII and `"*+,<=>?\^|` are hex-encoded as ^xx, then / : . become = + ,.
func Clean(id string) string {
	var b strings.Builder
	for _, c := range []byte(id) {
		switch {
		case c < 0x21 || c > 0x7e || strings.IndexByte(`"*+,<=>?\^|`, c) >= 0:
			fmt.Fprintf(&b, "^%02x", c)
		case c == '/':
			b.WriteByte('=')
		case c == ':':
			b.WriteByte('+')
		case c == '.':
			b.WriteByte(',')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// segments splits a cleaned id into 2-character path components.
func segments(cleaned string) []string {
	var out []string
	for len(cleaned) > 2 {
		out = append(out, cleaned[:2])
		cleaned = cleaned[2:]
	}
	return append(out, cleaned)
}
