// Package media stores uploaded chat images on local disk.
package media

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pliu/chatty/internal/apperr"
)

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

type Store struct {
	dir      string
	baseURL  string
	maxBytes int64
	logger   *slog.Logger
}

// NewStore creates dir if needed. Saved images are served under baseURL.
func NewStore(dir, baseURL string, maxBytes int64, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media dir: %w", err)
	}
	return &Store{
		dir:      dir,
		baseURL:  baseURL,
		maxBytes: maxBytes,
		logger:   logger.With("component", "media"),
	}, nil
}

// Save writes the image read from r and returns its public URL. The type is
// taken from the content, not from the client's file name.
func (s *Store) Save(filename string, r io.Reader) (string, error) {
	br := bufio.NewReaderSize(r, 512)
	head, err := br.Peek(512)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return "", apperr.BadRequest("could not read image")
	}
	contentType := http.DetectContentType(head)
	ext, ok := extensions[contentType]
	if !ok {
		s.logger.Warn("rejected upload", "filename", filename, "type", contentType)
		return "", apperr.BadRequest("invalid image type %s", contentType)
	}

	name := uuid.NewString() + ext
	full := filepath.Join(s.dir, name)
	f, err := os.Create(full)
	if err != nil {
		return "", apperr.Internal(fmt.Errorf("create %s: %w", name, err))
	}

	n, err := io.Copy(f, io.LimitReader(br, s.maxBytes+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(full)
		return "", apperr.Internal(fmt.Errorf("write %s: %w", name, err))
	}
	if n > s.maxBytes {
		os.Remove(full)
		return "", apperr.BadRequest("image larger than %d bytes", s.maxBytes)
	}

	s.logger.Debug("image saved", "filename", filename, "name", name, "bytes", n)
	return path.Join(s.baseURL, name), nil
}

// Handler serves saved images. Mount it under the base URL with the prefix
// stripped.
func (s *Store) Handler() http.Handler {
	return http.FileServer(http.Dir(s.dir))
}
