// Package ingest resolves a job's content source into narratable text.
// Sources are inline text, a key in the object store, or a fetchable URL;
// PDF payloads are run through text extraction.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackzampolin/narrator/internal/jobs"
	"github.com/jackzampolin/narrator/internal/objectstore"
)

const (
	// maxFetchBytes bounds URL downloads. Anything larger than this is not
	// a book, it is a mistake.
	maxFetchBytes = 64 << 20

	fetchTimeout = 60 * time.Second
)

var ErrEmptyContent = errors.New("resolved content is empty")

// Resolver loads text for the pipeline. Safe for concurrent use.
type Resolver struct {
	objects objectstore.Store
	client  *http.Client
	log     *slog.Logger
}

func NewResolver(objects objectstore.Store, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		objects: objects,
		client:  &http.Client{Timeout: fetchTimeout},
		log:     log,
	}
}

// Resolve returns the text behind src. The source must already be validated
// as carrying exactly one field.
func (r *Resolver) Resolve(ctx context.Context, src jobs.ContentSource) (string, error) {
	var (
		data []byte
		name string
		err  error
	)
	switch {
	case src.Content != "":
		return r.finish(src.Content)
	case src.FileKey != "":
		data, err = r.objects.Get(ctx, src.FileKey)
		if err != nil {
			return "", fmt.Errorf("load %s: %w", src.FileKey, err)
		}
		name = src.FileKey
	case src.URL != "":
		data, err = r.fetch(ctx, src.URL)
		if err != nil {
			return "", err
		}
		name = src.URL
	default:
		return "", &jobs.ValidationError{Field: "content", Reason: "no content source provided"}
	}

	if isPDF(name, data) {
		text, err := ExtractPDFText(ctx, data)
		if err != nil {
			return "", fmt.Errorf("extract pdf text from %s: %w", name, err)
		}
		return r.finish(text)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%s: content is not valid utf-8 text", name)
	}
	return r.finish(string(data))
}

func (r *Resolver) finish(text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyContent
	}
	return text, nil
}

func (r *Resolver) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", rawURL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	if len(data) > maxFetchBytes {
		return nil, fmt.Errorf("fetch %s: body exceeds %d bytes", rawURL, maxFetchBytes)
	}
	r.log.Debug("fetched content", "url", rawURL, "bytes", len(data))
	return data, nil
}

// isPDF checks the magic header first, then falls back to the extension for
// URLs that serve without a body prefix we recognize.
func isPDF(name string, data []byte) bool {
	if len(data) >= 5 && string(data[:5]) == "%PDF-" {
		return true
	}
	return strings.EqualFold(path.Ext(stripQuery(name)), ".pdf")
}

func stripQuery(name string) string {
	if i := strings.IndexByte(name, '?'); i >= 0 {
		return name[:i]
	}
	return name
}
