package ingest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// ExtractPDFText pulls plain text out of a PDF. The document is validated
// with pdfcpu, then rendered through pdftotext (poppler-utils), which handles
// layout far better than raw content-stream extraction.
func ExtractPDFText(ctx context.Context, data []byte) (string, error) {
	if err := api.Validate(bytes.NewReader(data), nil); err != nil {
		return "", fmt.Errorf("invalid pdf: %w", err)
	}
	pages, err := api.PageCount(bytes.NewReader(data), nil)
	if err != nil {
		return "", fmt.Errorf("count pdf pages: %w", err)
	}
	if pages == 0 {
		return "", fmt.Errorf("pdf has no pages")
	}

	if _, err := exec.LookPath("pdftotext"); err != nil {
		return "", fmt.Errorf("pdftotext not found in PATH: %w", err)
	}

	tmp, err := os.CreateTemp("", "narrator-ingest-*.pdf")
	if err != nil {
		return "", fmt.Errorf("create temp pdf: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write temp pdf: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp pdf: %w", err)
	}

	// "-" sends extracted text to stdout.
	cmd := exec.CommandContext(ctx, "pdftotext", "-layout", tmp.Name(), "-")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("pdftotext: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
