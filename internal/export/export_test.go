package export

import (
	"context"
	"errors"
	"strings"
	"testing"

	"folio/api/internal/pages"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"My Portfolio v1.2", "My-Portfolio-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "page"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},
		{"test+sign", "test%2Bsign"},
		{"special<>", "special%3C%3E"},
		{"normal-text.txt", "normal-text.txt"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := percentEncodeForDataURL(tt.input)
			if result != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestPrintDocument(t *testing.T) {
	markup := `<!DOCTYPE html><html data-cms-snapshot="1"><head><title>  Avery  Owner </title>
<script src="/js/editor-auth.js"></script></head>
<body><main><p>Hi</p></main><script>boot()</script></body></html>`

	out, title, err := PrintDocument(markup, "https://example.com/site/pages/")
	if err != nil {
		t.Fatalf("PrintDocument() error = %v", err)
	}
	if title != "Avery Owner" {
		t.Fatalf("title = %q", title)
	}
	if strings.Contains(out, "<script") {
		t.Fatalf("scripts must be removed:\n%s", out)
	}
	if !strings.Contains(out, `<head><base href="https://example.com/site/pages/"/>`) {
		t.Fatalf("base must be the first head element:\n%s", out)
	}
	if !strings.Contains(out, "@media print") || !strings.Contains(out, "<p>Hi</p>") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

type fakeLoader struct {
	LoadFn func(ctx context.Context, requestPath string) (pages.Loaded, error)
}

func (f fakeLoader) Load(ctx context.Context, requestPath string) (pages.Loaded, error) {
	return f.LoadFn(ctx, requestPath)
}

func TestServicePDF(t *testing.T) {
	loader := fakeLoader{LoadFn: func(_ context.Context, requestPath string) (pages.Loaded, error) {
		if requestPath != "/pages/cv" {
			return pages.Loaded{}, pages.ErrNotFound
		}
		return pages.Loaded{Path: "pages/cv.html", HTML: "<html><head></head><body><p>CV</p></body></html>", Source: pages.SourceSnapshot}, nil
	}}
	svc := NewService(loader, "https://example.com/site")
	var rendered string
	svc.render = func(_ context.Context, html string) ([]byte, error) {
		rendered = html
		return []byte("%PDF-1.4"), nil
	}

	res, err := svc.PDF(context.Background(), "/pages/cv")
	if err != nil {
		t.Fatalf("PDF() error = %v", err)
	}
	if res.Filename != "pages-cv.pdf" || res.MimeType != "application/pdf" || string(res.Data) != "%PDF-1.4" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !strings.Contains(rendered, `href="https://example.com/site/pages/"`) {
		t.Fatalf("renderer got:\n%s", rendered)
	}

	if _, err := svc.PDF(context.Background(), "/missing"); !errors.Is(err, pages.ErrNotFound) {
		t.Fatalf("missing page error = %v", err)
	}
}
