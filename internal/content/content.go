// Package content hosts the pluggable content transforms: HTML to plain
// text derivation and per-format attachment text extraction.
package content

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/jaytaylor/html2text"
)

// ToText derives a plain-text rendition of an HTML body. The source HTML is
// never discarded by callers; the derivation is cached alongside it.
func ToText(html string) (string, error) {
	text, err := html2text.FromString(html, html2text.Options{TextOnly: false})
	if err != nil {
		return "", fmt.Errorf("failed to convert html to text: %w", err)
	}
	return text, nil
}

var htmlMarkup = regexp.MustCompile(`(?i)<\s*(html|head|body|div|p|br|table|span|a\s|img|b>|i>|ul|ol|li)[\s/>]`)

// LooksLikeHTML reports whether a body stored as plain text actually
// carries HTML markup. Legacy caches misclassified such bodies; they are
// reclassified on next access.
func LooksLikeHTML(s string) bool {
	return htmlMarkup.MatchString(s)
}

// Extractor derives a plain-text rendition from a binary attachment format.
// Implementations register themselves with Register; the engine memoizes
// extractions next to the original attachment.
type Extractor interface {
	// Supports reports whether this extractor handles the attachment.
	Supports(contentType, filename string) bool
	// Extract returns the derived plain text.
	Extract(data []byte) (string, error)
}

var (
	extractorsMu sync.Mutex
	extractors   []Extractor
)

// Register adds an attachment text extractor. Typically called from an
// implementation package's init.
func Register(e Extractor) {
	extractorsMu.Lock()
	defer extractorsMu.Unlock()
	extractors = append(extractors, e)
}

// ExtractorFor returns the first registered extractor supporting the
// attachment, or nil.
func ExtractorFor(contentType, filename string) Extractor {
	extractorsMu.Lock()
	defer extractorsMu.Unlock()
	for _, e := range extractors {
		if e.Supports(contentType, filename) {
			return e
		}
	}
	return nil
}

// textExtractor passes text/* attachments through unchanged, so plain
// documents get a derived rendition without a format-specific extractor.
type textExtractor struct{}

func (textExtractor) Supports(contentType, filename string) bool {
	return strings.HasPrefix(contentType, "text/") ||
		strings.HasSuffix(strings.ToLower(filename), ".txt")
}

func (textExtractor) Extract(data []byte) (string, error) {
	return string(data), nil
}

func init() {
	Register(textExtractor{})
}
