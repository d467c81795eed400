// Package download defines the download request records gamdam consumes and
// re-emits, and the streaming reader that parses them from NDJSON input.
package download

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"

	"gamdam/internal/relpath"
)

// Item is one requested download: a source URL, the repository-relative
// destination path, optional metadata fields to attach after the download,
// and optional alternate URLs to register for the downloaded content. Items
// are immutable once parsed; failed items are written back out verbatim.
type Item struct {
	URL       string              `json:"url"`
	Path      relpath.Path        `json:"path"`
	Metadata  map[string][]string `json:"metadata,omitempty"`
	ExtraURLs []string            `json:"extra_urls,omitempty"`
}

// Validate checks the fields a decoded record must carry. Path invariants
// are enforced during decoding by relpath.Path.
func (it Item) Validate() error {
	if it.URL == "" {
		return errors.New("missing required field \"url\"")
	}
	if it.Path == "" {
		return errors.New("missing required field \"path\"")
	}
	if err := checkURL(it.URL); err != nil {
		return fmt.Errorf("field \"url\": %w", err)
	}
	for _, extra := range it.ExtraURLs {
		if err := checkURL(extra); err != nil {
			return fmt.Errorf("field \"extra_urls\": %w", err)
		}
	}
	return nil
}

func checkURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !parsed.IsAbs() {
		return fmt.Errorf("%q is not an absolute URL", raw)
	}
	return nil
}

// WriteFailures emits items as newline-delimited JSON in the same shape the
// input stream uses, so a failures file can be fed straight back in.
func WriteFailures(w io.Writer, items []Item) error {
	enc := json.NewEncoder(w)
	for _, it := range items {
		if err := enc.Encode(it); err != nil {
			return fmt.Errorf("write failure record for %s: %w", it.Path, err)
		}
	}
	return nil
}
