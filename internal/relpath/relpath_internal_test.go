package relpath

import (
	"errors"
	"testing"
)

func TestParseBackslashSeparators(t *testing.T) {
	got, err := parse(`foo\bar`, true)
	if err != nil {
		t.Fatalf("parse returned error: %v", err)
	}
	if got.String() != "foo/bar" {
		t.Fatalf("parse(foo\\bar) = %q, want foo/bar", got)
	}

	if _, err := parse(`\foo\bar`, true); !errors.Is(err, ErrNotRelative) {
		t.Fatalf("expected ErrNotRelative, got %v", err)
	}
	if _, err := parse(`C:\foo\bar`, true); !errors.Is(err, ErrNotRelative) {
		t.Fatalf("expected ErrNotRelative for drive path, got %v", err)
	}
}

func TestParseBackslashLiteralOnUnix(t *testing.T) {
	got, err := parse(`foo\bar`, false)
	if err != nil {
		t.Fatalf("parse returned error: %v", err)
	}
	if got.String() != `foo\bar` {
		t.Fatalf("parse(foo\\bar) = %q, want the backslash preserved", got)
	}
}
