package environment

import (
	"strings"
	"testing"

	ierrors "ivory/internal/shared/errors"
)

func TestApplyEditReplacesSingleMatch(t *testing.T) {
	content := "func a() {}\nfunc b() {}\nfunc c() {}\n"

	updated, err := applyEdit("main.go", content, "func b() {}", "func b() { return }")
	if err != nil {
		t.Fatalf("applyEdit failed: %v", err)
	}
	want := "func a() {}\nfunc b() { return }\nfunc c() {}\n"
	if updated != want {
		t.Fatalf("unexpected result:\n%q\nwant:\n%q", updated, want)
	}
}

func TestApplyEditPreservesBytesOutsideMatch(t *testing.T) {
	content := "prefix\n\n\tindented line\nmatch-me\ntrailing\n\n"

	updated, err := applyEdit("f.txt", content, "match-me", "replaced")
	if err != nil {
		t.Fatalf("applyEdit failed: %v", err)
	}
	if !strings.HasPrefix(updated, "prefix\n\n\tindented line\n") {
		t.Fatalf("prefix bytes changed: %q", updated)
	}
	if !strings.HasSuffix(updated, "trailing\n\n") {
		t.Fatalf("trailing bytes changed: %q", updated)
	}
}

func TestApplyEditEmptySearchRejected(t *testing.T) {
	_, err := applyEdit("f.txt", "content", "", "x")
	if err == nil {
		t.Fatal("expected validation error for empty search")
	}
	if ierrors.KindOf(err) != ierrors.KindToolValidation {
		t.Fatalf("expected validation kind, got %v", ierrors.KindOf(err))
	}
}

func TestApplyEditNotFound(t *testing.T) {
	_, err := applyEdit("f.txt", "abc", "missing", "x")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestApplyEditAmbiguous(t *testing.T) {
	_, err := applyEdit("f.txt", "dup\ndup\n", "dup", "x")
	if err == nil || !strings.Contains(err.Error(), "found 2 matches") {
		t.Fatalf("expected ambiguity error, got %v", err)
	}
}

func TestApplyEditNormalisesCRLF(t *testing.T) {
	content := "line one\r\nline two\r\nline three\r\n"

	updated, err := applyEdit("f.txt", content, "line two\nline three", "replaced")
	if err != nil {
		t.Fatalf("applyEdit failed: %v", err)
	}
	if updated != "line one\nreplaced\n" {
		t.Fatalf("unexpected result: %q", updated)
	}
}

func TestApplyEditIdempotenceViaNotFound(t *testing.T) {
	content := "old value\nrest\n"

	updated, err := applyEdit("f.txt", content, "old value", "new value")
	if err != nil {
		t.Fatalf("first edit failed: %v", err)
	}

	// Re-applying the same edit must fail, never double-apply.
	_, err = applyEdit("f.txt", updated, "old value", "new value")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("second edit should report not found, got %v", err)
	}
}
