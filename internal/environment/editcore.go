package environment

import (
	"strings"

	ierrors "ivory/internal/shared/errors"
)

// applyEdit performs the shared search/replace semantics for every backend.
// The pattern must match exactly once; all bytes outside the match survive
// untouched, trailing newlines included. When the raw content does not
// contain the pattern, both sides are retried with CRLF normalised to LF so
// Windows-saved files still match patterns copied from an LF rendering.
func applyEdit(path, content, searchCode, replaceCode string) (string, error) {
	if searchCode == "" {
		return "", ierrors.New(ierrors.KindToolValidation, "edit %s: search pattern cannot be empty", path)
	}

	// Exact byte match first: nothing outside the match is touched.
	if occurrences := strings.Count(content, searchCode); occurrences == 1 {
		return strings.Replace(content, searchCode, replaceCode, 1), nil
	} else if occurrences > 1 {
		return "", ambiguousEdit(path, occurrences)
	}

	normalised := normaliseNewlines(content)
	search := normaliseNewlines(searchCode)
	replace := normaliseNewlines(replaceCode)

	switch occurrences := strings.Count(normalised, search); {
	case occurrences == 0:
		return "", ierrors.New(ierrors.KindToolExecution, "edit %s: search pattern not found", path)
	case occurrences > 1:
		return "", ambiguousEdit(path, occurrences)
	}

	return strings.Replace(normalised, search, replace, 1), nil
}

func ambiguousEdit(path string, occurrences int) error {
	return ierrors.New(ierrors.KindToolExecution,
		"edit %s: search pattern is ambiguous, found %d matches", path, occurrences)
}

func normaliseNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
