package store

import (
	"strings"

	"golang.org/x/text/cases"
)

// foldForSearch normalizes a name or search term with Unicode case folding.
// Both sides of a search comparison go through it: record names are folded
// into the *_folded columns at insert, terms at query time, so matching works
// past the ASCII reach of SQLite's lower().
func foldForSearch(term string) string {
	return cases.Fold().String(strings.TrimSpace(term))
}
