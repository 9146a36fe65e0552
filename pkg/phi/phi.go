// Package phi guards against direct PHI patterns in note text. It is not a
// full PHI scanner: it rejects the obvious shapes (SSN, phone, email, MRN)
// before any hashing or signing runs, and it reports only pattern
// categories, never the matched substring.
package phi

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Category names a PHI pattern class. Categories are safe to log and to
// return to callers.
type Category string

const (
	CategorySSN   Category = "ssn"
	CategoryPhone Category = "phone"
	CategoryEmail Category = "email"
	CategoryMRN   Category = "mrn"
)

// Violation reports which pattern categories matched. The matched text is
// deliberately not retained.
type Violation struct {
	Categories []Category
}

func (v *Violation) Error() string {
	names := make([]string, len(v.Categories))
	for i, c := range v.Categories {
		names[i] = string(c)
	}
	return fmt.Sprintf("phi: detected pattern categories: %s", strings.Join(names, ", "))
}

type pattern struct {
	category Category
	re       *regexp.Regexp
}

// Guard scans text for PHI-shaped patterns.
type Guard struct {
	patterns []pattern
}

// NewGuard compiles the pattern set.
func NewGuard() *Guard {
	return &Guard{patterns: []pattern{
		{CategorySSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
		{CategoryPhone, regexp.MustCompile(`\(\d{3}\)\s?\d{3}[-.]\d{4}|\b\d{3}[-.]\d{3}[-.]\d{4}\b`)},
		{CategoryEmail, regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)},
		{CategoryMRN, regexp.MustCompile(`(?i)\bMRN[:#\s]?\s*\d{5,}\b`)},
	}}
}

// Scan returns the categories whose patterns match text, sorted and
// de-duplicated. Text is NFC-normalized first so decomposed forms cannot
// slip a pattern past the guard.
func (g *Guard) Scan(text string) []Category {
	text = norm.NFC.String(text)
	seen := make(map[Category]bool)
	for _, p := range g.patterns {
		if p.re.MatchString(text) {
			seen[p.category] = true
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]Category, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Check returns a *Violation error when any pattern matches.
func (g *Guard) Check(text string) error {
	if cats := g.Scan(text); len(cats) > 0 {
		return &Violation{Categories: cats}
	}
	return nil
}
