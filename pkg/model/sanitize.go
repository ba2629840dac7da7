package model

import "strings"

// SanitizeName strips everything from s that is not safe in a filename or
// substrate key segment: only alphanumerics, '-', '_' and '.' survive, and
// any ".." runs collapse to a single '.'.
func SanitizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		}
	}
	out := b.String()
	for strings.Contains(out, "..") {
		out = strings.ReplaceAll(out, "..", ".")
	}
	return out
}

// NormalizeProjectName lowers and dash-joins a human project name so that
// names differing only in case or spacing collide on the unique index.
func NormalizeProjectName(name string) string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(name)))
	return strings.Join(fields, "-")
}
