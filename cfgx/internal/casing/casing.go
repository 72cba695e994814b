// Package casing converts Go field paths such as "DB.PasswordFile" into the
// names used by configuration sources.
package casing

import (
	"strings"
	"unicode"
)

// Words splits a field path into lower-case words. Dots separate nested
// fields. Acronyms stay whole ("HTTPPort" is "http", "port") and digits
// belong to the word before them.
func Words(path string) []string {
	var words []string
	for segment := range strings.SplitSeq(path, ".") {
		words = append(words, split([]rune(segment))...)
	}
	return words
}

func split(r []rune) []string {
	var words []string
	start := 0
	for i := 1; i < len(r); i++ {
		if boundary(r, i) {
			words = append(words, strings.ToLower(string(r[start:i])))
			start = i
		}
	}
	if start < len(r) {
		words = append(words, strings.ToLower(string(r[start:])))
	}
	return words
}

// boundary reports whether a new word starts at r[i].
func boundary(r []rune, i int) bool {
	if !unicode.IsUpper(r[i]) {
		return false
	}
	prev := r[i-1]
	if unicode.IsLower(prev) || unicode.IsDigit(prev) {
		return true
	}
	// Last upper of an acronym followed by a lower-case word: "SSLMode".
	return unicode.IsUpper(prev) && i+1 < len(r) && unicode.IsLower(r[i+1])
}

// ToSnake returns "db_password_file" for "DB.PasswordFile".
func ToSnake(path string) string {
	return strings.Join(Words(path), "_")
}

// ToScreamingSnake returns "DB_PASSWORD_FILE" for "DB.PasswordFile".
func ToScreamingSnake(path string) string {
	return strings.ToUpper(ToSnake(path))
}

// ToKebab returns "db-password-file" for "DB.PasswordFile".
func ToKebab(path string) string {
	return strings.Join(Words(path), "-")
}
