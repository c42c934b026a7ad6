// Package fingerprint derives a stable dedup key from statement text.
// Whitespace runs outside of quoted literals are collapsed to a single space, trailing
// semicolons are dropped and the result is hashed with SHA256. Case is kept as is, "select 1" and "SELECT 1" are different statements.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// Size is the length of a fingerprint string
const Size = sha256.Size * 2

// Of returns hex encoded SHA256 of normalized sql
func Of(sql string) string {
	h := sha256.Sum256([]byte(Normalize(sql)))
	return hex.EncodeToString(h[:])
}

// Normalize trims sql, drops trailing semicolons and collapses whitespace runs to a single space.
// Content of '...', "..." and `...` literals is left untouched.
func Normalize(sql string) string {
	sql = strings.TrimSpace(sql)
	var sb strings.Builder
	sb.Grow(len(sql))

	var quote rune // active quote char, 0 if outside of a literal
	space := false
	for _, r := range sql {
		if quote != 0 {
			sb.WriteRune(r)
			if r == quote {
				quote = 0 // doubled quote ('') just reopens on the next rune
			}
			continue
		}
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space {
			sb.WriteByte(' ')
			space = false
		}
		if r == '\'' || r == '"' || r == '`' {
			quote = r
		}
		sb.WriteRune(r)
	}
	if quote != 0 {
		return sb.String() // unterminated literal, the tail is its content
	}
	return strings.TrimRight(sb.String(), "; ")
}
