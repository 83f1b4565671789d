package engine

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/qidtrack/internal/ir"
)

// Jumble normalizes a statement so that statements differing only in
// constants, letter case, whitespace or comments share one identifier.
//
// Rules: tokens are joined by a single space; bare words are ASCII
// lower-cased; string, numeric and parameter literals become '?'; quoted
// identifiers and operators are kept verbatim. The result is NFC-normalized,
// so identifiers spelled with composed or decomposed characters match.
func Jumble(text string) (string, error) {
	toks, err := lex(text)
	if err != nil {
		return "", err
	}
	return jumbleTokens(toks), nil
}

func jumbleTokens(toks []token) string {
	var b strings.Builder
	for _, t := range toks {
		if t.kind == tokSemicolon {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		switch t.kind {
		case tokWord:
			b.WriteString(asciiLower(t.text))
		case tokString, tokNumber, tokParam:
			b.WriteByte('?')
		default:
			b.WriteString(t.text)
		}
	}
	return norm.NFC.String(b.String())
}

// NativeQueryID is the identifier the host computes for a DML statement.
func NativeQueryID(text string) (ir.QueryID, error) {
	j, err := Jumble(text)
	if err != nil {
		return ir.InvalidQueryID, err
	}
	return ir.StatementQueryID(j), nil
}

func asciiLower(s string) string {
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= 'A' && c <= 'Z' {
			b := []byte(s)
			for j := i; j < len(b); j++ {
				if b[j] >= 'A' && b[j] <= 'Z' {
					b[j] += 'a' - 'A'
				}
			}
			return string(b)
		}
	}
	return s
}
