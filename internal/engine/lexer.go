package engine

import (
	"strings"

	"github.com/roach88/qidtrack/internal/ir"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokQuotedIdent
	tokString
	tokNumber
	tokParam
	tokOperator
	tokPunct
	tokSemicolon
)

// token is one lexeme. text is the raw source text, pos its byte offset.
type token struct {
	kind tokenKind
	text string
	pos  int
}

const (
	punctChars    = "(),[].:"
	operatorChars = "+-*/<>=~!@#%^&|`?"
)

// lex splits src into tokens, skipping lexer whitespace and comments.
func lex(src string) ([]token, error) {
	var toks []token
	n := len(src)

	emit := func(kind tokenKind, start, end int) {
		toks = append(toks, token{kind: kind, text: src[start:end], pos: start})
	}

	for i := 0; i < n; {
		c := src[i]
		switch {
		case ir.IsScannerSpace(c):
			i++

		case c == '-' && i+1 < n && src[i+1] == '-':
			for i < n && src[i] != '\n' {
				i++
			}

		case c == '/' && i+1 < n && src[i+1] == '*':
			end, err := skipBlockComment(src, i)
			if err != nil {
				return nil, err
			}
			i = end

		case c == '\'':
			end, err := scanQuoted(src, i, '\'', false)
			if err != nil {
				return nil, err
			}
			emit(tokString, i, end)
			i = end

		case (c == 'e' || c == 'E') && i+1 < n && src[i+1] == '\'':
			end, err := scanQuoted(src, i+1, '\'', true)
			if err != nil {
				return nil, err
			}
			emit(tokString, i, end)
			i = end

		case c == '"':
			end, err := scanQuoted(src, i, '"', false)
			if err != nil {
				return nil, err
			}
			emit(tokQuotedIdent, i, end)
			i = end

		case c == '$' && i+1 < n && isDigit(src[i+1]):
			j := i + 1
			for j < n && isDigit(src[j]) {
				j++
			}
			emit(tokParam, i, j)
			i = j

		case c == '$':
			tag, ok := dollarTag(src, i)
			if !ok {
				emit(tokPunct, i, i+1)
				i++
				continue
			}
			body := strings.Index(src[i+len(tag):], tag)
			if body < 0 {
				return nil, unterminated("dollar-quoted string", i)
			}
			end := i + len(tag) + body + len(tag)
			emit(tokString, i, end)
			i = end

		case isDigit(c) || (c == '.' && i+1 < n && isDigit(src[i+1])):
			end := scanNumber(src, i)
			emit(tokNumber, i, end)
			i = end

		case isIdentStart(c):
			j := i + 1
			for j < n && isIdentCont(src[j]) {
				j++
			}
			emit(tokWord, i, j)
			i = j

		case c == ';':
			emit(tokSemicolon, i, i+1)
			i++

		case strings.IndexByte(punctChars, c) >= 0:
			emit(tokPunct, i, i+1)
			i++

		case strings.IndexByte(operatorChars, c) >= 0:
			j := i + 1
			for j < n && strings.IndexByte(operatorChars, src[j]) >= 0 {
				if j+1 < n && ((src[j] == '-' && src[j+1] == '-') || (src[j] == '/' && src[j+1] == '*')) {
					break
				}
				j++
			}
			emit(tokOperator, i, j)
			i = j

		default:
			emit(tokPunct, i, i+1)
			i++
		}
	}

	return toks, nil
}

func unterminated(what string, pos int) *ServerError {
	return newServerError(ErrCodeSyntaxError, "unterminated %s at position %d", what, pos)
}

// scanQuoted returns the offset just past the closing quote. A doubled quote
// is an escaped quote; with backslashes set, a backslash escapes the next byte.
func scanQuoted(src string, start int, q byte, backslashes bool) (int, error) {
	for j := start + 1; j < len(src); j++ {
		switch {
		case backslashes && src[j] == '\\':
			j++
		case src[j] == q:
			if j+1 < len(src) && src[j+1] == q {
				j++
				continue
			}
			return j + 1, nil
		}
	}

	what := "quoted string"
	if q == '"' {
		what = "quoted identifier"
	}
	return 0, unterminated(what, start)
}

// skipBlockComment returns the offset just past a (possibly nested) comment.
func skipBlockComment(src string, start int) (int, error) {
	depth := 0
	for j := start; j+1 < len(src); {
		switch {
		case src[j] == '/' && src[j+1] == '*':
			depth++
			j += 2
		case src[j] == '*' && src[j+1] == '/':
			depth--
			j += 2
			if depth == 0 {
				return j, nil
			}
		default:
			j++
		}
	}
	return 0, unterminated("/* comment", start)
}

// dollarTag returns the opening tag ("$$" or "$name$") of a dollar-quoted
// string starting at i.
func dollarTag(src string, i int) (string, bool) {
	j := i + 1
	if j < len(src) && src[j] == '$' {
		return "$$", true
	}
	if j >= len(src) || !isIdentStart(src[j]) {
		return "", false
	}
	for j < len(src) && isIdentCont(src[j]) && src[j] != '$' {
		j++
	}
	if j < len(src) && src[j] == '$' {
		return src[i : j+1], true
	}
	return "", false
}

func scanNumber(src string, i int) int {
	n := len(src)
	j := i
	for j < n && isDigit(src[j]) {
		j++
	}
	if j < n && src[j] == '.' {
		j++
		for j < n && isDigit(src[j]) {
			j++
		}
	}
	if j < n && (src[j] == 'e' || src[j] == 'E') {
		k := j + 1
		if k < n && (src[k] == '+' || src[k] == '-') {
			k++
		}
		if k < n && isDigit(src[k]) {
			j = k
			for j < n && isDigit(src[j]) {
				j++
			}
		}
	}
	return j
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isIdentCont(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '$'
}
