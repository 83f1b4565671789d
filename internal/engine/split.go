package engine

import "github.com/roach88/qidtrack/internal/ir"

// Statement is one statement of a client's source text.
//
// Location is the byte offset where the statement begins, which for every
// statement but the first is just past the previous semicolon. Length runs
// up to (not including) the terminating semicolon; a final statement without
// a semicolon has Length 0, meaning "rest of string".
type Statement struct {
	Location int
	Length   int

	// Text is the statement with lexer whitespace trimmed.
	Text string

	tokens []token
}

// SplitStatements splits src at top-level semicolons. Statements containing
// only whitespace and comments are dropped.
func SplitStatements(src string) ([]Statement, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}

	var out []Statement
	loc := 0
	var cur []token

	for _, t := range toks {
		if t.kind != tokSemicolon {
			cur = append(cur, t)
			continue
		}
		if len(cur) > 0 {
			out = append(out, newStatement(src, loc, t.pos-loc, cur))
		}
		loc = t.pos + 1
		cur = nil
	}
	if len(cur) > 0 {
		out = append(out, newStatement(src, loc, 0, cur))
	}

	return out, nil
}

func newStatement(src string, loc, length int, toks []token) Statement {
	return Statement{
		Location: loc,
		Length:   length,
		Text:     ir.StatementText(src, loc, length),
		tokens:   toks,
	}
}
