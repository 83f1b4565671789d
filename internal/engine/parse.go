package engine

import (
	"strings"

	"github.com/roach88/qidtrack/internal/ir"
)

// stmtKind selects how a backend runs a parsed statement.
type stmtKind int

const (
	kindDML stmtKind = iota
	kindExplain
	kindSet
	kindReset
	kindShow
	kindBegin
	kindCommit
	kindRollback
	kindPrepareXact
	kindCommitPrepared
	kindRollbackPrepared
	kindNoop
	kindUtility
)

// noopUtilities are acknowledged without reaching SQLite.
var noopUtilities = map[string]bool{
	"CHECKPOINT": true,
	"DISCARD":    true,
	"LISTEN":     true,
	"UNLISTEN":   true,
	"NOTIFY":     true,
	"LOAD":       true,
}

// objectModifiers are skipped when naming CREATE/DROP/ALTER commands.
var objectModifiers = map[string]bool{
	"OR":           true,
	"REPLACE":      true,
	"UNIQUE":       true,
	"TEMP":         true,
	"TEMPORARY":    true,
	"UNLOGGED":     true,
	"IF":           true,
	"NOT":          true,
	"EXISTS":       true,
	"MATERIALIZED": true,
}

// parsedStmt is the analyzed shape of one statement.
type parsedStmt struct {
	kind    stmtKind
	command ir.CommandType
	tag     string
	tokens  []token

	// SET, RESET, SHOW
	name  string
	value string

	// PREPARE TRANSACTION, COMMIT PREPARED, ROLLBACK PREPARED
	gid string

	// EXPLAIN
	analyze bool
	inner   *parsedStmt
}

// parseStatement classifies a statement from its tokens.
func parseStatement(toks []token) (*parsedStmt, error) {
	if len(toks) == 0 {
		return nil, NewSyntaxError(0, "")
	}

	p := &parsedStmt{kind: kindUtility, command: ir.CmdUtility, tokens: toks}
	first := keyword(toks, 0)

	switch first {
	case "SELECT", "VALUES", "TABLE":
		p.setDML(ir.CmdSelect)
	case "WITH":
		p.setDML(withCommand(toks))
	case "INSERT":
		p.setDML(ir.CmdInsert)
	case "UPDATE":
		p.setDML(ir.CmdUpdate)
	case "DELETE":
		p.setDML(ir.CmdDelete)

	case "EXPLAIN":
		return parseExplain(p)

	case "SET":
		return parseSet(p)
	case "RESET":
		return parseNamed(p, kindReset, "RESET")
	case "SHOW":
		return parseNamed(p, kindShow, "SHOW")

	case "BEGIN":
		p.kind, p.tag = kindBegin, "BEGIN"
	case "START":
		if keyword(toks, 1) != "TRANSACTION" {
			return nil, syntaxErrorAt(toks, 1)
		}
		p.kind, p.tag = kindBegin, "BEGIN"

	case "COMMIT", "END":
		if keyword(toks, 1) == "PREPARED" {
			return parseGID(p, kindCommitPrepared, "COMMIT PREPARED")
		}
		p.kind, p.tag = kindCommit, "COMMIT"
	case "ROLLBACK", "ABORT":
		if keyword(toks, 1) == "PREPARED" {
			return parseGID(p, kindRollbackPrepared, "ROLLBACK PREPARED")
		}
		p.kind, p.tag = kindRollback, "ROLLBACK"
	case "PREPARE":
		if keyword(toks, 1) == "TRANSACTION" {
			return parseGID(p, kindPrepareXact, "PREPARE TRANSACTION")
		}
		p.tag = utilityTag(toks)

	case "":
		return nil, syntaxErrorAt(toks, 0)

	default:
		if noopUtilities[first] {
			p.kind = kindNoop
		}
		p.tag = utilityTag(toks)
	}

	return p, nil
}

func (p *parsedStmt) setDML(cmd ir.CommandType) {
	p.kind = kindDML
	p.command = cmd
	p.tag = strings.ToUpper(cmd.String())
}

// parseExplain handles EXPLAIN [ANALYZE] [VERBOSE] [(options)] <dml>.
func parseExplain(p *parsedStmt) (*parsedStmt, error) {
	toks := p.tokens
	p.kind, p.tag = kindExplain, "EXPLAIN"

	i := 1
options:
	for i < len(toks) {
		switch {
		case keyword(toks, i) == "ANALYZE":
			p.analyze = true
			i++
		case keyword(toks, i) == "VERBOSE":
			i++
		case toks[i].kind == tokPunct && toks[i].text == "(":
			end, analyze, err := explainOptions(toks, i)
			if err != nil {
				return nil, err
			}
			p.analyze = p.analyze || analyze
			i = end
		default:
			break options
		}
	}

	if i >= len(toks) {
		return nil, syntaxErrorAt(toks, i)
	}
	in, err := parseStatement(toks[i:])
	if err != nil {
		return nil, err
	}
	if in.kind != kindDML {
		return nil, syntaxErrorAt(toks, i)
	}
	p.inner = in
	return p, nil
}

// explainOptions scans a parenthesized option list starting at toks[open]
// and returns the index after the closing parenthesis.
func explainOptions(toks []token, open int) (int, bool, error) {
	analyze := false
	for i := open + 1; i < len(toks); i++ {
		t := toks[i]
		if t.kind == tokPunct && t.text == ")" {
			return i + 1, analyze, nil
		}
		if keyword(toks, i) == "ANALYZE" {
			switch keyword(toks, i+1) {
			case "FALSE", "OFF":
			default:
				analyze = true
			}
		}
	}
	return 0, false, syntaxErrorAt(toks, len(toks))
}

// parseSet handles SET [SESSION|LOCAL] name {TO|=} value|DEFAULT.
func parseSet(p *parsedStmt) (*parsedStmt, error) {
	toks := p.tokens
	p.kind, p.tag = kindSet, "SET"

	i := 1
	if kw := keyword(toks, i); kw == "SESSION" || kw == "LOCAL" {
		i++
	}

	name, i, err := settingName(toks, i)
	if err != nil {
		return nil, err
	}
	p.name = name

	if !(keyword(toks, i) == "TO" || (i < len(toks) && toks[i].kind == tokOperator && toks[i].text == "=")) {
		return nil, syntaxErrorAt(toks, i)
	}
	i++

	if i != len(toks)-1 {
		return nil, syntaxErrorAt(toks, i+1)
	}

	v := toks[i]
	switch {
	case keyword(toks, i) == "DEFAULT":
		p.kind, p.tag = kindReset, "SET"
	case v.kind == tokString:
		p.value = unquote(v.text)
	case v.kind == tokWord, v.kind == tokNumber:
		p.value = v.text
	default:
		return nil, syntaxErrorAt(toks, i)
	}
	return p, nil
}

// parseNamed handles RESET name and SHOW name.
func parseNamed(p *parsedStmt, kind stmtKind, tag string) (*parsedStmt, error) {
	p.kind, p.tag = kind, tag
	name, i, err := settingName(p.tokens, 1)
	if err != nil {
		return nil, err
	}
	if i != len(p.tokens) {
		return nil, syntaxErrorAt(p.tokens, i)
	}
	p.name = name
	return p, nil
}

// parseGID handles the statements that name a prepared transaction: the
// identifier is the string literal after the two leading keywords.
func parseGID(p *parsedStmt, kind stmtKind, tag string) (*parsedStmt, error) {
	p.kind, p.tag = kind, tag
	if len(p.tokens) != 3 || p.tokens[2].kind != tokString {
		return nil, syntaxErrorAt(p.tokens, 2)
	}
	p.gid = unquote(p.tokens[2].text)
	return p, nil
}

// settingName reads a possibly dotted parameter name starting at toks[i].
func settingName(toks []token, i int) (string, int, error) {
	part := func(j int) (string, bool) {
		if j >= len(toks) {
			return "", false
		}
		switch toks[j].kind {
		case tokWord:
			return toks[j].text, true
		case tokQuotedIdent:
			return unquote(toks[j].text), true
		}
		return "", false
	}

	first, ok := part(i)
	if !ok {
		return "", i, syntaxErrorAt(toks, i)
	}
	parts := []string{first}
	i++

	for i < len(toks) && toks[i].kind == tokPunct && toks[i].text == "." {
		next, ok := part(i + 1)
		if !ok {
			return "", i, syntaxErrorAt(toks, i+1)
		}
		parts = append(parts, next)
		i += 2
	}

	return strings.ToLower(strings.Join(parts, ".")), i, nil
}

// withCommand finds the primary statement of a WITH query: the first DML
// keyword outside the parenthesized CTE bodies.
func withCommand(toks []token) ir.CommandType {
	depth := 0
	for i, t := range toks {
		switch {
		case t.kind == tokPunct && t.text == "(":
			depth++
		case t.kind == tokPunct && t.text == ")":
			depth--
		case depth == 0:
			switch keyword(toks, i) {
			case "SELECT", "VALUES":
				return ir.CmdSelect
			case "INSERT":
				return ir.CmdInsert
			case "UPDATE":
				return ir.CmdUpdate
			case "DELETE":
				return ir.CmdDelete
			}
		}
	}
	return ir.CmdSelect
}

// utilityTag names a utility command: its first keyword, plus the object
// type for CREATE, DROP and ALTER.
func utilityTag(toks []token) string {
	first := keyword(toks, 0)
	switch first {
	case "CREATE", "DROP", "ALTER":
		for i := 1; i < len(toks); i++ {
			kw := keyword(toks, i)
			if kw == "" {
				break
			}
			if !objectModifiers[kw] {
				return first + " " + kw
			}
		}
	}
	return first
}

// keyword returns toks[i] upper-cased if it is a bare word, "" otherwise.
func keyword(toks []token, i int) string {
	if i < 0 || i >= len(toks) || toks[i].kind != tokWord {
		return ""
	}
	return strings.ToUpper(toks[i].text)
}

func syntaxErrorAt(toks []token, i int) *ServerError {
	if i >= len(toks) {
		end := 0
		if len(toks) > 0 {
			last := toks[len(toks)-1]
			end = last.pos + len(last.text)
		}
		return NewSyntaxError(end, "")
	}
	return NewSyntaxError(toks[i].pos, toks[i].text)
}

// unquote strips the quotes of a string literal or quoted identifier and
// collapses doubled quotes.
func unquote(s string) string {
	if len(s) >= 3 && (s[0] == 'e' || s[0] == 'E') && s[1] == '\'' {
		s = s[1:]
	}
	if len(s) < 2 {
		return s
	}
	q := s[0]
	if (q != '\'' && q != '"') || s[len(s)-1] != q {
		return s
	}
	body := s[1 : len(s)-1]
	return strings.ReplaceAll(body, string([]byte{q, q}), string(q))
}
