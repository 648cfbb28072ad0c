package sdbql

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokKeyword
	tokNumber
	tokString
	tokBindVar  // @name
	tokBindAttr // @@name
	tokPunct    // any of the fixed operators/punctuation below
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

var keywords = map[string]bool{
	"FOR": true, "IN": true, "FILTER": true, "LET": true, "SORT": true,
	"ASC": true, "DESC": true, "LIMIT": true, "COLLECT": true, "WITH": true,
	"INTO": true, "RETURN": true, "INSERT": true, "UPDATE": true,
	"REPLACE": true, "REMOVE": true, "UPSERT": true, "OUTBOUND": true,
	"INBOUND": true, "ANY": true, "SHORTEST_PATH": true, "TO": true,
	"AND": true, "OR": true, "NOT": true, "NULL": true, "TRUE": true,
	"FALSE": true, "DISTINCT": true, "COUNT": true,
}

// lexer tokenises SDBQL source into a flat slice consumed by the parser.
// Grounded on a conventional hand-rolled scanner; SDBQL's grammar has no
// existing Go lexer in this codebase's dependency set to build on.
type lexer struct {
	src []byte
	pos int
}

func newLexer(src string) *lexer { return &lexer{src: []byte(src)} }

func (l *lexer) tokenize() ([]token, error) {
	var toks []token
	for {
		t, err := l.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, t)
		if t.kind == tokEOF {
			return toks, nil
		}
	}
}

func (l *lexer) peekByte() byte {
	if l.pos >= len(l.src) {
		return 0
	}
	return l.src[l.pos]
}

func (l *lexer) next() (token, error) {
	l.skipSpaceAndComments()
	start := l.pos
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: start}, nil
	}

	c := l.src[l.pos]
	switch {
	case c == '@':
		l.pos++
		if l.peekByte() == '@' {
			l.pos++
			name := l.scanIdentRunes()
			return token{kind: tokBindAttr, text: name, pos: start}, nil
		}
		name := l.scanIdentRunes()
		if name == "" {
			return token{}, fmt.Errorf("sdbql: lex: bare '@' at offset %d", start)
		}
		return token{kind: tokBindVar, text: name, pos: start}, nil

	case c == '"' || c == '\'' || c == '`':
		return l.scanString(c)

	case c >= '0' && c <= '9':
		return l.scanNumber()

	case isIdentStart(rune(c)) || c >= utf8.RuneSelf:
		return l.scanIdent()

	default:
		return l.scanPunct()
	}
}

func (l *lexer) skipSpaceAndComments() {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			l.pos++
		case c == '/' && l.pos+1 < len(l.src) && l.src[l.pos+1] == '/':
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.pos++
			}
		case c == '/' && l.pos+1 < len(l.src) && l.src[l.pos+1] == '*':
			l.pos += 2
			for l.pos+1 < len(l.src) && !(l.src[l.pos] == '*' && l.src[l.pos+1] == '/') {
				l.pos++
			}
			l.pos += 2
		default:
			return
		}
	}
}

func isIdentStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }
func isIdentPart(r rune) bool  { return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) }

func (l *lexer) scanIdentRunes() string {
	start := l.pos
	for l.pos < len(l.src) {
		r, size := utf8.DecodeRune(l.src[l.pos:])
		if !isIdentPart(r) {
			break
		}
		l.pos += size
	}
	return string(l.src[start:l.pos])
}

func (l *lexer) scanIdent() (token, error) {
	start := l.pos
	name := l.scanIdentRunes()
	if name == "" {
		return token{}, fmt.Errorf("sdbql: lex: unexpected byte 0x%x at offset %d", l.src[l.pos], l.pos)
	}
	up := strings.ToUpper(name)
	if keywords[up] {
		return token{kind: tokKeyword, text: up, pos: start}, nil
	}
	return token{kind: tokIdent, text: name, pos: start}, nil
}

func (l *lexer) scanNumber() (token, error) {
	start := l.pos
	for l.pos < len(l.src) && (l.src[l.pos] >= '0' && l.src[l.pos] <= '9') {
		l.pos++
	}
	// A decimal point belongs to the number only when not followed by
	// another '.', which would otherwise make "1..3" lex as "1." + ".3".
	if l.peekByte() == '.' && !(l.pos+1 < len(l.src) && l.src[l.pos+1] == '.') {
		l.pos++
		for l.pos < len(l.src) && (l.src[l.pos] >= '0' && l.src[l.pos] <= '9') {
			l.pos++
		}
	}
	if c := l.peekByte(); c == 'e' || c == 'E' {
		save := l.pos
		l.pos++
		if c := l.peekByte(); c == '+' || c == '-' {
			l.pos++
		}
		digits := l.pos
		for l.pos < len(l.src) && (l.src[l.pos] >= '0' && l.src[l.pos] <= '9') {
			l.pos++
		}
		if l.pos == digits {
			l.pos = save
		}
	}
	return token{kind: tokNumber, text: string(l.src[start:l.pos]), pos: start}, nil
}

func (l *lexer) scanString(quote byte) (token, error) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for {
		if l.pos >= len(l.src) {
			return token{}, fmt.Errorf("sdbql: lex: unterminated string starting at offset %d", start)
		}
		c := l.src[l.pos]
		if c == quote {
			l.pos++
			break
		}
		if c == '\\' && l.pos+1 < len(l.src) {
			l.pos++
			switch l.src[l.pos] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case '\\', '\'', '"', '`':
				sb.WriteByte(l.src[l.pos])
			default:
				sb.WriteByte(l.src[l.pos])
			}
			l.pos++
			continue
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{kind: tokString, text: sb.String(), pos: start}, nil
}

var punctuators = []string{
	"..", "==", "!=", "<=", ">=", "&&", "||",
	"(", ")", "[", "]", "{", "}", ",", ".", ":", "?",
	"+", "-", "*", "/", "%", "<", ">", "=",
}

func (l *lexer) scanPunct() (token, error) {
	start := l.pos
	rest := l.src[l.pos:]
	for _, p := range punctuators {
		if strings.HasPrefix(string(rest), p) {
			l.pos += len(p)
			return token{kind: tokPunct, text: p, pos: start}, nil
		}
	}
	return token{}, fmt.Errorf("sdbql: lex: unrecognised character %q at offset %d", rest[0], start)
}
