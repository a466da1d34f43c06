package catalog

import (
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
)

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokQuotedIdent
	tokString
	tokSymbol
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// is reports whether t is the unquoted keyword kw.
func (t token) is(kw string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

// lex splits a DDL script into statements of tokens. Statements end at
// semicolons; "--" and "/* */" comments are dropped.
func lex(script string) ([][]token, error) {
	var stmts [][]token
	var cur []token
	rs := []rune(script)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '-' && i+1 < len(rs) && rs[i+1] == '-':
			for i < len(rs) && rs[i] != '\n' {
				i++
			}
		case r == '/' && i+1 < len(rs) && rs[i+1] == '*':
			j := i + 2
			for j+1 < len(rs) && (rs[j] != '*' || rs[j+1] != '/') {
				j++
			}
			if j+1 >= len(rs) {
				return nil, eris.Errorf("catalog: unterminated comment at offset %d", i)
			}
			i = j + 2
		case r == ';':
			if len(cur) > 0 {
				stmts = append(stmts, cur)
				cur = nil
			}
			i++
		case r == '\'' || r == '"':
			s, n, err := lexQuoted(rs[i:], r)
			if err != nil {
				return nil, eris.Wrapf(err, "catalog: string at offset %d", i)
			}
			cur = append(cur, token{kind: tokString, text: s, pos: i})
			i += n
		case r == '`':
			s, n, err := lexQuoted(rs[i:], '`')
			if err != nil {
				return nil, eris.Wrapf(err, "catalog: identifier at offset %d", i)
			}
			cur = append(cur, token{kind: tokQuotedIdent, text: s, pos: i})
			i += n
		case r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r):
			start := i
			for i < len(rs) && (rs[i] == '_' || unicode.IsLetter(rs[i]) || unicode.IsDigit(rs[i])) {
				i++
			}
			cur = append(cur, token{kind: tokIdent, text: string(rs[start:i]), pos: start})
		case strings.ContainsRune(".,()=", r):
			cur = append(cur, token{kind: tokSymbol, text: string(r), pos: i})
			i++
		default:
			return nil, eris.Errorf("catalog: unexpected character %q at offset %d", r, i)
		}
	}
	if len(cur) > 0 {
		stmts = append(stmts, cur)
	}
	return stmts, nil
}

// lexQuoted reads a literal opened by q. A doubled quote or a backslash
// escapes the quote character. It returns the unquoted text and the number
// of runes consumed.
func lexQuoted(rs []rune, q rune) (string, int, error) {
	var b strings.Builder
	for i := 1; i < len(rs); i++ {
		switch {
		case rs[i] == '\\' && q != '`' && i+1 < len(rs):
			b.WriteRune(rs[i+1])
			i++
		case rs[i] == q:
			if i+1 < len(rs) && rs[i+1] == q {
				b.WriteRune(q)
				i++
				continue
			}
			return b.String(), i + 1, nil
		default:
			b.WriteRune(rs[i])
		}
	}
	return "", 0, eris.New("unterminated quote")
}

func render(tokens []token) string {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		switch t.kind {
		case tokString:
			parts[i] = "'" + strings.ReplaceAll(t.text, "'", "''") + "'"
		case tokQuotedIdent:
			parts[i] = "`" + t.text + "`"
		default:
			parts[i] = t.text
		}
	}
	return strings.NewReplacer(" . ", ".").Replace(strings.Join(parts, " "))
}
