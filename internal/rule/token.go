// Package rule implements the match/action grammar: tokenizer (this
// file), typed AST (ast.go), recursive-descent parser (parse.go),
// predicate evaluator (eval.go), operand projection (operand.go), and
// the call-argument model (argument.go).
package rule

import (
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2/lexer"
)

// tokenDef is the lexical grammar shared by --match and --action
// strings. Lexing only needs to classify characters into token
// classes; the irregular grammar itself (optional index, optional
// field, CSV binding, pointer-prefixed arguments) is handled by the
// hand-written recursive-descent parser in parse.go rather than by
// participle's own struct-tag grammar.
var tokenDef = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "Regex", Pattern: `/(?:\\.|[^/\\])*/`},
	{Name: "String", Pattern: `"(?:\\.|[^"\\])*"`},
	{Name: "Hex", Pattern: `0[xX][0-9a-fA-F]+`},
	{Name: "Int", Pattern: `[0-9]+`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_]*`},
	{Name: "Punct", Pattern: `[!=<>&@,.\[\]()]`},
})

// Token is one lexed unit, stripped of embedded whitespace.
type Token struct {
	Type  string
	Value string
}

// tokenize lexes src into a flat token slice, dropping whitespace.
// This is the sole use of participle/v2 here: its lexer.Definition
// does the character-class recognition; everything structural is
// handled by the parser that consumes this slice.
func tokenize(src string) ([]Token, error) {
	lx, err := tokenDef.Lex("<rule>", strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("rule: lex: %w", err)
	}
	symbols := tokenDef.Symbols()
	names := make(map[lexer.TokenType]string, len(symbols))
	for name, t := range symbols {
		names[t] = name
	}

	var out []Token
	for {
		tok, err := lx.Next()
		if err != nil {
			return nil, fmt.Errorf("rule: lex: %w", err)
		}
		if tok.EOF() {
			break
		}
		name := names[tok.Type]
		if name == "Whitespace" {
			continue
		}
		out = append(out, Token{Type: name, Value: tok.Value})
	}
	return out, nil
}
