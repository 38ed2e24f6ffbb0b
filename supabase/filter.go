package supabase

import (
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// Filter is a parsed change-feed predicate, "column=op.value" or
// "column=in.(a,b,c)".
type Filter struct {
	Column string
	Op     string
	Values []string
}

var filterOps = map[string]bool{
	"eq": true, "neq": true, "lt": true, "lte": true, "gt": true, "gte": true,
	"in": true, "like": true, "ilike": true,
}

//nolint:govet // Participle struct tags are DSL, not reflect tags
type filterExpr struct {
	Column  string   `parser:"@Ident '='"`
	Op      string   `parser:"@Ident '.'"`
	Operand *operand `parser:"@@"`
}

//nolint:govet // Participle struct tags are DSL, not reflect tags
type operand struct {
	List   []*listItem `parser:"  '(' @@ ( ',' @@ )* ')'"`
	Scalar *string     `parser:"| @(Ident | Value | '.' | '=')+"`
}

//nolint:govet // Participle struct tags are DSL, not reflect tags
type listItem struct {
	Value string `parser:"@(Ident | Value | '.')+"`
}

//nolint:govet // Participle DSL uses unkeyed fields
var filterLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Punct", Pattern: `[=.,()]`},
	{Name: "Value", Pattern: `[^=.,()]+`},
})

var filterParser = participle.MustBuild[filterExpr](
	participle.Lexer(filterLexer),
)

// ParseFilter parses a realtime filter. Supported operators: eq, neq, lt,
// lte, gt, gte, in (list only), like, ilike.
func ParseFilter(s string) (Filter, error) {
	ast, err := filterParser.ParseString("", s)
	if err != nil {
		return Filter{}, fmt.Errorf("parse filter %q: %w", s, err)
	}
	op := strings.ToLower(ast.Op)
	if !filterOps[op] {
		return Filter{}, fmt.Errorf("parse filter %q: unsupported operator %q", s, ast.Op)
	}

	f := Filter{Column: ast.Column, Op: op}
	switch {
	case ast.Operand.List != nil:
		if op != "in" {
			return Filter{}, fmt.Errorf("parse filter %q: list value requires in", s)
		}
		for _, it := range ast.Operand.List {
			f.Values = append(f.Values, it.Value)
		}
	case ast.Operand.Scalar != nil:
		if op == "in" {
			return Filter{}, fmt.Errorf("parse filter %q: in requires a list", s)
		}
		f.Values = []string{*ast.Operand.Scalar}
	}
	return f, nil
}

// String renders the canonical wire form.
func (f Filter) String() string {
	if f.Op == "in" {
		return fmt.Sprintf("%s=in.(%s)", f.Column, strings.Join(f.Values, ","))
	}
	v := ""
	if len(f.Values) > 0 {
		v = f.Values[0]
	}
	return fmt.Sprintf("%s=%s.%s", f.Column, f.Op, v)
}
