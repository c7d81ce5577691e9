// Package skills implements the persisted skill library: named, parameterized
// code solutions agent code can search, create and invoke.
package skills

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"go.starlark.net/syntax"

	"github.com/HyphaGroup/reliquary/internal/provider"
	"github.com/HyphaGroup/reliquary/internal/validation"
)

// EntryPoint is the callable every skill source must define.
const EntryPoint = "run"

// reservedNames are library operation names that can never be skill names;
// a skill called "search" would shadow the library's own surface.
var reservedNames = map[string]bool{
	"list":   true,
	"search": true,
	"get":    true,
	"invoke": true,
	"create": true,
	"delete": true,
}

// ValidateName checks that a skill name is a legal, non-reserved identifier.
func ValidateName(name string) error {
	if err := validation.ValidateIdentifier(name); err != nil {
		return fmt.Errorf("invalid skill name: %w", err)
	}
	if reservedNames[name] {
		return fmt.Errorf("skill name %q is reserved", name)
	}
	return nil
}

// ValidateSource parses the skill source and checks it defines the run entry
// point, returning the entry point's parameters.
func ValidateSource(source string) ([]provider.SkillParameter, error) {
	f, err := syntax.Parse("<skill>", source, 0)
	if err != nil {
		return nil, fmt.Errorf("skill source does not parse: %w", err)
	}

	for _, stmt := range f.Stmts {
		def, ok := stmt.(*syntax.DefStmt)
		if !ok || def.Name.Name != EntryPoint {
			continue
		}
		return extractParameters(def), nil
	}
	return nil, fmt.Errorf("skill source must define a top-level %q function", EntryPoint)
}

func extractParameters(def *syntax.DefStmt) []provider.SkillParameter {
	var params []provider.SkillParameter
	for _, p := range def.Params {
		switch expr := p.(type) {
		case *syntax.Ident:
			params = append(params, provider.SkillParameter{Name: expr.Name, Required: true})
		case *syntax.BinaryExpr:
			// name=default
			if expr.Op != syntax.EQ {
				continue
			}
			ident, ok := expr.X.(*syntax.Ident)
			if !ok {
				continue
			}
			params = append(params, provider.SkillParameter{
				Name:    ident.Name,
				Default: literalValue(expr.Y),
			})
		case *syntax.UnaryExpr:
			// *args / **kwargs are permitted but not advertised.
		}
	}
	return params
}

// literalValue renders simple default expressions for descriptors. Anything
// non-literal is reported as its source text.
func literalValue(expr syntax.Expr) any {
	switch v := expr.(type) {
	case *syntax.Literal:
		return v.Value
	case *syntax.Ident:
		switch v.Name {
		case "True":
			return true
		case "False":
			return false
		case "None":
			return nil
		}
		return v.Name
	default:
		return fmt.Sprintf("%T", expr)
	}
}

// ContentHash fingerprints what the semantic index embeds for a skill. Equal
// hashes mean the cached vectors are still valid.
func ContentHash(description, source string) string {
	h := sha256.New()
	h.Write([]byte(description))
	h.Write([]byte{0})
	h.Write([]byte(source))
	return hex.EncodeToString(h.Sum(nil))
}
