package loader

import (
	"fmt"
	"strings"
	"unicode"

	"fortio.org/safecast"

	"movecheck/internal/types"
)

var primitives = map[string]types.Type{
	"bool":    types.Bool,
	"u8":      types.U8,
	"u16":     types.U16,
	"u32":     types.U32,
	"u64":     types.U64,
	"u128":    types.U128,
	"u256":    types.U256,
	"address": types.Address,
	"signer":  types.Signer,
}

// typeScope resolves the names a type expression may mention.
type typeScope struct {
	self    types.ModuleID
	params  []string
	structs func(mod types.ModuleID, name string) (*StructDef, bool)
}

func (s *typeScope) param(name string) (uint16, bool) {
	for i, p := range s.params {
		if p == name {
			idx, err := safecast.Conv[uint16](i)
			return idx, err == nil
		}
	}
	return 0, false
}

// path is a possibly qualified name: 0xA::M::Name or Name.
type path struct {
	module    types.ModuleID
	name      string
	qualified bool
}

func (p path) String() string {
	if !p.qualified {
		return p.name
	}
	return p.module.String() + "::" + p.name
}

func tokenize(src string) ([]string, error) {
	var toks []string
	rs := []rune(src)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '&' || r == '<' || r == '>' || r == ',' || r == '.':
			toks = append(toks, string(r))
			i++
		case r == ':':
			if i+1 >= len(rs) || rs[i+1] != ':' {
				return nil, fmt.Errorf("stray ':' in %q", src)
			}
			toks = append(toks, "::")
			i += 2
		case r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r):
			j := i
			for j < len(rs) && (rs[j] == '_' || unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j])) {
				j++
			}
			toks = append(toks, string(rs[i:j]))
			i = j
		default:
			return nil, fmt.Errorf("unexpected %q in %q", r, src)
		}
	}
	return toks, nil
}

type typeParser struct {
	src   string
	toks  []string
	pos   int
	scope *typeScope
}

func newTypeParser(src string, scope *typeScope) (*typeParser, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	return &typeParser{src: src, toks: toks, scope: scope}, nil
}

func (p *typeParser) peek() string {
	if p.pos < len(p.toks) {
		return p.toks[p.pos]
	}
	return ""
}

func (p *typeParser) next() string {
	t := p.peek()
	if t != "" {
		p.pos++
	}
	return t
}

func (p *typeParser) expect(tok string) error {
	if got := p.next(); got != tok {
		if got == "" {
			got = "end of input"
		}
		return fmt.Errorf("%q: expected %q, got %q", p.src, tok, got)
	}
	return nil
}

func (p *typeParser) done() error {
	if p.pos != len(p.toks) {
		return fmt.Errorf("%q: unexpected trailing %q", p.src, strings.Join(p.toks[p.pos:], " "))
	}
	return nil
}

// parseType parses one complete type.
func (p *typeParser) parseType() (types.Type, error) {
	tok := p.peek()
	switch {
	case tok == "&":
		p.next()
		mut := false
		if p.peek() == "mut" {
			p.next()
			mut = true
		}
		inner, err := p.parseType()
		if err != nil {
			return types.Type{}, err
		}
		if inner.IsReference() {
			return types.Type{}, fmt.Errorf("%q: reference to reference", p.src)
		}
		return types.MakeReference(inner, mut), nil
	case tok == "vector":
		p.next()
		if err := p.expect("<"); err != nil {
			return types.Type{}, err
		}
		elem, err := p.parseType()
		if err != nil {
			return types.Type{}, err
		}
		if err := p.expect(">"); err != nil {
			return types.Type{}, err
		}
		if elem.IsReference() {
			return types.Type{}, fmt.Errorf("%q: vector of references", p.src)
		}
		return types.MakeVector(elem), nil
	case tok == "":
		return types.Type{}, fmt.Errorf("%q: expected a type", p.src)
	}
	if prim, ok := primitives[tok]; ok {
		p.next()
		return prim, nil
	}
	if idx, ok := p.scope.param(tok); ok && p.lookahead(1) != "::" {
		p.next()
		return types.MakeTyParam(idx), nil
	}
	def, args, err := p.parseStructRef()
	if err != nil {
		return types.Type{}, err
	}
	return types.MakeStruct(def.ID, args...), nil
}

func (p *typeParser) lookahead(n int) string {
	if p.pos+n < len(p.toks) {
		return p.toks[p.pos+n]
	}
	return ""
}

// parsePath parses Name or 0xA::M::Name.
func (p *typeParser) parsePath() (path, error) {
	first := p.next()
	if first == "" || !isIdent(first) && !strings.HasPrefix(first, "0x") {
		return path{}, fmt.Errorf("%q: expected a name, got %q", p.src, first)
	}
	if p.peek() != "::" {
		return path{module: p.scope.self, name: first}, nil
	}
	p.next()
	addr, err := types.ParseAddress(first)
	if err != nil {
		return path{}, fmt.Errorf("%q: %w", p.src, err)
	}
	mod := p.next()
	if !isIdent(mod) {
		return path{}, fmt.Errorf("%q: expected a module name, got %q", p.src, mod)
	}
	if err := p.expect("::"); err != nil {
		return path{}, err
	}
	name := p.next()
	if !isIdent(name) {
		return path{}, fmt.Errorf("%q: expected a name, got %q", p.src, name)
	}
	return path{module: types.ModuleID{Address: addr, Name: mod}, name: name, qualified: true}, nil
}

// parseTypeArgs parses an optional <T, ...> list.
func (p *typeParser) parseTypeArgs() ([]types.Type, error) {
	if p.peek() != "<" {
		return nil, nil
	}
	p.next()
	var args []types.Type
	for {
		ty, err := p.parseType()
		if err != nil {
			return nil, err
		}
		if ty.IsReference() {
			return nil, fmt.Errorf("%q: reference as type argument", p.src)
		}
		args = append(args, ty)
		switch p.next() {
		case ",":
			continue
		case ">":
			return args, nil
		default:
			return nil, fmt.Errorf("%q: unterminated type argument list", p.src)
		}
	}
}

// parseStructRef parses a struct name with its instantiation.
func (p *typeParser) parseStructRef() (*StructDef, []types.Type, error) {
	ref, err := p.parsePath()
	if err != nil {
		return nil, nil, err
	}
	def, ok := p.scope.structs(ref.module, ref.name)
	if !ok {
		return nil, nil, fmt.Errorf("%q: unknown struct %s", p.src, ref)
	}
	args, err := p.parseTypeArgs()
	if err != nil {
		return nil, nil, err
	}
	if len(args) != len(def.TypeParams) {
		return nil, nil, fmt.Errorf("%q: %s takes %d type arguments, got %d", p.src, def.QualifiedName(), len(def.TypeParams), len(args))
	}
	return def, args, nil
}

// parseTypeString parses src as exactly one type.
func parseTypeString(src string, scope *typeScope) (types.Type, error) {
	p, err := newTypeParser(src, scope)
	if err != nil {
		return types.Type{}, err
	}
	ty, err := p.parseType()
	if err != nil {
		return types.Type{}, err
	}
	return ty, p.done()
}

func parseTypeList(srcs []string, scope *typeScope) ([]types.Type, error) {
	if len(srcs) == 0 {
		return nil, nil
	}
	out := make([]types.Type, len(srcs))
	for i, src := range srcs {
		ty, err := parseTypeString(src, scope)
		if err != nil {
			return nil, err
		}
		out[i] = ty
	}
	return out, nil
}
