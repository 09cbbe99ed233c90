// Package loader turns TOML module manifests into loaded modules and serves
// the read-only metadata queries the paranoid checker needs.
//
// A manifest describes one module: its structs, constants and functions, with
// function bodies written in textual bytecode. Loading assembles the code,
// interns every struct, field, signature and call operand into module-local
// handle tables, and registers the module in a Registry.
package loader

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/BurntSushi/toml"
	"golang.org/x/text/unicode/norm"
)

// Manifest is the decoded form of a module manifest file.
type Manifest struct {
	Path      string         `toml:"-"`
	Module    ModuleDecl     `toml:"module"`
	Structs   []StructDecl   `toml:"structs"`
	Constants []ConstantDecl `toml:"constants"`
	Functions []FunctionDecl `toml:"functions"`
}

// ModuleDecl names the module.
type ModuleDecl struct {
	Address string `toml:"address"`
	Name    string `toml:"name"`
}

// TypeParamDecl declares a struct type parameter.
type TypeParamDecl struct {
	Name    string `toml:"name"`
	Phantom bool   `toml:"phantom"`
}

// FieldDecl declares a struct field.
type FieldDecl struct {
	Name string `toml:"name"`
	Type string `toml:"type"`
}

// StructDecl declares a struct.
type StructDecl struct {
	Name       string          `toml:"name"`
	Abilities  []string        `toml:"abilities"`
	TypeParams []TypeParamDecl `toml:"type_params"`
	Fields     []FieldDecl     `toml:"fields"`
}

// ConstantDecl declares an entry of the constant pool.
type ConstantDecl struct {
	Type  string `toml:"type"`
	Value string `toml:"value"`
}

// FunctionDecl declares a function. Locals lists only the non-parameter
// locals; parameters always occupy the first slots.
type FunctionDecl struct {
	Name       string   `toml:"name"`
	Visibility string   `toml:"visibility"`
	Entry      bool     `toml:"entry"`
	Native     bool     `toml:"native"`
	TypeParams []string `toml:"type_params"`
	Params     []string `toml:"params"`
	Returns    []string `toml:"returns"`
	Locals     []string `toml:"locals"`
	Code       []string `toml:"code"`
}

// DecodeManifestFile reads and validates a manifest from disk.
func DecodeManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeManifest(path, data)
}

// DecodeManifest validates a manifest held in memory; path is used in
// error messages only.
func DecodeManifest(path string, data []byte) (*Manifest, error) {
	var m Manifest
	meta, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if !meta.IsDefined("module") {
		return nil, fmt.Errorf("%s: missing [module]", path)
	}
	if !meta.IsDefined("module", "address") || strings.TrimSpace(m.Module.Address) == "" {
		return nil, fmt.Errorf("%s: missing [module].address", path)
	}
	if !meta.IsDefined("module", "name") || strings.TrimSpace(m.Module.Name) == "" {
		return nil, fmt.Errorf("%s: missing [module].name", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	m.Path = path
	if err := m.normalize(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

// normalize brings every identifier to NFC so that visually identical names
// intern to the same handle, and rejects malformed identifiers.
func (m *Manifest) normalize() error {
	var errs []error
	ident := func(what string, s *string) {
		*s = norm.NFC.String(strings.TrimSpace(*s))
		if !isIdent(*s) {
			errs = append(errs, fmt.Errorf("%s: invalid identifier %q", what, *s))
		}
	}
	ident("module name", &m.Module.Name)
	for i := range m.Structs {
		s := &m.Structs[i]
		ident("struct", &s.Name)
		for j := range s.TypeParams {
			ident("struct "+s.Name+" type parameter", &s.TypeParams[j].Name)
		}
		for j := range s.Fields {
			ident("struct "+s.Name+" field", &s.Fields[j].Name)
			s.Fields[j].Type = norm.NFC.String(s.Fields[j].Type)
		}
	}
	for i := range m.Functions {
		f := &m.Functions[i]
		ident("function", &f.Name)
		for j := range f.TypeParams {
			ident("function "+f.Name+" type parameter", &f.TypeParams[j])
		}
		for _, list := range [][]string{f.Params, f.Returns, f.Locals, f.Code} {
			for j := range list {
				list[j] = norm.NFC.String(list[j])
			}
		}
	}
	for i := range m.Constants {
		m.Constants[i].Type = norm.NFC.String(m.Constants[i].Type)
	}
	return errors.Join(errs...)
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || unicode.IsLetter(r):
		case i > 0 && unicode.IsDigit(r):
		default:
			return false
		}
	}
	return true
}
