package types

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// AddressLength is the byte width of an account address.
const AddressLength = 32

// AccountAddress identifies an on-chain account and the modules published under it.
type AccountAddress [AddressLength]byte

// ParseAddress accepts "0x"-prefixed hex of up to 64 digits; short forms
// are left-padded with zeros ("0xA" == "0x000...0a").
func ParseAddress(s string) (AccountAddress, error) {
	var a AccountAddress
	raw := strings.TrimSpace(s)
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		return a, fmt.Errorf("address %q must start with 0x", s)
	}
	raw = raw[2:]
	if raw == "" || len(raw) > AddressLength*2 {
		return a, fmt.Errorf("address %q has invalid length", s)
	}
	if len(raw)%2 == 1 {
		raw = "0" + raw
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return a, fmt.Errorf("address %q: %w", s, err)
	}
	copy(a[AddressLength-len(b):], b)
	return a, nil
}

// MustParseAddress panics on malformed input; for tests and fixed constants.
func MustParseAddress(s string) AccountAddress {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String renders the short form, e.g. 0xa.
func (a AccountAddress) String() string {
	s := strings.TrimLeft(hex.EncodeToString(a[:]), "0")
	if s == "" {
		s = "0"
	}
	return "0x" + s
}

// LinkContext lets a bare address serve as the link context of a call.
func (a AccountAddress) LinkContext() AccountAddress { return a }

// ModuleID names a module by publishing address and module name.
type ModuleID struct {
	Address AccountAddress
	Name    string
}

func (m ModuleID) String() string {
	return m.Address.String() + "::" + m.Name
}

// ParseModuleID parses "0xA::M".
func ParseModuleID(s string) (ModuleID, error) {
	addr, name, ok := strings.Cut(strings.TrimSpace(s), "::")
	if !ok || name == "" || strings.Contains(name, "::") {
		return ModuleID{}, fmt.Errorf("module id %q must look like 0xADDR::Name", s)
	}
	a, err := ParseAddress(addr)
	if err != nil {
		return ModuleID{}, err
	}
	return ModuleID{Address: a, Name: name}, nil
}
