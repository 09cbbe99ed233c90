package loader

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"movecheck/internal/bytecode"
	"movecheck/internal/types"
)

const coinManifest = `
[module]
address = "0xA"
name = "Coin"

[[structs]]
name = "Coin"
abilities = ["store", "key"]
fields = [{ name = "value", type = "u64" }]

[[structs]]
name = "Box"
abilities = ["copy", "drop", "store"]
type_params = [{ name = "T" }]
fields = [{ name = "v", type = "T" }, { name = "n", type = "u8" }]

[[constants]]
type = "u64"
value = "100"

[[functions]]
name = "mint"
visibility = "public"
params = ["u64"]
returns = ["Coin"]
code = ["MoveLoc 0", "Pack Coin", "Ret"]

[[functions]]
name = "wrap"
visibility = "public"
type_params = ["T"]
params = ["T"]
returns = ["Box<T>"]
code = ["MoveLoc 0", "LdU8 7", "PackGeneric Box<T>", "Ret"]

[[functions]]
name = "peek"
type_params = ["T"]
params = ["&Box<T>"]
returns = ["&T"]
code = ["MoveLoc 0", "ImmBorrowFieldGeneric Box<T>.v", "Ret"]

[[functions]]
name = "hash"
native = true
visibility = "public"
params = ["vector<u8>"]
returns = ["vector<u8>"]
`

const mainManifest = `
[module]
address = "0xB"
name = "Main"

[[functions]]
name = "main"
entry = true
params = ["&signer"]
locals = ["vector<u64>", "0xA::Coin::Coin"]
code = [
  "LdConst 0",
  "Call 0xA::Coin::mint",
  "StLoc 2",
  "LdU64 1",
  "CallGeneric 0xA::Coin::wrap<u64>",
  "Pop",
  "VecPack u64 0",
  "StLoc 1",
  "Branch 9",
  "Ret",
]

[[constants]]
type = "u64"
value = "5"
`

func mustLoad(t *testing.T, srcs ...string) (*Registry, []*Module) {
	t.Helper()
	var ms []*Manifest
	for i, src := range srcs {
		m, err := DecodeManifest("m"+string(rune('0'+i))+".toml", []byte(src))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		ms = append(ms, m)
	}
	reg := NewRegistry()
	mods, err := reg.Load(ms...)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return reg, mods
}

func loadErr(t *testing.T, srcs ...string) error {
	t.Helper()
	var ms []*Manifest
	for _, src := range srcs {
		m, err := DecodeManifest("bad.toml", []byte(src))
		if err != nil {
			return err
		}
		ms = append(ms, m)
	}
	_, err := NewRegistry().Load(ms...)
	return err
}

func TestLoadAndResolve(t *testing.T) {
	reg, mods := mustLoad(t, coinManifest)
	mod := mods[0]
	wrap, ok := mod.Function("wrap")
	if !ok {
		t.Fatalf("wrap not found")
	}
	res, err := reg.resolverFor(wrap, types.MustParseAddress("0xA"))
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}

	pack := wrap.Code()[2]
	if pack.Op != bytecode.OpPackGeneric {
		t.Fatalf("code[2] = %s", pack)
	}
	box, err := res.InstantiateGenericType(pack.StructInst(), []types.Type{types.U64})
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	if got := types.Format(box, res); got != "Box<u64>" {
		t.Fatalf("Box<T>[T=u64] = %s", got)
	}
	fields, err := res.InstantiateGenericStructFields(pack.StructInst(), []types.Type{types.Bool})
	if err != nil || len(fields) != 2 || !fields[0].Equal(types.Bool) || !fields[1].Equal(types.U8) {
		t.Fatalf("fields = %v, %v", fields, err)
	}
	if n, err := res.FieldInstantiationCount(pack.StructInst()); err != nil || n != 2 {
		t.Fatalf("field count = %d, %v", n, err)
	}

	abil, err := res.Abilities(box)
	if err != nil || !abil.HasCopy() || abil.HasKey() {
		t.Fatalf("abilities(Box<u64>) = %s, %v", abil, err)
	}
	coinBox := types.MakeStruct(box.Struct, types.MakeStruct(mod.Structs[0].ID))
	if abil, _ := res.Abilities(coinBox); abil.HasCopy() || !abil.HasStore() {
		t.Fatalf("abilities(Box<Coin>) = %s", abil)
	}

	peek, _ := mod.Function("peek")
	field, err := res.InstantiateGenericField(peek.Code()[1].FieldInst(), []types.Type{types.Address})
	if err != nil || !field.Equal(types.Address) {
		t.Fatalf("Box<address>.v = %v, %v", field, err)
	}

	mint, _ := mod.Function("mint")
	coin, err := res.StructType(mint.Code()[1].StructDef())
	if err != nil || types.Format(coin, res) != "Coin" {
		t.Fatalf("coin = %v, %v", coin, err)
	}
	if _, err := res.StructType(99); err == nil {
		t.Fatalf("out-of-range struct handle accepted")
	}

	if len(wrap.LocalTypes()) != 1 || !wrap.LocalTypes()[0].Equal(types.MakeTyParam(0)) {
		t.Fatalf("wrap locals = %v", wrap.LocalTypes())
	}
	hash, _ := mod.Function("hash")
	if !hash.IsNative() || len(hash.Code()) != 0 || hash.IsFriendOrPrivate() {
		t.Fatalf("hash = %+v", hash)
	}
}

func TestCrossModuleCalls(t *testing.T) {
	// Main is listed first; structs of later manifests must still resolve.
	reg, mods := mustLoad(t, mainManifest, coinManifest)
	main, err := reg.Function("0xb::Main::main")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if main.Module() != mods[0] {
		t.Fatalf("main resolved to wrong module")
	}
	if got := main.LocalTypes(); len(got) != 3 || got[1].Kind != types.KindVector || got[2].Kind != types.KindStruct {
		t.Fatalf("main locals = %v", got)
	}

	callee, args, err := reg.ResolveCall(main, main.Code()[1], nil)
	if err != nil || callee.QualifiedName() != "0xa::Coin::mint" || args != nil {
		t.Fatalf("Call = %v %v %v", callee, args, err)
	}
	callee, args, err = reg.ResolveCall(main, main.Code()[4], nil)
	if err != nil || callee.Name() != "wrap" || len(args) != 1 || !args[0].Equal(types.U64) {
		t.Fatalf("CallGeneric = %v %v %v", callee, args, err)
	}
	if _, _, err := reg.ResolveCall(main, main.Code()[0], nil); err == nil {
		t.Fatalf("LdConst resolved as a call")
	}
	if _, err := reg.Function("main"); err == nil {
		t.Fatalf("unqualified lookup accepted")
	}
	if _, err := reg.Function("0xb::Main::missing"); err == nil {
		t.Fatalf("missing function found")
	}
}

func TestResolverLinkContext(t *testing.T) {
	reg, mods := mustLoad(t, coinManifest)
	mint, _ := mods[0].Function("mint")
	a, err := reg.Resolver(mint, types.MustParseAddress("0xA"))
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	b, _ := reg.Resolver(mint, types.MustParseAddress("0xa"))
	if a != b {
		t.Fatalf("resolver not cached per module and link")
	}
	if _, err := reg.Resolver(mint, types.MustParseAddress("0xC")); err == nil {
		t.Fatalf("unpublished link context accepted")
	}
}

func TestLoadIsAtomic(t *testing.T) {
	reg := NewRegistry()
	good, err := DecodeManifest("good.toml", []byte(coinManifest))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	bad, err := DecodeManifest("bad.toml", []byte(strings.Replace(mainManifest, "Call 0xA::Coin::mint", "Frobnicate", 1)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := reg.Load(good, bad); err == nil {
		t.Fatalf("bad batch loaded")
	}
	if len(reg.Modules()) != 0 {
		t.Fatalf("failed batch left %d modules behind", len(reg.Modules()))
	}
	if _, err := reg.Load(good); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err := reg.Load(good); err == nil {
		t.Fatalf("module loaded twice")
	}
}

func TestQueriesDoNotWaitForLoad(t *testing.T) {
	reg, mods := mustLoad(t, coinManifest)
	mint, _ := mods[0].Function("mint")
	coin := mods[0].Structs[0]

	reg.mu.Lock() // a Load in progress
	defer reg.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		res, err := reg.Resolver(mint, types.MustParseAddress("0xA"))
		if err != nil {
			done <- err
			return
		}
		_, err = res.Abilities(types.MakeStruct(coin.ID))
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("query: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("query blocked behind the load lock")
	}
}

func TestAssemblyErrors(t *testing.T) {
	header := "[module]\naddress = \"0xA\"\nname = \"M\"\n" +
		"[[structs]]\nname = \"S\"\nabilities = [\"drop\"]\nfields = [{ name = \"x\", type = \"u8\" }]\n" +
		"[[structs]]\nname = \"G\"\ntype_params = [{ name = \"T\" }]\nfields = [{ name = \"x\", type = \"T\" }]\n"
	fn := func(locals, code string) string {
		return header + "[[functions]]\nname = \"f\"\nparams = [\"u64\"]\nlocals = [" + locals + "]\ncode = [" + code + "]\n"
	}
	cases := []struct {
		name string
		src  string
		want string
	}{
		{"unknown opcode", fn("", `"Frob"`), "Frob"},
		{"stray operand", fn("", `"Add 1"`), "no operand"},
		{"local out of range", fn("", `"CopyLoc 1"`), "out of range"},
		{"branch past end", fn("", `"Branch 3", "Ret"`), "branch target"},
		{"literal overflow", fn("", `"LdU8 256"`), "overflows u8"},
		{"missing constant", fn("", `"LdConst 0"`), "constant 0"},
		{"generic via Pack", fn("", `"Pack G"`), "generic"},
		{"plain via PackGeneric", fn("", `"PackGeneric S"`), "not generic"},
		{"arity", fn("", `"PackGeneric G<u8, u8>"`), "type arguments"},
		{"unknown field", fn("", `"ImmBorrowField S.y"`), "no field"},
		{"unknown struct", fn("", `"Pack Nope"`), "unknown struct"},
		{"vector of refs", fn(`"vector<&u8>"`, `"Ret"`), "vector of references"},
		{"no code", header + "[[functions]]\nname = \"f\"\n", "missing code"},
		{"native with code", header + "[[functions]]\nname = \"f\"\nnative = true\ncode = [\"Ret\"]\n", "native"},
		{"bad ability", strings.Replace(header, `"drop"`, `"fly"`, 1) + "[[functions]]\nname = \"f\"\ncode = [\"Ret\"]\n", "fly"},
		{"bad constant", header + "[[constants]]\ntype = \"u8\"\nvalue = \"300\"\n", "overflows"},
		{"unknown key", header + "[extra]\nx = 1\n", "unknown keys"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := loadErr(t, tc.src)
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestHandlesAreInterned(t *testing.T) {
	src := "[module]\naddress = \"0x1\"\nname = \"M\"\n" +
		"[[structs]]\nname = \"S\"\nabilities = [\"drop\"]\nfields = [{ name = \"x\", type = \"u8\" }]\n" +
		"[[functions]]\nname = \"f\"\ncode = [\"LdU8 1\", \"Pack S\", \"Unpack S\", \"Pop\", \"VecPack u8 0\", \"VecPack u8 0\", \"Ret\"]\n"
	_, mods := mustLoad(t, src)
	m := mods[0]
	if len(m.structDefs) != 1 || len(m.signatures) != 1 {
		t.Fatalf("structDefs=%d signatures=%d", len(m.structDefs), len(m.signatures))
	}
}

func TestDisasm(t *testing.T) {
	reg, mods := mustLoad(t, mainManifest, coinManifest)
	var buf bytes.Buffer
	if err := reg.Disasm(&buf, mods[1]); err != nil {
		t.Fatalf("disasm: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"module 0xa::Coin",
		"struct Box<T> has {copy, drop, store}",
		"    v: T",
		"public fun wrap<T>(T): Box<T>",
		"PackGeneric Box<T>",
		"ImmBorrowFieldGeneric Box<T>.v",
		"public native fun hash(vector<u8>): vector<u8>;",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("disasm missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := reg.Disasm(&buf, mods[0]); err != nil {
		t.Fatalf("disasm: %v", err)
	}
	if !strings.Contains(buf.String(), "CallGeneric 0xa::Coin::wrap<u64>") {
		t.Fatalf("call operands not resolved:\n%s", buf.String())
	}
}
