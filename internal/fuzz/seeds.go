package fuzztests

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const maxSeedBytes = 64 << 10

// inlineManifests are small modules covering each operand kind.
var inlineManifests = []string{
	`[module]
address = "0x1"
name = "S"

[[structs]]
name = "P"
abilities = ["copy", "drop"]
type_params = [{ name = "T" }]
fields = [{ name = "a", type = "T" }, { name = "b", type = "bool" }]

[[constants]]
type = "address"
value = "0x1"

[[functions]]
name = "f"
entry = true
params = ["u8", "&mut vector<u64>"]
locals = ["P<u8>"]
code = ["CopyLoc 0", "LdFalse", "PackGeneric P<u8>", "StLoc 2", "ImmBorrowLoc 2", "ImmBorrowFieldGeneric P<u8>.b", "ReadRef", "BrFalse 9", "Branch 9", "MoveLoc 1", "LdU64 0", "VecPushBack u64", "LdConst 0", "Pop", "Ret"]
`,
	`[module]
address = "0x2"
name = "T"

[[functions]]
name = "loop"
entry = true
code = ["LdU64 1", "LdU64 2", "Add", "Pop", "Branch 0"]
`,
}

func addCorpusSeeds(f *testing.F) {
	for _, src := range inlineManifests {
		f.Add([]byte(src))
	}
	addTestdataSeeds(f)
}

// addTestdataSeeds adds every module manifest under the repository testdata.
func addTestdataSeeds(f *testing.F) {
	root := filepath.Join("..", "..", "testdata")
	if _, err := os.Stat(root); err != nil {
		return
	}
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return nil
		}
		if filepath.Ext(path) != ".toml" || strings.HasSuffix(path, ".scenario.toml") {
			return nil
		}
		// #nosec G304 -- path comes from repository testdata walk
		src, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		f.Add(clampSeed(src))
		return nil
	})
}

func clampSeed(src []byte) []byte {
	if len(src) <= maxSeedBytes {
		return append([]byte(nil), src...)
	}
	return append([]byte(nil), src[:maxSeedBytes]...)
}
