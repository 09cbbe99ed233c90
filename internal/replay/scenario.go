// Package replay drives the paranoid checker through module code the way an
// interpreter would, without computing values.
//
// A scenario names modules, an entry function and its type arguments, and
// the outcomes of the conditional branches it will execute. The Machine
// models each frame by its operand stack depth and the validity of its
// local slots only, and calls the checker hooks at the points a real
// interpreter calls them.
package replay

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"movecheck/internal/paranoid"
)

// ScenarioExt is the file suffix Discover looks for.
const ScenarioExt = ".scenario.toml"

// Scenario is one replay request.
type Scenario struct {
	Path     string   `toml:"-"`
	Name     string   `toml:"name"`
	Modules  []string `toml:"modules"`
	Entry    string   `toml:"entry"`
	TyArgs   []string `toml:"ty_args"`
	Link     string   `toml:"link"`
	Branches []bool   `toml:"branches"`
	Expect   string   `toml:"expect"`
	MaxSteps int      `toml:"max_steps"`
}

// LoadScenario reads a scenario file. Module paths are resolved relative to
// the scenario's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeScenario(path, data)
}

// DecodeScenario parses scenario TOML; path names the file for messages and
// anchors relative module paths.
func DecodeScenario(path string, data []byte) (*Scenario, error) {
	var sc Scenario
	meta, err := toml.Decode(string(data), &sc)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if !meta.IsDefined("entry") || strings.TrimSpace(sc.Entry) == "" {
		return nil, fmt.Errorf("%s: missing entry", path)
	}
	if len(sc.Modules) == 0 {
		return nil, fmt.Errorf("%s: no modules listed", path)
	}
	if sc.MaxSteps < 0 {
		return nil, fmt.Errorf("%s: max_steps must not be negative", path)
	}
	if _, err := ParseExpectation(sc.Expect); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	sc.Path = path
	if sc.Name == "" {
		sc.Name = strings.TrimSuffix(filepath.Base(path), ScenarioExt)
	}
	base := filepath.Dir(path)
	for i, m := range sc.Modules {
		if !filepath.IsAbs(m) {
			sc.Modules[i] = filepath.Join(base, m)
		}
	}
	return &sc, nil
}

// Expectation is the outcome a scenario asserts.
type Expectation struct {
	Outcome Outcome
	Code    paranoid.Code // meaningful when Outcome is OutcomeCheckFailed
}

func (e Expectation) String() string {
	if e.Outcome == OutcomeCheckFailed {
		return e.Code.Name()
	}
	return e.Outcome.String()
}

// ParseExpectation accepts ok, abort, fault, limit or a checker error name
// such as TypeMismatch. The empty string means ok.
func ParseExpectation(s string) (Expectation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ok":
		return Expectation{Outcome: OutcomeReturned}, nil
	case "abort", "aborted":
		return Expectation{Outcome: OutcomeAborted}, nil
	case "fault":
		return Expectation{Outcome: OutcomeFault}, nil
	case "limit":
		return Expectation{Outcome: OutcomeStepLimit}, nil
	}
	code, err := paranoid.ParseCode(strings.TrimSpace(s))
	if err != nil {
		return Expectation{}, fmt.Errorf("invalid expect %q (expected: ok|abort|fault|limit|<error name>)", s)
	}
	return Expectation{Outcome: OutcomeCheckFailed, Code: code}, nil
}

// Discover expands paths into scenario files: files are taken as given and
// directories are walked for *.scenario.toml. The result is sorted and free
// of duplicates.
func Discover(paths []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			add(filepath.Clean(p))
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.HasSuffix(path, ScenarioExt) {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(files)
	return files, nil
}
