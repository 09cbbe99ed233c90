package incident

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Current schema version - increment when the record format changes.
const storeSchemaVersion uint16 = 1

const recordExt = ".mp"

// record is the on-disk envelope of an incident.
type record struct {
	Schema   uint16    `msgpack:"schema"`
	Incident *Incident `msgpack:"incident"`
}

// Store writes incidents as msgpack files under a directory.
// Thread-safe for concurrent access.
type Store struct {
	mu  sync.RWMutex
	dir string

	errMu sync.Mutex
	errs  []error
}

// OpenStore creates dir if needed and returns a store rooted there.
func OpenStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("incident store: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("incident store: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) pathFor(id string) string {
	return filepath.Join(s.dir, id+recordExt)
}

// Put serializes and writes one incident, replacing any file with the same ID.
func (s *Store) Put(in *Incident) (err error) {
	if s == nil || in == nil {
		return nil
	}
	in.stampID()

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.CreateTemp(s.dir, "tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		// After a successful rename the temp name no longer exists.
		if rmErr := os.Remove(f.Name()); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
			err = rmErr
		}
	}()

	if err := msgpack.NewEncoder(f).Encode(&record{Schema: storeSchemaVersion, Incident: in}); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode incident %s: %w", in.ID, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), s.pathFor(in.ID))
}

// Report implements Sink. Write failures are kept and returned by Err.
func (s *Store) Report(in *Incident) {
	if err := s.Put(in); err != nil {
		s.errMu.Lock()
		s.errs = append(s.errs, err)
		s.errMu.Unlock()
	}
}

// Err returns the accumulated write failures of Report.
func (s *Store) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return errors.Join(s.errs...)
}

// Get reads one incident by ID.
func (s *Store) Get(id string) (*Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, err := readRecord(s.pathFor(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return in, true, nil
}

// List reads every incident in the store, oldest first. Records written by
// another schema version are skipped.
func (s *Store) List() ([]*Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []*Incident
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) {
			continue
		}
		in, err := readRecord(filepath.Join(s.dir, e.Name()))
		if errors.Is(err, errSchema) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Time.Equal(out[j].Time) {
			return out[i].ID < out[j].ID
		}
		return out[i].Time.Before(out[j].Time)
	})
	return out, nil
}

var errSchema = errors.New("incident schema mismatch")

func readRecord(path string) (*Incident, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rec record
	if err := msgpack.NewDecoder(f).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if rec.Schema != storeSchemaVersion || rec.Incident == nil {
		return nil, fmt.Errorf("%s: %w (got %d)", filepath.Base(path), errSchema, rec.Schema)
	}
	return rec.Incident, nil
}
