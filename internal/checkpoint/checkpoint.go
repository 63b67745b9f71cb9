// Package checkpoint saves and discovers numbered model snapshots in a
// save directory.
package checkpoint

import (
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"friendgpt/internal/model"
)

const (
	BaseName     = "model.ckpt"
	VocabFile    = "vocab.json"
	ManifestFile = "manifest.json"
)

var (
	ErrNoCheckpoint = errors.New("no checkpoint found")

	nameRE = regexp.MustCompile(`^model\.ckpt-(\d+)$`)
)

// Manifest records what is needed to rebuild the model graph.
type Manifest struct {
	Model      model.Config `json:"model"`
	ChunkLen   int          `json:"chunk_length"`
	Transcript string       `json:"transcript"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Store is a save directory holding checkpoints, the vocabulary and the
// manifest.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create save directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) VocabPath() string { return filepath.Join(s.dir, VocabFile) }

// Name returns the file name of the checkpoint for a global step.
func Name(step int) string {
	return fmt.Sprintf("%s-%d", BaseName, step)
}

// Save writes a snapshot tagged with step.
func (s *Store) Save(step int, snap model.Snapshot) (string, error) {
	name := Name(step)
	tmp, err := os.CreateTemp(s.dir, name+".tmp*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(snap); err != nil {
		tmp.Close()
		return "", fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return "", fmt.Errorf("commit checkpoint: %w", err)
	}
	return name, nil
}

type entry struct {
	name string
	step int
}

func (s *Store) list() ([]entry, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read save directory: %w", err)
	}
	var out []entry
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		m := nameRE.FindStringSubmatch(f.Name())
		if m == nil {
			continue
		}
		step, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out = append(out, entry{f.Name(), step})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].step < out[j].step })
	return out, nil
}

// CanLoad reports whether at least one checkpoint exists.
func (s *Store) CanLoad() (bool, error) {
	entries, err := s.list()
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// Latest returns the name and step of the highest-numbered checkpoint.
func (s *Store) Latest() (string, int, error) {
	entries, err := s.list()
	if err != nil {
		return "", 0, err
	}
	if len(entries) == 0 {
		return "", 0, ErrNoCheckpoint
	}
	last := entries[len(entries)-1]
	return last.name, last.step, nil
}

// Load reads the most recent checkpoint.
func (s *Store) Load() (model.Snapshot, int, error) {
	name, step, err := s.Latest()
	if err != nil {
		return model.Snapshot{}, 0, err
	}

	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return model.Snapshot{}, 0, err
	}
	defer f.Close()

	var snap model.Snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return model.Snapshot{}, 0, fmt.Errorf("decode checkpoint %s: %w", name, err)
	}
	return snap, step, nil
}

func (s *Store) SaveManifest(m Manifest) error {
	m.UpdatedAt = time.Now()
	f, err := os.Create(filepath.Join(s.dir, ManifestFile))
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	return encoder.Encode(m)
}

func (s *Store) LoadManifest() (Manifest, error) {
	var m Manifest
	f, err := os.Open(filepath.Join(s.dir, ManifestFile))
	if err != nil {
		return m, err
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return m, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}
