package checkpoint

import (
	"fmt"

	"friendgpt/internal/model"
	"friendgpt/internal/vocab"
)

// Restored is a model rebuilt from a save directory.
type Restored struct {
	Model    *model.Model
	Vocab    *vocab.Vocabulary
	Manifest Manifest
	Step     int
}

// Restore loads the vocabulary, rebuilds the model described by the
// manifest and restores the most recent checkpoint into it. Callers should
// check CanLoad first; an empty directory yields ErrNoCheckpoint.
func (s *Store) Restore() (*Restored, error) {
	v, err := vocab.Load(s.VocabPath())
	if err != nil {
		return nil, fmt.Errorf("load vocabulary: %w", err)
	}
	man, err := s.LoadManifest()
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	if man.Model.Vocab != v.Size() {
		return nil, fmt.Errorf("manifest vocabulary size %d does not match vocabulary %d", man.Model.Vocab, v.Size())
	}

	m, err := model.New(man.Model)
	if err != nil {
		return nil, err
	}
	snap, step, err := s.Load()
	if err != nil {
		return nil, err
	}
	if err := m.Restore(snap); err != nil {
		return nil, fmt.Errorf("restore checkpoint %s: %w", Name(step), err)
	}
	return &Restored{Model: m, Vocab: v, Manifest: man, Step: step}, nil
}
