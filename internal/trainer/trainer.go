// Package trainer drives epochs of teacher-forced training over a chunk
// corpus and checkpoints the model after every epoch.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"friendgpt/internal/checkpoint"
	"friendgpt/internal/history"
	"friendgpt/internal/model"
	"friendgpt/internal/vocab"
)

var ErrCorpusTooSmall = errors.New("corpus is smaller than one batch")

// SequenceModel is the training surface of the model.
type SequenceModel interface {
	Config() model.Config
	TrainStep(vocab.Batch) (float64, error)
	Snapshot() model.Snapshot
}

// Checkpoints persists the vocabulary, manifest and snapshots.
type Checkpoints interface {
	VocabPath() string
	SaveManifest(checkpoint.Manifest) error
	Save(step int, snap model.Snapshot) (string, error)
}

// EpochRecorder receives a record of every finished epoch.
type EpochRecorder interface {
	RecordEpoch(ctx context.Context, e history.Epoch) error
}

type Options struct {
	// MaxVocab bounds the fitted vocabulary, markers included. Zero keeps
	// every character.
	MaxVocab int
	// Model is the template config; Vocab is filled in after fitting.
	Model    model.Config
	Manifest checkpoint.Manifest
	NewModel func(model.Config) (SequenceModel, error)
	History  EpochRecorder
	Logger   *slog.Logger
}

type Trainer struct {
	opts   Options
	store  Checkpoints
	vocab  *vocab.Vocabulary
	model  SequenceModel
	offset int
	epochs int
	runID  string
	log    *slog.Logger
}

func New(store Checkpoints, opts Options) *Trainer {
	if opts.NewModel == nil {
		opts.NewModel = func(cfg model.Config) (SequenceModel, error) { return model.New(cfg) }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runID := uuid.NewString()
	return &Trainer{
		opts:  opts,
		store: store,
		vocab: vocab.New(),
		runID: runID,
		log:   logger.With("run_id", runID),
	}
}

// Resume continues from a restored checkpoint: the loaded vocabulary is
// reused as is and checkpoint numbering continues after step.
func (t *Trainer) Resume(m SequenceModel, v *vocab.Vocabulary, step int) {
	t.model = m
	t.vocab = v
	t.offset = step + 1
}

func (t *Trainer) RunID() string { return t.runID }

func (t *Trainer) Vocab() *vocab.Vocabulary { return t.vocab }

// Model returns the trained model, nil before the first Fit.
func (t *Trainer) Model() SequenceModel { return t.model }

// BatchAt returns the batch for a global step. The corpus is cut into
// contiguous slices of batchSize (the last one may be shorter) which are
// visited cyclically.
func BatchAt(corpus []string, batchSize, step int) []string {
	if len(corpus) == 0 || batchSize <= 0 {
		return nil
	}
	parts := (len(corpus) + batchSize - 1) / batchSize
	pos := (step % parts) * batchSize
	end := pos + batchSize
	if end > len(corpus) {
		end = len(corpus)
	}
	return corpus[pos:end]
}

// Fit trains for numEpochs. The vocabulary is fitted and saved before the
// first step unless it was loaded. Any step failure aborts the run; the
// last written checkpoint is the recovery point.
func (t *Trainer) Fit(ctx context.Context, corpus []string, numEpochs, batchSize int) error {
	if batchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	stepsPerEpoch := len(corpus) / batchSize
	if stepsPerEpoch == 0 {
		return fmt.Errorf("%w: %d chunks, batch size %d", ErrCorpusTooSmall, len(corpus), batchSize)
	}

	if !t.vocab.IsFitted() {
		t.vocab.Fit(corpus, t.opts.MaxVocab)
		if err := t.vocab.Save(t.store.VocabPath()); err != nil {
			return fmt.Errorf("save vocabulary: %w", err)
		}
		t.log.Info("Vocabulary fitted and saved", "size", t.vocab.Size(), "path", t.store.VocabPath())
	}

	if t.model == nil {
		cfg := t.opts.Model
		cfg.Vocab = t.vocab.Size()
		m, err := t.opts.NewModel(cfg)
		if err != nil {
			return fmt.Errorf("build model: %w", err)
		}
		t.model = m
	}
	manifest := t.opts.Manifest
	manifest.Model = t.model.Config()
	if err := t.store.SaveManifest(manifest); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}

	t.log.Info("Starting training",
		"chunks", len(corpus), "epochs", numEpochs, "batch_size", batchSize,
		"steps_per_epoch", stepsPerEpoch, "first_step", t.offset)

	base := t.offset
	for epoch := 0; epoch < numEpochs; epoch++ {
		started := time.Now()
		var lossSum float64
		var step int
		for step = 0; step < stepsPerEpoch; step++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			batch := t.vocab.Transform(BatchAt(corpus, batchSize, epoch*stepsPerEpoch+step))
			loss, err := t.model.TrainStep(batch)
			if err != nil {
				return fmt.Errorf("epoch %d step %d: %w", epoch, step, err)
			}
			lossSum += loss
			t.log.Debug("Training step", "epoch", epoch, "step", step, "loss", loss)
		}

		globalStep := base + epoch*stepsPerEpoch + step - 1
		name, err := t.store.Save(globalStep, t.model.Snapshot())
		if err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		// A later Fit on this trainer continues numbering after this one.
		t.offset = globalStep + 1
		runEpoch := t.epochs
		t.epochs++

		meanLoss := lossSum / float64(stepsPerEpoch)
		t.log.Info("Epoch complete",
			"epoch", epoch, "loss", meanLoss, "checkpoint", name, "elapsed", time.Since(started))

		if t.opts.History != nil {
			err := t.opts.History.RecordEpoch(ctx, history.Epoch{
				RunID:      t.runID,
				Epoch:      runEpoch,
				GlobalStep: globalStep,
				Loss:       meanLoss,
				Checkpoint: name,
			})
			if err != nil {
				t.log.Warn("Failed to record epoch", "epoch", epoch, "error", err)
			}
		}
	}
	return nil
}
