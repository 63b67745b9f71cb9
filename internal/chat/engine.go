// Package chat runs the interactive conversation in which the model plays
// the other participant.
package chat

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"

	"friendgpt/internal/model"
	"friendgpt/internal/sampling"
	"friendgpt/internal/vocab"
)

// MaxReplyTokens caps the number of sampled tokens per generated turn.
const MaxReplyTokens = 150

// Stepper is the single-token inference surface of the model.
type Stepper interface {
	ZeroState() model.State
	Step(token int, st model.State) ([]float32, model.State, error)
}

// TurnLogger receives every line of the conversation.
type TurnLogger interface {
	LogTurn(ctx context.Context, speaker, text string) error
}

type Options struct {
	MyName      string
	FriendName  string
	Temperature float64
	Rand        *rand.Rand
	Turns       TurnLogger
	Logger      *slog.Logger
}

// Engine generates replies. It holds no recurrent state of its own; every
// call takes the state to continue from and returns the state to keep.
type Engine struct {
	model Stepper
	vocab *vocab.Vocabulary
	opts  Options
	log   *slog.Logger
}

func NewEngine(m Stepper, v *vocab.Vocabulary, opts Options) *Engine {
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(rand.Int63()))
	}
	if opts.MyName == "" {
		opts.MyName = "Me"
	}
	if opts.FriendName == "" {
		opts.FriendName = "Friend"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{model: m, vocab: v, opts: opts, log: logger}
}

// Encode feeds the user's message, prefixed with the self-start marker,
// through the model and returns the advanced state. Characters outside the
// vocabulary are skipped.
func (e *Engine) Encode(st model.State, text string) (model.State, error) {
	for _, r := range vocab.SelfStart.String() + text {
		id, ok := e.vocab.ID(r)
		if !ok {
			continue
		}
		_, next, err := e.model.Step(id, st)
		if err != nil {
			return st, fmt.Errorf("encode %q: %w", r, err)
		}
		st = next
	}
	return st, nil
}

// Generate produces the friend's reply. It stops when the model emits the
// end-of-message or self-start marker, in which case the self-start marker
// is fed once more to prime the next user turn, or after MaxReplyTokens
// samples, which take MaxReplyTokens model steps in total.
func (e *Engine) Generate(st model.State) (string, model.State, error) {
	end := e.vocab.MarkerID(vocab.EndOfMessage)
	self := e.vocab.MarkerID(vocab.SelfStart)

	logits, st, err := e.model.Step(e.vocab.MarkerID(vocab.FriendStart), st)
	if err != nil {
		return "", st, fmt.Errorf("start reply: %w", err)
	}

	var reply strings.Builder
	for i := 0; i < MaxReplyTokens; i++ {
		next := sampling.Sample(logits, e.opts.Temperature, e.opts.Rand)
		if next == end || next == self {
			_, st, err = e.model.Step(self, st)
			if err != nil {
				return "", st, fmt.Errorf("prime next turn: %w", err)
			}
			break
		}

		if r, ok := e.vocab.Rune(next); ok && !vocab.IsMarker(r) {
			reply.WriteRune(r)
		}
		// The last sample of a capped reply is kept but never fed.
		if i == MaxReplyTokens-1 {
			break
		}
		logits, st, err = e.model.Step(next, st)
		if err != nil {
			return "", st, fmt.Errorf("reply token %d: %w", i, err)
		}
	}
	return reply.String(), st, nil
}

// Turn encodes the user's message and generates the reply to it.
func (e *Engine) Turn(st model.State, text string) (string, model.State, error) {
	st, err := e.Encode(st, text)
	if err != nil {
		return "", st, err
	}
	return e.Generate(st)
}

// Run alternates between reading a line from in and writing the generated
// reply to out until in is exhausted or ctx is done. The recurrent state is
// created once and carried across every turn.
func (e *Engine) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	st := e.model.ZeroState()
	scanner := bufio.NewScanner(in)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		fmt.Fprintln(out, e.opts.MyName)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			return nil
		}
		mine := scanner.Text()
		e.logTurn(ctx, e.opts.MyName, mine)

		reply, next, err := e.Turn(st, mine)
		if err != nil {
			return err
		}
		st = next

		fmt.Fprintln(out)
		fmt.Fprintln(out, e.opts.FriendName)
		fmt.Fprintln(out, reply)
		fmt.Fprintln(out)
		e.logTurn(ctx, e.opts.FriendName, reply)
	}
}

func (e *Engine) logTurn(ctx context.Context, speaker, text string) {
	if e.opts.Turns == nil {
		return
	}
	if err := e.opts.Turns.LogTurn(ctx, speaker, text); err != nil {
		e.log.Warn("Failed to record chat turn", "speaker", speaker, "error", err)
	}
}
