package chat

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"testing"

	"friendgpt/internal/model"
	"friendgpt/internal/vocab"
)

// scripted is a Stepper whose logits always peak at next(fed token). The
// state counts the steps taken so threading can be checked.
type scripted struct {
	size int
	next func(fed int) int
	fed  []int
}

func (s *scripted) ZeroState() model.State {
	return model.State{{C: []float32{0}, H: []float32{0}}}
}

func (s *scripted) Step(token int, st model.State) ([]float32, model.State, error) {
	s.fed = append(s.fed, token)
	logits := make([]float32, s.size)
	logits[s.next(token)] = 10
	next := st.Clone()
	next[0].H[0]++
	return logits, next, nil
}

func testVocab() *vocab.Vocabulary {
	v := vocab.New()
	v.Fit([]string{"ab"}, 0)
	return v
}

func newTestEngine(v *vocab.Vocabulary, m Stepper) *Engine {
	return NewEngine(m, v, Options{
		MyName:     "me",
		FriendName: "bob",
		Rand:       rand.New(rand.NewSource(1)),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestGenerateStopsOnEndMarker(t *testing.T) {
	v := testVocab()
	end := v.MarkerID(vocab.EndOfMessage)
	m := &scripted{size: v.Size(), next: func(int) int { return end }}
	e := newTestEngine(v, m)

	reply, st, err := e.Generate(m.ZeroState())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if reply != "" {
		t.Fatalf("expected empty reply, got %q", reply)
	}
	want := []int{v.MarkerID(vocab.FriendStart), v.MarkerID(vocab.SelfStart)}
	if len(m.fed) != len(want) || m.fed[0] != want[0] || m.fed[1] != want[1] {
		t.Fatalf("expected friend-start then self-start priming, fed %v", m.fed)
	}
	if st[0].H[0] != 2 {
		t.Fatalf("expected state advanced twice, got %v", st[0].H[0])
	}
}

func TestGenerateStopsOnSelfStart(t *testing.T) {
	v := testVocab()
	a, _ := v.ID('a')
	self := v.MarkerID(vocab.SelfStart)
	m := &scripted{size: v.Size(), next: func(fed int) int {
		if fed == v.MarkerID(vocab.FriendStart) {
			return a
		}
		return self
	}}
	e := newTestEngine(v, m)

	reply, _, err := e.Generate(m.ZeroState())
	if err != nil {
		t.Fatal(err)
	}
	if reply != "a" {
		t.Fatalf("expected reply %q, got %q", "a", reply)
	}
	if last := m.fed[len(m.fed)-1]; last != self {
		t.Fatalf("expected self-start priming, last fed %d", last)
	}
}

func TestGenerateIsCapped(t *testing.T) {
	v := testVocab()
	b, _ := v.ID('b')
	m := &scripted{size: v.Size(), next: func(int) int { return b }}
	e := newTestEngine(v, m)

	reply, _, err := e.Generate(m.ZeroState())
	if err != nil {
		t.Fatal(err)
	}
	if reply != strings.Repeat("b", MaxReplyTokens) {
		t.Fatalf("expected %d characters, got %d", MaxReplyTokens, len(reply))
	}
	// friend-start plus a feed for every sample but the last, no priming
	if len(m.fed) != MaxReplyTokens {
		t.Fatalf("expected %d steps, got %d", MaxReplyTokens, len(m.fed))
	}
	if m.fed[0] != v.MarkerID(vocab.FriendStart) {
		t.Fatalf("expected friend-start first, fed %d", m.fed[0])
	}
}

func TestEncodeSkipsUnknownCharacters(t *testing.T) {
	v := testVocab()
	m := &scripted{size: v.Size(), next: func(int) int { return 0 }}
	e := newTestEngine(v, m)

	st, err := e.Encode(m.ZeroState(), "a?b")
	if err != nil {
		t.Fatal(err)
	}
	a, _ := v.ID('a')
	b, _ := v.ID('b')
	want := []int{v.MarkerID(vocab.SelfStart), a, b}
	if len(m.fed) != len(want) {
		t.Fatalf("expected %v fed, got %v", want, m.fed)
	}
	for i := range want {
		if m.fed[i] != want[i] {
			t.Fatalf("expected %v fed, got %v", want, m.fed)
		}
	}
	if st[0].H[0] != 3 {
		t.Fatalf("expected three state updates, got %v", st[0].H[0])
	}
}

type turnLog struct{ lines []string }

func (l *turnLog) LogTurn(_ context.Context, speaker, text string) error {
	l.lines = append(l.lines, speaker+": "+text)
	return nil
}

func TestRunCarriesStateAcrossTurns(t *testing.T) {
	v := testVocab()
	a, _ := v.ID('a')
	end := v.MarkerID(vocab.EndOfMessage)
	m := &scripted{size: v.Size(), next: func(fed int) int {
		if fed == v.MarkerID(vocab.FriendStart) {
			return a
		}
		return end
	}}
	log := &turnLog{}
	e := NewEngine(m, v, Options{
		MyName:     "me",
		FriendName: "bob",
		Rand:       rand.New(rand.NewSource(1)),
		Turns:      log,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	var out bytes.Buffer
	if err := e.Run(context.Background(), strings.NewReader("ab\nb\n"), &out); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := out.String()
	if strings.Count(got, "bob\na\n") != 2 {
		t.Fatalf("expected two replies, got %q", got)
	}
	if !strings.HasPrefix(got, "me\n") || !strings.HasSuffix(got, "me\n") {
		t.Fatalf("expected prompts for me around the replies, got %q", got)
	}
	if len(log.lines) != 4 || log.lines[1] != "bob: a" {
		t.Fatalf("unexpected turn log %v", log.lines)
	}
	// turn 1: self a b, friend a, self = 6 steps; turn 2: self b, friend a, self = 5
	if len(m.fed) != 11 {
		t.Fatalf("expected 11 steps over two turns, got %d", len(m.fed))
	}
}
