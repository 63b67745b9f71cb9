package chunk

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"friendgpt/internal/transcript"
)

func conversation(n int) []transcript.Message {
	msgs := make([]transcript.Message, n)
	for i := range msgs {
		msgs[i] = transcript.Message{FromSelf: i%2 == 0, Text: strings.Repeat("x", i+1)}
	}
	return msgs
}

func TestEmitOrder(t *testing.T) {
	conv := []transcript.Message{
		{FromSelf: true, Text: "hi"},
		{FromSelf: false, Text: "hey"},
		{FromSelf: true, Text: "how are you"},
	}
	got, err := Emit(conv, 3)
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	want := []string{
		"\u001Chi\u001Dhey",
		"\u001Dhey\u001Chow are you",
		"\u001Chi\u001Dhey\u001Chow are you",
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d chunks, got %d: %q", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk %d: expected %q, got %q", i, want[i], got[i])
		}
	}

	corpus, err := Build(conv, 3)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(corpus) != 3 || corpus[0] != want[0] || corpus[2] != want[2] {
		t.Fatalf("unexpected corpus order: %q", corpus)
	}
}

func TestTwoMessagesYieldOnlyPair(t *testing.T) {
	got, err := Emit(conversation(2), 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected a single pairwise chunk, got %q", got)
	}
}

func TestEmissionCounts(t *testing.T) {
	tests := []struct {
		n, k int
	}{
		{3, 3}, {4, 3}, {5, 3}, {10, 3}, {10, 4}, {7, 7}, {6, 2},
	}
	for _, tt := range tests {
		got, err := Emit(conversation(tt.n), tt.k)
		if err != nil {
			t.Fatal(err)
		}
		pairs := tt.n - 1
		full := (tt.n - 1) / (tt.k - 1)
		if len(got) != pairs+full {
			t.Errorf("n=%d k=%d: expected %d pairs + %d full, got %d chunks", tt.n, tt.k, pairs, full, len(got))
		}
	}
}

func TestBuildFiltersAndSorts(t *testing.T) {
	conv := []transcript.Message{
		{FromSelf: true, Text: strings.Repeat("a", 1500)},
		{FromSelf: false, Text: strings.Repeat("b", 600)},
		{FromSelf: true, Text: "ok"},
		{FromSelf: false, Text: "sure thing"},
	}
	corpus, err := Build(conv, 3)
	if err != nil {
		t.Fatal(err)
	}
	// pair(1,2) has 2102 runes and the full window 2105; both are dropped.
	if len(corpus) != 2 {
		t.Fatalf("expected 2 surviving chunks, got %d", len(corpus))
	}
	if got := utf8.RuneCountInString(corpus[0]); got != 14 {
		t.Errorf("expected shortest chunk of 14 runes, got %d", got)
	}
	if got := utf8.RuneCountInString(corpus[1]); got != 604 {
		t.Errorf("expected second chunk of 604 runes, got %d", got)
	}
	for i, c := range corpus {
		n := utf8.RuneCountInString(c)
		if n >= MaxChunkRunes {
			t.Errorf("chunk %d has %d runes", i, n)
		}
		if i > 0 && n < utf8.RuneCountInString(corpus[i-1]) {
			t.Errorf("chunk %d is shorter than its predecessor", i)
		}
	}
}

func TestBuildLengthBoundary(t *testing.T) {
	// A pair is two tagged messages: 2 marker runes plus both texts.
	pair := func(a, b int) []transcript.Message {
		return []transcript.Message{
			{FromSelf: true, Text: strings.Repeat("a", a)},
			{FromSelf: false, Text: strings.Repeat("b", b)},
		}
	}
	tests := []struct {
		name string
		conv []transcript.Message
		want int
	}{
		{"1999 runes kept", pair(1000, 997), 1},
		{"2000 runes dropped", pair(1000, 998), 0},
		{"2102 runes dropped", pair(1500, 600), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			corpus, err := Build(tt.conv, 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(corpus) != tt.want {
				t.Fatalf("expected %d chunks, got %d", tt.want, len(corpus))
			}
			if tt.want == 1 && utf8.RuneCountInString(corpus[0]) != MaxChunkRunes-1 {
				t.Fatalf("expected a %d-rune chunk, got %d", MaxChunkRunes-1, utf8.RuneCountInString(corpus[0]))
			}
		})
	}
}

func TestChunkLengthValidation(t *testing.T) {
	if _, err := Build(conversation(3), 1); !errors.Is(err, ErrChunkLength) {
		t.Fatalf("expected ErrChunkLength, got %v", err)
	}
}
