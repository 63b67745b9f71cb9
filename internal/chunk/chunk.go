// Package chunk turns a linear conversation into overlapping, role-tagged
// training strings.
package chunk

import (
	"errors"
	"sort"
	"strings"
	"unicode/utf8"

	"friendgpt/internal/transcript"
	"friendgpt/internal/vocab"
)

// MaxChunkRunes bounds the length of a retained chunk. Longer chunks blow
// up memory during batched training.
const MaxChunkRunes = 2000

var ErrChunkLength = errors.New("chunk length must be at least 2")

// Corpus is the set of retained chunks, shortest first.
type Corpus []string

// Tag prefixes a message with its role marker.
func Tag(m transcript.Message) string {
	if m.FromSelf {
		return vocab.SelfStart.String() + m.Text
	}
	return vocab.FriendStart.String() + m.Text
}

// Emit returns every chunk in emission order, before filtering and sorting.
//
// Each new message is appended to a sliding window. Once the window holds
// two or more messages the last two are emitted as a pair; when it reaches
// chunkLength the whole window is emitted and the window shrinks to its
// last message.
func Emit(conv []transcript.Message, chunkLength int) ([]string, error) {
	if chunkLength < 2 {
		return nil, ErrChunkLength
	}

	var chunks []string
	window := make([]string, 0, chunkLength)
	for _, m := range conv {
		window = append(window, Tag(m))

		if len(window) > 1 {
			chunks = append(chunks, strings.Join(window[len(window)-2:], ""))
		}
		if len(window) >= chunkLength {
			chunks = append(chunks, strings.Join(window, ""))
			last := window[len(window)-1]
			window = append(window[:0], last)
		}
	}
	return chunks, nil
}

// Build emits chunks, drops those of MaxChunkRunes or more, and orders the
// rest by ascending length.
func Build(conv []transcript.Message, chunkLength int) (Corpus, error) {
	chunks, err := Emit(conv, chunkLength)
	if err != nil {
		return nil, err
	}

	corpus := make(Corpus, 0, len(chunks))
	for _, c := range chunks {
		if utf8.RuneCountInString(c) < MaxChunkRunes {
			corpus = append(corpus, c)
		}
	}
	sort.SliceStable(corpus, func(i, j int) bool {
		return utf8.RuneCountInString(corpus[i]) < utf8.RuneCountInString(corpus[j])
	})
	return corpus, nil
}
