// Package vocab maps characters to integer ids and back for the
// character-level model, including the reserved control markers.
package vocab

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Marker is one of the reserved control characters of the vocabulary.
type Marker rune

const (
	SelfStart    Marker = '\u001C'
	FriendStart  Marker = '\u001D'
	EndOfMessage Marker = '\u001E'
	Unknown      Marker = '\u001F'
)

// Markers lists the reserved symbols in id order.
var Markers = [...]Marker{SelfStart, FriendStart, EndOfMessage, Unknown}

func (m Marker) Rune() rune { return rune(m) }

func (m Marker) String() string { return string(rune(m)) }

// IsMarker reports whether r is one of the reserved control characters.
func IsMarker(r rune) bool {
	for _, m := range Markers {
		if rune(m) == r {
			return true
		}
	}
	return false
}

var ErrNotFitted = errors.New("vocabulary is not fitted")

type Vocabulary struct {
	toID   map[rune]int
	toRune []rune
}

func New() *Vocabulary {
	return &Vocabulary{toID: make(map[rune]int)}
}

// Fit builds the vocabulary from a corpus (character-level). The four
// markers always take ids 0..3; the remaining maxSize-4 slots go to the
// most frequent characters.
func (v *Vocabulary) Fit(corpus []string, maxSize int) {
	// Count character frequencies
	counts := make(map[rune]int)
	for _, text := range corpus {
		for _, r := range text {
			if IsMarker(r) {
				continue
			}
			counts[r]++
		}
	}

	type charFreq struct {
		char rune
		freq int
	}
	chars := make([]charFreq, 0, len(counts))
	for r, n := range counts {
		chars = append(chars, charFreq{r, n})
	}
	sort.Slice(chars, func(i, j int) bool {
		if chars[i].freq != chars[j].freq {
			return chars[i].freq > chars[j].freq
		}
		return chars[i].char < chars[j].char
	})

	v.toID = make(map[rune]int, len(chars)+len(Markers))
	v.toRune = v.toRune[:0]
	for _, m := range Markers {
		v.add(rune(m))
	}
	for _, cf := range chars {
		if maxSize > 0 && len(v.toRune) >= maxSize {
			break
		}
		v.add(cf.char)
	}
}

func (v *Vocabulary) add(r rune) {
	v.toID[r] = len(v.toRune)
	v.toRune = append(v.toRune, r)
}

func (v *Vocabulary) IsFitted() bool { return len(v.toRune) > 0 }

// Size returns the number of ids, markers included.
func (v *Vocabulary) Size() int { return len(v.toRune) }

func (v *Vocabulary) ID(r rune) (int, bool) {
	id, ok := v.toID[r]
	return id, ok
}

func (v *Vocabulary) Rune(id int) (rune, bool) {
	if id < 0 || id >= len(v.toRune) {
		return 0, false
	}
	return v.toRune[id], true
}

// MarkerID returns the id of a reserved marker. Markers are present in
// every fitted vocabulary.
func (v *Vocabulary) MarkerID(m Marker) int {
	return v.toID[rune(m)]
}

// Encode converts text to ids, mapping characters outside the vocabulary
// to the Unknown marker.
func (v *Vocabulary) Encode(text string) []int {
	ids := make([]int, 0, len(text))
	unk := v.MarkerID(Unknown)
	for _, r := range text {
		if id, ok := v.toID[r]; ok {
			ids = append(ids, id)
		} else {
			ids = append(ids, unk)
		}
	}
	return ids
}

// Decode converts ids back to text, dropping control markers.
func (v *Vocabulary) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		r, ok := v.Rune(id)
		if !ok || IsMarker(r) {
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

type fileFormat struct {
	Runes []string `json:"runes"`
	Size  int      `json:"size"`
}

// Save writes the vocabulary as JSON.
func (v *Vocabulary) Save(path string) error {
	if !v.IsFitted() {
		return ErrNotFitted
	}
	data := fileFormat{Runes: make([]string, len(v.toRune)), Size: len(v.toRune)}
	for i, r := range v.toRune {
		data.Runes[i] = string(r)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// Load reads a vocabulary written by Save.
func Load(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var data fileFormat
	if err := json.NewDecoder(f).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode vocabulary: %w", err)
	}
	if len(data.Runes) != data.Size {
		return nil, fmt.Errorf("vocabulary size mismatch: %d runes, size %d", len(data.Runes), data.Size)
	}

	v := New()
	for i, s := range data.Runes {
		rs := []rune(s)
		if len(rs) != 1 {
			return nil, fmt.Errorf("vocabulary entry %d: %q is not a single character", i, s)
		}
		if prev, dup := v.toID[rs[0]]; dup {
			return nil, fmt.Errorf("vocabulary entry %d: %q already has id %d", i, s, prev)
		}
		v.add(rs[0])
	}
	for _, m := range Markers {
		if _, ok := v.toID[rune(m)]; !ok {
			return nil, fmt.Errorf("vocabulary is missing marker %U", rune(m))
		}
	}
	return v, nil
}
