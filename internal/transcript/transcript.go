// Package transcript loads two-person chat exports used as training data.
package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

var (
	ErrNoThreads  = errors.New("transcript has no threads")
	ErrMultiParty = errors.New("transcript must be a conversation between two persons only")
)

// Message is a single line of the conversation.
type Message struct {
	FromSelf bool
	Text     string
}

// Transcript is the validated conversation between the user and exactly
// one other participant.
type Transcript struct {
	Self     string
	Other    string
	Messages []Message
}

type rawExport struct {
	User    string `json:"user"`
	Threads []struct {
		Participants []string `json:"participants"`
		Messages     []struct {
			Sender  string `json:"sender"`
			Message string `json:"message"`
		} `json:"messages"`
	} `json:"threads"`
}

// Load reads a chat export from path. Only the first thread is used.
func Load(path string) (*Transcript, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a chat export.
func Parse(data []byte) (*Transcript, error) {
	var raw rawExport
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	if len(raw.Threads) == 0 {
		return nil, ErrNoThreads
	}

	thread := raw.Threads[0]
	if len(thread.Participants) != 1 {
		return nil, fmt.Errorf("%w: found %d other participants", ErrMultiParty, len(thread.Participants))
	}

	t := &Transcript{
		Self:     raw.User,
		Other:    thread.Participants[0],
		Messages: make([]Message, 0, len(thread.Messages)),
	}
	for _, m := range thread.Messages {
		t.Messages = append(t.Messages, Message{
			FromSelf: m.Sender == raw.User,
			Text:     m.Message,
		})
	}
	return t, nil
}
