package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"friendgpt/internal/chat"
	"friendgpt/internal/model"
	"friendgpt/internal/vocab"
)

// echoFirst replies with a single 'a' then ends the message.
type echoFirst struct {
	v *vocab.Vocabulary
}

func (e echoFirst) ZeroState() model.State {
	return model.State{{C: []float32{0}, H: []float32{0}}}
}

func (e echoFirst) Step(token int, st model.State) ([]float32, model.State, error) {
	logits := make([]float32, e.v.Size())
	a, _ := e.v.ID('a')
	if token == e.v.MarkerID(vocab.FriendStart) {
		logits[a] = 10
	} else {
		logits[e.v.MarkerID(vocab.EndOfMessage)] = 10
	}
	next := st.Clone()
	next[0].H[0]++
	return logits, next, nil
}

type memoryLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *memoryLog) LogTurn(_ context.Context, speaker, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, speaker+": "+text)
	return nil
}

func (l *memoryLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func newTestServer(t *testing.T, log *memoryLog) *httptest.Server {
	t.Helper()
	v := vocab.New()
	v.Fit([]string{"ab"}, 0)
	s := New(echoFirst{v: v}, v, Options{
		MyName:     "me",
		FriendName: "bob",
		Seed:       7,
		Sessions:   func() chat.TurnLogger { return log },
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, &memoryLog{})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestChatOverWebSocket(t *testing.T) {
	log := &memoryLog{}
	ts := newTestServer(t, log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/chat"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.CloseNow()

	for _, msg := range []string{"ab", "b"} {
		if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		typ, reply, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if typ != websocket.MessageText || string(reply) != "a" {
			t.Fatalf("expected text reply %q, got %v %q", "a", typ, reply)
		}
	}
	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	got := log.snapshot()
	want := []string{"me: ab", "bob: a", "me: b", "bob: a"}
	if len(got) != len(want) {
		t.Fatalf("expected turns %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected turns %v, got %v", want, got)
		}
	}
}
