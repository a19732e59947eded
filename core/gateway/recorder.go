package gateway

import (
	"context"
	"strings"
	"sync"
)

// Message is one outbound send captured by Recorder.
type Message struct {
	UserID  string
	Text    string
	Options []Option
	Typing  bool
}

// Recorder is an in-memory Gateway that keeps every send. Useful in tests
// and for dry runs without a platform connection.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
	// Err, when set, is returned from every send after recording it.
	Err error
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) SendText(_ context.Context, userID, text string) error {
	return r.add(Message{UserID: userID, Text: text})
}

func (r *Recorder) SendOptions(_ context.Context, userID, text string, options []Option) error {
	return r.add(Message{UserID: userID, Text: text, Options: append([]Option(nil), options...)})
}

func (r *Recorder) SendTyping(_ context.Context, userID string) error {
	return r.add(Message{UserID: userID, Typing: true})
}

func (r *Recorder) add(m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return r.Err
}

// Messages returns every non-typing send, in order.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.msgs {
		if !m.Typing {
			out = append(out, m)
		}
	}
	return out
}

// To returns the non-typing sends addressed to userID.
func (r *Recorder) To(userID string) []Message {
	var out []Message
	for _, m := range r.Messages() {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out
}

// Last returns the most recent non-typing send to userID.
func (r *Recorder) Last(userID string) (Message, bool) {
	msgs := r.To(userID)
	if len(msgs) == 0 {
		return Message{}, false
	}
	return msgs[len(msgs)-1], true
}

// Typing counts typing indicators sent to userID.
func (r *Recorder) Typing(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m.Typing && m.UserID == userID {
			n++
		}
	}
	return n
}

// Contains reports whether any send to userID includes substr.
func (r *Recorder) Contains(userID, substr string) bool {
	for _, m := range r.To(userID) {
		if strings.Contains(m.Text, substr) {
			return true
		}
	}
	return false
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.msgs = nil
	r.mu.Unlock()
}
