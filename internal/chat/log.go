// Package chat holds the ordered, append-only message log layered on the
// session's signaling channel. The log lives and dies with one session
// attempt; nothing here is persisted.
package chat

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message is immutable once appended. Ordering is local append order:
// messages the two sides send "simultaneously" may appear in either relative
// order on each side.
type Message struct {
	ID        uuid.UUID
	Text      string
	Sender    string
	Timestamp time.Time
	Self      bool
}

// Log is an append-only message log.
type Log struct {
	mu   sync.Mutex
	msgs []Message
}

func NewLog() *Log {
	return &Log{}
}

// AppendSelf records a locally sent message before transmission (the local
// echo is optimistic). Empty or whitespace-only text is ignored without
// error; the second return value reports whether anything was appended.
func (l *Log) AppendSelf(text, sender string) (Message, bool) {
	if strings.TrimSpace(text) == "" {
		return Message{}, false
	}
	msg := Message{
		ID:        uuid.New(),
		Text:      text,
		Sender:    sender,
		Timestamp: time.Now(),
		Self:      true,
	}
	l.mu.Lock()
	l.msgs = append(l.msgs, msg)
	l.mu.Unlock()
	return msg, true
}

// AppendPeer records a message received from the remote participant.
func (l *Log) AppendPeer(text, sender string, ts time.Time) Message {
	if ts.IsZero() {
		ts = time.Now()
	}
	msg := Message{
		ID:        uuid.New(),
		Text:      text,
		Sender:    sender,
		Timestamp: ts,
		Self:      false,
	}
	l.mu.Lock()
	l.msgs = append(l.msgs, msg)
	l.mu.Unlock()
	return msg
}

// Messages returns a snapshot of the log in append order.
func (l *Log) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}
