// Package msgstore buffers the byte and event stream of a single execution
// process and fans it out to subscribers. Late subscribers receive the full
// retained history followed by live updates, in insertion order.
package msgstore

import (
	"encoding/json"
	"strings"
	"sync"
)

// Kind discriminates the message variants carried by a Store.
type Kind int

const (
	KindStdout Kind = iota
	KindStderr
	KindJSONPatch
	KindSessionID
	KindFinished
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindStdout:
		return "stdout"
	case KindStderr:
		return "stderr"
	case KindJSONPatch:
		return "json_patch"
	case KindSessionID:
		return "session_id"
	case KindFinished:
		return "finished"
	}
	return "unknown"
}

// LogMsg is one entry in a Store. Text holds the chunk for Stdout/Stderr and
// the id for SessionID; Patch holds a serialized JSON-Patch array for
// JSONPatch messages.
type LogMsg struct {
	Kind  Kind
	Text  string
	Patch json.RawMessage
}

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls more than this many messages behind is disconnected and must
// re-subscribe for a fresh history replay.
const subscriberBuffer = 1024

// Subscription is a live feed from a Store. C is closed when the stream ends:
// after Finished was delivered, after Close, or because the subscriber
// lagged.
type Subscription struct {
	C <-chan LogMsg

	store     *Store
	ch        chan LogMsg
	quit      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	lag       bool
	done      bool
}

// Lagged reports whether the subscription was dropped because the subscriber
// fell behind. Valid after C is closed.
func (s *Subscription) Lagged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lag
}

// Close detaches the subscription. Safe to call multiple times.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
	if s.store != nil {
		s.store.unsubscribe(s)
	}
}

// deliver enqueues m without blocking. Returns false when the buffer is full.
func (s *Subscription) deliver(m LogMsg) bool {
	select {
	case s.ch <- m:
		return true
	default:
		return false
	}
}

// finish marks the subscription terminated and closes its channel.
func (s *Subscription) finish(lagged bool) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.lag = lagged
	s.mu.Unlock()
	close(s.ch)
}

// Store is an append-only, in-memory log for one process with broadcast
// fan-out. All methods are safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	history  []LogMsg
	subs     map[*Subscription]struct{}
	finished bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{subs: make(map[*Subscription]struct{})}
}

// PushStdout appends a stdout chunk. Chunks are arbitrary byte groups; line
// framing is the consumer's concern.
func (s *Store) PushStdout(chunk string) {
	s.push(LogMsg{Kind: KindStdout, Text: chunk})
}

// PushStderr appends a stderr chunk.
func (s *Store) PushStderr(chunk string) {
	s.push(LogMsg{Kind: KindStderr, Text: chunk})
}

// PushPatch appends a serialized JSON-Patch array targeting the process's
// conversation document.
func (s *Store) PushPatch(patch json.RawMessage) {
	s.push(LogMsg{Kind: KindJSONPatch, Patch: patch})
}

// PushSessionID appends the agent-reported session identifier. Repeats are
// allowed; only the last is semantically meaningful.
func (s *Store) PushSessionID(id string) {
	s.push(LogMsg{Kind: KindSessionID, Text: id})
}

// PushFinished appends the terminal sentinel and closes every live
// subscription. Appends after the first PushFinished are ignored.
func (s *Store) PushFinished() {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	fin := LogMsg{Kind: KindFinished}
	s.history = append(s.history, fin)
	subs := s.subs
	s.subs = make(map[*Subscription]struct{})
	s.mu.Unlock()

	for sub := range subs {
		if sub.deliver(fin) {
			sub.finish(false)
		} else {
			// No room for the sentinel: the subscriber is a laggard and must
			// reconnect to observe the end of the stream.
			sub.finish(true)
		}
	}
}

func (s *Store) push(m LogMsg) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.history = append(s.history, m)
	var lagged []*Subscription
	for sub := range s.subs {
		if !sub.deliver(m) {
			lagged = append(lagged, sub)
		}
	}
	for _, sub := range lagged {
		delete(s.subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range lagged {
		sub.finish(true)
	}
}

func (s *Store) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	_, ok := s.subs[sub]
	delete(s.subs, sub)
	s.mu.Unlock()
	if ok {
		sub.finish(false)
	}
}

// Subscribe returns a live-only subscription: no history replay, messages
// from now on until Finished, Close, or lag.
func (s *Store) Subscribe() *Subscription {
	s.mu.Lock()
	sub := &Subscription{store: s, ch: make(chan LogMsg, subscriberBuffer), quit: make(chan struct{})}
	sub.C = sub.ch
	finished := s.finished
	if !finished {
		s.subs[sub] = struct{}{}
	}
	s.mu.Unlock()
	if finished {
		sub.finish(false)
	}
	return sub
}

// HistoryPlusStream returns a subscription that replays the full retained
// history in insertion order and then follows live updates until Finished.
// The snapshot and the live registration are atomic: no message is missed or
// duplicated at the boundary.
func (s *Store) HistoryPlusStream() *Subscription {
	s.mu.Lock()
	snapshot := make([]LogMsg, len(s.history))
	copy(snapshot, s.history)
	live := &Subscription{ch: make(chan LogMsg, subscriberBuffer), quit: make(chan struct{})}
	live.C = live.ch
	finished := s.finished
	if !finished {
		s.subs[live] = struct{}{}
	}
	s.mu.Unlock()

	out := &Subscription{ch: make(chan LogMsg, subscriberBuffer), quit: make(chan struct{})}
	out.C = out.ch
	go func() {
		defer func() {
			s.unsubscribe(live)
		}()
		for _, m := range snapshot {
			select {
			case out.ch <- m:
			case <-out.quit:
				out.finish(false)
				return
			}
		}
		if finished {
			out.finish(false)
			return
		}
		for {
			select {
			case m, ok := <-live.ch:
				if !ok {
					out.finish(live.Lagged())
					return
				}
				select {
				case out.ch <- m:
				case <-out.quit:
					out.finish(false)
					return
				}
			case <-out.quit:
				out.finish(false)
				return
			}
		}
	}()
	return out
}

// Finished reports whether the terminal sentinel has been pushed.
func (s *Store) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// History returns a copy of the retained log.
func (s *Store) History() []LogMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LogMsg, len(s.history))
	copy(out, s.history)
	return out
}

// lineStream joins chunks of the given kind on newline boundaries and sends
// complete lines (without the trailing newline) on the returned channel. Any
// trailing partial line is flushed when the stream ends.
func (s *Store) lineStream(kind Kind) <-chan string {
	sub := s.HistoryPlusStream()
	out := make(chan string, 64)
	go func() {
		defer close(out)
		var buf strings.Builder
		for m := range sub.C {
			if m.Kind == KindFinished {
				break
			}
			if m.Kind != kind {
				continue
			}
			buf.WriteString(m.Text)
			for {
				text := buf.String()
				i := strings.IndexByte(text, '\n')
				if i < 0 {
					break
				}
				out <- text[:i]
				buf.Reset()
				buf.WriteString(text[i+1:])
			}
		}
		sub.Close()
		if buf.Len() > 0 {
			out <- buf.String()
		}
	}()
	return out
}

// StdoutLines streams complete stdout lines, history first.
func (s *Store) StdoutLines() <-chan string { return s.lineStream(KindStdout) }

// StderrLines streams complete stderr lines, history first.
func (s *Store) StderrLines() <-chan string { return s.lineStream(KindStderr) }
