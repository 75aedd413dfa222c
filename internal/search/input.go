package search

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"veritas/api/internal/logging"
)

const DefaultDebounce = 300 * time.Millisecond

// Phase is the lifecycle position of an Input.
type Phase int

const (
	Idle Phase = iota
	Debouncing
	Querying
	Showing
	Empty
)

func (p Phase) String() string {
	switch p {
	case Debouncing:
		return "debouncing"
	case Querying:
		return "querying"
	case Showing:
		return "results"
	case Empty:
		return "empty"
	default:
		return "idle"
	}
}

// InputState is what a search box renders.
type InputState struct {
	Phase   Phase
	Text    string
	Results []Result
}

// QueryFunc runs one remote search.
type QueryFunc func(ctx context.Context, q Query) ([]Result, error)

type InputOptions struct {
	Debounce time.Duration
	Limit    int
	Logger   *zap.Logger
}

// Input debounces keystrokes into remote queries. Only the result of the query issued
// for the latest keystroke is ever applied.
type Input struct {
	query         QueryFunc
	currentUserID func() string
	debounce      time.Duration
	limit         int
	log           *zap.Logger

	mu       sync.Mutex
	seq      uint64
	timer    *time.Timer
	cancel   context.CancelFunc
	state    InputState
	closed   bool
	updates  chan InputState
	inflight sync.WaitGroup
}

// NewInput builds a search box. currentUserID is read when a query fires, so the
// excluded id always tracks the live session.
func NewInput(query QueryFunc, currentUserID func() string, opts InputOptions) *Input {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if currentUserID == nil {
		currentUserID = func() string { return "" }
	}
	return &Input{
		query:         query,
		currentUserID: currentUserID,
		debounce:      opts.Debounce,
		limit:         opts.Limit,
		log:           logging.OrNop(opts.Logger),
		updates:       make(chan InputState, 1),
	}
}

// Type handles a change of the input text.
func (in *Input) Type(text string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}

	in.seq++
	in.stopPendingLocked()

	if strings.TrimSpace(text) == "" {
		in.setLocked(InputState{Phase: Idle, Text: text})
		return
	}

	in.setLocked(InputState{Phase: Debouncing, Text: text, Results: in.state.Results})
	seq := in.seq
	in.inflight.Add(1)
	in.timer = time.AfterFunc(in.debounce, func() { in.fire(seq, text) })
}

// State returns the current state.
func (in *Input) State() InputState {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Updates streams state changes; slow readers only see the latest. The channel is closed
// by Close.
func (in *Input) Updates() <-chan InputState {
	return in.updates
}

// Close cancels pending work and waits for an in-flight query to return. No result is
// applied afterwards.
func (in *Input) Close() {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.closed = true
	in.seq++
	in.stopPendingLocked()
	close(in.updates)
	in.mu.Unlock()

	in.inflight.Wait()
}

func (in *Input) fire(seq uint64, text string) {
	defer in.inflight.Done()

	in.mu.Lock()
	if in.closed || seq != in.seq {
		in.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	in.cancel = cancel
	in.timer = nil
	in.setLocked(InputState{Phase: Querying, Text: text, Results: in.state.Results})
	in.mu.Unlock()

	results, err := in.query(ctx, Query{
		Text:      strings.TrimSpace(text),
		ExcludeID: in.currentUserID(),
		Limit:     in.limit,
	})
	cancel()

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed || seq != in.seq {
		return
	}
	in.cancel = nil
	switch {
	case err != nil:
		in.log.Debug("search: query failed", zap.String("text", text), zap.Error(err))
		in.setLocked(InputState{Phase: Empty, Text: text})
	case len(results) == 0:
		in.setLocked(InputState{Phase: Empty, Text: text})
	default:
		in.setLocked(InputState{Phase: Showing, Text: text, Results: results})
	}
}

func (in *Input) stopPendingLocked() {
	if in.timer != nil {
		if in.timer.Stop() {
			in.inflight.Done()
		}
		in.timer = nil
	}
	if in.cancel != nil {
		in.cancel()
		in.cancel = nil
	}
}

func (in *Input) setLocked(st InputState) {
	in.state = st
	if in.closed {
		return
	}
	select {
	case in.updates <- st:
	default:
		select {
		case <-in.updates:
		default:
		}
		select {
		case in.updates <- st:
		default:
		}
	}
}
