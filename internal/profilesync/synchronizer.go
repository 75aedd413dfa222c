// Package profilesync keeps the signed-in user's merged profile consistent across the
// local cache, the remote profile store and auth state changes.
//
// A single actor goroutine owns the state. Fetch sequences run on their own goroutines
// and hand every mutation back to the actor as a commit tagged with the sequence
// generation. A commit from a superseded or torn-down sequence is dropped.
package profilesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"veritas/api/internal/cache"
	"veritas/api/internal/logging"
	"veritas/api/internal/profile"
	"veritas/api/internal/rbac"
)

var (
	// ErrSuperseded is returned by a Load whose sequence was replaced by a newer one.
	ErrSuperseded = errors.New("profilesync: superseded")
	// ErrClosed is returned once the synchronizer has been closed.
	ErrClosed = errors.New("profilesync: closed")
)

const (
	defaultAuthFetchTimeout = 5 * time.Second
	cacheOpTimeout          = 2 * time.Second
)

// Remote is the part of the profile store the synchronizer reads.
type Remote interface {
	// CurrentUser returns the authenticated user id, or "" when there is no session.
	CurrentUser(ctx context.Context) (string, error)
	GetProfile(ctx context.Context, userID string) (profile.Profile, error)
	GetRoleData(ctx context.Context, role rbac.Role, userID string) (map[string]any, error)
}

// Invalidator forces a fresh authoritative reload. Profile edit flows call it after a
// successful write.
type Invalidator interface {
	Invalidate()
}

type EventType string

const (
	SignedIn  EventType = "SIGNED_IN"
	SignedOut EventType = "SIGNED_OUT"
)

// AuthEvent is a session transition reported by the auth subsystem.
type AuthEvent struct {
	Type   EventType
	UserID string
}

// State is a published view of the synchronizer.
type State struct {
	UserID  string
	Profile *profile.Profile
	// Trigger counts invalidations.
	Trigger uint64
	Loading bool
}

type Options struct {
	// AuthFetchTimeout bounds the fetch that follows a SIGNED_IN event.
	AuthFetchTimeout time.Duration
	Logger           *zap.Logger
}

type Synchronizer struct {
	remote      Remote
	cache       *cache.ProfileCache
	log         *zap.Logger
	authTimeout time.Duration

	inbox      chan any
	quit       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	baseCtx    context.Context
	cancelBase context.CancelFunc

	published atomic.Pointer[State]

	watchMu  sync.Mutex
	watchers map[chan State]struct{}

	// Owned by the actor goroutine.
	st machine
}

type machine struct {
	userID  string
	profile *profile.Profile
	trigger uint64
	loading bool
	gen     uint64
	cancel  context.CancelFunc

	// resolving is set while a load has not yet learned who the session belongs to.
	// A SIGNED_IN seen meanwhile is parked in deferred.
	resolving bool
	deferred  string
}

type sequence struct {
	gen uint64
	ctx context.Context
}

type loadMsg struct {
	reply chan error
}

type invalidateMsg struct {
	handled chan struct{}
}

type authMsg struct {
	evt     AuthEvent
	handled chan struct{}
}

type commitMsg struct {
	gen   uint64
	apply func()
	reply chan bool
}

// New starts a synchronizer. Call Close to stop it.
func New(remote Remote, profiles *cache.ProfileCache, opts Options) *Synchronizer {
	if opts.AuthFetchTimeout <= 0 {
		opts.AuthFetchTimeout = defaultAuthFetchTimeout
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Synchronizer{
		remote:      remote,
		cache:       profiles,
		log:         logging.OrNop(opts.Logger).Named("profilesync"),
		authTimeout: opts.AuthFetchTimeout,
		inbox:       make(chan any, 16),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		baseCtx:     baseCtx,
		cancelBase:  cancel,
		watchers:    make(map[chan State]struct{}),
	}
	s.published.Store(&State{})
	go s.run()
	return s
}

// Load runs the mount sequence and waits for it to settle.
func (s *Synchronizer) Load(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, loadMsg{reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	}
}

// Invalidate clears the cached profile, bumps the trigger counter and starts a fresh
// load. It returns once the cache is cleared; the reload continues in the background.
func (s *Synchronizer) Invalidate() {
	handled := make(chan struct{})
	if err := s.send(context.Background(), invalidateMsg{handled: handled}); err != nil {
		return
	}
	s.await(handled)
}

// HandleAuthEvent applies a session transition. It returns once the event has been
// handled; a fetch it starts continues in the background.
func (s *Synchronizer) HandleAuthEvent(evt AuthEvent) {
	handled := make(chan struct{})
	if err := s.send(context.Background(), authMsg{evt: evt, handled: handled}); err != nil {
		return
	}
	s.await(handled)
}

// Snapshot returns the latest published state.
func (s *Synchronizer) Snapshot() State {
	return *s.published.Load()
}

// CurrentUserID returns the tracked user id.
func (s *Synchronizer) CurrentUserID() string {
	return s.Snapshot().UserID
}

// Watch streams state changes until ctx is done or the synchronizer closes. Slow readers
// only see the latest state.
func (s *Synchronizer) Watch(ctx context.Context) <-chan State {
	ch := make(chan State, 1)
	ch <- s.Snapshot()

	s.watchMu.Lock()
	select {
	case <-s.quit:
		s.watchMu.Unlock()
		close(ch)
		return ch
	default:
	}
	s.watchers[ch] = struct{}{}
	s.watchMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		s.watchMu.Lock()
		if _, ok := s.watchers[ch]; ok {
			delete(s.watchers, ch)
			close(ch)
		}
		s.watchMu.Unlock()
	}()
	return ch
}

// Close stops the actor. In-flight sequences never apply their results afterwards.
func (s *Synchronizer) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
	<-s.done
}

func (s *Synchronizer) send(ctx context.Context, msg any) error {
	select {
	case <-s.quit:
		return ErrClosed
	default:
	}
	select {
	case s.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrClosed
	}
}

func (s *Synchronizer) await(handled <-chan struct{}) {
	select {
	case <-handled:
	case <-s.done:
	}
}

func (s *Synchronizer) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			s.shutdown()
			return
		case msg := <-s.inbox:
			s.handle(msg)
		}
	}
}

func (s *Synchronizer) quitting() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

func (s *Synchronizer) handle(msg any) {
	switch m := msg.(type) {
	case commitMsg:
		if s.quitting() || m.gen != s.st.gen {
			m.reply <- false
			return
		}
		m.apply()
		s.publish()
		m.reply <- true

	case loadMsg:
		if s.quitting() {
			m.reply <- ErrClosed
			return
		}
		seq := s.begin()
		s.st.resolving = true
		go func() { m.reply <- s.runLoad(seq) }()

	case invalidateMsg:
		defer close(m.handled)
		if s.quitting() {
			return
		}
		s.clearCache()
		s.st.trigger++
		seq := s.begin()
		s.st.resolving = true
		s.publish()
		s.log.Debug("profilesync: cache invalidated", zap.Uint64("trigger", s.st.trigger))
		go func() {
			if err := s.runLoad(seq); err != nil && !errors.Is(err, ErrSuperseded) && !errors.Is(err, ErrClosed) {
				s.log.Warn("profilesync: reload after invalidation failed", zap.Error(err))
			}
		}()

	case authMsg:
		defer close(m.handled)
		if s.quitting() {
			return
		}
		s.handleAuth(m.evt)
	}
}

func (s *Synchronizer) handleAuth(evt AuthEvent) {
	switch evt.Type {
	case SignedIn:
		if evt.UserID == "" {
			return
		}
		if s.st.resolving {
			// The load in flight reads the session itself, a token refresh inside it
			// lands here.
			s.st.deferred = evt.UserID
			return
		}
		if evt.UserID == s.st.userID && (s.st.profile != nil || s.st.loading) {
			s.log.Debug("profilesync: sign-in for current user ignored", zap.String("user_id", evt.UserID))
			return
		}
		seq := s.begin()
		s.clearCache()
		s.st.profile = nil
		s.st.userID = evt.UserID
		s.publish()
		go func() {
			if err := s.runSignIn(seq, evt.UserID); err != nil && !errors.Is(err, ErrSuperseded) && !errors.Is(err, ErrClosed) {
				s.log.Warn("profilesync: sign-in fetch failed", zap.Error(err))
			}
		}()

	case SignedOut:
		s.supersede()
		s.clearCache()
		s.st.userID = ""
		s.st.profile = nil
		s.publish()

	default:
		s.log.Debug("profilesync: ignoring auth event", zap.String("type", string(evt.Type)))
	}
}

// supersede invalidates whatever sequence is in flight.
func (s *Synchronizer) supersede() {
	if s.st.cancel != nil {
		s.st.cancel()
		s.st.cancel = nil
	}
	s.st.gen++
	s.st.loading = false
	s.st.resolving = false
	s.st.deferred = ""
}

// resolved ends the identity phase of a load and replays a parked sign-in. The replay
// is a no-op when the load already tracks that user.
func (s *Synchronizer) resolved() {
	if !s.st.resolving {
		return
	}
	deferred := s.st.deferred
	s.st.resolving = false
	s.st.deferred = ""
	if deferred != "" {
		s.handleAuth(AuthEvent{Type: SignedIn, UserID: deferred})
	}
}

func (s *Synchronizer) begin() sequence {
	s.supersede()
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.st.cancel = cancel
	s.st.loading = true
	return sequence{gen: s.st.gen, ctx: ctx}
}

func (s *Synchronizer) shutdown() {
	s.supersede()
	s.cancelBase()

	s.watchMu.Lock()
	for ch := range s.watchers {
		delete(s.watchers, ch)
		close(ch)
	}
	s.watchMu.Unlock()
}

// commit runs apply on the actor if seq is still current.
func (s *Synchronizer) commit(seq sequence, apply func()) error {
	reply := make(chan bool, 1)
	select {
	case s.inbox <- commitMsg{gen: seq.gen, apply: apply, reply: reply}:
	case <-s.quit:
		return ErrClosed
	}
	select {
	case ok := <-reply:
		if !ok {
			return s.staleError()
		}
		return nil
	case <-s.done:
		select {
		case ok := <-reply:
			if ok {
				return nil
			}
		default:
		}
		return ErrClosed
	}
}

func (s *Synchronizer) staleError() error {
	if s.quitting() {
		return ErrClosed
	}
	return ErrSuperseded
}

// finish clears the loading flag if seq is still current.
func (s *Synchronizer) finish(seq sequence) {
	_ = s.commit(seq, func() {
		s.st.loading = false
		if s.st.cancel != nil {
			s.st.cancel()
			s.st.cancel = nil
		}
		s.resolved()
	})
}

func (s *Synchronizer) runLoad(seq sequence) error {
	defer s.finish(seq)
	ctx := seq.ctx

	userID, err := s.remote.CurrentUser(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return s.staleError()
		}
		return fmt.Errorf("current user: %w", err)
	}

	if userID == "" {
		return s.commit(seq, func() {
			s.clearCache()
			s.st.userID = ""
			s.st.profile = nil
			s.resolved()
		})
	}

	if err := s.commit(seq, func() {
		if s.st.userID != "" && s.st.userID != userID {
			s.log.Debug("profilesync: user changed", zap.String("from", s.st.userID), zap.String("to", userID))
			s.clearCache()
			s.st.profile = nil
		}
		s.st.userID = userID
		s.resolved()
	}); err != nil {
		return err
	}

	entry, err := s.cache.Read(ctx)
	if err != nil {
		s.log.Warn("profilesync: cache read failed", zap.Error(err))
		entry = cache.Entry{Status: cache.Miss}
	}
	switch entry.Status {
	case cache.Hit:
		if entry.UserID == userID {
			cached := entry.Profile.Normalized()
			return s.commit(seq, func() { s.install(cached) })
		}
		if err := s.commit(seq, s.clearCache); err != nil {
			return err
		}
	case cache.Corrupt:
		s.log.Debug("profilesync: discarding corrupt cache")
		if err := s.commit(seq, s.clearCache); err != nil {
			return err
		}
	}

	p, fetched := s.fetch(ctx, userID)
	return s.commit(seq, func() {
		s.install(p)
		if fetched {
			s.writeCache(p, userID)
		}
	})
}

func (s *Synchronizer) runSignIn(seq sequence, userID string) error {
	defer s.finish(seq)

	p, fetched := s.fetchWithDeadline(seq.ctx, userID)
	return s.commit(seq, func() {
		s.install(p)
		if fetched {
			s.writeCache(p, userID)
		}
	})
}

// fetch loads the base row and merges the role row. The bool is false when the default
// profile was substituted.
func (s *Synchronizer) fetch(ctx context.Context, userID string) (profile.Profile, bool) {
	base, err := s.remote.GetProfile(ctx, userID)
	if err != nil {
		s.log.Warn("profilesync: profile fetch failed, using default", zap.String("user_id", userID), zap.Error(err))
		return profile.Default(userID), false
	}
	base.ID = userID
	base = base.Normalized()

	if rbac.Known(base.Role) {
		roleData, err := s.remote.GetRoleData(ctx, base.Role, userID)
		if err != nil {
			s.log.Debug("profilesync: role data unavailable", zap.String("role", string(base.Role)), zap.Error(err))
		} else {
			base = profile.Merge(base, roleData)
		}
	}
	return base, true
}

// fetchWithDeadline races fetch against the auth fetch timeout.
func (s *Synchronizer) fetchWithDeadline(parent context.Context, userID string) (profile.Profile, bool) {
	ctx, cancel := context.WithTimeout(parent, s.authTimeout)
	defer cancel()

	type outcome struct {
		p       profile.Profile
		fetched bool
	}
	result := make(chan outcome, 1)
	go func() {
		p, fetched := s.fetch(ctx, userID)
		result <- outcome{p: p, fetched: fetched}
	}()

	timer := time.NewTimer(s.authTimeout)
	defer timer.Stop()

	select {
	case out := <-result:
		return out.p, out.fetched
	case <-timer.C:
		s.log.Warn("profilesync: sign-in fetch timed out, using default", zap.String("user_id", userID))
		return profile.Default(userID), false
	case <-parent.Done():
		return profile.Default(userID), false
	}
}

// The helpers below run on the actor goroutine only.

func (s *Synchronizer) install(p profile.Profile) {
	installed := p.Clone()
	s.st.profile = &installed
}

func (s *Synchronizer) clearCache() {
	ctx, cancel := context.WithTimeout(context.Background(), cacheOpTimeout)
	defer cancel()
	if err := s.cache.Clear(ctx); err != nil {
		s.log.Warn("profilesync: cache clear failed", zap.Error(err))
	}
}

func (s *Synchronizer) writeCache(p profile.Profile, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cacheOpTimeout)
	defer cancel()
	if err := s.cache.Write(ctx, p, userID); err != nil {
		s.log.Warn("profilesync: cache write failed", zap.Error(err))
	}
}

func (s *Synchronizer) publish() {
	st := State{
		UserID:  s.st.userID,
		Trigger: s.st.trigger,
		Loading: s.st.loading,
	}
	if s.st.profile != nil {
		p := s.st.profile.Clone()
		st.Profile = &p
	}
	s.published.Store(&st)

	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for ch := range s.watchers {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}
