// Package collab is the entry point for presence and editing locks in one
// shared document scope.
//
// A Session joins the scope over a channel.Channel, keeps the participant
// table and lock table for that scope, and exposes read-only views plus a
// few mutations. Everything runs on a single event loop goroutine owned by
// the session; reads are served from an immutable view and never block.
//
// A Session installs its own handler with OnMessage, so every Session
// needs its own channel.Channel value.
package collab

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/trip-presence/internal/channel"
	"github.com/DoyleJ11/trip-presence/internal/conn"
	"github.com/DoyleJ11/trip-presence/internal/editlock"
	"github.com/DoyleJ11/trip-presence/internal/heartbeat"
	"github.com/DoyleJ11/trip-presence/internal/presence"
	"github.com/DoyleJ11/trip-presence/internal/recovery"
	"github.com/DoyleJ11/trip-presence/pkg/types"
)

const (
	inboxSize      = 64
	outboxSize     = 256
	dialTimeout    = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// ---- loop messages ----

type sessionMsg interface{ isSessionMsg() }

type startReq struct{ reply chan error }

type closeReq struct {
	ctx   context.Context
	reply chan error
}

type recoverReq struct{ reply chan error }

type incoming struct{ msg types.Message }

type dialed struct {
	gen int
	sub channel.Subscription
	err error
}

type subEnded struct {
	gen int
	err error
}

type retryDue struct{ gen int }

type snapshotDue struct{ requestID string }

type claimSettled struct{ id uint64 }

type expiryDue struct{}

type mutation struct{ op op }

func (startReq) isSessionMsg()     {}
func (closeReq) isSessionMsg()     {}
func (recoverReq) isSessionMsg()   {}
func (incoming) isSessionMsg()     {}
func (dialed) isSessionMsg()       {}
func (subEnded) isSessionMsg()     {}
func (retryDue) isSessionMsg()     {}
func (snapshotDue) isSessionMsg()  {}
func (claimSettled) isSessionMsg() {}
func (expiryDue) isSessionMsg()    {}
func (mutation) isSessionMsg()     {}

type opKind int

const (
	opEdit opKind = iota
	opStop
	opStatus
	opCursor
	opPage
)

// op is one consumer mutation. Ops are held in the queue while the session
// is offline and replayed in order.
type op struct {
	kind   opKind
	itemID string
	status types.Status
	x, y   float64
	path   string

	ctx   context.Context // opEdit
	reply chan editReply  // opEdit
}

type editReply struct {
	res Result
	err error
}

// claim is a granted StartEditing waiting out the settle window.
type claim struct {
	itemID string
	reply  chan editReply
}

type Session struct {
	scope string
	self  string
	ch    channel.Channel
	opts  options
	clk   clockwork.Clock
	log   *zap.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	inbox      chan sessionMsg
	done       chan struct{}
	outbox     chan types.Message
	writerDone chan struct{}

	view   atomic.Pointer[view]
	events *dispatcher

	// owned by run
	store    *presence.Store
	locks    *editlock.Manager
	machine  *conn.Machine
	recov    *recovery.Coordinator
	queue    *conn.Queue[op]
	hb       *heartbeat.Source
	sub      channel.Subscription
	gen      int
	started  bool
	closed   bool
	baseline bool // waiting for a snapshot; mutations are queued
	waiters  []chan error

	selfRec    types.ParticipantPresence
	baseStatus types.Status
	releasing  bool
	released   map[string]int64 // item -> when this participant last released it
	claims     map[uint64]*claim
	nextClaim  uint64

	retryTimer    clockwork.Timer
	snapshotTimer clockwork.Timer
	expiryTimer   clockwork.Timer

	dirtyParticipants bool
	dirtyLocks        bool
}

// New creates a session for participantID in scope. It does not touch the
// network until Start.
func New(ch channel.Channel, scope, participantID string, opts ...Option) (*Session, error) {
	if scope == "" || participantID == "" {
		return nil, errors.New("collab: scope and participant id are required")
	}
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	if err := o.timings.Validate(); err != nil {
		return nil, err
	}
	if o.status != types.StatusOnline && o.status != types.StatusAway {
		return nil, fmt.Errorf("%w: initial status %q", ErrInvalidStatus, o.status)
	}

	backoff := conn.NewBackoff(o.timings.BackoffBase, o.timings.BackoffCap)
	if o.jitter != nil {
		backoff.WithRand(o.jitter)
	}

	ctx, cancel := context.WithCancel(context.Background())
	log := o.log.Named("collab").With(zap.String("scope", scope), zap.String("participant", participantID))
	s := &Session{
		scope:      scope,
		self:       participantID,
		ch:         ch,
		opts:       o,
		clk:        o.clk,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		inbox:      make(chan sessionMsg, inboxSize),
		done:       make(chan struct{}),
		outbox:     make(chan types.Message, outboxSize),
		writerDone: make(chan struct{}),
		events:     newDispatcher(log),

		store:   presence.NewStore(),
		locks:   editlock.NewManager(o.timings.LeaseDuration),
		machine: conn.NewMachine(backoff, o.maxAttempts),
		recov:   recovery.New(scope, o.timings.SnapshotTimeout),
		queue:   conn.NewQueue[op](o.queueSize),
		hb:      heartbeat.New(o.clk, o.timings.HeartbeatInterval),

		selfRec: types.ParticipantPresence{
			ParticipantID: participantID,
			Status:        o.status,
			PagePath:      o.pagePath,
		},
		baseStatus: o.status,
		released:   make(map[string]int64),
		claims:     make(map[uint64]*claim),
	}
	s.locks.OnChange(s.lockChanged)
	s.publishView()

	ch.OnMessage(func(scope string, msg types.Message) {
		if scope == s.scope {
			s.post(incoming{msg: msg})
		}
	})

	go s.write()
	go s.run()
	return s, nil
}

func (s *Session) Scope() string         { return s.scope }
func (s *Session) ParticipantID() string { return s.self }

// ---- public API ----

// Start begins connecting and returns without waiting for the connection.
// Progress is visible through ConnectionState and connection events.
func (s *Session) Start(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := s.call(ctx, startReq{reply: reply}); err != nil {
		return err
	}
	return s.await(ctx, reply)
}

// Close tears the session down: the heartbeat stops, queued mutations are
// discarded, held locks are released and a leave is published, then the
// subscription is closed. It works in every connection state. Calling
// Close again returns nil.
func (s *Session) Close(ctx context.Context) error {
	if s.isDone() {
		return nil
	}
	reply := make(chan error, 1)
	if err := s.call(ctx, closeReq{ctx: ctx, reply: reply}); err != nil {
		if errors.Is(err, ErrClosed) {
			return nil
		}
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return nil
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartEditing claims itemID for this participant. A denial is a normal
// Result, not an error. While the session is reconnecting the request is
// queued and resolves once it has been replayed.
func (s *Session) StartEditing(ctx context.Context, itemID string) (Result, error) {
	if itemID == "" {
		return Result{}, ErrInvalidItem
	}
	reply := make(chan editReply, 1)
	if err := s.call(ctx, mutation{op: op{kind: opEdit, itemID: itemID, ctx: ctx, reply: reply}}); err != nil {
		return Result{}, err
	}
	select {
	case r := <-reply:
		return r.res, r.err
	case <-s.done:
		select {
		case r := <-reply:
			return r.res, r.err
		default:
			return Result{}, ErrClosed
		}
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// StopEditing releases itemID if this participant holds it.
func (s *Session) StopEditing(itemID string) error {
	return s.mutate(op{kind: opStop, itemID: itemID})
}

// SetStatus sets the participant's own status. Only online and away can be
// set directly; editing follows the lock table and disconnected-pending is
// derived by peers.
func (s *Session) SetStatus(status types.Status) error {
	if status != types.StatusOnline && status != types.StatusAway {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return s.mutate(op{kind: opStatus, status: status})
}

func (s *Session) SetCursor(x, y float64) error {
	return s.mutate(op{kind: opCursor, x: x, y: y})
}

func (s *Session) SetPagePath(path string) error {
	return s.mutate(op{kind: opPage, path: path})
}

// Recover forces a resynchronization against a fresh snapshot. It returns
// nil when the snapshot was applied or when none arrived in time, in which
// case the session carries on with possibly-stale state. A malformed
// snapshot is returned as an error wrapping types.ErrMalformedSnapshot.
// While reconnecting Recover waits for the recovery that follows the
// reconnect.
func (s *Session) Recover(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := s.call(ctx, recoverReq{reply: reply}); err != nil {
		return err
	}
	return s.await(ctx, reply)
}

// Subscribe registers fn for state-change events. fn runs on its own
// goroutine; events are dropped for a subscriber that falls behind.
func (s *Session) Subscribe(fn func(Event)) (unsubscribe func()) {
	return s.events.subscribe(fn)
}

// Done is closed once the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// ---- reads ----

func (s *Session) nowMs() int64 { return heartbeat.Millis(s.clk.Now()) }

// ActiveParticipants returns a copy of the participant table, ordered by
// participant id, including this participant once it has joined.
func (s *Session) ActiveParticipants() []types.ParticipantPresence {
	parts, _ := s.view.Load().live(s.self, s.nowMs(), s.opts.timings.StaleThreshold.Milliseconds())
	return parts
}

// MyPresence returns this participant's own record, or false before the
// session has joined the scope.
func (s *Session) MyPresence() (types.ParticipantPresence, bool) {
	v := s.view.Load()
	if v.self == nil {
		return types.ParticipantPresence{}, false
	}
	p := v.self.Clone()
	if l, ok := v.holder(p.EditingItemID, s.nowMs()); !ok || l.HolderID != s.self {
		p.EditingItemID = ""
	}
	return p, true
}

func (s *Session) ConnectionState() types.ConnectionState { return s.view.Load().state }

// PossiblyStale reports that the last recovery got no usable snapshot, so
// the local view may have drifted from the scope.
func (s *Session) PossiblyStale() bool { return s.view.Load().stale }

// Locks returns the live locks ordered by item id.
func (s *Session) Locks() []types.EditLock {
	_, locks := s.view.Load().live(s.self, s.nowMs(), s.opts.timings.StaleThreshold.Milliseconds())
	return locks
}

// Holder returns the participant editing itemID, if any.
func (s *Session) Holder(itemID string) (string, bool) {
	l, ok := s.view.Load().holder(itemID, s.nowMs())
	return l.HolderID, ok
}

// ---- plumbing ----

func (s *Session) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) call(ctx context.Context, m sessionMsg) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case s.inbox <- m:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) await(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) mutate(o op) error {
	return s.call(context.Background(), mutation{op: o})
}

// post hands m to the loop from a background goroutine. It reports false
// once the session is closed.
func (s *Session) post(m sessionMsg) bool {
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.inbox <- m:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) after(d time.Duration, m sessionMsg) clockwork.Timer {
	return s.clk.AfterFunc(d, func() { s.post(m) })
}

// write publishes outgoing messages in order.
func (s *Session) write() {
	defer close(s.writerDone)
	for msg := range s.outbox {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := s.ch.Publish(ctx, s.scope, msg)
		cancel()
		if err != nil {
			s.log.Debug("publish failed", zap.String("type", string(msg.Type)), zap.Error(err))
		}
	}
}

func (s *Session) send(msg types.Message) {
	if s.machine.State() != types.StateConnected {
		return
	}
	msg.Scope = s.scope
	s.outbox <- msg
}

// ---- event loop ----

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case m := <-s.inbox:
			if s.handle(m) {
				return
			}
		case <-s.hb.C():
			s.tick()
		}
		s.flush()
	}
}

// handle processes one message and reports whether the loop must exit.
func (s *Session) handle(m sessionMsg) bool {
	switch m := m.(type) {
	case startReq:
		m.reply <- s.start()
	case closeReq:
		m.reply <- s.shutdown(m.ctx)
		return true
	case recoverReq:
		s.requestRecovery(m.reply)
	case mutation:
		s.enqueue(m.op)
	case incoming:
		s.receive(m.msg)
	case dialed:
		s.onDialed(m)
	case subEnded:
		if m.gen == s.gen && s.sub != nil {
			err := m.err
			if err == nil {
				err = channel.ErrClosed
			}
			s.sub = nil
			s.fail(err)
		}
	case retryDue:
		if m.gen == s.gen && s.machine.State() == types.StateReconnecting {
			s.dial()
		}
	case snapshotDue:
		if terr := s.recov.Expire(m.requestID); terr != nil {
			s.log.Warn("snapshot timed out, continuing with local state", zap.Error(terr))
			s.events.emit(Event{Kind: EventWarning, Err: terr})
			s.rebroadcastHeld()
			s.finishBaseline(nil)
		}
	case claimSettled:
		s.settle(m.id)
	case expiryDue:
		s.expiryTimer = nil
		if len(s.locks.Sweep(s.nowMs())) > 0 {
			s.dirtyLocks = true
		}
		s.armExpiry()
	}
	return false
}

func (s *Session) start() error {
	if err := s.machine.Connect(); err != nil {
		return fmt.Errorf("%w: %v", ErrStarted, err)
	}
	s.started = true
	s.emitConnection()
	s.dial()
	return nil
}

func (s *Session) dial() {
	s.gen++
	gen := s.gen
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, dialTimeout)
		sub, err := s.ch.Join(ctx, s.scope)
		cancel()
		if !s.post(dialed{gen: gen, sub: sub, err: err}) && sub != nil {
			_ = s.ch.Leave(sub)
		}
	}()
}

func (s *Session) onDialed(m dialed) {
	if m.gen != s.gen || !s.started {
		if m.sub != nil {
			_ = s.ch.Leave(m.sub)
		}
		return
	}
	if m.err != nil {
		s.fail(m.err)
		return
	}

	s.sub = m.sub
	go func(gen int, sub channel.Subscription) {
		select {
		case <-sub.Done():
			s.post(subEnded{gen: gen, err: sub.Err()})
		case <-s.ctx.Done():
		}
	}(m.gen, m.sub)

	prev, err := s.machine.Ready()
	if err != nil {
		s.log.Error("ready from unexpected state", zap.Error(err))
		return
	}
	s.log.Info("connected", zap.String("from", string(prev)))

	now := s.nowMs()
	s.selfRec.LastActiveAtMs = now
	_ = s.store.ApplyJoin(s.selfRec)
	s.remirror(s.self, now)
	s.dirtyParticipants = true
	s.send(types.JoinMessage(s.scope, s.selfRec))

	s.beginBaseline()
	s.hb.Start()
	s.emitConnection()
}

// fail handles a failed dial or a lost subscription.
func (s *Session) fail(err error) {
	s.hb.Stop()
	s.recov.Cancel()
	s.stopTimer(&s.snapshotTimer)
	s.baseline = false

	cerr := &ConnectionError{Scope: s.scope, Attempt: s.machine.Attempt() + 1, Err: err}
	delay, retry := s.machine.Fail(err)
	if retry {
		s.log.Warn("connection lost, retrying", zap.Duration("in", delay), zap.Error(cerr))
		s.stopTimer(&s.retryTimer)
		s.retryTimer = s.after(delay, retryDue{gen: s.gen})
	} else {
		s.log.Error("connection failed for good", zap.Error(cerr))
		s.started = false
		for _, o := range s.queue.Clear() {
			s.reject(o, ErrNotStarted)
		}
		s.resolveWaiters(ErrNotStarted)
	}
	s.events.emit(Event{Kind: EventWarning, Err: cerr})
	s.emitConnection()
}

// ---- recovery ----

func (s *Session) beginBaseline() {
	s.baseline = true
	req := s.recov.Begin()
	s.stopTimer(&s.snapshotTimer)
	s.snapshotTimer = s.after(s.recov.Timeout(), snapshotDue{requestID: req.RequestID})
	s.send(req)
}

func (s *Session) requestRecovery(reply chan error) {
	switch {
	case !s.started:
		reply <- ErrNotStarted
	case s.machine.State() == types.StateConnected:
		s.waiters = append(s.waiters, reply)
		if !s.baseline {
			s.beginBaseline()
		}
	default:
		// the reconnect runs its own recovery
		s.waiters = append(s.waiters, reply)
	}
}

func (s *Session) onSnapshot(msg types.Message) {
	snap, ok, err := s.recov.Accept(msg)
	if !ok {
		return
	}
	s.stopTimer(&s.snapshotTimer)
	if err != nil {
		err = fmt.Errorf("recover %s: %w", s.scope, err)
		s.log.Warn("snapshot rejected, continuing with local state", zap.Error(err))
		s.events.emit(Event{Kind: EventWarning, Err: err})
		s.rebroadcastHeld()
		s.finishBaseline(err)
		return
	}
	s.applySnapshot(snap)
	s.finishBaseline(nil)
}

// applySnapshot replaces local state with snap. This participant's own
// entry is rebuilt locally, and its own lock survives only if the scope
// still has it.
func (s *Session) applySnapshot(snap types.Snapshot) {
	now := s.nowMs()
	var prevItem string
	if l, ok := s.locks.HeldBy(s.self, now); ok {
		prevItem = l.ItemID
	}

	others := slices.DeleteFunc(slices.Clone(snap.Participants), func(p types.ParticipantPresence) bool {
		return p.ParticipantID == s.self
	})
	recovery.Apply(types.Snapshot{Participants: others, Locks: snap.Locks}, s.store, s.locks, now)

	s.selfRec.LastActiveAtMs = now
	_ = s.store.ApplyJoin(s.selfRec)
	s.remirror(s.self, now)

	if prevItem != "" {
		if l, ok := s.locks.HeldBy(s.self, now); !ok || l.ItemID != prevItem {
			cur, _ := s.locks.Holder(prevItem, now)
			s.lost(prevItem, cur)
		}
	}
	s.rebroadcastHeld()

	s.dirtyParticipants = true
	s.dirtyLocks = true
	s.armExpiry()
	s.log.Debug("snapshot applied",
		zap.Int("participants", len(snap.Participants)),
		zap.Int("locks", len(snap.Locks)))
}

func (s *Session) finishBaseline(err error) {
	s.baseline = false
	s.resolveWaiters(err)
	for _, o := range s.queue.Drain() {
		s.apply(o)
	}
}

func (s *Session) resolveWaiters(err error) {
	for _, w := range s.waiters {
		w <- err
	}
	s.waiters = nil
}

func (s *Session) rebroadcastHeld() {
	for _, l := range s.locks.Renew(s.self, s.nowMs()) {
		s.send(types.LockAcquiredMessage(s.scope, l))
	}
}

// ---- incoming ----

func (s *Session) receive(msg types.Message) {
	if s.sub == nil {
		return
	}
	now := s.nowMs()
	switch msg.Type {
	case types.TypeJoin, types.TypeUpdate:
		if msg.ParticipantID == s.self {
			return
		}
		var err error
		if msg.Type == types.TypeJoin {
			err = s.store.ApplyJoin(msg.PresenceAt(now))
		} else {
			err = s.store.ApplyUpdate(msg.PresenceAt(now))
		}
		if errors.Is(err, presence.ErrStaleWrite) {
			s.log.Debug("stale presence write discarded",
				zap.String("from", msg.ParticipantID),
				zap.String("type", string(msg.Type)))
			return
		}
		s.remirror(msg.ParticipantID, now)
		s.dirtyParticipants = true

	case types.TypeLeave:
		if msg.ParticipantID == s.self {
			return
		}
		if s.store.ApplyLeave(msg.ParticipantID) {
			s.dirtyParticipants = true
		}
		s.locks.ReleaseAll(msg.ParticipantID)

	case types.TypeLockAcquired:
		if msg.HolderID == s.self {
			return
		}
		if s.locks.ApplyAcquired(msg.Lock(), now).Applied {
			s.armExpiry()
		}

	case types.TypeLockReleased:
		if msg.HolderID == s.self {
			cur, ok := s.locks.Holder(msg.ItemID, now)
			if !ok || cur.HolderID != s.self {
				return
			}
			if at, ok := s.released[msg.ItemID]; ok && cur.AcquiredAtMs >= at {
				// echo of our own earlier release
				return
			}
			// released on our behalf, e.g. by the relay after a dropped connection
		}
		if s.locks.ApplyReleased(msg.ItemID, msg.HolderID) {
			s.armExpiry()
		}

	case types.TypeSnapshotRequest:
		if !s.opts.serveSnapshots || s.baseline {
			return
		}
		snap := types.Snapshot{Participants: s.store.Snapshot(), Locks: s.locks.Snapshot(now)}
		s.send(types.SnapshotResponseMessage(s.scope, msg.RequestID, snap))

	case types.TypeSnapshotResponse:
		s.onSnapshot(msg)
	}
}

// lockChanged is the lock table's OnChange hook.
func (s *Session) lockChanged(c editlock.Change) {
	s.store.MirrorLock(c)
	s.dirtyLocks = true
	if c.Previous != s.self || c.Holder == s.self {
		return
	}
	switch c.Reason {
	case editlock.ReasonDisplaced, editlock.ReasonExpired:
		l, _ := s.locks.Holder(c.ItemID, s.nowMs())
		s.lost(c.ItemID, l)
	case editlock.ReasonReleased:
		if !s.releasing {
			s.lost(c.ItemID, types.EditLock{})
		}
	}
}

// lost reports a lock this participant held and did not give up. A claim
// still inside its settle window turns into a denial instead.
func (s *Session) lost(itemID string, cur types.EditLock) {
	settled := false
	for id, c := range s.claims {
		if c.itemID == itemID {
			delete(s.claims, id)
			c.reply <- editReply{res: denied(itemID, cur)}
			settled = true
		}
	}
	if settled {
		return
	}
	s.log.Info("lock lost", zap.String("item", itemID), zap.String("holder", cur.HolderID))
	s.events.emit(Event{Kind: EventLockLost, ItemID: itemID, Holder: cur.HolderID})
}

func (s *Session) remirror(participantID string, now int64) {
	if l, ok := s.locks.HeldBy(participantID, now); ok {
		s.store.SetEditing(participantID, l.ItemID)
	}
}

// ---- mutations ----

func (s *Session) enqueue(o op) {
	switch {
	case !s.started:
		if o.kind == opEdit {
			o.reply <- editReply{err: ErrNotStarted}
			return
		}
		s.apply(o)
	case s.machine.Queueing() || s.baseline:
		if dropped, ok := s.queue.Push(o); ok {
			s.log.Debug("queue full, dropping oldest operation")
			s.reject(dropped, ErrOperationDropped)
		}
	default:
		s.apply(o)
	}
}

func (s *Session) reject(o op, err error) {
	if o.kind == opEdit {
		o.reply <- editReply{err: err}
	}
}

func (s *Session) apply(o op) {
	switch o.kind {
	case opEdit:
		if o.ctx.Err() != nil {
			return
		}
		s.startEditing(o)
	case opStop:
		s.stopEditing(o.itemID)
	case opStatus:
		s.baseStatus = o.status
	case opCursor:
		s.selfRec.Cursor = &types.Cursor{X: o.x, Y: o.y, CapturedAtMs: s.nowMs()}
		s.publishSelf()
	case opPage:
		s.selfRec.PagePath = o.path
		s.publishSelf()
	}
}

func (s *Session) startEditing(o op) {
	now := s.nowMs()
	res := s.locks.Request(o.itemID, s.self, now)
	if !res.Granted {
		o.reply <- editReply{res: denied(o.itemID, res.Lock)}
		return
	}
	if res.Replaced != nil {
		s.released[res.Replaced.ItemID] = now
		s.send(types.LockReleasedMessage(s.scope, res.Replaced.ItemID, s.self))
	}
	s.send(types.LockAcquiredMessage(s.scope, res.Lock))
	s.armExpiry()

	settle := s.opts.timings.ClaimSettle
	if res.Renewed || settle == 0 {
		o.reply <- editReply{res: granted(res.Lock)}
		return
	}
	id := s.nextClaim
	s.nextClaim++
	s.claims[id] = &claim{itemID: o.itemID, reply: o.reply}
	s.after(settle, claimSettled{id: id})
}

func (s *Session) settle(id uint64) {
	c, ok := s.claims[id]
	if !ok {
		return
	}
	delete(s.claims, id)
	cur, held := s.locks.Holder(c.itemID, s.nowMs())
	if !held || cur.HolderID != s.self {
		// taken by someone else, or given up with StopEditing meanwhile
		c.reply <- editReply{res: denied(c.itemID, cur)}
		return
	}
	c.reply <- editReply{res: granted(cur)}
}

func (s *Session) stopEditing(itemID string) {
	s.releasing = true
	err := s.locks.Release(itemID, s.self)
	s.releasing = false
	if err != nil {
		s.log.Debug("stop editing ignored", zap.String("item", itemID), zap.Error(err))
		return
	}
	s.released[itemID] = s.nowMs()
	s.send(types.LockReleasedMessage(s.scope, itemID, s.self))
	s.armExpiry()
}

// publishSelf refreshes and broadcasts this participant's own record.
func (s *Session) publishSelf() {
	if s.machine.State() != types.StateConnected {
		return
	}
	s.selfRec.LastActiveAtMs = s.nowMs()
	_ = s.store.ApplyUpdate(s.selfRec)
	s.dirtyParticipants = true
	s.send(types.UpdateMessage(s.scope, s.selfRec))
}

// syncSelfStatus keeps the advertised status and editing item in line with
// the lock table.
func (s *Session) syncSelfStatus() {
	want := s.baseStatus
	var item string
	if l, ok := s.locks.HeldBy(s.self, s.nowMs()); ok {
		item = l.ItemID
		if want == types.StatusOnline {
			want = types.StatusEditing
		}
	}
	if s.selfRec.Status == want && s.selfRec.EditingItemID == item {
		return
	}
	s.selfRec.Status = want
	s.selfRec.EditingItemID = item
	s.publishSelf()
}

// ---- heartbeat ----

func (s *Session) tick() {
	now := s.nowMs()
	s.publishSelf()
	s.rebroadcastHeld()

	for _, id := range s.store.SweepStale(now, s.opts.timings.StaleThreshold.Milliseconds(), s.self) {
		s.log.Debug("stale participant removed", zap.String("participant", id))
		s.locks.ReleaseAll(id)
		s.dirtyParticipants = true
	}
	if len(s.locks.Sweep(now)) > 0 {
		s.dirtyLocks = true
	}
	if after := s.opts.timings.PendingAfter; after > 0 {
		if len(s.store.MarkPending(now, after.Milliseconds(), s.self)) > 0 {
			s.dirtyParticipants = true
		}
	}
	s.armExpiry()
}

func (s *Session) armExpiry() {
	s.stopTimer(&s.expiryTimer)
	next, ok := s.locks.NextExpiry()
	if !ok {
		return
	}
	d := max(time.Duration(next+1-s.nowMs())*time.Millisecond, time.Millisecond)
	s.expiryTimer = s.after(d, expiryDue{})
}

func (s *Session) stopTimer(t *clockwork.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// ---- teardown ----

func (s *Session) shutdown(ctx context.Context) error {
	s.closed = true
	s.hb.Stop()
	s.stopTimer(&s.retryTimer)
	s.stopTimer(&s.snapshotTimer)
	s.stopTimer(&s.expiryTimer)

	for _, o := range s.queue.Clear() {
		s.reject(o, ErrClosed)
	}
	for id, c := range s.claims {
		delete(s.claims, id)
		c.reply <- editReply{err: ErrClosed}
	}
	s.resolveWaiters(ErrClosed)

	var final []types.Message
	if s.started {
		s.releasing = true
		for _, l := range s.locks.ReleaseAll(s.self) {
			final = append(final, types.LockReleasedMessage(s.scope, l.ItemID, s.self))
		}
		s.releasing = false
		final = append(final, types.LeaveMessage(s.scope, s.self))
	}

	close(s.outbox)
	select {
	case <-s.writerDone:
	case <-ctx.Done():
	}

	// Published even while reconnecting: transports such as Redis can
	// publish without a live subscription.
	connected := s.sub != nil
	var errs error
	for _, msg := range final {
		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		err := s.ch.Publish(pctx, s.scope, msg)
		cancel()
		if err == nil {
			continue
		}
		if connected {
			errs = multierr.Append(errs, err)
		} else {
			s.log.Debug("teardown publish failed while offline", zap.Error(err))
		}
	}
	if s.sub != nil {
		if err := s.ch.Leave(s.sub); err != nil && !errors.Is(err, channel.ErrUnknownSubscription) {
			errs = multierr.Append(errs, err)
		}
		s.sub = nil
	}

	s.machine.Disconnect()
	s.started = false
	s.store.ApplyLeave(s.self)
	s.publishView()
	s.emitConnection()
	s.cancel()
	s.events.close()
	s.log.Info("session closed")
	return errs
}

// ---- view and events ----

func (s *Session) flush() {
	if s.closed {
		return
	}
	s.syncSelfStatus()
	s.publishView()
	if s.dirtyParticipants {
		s.dirtyParticipants = false
		s.events.emit(Event{Kind: EventParticipants})
	}
	if s.dirtyLocks {
		s.dirtyLocks = false
		s.events.emit(Event{Kind: EventLocks})
	}
}

func (s *Session) publishView() {
	v := &view{
		state:        s.machine.State(),
		stale:        s.recov.PossiblyStale(),
		participants: s.store.Snapshot(),
		locks:        s.locks.Snapshot(s.nowMs()),
	}
	if me, ok := s.store.Get(s.self); ok {
		v.self = &me
	}
	s.view.Store(v)
}

func (s *Session) emitConnection() {
	s.publishView()
	s.events.emit(Event{Kind: EventConnection, State: s.machine.State()})
}
