package session

import (
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/wayfarer/internal/actions"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/channel"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/interactions"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/protocol"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/reconcile"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/rooms"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/state"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/timers"
	"go.uber.org/zap"
)

const (
	opMount   = "session.mount"
	opShow    = "session.show"
	opRefresh = "session.refresh"
)

var (
	errMissingChannel  = errors.New("session: channel is required")
	errMissingIdentity = errors.New("session: identity is required")
)

// Channel is the shared event channel a session runs on. The session never closes it.
type Channel interface {
	Emit(event string, payload interface{}) error
	Connected() bool
	Subscribe(listener channel.Listener) func()
}

// Observer receives notifications after the session lock is released.
type Observer interface {
	StateChanged(entity interactions.EntityRef, snapshot state.InteractionState)
	ActionFailed(notice actions.Notice)
	JoinFailed(key interactions.RoomKey, err error)
}

// ObserverFuncs adapts plain functions to Observer. Nil functions are skipped.
type ObserverFuncs struct {
	OnStateChanged func(entity interactions.EntityRef, snapshot state.InteractionState)
	OnActionFailed func(notice actions.Notice)
	OnJoinFailed   func(key interactions.RoomKey, err error)
}

func (o ObserverFuncs) StateChanged(entity interactions.EntityRef, snapshot state.InteractionState) {
	if o.OnStateChanged != nil {
		o.OnStateChanged(entity, snapshot)
	}
}

func (o ObserverFuncs) ActionFailed(notice actions.Notice) {
	if o.OnActionFailed != nil {
		o.OnActionFailed(notice)
	}
}

func (o ObserverFuncs) JoinFailed(key interactions.RoomKey, err error) {
	if o.OnJoinFailed != nil {
		o.OnJoinFailed(key, err)
	}
}

// FixedIdentity is an Identity for a user known up front. The empty value is signed out.
type FixedIdentity string

// ActorID implements actions.Identity.
func (f FixedIdentity) ActorID() (string, bool) {
	return string(f), f != ""
}

// Config wires a Session.
type Config struct {
	Channel       Channel
	Identity      actions.Identity
	Observer      Observer
	Logger        *zap.Logger
	Scheduler     timers.Scheduler
	ActionTimeout time.Duration
	JoinTimeout   time.Duration
	LeaveTimeout  time.Duration
	// Rooms lists the kinds joined on Show. Defaults to every kind.
	Rooms []interactions.Kind
}

type view struct {
	visible bool
}

type pendingNotes struct {
	dirty       []interactions.EntityRef
	notices     []actions.Notice
	joinFailure []joinFailure
}

type joinFailure struct {
	key interactions.RoomKey
	err error
}

// Session is the interaction module of one screen. Entry points, channel events
// and timer callbacks all run under one lock; observer callbacks run after it
// is released.
type Session struct {
	mu sync.Mutex

	channel  Channel
	observer Observer
	logger   *zap.Logger
	kinds    []interactions.Kind

	tracker     *rooms.Tracker
	store       *state.Store
	reconciler  *reconcile.Reconciler
	coordinator *actions.Coordinator

	views       map[interactions.EntityRef]*view
	notes       pendingNotes
	dirtySet    map[interactions.EntityRef]struct{}
	unsubscribe func()
	closed      bool
}

// New constructs a Session and subscribes it to the channel.
func New(cfg Config) (*Session, error) {
	if cfg.Channel == nil {
		return nil, errMissingChannel
	}
	if cfg.Identity == nil {
		return nil, errMissingIdentity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = ObserverFuncs{}
	}
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = timers.NewRealScheduler()
	}
	kinds := cfg.Rooms
	if len(kinds) == 0 {
		kinds = interactions.Kinds()
	}

	s := &Session{
		channel:  cfg.Channel,
		observer: observer,
		logger:   logger,
		kinds:    kinds,
		store:    state.NewStore(),
		views:    make(map[interactions.EntityRef]*view),
		dirtySet: make(map[interactions.EntityRef]struct{}),
	}
	serialized := serialScheduler{session: s, inner: scheduler}

	tracker, err := rooms.NewTracker(rooms.Config{
		Emitter:      cfg.Channel,
		Scheduler:    serialized,
		JoinTimeout:  cfg.JoinTimeout,
		LeaveTimeout: cfg.LeaveTimeout,
		Logger:       logger.Named("rooms"),
		Hooks: rooms.Hooks{
			OnJoined:     s.roomJoined,
			OnJoinFailed: s.roomJoinFailed,
		},
	})
	if err != nil {
		return nil, err
	}
	s.tracker = tracker

	reconciler, err := reconcile.New(reconcile.Config{
		Emitter:  cfg.Channel,
		Store:    s.store,
		Rooms:    tracker,
		Identity: cfg.Identity,
		Logger:   logger.Named("reconcile"),
	})
	if err != nil {
		return nil, err
	}
	s.reconciler = reconciler

	coordinator, err := actions.NewCoordinator(actions.Config{
		Emitter:   cfg.Channel,
		Identity:  cfg.Identity,
		Store:     s.store,
		Rooms:     tracker,
		Refresher: reconciler,
		Scheduler: serialized,
		Timeout:   cfg.ActionTimeout,
		Logger:    logger.Named("actions"),
		Hooks: actions.Hooks{
			OnChanged: s.markDirty,
			OnFailed: func(notice actions.Notice) {
				s.notes.notices = append(s.notes.notices, notice)
			},
		},
	})
	if err != nil {
		return nil, err
	}
	s.coordinator = coordinator

	s.unsubscribe = cfg.Channel.Subscribe(s)
	return s, nil
}

// Mount starts tracking entity. ownerID is sent as moduleCreatedBy on actions.
func (s *Session) Mount(entity interactions.EntityRef, ownerID string) error {
	return s.do(func() error {
		if s.closed {
			return interactions.NewError(interactions.CodeNotMounted, opMount, errors.New("session closed"))
		}
		if _, ok := s.views[entity]; !ok {
			s.views[entity] = &view{}
			s.store.Track(entity)
		}
		s.coordinator.Register(entity, ownerID)
		return nil
	})
}

// Show joins the entity's rooms. While the channel is down the joins are
// remembered and issued on reconnect.
func (s *Session) Show(entity interactions.EntityRef) error {
	return s.do(func() error {
		current, ok := s.views[entity]
		if !ok {
			return interactions.NewError(interactions.CodeNotMounted, opShow, errors.New(entity.String()))
		}
		current.visible = true
		var joinErrs []error
		for _, kind := range s.kinds {
			err := s.tracker.Join(interactions.RoomFor(entity, kind))
			if err == nil {
				continue
			}
			if errors.Is(err, interactions.ErrChannelDisconnected) {
				s.logger.Debug("join deferred until reconnect", zap.String("entity", entity.String()), zap.String("kind", kind.String()))
				continue
			}
			joinErrs = append(joinErrs, err)
		}
		return errors.Join(joinErrs...)
	})
}

// Hide leaves the entity's rooms. State is kept until Unmount.
func (s *Session) Hide(entity interactions.EntityRef) error {
	return s.do(func() error {
		current, ok := s.views[entity]
		if !ok || !current.visible {
			return nil
		}
		current.visible = false
		for _, kind := range s.kinds {
			key := interactions.RoomFor(entity, kind)
			if err := s.tracker.Leave(key); err != nil {
				s.logger.Debug("leave skipped", zap.String("room", key.String()), zap.Error(err))
			}
		}
		return nil
	})
}

// Unmount releases the entity's rooms without waiting for acknowledgements and
// discards its state. Later events for it are ignored.
func (s *Session) Unmount(entity interactions.EntityRef) {
	_ = s.do(func() error {
		s.unmount(entity)
		return nil
	})
}

func (s *Session) unmount(entity interactions.EntityRef) {
	if _, ok := s.views[entity]; !ok {
		return
	}
	for _, kind := range s.kinds {
		s.tracker.Release(interactions.RoomFor(entity, kind))
	}
	s.coordinator.Forget(entity)
	s.reconciler.Forget(entity)
	s.store.Untrack(entity)
	delete(s.views, entity)
	delete(s.dirtySet, entity)
}

// Like sets the actor's like optimistically.
func (s *Session) Like(entity interactions.EntityRef) error {
	return s.do(func() error { return s.coordinator.Like(entity) })
}

// Unlike clears the actor's like optimistically.
func (s *Session) Unlike(entity interactions.EntityRef) error {
	return s.do(func() error { return s.coordinator.Unlike(entity) })
}

// ToggleLike inverts the actor's like.
func (s *Session) ToggleLike(entity interactions.EntityRef) error {
	return s.do(func() error { return s.coordinator.ToggleLike(entity) })
}

// Comment submits a comment; it is listed once the server persists it.
func (s *Session) Comment(entity interactions.EntityRef, text string) error {
	return s.do(func() error { return s.coordinator.Comment(entity, text) })
}

// DeleteComment deletes one of the actor's comments after server confirmation.
func (s *Session) DeleteComment(entity interactions.EntityRef, commentID string) error {
	return s.do(func() error { return s.coordinator.DeleteComment(entity, commentID) })
}

// Share sends entity to recipientID.
func (s *Session) Share(entity interactions.EntityRef, recipientID string) error {
	return s.do(func() error { return s.coordinator.Share(entity, recipientID) })
}

// Refresh re-requests counts and the comment list. Rooms not yet joined are
// refreshed as soon as their join is acknowledged.
func (s *Session) Refresh(entity interactions.EntityRef) error {
	return s.do(func() error {
		if _, ok := s.views[entity]; !ok {
			return interactions.NewError(interactions.CodeNotMounted, opRefresh, errors.New(entity.String()))
		}
		for _, kind := range s.kinds {
			s.reconciler.Refresh(interactions.RoomFor(entity, kind))
		}
		return nil
	})
}

// State returns a copy of the entity's interaction state.
func (s *Session) State(entity interactions.EntityRef) (state.InteractionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Snapshot(entity)
}

// Phase reports where the entity's action slot is in its lifecycle.
func (s *Session) Phase(entity interactions.EntityRef, action actions.Action) actions.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coordinator.Phase(entity, action)
}

// RoomState reports the membership state of one of the entity's rooms.
func (s *Session) RoomState(entity interactions.EntityRef, kind interactions.Kind) rooms.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.State(interactions.RoomFor(entity, kind))
}

// Close unsubscribes from the channel, leaves joined rooms best-effort and
// drops all state. The channel itself stays open for its owner.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	for entity := range s.views {
		s.coordinator.Forget(entity)
		s.reconciler.Forget(entity)
		s.store.Untrack(entity)
	}
	s.tracker.Close()
	s.views = make(map[interactions.EntityRef]*view)
	s.notes = pendingNotes{}
	s.dirtySet = make(map[interactions.EntityRef]struct{})
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// OnOpen re-joins remembered rooms after the channel (re)opened.
func (s *Session) OnOpen() {
	s.run(func() {
		if s.closed {
			return
		}
		s.tracker.Restore()
	})
}

// OnClose resets room membership; outstanding refreshes are re-issued after the re-join.
func (s *Session) OnClose(err error) {
	s.run(func() {
		s.logger.Debug("channel closed", zap.Error(err))
		s.tracker.Reset()
		s.reconciler.Reset()
	})
}

// OnEvent normalizes a server frame and dispatches it.
func (s *Session) OnEvent(frame protocol.Frame) {
	inbound, err := protocol.Normalize(frame)
	if err != nil {
		s.logger.Debug("frame dropped", zap.String("event", frame.Event), zap.Error(err))
		return
	}
	s.run(func() {
		if s.closed {
			return
		}
		s.dispatch(inbound)
	})
}

func (s *Session) dispatch(inbound protocol.Inbound) {
	switch inbound.Type {
	case protocol.InboundJoinStatus:
		s.tracker.HandleJoinStatus(inbound)
	case protocol.InboundLeaveStatus:
		s.tracker.HandleLeaveStatus(inbound)
	case protocol.InboundCountStatus:
		s.reconciler.HandleCountStatus(inbound)
	case protocol.InboundCommentList:
		s.reconciler.HandleCommentList(inbound)
	case protocol.InboundLikeStatus:
		s.coordinator.HandleLikeStatus(inbound)
	case protocol.InboundCommentStatus:
		s.coordinator.HandleCommentStatus(inbound)
	case protocol.InboundCommentDeleted:
		s.coordinator.HandleCommentDeleted(inbound)
	case protocol.InboundShareStatus:
		s.coordinator.HandleShareStatus(inbound)
	case protocol.InboundError:
		s.coordinator.HandleError(inbound)
		return
	default:
		return
	}
	if inbound.ModuleID == "" {
		return
	}
	for _, entity := range s.store.Match(inbound.ModuleID, inbound.ModuleType) {
		s.markDirty(entity)
	}
}

func (s *Session) roomJoined(key interactions.RoomKey) {
	s.reconciler.OnJoined(key)
	s.coordinator.OnRoomJoined(key)
}

func (s *Session) roomJoinFailed(key interactions.RoomKey, err error) {
	if key.Composite() {
		s.coordinator.OnRoomJoinFailed(key, err)
		return
	}
	s.logger.Info("room join failed", zap.String("room", key.String()), zap.Error(err))
	s.notes.joinFailure = append(s.notes.joinFailure, joinFailure{key: key, err: err})
}

func (s *Session) markDirty(entity interactions.EntityRef) {
	if _, ok := s.dirtySet[entity]; ok {
		return
	}
	s.dirtySet[entity] = struct{}{}
	s.notes.dirty = append(s.notes.dirty, entity)
}

// do runs fn under the lock and delivers queued notifications afterwards.
func (s *Session) do(fn func() error) error {
	var err error
	s.run(func() { err = fn() })
	return err
}

func (s *Session) run(fn func()) {
	s.mu.Lock()
	fn()
	notes := s.notes
	s.notes = pendingNotes{}
	snapshots := make([]state.InteractionState, 0, len(notes.dirty))
	changed := make([]interactions.EntityRef, 0, len(notes.dirty))
	for _, entity := range notes.dirty {
		delete(s.dirtySet, entity)
		if snapshot, ok := s.store.Snapshot(entity); ok {
			snapshots = append(snapshots, snapshot)
			changed = append(changed, entity)
		}
	}
	s.mu.Unlock()

	for _, failure := range notes.joinFailure {
		s.observer.JoinFailed(failure.key, failure.err)
	}
	for _, notice := range notes.notices {
		s.observer.ActionFailed(notice)
	}
	for index, entity := range changed {
		s.observer.StateChanged(entity, snapshots[index])
	}
}

// serialScheduler runs timer callbacks under the session lock.
type serialScheduler struct {
	session *Session
	inner   timers.Scheduler
}

func (w serialScheduler) AfterFunc(delay time.Duration, callback func()) timers.Timer {
	return w.inner.AfterFunc(delay, func() {
		w.session.run(callback)
	})
}
