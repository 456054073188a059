package reconcile

import (
	"errors"

	"github.com/MarcoPoloResearchLab/wayfarer/internal/interactions"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/protocol"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/state"
	"go.uber.org/zap"
)

var (
	errMissingEmitter = errors.New("reconcile: emitter is required")
	errMissingStore   = errors.New("reconcile: store is required")
	errMissingRooms   = errors.New("reconcile: room membership is required")
)

// Emitter sends fire-and-forget events over the shared channel.
type Emitter interface {
	Emit(event string, payload interface{}) error
}

// Membership reports whether a room has been joined.
type Membership interface {
	IsJoined(key interactions.RoomKey) bool
}

// Identity resolves the current actor.
type Identity interface {
	ActorID() (string, bool)
}

// Config wires the reconciler's collaborators. Identity is optional; without
// it like counts never restore the liked flag.
type Config struct {
	Emitter  Emitter
	Store    *state.Store
	Rooms    Membership
	Identity Identity
	Logger   *zap.Logger
}

// Reconciler issues count and comment-list refreshes and applies their responses.
// Requests are only sent from joined rooms; earlier requests wait for the join.
// Not safe for concurrent use.
type Reconciler struct {
	emitter  Emitter
	store    *state.Store
	rooms    Membership
	identity Identity
	logger   *zap.Logger

	outstanding map[interactions.RoomKey]int
	deferred    map[interactions.RoomKey]struct{}
}

// New constructs a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Emitter == nil {
		return nil, errMissingEmitter
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Rooms == nil {
		return nil, errMissingRooms
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		emitter:     cfg.Emitter,
		store:       cfg.Store,
		rooms:       cfg.Rooms,
		identity:    cfg.Identity,
		logger:      logger,
		outstanding: make(map[interactions.RoomKey]int),
		deferred:    make(map[interactions.RoomKey]struct{}),
	}, nil
}

// Refresh requests the count (and, for comments, the list) of key. Before the room
// is joined the request is deferred until OnJoined.
func (r *Reconciler) Refresh(key interactions.RoomKey) {
	if key.Composite() {
		return
	}
	if !r.rooms.IsJoined(key) {
		r.deferred[key] = struct{}{}
		return
	}
	r.send(key)
}

// OnJoined refreshes a freshly joined room.
func (r *Reconciler) OnJoined(key interactions.RoomKey) {
	if key.Composite() {
		return
	}
	delete(r.deferred, key)
	r.send(key)
}

// Outstanding reports whether responses for key are still expected.
func (r *Reconciler) Outstanding(key interactions.RoomKey) bool {
	return r.outstanding[key] > 0
}

// Deferred reports whether a refresh for key waits for the room to be joined.
func (r *Reconciler) Deferred(key interactions.RoomKey) bool {
	_, ok := r.deferred[key]
	return ok
}

// HandleCountStatus applies an authoritative count. A like count addressed to
// the current actor also restores the liked flag.
func (r *Reconciler) HandleCountStatus(inbound protocol.Inbound) {
	if !inbound.Result.OK || inbound.Count == nil {
		return
	}
	ownLike := inbound.Kind == interactions.KindLike && inbound.Liked != nil && r.isActor(inbound.ActorID)
	for _, entity := range r.store.Match(inbound.ModuleID, inbound.ModuleType) {
		r.store.SetCount(entity, inbound.Kind, *inbound.Count)
		if ownLike {
			r.store.SetLiked(entity, *inbound.Liked)
		}
		r.settle(interactions.RoomFor(entity, inbound.Kind))
	}
}

func (r *Reconciler) isActor(actorID string) bool {
	if r.identity == nil || actorID == "" {
		return false
	}
	current, ok := r.identity.ActorID()
	return ok && current == actorID
}

// HandleCommentList replaces the comment list with the server's.
func (r *Reconciler) HandleCommentList(inbound protocol.Inbound) {
	for _, entity := range r.store.Match(inbound.ModuleID, inbound.ModuleType) {
		r.store.ReplaceComments(entity, inbound.Comments)
		r.settle(interactions.RoomFor(entity, interactions.KindComment))
	}
}

// Reset moves every unanswered request back to deferred after the channel closed,
// so the re-join after reconnect issues it again.
func (r *Reconciler) Reset() {
	for key := range r.outstanding {
		r.deferred[key] = struct{}{}
	}
	r.outstanding = make(map[interactions.RoomKey]int)
}

// Forget drops pending bookkeeping for entity.
func (r *Reconciler) Forget(entity interactions.EntityRef) {
	for key := range r.outstanding {
		if key.Entity == entity {
			delete(r.outstanding, key)
		}
	}
	for key := range r.deferred {
		if key.Entity == entity {
			delete(r.deferred, key)
		}
	}
}

func (r *Reconciler) send(key interactions.RoomKey) {
	request := protocol.CountRequest{
		ModuleType: key.Entity.ModuleType.String(),
		ModuleID:   key.Entity.ModuleID,
	}
	if err := r.emitter.Emit(protocol.CountEvent(key.Kind), request); err != nil {
		r.deferred[key] = struct{}{}
		r.logger.Debug("count refresh deferred", zap.String("room", key.String()), zap.Error(err))
		return
	}
	expected := 1
	if key.Kind == interactions.KindComment {
		if err := r.emitter.Emit(protocol.EventFetchComments, request); err != nil {
			r.deferred[key] = struct{}{}
			r.logger.Debug("comment list refresh deferred", zap.String("room", key.String()), zap.Error(err))
		} else {
			expected++
		}
	}
	r.outstanding[key] = expected
}

func (r *Reconciler) settle(key interactions.RoomKey) {
	remaining, ok := r.outstanding[key]
	if !ok {
		return
	}
	if remaining <= 1 {
		delete(r.outstanding, key)
		return
	}
	r.outstanding[key] = remaining - 1
}
