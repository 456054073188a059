package actions

import (
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/wayfarer/internal/interactions"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/protocol"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/state"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/timers"
	"go.uber.org/zap"
)

const (
	defaultTimeout = 8 * time.Second

	opLike          = "actions.like"
	opComment       = "actions.comment"
	opDeleteComment = "actions.delete_comment"
	opShare         = "actions.share"
)

var (
	errMissingEmitter   = errors.New("actions: emitter is required")
	errMissingIdentity  = errors.New("actions: identity is required")
	errMissingStore     = errors.New("actions: store is required")
	errMissingRooms     = errors.New("actions: rooms are required")
	errMissingRefresher = errors.New("actions: refresher is required")
	errMissingScheduler = errors.New("actions: scheduler is required")

	errEmptyComment     = errors.New("comment text is empty")
	errMissingRecipient = errors.New("share recipient is empty")
)

// Emitter sends fire-and-forget events over the shared channel.
type Emitter interface {
	Emit(event string, payload interface{}) error
	Connected() bool
}

// Identity supplies the acting user. ok is false while nobody is signed in.
type Identity interface {
	ActorID() (string, bool)
}

// Rooms manages composite share rooms.
type Rooms interface {
	Join(key interactions.RoomKey) error
	Release(key interactions.RoomKey)
	IsJoined(key interactions.RoomKey) bool
}

// Refresher requests authoritative counts and lists.
type Refresher interface {
	Refresh(key interactions.RoomKey)
}

// Hooks report results to the owner. Nil hooks are skipped.
type Hooks struct {
	OnChanged func(entity interactions.EntityRef)
	OnFailed  func(notice Notice)
}

// Config wires the coordinator's collaborators.
type Config struct {
	Emitter   Emitter
	Identity  Identity
	Store     *state.Store
	Rooms     Rooms
	Refresher Refresher
	Scheduler timers.Scheduler
	Timeout   time.Duration
	Hooks     Hooks
	Logger    *zap.Logger
}

type slot struct {
	phase   Phase
	attempt int64
	timer   timers.Timer

	actor     string
	liked     bool
	commentID string
	shareRoom interactions.RoomKey
	shareSent bool
}

// Coordinator runs the optimistic like, comment, delete-comment and share flows.
// At most one action of each kind is in flight per entity. Not safe for
// concurrent use; the owning session serializes calls and timer callbacks.
type Coordinator struct {
	emitter   Emitter
	identity  Identity
	store     *state.Store
	rooms     Rooms
	refresher Refresher
	scheduler timers.Scheduler
	timeout   time.Duration
	hooks     Hooks
	logger    *zap.Logger

	owners   map[interactions.EntityRef]string
	slots    map[slotKey]*slot
	attempts int64
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.Emitter == nil:
		return nil, errMissingEmitter
	case cfg.Identity == nil:
		return nil, errMissingIdentity
	case cfg.Store == nil:
		return nil, errMissingStore
	case cfg.Rooms == nil:
		return nil, errMissingRooms
	case cfg.Refresher == nil:
		return nil, errMissingRefresher
	case cfg.Scheduler == nil:
		return nil, errMissingScheduler
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		emitter:   cfg.Emitter,
		identity:  cfg.Identity,
		store:     cfg.Store,
		rooms:     cfg.Rooms,
		refresher: cfg.Refresher,
		scheduler: cfg.Scheduler,
		timeout:   timeout,
		hooks:     cfg.Hooks,
		logger:    logger,
		owners:    make(map[interactions.EntityRef]string),
		slots:     make(map[slotKey]*slot),
	}, nil
}

// Register records the owner of entity, sent as moduleCreatedBy.
func (c *Coordinator) Register(entity interactions.EntityRef, ownerID string) {
	c.owners[entity] = strings.TrimSpace(ownerID)
}

// Forget abandons every in-flight action of entity without notifying.
func (c *Coordinator) Forget(entity interactions.EntityRef) {
	for key, current := range c.slots {
		if key.entity != entity {
			continue
		}
		c.stopTimer(current)
		if key.action == ActionShare {
			c.rooms.Release(current.shareRoom)
		}
		delete(c.slots, key)
	}
	delete(c.owners, entity)
}

// Phase returns the current phase of the (entity, action) slot.
func (c *Coordinator) Phase(entity interactions.EntityRef, action Action) Phase {
	if current, ok := c.slots[slotKey{entity: entity, action: action}]; ok {
		return current.phase
	}
	return Idle
}

// Like sets the actor's like on entity.
func (c *Coordinator) Like(entity interactions.EntityRef) error {
	return c.setLike(entity, true)
}

// Unlike clears the actor's like on entity.
func (c *Coordinator) Unlike(entity interactions.EntityRef) error {
	return c.setLike(entity, false)
}

// ToggleLike inverts the actor's current like.
func (c *Coordinator) ToggleLike(entity interactions.EntityRef) error {
	snapshot, ok := c.store.Snapshot(entity)
	if !ok {
		return interactions.NewError(interactions.CodeNotMounted, opLike, errors.New(entity.String()))
	}
	return c.setLike(entity, !snapshot.Liked)
}

func (c *Coordinator) setLike(entity interactions.EntityRef, liked bool) error {
	actor, err := c.precheck(entity, ActionLike, opLike)
	if err != nil {
		return err
	}
	event := protocol.EventLike
	if !liked {
		event = protocol.EventUnlike
	}
	request := protocol.LikeRequest{
		LikedBy:         actor,
		ModuleType:      entity.ModuleType.String(),
		ModuleID:        entity.ModuleID,
		ModuleCreatedBy: c.owners[entity],
	}

	c.store.ApplyOptimisticLike(entity, liked)
	if err := c.emitter.Emit(event, request); err != nil {
		c.store.RollbackLike(entity)
		return interactions.NewError(interactions.CodeChannelDisconnected, opLike, err)
	}
	current := &slot{actor: actor, liked: liked}
	c.begin(entity, ActionLike, current)
	c.changed(entity)
	return nil
}

// Comment submits text as a new comment. The comment appears only once the
// server returns the persisted record.
func (c *Coordinator) Comment(entity interactions.EntityRef, text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return interactions.NewError(interactions.CodeProtocolViolation, opComment, errEmptyComment)
	}
	actor, err := c.precheck(entity, ActionComment, opComment)
	if err != nil {
		return err
	}
	request := protocol.CommentRequest{
		ModuleID:         entity.ModuleID,
		ModuleType:       entity.ModuleType.String(),
		ModuleCreatedBy:  c.owners[entity],
		CommentedBy:      actor,
		CommentDataValue: trimmed,
	}
	if err := c.emitter.Emit(protocol.EventComment, request); err != nil {
		return interactions.NewError(interactions.CodeChannelDisconnected, opComment, err)
	}
	c.store.SetCommentPending(entity, true)
	c.begin(entity, ActionComment, &slot{actor: actor})
	c.changed(entity)
	return nil
}

// DeleteComment removes one of the actor's own comments once the server confirms.
// Deleting a comment that is no longer listed is a no-op.
func (c *Coordinator) DeleteComment(entity interactions.EntityRef, commentID string) error {
	commentID = strings.TrimSpace(commentID)
	actor, err := c.precheck(entity, ActionDeleteComment, opDeleteComment)
	if err != nil {
		return err
	}
	comment, found := c.store.FindComment(entity, commentID)
	if !found {
		return nil
	}
	if comment.AuthorID != actor {
		return interactions.NewError(interactions.CodeNotPermitted, opDeleteComment, errors.New("comment "+commentID+" belongs to another user"))
	}
	request := protocol.DeleteCommentRequest{
		CommentID:   commentID,
		CommentedBy: actor,
		ModuleID:    entity.ModuleID,
		ModuleType:  entity.ModuleType.String(),
	}
	if err := c.emitter.Emit(protocol.EventDeleteComment, request); err != nil {
		return interactions.NewError(interactions.CodeChannelDisconnected, opDeleteComment, err)
	}
	c.begin(entity, ActionDeleteComment, &slot{actor: actor, commentID: commentID})
	return nil
}

// Share sends entity to recipient through the composite share room.
func (c *Coordinator) Share(entity interactions.EntityRef, recipientID string) error {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return interactions.NewError(interactions.CodeProtocolViolation, opShare, errMissingRecipient)
	}
	actor, err := c.precheck(entity, ActionShare, opShare)
	if err != nil {
		return err
	}
	room := interactions.ShareRoomFor(entity, recipientID)
	if err := c.rooms.Join(room); err != nil {
		c.rooms.Release(room)
		return err
	}
	c.store.ApplyOptimisticShare(entity)
	current := &slot{actor: actor, shareRoom: room}
	c.begin(entity, ActionShare, current)
	if c.rooms.IsJoined(room) {
		c.sendShare(entity, current)
	}
	c.changed(entity)
	return nil
}

// OnRoomJoined sends the share waiting for a composite room.
func (c *Coordinator) OnRoomJoined(key interactions.RoomKey) {
	if !key.Composite() {
		return
	}
	current, ok := c.slots[slotKey{entity: key.Entity, action: ActionShare}]
	if !ok || current.phase != Pending || current.shareRoom != key || current.shareSent {
		return
	}
	c.sendShare(key.Entity, current)
}

// OnRoomJoinFailed fails the share waiting for a composite room.
func (c *Coordinator) OnRoomJoinFailed(key interactions.RoomKey, err error) {
	if !key.Composite() {
		return
	}
	current, ok := c.slots[slotKey{entity: key.Entity, action: ActionShare}]
	if !ok || current.phase != Pending || current.shareRoom != key {
		return
	}
	c.fail(key.Entity, ActionShare, triggerFailure, err)
}

// HandleLikeStatus confirms or rolls back this client's like, or applies a
// count change caused by somebody else.
func (c *Coordinator) HandleLikeStatus(inbound protocol.Inbound) {
	for _, entity := range c.store.Match(inbound.ModuleID, inbound.ModuleType) {
		current, ours := c.pendingFor(entity, ActionLike, inbound.ActorID)
		if !ours {
			c.observeLike(entity, inbound)
			continue
		}
		if !inbound.Result.OK {
			c.fail(entity, ActionLike, triggerFailure, inbound.Result.Err(opLike))
			continue
		}
		liked := current.liked
		if inbound.Liked != nil {
			liked = *inbound.Liked
		}
		needsRefresh := c.store.ConfirmLike(entity, liked, inbound.Count)
		c.succeed(entity, ActionLike)
		if needsRefresh {
			c.refresher.Refresh(interactions.RoomFor(entity, interactions.KindLike))
		}
		c.changed(entity)
	}
}

func (c *Coordinator) observeLike(entity interactions.EntityRef, inbound protocol.Inbound) {
	if !inbound.Result.OK {
		return
	}
	changed := false
	if inbound.Count != nil {
		changed = c.store.SetCount(entity, interactions.KindLike, *inbound.Count)
	}
	if actor, ok := c.identity.ActorID(); ok && inbound.ActorID == actor && inbound.Liked != nil {
		changed = c.store.SetLiked(entity, *inbound.Liked) || changed
	}
	if changed {
		c.changed(entity)
	}
}

// HandleCommentStatus appends a persisted comment and settles this client's submission.
func (c *Coordinator) HandleCommentStatus(inbound protocol.Inbound) {
	for _, entity := range c.store.Match(inbound.ModuleID, inbound.ModuleType) {
		_, ours := c.pendingFor(entity, ActionComment, inbound.ActorID)
		if !inbound.Result.OK {
			if ours {
				c.fail(entity, ActionComment, triggerFailure, inbound.Result.Err(opComment))
			}
			continue
		}
		c.store.AppendComment(entity, *inbound.Comment)
		if inbound.Count != nil {
			c.store.SetCount(entity, interactions.KindComment, *inbound.Count)
		}
		if ours {
			c.store.SetCommentPending(entity, false)
			c.succeed(entity, ActionComment)
		}
		c.changed(entity)
	}
}

// HandleCommentDeleted removes a deleted comment. Duplicate confirmations
// remove nothing and never decrement twice.
func (c *Coordinator) HandleCommentDeleted(inbound protocol.Inbound) {
	for _, entity := range c.store.Match(inbound.ModuleID, inbound.ModuleType) {
		key := slotKey{entity: entity, action: ActionDeleteComment}
		current, pending := c.slots[key]
		ours := pending && current.phase == Pending && current.commentID == inbound.CommentID
		if !inbound.Result.OK {
			if ours {
				c.fail(entity, ActionDeleteComment, triggerFailure, inbound.Result.Err(opDeleteComment))
			}
			continue
		}
		removed := c.store.RemoveComment(entity, inbound.CommentID)
		if inbound.Count != nil {
			c.store.SetCount(entity, interactions.KindComment, *inbound.Count)
		}
		if ours {
			c.succeed(entity, ActionDeleteComment)
			c.refresher.Refresh(interactions.RoomFor(entity, interactions.KindComment))
		}
		if removed || ours {
			c.changed(entity)
		}
	}
}

// HandleShareStatus settles this client's share and releases its composite room.
func (c *Coordinator) HandleShareStatus(inbound protocol.Inbound) {
	for _, entity := range c.store.Match(inbound.ModuleID, inbound.ModuleType) {
		current, ours := c.pendingFor(entity, ActionShare, inbound.ActorID)
		if ours && current.shareRoom.Recipient != inbound.ReceiverID {
			ours = false
		}
		if !ours {
			if inbound.Result.OK && inbound.Count != nil && c.store.SetCount(entity, interactions.KindShare, *inbound.Count) {
				c.changed(entity)
			}
			continue
		}
		if !inbound.Result.OK {
			c.fail(entity, ActionShare, triggerFailure, inbound.Result.Err(opShare))
			continue
		}
		needsRefresh := c.store.ConfirmShare(entity, inbound.Count)
		c.succeed(entity, ActionShare)
		if needsRefresh {
			c.refresher.Refresh(interactions.RoomFor(entity, interactions.KindShare))
		}
		c.changed(entity)
	}
}

// HandleError fails the pending action named by a <kind>-error event. Without a
// moduleId the error is applied only when exactly one candidate is pending.
func (c *Coordinator) HandleError(inbound protocol.Inbound) {
	candidates := c.errorCandidates(inbound)
	if len(candidates) != 1 {
		c.logger.Warn("unattributed error event dropped",
			zap.String("event", inbound.Name),
			zap.String("module_id", inbound.ModuleID),
			zap.Int("candidates", len(candidates)),
			zap.String("message", inbound.Result.Message))
		return
	}
	key := candidates[0]
	c.fail(key.entity, key.action, triggerFailure, inbound.Result.Err(opFor(key.action)))
}

func (c *Coordinator) errorCandidates(inbound protocol.Inbound) []slotKey {
	var actions []Action
	switch inbound.Kind {
	case interactions.KindLike:
		actions = []Action{ActionLike}
	case interactions.KindComment:
		actions = []Action{ActionComment, ActionDeleteComment}
	case interactions.KindShare:
		actions = []Action{ActionShare}
	}
	var candidates []slotKey
	for key, current := range c.slots {
		if current.phase != Pending || !containsAction(actions, key.action) {
			continue
		}
		if inbound.ModuleID != "" && key.entity.ModuleID != inbound.ModuleID {
			continue
		}
		if inbound.ModuleType != "" && key.entity.ModuleType != inbound.ModuleType {
			continue
		}
		candidates = append(candidates, key)
	}
	return candidates
}

func (c *Coordinator) precheck(entity interactions.EntityRef, action Action, op string) (string, error) {
	actor, ok := c.identity.ActorID()
	if !ok || strings.TrimSpace(actor) == "" {
		return "", interactions.NewError(interactions.CodeNotAuthenticated, op, nil)
	}
	if !c.store.Tracked(entity) {
		return "", interactions.NewError(interactions.CodeNotMounted, op, errors.New(entity.String()))
	}
	if c.Phase(entity, action) != Idle {
		return "", interactions.NewError(interactions.CodeAlreadyInProgress, op, nil)
	}
	if !c.emitter.Connected() {
		return "", interactions.NewError(interactions.CodeChannelDisconnected, op, nil)
	}
	return actor, nil
}

func (c *Coordinator) pendingFor(entity interactions.EntityRef, action Action, actorID string) (*slot, bool) {
	current, ok := c.slots[slotKey{entity: entity, action: action}]
	if !ok || current.phase != Pending {
		return nil, false
	}
	if actorID != "" && actorID != current.actor {
		return nil, false
	}
	return current, true
}

func (c *Coordinator) begin(entity interactions.EntityRef, action Action, current *slot) {
	key := slotKey{entity: entity, action: action}
	phase, err := advance(Idle, triggerInvoke)
	if err != nil {
		c.logger.Error("action slot not idle", zap.String("entity", entity.String()), zap.String("action", string(action)), zap.Error(err))
		return
	}
	current.phase = phase
	c.attempts++
	attempt := c.attempts
	current.attempt = attempt
	c.slots[key] = current
	current.timer = c.scheduler.AfterFunc(c.timeout, func() {
		latest, ok := c.slots[key]
		if !ok || latest != current || latest.attempt != attempt || latest.phase != Pending {
			return
		}
		c.fail(entity, action, triggerTimeout, interactions.NewError(interactions.CodeTimeout, opFor(action), errors.New("no response for "+entity.String())))
	})
	c.logger.Debug("action pending", zap.String("entity", entity.String()), zap.String("action", string(action)))
}

func (c *Coordinator) sendShare(entity interactions.EntityRef, current *slot) {
	request := protocol.ShareRequest{
		ModuleID:        entity.ModuleID,
		ModuleType:      entity.ModuleType.String(),
		ModuleCreatedBy: c.owners[entity],
		SenderID:        current.actor,
		ReceiverID:      current.shareRoom.Recipient,
	}
	if err := c.emitter.Emit(protocol.EventShare, request); err != nil {
		c.fail(entity, ActionShare, triggerFailure, interactions.NewError(interactions.CodeChannelDisconnected, opShare, err))
		return
	}
	current.shareSent = true
}

func (c *Coordinator) succeed(entity interactions.EntityRef, action Action) {
	c.settle(entity, action, triggerSuccess)
}

// fail rolls back the optimistic mutation of action and reports cause.
func (c *Coordinator) fail(entity interactions.EntityRef, action Action, on trigger, cause error) {
	if _, ok := c.settle(entity, action, on); !ok {
		return
	}
	switch action {
	case ActionLike:
		c.store.RollbackLike(entity)
	case ActionShare:
		c.store.RollbackShare(entity)
	case ActionComment:
		c.store.SetCommentPending(entity, false)
	}
	c.logger.Info("action failed",
		zap.String("entity", entity.String()),
		zap.String("action", string(action)),
		zap.String("code", string(interactions.CodeOf(cause))),
		zap.Error(cause))
	c.changed(entity)
	if c.hooks.OnFailed != nil {
		c.hooks.OnFailed(Notice{Entity: entity, Action: action, Err: cause})
	}
}

// settle drives the slot through Confirmed or Failed back to Idle.
func (c *Coordinator) settle(entity interactions.EntityRef, action Action, on trigger) (*slot, bool) {
	key := slotKey{entity: entity, action: action}
	current, ok := c.slots[key]
	if !ok {
		return nil, false
	}
	outcome, err := advance(current.phase, on)
	if err != nil {
		c.logger.Debug("ignored action event", zap.String("entity", entity.String()), zap.Error(err))
		return nil, false
	}
	current.phase = outcome
	c.stopTimer(current)
	if action == ActionShare {
		c.rooms.Release(current.shareRoom)
	}
	if current.phase, err = advance(outcome, triggerSettle); err != nil {
		c.logger.Error("action slot stuck", zap.String("entity", entity.String()), zap.Error(err))
	}
	delete(c.slots, key)
	return current, true
}

func (c *Coordinator) stopTimer(current *slot) {
	if current.timer != nil {
		current.timer.Stop()
		current.timer = nil
	}
}

func (c *Coordinator) changed(entity interactions.EntityRef) {
	if c.hooks.OnChanged != nil {
		c.hooks.OnChanged(entity)
	}
}

func opFor(action Action) string {
	switch action {
	case ActionLike:
		return opLike
	case ActionComment:
		return opComment
	case ActionDeleteComment:
		return opDeleteComment
	default:
		return opShare
	}
}

func containsAction(actions []Action, target Action) bool {
	for _, action := range actions {
		if action == target {
			return true
		}
	}
	return false
}
