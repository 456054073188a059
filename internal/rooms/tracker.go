package rooms

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/wayfarer/internal/interactions"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/protocol"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/timers"
	"go.uber.org/zap"
)

const (
	defaultJoinTimeout  = 5 * time.Second
	defaultLeaveTimeout = 5 * time.Second

	opJoin  = "rooms.join"
	opLeave = "rooms.leave"
)

var (
	errMissingEmitter   = errors.New("rooms: emitter is required")
	errMissingScheduler = errors.New("rooms: scheduler is required")
)

// State is the membership state of one room.
type State int

const (
	NotJoined State = iota
	Joining
	Joined
	Leaving
)

func (s State) String() string {
	switch s {
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	case Leaving:
		return "leaving"
	default:
		return "not_joined"
	}
}

// Emitter sends fire-and-forget events over the shared channel.
type Emitter interface {
	Emit(event string, payload interface{}) error
	Connected() bool
}

// Hooks are invoked on membership transitions. Nil hooks are skipped.
type Hooks struct {
	OnJoined     func(key interactions.RoomKey)
	OnJoinFailed func(key interactions.RoomKey, err error)
	OnLeft       func(key interactions.RoomKey)
}

// Config wires the tracker's collaborators.
type Config struct {
	Emitter      Emitter
	Scheduler    timers.Scheduler
	JoinTimeout  time.Duration
	LeaveTimeout time.Duration
	Hooks        Hooks
	Logger       *zap.Logger
}

type membership struct {
	state        State
	attempt      int64
	leaveQueued  bool
	rejoinQueued bool
	released     bool
	timer        timers.Timer
}

// Tracker runs the join/leave protocol for every room a screen cares about.
// It is not safe for concurrent use; the owning session serializes calls,
// including the scheduler callbacks.
type Tracker struct {
	emitter      Emitter
	scheduler    timers.Scheduler
	joinTimeout  time.Duration
	leaveTimeout time.Duration
	hooks        Hooks
	logger       *zap.Logger

	rooms    map[interactions.RoomKey]*membership
	wanted   map[interactions.RoomKey]struct{}
	attempts int64
}

// NewTracker constructs a Tracker.
func NewTracker(cfg Config) (*Tracker, error) {
	if cfg.Emitter == nil {
		return nil, errMissingEmitter
	}
	if cfg.Scheduler == nil {
		return nil, errMissingScheduler
	}
	joinTimeout := cfg.JoinTimeout
	if joinTimeout <= 0 {
		joinTimeout = defaultJoinTimeout
	}
	leaveTimeout := cfg.LeaveTimeout
	if leaveTimeout <= 0 {
		leaveTimeout = defaultLeaveTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		emitter:      cfg.Emitter,
		scheduler:    cfg.Scheduler,
		joinTimeout:  joinTimeout,
		leaveTimeout: leaveTimeout,
		hooks:        cfg.Hooks,
		logger:       logger,
		rooms:        make(map[interactions.RoomKey]*membership),
		wanted:       make(map[interactions.RoomKey]struct{}),
	}, nil
}

// State returns the membership state of key.
func (t *Tracker) State(key interactions.RoomKey) State {
	if current, ok := t.rooms[key]; ok && !current.released {
		return current.state
	}
	return NotJoined
}

// IsJoined reports whether key is in the Joined state.
func (t *Tracker) IsJoined(key interactions.RoomKey) bool {
	return t.State(key) == Joined
}

// Join requests membership of key. Joining or joined rooms are left alone; a
// room that is leaving is re-joined once the leave is acknowledged. When the
// channel is down the key is remembered for Restore and ChannelDisconnected is returned.
func (t *Tracker) Join(key interactions.RoomKey) error {
	if current, ok := t.rooms[key]; ok {
		switch current.state {
		case Joining:
			current.leaveQueued = false
			current.released = false
			return nil
		case Joined:
			current.released = false
			return nil
		case Leaving:
			current.rejoinQueued = true
			current.released = false
			return nil
		}
	}

	if !t.emitter.Connected() {
		t.wanted[key] = struct{}{}
		return interactions.NewError(interactions.CodeChannelDisconnected, opJoin, nil)
	}
	if err := t.emitter.Emit(protocol.JoinRoomEvent(key.Kind), roomRequest(key)); err != nil {
		t.wanted[key] = struct{}{}
		return interactions.NewError(interactions.CodeChannelDisconnected, opJoin, err)
	}
	delete(t.wanted, key)

	current := &membership{state: Joining}
	t.rooms[key] = current
	t.arm(key, current, t.joinTimeout, t.joinTimedOut)
	t.logger.Debug("room join requested", roomFields(key)...)
	return nil
}

// Leave requests leaving key. Leaving a room that was never joined is a protocol
// violation and nothing is sent. A leave requested while joining is queued until
// the join is acknowledged.
func (t *Tracker) Leave(key interactions.RoomKey) error {
	current, ok := t.rooms[key]
	if !ok || current.released {
		if _, waiting := t.wanted[key]; waiting {
			delete(t.wanted, key)
			return nil
		}
		return interactions.NewError(interactions.CodeProtocolViolation, opLeave, errors.New("room not joined: "+key.String()))
	}
	switch current.state {
	case Joining:
		current.leaveQueued = true
		return nil
	case Leaving:
		current.rejoinQueued = false
		return nil
	case Joined:
		t.sendLeave(key, current)
		return nil
	default:
		return interactions.NewError(interactions.CodeProtocolViolation, opLeave, errors.New("room not joined: "+key.String()))
	}
}

// Release drops interest in key without waiting for acknowledgements. A joined
// room gets a best-effort leave; a joining room leaves as soon as its join is acknowledged.
func (t *Tracker) Release(key interactions.RoomKey) {
	delete(t.wanted, key)
	current, ok := t.rooms[key]
	if !ok {
		return
	}
	switch current.state {
	case Joining:
		current.released = true
		current.leaveQueued = true
		current.rejoinQueued = false
		return
	case Joined:
		if err := t.emitter.Emit(protocol.LeaveRoomEvent(key.Kind), roomRequest(key)); err != nil {
			t.logger.Debug("best-effort leave not sent", append(roomFields(key), zap.Error(err))...)
		}
	}
	t.drop(key, current)
}

// HandleJoinStatus settles joins matching the acknowledgement.
func (t *Tracker) HandleJoinStatus(inbound protocol.Inbound) {
	for _, key := range t.matching(inbound, Joining) {
		current, ok := t.rooms[key]
		if !ok || current.state != Joining {
			continue
		}
		t.stopTimer(current)
		if !inbound.Result.OK {
			released := current.released
			t.drop(key, current)
			t.logger.Debug("room join rejected", append(roomFields(key), zap.String("message", inbound.Result.Message))...)
			if !released && t.hooks.OnJoinFailed != nil {
				t.hooks.OnJoinFailed(key, inbound.Result.Err(opJoin))
			}
			continue
		}
		current.state = Joined
		t.logger.Debug("room joined", roomFields(key)...)
		if current.leaveQueued {
			t.sendLeave(key, current)
			continue
		}
		if t.hooks.OnJoined != nil {
			t.hooks.OnJoined(key)
		}
	}
}

// HandleLeaveStatus settles leaves matching the acknowledgement.
func (t *Tracker) HandleLeaveStatus(inbound protocol.Inbound) {
	for _, key := range t.matching(inbound, Leaving) {
		if current, ok := t.rooms[key]; ok && current.state == Leaving {
			t.settleLeave(key, current)
		}
	}
}

// Reset marks every room NotJoined after the channel closed. Rooms that were
// wanted are remembered for Restore.
func (t *Tracker) Reset() {
	for key, current := range t.rooms {
		t.stopTimer(current)
		wanted := false
		switch current.state {
		case Joining, Joined:
			wanted = !current.leaveQueued && !current.released
		case Leaving:
			wanted = current.rejoinQueued && !current.released
		}
		if wanted {
			t.wanted[key] = struct{}{}
		}
		delete(t.rooms, key)
	}
}

// Restore re-joins every remembered room after the channel reopened.
func (t *Tracker) Restore() {
	keys := make([]interactions.RoomKey, 0, len(t.wanted))
	for key := range t.wanted {
		keys = append(keys, key)
	}
	for _, key := range keys {
		if err := t.Join(key); err != nil {
			t.logger.Warn("room rejoin failed", append(roomFields(key), zap.Error(err))...)
		}
	}
}

// Close sends best-effort leaves for joined rooms and forgets everything.
func (t *Tracker) Close() {
	for key, current := range t.rooms {
		if current.state == Joined && t.emitter.Connected() {
			_ = t.emitter.Emit(protocol.LeaveRoomEvent(key.Kind), roomRequest(key))
		}
		t.drop(key, current)
	}
	t.wanted = make(map[interactions.RoomKey]struct{})
}

func (t *Tracker) sendLeave(key interactions.RoomKey, current *membership) {
	current.leaveQueued = false
	if err := t.emitter.Emit(protocol.LeaveRoomEvent(key.Kind), roomRequest(key)); err != nil {
		t.logger.Debug("leave not sent, channel down", append(roomFields(key), zap.Error(err))...)
		t.settleLeave(key, current)
		return
	}
	if current.released {
		t.drop(key, current)
		return
	}
	current.state = Leaving
	t.arm(key, current, t.leaveTimeout, t.leaveTimedOut)
	t.logger.Debug("room leave requested", roomFields(key)...)
}

func (t *Tracker) settleLeave(key interactions.RoomKey, current *membership) {
	rejoin := current.rejoinQueued && !current.released
	t.drop(key, current)
	t.logger.Debug("room left", roomFields(key)...)
	if t.hooks.OnLeft != nil {
		t.hooks.OnLeft(key)
	}
	if rejoin {
		if err := t.Join(key); err != nil {
			t.logger.Warn("queued rejoin failed", append(roomFields(key), zap.Error(err))...)
		}
	}
}

func (t *Tracker) joinTimedOut(key interactions.RoomKey, current *membership) {
	if current.state != Joining {
		return
	}
	released := current.released
	t.drop(key, current)
	t.logger.Debug("room join timed out", roomFields(key)...)
	if !released && t.hooks.OnJoinFailed != nil {
		t.hooks.OnJoinFailed(key, interactions.NewError(interactions.CodeTimeout, opJoin, errors.New("no acknowledgement for "+key.String())))
	}
}

func (t *Tracker) leaveTimedOut(key interactions.RoomKey, current *membership) {
	if current.state != Leaving {
		return
	}
	t.settleLeave(key, current)
}

func (t *Tracker) arm(key interactions.RoomKey, current *membership, delay time.Duration, fire func(interactions.RoomKey, *membership)) {
	t.stopTimer(current)
	t.attempts++
	attempt := t.attempts
	current.attempt = attempt
	current.timer = t.scheduler.AfterFunc(delay, func() {
		latest, ok := t.rooms[key]
		if !ok || latest != current || latest.attempt != attempt {
			return
		}
		fire(key, latest)
	})
}

func (t *Tracker) stopTimer(current *membership) {
	if current.timer != nil {
		current.timer.Stop()
		current.timer = nil
	}
}

func (t *Tracker) drop(key interactions.RoomKey, current *membership) {
	t.stopTimer(current)
	if latest, ok := t.rooms[key]; ok && latest == current {
		delete(t.rooms, key)
	}
}

func (t *Tracker) matching(inbound protocol.Inbound, want State) []interactions.RoomKey {
	var keys []interactions.RoomKey
	for key, current := range t.rooms {
		if current.state != want || key.Kind != inbound.Kind {
			continue
		}
		if key.Entity.ModuleID != inbound.ModuleID || key.Recipient != inbound.ReceiverID {
			continue
		}
		if inbound.ModuleType != "" && key.Entity.ModuleType != inbound.ModuleType {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

func roomRequest(key interactions.RoomKey) protocol.RoomRequest {
	return protocol.RoomRequest{
		ModuleID:   key.Entity.ModuleID,
		ModuleType: key.Entity.ModuleType.String(),
		ReceiverID: key.Recipient,
	}
}

func roomFields(key interactions.RoomKey) []zap.Field {
	return []zap.Field{
		zap.String("module_id", key.Entity.ModuleID),
		zap.String("module_type", key.Entity.ModuleType.String()),
		zap.String("kind", key.Kind.String()),
		zap.String("recipient", key.Recipient),
	}
}
