package actions

import (
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/wayfarer/internal/interactions"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/protocol"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/state"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/timers"
)

type emitted struct {
	event   string
	payload interface{}
}

type fakeEmitter struct {
	connected bool
	events    []emitted
}

func (f *fakeEmitter) Emit(event string, payload interface{}) error {
	if !f.connected {
		return errors.New("disconnected")
	}
	f.events = append(f.events, emitted{event: event, payload: payload})
	return nil
}

func (f *fakeEmitter) Connected() bool {
	return f.connected
}

func (f *fakeEmitter) count(event string) int {
	total := 0
	for _, entry := range f.events {
		if entry.event == event {
			total++
		}
	}
	return total
}

type staticIdentity string

func (s staticIdentity) ActorID() (string, bool) {
	return string(s), s != ""
}

type fakeRooms struct {
	joined   map[interactions.RoomKey]bool
	requests []interactions.RoomKey
	released []interactions.RoomKey
}

func (f *fakeRooms) Join(key interactions.RoomKey) error {
	f.requests = append(f.requests, key)
	return nil
}

func (f *fakeRooms) Release(key interactions.RoomKey) {
	f.released = append(f.released, key)
	delete(f.joined, key)
}

func (f *fakeRooms) IsJoined(key interactions.RoomKey) bool {
	return f.joined[key]
}

type recordingRefresher struct {
	keys []interactions.RoomKey
}

func (r *recordingRefresher) Refresh(key interactions.RoomKey) {
	r.keys = append(r.keys, key)
}

type harness struct {
	coordinator *Coordinator
	emitter     *fakeEmitter
	store       *state.Store
	rooms       *fakeRooms
	refresher   *recordingRefresher
	scheduler   *timers.Manual
	notices     []Notice
}

var post = interactions.EntityRef{ModuleID: "p1", ModuleType: interactions.ModuleTypePost}

func newHarness(t *testing.T, actor string) *harness {
	t.Helper()
	h := &harness{
		emitter:   &fakeEmitter{connected: true},
		store:     state.NewStore(),
		rooms:     &fakeRooms{joined: map[interactions.RoomKey]bool{}},
		refresher: &recordingRefresher{},
		scheduler: timers.NewManual(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)),
	}
	coordinator, err := NewCoordinator(Config{
		Emitter:   h.emitter,
		Identity:  staticIdentity(actor),
		Store:     h.store,
		Rooms:     h.rooms,
		Refresher: h.refresher,
		Scheduler: h.scheduler,
		Hooks: Hooks{
			OnFailed: func(notice Notice) { h.notices = append(h.notices, notice) },
		},
	})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}
	h.coordinator = coordinator
	h.store.Track(post)
	h.store.SetCount(post, interactions.KindLike, 5)
	coordinator.Register(post, "owner-1")
	return h
}

func intPtr(value int) *int {
	return &value
}

func boolPtr(value bool) *bool {
	return &value
}

func likeStatus(actor string, ok bool, count *int) protocol.Inbound {
	return protocol.Inbound{
		Name:     protocol.EventLikeStatus,
		Type:     protocol.InboundLikeStatus,
		Kind:     interactions.KindLike,
		ModuleID: "p1",
		ActorID:  actor,
		Result:   protocol.Result{OK: ok, Message: "like rejected"},
		Liked:    boolPtr(true),
		Count:    count,
	}
}

func TestLikeConfirmedWithServerCount(t *testing.T) {
	h := newHarness(t, "u1")
	if err := h.coordinator.Like(post); err != nil {
		t.Fatalf("like failed: %v", err)
	}
	snapshot, _ := h.store.Snapshot(post)
	if !snapshot.Liked || snapshot.LikeCount != 6 || !snapshot.LikePending {
		t.Fatalf("unexpected optimistic state: %#v", snapshot)
	}
	request, ok := h.emitter.events[0].payload.(protocol.LikeRequest)
	if !ok || request.LikedBy != "u1" || request.ModuleCreatedBy != "owner-1" {
		t.Fatalf("unexpected like payload: %#v", h.emitter.events[0].payload)
	}

	h.coordinator.HandleLikeStatus(likeStatus("u1", true, intPtr(6)))
	snapshot, _ = h.store.Snapshot(post)
	if !snapshot.Liked || snapshot.LikeCount != 6 || snapshot.LikePending {
		t.Fatalf("unexpected confirmed state: %#v", snapshot)
	}
	if h.coordinator.Phase(post, ActionLike) != Idle {
		t.Fatalf("expected slot to be idle")
	}
	if len(h.refresher.keys) != 0 {
		t.Fatalf("no refresh expected when the server sent a count")
	}
	if h.scheduler.Pending() != 0 {
		t.Fatalf("expected timeout to be cancelled")
	}
}

func TestLikeRejectedRestoresPreviousState(t *testing.T) {
	h := newHarness(t, "u1")
	_ = h.coordinator.Like(post)
	h.coordinator.HandleLikeStatus(likeStatus("u1", false, nil))

	snapshot, _ := h.store.Snapshot(post)
	if snapshot.Liked || snapshot.LikeCount != 5 || snapshot.LikePending {
		t.Fatalf("expected rollback to the pre-action state: %#v", snapshot)
	}
	if len(h.notices) != 1 || !errors.Is(h.notices[0].Err, interactions.ErrServerRejected) {
		t.Fatalf("expected server rejected notice, got %v", h.notices)
	}
}

func TestLikeConfirmationWithoutCountRequestsRefresh(t *testing.T) {
	h := newHarness(t, "u1")
	_ = h.coordinator.Like(post)
	h.coordinator.HandleLikeStatus(likeStatus("", true, nil))

	if len(h.refresher.keys) != 1 || h.refresher.keys[0] != interactions.RoomFor(post, interactions.KindLike) {
		t.Fatalf("expected like count refresh, got %v", h.refresher.keys)
	}
}

func TestSecondLikeWhilePendingSendsNothing(t *testing.T) {
	h := newHarness(t, "u1")
	_ = h.coordinator.Like(post)
	err := h.coordinator.ToggleLike(post)
	if !errors.Is(err, interactions.ErrAlreadyInProgress) {
		t.Fatalf("expected already in progress, got %v", err)
	}
	if h.emitter.count(protocol.EventLike)+h.emitter.count(protocol.EventUnlike) != 1 {
		t.Fatalf("expected exactly one network call, got %v", h.emitter.events)
	}
}

func TestLikeWithoutIdentityFailsWithoutNetwork(t *testing.T) {
	h := newHarness(t, "")
	if err := h.coordinator.Like(post); !errors.Is(err, interactions.ErrNotAuthenticated) {
		t.Fatalf("expected not authenticated, got %v", err)
	}
	if len(h.emitter.events) != 0 {
		t.Fatalf("expected no network call")
	}
}

func TestLikeWhileDisconnectedFailsFast(t *testing.T) {
	h := newHarness(t, "u1")
	h.emitter.connected = false
	if err := h.coordinator.Like(post); !errors.Is(err, interactions.ErrChannelDisconnected) {
		t.Fatalf("expected channel disconnected, got %v", err)
	}
	snapshot, _ := h.store.Snapshot(post)
	if snapshot.Liked || snapshot.LikeCount != 5 {
		t.Fatalf("state must be untouched: %#v", snapshot)
	}
}

func TestLikeTimeoutRollsBack(t *testing.T) {
	h := newHarness(t, "u1")
	_ = h.coordinator.Like(post)
	h.scheduler.Advance(9 * time.Second)

	snapshot, _ := h.store.Snapshot(post)
	if snapshot.Liked || snapshot.LikeCount != 5 || snapshot.LikePending {
		t.Fatalf("expected rollback after timeout: %#v", snapshot)
	}
	if len(h.notices) != 1 || !errors.Is(h.notices[0].Err, interactions.ErrTimeout) {
		t.Fatalf("expected timeout notice, got %v", h.notices)
	}

	h.coordinator.HandleLikeStatus(likeStatus("u1", true, intPtr(6)))
	snapshot, _ = h.store.Snapshot(post)
	if !snapshot.Liked || snapshot.LikeCount != 6 || snapshot.LikePending {
		t.Fatalf("late confirmation should land on the server's values: %#v", snapshot)
	}
	if len(h.notices) != 1 {
		t.Fatalf("late confirmation must not raise another notice")
	}
}

func TestOtherUsersLikeOnlyUpdatesCount(t *testing.T) {
	h := newHarness(t, "u1")
	h.coordinator.HandleLikeStatus(likeStatus("u2", true, intPtr(9)))
	snapshot, _ := h.store.Snapshot(post)
	if snapshot.Liked || snapshot.LikeCount != 9 {
		t.Fatalf("unexpected state after broadcast: %#v", snapshot)
	}
}

func TestLikeErrorWithoutModuleIDMatchesSinglePendingAction(t *testing.T) {
	h := newHarness(t, "u1")
	_ = h.coordinator.Like(post)
	h.coordinator.HandleError(protocol.Inbound{
		Name:   "like-error",
		Type:   protocol.InboundError,
		Kind:   interactions.KindLike,
		Result: protocol.Result{Message: "boom"},
	})
	snapshot, _ := h.store.Snapshot(post)
	if snapshot.Liked || snapshot.LikePending {
		t.Fatalf("expected rollback on error event: %#v", snapshot)
	}
	if len(h.notices) != 1 || h.notices[0].Action != ActionLike {
		t.Fatalf("expected like notice, got %v", h.notices)
	}
}

func TestCommentAppendsPersistedComment(t *testing.T) {
	h := newHarness(t, "u1")
	if err := h.coordinator.Comment(post, "  hello  "); err != nil {
		t.Fatalf("comment failed: %v", err)
	}
	request := h.emitter.events[0].payload.(protocol.CommentRequest)
	if request.CommentDataValue != "hello" || request.CommentedBy != "u1" {
		t.Fatalf("unexpected comment payload: %#v", request)
	}
	snapshot, _ := h.store.Snapshot(post)
	if !snapshot.CommentPending || len(snapshot.Comments) != 0 {
		t.Fatalf("comment must not appear before the server persists it: %#v", snapshot)
	}

	comment := interactions.Comment{ID: "c1", AuthorID: "u1", Text: "hello"}
	h.coordinator.HandleCommentStatus(protocol.Inbound{
		Type:     protocol.InboundCommentStatus,
		Kind:     interactions.KindComment,
		ModuleID: "p1",
		ActorID:  "u1",
		Result:   protocol.Result{OK: true},
		Comment:  &comment,
	})
	snapshot, _ = h.store.Snapshot(post)
	if snapshot.CommentPending || len(snapshot.Comments) != 1 || snapshot.CommentCount != 1 {
		t.Fatalf("unexpected state after comment status: %#v", snapshot)
	}
}

func TestEmptyCommentIsRejectedLocally(t *testing.T) {
	h := newHarness(t, "u1")
	if err := h.coordinator.Comment(post, "   "); !errors.Is(err, interactions.ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	if len(h.emitter.events) != 0 {
		t.Fatalf("expected nothing sent")
	}
}

func TestDeleteForeignCommentIsNotPermitted(t *testing.T) {
	h := newHarness(t, "u1")
	h.store.AppendComment(post, interactions.Comment{ID: "c1", AuthorID: "u2"})
	if err := h.coordinator.DeleteComment(post, "c1"); !errors.Is(err, interactions.ErrNotPermitted) {
		t.Fatalf("expected not permitted, got %v", err)
	}
	if len(h.emitter.events) != 0 {
		t.Fatalf("expected nothing sent")
	}
}

func TestDeleteCommentDuplicateConfirmationDecrementsOnce(t *testing.T) {
	h := newHarness(t, "u1")
	h.store.AppendComment(post, interactions.Comment{ID: "c1", AuthorID: "u1"})
	h.store.AppendComment(post, interactions.Comment{ID: "c2", AuthorID: "u2"})

	if err := h.coordinator.DeleteComment(post, "c1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if snapshot, _ := h.store.Snapshot(post); len(snapshot.Comments) != 2 {
		t.Fatalf("delete must not be optimistic: %#v", snapshot)
	}
	deleted := protocol.Inbound{
		Type:      protocol.InboundCommentDeleted,
		Kind:      interactions.KindComment,
		ModuleID:  "p1",
		CommentID: "c1",
		Result:    protocol.Result{OK: true},
	}
	h.coordinator.HandleCommentDeleted(deleted)
	h.coordinator.HandleCommentDeleted(deleted)

	snapshot, _ := h.store.Snapshot(post)
	if len(snapshot.Comments) != 1 || snapshot.CommentCount != 1 {
		t.Fatalf("expected a single removal, got %#v", snapshot)
	}
	if len(h.refresher.keys) != 1 || h.refresher.keys[0].Kind != interactions.KindComment {
		t.Fatalf("expected one comment refresh, got %v", h.refresher.keys)
	}
}

func TestShareWaitsForCompositeRoom(t *testing.T) {
	h := newHarness(t, "u1")
	if err := h.coordinator.Share(post, "ana"); err != nil {
		t.Fatalf("share failed: %v", err)
	}
	room := interactions.ShareRoomFor(post, "ana")
	if len(h.rooms.requests) != 1 || h.rooms.requests[0] != room {
		t.Fatalf("expected composite room join, got %v", h.rooms.requests)
	}
	if h.emitter.count(protocol.EventShare) != 0 {
		t.Fatalf("share must wait for the room")
	}
	snapshot, _ := h.store.Snapshot(post)
	if snapshot.ShareCount != 1 || !snapshot.SharePending {
		t.Fatalf("expected optimistic share count: %#v", snapshot)
	}

	h.rooms.joined[room] = true
	h.coordinator.OnRoomJoined(room)
	h.coordinator.OnRoomJoined(room)
	if h.emitter.count(protocol.EventShare) != 1 {
		t.Fatalf("expected exactly one share, got %v", h.emitter.events)
	}

	h.coordinator.HandleShareStatus(protocol.Inbound{
		Type:       protocol.InboundShareStatus,
		Kind:       interactions.KindShare,
		ModuleID:   "p1",
		ActorID:    "u1",
		ReceiverID: "ana",
		Result:     protocol.Result{OK: true},
		Count:      intPtr(4),
	})
	snapshot, _ = h.store.Snapshot(post)
	if snapshot.ShareCount != 4 || snapshot.SharePending {
		t.Fatalf("unexpected confirmed share state: %#v", snapshot)
	}
	if len(h.rooms.released) != 1 || h.rooms.released[0] != room {
		t.Fatalf("expected composite room release, got %v", h.rooms.released)
	}
}

func TestShareRoomFailureRollsBack(t *testing.T) {
	h := newHarness(t, "u1")
	_ = h.coordinator.Share(post, "ana")
	room := interactions.ShareRoomFor(post, "ana")
	h.coordinator.OnRoomJoinFailed(room, interactions.NewError(interactions.CodeTimeout, "rooms.join", nil))

	snapshot, _ := h.store.Snapshot(post)
	if snapshot.ShareCount != 0 || snapshot.SharePending {
		t.Fatalf("expected share rollback: %#v", snapshot)
	}
	if len(h.notices) != 1 || !errors.Is(h.notices[0].Err, interactions.ErrTimeout) {
		t.Fatalf("expected timeout notice, got %v", h.notices)
	}
	if len(h.rooms.released) != 1 {
		t.Fatalf("expected composite room release")
	}
}

func startJoinedShare(t *testing.T, h *harness) interactions.RoomKey {
	t.Helper()
	if err := h.coordinator.Share(post, "ana"); err != nil {
		t.Fatalf("share failed: %v", err)
	}
	room := interactions.ShareRoomFor(post, "ana")
	h.rooms.joined[room] = true
	h.coordinator.OnRoomJoined(room)
	if h.emitter.count(protocol.EventShare) != 1 {
		t.Fatalf("expected share to be sent once joined")
	}
	return room
}

func TestShareTimeoutReleasesCompositeRoom(t *testing.T) {
	h := newHarness(t, "u1")
	room := startJoinedShare(t, h)
	h.scheduler.Advance(9 * time.Second)

	snapshot, _ := h.store.Snapshot(post)
	if snapshot.ShareCount != 0 || snapshot.SharePending {
		t.Fatalf("expected share rollback after timeout: %#v", snapshot)
	}
	if len(h.notices) != 1 || !errors.Is(h.notices[0].Err, interactions.ErrTimeout) {
		t.Fatalf("expected timeout notice, got %v", h.notices)
	}
	if len(h.rooms.released) != 1 || h.rooms.released[0] != room {
		t.Fatalf("expected composite room release after timeout, got %v", h.rooms.released)
	}
}

func TestShareRejectedReleasesCompositeRoom(t *testing.T) {
	h := newHarness(t, "u1")
	room := startJoinedShare(t, h)
	h.coordinator.HandleShareStatus(protocol.Inbound{
		Type:       protocol.InboundShareStatus,
		Kind:       interactions.KindShare,
		ModuleID:   "p1",
		ActorID:    "u1",
		ReceiverID: "ana",
		Result:     protocol.Result{OK: false, Message: "share refused"},
	})

	snapshot, _ := h.store.Snapshot(post)
	if snapshot.ShareCount != 0 || snapshot.SharePending {
		t.Fatalf("expected share rollback after rejection: %#v", snapshot)
	}
	if len(h.notices) != 1 || !errors.Is(h.notices[0].Err, interactions.ErrServerRejected) {
		t.Fatalf("expected rejection notice, got %v", h.notices)
	}
	if len(h.rooms.released) != 1 || h.rooms.released[0] != room {
		t.Fatalf("expected composite room release after rejection, got %v", h.rooms.released)
	}
}

func TestEventsForUnmountedEntityAreIgnored(t *testing.T) {
	h := newHarness(t, "u1")
	_ = h.coordinator.Like(post)
	h.coordinator.Forget(post)
	h.store.Untrack(post)

	h.coordinator.HandleLikeStatus(likeStatus("u1", true, intPtr(6)))
	h.scheduler.Advance(10 * time.Second)
	if len(h.notices) != 0 {
		t.Fatalf("expected no notices for an unmounted entity, got %v", h.notices)
	}
	if h.store.Tracked(post) {
		t.Fatalf("events must not resurrect an unmounted entity")
	}
}

func TestTransitionTableRejectsIllegalMoves(t *testing.T) {
	if _, err := advance(Idle, triggerSuccess); err == nil {
		t.Fatalf("idle cannot succeed")
	}
	if next, err := advance(Pending, triggerTimeout); err != nil || next != Failed {
		t.Fatalf("pending timeout should fail, got %s %v", next, err)
	}
	if next, err := advance(Confirmed, triggerSettle); err != nil || next != Idle {
		t.Fatalf("confirmed should settle to idle, got %s %v", next, err)
	}
}
