package engagement

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/wayfarer/internal/interactions"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequentialIDs struct {
	next int
}

func (s *sequentialIDs) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("id-%03d", s.next), nil
}

type failingIDs struct{}

func (failingIDs) NewID() (string, error) {
	return "", errors.New("entropy exhausted")
}

func newTestService(t *testing.T) (*Service, *time.Time) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate engagement schema: %v", err)
	}
	now := time.Unix(1_700_000_000, 0).UTC()
	service, err := NewService(ServiceConfig{
		Database:   db,
		IDProvider: &sequentialIDs{},
		Clock:      func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, &now
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustText(t *testing.T, value string) CommentText {
	t.Helper()
	text, err := NewCommentText(value)
	if err != nil {
		t.Fatalf("unexpected comment text error: %v", err)
	}
	return text
}

func postRef(id string) interactions.EntityRef {
	return interactions.EntityRef{ModuleID: id, ModuleType: interactions.ModuleTypePost}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "engagement.service.new.missing_database" {
		t.Fatalf("expected missing database error, got %v", err)
	}
}

func TestSetLikeIsIdempotent(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	entity := postRef("p1")

	first, err := service.SetLike(ctx, entity, mustUserID(t, "ana"), true)
	if err != nil {
		t.Fatalf("like failed: %v", err)
	}
	if !first.Changed || first.Count != 1 {
		t.Fatalf("unexpected first like result: %#v", first)
	}

	repeat, err := service.SetLike(ctx, entity, mustUserID(t, "ana"), true)
	if err != nil {
		t.Fatalf("repeat like failed: %v", err)
	}
	if repeat.Changed || repeat.Count != 1 {
		t.Fatalf("repeat like must not double count: %#v", repeat)
	}

	if _, err := service.SetLike(ctx, entity, mustUserID(t, "bo"), true); err != nil {
		t.Fatalf("second user like failed: %v", err)
	}
	unliked, err := service.SetLike(ctx, entity, mustUserID(t, "ana"), false)
	if err != nil {
		t.Fatalf("unlike failed: %v", err)
	}
	if !unliked.Changed || unliked.Count != 1 || unliked.Liked {
		t.Fatalf("unexpected unlike result: %#v", unliked)
	}

	liked, err := service.HasLiked(ctx, entity, mustUserID(t, "bo"))
	if err != nil || !liked {
		t.Fatalf("expected bo to like p1, got %v %v", liked, err)
	}
}

func TestCountsAreScopedByModuleType(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	short := interactions.EntityRef{ModuleID: "p1", ModuleType: interactions.ModuleTypeShort}

	if _, err := service.SetLike(ctx, postRef("p1"), mustUserID(t, "ana"), true); err != nil {
		t.Fatalf("like failed: %v", err)
	}
	count, err := service.Count(ctx, short, interactions.KindLike)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("short with the same id must not see post likes, got %d", count)
	}
}

func TestCommentLifecycle(t *testing.T) {
	service, now := newTestService(t)
	ctx := context.Background()
	entity := postRef("p1")

	first, count, err := service.AddComment(ctx, entity, mustUserID(t, "ana"), mustText(t, "  first  "))
	if err != nil {
		t.Fatalf("add comment failed: %v", err)
	}
	if first.Text != "first" || count != 1 {
		t.Fatalf("unexpected comment: %#v count=%d", first, count)
	}
	*now = now.Add(time.Minute)
	if _, _, err := service.AddComment(ctx, entity, mustUserID(t, "bo"), mustText(t, "second")); err != nil {
		t.Fatalf("add comment failed: %v", err)
	}

	listed, err := service.ListComments(ctx, entity, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 2 || listed[0].Text != "second" {
		t.Fatalf("expected newest first, got %#v", listed)
	}

	_, err = service.DeleteComment(ctx, entity, first.CommentID, mustUserID(t, "bo"))
	if !errors.Is(err, ErrNotCommentAuthor) {
		t.Fatalf("expected author check, got %v", err)
	}
	remaining, err := service.DeleteComment(ctx, entity, first.CommentID, mustUserID(t, "ana"))
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("expected one remaining comment, got %d", remaining)
	}
	_, err = service.DeleteComment(ctx, entity, first.CommentID, mustUserID(t, "ana"))
	if !errors.Is(err, ErrCommentNotFound) {
		t.Fatalf("expected not found on repeat delete, got %v", err)
	}
}

func TestCommentTextValidation(t *testing.T) {
	if _, err := NewCommentText("   "); !errors.Is(err, ErrInvalidCommentText) {
		t.Fatalf("expected empty comment rejection, got %v", err)
	}
	long := make([]byte, maxCommentLength+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := NewCommentText(string(long)); !errors.Is(err, ErrInvalidCommentText) {
		t.Fatalf("expected oversized comment rejection, got %v", err)
	}
}

func TestRecordShareCounts(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	entity := postRef("p1")

	share, count, err := service.RecordShare(ctx, entity, mustUserID(t, "ana"), mustUserID(t, "bo"))
	if err != nil {
		t.Fatalf("share failed: %v", err)
	}
	if share.ReceiverID != "bo" || count != 1 {
		t.Fatalf("unexpected share: %#v count=%d", share, count)
	}
	if _, count, err = service.RecordShare(ctx, entity, mustUserID(t, "ana"), mustUserID(t, "bo")); err != nil || count != 2 {
		t.Fatalf("expected repeated share to count, got %d %v", count, err)
	}
}

func TestRecordShareSurfacesIDFailure(t *testing.T) {
	service, _ := newTestService(t)
	service.idProvider = failingIDs{}
	_, _, err := service.RecordShare(context.Background(), postRef("p1"), mustUserID(t, "ana"), mustUserID(t, "bo"))
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "engagement.record_share.id_generation_failed" {
		t.Fatalf("expected id generation error, got %v", err)
	}
}

func TestFollowers(t *testing.T) {
	service, now := newTestService(t)
	ctx := context.Background()
	owner := mustUserID(t, "owner")

	if err := service.Follow(ctx, mustUserID(t, "bo"), owner); err != nil {
		t.Fatalf("follow failed: %v", err)
	}
	*now = now.Add(time.Second)
	if err := service.Follow(ctx, mustUserID(t, "ana"), owner); err != nil {
		t.Fatalf("follow failed: %v", err)
	}
	if err := service.Follow(ctx, mustUserID(t, "bo"), owner); err != nil {
		t.Fatalf("repeat follow must be ignored: %v", err)
	}
	if err := service.Follow(ctx, owner, owner); !errors.Is(err, ErrSelfFollow) {
		t.Fatalf("expected self follow rejection, got %v", err)
	}

	followers, err := service.ListFollowers(ctx, owner)
	if err != nil {
		t.Fatalf("list followers failed: %v", err)
	}
	if len(followers) != 2 || followers[0] != "bo" || followers[1] != "ana" {
		t.Fatalf("unexpected followers: %v", followers)
	}

	if err := service.Unfollow(ctx, mustUserID(t, "bo"), owner); err != nil {
		t.Fatalf("unfollow failed: %v", err)
	}
	followers, _ = service.ListFollowers(ctx, owner)
	if len(followers) != 1 || followers[0] != "ana" {
		t.Fatalf("unexpected followers after unfollow: %v", followers)
	}
}
