package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/wayfarer/internal/interactions"
)

func frame(event string, data string) Frame {
	return Frame{Event: event, Data: json.RawMessage(data)}
}

func TestNormalizeJoinStatusReadsStatusFlag(t *testing.T) {
	inbound, err := Normalize(frame("join-comment-room-status", `{"moduleId":"s1","status":true}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inbound.Type != InboundJoinStatus || inbound.Kind != interactions.KindComment {
		t.Fatalf("unexpected classification: %s %s", inbound.Type, inbound.Kind)
	}
	if !inbound.Result.OK {
		t.Fatalf("expected status flag to count as success")
	}
}

func TestNormalizeSuccessFlagWinsOverStatus(t *testing.T) {
	inbound, err := Normalize(frame(EventLikeStatus, `{"moduleId":"p1","success":false,"status":true,"message":"Failed to like post"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inbound.Result.OK {
		t.Fatalf("expected explicit success=false to win")
	}
	if err := inbound.Result.Err("actions.like"); !errors.Is(err, interactions.ErrServerRejected) {
		t.Fatalf("expected server rejected error, got %v", err)
	}
}

func TestNormalizeStringStatus(t *testing.T) {
	inbound, err := Normalize(frame(EventShareStatus, `{"moduleId":"p1","senderId":"u1","receiverId":"u2","status":"success"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !inbound.Result.OK || inbound.ActorID != "u1" || inbound.ReceiverID != "u2" {
		t.Fatalf("unexpected share status: %#v", inbound)
	}
}

func TestNormalizeLikeStatusWithoutFlagUsesLiked(t *testing.T) {
	inbound, err := Normalize(frame(EventLikeStatus, `{"moduleId":"p1","moduleType":"post","likedBy":"u1","liked":true,"count":6}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !inbound.Result.OK {
		t.Fatalf("expected like status with liked value to be ok")
	}
	if inbound.Count == nil || *inbound.Count != 6 {
		t.Fatalf("unexpected count: %v", inbound.Count)
	}
	if inbound.ModuleType != interactions.ModuleTypePost || inbound.ActorID != "u1" {
		t.Fatalf("unexpected inbound: %#v", inbound)
	}
}

func TestNormalizeCommentStatusAcceptsLegacyID(t *testing.T) {
	inbound, err := Normalize(frame(EventCommentStatus, `{"moduleId":"p1","success":true,"comment":{"_id":"c1","authorId":"u1","authorDisplay":"Ana","text":"hi","createdAt":"2026-01-02T03:04:05Z"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inbound.Comment == nil || inbound.Comment.ID != "c1" {
		t.Fatalf("expected legacy id to populate comment id: %#v", inbound.Comment)
	}
	if inbound.ActorID != "u1" {
		t.Fatalf("expected author to be the actor, got %q", inbound.ActorID)
	}
}

func TestNormalizeCommentStatusWithoutCommentIsMalformed(t *testing.T) {
	_, err := Normalize(frame(EventCommentStatus, `{"moduleId":"p1","success":true}`))
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected malformed payload, got %v", err)
	}
}

func TestNormalizeErrorEventWithoutModuleID(t *testing.T) {
	inbound, err := Normalize(frame("like-error", `{"message":"Failed to like post"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inbound.Type != InboundError || inbound.Result.OK || inbound.Result.Message != "Failed to like post" {
		t.Fatalf("unexpected error inbound: %#v", inbound)
	}
}

func TestNormalizeCountStatusClampsNegative(t *testing.T) {
	inbound, err := Normalize(frame("share-count-status", `{"moduleId":"p1","count":-3}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inbound.Count == nil || *inbound.Count != 0 {
		t.Fatalf("expected clamped count, got %v", inbound.Count)
	}
}

func TestNormalizeLikeCountCarriesOwnFlag(t *testing.T) {
	inbound, err := Normalize(frame("like-count-status", `{"moduleId":"p1","count":2,"likedBy":"ana","liked":true}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inbound.ActorID != "ana" || inbound.Liked == nil || !*inbound.Liked || !inbound.Result.OK {
		t.Fatalf("expected liked flag for ana, got %#v", inbound)
	}
}

func TestNormalizeRejectsUnknownAndMissingModule(t *testing.T) {
	if _, err := Normalize(frame("presence", `{}`)); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected unknown event, got %v", err)
	}
	if _, err := Normalize(frame("like-count-status", `{"count":1}`)); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected malformed payload, got %v", err)
	}
	if _, err := Normalize(frame("like-count-status", `not-json`)); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected malformed payload for bad json, got %v", err)
	}
}
