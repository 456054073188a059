package protocol

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/wayfarer/internal/interactions"
)

// Frame is the envelope of every message on the event channel.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals payload into a frame for event.
func NewFrame(event string, payload interface{}) (Frame, error) {
	if payload == nil {
		return Frame{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: data}, nil
}

const (
	EventLike           = "like"
	EventUnlike         = "unlike"
	EventComment        = "comment"
	EventDeleteComment  = "delete-comment"
	EventFetchComments  = "fetch-comments"
	EventShare          = "share"
	EventLikeStatus     = "like-status"
	EventCommentStatus  = "comment-status"
	EventCommentList    = "comment-list"
	EventCommentDeleted = "comment-deleted"
	EventShareStatus    = "share-status"

	statusSuffix = "-status"
)

// JoinRoomEvent names the join request for kind, e.g. join-like-room.
func JoinRoomEvent(kind interactions.Kind) string {
	return "join-" + string(kind) + "-room"
}

// LeaveRoomEvent names the leave request for kind.
func LeaveRoomEvent(kind interactions.Kind) string {
	return "leave-" + string(kind) + "-room"
}

// JoinStatusEvent names the join acknowledgement for kind.
func JoinStatusEvent(kind interactions.Kind) string {
	return JoinRoomEvent(kind) + statusSuffix
}

// LeaveStatusEvent names the leave acknowledgement for kind.
func LeaveStatusEvent(kind interactions.Kind) string {
	return LeaveRoomEvent(kind) + statusSuffix
}

// CountEvent names the count request for kind.
func CountEvent(kind interactions.Kind) string {
	return string(kind) + "-count"
}

// CountStatusEvent names the count response for kind.
func CountStatusEvent(kind interactions.Kind) string {
	return CountEvent(kind) + statusSuffix
}

// ErrorEvent names the error event for kind.
func ErrorEvent(kind interactions.Kind) string {
	return string(kind) + "-error"
}

// Client -> server payloads.

type RoomRequest struct {
	ModuleID   string `json:"moduleId"`
	ModuleType string `json:"moduleType"`
	ReceiverID string `json:"receiverId,omitempty"`
}

type LikeRequest struct {
	LikedBy         string `json:"likedBy"`
	ModuleType      string `json:"moduleType"`
	ModuleID        string `json:"moduleId"`
	ModuleCreatedBy string `json:"moduleCreatedBy"`
}

type CommentRequest struct {
	ModuleID         string `json:"moduleId"`
	ModuleType       string `json:"moduleType"`
	ModuleCreatedBy  string `json:"moduleCreatedBy"`
	CommentedBy      string `json:"commentedBy"`
	CommentDataValue string `json:"commentDataValue"`
}

type DeleteCommentRequest struct {
	CommentID   string `json:"commentId"`
	CommentedBy string `json:"commentedBy"`
	ModuleID    string `json:"moduleId"`
	ModuleType  string `json:"moduleType"`
}

type CountRequest struct {
	ModuleType string `json:"moduleType"`
	ModuleID   string `json:"moduleId"`
}

type ShareRequest struct {
	ModuleID        string `json:"moduleId"`
	ModuleType      string `json:"moduleType"`
	ModuleCreatedBy string `json:"moduleCreatedBy"`
	SenderID        string `json:"senderId"`
	ReceiverID      string `json:"receiverId"`
}

// Server -> client payloads.

type RoomStatus struct {
	ModuleID   string `json:"moduleId"`
	ModuleType string `json:"moduleType,omitempty"`
	ReceiverID string `json:"receiverId,omitempty"`
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
}

// CountStatus answers a count request. Like counts also carry the requester's
// own liked flag.
type CountStatus struct {
	ModuleID   string `json:"moduleId"`
	ModuleType string `json:"moduleType,omitempty"`
	Count      int    `json:"count"`
	LikedBy    string `json:"likedBy,omitempty"`
	Liked      *bool  `json:"liked,omitempty"`
}

type LikeStatus struct {
	ModuleID   string `json:"moduleId"`
	ModuleType string `json:"moduleType,omitempty"`
	LikedBy    string `json:"likedBy,omitempty"`
	Liked      bool   `json:"liked"`
	Success    bool   `json:"success"`
	Count      *int   `json:"count,omitempty"`
	Message    string `json:"message,omitempty"`
}

type CommentPayload struct {
	ID              string    `json:"id"`
	AuthorID        string    `json:"authorId"`
	AuthorDisplay   string    `json:"authorDisplay"`
	AuthorAvatarURL string    `json:"authorAvatarUrl,omitempty"`
	Text            string    `json:"text"`
	CreatedAt       time.Time `json:"createdAt"`
}

type CommentStatus struct {
	ModuleID   string          `json:"moduleId"`
	ModuleType string          `json:"moduleType,omitempty"`
	Success    bool            `json:"success"`
	Comment    *CommentPayload `json:"comment,omitempty"`
	Count      *int            `json:"count,omitempty"`
	Message    string          `json:"message,omitempty"`
}

type CommentList struct {
	ModuleID   string           `json:"moduleId"`
	ModuleType string           `json:"moduleType,omitempty"`
	Comments   []CommentPayload `json:"comments"`
}

type CommentDeleted struct {
	ModuleID    string `json:"moduleId"`
	ModuleType  string `json:"moduleType,omitempty"`
	Success     bool   `json:"success"`
	CommentID   string `json:"commentId"`
	CommentedBy string `json:"commentedBy,omitempty"`
	Count       *int   `json:"count,omitempty"`
	Message     string `json:"message,omitempty"`
}

type ShareStatus struct {
	ModuleID   string `json:"moduleId"`
	ModuleType string `json:"moduleType,omitempty"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Success    bool   `json:"success"`
	Count      *int   `json:"count,omitempty"`
	Message    string `json:"message,omitempty"`
}

type ErrorPayload struct {
	ModuleID   string `json:"moduleId,omitempty"`
	ModuleType string `json:"moduleType,omitempty"`
	Message    string `json:"message"`
}

// CommentToPayload converts a domain comment into its wire form.
func CommentToPayload(comment interactions.Comment) CommentPayload {
	return CommentPayload{
		ID:              comment.ID,
		AuthorID:        comment.AuthorID,
		AuthorDisplay:   comment.AuthorDisplay,
		AuthorAvatarURL: comment.AuthorAvatarURL,
		Text:            comment.Text,
		CreatedAt:       comment.CreatedAt.UTC(),
	}
}
