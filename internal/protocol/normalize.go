package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/wayfarer/internal/interactions"
)

var (
	// ErrUnknownEvent indicates a frame whose event name is not part of the protocol.
	ErrUnknownEvent = errors.New("protocol: unknown event")
	// ErrMalformedPayload indicates a frame whose payload cannot be interpreted.
	ErrMalformedPayload = errors.New("protocol: malformed payload")
)

// InboundType tags a normalized server event.
type InboundType int

const (
	InboundUnknown InboundType = iota
	InboundJoinStatus
	InboundLeaveStatus
	InboundCountStatus
	InboundLikeStatus
	InboundCommentStatus
	InboundCommentList
	InboundCommentDeleted
	InboundShareStatus
	InboundError
)

func (t InboundType) String() string {
	switch t {
	case InboundJoinStatus:
		return "join_status"
	case InboundLeaveStatus:
		return "leave_status"
	case InboundCountStatus:
		return "count_status"
	case InboundLikeStatus:
		return "like_status"
	case InboundCommentStatus:
		return "comment_status"
	case InboundCommentList:
		return "comment_list"
	case InboundCommentDeleted:
		return "comment_deleted"
	case InboundShareStatus:
		return "share_status"
	case InboundError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is the tagged outcome of a server event: OK, or an error carrying the server message.
type Result struct {
	OK      bool
	Message string
}

// Err returns nil for OK results and a ServerRejected error otherwise.
func (r Result) Err(op string) error {
	if r.OK {
		return nil
	}
	return interactions.Rejected(op, r.Message)
}

// Inbound is a server event after normalization. Downstream code reads only
// these fields and never looks at the raw payload again.
type Inbound struct {
	Name       string
	Type       InboundType
	Kind       interactions.Kind
	ModuleID   string
	ModuleType interactions.ModuleType
	ReceiverID string
	ActorID    string
	Result     Result
	Count      *int
	Liked      *bool
	Comment    *interactions.Comment
	Comments   []interactions.Comment
	CommentID  string
}

type rawComment struct {
	ID              string    `json:"id"`
	LegacyID        string    `json:"_id"`
	AuthorID        string    `json:"authorId"`
	AuthorDisplay   string    `json:"authorDisplay"`
	AuthorAvatarURL string    `json:"authorAvatarUrl"`
	Text            string    `json:"text"`
	CreatedAt       time.Time `json:"createdAt"`
}

type rawPayload struct {
	ModuleID    string          `json:"moduleId"`
	ModuleType  string          `json:"moduleType"`
	ReceiverID  string          `json:"receiverId"`
	SenderID    string          `json:"senderId"`
	LikedBy     string          `json:"likedBy"`
	CommentedBy string          `json:"commentedBy"`
	Success     json.RawMessage `json:"success"`
	Status      json.RawMessage `json:"status"`
	Liked       *bool           `json:"liked"`
	Count       *int            `json:"count"`
	Message     string          `json:"message"`
	Comment     *rawComment     `json:"comment"`
	Comments    []rawComment    `json:"comments"`
	CommentID   string          `json:"commentId"`
}

// Classify maps an event name to its inbound type and kind.
func Classify(event string) (InboundType, interactions.Kind, bool) {
	switch event {
	case EventLikeStatus:
		return InboundLikeStatus, interactions.KindLike, true
	case EventCommentStatus:
		return InboundCommentStatus, interactions.KindComment, true
	case EventCommentList:
		return InboundCommentList, interactions.KindComment, true
	case EventCommentDeleted:
		return InboundCommentDeleted, interactions.KindComment, true
	case EventShareStatus:
		return InboundShareStatus, interactions.KindShare, true
	}
	for _, kind := range interactions.Kinds() {
		switch event {
		case JoinStatusEvent(kind):
			return InboundJoinStatus, kind, true
		case LeaveStatusEvent(kind):
			return InboundLeaveStatus, kind, true
		case CountStatusEvent(kind):
			return InboundCountStatus, kind, true
		case ErrorEvent(kind):
			return InboundError, kind, true
		}
	}
	return InboundUnknown, "", false
}

// Normalize decodes a server frame into an Inbound value.
func Normalize(frame Frame) (Inbound, error) {
	inboundType, kind, ok := Classify(frame.Event)
	if !ok {
		return Inbound{}, fmt.Errorf("%w: %s", ErrUnknownEvent, frame.Event)
	}

	var raw rawPayload
	if len(bytes.TrimSpace(frame.Data)) > 0 {
		if err := json.Unmarshal(frame.Data, &raw); err != nil {
			return Inbound{}, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, frame.Event, err)
		}
	}

	inbound := Inbound{
		Name:       frame.Event,
		Type:       inboundType,
		Kind:       kind,
		ModuleID:   strings.TrimSpace(raw.ModuleID),
		ReceiverID: strings.TrimSpace(raw.ReceiverID),
		Count:      raw.Count,
		Liked:      raw.Liked,
		CommentID:  strings.TrimSpace(raw.CommentID),
	}
	if raw.ModuleType != "" {
		if moduleType, err := interactions.ParseModuleType(raw.ModuleType); err == nil {
			inbound.ModuleType = moduleType
		}
	}
	if inbound.Count != nil && *inbound.Count < 0 {
		zero := 0
		inbound.Count = &zero
	}

	switch inboundType {
	case InboundLikeStatus, InboundCountStatus:
		inbound.ActorID = raw.LikedBy
	case InboundShareStatus:
		inbound.ActorID = raw.SenderID
	case InboundCommentDeleted:
		inbound.ActorID = raw.CommentedBy
	}

	if raw.Comment != nil {
		comment := raw.Comment.toDomain()
		inbound.Comment = &comment
		if inbound.ActorID == "" {
			inbound.ActorID = comment.AuthorID
		}
	}
	if raw.Comments != nil {
		inbound.Comments = make([]interactions.Comment, 0, len(raw.Comments))
		for _, entry := range raw.Comments {
			inbound.Comments = append(inbound.Comments, entry.toDomain())
		}
	}

	inbound.Result = resolveResult(inbound, raw)

	if inbound.ModuleID == "" && inboundType != InboundError {
		return Inbound{}, fmt.Errorf("%w: %s: missing moduleId", ErrMalformedPayload, frame.Event)
	}
	if inbound.Type == InboundCommentStatus && inbound.Result.OK && inbound.Comment == nil {
		return Inbound{}, fmt.Errorf("%w: %s: missing comment", ErrMalformedPayload, frame.Event)
	}
	return inbound, nil
}

func resolveResult(inbound Inbound, raw rawPayload) Result {
	message := strings.TrimSpace(raw.Message)
	switch inbound.Type {
	case InboundError:
		return Result{OK: false, Message: message}
	case InboundCountStatus:
		if inbound.Count == nil {
			return Result{OK: false, Message: message}
		}
		return Result{OK: true}
	case InboundCommentList:
		return Result{OK: true}
	}

	if flag, present := flagValue(raw.Success); present {
		return Result{OK: flag, Message: message}
	}
	if flag, present := flagValue(raw.Status); present {
		return Result{OK: flag, Message: message}
	}

	switch inbound.Type {
	case InboundLikeStatus:
		return Result{OK: inbound.Liked != nil, Message: message}
	case InboundCommentStatus:
		return Result{OK: inbound.Comment != nil, Message: message}
	case InboundCommentDeleted:
		return Result{OK: inbound.CommentID != "", Message: message}
	default:
		return Result{OK: false, Message: message}
	}
}

// flagValue reads a success flag that may be a JSON bool or a "true"/"success" string.
func flagValue(raw json.RawMessage) (bool, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return false, false
	}
	var flag bool
	if err := json.Unmarshal(trimmed, &flag); err == nil {
		return flag, true
	}
	var text string
	if err := json.Unmarshal(trimmed, &text); err == nil {
		switch strings.ToLower(strings.TrimSpace(text)) {
		case "true", "ok", "success":
			return true, true
		default:
			return false, true
		}
	}
	return false, true
}

func (c rawComment) toDomain() interactions.Comment {
	id := strings.TrimSpace(c.ID)
	if id == "" {
		id = strings.TrimSpace(c.LegacyID)
	}
	return interactions.Comment{
		ID:              id,
		AuthorID:        c.AuthorID,
		AuthorDisplay:   c.AuthorDisplay,
		AuthorAvatarURL: c.AuthorAvatarURL,
		Text:            c.Text,
		CreatedAt:       c.CreatedAt,
	}
}
