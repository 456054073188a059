package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/wayfarer/internal/engagement"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/interactions"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/protocol"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/users"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 5 * time.Second
	defaultCommentPage    = 50

	messageInvalidPayload = "invalid payload"
	messageActorMismatch  = "actor does not match the authenticated user"
	messageNotPermitted   = "only the author may delete a comment"
	messageNotFound       = "comment not found"
	messageStorageFailed  = "request could not be completed"
	messageNotMember      = "not a member of this room"
)

type eventHandlers struct {
	hub            *Hub
	engagement     *engagement.Service
	users          *users.Service
	logger         *zap.Logger
	requestTimeout time.Duration
	commentPage    int
}

// handle dispatches one client frame. Failures are answered on the
// requester's socket and never close it.
func (h *eventHandlers) handle(peer *Peer, frame protocol.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), h.requestTimeout)
	defer cancel()

	switch frame.Event {
	case protocol.EventLike:
		h.handleLike(ctx, peer, frame, true)
		return
	case protocol.EventUnlike:
		h.handleLike(ctx, peer, frame, false)
		return
	case protocol.EventComment:
		h.handleComment(ctx, peer, frame)
		return
	case protocol.EventDeleteComment:
		h.handleDeleteComment(ctx, peer, frame)
		return
	case protocol.EventFetchComments:
		h.handleFetchComments(ctx, peer, frame)
		return
	case protocol.EventShare:
		h.handleShare(ctx, peer, frame)
		return
	}

	for _, kind := range interactions.Kinds() {
		switch frame.Event {
		case protocol.JoinRoomEvent(kind):
			h.handleJoin(peer, frame, kind)
			return
		case protocol.LeaveRoomEvent(kind):
			h.handleLeave(peer, frame, kind)
			return
		case protocol.CountEvent(kind):
			h.handleCount(ctx, peer, frame, kind)
			return
		}
	}
	peer.logger.Debug("ignoring unknown event", zap.String("event", frame.Event))
}

func (h *eventHandlers) handleJoin(peer *Peer, frame protocol.Frame, kind interactions.Kind) {
	var request protocol.RoomRequest
	key, err := h.roomKey(frame, kind, &request)
	if err != nil {
		h.reply(peer, protocol.JoinStatusEvent(kind), protocol.RoomStatus{
			ModuleID:   request.ModuleID,
			ModuleType: request.ModuleType,
			ReceiverID: request.ReceiverID,
			Message:    messageInvalidPayload,
		})
		return
	}
	h.hub.Join(peer, RoomName(key))
	h.reply(peer, protocol.JoinStatusEvent(kind), protocol.RoomStatus{
		ModuleID:   key.Entity.ModuleID,
		ModuleType: key.Entity.ModuleType.String(),
		ReceiverID: key.Recipient,
		Success:    true,
	})
}

func (h *eventHandlers) handleLeave(peer *Peer, frame protocol.Frame, kind interactions.Kind) {
	var request protocol.RoomRequest
	key, err := h.roomKey(frame, kind, &request)
	if err != nil {
		h.reply(peer, protocol.LeaveStatusEvent(kind), protocol.RoomStatus{
			ModuleID:   request.ModuleID,
			ModuleType: request.ModuleType,
			ReceiverID: request.ReceiverID,
			Message:    messageInvalidPayload,
		})
		return
	}
	status := protocol.RoomStatus{
		ModuleID:   key.Entity.ModuleID,
		ModuleType: key.Entity.ModuleType.String(),
		ReceiverID: key.Recipient,
		Success:    h.hub.Leave(peer, RoomName(key)),
	}
	if !status.Success {
		status.Message = messageNotMember
	}
	h.reply(peer, protocol.LeaveStatusEvent(kind), status)
}

func (h *eventHandlers) handleCount(ctx context.Context, peer *Peer, frame protocol.Frame, kind interactions.Kind) {
	var request protocol.CountRequest
	if err := decode(frame, &request); err != nil {
		h.replyError(peer, kind, "", "", messageInvalidPayload)
		return
	}
	entity, err := interactions.NewEntityRef(request.ModuleID, request.ModuleType)
	if err != nil {
		h.replyError(peer, kind, request.ModuleID, request.ModuleType, messageInvalidPayload)
		return
	}
	if !h.hub.InRoom(peer, RoomName(interactions.RoomFor(entity, kind))) {
		h.replyError(peer, kind, entity.ModuleID, entity.ModuleType.String(), messageNotMember)
		return
	}
	count, err := h.engagement.Count(ctx, entity, kind)
	if err != nil {
		h.replyError(peer, kind, entity.ModuleID, entity.ModuleType.String(), messageStorageFailed)
		return
	}
	status := protocol.CountStatus{
		ModuleID:   entity.ModuleID,
		ModuleType: entity.ModuleType.String(),
		Count:      count,
	}
	if kind == interactions.KindLike {
		if userID, err := engagement.NewUserID(peer.Identity.UserID); err == nil {
			liked, err := h.engagement.HasLiked(ctx, entity, userID)
			if err != nil {
				h.replyError(peer, kind, entity.ModuleID, entity.ModuleType.String(), messageStorageFailed)
				return
			}
			status.LikedBy = userID.String()
			status.Liked = &liked
		}
	}
	h.reply(peer, protocol.CountStatusEvent(kind), status)
}

func (h *eventHandlers) handleLike(ctx context.Context, peer *Peer, frame protocol.Frame, liked bool) {
	var request protocol.LikeRequest
	if err := decode(frame, &request); err != nil {
		h.replyError(peer, interactions.KindLike, "", "", messageInvalidPayload)
		return
	}
	failure := protocol.LikeStatus{
		ModuleID:   request.ModuleID,
		ModuleType: request.ModuleType,
		LikedBy:    peer.Identity.UserID,
		Liked:      liked,
	}
	entity, err := interactions.NewEntityRef(request.ModuleID, request.ModuleType)
	if err != nil {
		failure.Message = messageInvalidPayload
		h.reply(peer, protocol.EventLikeStatus, failure)
		return
	}
	if !actorMatches(request.LikedBy, peer) {
		failure.Message = messageActorMismatch
		h.reply(peer, protocol.EventLikeStatus, failure)
		return
	}
	userID, err := engagement.NewUserID(peer.Identity.UserID)
	if err != nil {
		failure.Message = messageActorMismatch
		h.reply(peer, protocol.EventLikeStatus, failure)
		return
	}

	result, err := h.engagement.SetLike(ctx, entity, userID, liked)
	if err != nil {
		failure.Message = messageStorageFailed
		h.reply(peer, protocol.EventLikeStatus, failure)
		return
	}
	h.publish(ctx, peer, RoomName(interactions.RoomFor(entity, interactions.KindLike)), protocol.EventLikeStatus, protocol.LikeStatus{
		ModuleID:   entity.ModuleID,
		ModuleType: entity.ModuleType.String(),
		LikedBy:    userID.String(),
		Liked:      result.Liked,
		Success:    true,
		Count:      intPtr(result.Count),
	})
}

func (h *eventHandlers) handleComment(ctx context.Context, peer *Peer, frame protocol.Frame) {
	var request protocol.CommentRequest
	if err := decode(frame, &request); err != nil {
		h.replyError(peer, interactions.KindComment, "", "", messageInvalidPayload)
		return
	}
	failure := protocol.CommentStatus{ModuleID: request.ModuleID, ModuleType: request.ModuleType}
	entity, err := interactions.NewEntityRef(request.ModuleID, request.ModuleType)
	if err != nil {
		failure.Message = messageInvalidPayload
		h.reply(peer, protocol.EventCommentStatus, failure)
		return
	}
	if !actorMatches(request.CommentedBy, peer) {
		failure.Message = messageActorMismatch
		h.reply(peer, protocol.EventCommentStatus, failure)
		return
	}
	text, err := engagement.NewCommentText(request.CommentDataValue)
	if err != nil {
		failure.Message = err.Error()
		h.reply(peer, protocol.EventCommentStatus, failure)
		return
	}
	authorID, err := engagement.NewUserID(peer.Identity.UserID)
	if err != nil {
		failure.Message = messageActorMismatch
		h.reply(peer, protocol.EventCommentStatus, failure)
		return
	}

	comment, count, err := h.engagement.AddComment(ctx, entity, authorID, text)
	if err != nil {
		failure.Message = messageStorageFailed
		h.reply(peer, protocol.EventCommentStatus, failure)
		return
	}
	payload := h.commentPayloads([]engagement.Comment{comment})[0]
	h.publish(ctx, peer, RoomName(interactions.RoomFor(entity, interactions.KindComment)), protocol.EventCommentStatus, protocol.CommentStatus{
		ModuleID:   entity.ModuleID,
		ModuleType: entity.ModuleType.String(),
		Success:    true,
		Comment:    &payload,
		Count:      intPtr(count),
	})
}

func (h *eventHandlers) handleDeleteComment(ctx context.Context, peer *Peer, frame protocol.Frame) {
	var request protocol.DeleteCommentRequest
	if err := decode(frame, &request); err != nil {
		h.replyError(peer, interactions.KindComment, "", "", messageInvalidPayload)
		return
	}
	failure := protocol.CommentDeleted{
		ModuleID:    request.ModuleID,
		ModuleType:  request.ModuleType,
		CommentID:   strings.TrimSpace(request.CommentID),
		CommentedBy: peer.Identity.UserID,
	}
	entity, err := interactions.NewEntityRef(request.ModuleID, request.ModuleType)
	if err != nil || failure.CommentID == "" {
		failure.Message = messageInvalidPayload
		h.reply(peer, protocol.EventCommentDeleted, failure)
		return
	}
	if !actorMatches(request.CommentedBy, peer) {
		failure.Message = messageActorMismatch
		h.reply(peer, protocol.EventCommentDeleted, failure)
		return
	}
	actorID, err := engagement.NewUserID(peer.Identity.UserID)
	if err != nil {
		failure.Message = messageActorMismatch
		h.reply(peer, protocol.EventCommentDeleted, failure)
		return
	}

	count, err := h.engagement.DeleteComment(ctx, entity, failure.CommentID, actorID)
	switch {
	case errors.Is(err, engagement.ErrNotCommentAuthor):
		failure.Message = messageNotPermitted
		h.reply(peer, protocol.EventCommentDeleted, failure)
		return
	case errors.Is(err, engagement.ErrCommentNotFound):
		failure.Message = messageNotFound
		h.reply(peer, protocol.EventCommentDeleted, failure)
		return
	case err != nil:
		failure.Message = messageStorageFailed
		h.reply(peer, protocol.EventCommentDeleted, failure)
		return
	}
	h.publish(ctx, peer, RoomName(interactions.RoomFor(entity, interactions.KindComment)), protocol.EventCommentDeleted, protocol.CommentDeleted{
		ModuleID:    entity.ModuleID,
		ModuleType:  entity.ModuleType.String(),
		Success:     true,
		CommentID:   failure.CommentID,
		CommentedBy: actorID.String(),
		Count:       intPtr(count),
	})
}

func (h *eventHandlers) handleFetchComments(ctx context.Context, peer *Peer, frame protocol.Frame) {
	var request protocol.CountRequest
	if err := decode(frame, &request); err != nil {
		h.replyError(peer, interactions.KindComment, "", "", messageInvalidPayload)
		return
	}
	entity, err := interactions.NewEntityRef(request.ModuleID, request.ModuleType)
	if err != nil {
		h.replyError(peer, interactions.KindComment, request.ModuleID, request.ModuleType, messageInvalidPayload)
		return
	}
	if !h.hub.InRoom(peer, RoomName(interactions.RoomFor(entity, interactions.KindComment))) {
		h.replyError(peer, interactions.KindComment, entity.ModuleID, entity.ModuleType.String(), messageNotMember)
		return
	}
	comments, err := h.engagement.ListComments(ctx, entity, h.commentPage)
	if err != nil {
		h.replyError(peer, interactions.KindComment, entity.ModuleID, entity.ModuleType.String(), messageStorageFailed)
		return
	}
	h.reply(peer, protocol.EventCommentList, protocol.CommentList{
		ModuleID:   entity.ModuleID,
		ModuleType: entity.ModuleType.String(),
		Comments:   h.commentPayloads(comments),
	})
}

func (h *eventHandlers) handleShare(ctx context.Context, peer *Peer, frame protocol.Frame) {
	var request protocol.ShareRequest
	if err := decode(frame, &request); err != nil {
		h.replyError(peer, interactions.KindShare, "", "", messageInvalidPayload)
		return
	}
	failure := protocol.ShareStatus{
		ModuleID:   request.ModuleID,
		ModuleType: request.ModuleType,
		SenderID:   peer.Identity.UserID,
		ReceiverID: strings.TrimSpace(request.ReceiverID),
	}
	entity, err := interactions.NewEntityRef(request.ModuleID, request.ModuleType)
	if err != nil {
		failure.Message = messageInvalidPayload
		h.reply(peer, protocol.EventShareStatus, failure)
		return
	}
	if !actorMatches(request.SenderID, peer) {
		failure.Message = messageActorMismatch
		h.reply(peer, protocol.EventShareStatus, failure)
		return
	}
	senderID, err := engagement.NewUserID(peer.Identity.UserID)
	if err != nil {
		failure.Message = messageActorMismatch
		h.reply(peer, protocol.EventShareStatus, failure)
		return
	}
	receiverID, err := engagement.NewUserID(request.ReceiverID)
	if err != nil {
		failure.Message = messageInvalidPayload
		h.reply(peer, protocol.EventShareStatus, failure)
		return
	}

	_, count, err := h.engagement.RecordShare(ctx, entity, senderID, receiverID)
	if err != nil {
		failure.Message = messageStorageFailed
		h.reply(peer, protocol.EventShareStatus, failure)
		return
	}
	h.publish(ctx, peer, RoomName(interactions.ShareRoomFor(entity, receiverID.String())), protocol.EventShareStatus, protocol.ShareStatus{
		ModuleID:   entity.ModuleID,
		ModuleType: entity.ModuleType.String(),
		SenderID:   senderID.String(),
		ReceiverID: receiverID.String(),
		Success:    true,
		Count:      intPtr(count),
	})
	// Viewers of the entity see the new total without the share details.
	entityRoom := RoomName(interactions.RoomFor(entity, interactions.KindShare))
	if err := h.hub.Broadcast(ctx, entityRoom, protocol.CountStatusEvent(interactions.KindShare), protocol.CountStatus{
		ModuleID:   entity.ModuleID,
		ModuleType: entity.ModuleType.String(),
		Count:      count,
	}); err != nil {
		h.logger.Warn("share count broadcast failed", zap.String("room", entityRoom), zap.Error(err))
	}
}

func (h *eventHandlers) roomKey(frame protocol.Frame, kind interactions.Kind, request *protocol.RoomRequest) (interactions.RoomKey, error) {
	if err := decode(frame, request); err != nil {
		return interactions.RoomKey{}, err
	}
	entity, err := interactions.NewEntityRef(request.ModuleID, request.ModuleType)
	if err != nil {
		return interactions.RoomKey{}, err
	}
	if kind == interactions.KindShare && strings.TrimSpace(request.ReceiverID) != "" {
		return interactions.ShareRoomFor(entity, request.ReceiverID), nil
	}
	return interactions.RoomFor(entity, kind), nil
}

// publish broadcasts to room and makes sure the requester sees the result
// even when it never joined the room.
func (h *eventHandlers) publish(ctx context.Context, peer *Peer, room string, event string, payload interface{}) {
	if err := h.hub.Broadcast(ctx, room, event, payload); err != nil {
		h.logger.Warn("room broadcast failed",
			zap.String("room", room),
			zap.String("event", event),
			zap.Error(err))
		h.reply(peer, event, payload)
		return
	}
	if !h.hub.InRoom(peer, room) {
		h.reply(peer, event, payload)
	}
}

func (h *eventHandlers) reply(peer *Peer, event string, payload interface{}) {
	if err := peer.Send(event, payload); err != nil {
		h.logger.Warn("reply failed", zap.String("peer_id", peer.ID), zap.String("event", event), zap.Error(err))
	}
}

func (h *eventHandlers) replyError(peer *Peer, kind interactions.Kind, moduleID, moduleType, message string) {
	h.reply(peer, protocol.ErrorEvent(kind), protocol.ErrorPayload{
		ModuleID:   moduleID,
		ModuleType: moduleType,
		Message:    message,
	})
}

func (h *eventHandlers) commentPayloads(comments []engagement.Comment) []protocol.CommentPayload {
	authorIDs := make([]string, 0, len(comments))
	for _, comment := range comments {
		authorIDs = append(authorIDs, comment.AuthorID)
	}
	profiles, err := h.users.LookupMany(authorIDs)
	if err != nil {
		h.logger.Warn("author lookup failed", zap.Error(err))
		profiles = map[string]users.Profile{}
	}
	payloads := make([]protocol.CommentPayload, 0, len(comments))
	for _, comment := range comments {
		profile, ok := profiles[comment.AuthorID]
		if !ok {
			profile = users.Profile{UserID: comment.AuthorID}
		}
		payloads = append(payloads, protocol.CommentToPayload(interactions.Comment{
			ID:              comment.CommentID,
			AuthorID:        comment.AuthorID,
			AuthorDisplay:   profile.Display(),
			AuthorAvatarURL: profile.AvatarURL,
			Text:            comment.Text,
			CreatedAt:       comment.CreatedAt,
		}))
	}
	return payloads
}

// actorMatches accepts an omitted actor field, which the relay fills in.
func actorMatches(claimed string, peer *Peer) bool {
	claimed = strings.TrimSpace(claimed)
	return claimed == "" || claimed == peer.Identity.UserID
}

func decode(frame protocol.Frame, target interface{}) error {
	if len(frame.Data) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(frame.Data, target)
}

func intPtr(value int) *int {
	return &value
}
