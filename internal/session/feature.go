package session

import (
	"github.com/MarcoPoloResearchLab/wayfarer/internal/interactions"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/state"
)

// Feature binds a session to one module type so feature code passes only ids.
type Feature struct {
	session    *Session
	moduleType interactions.ModuleType
}

// Posts returns the feed post facade.
func (s *Session) Posts() Feature {
	return Feature{session: s, moduleType: interactions.ModuleTypePost}
}

// Shorts returns the short-form video facade.
func (s *Session) Shorts() Feature {
	return Feature{session: s, moduleType: interactions.ModuleTypeShort}
}

// Schedules returns the trip schedule facade.
func (s *Session) Schedules() Feature {
	return Feature{session: s, moduleType: interactions.ModuleTypeSchedule}
}

// Feature returns the facade for moduleType.
func (s *Session) Feature(moduleType interactions.ModuleType) Feature {
	return Feature{session: s, moduleType: moduleType}
}

// ModuleType reports the bound module type.
func (f Feature) ModuleType() interactions.ModuleType {
	return f.moduleType
}

// Entity builds the validated reference for moduleID.
func (f Feature) Entity(moduleID string) (interactions.EntityRef, error) {
	return interactions.NewEntityRef(moduleID, f.moduleType.String())
}

// Mount starts tracking moduleID; see Session.Mount.
func (f Feature) Mount(moduleID string, ownerID string) (interactions.EntityRef, error) {
	entity, err := f.Entity(moduleID)
	if err != nil {
		return interactions.EntityRef{}, err
	}
	return entity, f.session.Mount(entity, ownerID)
}

// Show joins the rooms of moduleID.
func (f Feature) Show(moduleID string) error {
	return f.with(moduleID, f.session.Show)
}

// Hide leaves the rooms of moduleID but keeps its state.
func (f Feature) Hide(moduleID string) error {
	return f.with(moduleID, f.session.Hide)
}

// Unmount releases moduleID. Invalid ids are ignored.
func (f Feature) Unmount(moduleID string) {
	if entity, err := f.Entity(moduleID); err == nil {
		f.session.Unmount(entity)
	}
}

// Like sets the actor's like on moduleID.
func (f Feature) Like(moduleID string) error {
	return f.with(moduleID, f.session.Like)
}

// Unlike clears the actor's like on moduleID.
func (f Feature) Unlike(moduleID string) error {
	return f.with(moduleID, f.session.Unlike)
}

// ToggleLike inverts the actor's like on moduleID.
func (f Feature) ToggleLike(moduleID string) error {
	return f.with(moduleID, f.session.ToggleLike)
}

// Comment submits text on moduleID.
func (f Feature) Comment(moduleID string, text string) error {
	return f.with(moduleID, func(entity interactions.EntityRef) error {
		return f.session.Comment(entity, text)
	})
}

// DeleteComment deletes one of the actor's comments on moduleID.
func (f Feature) DeleteComment(moduleID string, commentID string) error {
	return f.with(moduleID, func(entity interactions.EntityRef) error {
		return f.session.DeleteComment(entity, commentID)
	})
}

// Share sends moduleID to recipientID.
func (f Feature) Share(moduleID string, recipientID string) error {
	return f.with(moduleID, func(entity interactions.EntityRef) error {
		return f.session.Share(entity, recipientID)
	})
}

// Refresh re-requests counts and comments for moduleID.
func (f Feature) Refresh(moduleID string) error {
	return f.with(moduleID, f.session.Refresh)
}

// State returns a copy of the state of moduleID.
func (f Feature) State(moduleID string) (state.InteractionState, bool) {
	entity, err := f.Entity(moduleID)
	if err != nil {
		return state.InteractionState{}, false
	}
	return f.session.State(entity)
}

func (f Feature) with(moduleID string, action func(interactions.EntityRef) error) error {
	entity, err := f.Entity(moduleID)
	if err != nil {
		return err
	}
	return action(entity)
}
