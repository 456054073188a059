package state

import (
	"github.com/MarcoPoloResearchLab/wayfarer/internal/interactions"
)

// InteractionState is a read-only copy of everything known about one entity.
type InteractionState struct {
	Liked             bool
	LikePending       bool
	LikeCount         int
	LikeCountKnown    bool
	ShareCount        int
	SharePending      bool
	ShareCountKnown   bool
	CommentCount      int
	CommentCountKnown bool
	CommentPending    bool
	Comments          []interactions.Comment
}

type counterSnapshot struct {
	active bool
	value  int
	known  bool
}

type counter struct {
	active   bool
	value    int
	known    bool
	pending  bool
	snapshot *counterSnapshot
}

func (c *counter) apply(active bool, delta int) {
	c.snapshot = &counterSnapshot{active: c.active, value: c.value, known: c.known}
	c.active = active
	c.value = clamp(c.value + delta)
	c.pending = true
}

func (c *counter) confirm(active bool, count *int) bool {
	c.pending = false
	c.snapshot = nil
	c.active = active
	if count != nil {
		c.value = clamp(*count)
		c.known = true
		return false
	}
	return true
}

func (c *counter) rollback() {
	if c.snapshot != nil {
		c.active = c.snapshot.active
		c.value = c.snapshot.value
		c.known = c.snapshot.known
	}
	c.snapshot = nil
	c.pending = false
}

func (c *counter) set(count int) {
	c.value = clamp(count)
	c.known = true
}

type entry struct {
	like           counter
	share          counter
	commentCount   counter
	commentPending bool
	comments       []interactions.Comment
}

// Store holds per-entity interaction state. It performs no I/O and is not safe
// for concurrent use; the owning session serializes access.
type Store struct {
	entries map[interactions.EntityRef]*entry
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[interactions.EntityRef]*entry)}
}

// Track starts holding state for entity. Tracking an entity twice keeps the existing state.
func (s *Store) Track(entity interactions.EntityRef) {
	if _, ok := s.entries[entity]; ok {
		return
	}
	s.entries[entity] = &entry{}
}

// Untrack discards all state for entity.
func (s *Store) Untrack(entity interactions.EntityRef) {
	delete(s.entries, entity)
}

// Tracked reports whether entity is currently tracked.
func (s *Store) Tracked(entity interactions.EntityRef) bool {
	_, ok := s.entries[entity]
	return ok
}

// Match returns tracked entities with moduleID. An empty moduleType matches any type.
func (s *Store) Match(moduleID string, moduleType interactions.ModuleType) []interactions.EntityRef {
	if moduleType != "" {
		entity := interactions.EntityRef{ModuleID: moduleID, ModuleType: moduleType}
		if s.Tracked(entity) {
			return []interactions.EntityRef{entity}
		}
		return nil
	}
	var matches []interactions.EntityRef
	for entity := range s.entries {
		if entity.ModuleID == moduleID {
			matches = append(matches, entity)
		}
	}
	return matches
}

// Snapshot returns a copy of the entity's state.
func (s *Store) Snapshot(entity interactions.EntityRef) (InteractionState, bool) {
	current, ok := s.entries[entity]
	if !ok {
		return InteractionState{}, false
	}
	comments := make([]interactions.Comment, len(current.comments))
	copy(comments, current.comments)
	return InteractionState{
		Liked:             current.like.active,
		LikePending:       current.like.pending,
		LikeCount:         current.like.value,
		LikeCountKnown:    current.like.known,
		ShareCount:        current.share.value,
		SharePending:      current.share.pending,
		ShareCountKnown:   current.share.known,
		CommentCount:      current.commentCount.value,
		CommentCountKnown: current.commentCount.known,
		CommentPending:    current.commentPending,
		Comments:          comments,
	}, true
}

// ApplyOptimisticLike flips liked, adjusts the count by one and marks the like pending.
func (s *Store) ApplyOptimisticLike(entity interactions.EntityRef, liked bool) bool {
	current, ok := s.entries[entity]
	if !ok {
		return false
	}
	delta := 0
	if liked && !current.like.active {
		delta = 1
	} else if !liked && current.like.active {
		delta = -1
	}
	current.like.apply(liked, delta)
	return true
}

// ConfirmLike clears pending and adopts the server's values. It reports whether a
// fresh count must be requested because the server did not send one.
func (s *Store) ConfirmLike(entity interactions.EntityRef, liked bool, count *int) bool {
	current, ok := s.entries[entity]
	if !ok {
		return false
	}
	return current.like.confirm(liked, count)
}

// RollbackLike restores liked and count to their pre-action values.
func (s *Store) RollbackLike(entity interactions.EntityRef) bool {
	current, ok := s.entries[entity]
	if !ok {
		return false
	}
	current.like.rollback()
	return true
}

// ApplyOptimisticShare increments the share count and marks the share pending.
func (s *Store) ApplyOptimisticShare(entity interactions.EntityRef) bool {
	current, ok := s.entries[entity]
	if !ok {
		return false
	}
	current.share.apply(false, 1)
	return true
}

// ConfirmShare clears the pending share; see ConfirmLike for the return value.
func (s *Store) ConfirmShare(entity interactions.EntityRef, count *int) bool {
	current, ok := s.entries[entity]
	if !ok {
		return false
	}
	return current.share.confirm(false, count)
}

// RollbackShare restores the share count to its pre-action value.
func (s *Store) RollbackShare(entity interactions.EntityRef) bool {
	current, ok := s.entries[entity]
	if !ok {
		return false
	}
	current.share.rollback()
	return true
}

// SetCount records an authoritative count for kind. Counts arriving while an
// action of the same kind is pending replace the pre-action snapshot instead, so
// a later rollback lands on the server's value.
func (s *Store) SetCount(entity interactions.EntityRef, kind interactions.Kind, count int) bool {
	current, ok := s.entries[entity]
	if !ok {
		return false
	}
	var target *counter
	switch kind {
	case interactions.KindLike:
		target = &current.like
	case interactions.KindShare:
		target = &current.share
	case interactions.KindComment:
		target = &current.commentCount
	default:
		return false
	}
	if target.pending && target.snapshot != nil {
		target.snapshot.value = clamp(count)
		target.snapshot.known = true
		return true
	}
	target.set(count)
	return true
}

// SetLiked records the actor's liked flag outside of an action, e.g. from a count response.
func (s *Store) SetLiked(entity interactions.EntityRef, liked bool) bool {
	current, ok := s.entries[entity]
	if !ok || current.like.pending {
		return false
	}
	current.like.active = liked
	return true
}

// SetCommentPending marks whether a comment submission is in flight.
func (s *Store) SetCommentPending(entity interactions.EntityRef, pending bool) bool {
	current, ok := s.entries[entity]
	if !ok {
		return false
	}
	current.commentPending = pending
	return true
}

// AppendComment inserts comment at the head of the list. A comment whose id is
// already present is ignored and reports false.
func (s *Store) AppendComment(entity interactions.EntityRef, comment interactions.Comment) bool {
	current, ok := s.entries[entity]
	if !ok {
		return false
	}
	for _, existing := range current.comments {
		if existing.ID == comment.ID {
			return false
		}
	}
	current.comments = append([]interactions.Comment{comment}, current.comments...)
	current.commentCount.value++
	return true
}

// RemoveComment deletes the comment with id and decrements the comment count.
// Removing an absent id is a no-op and reports false.
func (s *Store) RemoveComment(entity interactions.EntityRef, commentID string) bool {
	current, ok := s.entries[entity]
	if !ok {
		return false
	}
	for index, existing := range current.comments {
		if existing.ID != commentID {
			continue
		}
		current.comments = append(current.comments[:index:index], current.comments[index+1:]...)
		current.commentCount.value = clamp(current.commentCount.value - 1)
		return true
	}
	return false
}

// FindComment returns the comment with id.
func (s *Store) FindComment(entity interactions.EntityRef, commentID string) (interactions.Comment, bool) {
	current, ok := s.entries[entity]
	if !ok {
		return interactions.Comment{}, false
	}
	for _, existing := range current.comments {
		if existing.ID == commentID {
			return existing, true
		}
	}
	return interactions.Comment{}, false
}

// ReplaceComments swaps in the server's list in server order, dropping duplicate ids.
// The list length seeds the comment count only until a count event has been seen.
func (s *Store) ReplaceComments(entity interactions.EntityRef, comments []interactions.Comment) bool {
	current, ok := s.entries[entity]
	if !ok {
		return false
	}
	seen := make(map[string]struct{}, len(comments))
	replaced := make([]interactions.Comment, 0, len(comments))
	for _, comment := range comments {
		if _, duplicate := seen[comment.ID]; duplicate {
			continue
		}
		seen[comment.ID] = struct{}{}
		replaced = append(replaced, comment)
	}
	current.comments = replaced
	if !current.commentCount.known {
		current.commentCount.set(len(replaced))
	}
	return true
}

func clamp(value int) int {
	if value < 0 {
		return 0
	}
	return value
}
