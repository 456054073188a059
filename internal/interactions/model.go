package interactions

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ModuleType enumerates the features whose entities can be liked, commented on or shared.
type ModuleType string

const (
	// ModuleTypePost identifies feed posts.
	ModuleTypePost ModuleType = "post"
	// ModuleTypeShort identifies short-form videos.
	ModuleTypeShort ModuleType = "short"
	// ModuleTypeSchedule identifies trip schedules.
	ModuleTypeSchedule ModuleType = "schedule"
)

// Kind enumerates interaction kinds. Each kind has its own room and event namespace.
type Kind string

const (
	KindLike    Kind = "like"
	KindComment Kind = "comment"
	KindShare   Kind = "share"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidModuleID indicates that a module identifier is empty or exceeds storage bounds.
	ErrInvalidModuleID = errors.New("interactions: invalid module id")
	// ErrInvalidModuleType indicates an unknown module type.
	ErrInvalidModuleType = errors.New("interactions: invalid module type")
	// ErrInvalidKind indicates an unknown interaction kind.
	ErrInvalidKind = errors.New("interactions: invalid interaction kind")
)

// ParseModuleType validates raw input and returns a ModuleType.
func ParseModuleType(rawInput string) (ModuleType, error) {
	switch ModuleType(strings.ToLower(strings.TrimSpace(rawInput))) {
	case ModuleTypePost:
		return ModuleTypePost, nil
	case ModuleTypeShort:
		return ModuleTypeShort, nil
	case ModuleTypeSchedule:
		return ModuleTypeSchedule, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidModuleType, rawInput)
	}
}

// String returns the wire value of the module type.
func (t ModuleType) String() string {
	return string(t)
}

// ParseKind validates raw input and returns a Kind.
func ParseKind(rawInput string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(rawInput))) {
	case KindLike:
		return KindLike, nil
	case KindComment:
		return KindComment, nil
	case KindShare:
		return KindShare, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, rawInput)
	}
}

// String returns the wire value of the kind.
func (k Kind) String() string {
	return string(k)
}

// Kinds lists every interaction kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindLike, KindComment, KindShare}
}

// EntityRef identifies the thing being liked, commented on or shared.
type EntityRef struct {
	ModuleID   string
	ModuleType ModuleType
}

// NewEntityRef validates raw input and returns an EntityRef.
func NewEntityRef(moduleID string, moduleType string) (EntityRef, error) {
	trimmed := strings.TrimSpace(moduleID)
	if trimmed == "" {
		return EntityRef{}, fmt.Errorf("%w: empty", ErrInvalidModuleID)
	}
	if len(trimmed) > maxIdentifierLength {
		return EntityRef{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidModuleID, maxIdentifierLength)
	}
	parsedType, err := ParseModuleType(moduleType)
	if err != nil {
		return EntityRef{}, err
	}
	return EntityRef{ModuleID: trimmed, ModuleType: parsedType}, nil
}

// String renders the entity as type:id.
func (e EntityRef) String() string {
	return string(e.ModuleType) + ":" + e.ModuleID
}

// RoomKey identifies one room membership. Recipient is set only for share rooms
// scoped to a specific follower.
type RoomKey struct {
	Entity    EntityRef
	Kind      Kind
	Recipient string
}

// RoomFor builds the key of the entity-wide room for kind.
func RoomFor(entity EntityRef, kind Kind) RoomKey {
	return RoomKey{Entity: entity, Kind: kind}
}

// ShareRoomFor builds the composite share room key for a recipient.
func ShareRoomFor(entity EntityRef, recipient string) RoomKey {
	return RoomKey{Entity: entity, Kind: KindShare, Recipient: strings.TrimSpace(recipient)}
}

// Composite reports whether the key is scoped to a recipient.
func (k RoomKey) Composite() bool {
	return k.Recipient != ""
}

// String renders the key as kind:type:id[:recipient].
func (k RoomKey) String() string {
	base := string(k.Kind) + ":" + k.Entity.String()
	if k.Recipient == "" {
		return base
	}
	return base + ":" + k.Recipient
}

// Comment is a persisted comment as delivered by the server.
type Comment struct {
	ID              string
	AuthorID        string
	AuthorDisplay   string
	AuthorAvatarURL string
	Text            string
	CreatedAt       time.Time
}
