package engagement

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	maxIdentifierLength = 190
	maxCommentLength    = 2000
)

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("engagement: invalid user id")
	// ErrInvalidCommentText indicates an empty or oversized comment.
	ErrInvalidCommentText = errors.New("engagement: invalid comment text")
	// ErrCommentNotFound indicates that no comment with the id exists on the entity.
	ErrCommentNotFound = errors.New("engagement: comment not found")
	// ErrNotCommentAuthor indicates a delete by somebody other than the author.
	ErrNotCommentAuthor = errors.New("engagement: only the author may delete a comment")
	// ErrSelfFollow indicates a user trying to follow themselves.
	ErrSelfFollow = errors.New("engagement: cannot follow yourself")
)

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// CommentText is validated comment content.
type CommentText string

// NewCommentText trims and bounds raw comment input.
func NewCommentText(rawInput string) (CommentText, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCommentText)
	}
	if len(trimmed) > maxCommentLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCommentText, maxCommentLength)
	}
	return CommentText(trimmed), nil
}

// Like is one user's like of one entity.
type Like struct {
	ModuleType string    `gorm:"column:module_type;primaryKey;size:16;not null"`
	ModuleID   string    `gorm:"column:module_id;primaryKey;size:190;not null"`
	UserID     string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Like) TableName() string {
	return "likes"
}

// Comment is a persisted comment.
type Comment struct {
	CommentID  string    `gorm:"column:comment_id;primaryKey;size:64;not null"`
	ModuleType string    `gorm:"column:module_type;size:16;not null;index:idx_comments_module,priority:1"`
	ModuleID   string    `gorm:"column:module_id;size:190;not null;index:idx_comments_module,priority:2"`
	AuthorID   string    `gorm:"column:author_id;size:190;not null"`
	Text       string    `gorm:"column:text;type:text;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;index:idx_comments_module,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (Comment) TableName() string {
	return "comments"
}

// Share records one entity sent from one user to another.
type Share struct {
	ShareID    string    `gorm:"column:share_id;primaryKey;size:64;not null"`
	ModuleType string    `gorm:"column:module_type;size:16;not null;index:idx_shares_module,priority:1"`
	ModuleID   string    `gorm:"column:module_id;size:190;not null;index:idx_shares_module,priority:2"`
	SenderID   string    `gorm:"column:sender_id;size:190;not null"`
	ReceiverID string    `gorm:"column:receiver_id;size:190;not null;index"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Share) TableName() string {
	return "shares"
}

// Follow is an accepted follow edge.
type Follow struct {
	FollowerID string    `gorm:"column:follower_id;primaryKey;size:190;not null"`
	FolloweeID string    `gorm:"column:followee_id;primaryKey;size:190;not null;index"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Follow) TableName() string {
	return "follows"
}

// Models lists every table owned by the package, for migrations.
func Models() []interface{} {
	return []interface{}{&Like{}, &Comment{}, &Share{}, &Follow{}}
}
