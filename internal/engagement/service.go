package engagement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/wayfarer/internal/interactions"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "engagement.service.new"
	opSetLike        = "engagement.set_like"
	opCount          = "engagement.count"
	opAddComment     = "engagement.add_comment"
	opDeleteComment  = "engagement.delete_comment"
	opListComments   = "engagement.list_comments"
	opRecordShare    = "engagement.record_share"
	opFollow         = "engagement.follow"
	opListFollowers  = "engagement.list_followers"
	defaultPageLimit = 50
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service persists likes, comments, shares and follow edges and answers the
// count queries the relay serves.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// LikeResult reports the stored state after a like toggle.
type LikeResult struct {
	Liked   bool
	Changed bool
	Count   int
}

// SetLike records or removes userID's like on entity. Repeating the current
// state is not an error; Changed reports whether anything was written.
func (s *Service) SetLike(ctx context.Context, entity interactions.EntityRef, userID UserID, liked bool) (LikeResult, error) {
	result := LikeResult{Liked: liked}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if liked {
			like := Like{
				ModuleType: string(entity.ModuleType),
				ModuleID:   entity.ModuleID,
				UserID:     userID.String(),
				CreatedAt:  s.clock().UTC(),
			}
			created := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&like)
			if created.Error != nil {
				s.logError(opSetLike, "insert_failed", created.Error, entityFields(entity, userID)...)
				return newServiceError(opSetLike, "insert_failed", created.Error)
			}
			result.Changed = created.RowsAffected > 0
		} else {
			deleted := tx.Where("module_type = ? AND module_id = ? AND user_id = ?",
				string(entity.ModuleType), entity.ModuleID, userID.String()).
				Delete(&Like{})
			if deleted.Error != nil {
				s.logError(opSetLike, "delete_failed", deleted.Error, entityFields(entity, userID)...)
				return newServiceError(opSetLike, "delete_failed", deleted.Error)
			}
			result.Changed = deleted.RowsAffected > 0
		}
		count, err := countFor(tx, &Like{}, entity)
		if err != nil {
			s.logError(opSetLike, "count_failed", err, entityFields(entity, userID)...)
			return newServiceError(opSetLike, "count_failed", err)
		}
		result.Count = count
		return nil
	})
	if txErr != nil {
		return LikeResult{}, txErr
	}
	return result, nil
}

// HasLiked reports whether userID currently likes entity.
func (s *Service) HasLiked(ctx context.Context, entity interactions.EntityRef, userID UserID) (bool, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&Like{}).
		Where("module_type = ? AND module_id = ? AND user_id = ?", string(entity.ModuleType), entity.ModuleID, userID.String()).
		Count(&total).Error
	if err != nil {
		s.logError(opCount, "liked_lookup_failed", err, entityFields(entity, userID)...)
		return false, newServiceError(opCount, "liked_lookup_failed", err)
	}
	return total > 0, nil
}

// Count returns the authoritative count of kind on entity.
func (s *Service) Count(ctx context.Context, entity interactions.EntityRef, kind interactions.Kind) (int, error) {
	var model interface{}
	switch kind {
	case interactions.KindLike:
		model = &Like{}
	case interactions.KindComment:
		model = &Comment{}
	case interactions.KindShare:
		model = &Share{}
	default:
		return 0, newServiceError(opCount, "unknown_kind", fmt.Errorf("kind %q", kind))
	}
	count, err := countFor(s.db.WithContext(ctx), model, entity)
	if err != nil {
		s.logError(opCount, "count_failed", err,
			zap.String("module_type", string(entity.ModuleType)),
			zap.String("module_id", entity.ModuleID),
			zap.String("kind", string(kind)))
		return 0, newServiceError(opCount, "count_failed", err)
	}
	return count, nil
}

// AddComment stores a new comment and returns it with the updated count.
func (s *Service) AddComment(ctx context.Context, entity interactions.EntityRef, authorID UserID, text CommentText) (Comment, int, error) {
	commentID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opAddComment, "id_generation_failed", err, entityFields(entity, authorID)...)
		return Comment{}, 0, newServiceError(opAddComment, "id_generation_failed", err)
	}
	comment := Comment{
		CommentID:  commentID,
		ModuleType: string(entity.ModuleType),
		ModuleID:   entity.ModuleID,
		AuthorID:   authorID.String(),
		Text:       string(text),
		CreatedAt:  s.clock().UTC(),
	}
	var count int
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&comment).Error; err != nil {
			s.logError(opAddComment, "insert_failed", err, entityFields(entity, authorID)...)
			return newServiceError(opAddComment, "insert_failed", err)
		}
		total, err := countFor(tx, &Comment{}, entity)
		if err != nil {
			s.logError(opAddComment, "count_failed", err, entityFields(entity, authorID)...)
			return newServiceError(opAddComment, "count_failed", err)
		}
		count = total
		return nil
	})
	if txErr != nil {
		return Comment{}, 0, txErr
	}
	return comment, count, nil
}

// DeleteComment removes commentID when actorID authored it. The returned
// count reflects the entity after the delete.
func (s *Service) DeleteComment(ctx context.Context, entity interactions.EntityRef, commentID string, actorID UserID) (int, error) {
	var count int
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Comment
		err := tx.Where("comment_id = ? AND module_type = ? AND module_id = ?",
			commentID, string(entity.ModuleType), entity.ModuleID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opDeleteComment, "not_found", ErrCommentNotFound)
		}
		if err != nil {
			s.logError(opDeleteComment, "select_failed", err, entityFields(entity, actorID)...)
			return newServiceError(opDeleteComment, "select_failed", err)
		}
		if existing.AuthorID != actorID.String() {
			return newServiceError(opDeleteComment, "not_author", ErrNotCommentAuthor)
		}
		if err := tx.Delete(&existing).Error; err != nil {
			s.logError(opDeleteComment, "delete_failed", err, entityFields(entity, actorID)...)
			return newServiceError(opDeleteComment, "delete_failed", err)
		}
		total, err := countFor(tx, &Comment{}, entity)
		if err != nil {
			s.logError(opDeleteComment, "count_failed", err, entityFields(entity, actorID)...)
			return newServiceError(opDeleteComment, "count_failed", err)
		}
		count = total
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}
	return count, nil
}

// ListComments returns the newest comments on entity first. A limit of zero
// or less uses the default page size.
func (s *Service) ListComments(ctx context.Context, entity interactions.EntityRef, limit int) ([]Comment, error) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	var comments []Comment
	err := s.db.WithContext(ctx).
		Where("module_type = ? AND module_id = ?", string(entity.ModuleType), entity.ModuleID).
		Order("created_at DESC").
		Order("comment_id DESC").
		Limit(limit).
		Find(&comments).Error
	if err != nil {
		s.logError(opListComments, "query_failed", err,
			zap.String("module_type", string(entity.ModuleType)),
			zap.String("module_id", entity.ModuleID))
		return nil, newServiceError(opListComments, "query_failed", err)
	}
	return comments, nil
}

// RecordShare stores a share from senderID to receiverID and returns the
// entity's share count.
func (s *Service) RecordShare(ctx context.Context, entity interactions.EntityRef, senderID UserID, receiverID UserID) (Share, int, error) {
	shareID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opRecordShare, "id_generation_failed", err, entityFields(entity, senderID)...)
		return Share{}, 0, newServiceError(opRecordShare, "id_generation_failed", err)
	}
	share := Share{
		ShareID:    shareID,
		ModuleType: string(entity.ModuleType),
		ModuleID:   entity.ModuleID,
		SenderID:   senderID.String(),
		ReceiverID: receiverID.String(),
		CreatedAt:  s.clock().UTC(),
	}
	var count int
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&share).Error; err != nil {
			s.logError(opRecordShare, "insert_failed", err, entityFields(entity, senderID)...)
			return newServiceError(opRecordShare, "insert_failed", err)
		}
		total, err := countFor(tx, &Share{}, entity)
		if err != nil {
			s.logError(opRecordShare, "count_failed", err, entityFields(entity, senderID)...)
			return newServiceError(opRecordShare, "count_failed", err)
		}
		count = total
		return nil
	})
	if txErr != nil {
		return Share{}, 0, txErr
	}
	return share, count, nil
}

// Follow records that followerID follows followeeID. Repeats are ignored.
func (s *Service) Follow(ctx context.Context, followerID UserID, followeeID UserID) error {
	if followerID == followeeID {
		return newServiceError(opFollow, "self_follow", ErrSelfFollow)
	}
	edge := Follow{
		FollowerID: followerID.String(),
		FolloweeID: followeeID.String(),
		CreatedAt:  s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&edge).Error; err != nil {
		s.logError(opFollow, "insert_failed", err,
			zap.String("follower_id", followerID.String()),
			zap.String("followee_id", followeeID.String()))
		return newServiceError(opFollow, "insert_failed", err)
	}
	return nil
}

// Unfollow removes the edge if present.
func (s *Service) Unfollow(ctx context.Context, followerID UserID, followeeID UserID) error {
	err := s.db.WithContext(ctx).
		Where("follower_id = ? AND followee_id = ?", followerID.String(), followeeID.String()).
		Delete(&Follow{}).Error
	if err != nil {
		s.logError(opFollow, "delete_failed", err,
			zap.String("follower_id", followerID.String()),
			zap.String("followee_id", followeeID.String()))
		return newServiceError(opFollow, "delete_failed", err)
	}
	return nil
}

// ListFollowers returns the ids of users following userID, oldest first.
func (s *Service) ListFollowers(ctx context.Context, userID UserID) ([]string, error) {
	var edges []Follow
	err := s.db.WithContext(ctx).
		Where("followee_id = ?", userID.String()).
		Order("created_at ASC").
		Order("follower_id ASC").
		Find(&edges).Error
	if err != nil {
		s.logError(opListFollowers, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opListFollowers, "query_failed", err)
	}
	ids := make([]string, 0, len(edges))
	for _, edge := range edges {
		ids = append(ids, edge.FollowerID)
	}
	return ids, nil
}

func countFor(db *gorm.DB, model interface{}, entity interactions.EntityRef) (int, error) {
	var total int64
	err := db.Model(model).
		Where("module_type = ? AND module_id = ?", string(entity.ModuleType), entity.ModuleID).
		Count(&total).Error
	if err != nil {
		return 0, err
	}
	return int(total), nil
}

func entityFields(entity interactions.EntityRef, userID UserID) []zap.Field {
	return []zap.Field{
		zap.String("module_type", string(entity.ModuleType)),
		zap.String("module_id", entity.ModuleID),
		zap.String("user_id", userID.String()),
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger := s.logger
	if logger == nil {
		logger = noOpLogger
	}
	logger.Error("engagement service error", attrs...)
}
