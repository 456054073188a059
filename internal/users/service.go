package users

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/wayfarer/internal/auth"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for the profile directory.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service keeps user profiles current from handshake claims and serves lookups.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// Touch records that identity connected. A new user gets a profile; a known
// user has non-empty display fields refreshed and last_seen_at bumped.
func (s *Service) Touch(identity auth.Identity) (Profile, error) {
	identity = identity.Normalize()
	if identity.UserID == "" {
		return Profile{}, ErrInvalidIdentity
	}

	var profile Profile
	err := s.db.Where("user_id = ?", identity.UserID).First(&profile).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		profile = Profile{
			UserID:      identity.UserID,
			DisplayName: identity.DisplayName,
			AvatarURL:   identity.AvatarURL,
			LastSeenAt:  s.now().UTC(),
		}
		if err := s.db.Create(&profile).Error; err != nil {
			return Profile{}, err
		}
	case err != nil:
		return Profile{}, err
	default:
		updates := map[string]interface{}{"last_seen_at": s.now().UTC()}
		if identity.DisplayName != "" && identity.DisplayName != profile.DisplayName {
			updates["display_name"] = identity.DisplayName
			profile.DisplayName = identity.DisplayName
		}
		if identity.AvatarURL != "" && identity.AvatarURL != profile.AvatarURL {
			updates["avatar_url"] = identity.AvatarURL
			profile.AvatarURL = identity.AvatarURL
		}
		if err := s.db.Model(&Profile{}).Where("user_id = ?", identity.UserID).Updates(updates).Error; err != nil {
			return Profile{}, err
		}
		profile.LastSeenAt = updates["last_seen_at"].(time.Time)
	}

	s.cache.Store(profile.UserID, profile)
	return profile, nil
}

// Lookup returns the profile of userID. Unknown users get a bare profile
// carrying only the id.
func (s *Service) Lookup(userID string) (Profile, error) {
	userID = normalize(userID)
	if userID == "" {
		return Profile{}, ErrInvalidIdentity
	}
	if cached, ok := s.cache.Load(userID); ok {
		if profile, ok := cached.(Profile); ok {
			return profile, nil
		}
	}
	var profile Profile
	err := s.db.Where("user_id = ?", userID).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{UserID: userID}, nil
	}
	if err != nil {
		return Profile{}, err
	}
	s.cache.Store(userID, profile)
	return profile, nil
}

// LookupMany resolves several users at once; missing users map to bare profiles.
func (s *Service) LookupMany(userIDs []string) (map[string]Profile, error) {
	profiles := make(map[string]Profile, len(userIDs))
	var missing []string
	for _, raw := range userIDs {
		userID := normalize(raw)
		if userID == "" {
			continue
		}
		if cached, ok := s.cache.Load(userID); ok {
			if profile, ok := cached.(Profile); ok {
				profiles[userID] = profile
				continue
			}
		}
		missing = append(missing, userID)
	}
	if len(missing) > 0 {
		var stored []Profile
		if err := s.db.Where("user_id IN ?", missing).Find(&stored).Error; err != nil {
			return nil, err
		}
		for _, profile := range stored {
			profiles[profile.UserID] = profile
			s.cache.Store(profile.UserID, profile)
		}
	}
	for _, userID := range missing {
		if _, ok := profiles[userID]; !ok {
			profiles[userID] = Profile{UserID: userID}
		}
	}
	return profiles, nil
}
