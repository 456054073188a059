package users

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/wayfarer/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, clock func() time.Time) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Profile{}); err != nil {
		t.Fatalf("failed to migrate profile schema: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestTouchCreatesAndRefreshesProfile(t *testing.T) {
	now := time.Unix(100, 0).UTC()
	service := newTestService(t, func() time.Time { return now })

	profile, err := service.Touch(auth.Identity{UserID: " ana ", DisplayName: "Ana"})
	if err != nil {
		t.Fatalf("touch failed: %v", err)
	}
	if profile.UserID != "ana" || profile.DisplayName != "Ana" {
		t.Fatalf("unexpected profile: %#v", profile)
	}

	now = now.Add(time.Hour)
	profile, err = service.Touch(auth.Identity{UserID: "ana", AvatarURL: "https://cdn/ana.png"})
	if err != nil {
		t.Fatalf("second touch failed: %v", err)
	}
	if profile.DisplayName != "Ana" || profile.AvatarURL != "https://cdn/ana.png" {
		t.Fatalf("empty fields must not erase stored values: %#v", profile)
	}
	if !profile.LastSeenAt.Equal(now) {
		t.Fatalf("expected last seen to move, got %s", profile.LastSeenAt)
	}
}

func TestLookupManyFillsUnknownUsers(t *testing.T) {
	service := newTestService(t, nil)
	if _, err := service.Touch(auth.Identity{UserID: "ana", DisplayName: "Ana"}); err != nil {
		t.Fatalf("touch failed: %v", err)
	}

	profiles, err := service.LookupMany([]string{"ana", "bo", ""})
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected two profiles, got %#v", profiles)
	}
	if profiles["ana"].Display() != "Ana" || profiles["bo"].Display() != "bo" {
		t.Fatalf("unexpected display names: %#v", profiles)
	}
}

func TestTouchRejectsEmptyIdentity(t *testing.T) {
	service := newTestService(t, nil)
	if _, err := service.Touch(auth.Identity{}); err != ErrInvalidIdentity {
		t.Fatalf("expected invalid identity, got %v", err)
	}
}
