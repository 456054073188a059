package integration_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/wayfarer/internal/actions"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/auth"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/channel"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/database"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/engagement"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/interactions"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/relay"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/rooms"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/session"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	signingSecret = "integration-secret"
	tokenIssuer   = "wayfarer-relay"
	tokenAudience = "wayfarer-channel"
	postID        = "post-1"
	postOwner     = "owner-1"
	waitTimeout   = 3 * time.Second
)

type participant struct {
	conn    *channel.Connection
	session *session.Session
	entity  interactions.EntityRef
}

func startRelay(t *testing.T) (*httptest.Server, *auth.TokenIssuer) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "wayfarer.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	engagementService, err := engagement.NewService(engagement.ServiceConfig{
		Database:   db,
		IDProvider: engagement.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build engagement service: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(signingSecret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
	})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(signingSecret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
	})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}

	hub := relay.NewHub(relay.NewMemoryBroker(), nil)
	if err := hub.Start(context.Background()); err != nil {
		t.Fatalf("failed to start hub: %v", err)
	}
	t.Cleanup(func() { hub.Close() })

	handler, err := relay.NewHTTPHandler(relay.Dependencies{
		Validator:  validator,
		Users:      userService,
		Engagement: engagementService,
		Hub:        hub,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server, issuer
}

func join(t *testing.T, server *httptest.Server, issuer *auth.TokenIssuer, userID string) *participant {
	t.Helper()
	token, _, err := issuer.Issue(context.Background(), auth.Identity{UserID: userID, DisplayName: strings.ToUpper(userID)})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	conn, err := channel.NewConnection(channel.ConnectionConfig{
		Endpoint: "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
		Tokens:   channel.StaticToken(token),
	})
	if err != nil {
		t.Fatalf("failed to build connection: %v", err)
	}
	sess, err := session.New(session.Config{
		Channel:       conn,
		Identity:      session.FixedIdentity(userID),
		ActionTimeout: 2 * time.Second,
		JoinTimeout:   2 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to build session: %v", err)
	}
	t.Cleanup(func() {
		sess.Close()
		conn.Close()
	})
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	entity, err := sess.Posts().Mount(postID, postOwner)
	if err != nil {
		t.Fatalf("mount failed: %v", err)
	}
	if err := sess.Posts().Show(postID); err != nil {
		t.Fatalf("show failed: %v", err)
	}
	p := &participant{conn: conn, session: sess, entity: entity}
	eventually(t, "rooms joined for "+userID, func() bool {
		for _, kind := range interactions.Kinds() {
			if sess.RoomState(entity, kind) != rooms.Joined {
				return false
			}
		}
		return true
	})
	return p
}

func eventually(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLikeAndCommentSyncAcrossSessions(t *testing.T) {
	server, issuer := startRelay(t)
	alice := join(t, server, issuer, "alice")
	bob := join(t, server, issuer, "bob")

	eventually(t, "initial counts", func() bool {
		snapshot, ok := bob.session.State(bob.entity)
		return ok && snapshot.LikeCountKnown && snapshot.CommentCountKnown && snapshot.ShareCountKnown
	})

	if err := alice.session.Like(alice.entity); err != nil {
		t.Fatalf("like failed: %v", err)
	}
	eventually(t, "alice like to settle", func() bool {
		return alice.session.Phase(alice.entity, actions.ActionLike) == actions.Idle
	})
	eventually(t, "bob to see the like count", func() bool {
		snapshot, _ := bob.session.State(bob.entity)
		return snapshot.LikeCount == 1
	})
	aliceState, _ := alice.session.State(alice.entity)
	if !aliceState.Liked || aliceState.LikeCount != 1 || aliceState.LikePending {
		t.Fatalf("unexpected liker state: %#v", aliceState)
	}
	bobState, _ := bob.session.State(bob.entity)
	if bobState.Liked {
		t.Fatalf("another user's like must not mark bob as liked")
	}

	if err := bob.session.Comment(bob.entity, "  see you there  "); err != nil {
		t.Fatalf("comment failed: %v", err)
	}
	eventually(t, "alice to see bob's comment", func() bool {
		snapshot, _ := alice.session.State(alice.entity)
		return snapshot.CommentCount == 1 && len(snapshot.Comments) == 1
	})
	aliceState, _ = alice.session.State(alice.entity)
	comment := aliceState.Comments[0]
	if comment.AuthorID != "bob" || comment.Text != "see you there" || comment.AuthorDisplay != "BOB" {
		t.Fatalf("unexpected comment: %#v", comment)
	}

	if err := alice.session.DeleteComment(alice.entity, comment.ID); err == nil {
		t.Fatalf("deleting another user's comment must be refused")
	}

	if err := bob.session.DeleteComment(bob.entity, comment.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	eventually(t, "alice to see the delete", func() bool {
		snapshot, _ := alice.session.State(alice.entity)
		return snapshot.CommentCount == 0 && len(snapshot.Comments) == 0
	})
}

func TestShareCountReachesEntityWatchers(t *testing.T) {
	server, issuer := startRelay(t)
	alice := join(t, server, issuer, "alice")
	bob := join(t, server, issuer, "bob")

	if err := alice.session.Share(alice.entity, "bob"); err != nil {
		t.Fatalf("share failed: %v", err)
	}
	eventually(t, "share to settle", func() bool {
		return alice.session.Phase(alice.entity, actions.ActionShare) == actions.Idle
	})
	eventually(t, "share counts", func() bool {
		aliceState, _ := alice.session.State(alice.entity)
		bobState, _ := bob.session.State(bob.entity)
		return aliceState.ShareCount == 1 && bobState.ShareCount == 1
	})
}

func TestFreshSessionRestoresOwnLike(t *testing.T) {
	server, issuer := startRelay(t)
	alice := join(t, server, issuer, "alice")

	if err := alice.session.Like(alice.entity); err != nil {
		t.Fatalf("like failed: %v", err)
	}
	eventually(t, "alice like to settle", func() bool {
		return alice.session.Phase(alice.entity, actions.ActionLike) == actions.Idle
	})

	second := join(t, server, issuer, "alice")
	eventually(t, "second session to restore the like", func() bool {
		snapshot, _ := second.session.State(second.entity)
		return snapshot.Liked && snapshot.LikeCount == 1
	})

	if err := second.session.ToggleLike(second.entity); err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	eventually(t, "toggle to unlike", func() bool {
		if second.session.Phase(second.entity, actions.ActionLike) != actions.Idle {
			return false
		}
		snapshot, _ := second.session.State(second.entity)
		return !snapshot.Liked && snapshot.LikeCount == 0
	})
}
