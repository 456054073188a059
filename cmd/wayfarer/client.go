package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/wayfarer/internal/actions"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/auth"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/channel"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/config"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/followers"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/interactions"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/logging"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/rooms"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/session"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/state"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	roomPollInterval = 25 * time.Millisecond
	waitMargin       = 2 * time.Second
)

type entityFlags struct {
	moduleType string
	owner      string
	rooms      []string
}

// kinds parses the rooms flag. Empty means every kind.
func (f entityFlags) kinds() ([]interactions.Kind, error) {
	if len(f.rooms) == 0 {
		return interactions.Kinds(), nil
	}
	kinds := make([]interactions.Kind, 0, len(f.rooms))
	for _, raw := range f.rooms {
		kind, err := interactions.ParseKind(raw)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// failedOp names the operation behind an action failure, if known.
func failedOp(err error) string {
	var actionErr *interactions.Error
	if errors.As(err, &actionErr) {
		return actionErr.Op()
	}
	return ""
}

type commentOutput struct {
	ID              string    `json:"id"`
	AuthorID        string    `json:"authorId"`
	AuthorDisplay   string    `json:"authorDisplay,omitempty"`
	AuthorAvatarURL string    `json:"authorAvatarUrl,omitempty"`
	Text            string    `json:"text"`
	CreatedAt       time.Time `json:"createdAt"`
}

type stateOutput struct {
	ModuleID     string          `json:"moduleId"`
	ModuleType   string          `json:"moduleType"`
	Liked        bool            `json:"liked"`
	LikeCount    *int            `json:"likeCount"`
	CommentCount *int            `json:"commentCount"`
	ShareCount   *int            `json:"shareCount"`
	Pending      []string        `json:"pending,omitempty"`
	Comments     []commentOutput `json:"comments"`
}

func newStateOutput(entity interactions.EntityRef, snapshot state.InteractionState) stateOutput {
	out := stateOutput{
		ModuleID:   entity.ModuleID,
		ModuleType: entity.ModuleType.String(),
		Liked:      snapshot.Liked,
		Comments:   make([]commentOutput, 0, len(snapshot.Comments)),
	}
	if snapshot.LikeCountKnown {
		out.LikeCount = intPtr(snapshot.LikeCount)
	}
	if snapshot.CommentCountKnown {
		out.CommentCount = intPtr(snapshot.CommentCount)
	}
	if snapshot.ShareCountKnown {
		out.ShareCount = intPtr(snapshot.ShareCount)
	}
	if snapshot.LikePending {
		out.Pending = append(out.Pending, string(actions.ActionLike))
	}
	if snapshot.CommentPending {
		out.Pending = append(out.Pending, string(actions.ActionComment))
	}
	if snapshot.SharePending {
		out.Pending = append(out.Pending, string(actions.ActionShare))
	}
	for _, comment := range snapshot.Comments {
		out.Comments = append(out.Comments, commentOutput{
			ID:              comment.ID,
			AuthorID:        comment.AuthorID,
			AuthorDisplay:   comment.AuthorDisplay,
			AuthorAvatarURL: comment.AuthorAvatarURL,
			Text:            comment.Text,
			CreatedAt:       comment.CreatedAt.UTC(),
		})
	}
	return out
}

func intPtr(value int) *int {
	return &value
}

func writeJSON(w io.Writer, value interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

// clientWatcher turns session notifications into channels. Sends never block
// the channel goroutine.
type clientWatcher struct {
	changed  chan struct{}
	notices  chan actions.Notice
	joins    chan error
	snapshot chan stateOutput
}

func newClientWatcher() *clientWatcher {
	return &clientWatcher{
		changed:  make(chan struct{}, 1),
		notices:  make(chan actions.Notice, 16),
		joins:    make(chan error, 8),
		snapshot: make(chan stateOutput, 64),
	}
}

func (w *clientWatcher) observer() session.Observer {
	return session.ObserverFuncs{
		OnStateChanged: func(entity interactions.EntityRef, snapshot state.InteractionState) {
			select {
			case w.snapshot <- newStateOutput(entity, snapshot):
			default:
			}
			select {
			case w.changed <- struct{}{}:
			default:
			}
		},
		OnActionFailed: func(notice actions.Notice) {
			select {
			case w.notices <- notice:
			default:
			}
		},
		OnJoinFailed: func(key interactions.RoomKey, err error) {
			select {
			case w.joins <- fmt.Errorf("join %s: %w", key.String(), err):
			default:
			}
		},
	}
}

// pendingFailure drains queued notices and returns the first one for entity and action.
func (w *clientWatcher) pendingFailure(entity interactions.EntityRef, action actions.Action) error {
	for {
		select {
		case notice := <-w.notices:
			if notice.Entity == entity && notice.Action == action {
				return notice.Err
			}
		default:
			return nil
		}
	}
}

// clientSession is one mounted and shown entity on a live channel.
type clientSession struct {
	cfg     config.ClientConfig
	logger  *zap.Logger
	conn    *channel.Connection
	session *session.Session
	feature session.Feature
	entity  interactions.EntityRef
	kinds   []interactions.Kind
	watcher *clientWatcher
}

func openClientSession(ctx context.Context, flags entityFlags, moduleID string) (*clientSession, error) {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	moduleType, err := interactions.ParseModuleType(flags.moduleType)
	if err != nil {
		return nil, err
	}
	kinds, err := flags.kinds()
	if err != nil {
		return nil, err
	}
	identity, err := auth.PeekIdentity(clientConfig.Token)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewConsoleLogger(clientConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	conn, err := channel.NewConnection(channel.ConnectionConfig{
		Endpoint: clientConfig.ChannelURL,
		Tokens:   channel.StaticToken(clientConfig.Token),
		Logger:   logger.Named("channel"),
	})
	if err != nil {
		return nil, err
	}
	watcher := newClientWatcher()
	sess, err := session.New(session.Config{
		Channel:       conn,
		Identity:      session.FixedIdentity(identity.UserID),
		Observer:      watcher.observer(),
		Logger:        logger.Named("session"),
		ActionTimeout: clientConfig.ActionTimeout,
		JoinTimeout:   clientConfig.JoinTimeout,
		Rooms:         kinds,
	})
	if err != nil {
		return nil, err
	}
	client := &clientSession{
		cfg:     clientConfig,
		logger:  logger,
		conn:    conn,
		session: sess,
		feature: sess.Feature(moduleType),
		kinds:   kinds,
		watcher: watcher,
	}
	if err := conn.Connect(ctx); err != nil {
		client.close()
		return nil, err
	}
	entity, err := client.feature.Mount(moduleID, flags.owner)
	if err != nil {
		client.close()
		return nil, err
	}
	client.entity = entity
	if err := client.feature.Show(moduleID); err != nil {
		client.close()
		return nil, err
	}
	return client, nil
}

func (c *clientSession) close() {
	c.session.Close()
	if err := c.conn.Close(); err != nil {
		c.logger.Debug("channel close", zap.Error(err))
	}
	_ = c.logger.Sync()
}

// awaitRooms blocks until every room of the entity is joined.
func (c *clientSession) awaitRooms(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.JoinTimeout+waitMargin)
	defer cancel()
	ticker := time.NewTicker(roomPollInterval)
	defer ticker.Stop()
	for {
		joined := true
		for _, kind := range c.kinds {
			if c.session.RoomState(c.entity, kind) != rooms.Joined {
				joined = false
				break
			}
		}
		if joined {
			return nil
		}
		select {
		case err := <-c.watcher.joins:
			return err
		case <-waitCtx.Done():
			return fmt.Errorf("rooms for %s not joined: %w", c.entity.String(), waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// perform runs start and waits for the action slot to settle. Failure notices
// are queued before the state change of the same flush, so the phase is only
// trusted after a state signal.
func (c *clientSession) perform(ctx context.Context, action actions.Action, start func() error) error {
	if err := start(); err != nil {
		return err
	}
	// No-op requests never leave Idle.
	if c.session.Phase(c.entity, action) == actions.Idle {
		return c.watcher.pendingFailure(c.entity, action)
	}
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ActionTimeout+waitMargin)
	defer cancel()
	for {
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("%s on %s: %w", action, c.entity.String(), waitCtx.Err())
		case notice := <-c.watcher.notices:
			if notice.Entity == c.entity && notice.Action == action {
				return notice.Err
			}
		case <-c.watcher.changed:
			if c.session.Phase(c.entity, action) != actions.Idle {
				continue
			}
			return c.watcher.pendingFailure(c.entity, action)
		}
	}
}

func (c *clientSession) print(w io.Writer) error {
	snapshot, ok := c.session.State(c.entity)
	if !ok {
		return fmt.Errorf("%s is not mounted", c.entity.String())
	}
	return writeJSON(w, newStateOutput(c.entity, snapshot))
}

// withEntity opens a session for moduleID, waits for its rooms and runs fn.
func withEntity(cmd *cobra.Command, flags entityFlags, moduleID string, fn func(ctx context.Context, client *clientSession) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	client, err := openClientSession(ctx, flags, moduleID)
	if err != nil {
		return err
	}
	defer client.close()
	if err := client.awaitRooms(ctx); err != nil {
		return err
	}
	return fn(ctx, client)
}

func addChannelFlags(cmd *cobra.Command, defaults *viper.Viper, flags *entityFlags) {
	cmd.Flags().String("channel-url", defaults.GetString("client.channel_url"), "Event channel WebSocket URL")
	cmd.Flags().String("token", "", "Handshake token (overrides env)")
	if flags != nil {
		cmd.Flags().StringVar(&flags.moduleType, "module-type", interactions.ModuleTypePost.String(), "Module type (post, short, schedule)")
		cmd.Flags().StringVar(&flags.owner, "owner", "", "User id that created the entity")
	}
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd, map[string]string{
			"client.channel_url": "channel-url",
			"client.token":       "token",
		})
	}
}

func newWatchCommand(defaults *viper.Viper) *cobra.Command {
	var flags entityFlags
	cmd := &cobra.Command{
		Use:   "watch <module-id>",
		Short: "Print live interaction state for an entity until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEntity(cmd, flags, args[0], func(ctx context.Context, client *clientSession) error {
				if err := client.print(cmd.OutOrStdout()); err != nil {
					return err
				}
				for {
					select {
					case <-ctx.Done():
						return nil
					case snapshot := <-client.watcher.snapshot:
						if err := writeJSON(cmd.OutOrStdout(), snapshot); err != nil {
							return err
						}
					case notice := <-client.watcher.notices:
						client.logger.Warn("action failed",
							zap.String("entity", notice.Entity.String()),
							zap.String("action", string(notice.Action)),
							zap.String("op", failedOp(notice.Err)),
							zap.Error(notice.Err))
					}
				}
			})
		},
	}
	addChannelFlags(cmd, defaults, &flags)
	cmd.Flags().StringSliceVar(&flags.rooms, "rooms", nil, "Room kinds to watch (like, comment, share); default all")
	return cmd
}

func newLikeCommand(defaults *viper.Viper) *cobra.Command {
	var (
		flags  entityFlags
		unlike bool
	)
	cmd := &cobra.Command{
		Use:   "like <module-id>",
		Short: "Like or unlike an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEntity(cmd, flags, args[0], func(ctx context.Context, client *clientSession) error {
				start := func() error { return client.feature.Like(args[0]) }
				if unlike {
					start = func() error { return client.feature.Unlike(args[0]) }
				}
				if err := client.perform(ctx, actions.ActionLike, start); err != nil {
					return err
				}
				return client.print(cmd.OutOrStdout())
			})
		},
	}
	addChannelFlags(cmd, defaults, &flags)
	cmd.Flags().BoolVar(&unlike, "unlike", false, "Clear the like instead of setting it")
	return cmd
}

func newCommentCommand(defaults *viper.Viper) *cobra.Command {
	var (
		flags    entityFlags
		deleteID string
	)
	cmd := &cobra.Command{
		Use:   "comment <module-id> [text]",
		Short: "Post a comment, or delete one with --delete",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if deleteID == "" && len(args) != 2 {
				return errors.New("comment text is required")
			}
			return withEntity(cmd, flags, args[0], func(ctx context.Context, client *clientSession) error {
				var err error
				if deleteID != "" {
					err = client.perform(ctx, actions.ActionDeleteComment, func() error {
						return client.feature.DeleteComment(args[0], deleteID)
					})
				} else {
					err = client.perform(ctx, actions.ActionComment, func() error {
						return client.feature.Comment(args[0], args[1])
					})
				}
				if err != nil {
					return err
				}
				return client.print(cmd.OutOrStdout())
			})
		},
	}
	addChannelFlags(cmd, defaults, &flags)
	cmd.Flags().StringVar(&deleteID, "delete", "", "Id of an own comment to delete")
	return cmd
}

func newShareCommand(defaults *viper.Viper) *cobra.Command {
	var flags entityFlags
	cmd := &cobra.Command{
		Use:   "share <module-id> <recipient-id>",
		Short: "Share an entity with another user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEntity(cmd, flags, args[0], func(ctx context.Context, client *clientSession) error {
				if err := client.perform(ctx, actions.ActionShare, func() error {
					return client.feature.Share(args[0], args[1])
				}); err != nil {
					return err
				}
				return client.print(cmd.OutOrStdout())
			})
		},
	}
	addChannelFlags(cmd, defaults, &flags)
	return cmd
}

func newFollowersClient() (*followers.Client, error) {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	baseURL, err := clientConfig.HTTPBaseURL()
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewConsoleLogger(clientConfig.LogLevel)
	if err != nil {
		return nil, err
	}
	token := clientConfig.Token
	return followers.NewClient(followers.ClientConfig{
		BaseURL: baseURL,
		Tokens: func(context.Context) (string, error) {
			return token, nil
		},
		Logger: logger.Named("followers"),
	})
}

func newFollowersCommand(defaults *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "followers <user-id>",
		Short: "List the followers of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newFollowersClient()
			if err != nil {
				return err
			}
			list, err := client.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), list)
		},
	}
	addChannelFlags(cmd, defaults, nil)
	return cmd
}

func newFollowCommand(defaults *viper.Viper) *cobra.Command {
	var remove bool
	cmd := &cobra.Command{
		Use:   "follow <user-id>",
		Short: "Follow a user, or stop following with --remove",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newFollowersClient()
			if err != nil {
				return err
			}
			if remove {
				return client.Unfollow(cmd.Context(), args[0])
			}
			return client.Follow(cmd.Context(), args[0])
		},
	}
	addChannelFlags(cmd, defaults, nil)
	cmd.Flags().BoolVar(&remove, "remove", false, "Stop following instead")
	return cmd
}
