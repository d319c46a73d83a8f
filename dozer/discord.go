package dozer

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Discord manages the gateway connection for the bot.
//
// It owns the session handler, tracks connection state, and carries the
// gateway event handlers that feed the command dispatcher.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	d                           *Dozer
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("discord token not set")
	}
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}, nil
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, and configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	// Prefix commands need the member/role/channel caches for permission
	// checks and name lookups, so state tracking stays on.
	disc.StateEnabled = true
	session.session = disc

	identify := disc.Identify
	identify.Intents = d.config.GatewayIntents
	session.SetIdentify(identify)
	if d.d != nil && d.d.config.HTTPClient != nil {
		session.SetHTTPClient(d.d.config.HTTPClient)
	}
	return session, nil
}

func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, opts...)
	return err
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, _ *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			columnUserID, s.State.User.ID,
			"username", s.State.User.Username,
		)
		if err := d.updatePresence(); err != nil {
			d.logger.Error("unable to update presence", tint.Err(err))
		}
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)

		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
		if d.config.NotificationChannelID != "" && d.config.StartupMessage != "" {
			if sendErr := d.channelMessageSend(
				d.config.NotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); sendErr != nil {
				d.logger.Error("unable to send startup message", tint.Err(sendErr))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"disconnected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
	}
}

// handlerGuildCount refreshes the presence line whenever the guild list
// changes, so the guild count it shows stays current.
func (d *Discord) handlerGuildCreate() func(
	s *discordgo.Session,
	g *discordgo.GuildCreate,
) {
	return func(_ *discordgo.Session, g *discordgo.GuildCreate) {
		d.logger.Debug("guild available", "guild_id", g.ID, "name", g.Name)
		if err := d.updatePresence(); err != nil {
			d.logger.Error("unable to update presence", tint.Err(err))
		}
	}
}

func (d *Discord) handlerGuildDelete() func(
	s *discordgo.Session,
	g *discordgo.GuildDelete,
) {
	return func(_ *discordgo.Session, g *discordgo.GuildDelete) {
		d.logger.Debug("guild removed", "guild_id", g.ID)
		if err := d.updatePresence(); err != nil {
			d.logger.Error("unable to update presence", tint.Err(err))
		}
	}
}

// updatePresence sets the bot's activity line to advertise the help
// command and the current guild count.
func (d *Discord) updatePresence() error {
	guilds := 0
	if state := d.session.SessionState(); state != nil {
		guilds = len(state.Guilds)
	}
	return d.session.UpdateStatusComplex(
		discordgo.UpdateStatusData{
			Status: string(discordgo.StatusOnline),
			Activities: []*discordgo.Activity{
				{
					Name: fmt.Sprintf("%shelp | %d guilds", d.config.Prefix, guilds),
					Type: discordgo.ActivityTypeGame,
				},
			},
		},
	)
}

// DiscordSessionHandler is the subset of the discordgo session the bot
// uses, so tests can substitute a stub session.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSend sends a message to a specified channel.
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a full MessageSend payload, for
	// embeds and explicit allowed-mention sets.
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UpdateStatusComplex sends the given status update, untouched
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// UserChannelPermissions returns the aggregated permissions of the
	// given user in the given channel.
	UserChannelPermissions(
		userID string,
		channelID string,
		fetchOptions ...discordgo.RequestOption,
	) (int64, error)

	// GuildMemberRoleAdd grants a role to a guild member
	GuildMemberRoleAdd(
		guildID string,
		userID string,
		roleID string,
		options ...discordgo.RequestOption,
	) error

	// GuildMemberRoleRemove revokes a role from a guild member
	GuildMemberRoleRemove(
		guildID string,
		userID string,
		roleID string,
		options ...discordgo.RequestOption,
	) error

	// GuildMember returns a member of a guild
	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	// SessionState exposes the gateway state cache (guilds, roles,
	// channels, the bot user)
	SessionState() *discordgo.State

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendComplex(channelID, data, options...)
}

func (d DiscordSession) UpdateStatusComplex(
	data discordgo.UpdateStatusData,
) error {
	return d.session.UpdateStatusComplex(data)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) UserChannelPermissions(
	userID string,
	channelID string,
	fetchOptions ...discordgo.RequestOption,
) (int64, error) {
	return d.session.UserChannelPermissions(userID, channelID, fetchOptions...)
}

func (d DiscordSession) GuildMemberRoleAdd(
	guildID string,
	userID string,
	roleID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberRoleAdd(guildID, userID, roleID, options...)
}

func (d DiscordSession) GuildMemberRoleRemove(
	guildID string,
	userID string,
	roleID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberRoleRemove(guildID, userID, roleID, options...)
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}

func (d DiscordSession) SessionState() *discordgo.State {
	return d.session.State
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}
