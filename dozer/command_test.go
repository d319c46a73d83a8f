package dozer

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	channelID string
	data      *discordgo.MessageSend
}

// stubSession implements [DiscordSessionHandler] in-memory so command
// dispatch can be exercised without a gateway connection.
type stubSession struct {
	mu   sync.Mutex
	sent []sentMessage

	perms   map[string]int64
	permErr error
	sendErr error
	state   *discordgo.State

	roleAdds      [][3]string
	roleRemoves   [][3]string
	members       map[string]*discordgo.Member
	statusUpdates []discordgo.UpdateStatusData
}

func newStubSession() *stubSession {
	return &stubSession{
		perms:   map[string]int64{},
		members: map[string]*discordgo.Member{},
	}
}

func (s *stubSession) Open() error  { return nil }
func (s *stubSession) Close() error { return nil }

func (s *stubSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return s.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{Content: message},
	)
}

func (s *stubSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	s.sent = append(s.sent, sentMessage{channelID: channelID, data: data})
	return &discordgo.Message{ChannelID: channelID}, nil
}

func (s *stubSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusUpdates = append(s.statusUpdates, data)
	return nil
}

func (s *stubSession) AddHandler(any) func() {
	return func() {}
}

func (s *stubSession) UserChannelPermissions(
	userID string,
	_ string,
	_ ...discordgo.RequestOption,
) (int64, error) {
	if s.permErr != nil {
		return 0, s.permErr
	}
	return s.perms[userID], nil
}

func (s *stubSession) GuildMemberRoleAdd(
	guildID, userID, roleID string,
	_ ...discordgo.RequestOption,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roleAdds = append(s.roleAdds, [3]string{guildID, userID, roleID})
	return nil
}

func (s *stubSession) GuildMemberRoleRemove(
	guildID, userID, roleID string,
	_ ...discordgo.RequestOption,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roleRemoves = append(s.roleRemoves, [3]string{guildID, userID, roleID})
	return nil
}

func (s *stubSession) GuildMember(
	guildID, userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	member, ok := s.members[guildID+"/"+userID]
	if !ok {
		return nil, errors.New("member not found")
	}
	return member, nil
}

func (s *stubSession) SessionState() *discordgo.State {
	return s.state
}

func (s *stubSession) SetHTTPClient(*http.Client) {}

func (s *stubSession) SetIdentify(discordgo.Identify) {}

func (s *stubSession) sentMessages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *stubSession) lastContent(t testing.TB) string {
	t.Helper()
	messages := s.sentMessages()
	require.NotEmpty(t, messages)
	return messages[len(messages)-1].data.Content
}

// newTestBot builds a Dozer wired to a stub session and a fake store,
// skipping Run entirely.
func newTestBot(t testing.TB, q Querier) (*Dozer, *stubSession) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Discord.Token = "test-token"

	d, err := New(cfg)
	require.NoError(t, err)

	if q == nil {
		q = &fakeQuerier{}
	}
	d.store = NewStore(q, d.registry, slog.Default().With("test", t.Name()))

	session := newStubSession()
	d.discord.session = session
	return d, session
}

func newTestMessage(content, authorID, channelID, guildID string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			Content:   content,
			ChannelID: channelID,
			GuildID:   guildID,
			Author:    &discordgo.User{ID: authorID, Username: "tester"},
		},
	}
}

func dispatch(d *Dozer, m *discordgo.MessageCreate) {
	d.handlerMessageCreate()(nil, m)
}

func TestDispatchRunsCommand(t *testing.T) {
	t.Parallel()
	d, session := newTestBot(t, nil)

	var gotArgs []string
	require.NoError(
		t, d.RegisterCommand(
			&Command{
				Name:    "ping",
				Example: "ping",
				Run: func(c *Context) error {
					gotArgs = c.Args
					return c.Send("pong")
				},
			},
		),
	)

	dispatch(d, newTestMessage("&ping one two", "1001", "200", "300"))

	assert.Equal(t, []string{"one", "two"}, gotArgs)
	assert.Equal(t, "pong", session.lastContent(t))
	assert.Equal(t, int64(1), d.metricCommands.Load())
	assert.Equal(t, int64(0), d.metricCommandErrors.Load())
}

func TestDispatchUnknownCommandIsSilent(t *testing.T) {
	t.Parallel()
	d, session := newTestBot(t, nil)

	dispatch(d, newTestMessage("&nosuchcommand", "1001", "200", "300"))

	assert.Empty(t, session.sentMessages())
	assert.Equal(t, int64(0), d.metricCommands.Load())
	assert.Equal(t, int64(1), d.metricMessages.Load())
}

func TestDispatchIgnoresBotAuthors(t *testing.T) {
	t.Parallel()
	d, session := newTestBot(t, nil)

	m := newTestMessage("&help", "1001", "200", "300")
	m.Author.Bot = true
	dispatch(d, m)

	assert.Empty(t, session.sentMessages())
	assert.Equal(t, int64(0), d.metricMessages.Load())
}

func TestDispatchResolvesAliases(t *testing.T) {
	t.Parallel()
	d, session := newTestBot(t, nil)

	require.NoError(
		t, d.RegisterCommand(
			&Command{
				Name:    "ping",
				Aliases: []string{"p"},
				Example: "ping",
				Run: func(c *Context) error {
					return c.Send("pong")
				},
			},
		),
	)

	dispatch(d, newTestMessage("&p", "1001", "200", "300"))
	assert.Equal(t, "pong", session.lastContent(t))
}

func TestListenersRunOnEveryMessage(t *testing.T) {
	t.Parallel()
	d, _ := newTestBot(t, nil)

	var seen []string
	var loggers int
	d.RegisterListener(
		func(ctx context.Context, m *discordgo.MessageCreate) {
			seen = append(seen, m.Content)
			if _, ok := ContextLogger(ctx); ok {
				loggers++
			}
		},
	)

	dispatch(d, newTestMessage("just chatting", "1001", "200", "300"))
	dispatch(d, newTestMessage("&nosuchcommand", "1001", "200", "300"))

	// listeners see both plain messages and command invocations, and the
	// context carries the per-message logger
	assert.Equal(t, []string{"just chatting", "&nosuchcommand"}, seen)
	assert.Equal(t, 2, loggers)
}

func TestUserInputErrorShowsUsage(t *testing.T) {
	t.Parallel()
	d, session := newTestBot(t, nil)

	require.NoError(
		t, d.RegisterCommand(
			&Command{
				Name:    "bind",
				Example: "bind #channel @role",
				Run: func(*Context) error {
					return NewUserInputError("specify a channel and a role")
				},
			},
		),
	)

	dispatch(d, newTestMessage("&bind", "1001", "200", "300"))

	content := session.lastContent(t)
	assert.Contains(t, content, "specify a channel and a role")
	assert.Contains(t, content, "Usage: `&bind #channel @role`")
	assert.Equal(t, int64(1), d.metricCommandErrors.Load())
}

func TestGuildOnlyCommandRejectedInDM(t *testing.T) {
	t.Parallel()
	d, session := newTestBot(t, nil)

	ran := false
	require.NoError(
		t, d.RegisterCommand(
			&Command{
				Name:      "guildthing",
				Example:   "guildthing",
				GuildOnly: true,
				Run: func(*Context) error {
					ran = true
					return nil
				},
			},
		),
	)

	// DMs carry no guild ID
	dispatch(d, newTestMessage("&guildthing", "1001", "200", ""))

	assert.False(t, ran)
	assert.Contains(t, session.lastContent(t), ErrGuildOnly.Error())

	dispatch(d, newTestMessage("&guildthing", "1001", "200", "300"))
	assert.True(t, ran)
}

func TestMemberPermissionCheck(t *testing.T) {
	t.Parallel()
	d, session := newTestBot(t, nil)

	ran := false
	require.NoError(
		t, d.RegisterCommand(
			&Command{
				Name:                "modonly",
				Example:             "modonly",
				RequiredPermissions: discordgo.PermissionManageRoles,
				Run: func(*Context) error {
					ran = true
					return nil
				},
			},
		),
	)

	dispatch(d, newTestMessage("&modonly", "1001", "200", "300"))
	assert.False(t, ran)
	content := session.lastContent(t)
	assert.Contains(t, content, "you need the following permissions")
	assert.Contains(t, content, "Manage Roles")

	session.perms["1002"] = discordgo.PermissionManageRoles
	dispatch(d, newTestMessage("&modonly", "1002", "200", "300"))
	assert.True(t, ran)
}

func TestAdministratorBypassesPermissionCheck(t *testing.T) {
	t.Parallel()
	d, _ := newTestBot(t, nil)

	ran := false
	require.NoError(
		t, d.RegisterCommand(
			&Command{
				Name:                "modonly",
				Example:             "modonly",
				RequiredPermissions: discordgo.PermissionManageRoles,
				Run: func(*Context) error {
					ran = true
					return nil
				},
			},
		),
	)

	d.discord.session.(*stubSession).perms["1001"] = discordgo.PermissionAdministrator
	dispatch(d, newTestMessage("&modonly", "1001", "200", "300"))
	assert.True(t, ran)
}

func TestBotPermissionCheck(t *testing.T) {
	t.Parallel()
	d, session := newTestBot(t, nil)

	session.state = discordgo.NewState()
	session.state.User = &discordgo.User{ID: "9999", Bot: true}
	session.perms["1001"] = discordgo.PermissionManageRoles

	ran := false
	require.NoError(
		t, d.RegisterCommand(
			&Command{
				Name:                "rolething",
				Example:             "rolething",
				RequiredPermissions: discordgo.PermissionManageRoles,
				BotPermissions:      discordgo.PermissionManageRoles,
				Run: func(*Context) error {
					ran = true
					return nil
				},
			},
		),
	)

	dispatch(d, newTestMessage("&rolething", "1001", "200", "300"))
	assert.False(t, ran)
	assert.Contains(t, session.lastContent(t), "I need the following permissions")

	session.perms["9999"] = discordgo.PermissionManageRoles
	dispatch(d, newTestMessage("&rolething", "1001", "200", "300"))
	assert.True(t, ran)
}

func TestCooldownPerChannel(t *testing.T) {
	t.Parallel()
	d, session := newTestBot(t, nil)

	var runs int
	require.NoError(
		t, d.RegisterCommand(
			&Command{
				Name:     "slow",
				Example:  "slow",
				Cooldown: time.Minute,
				Run: func(*Context) error {
					runs++
					return nil
				},
			},
		),
	)

	dispatch(d, newTestMessage("&slow", "1001", "200", "300"))
	dispatch(d, newTestMessage("&slow", "1001", "200", "300"))
	assert.Equal(t, 1, runs)
	assert.Contains(t, session.lastContent(t), "slow down")

	// another channel has its own cooldown window
	dispatch(d, newTestMessage("&slow", "1001", "201", "300"))
	assert.Equal(t, 2, runs)
}

func TestRateLimitedUserIsDroppedSilently(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Discord.Token = "test-token"
	cfg.Discord.UserRateLimit = time.Minute
	cfg.Discord.UserRateBurst = 1
	d, err := New(cfg)
	require.NoError(t, err)
	d.store = NewStore(&fakeQuerier{}, d.registry, slog.Default())
	session := newStubSession()
	d.discord.session = session

	var runs int
	require.NoError(
		t, d.RegisterCommand(
			&Command{
				Name:    "ping",
				Example: "ping",
				Run: func(*Context) error {
					runs++
					return nil
				},
			},
		),
	)

	dispatch(d, newTestMessage("&ping", "1001", "200", "300"))
	dispatch(d, newTestMessage("&ping", "1001", "200", "300"))
	assert.Equal(t, 1, runs)
	assert.Empty(t, session.sentMessages())

	// other users have their own limiter
	dispatch(d, newTestMessage("&ping", "1002", "200", "300"))
	assert.Equal(t, 2, runs)
}

func TestUnexpectedErrorSendsGenericReply(t *testing.T) {
	t.Parallel()
	d, session := newTestBot(t, nil)

	require.NoError(
		t, d.RegisterCommand(
			&Command{
				Name:    "boom",
				Example: "boom",
				Run: func(*Context) error {
					return errors.New("database on fire")
				},
			},
		),
	)

	dispatch(d, newTestMessage("&boom", "1001", "200", "300"))

	content := session.lastContent(t)
	assert.Contains(t, content, DefaultDiscordErrorMessage)
	assert.NotContains(t, content, "database on fire")
}

func TestRegisterCommandConflicts(t *testing.T) {
	t.Parallel()
	d, _ := newTestBot(t, nil)

	ping := &Command{
		Name:    "ping",
		Aliases: []string{"p"},
		Run:     func(*Context) error { return nil },
	}
	require.NoError(t, d.RegisterCommand(ping))

	assert.Error(t, d.RegisterCommand(&Command{Name: "ping", Run: ping.Run}))
	assert.Error(t, d.RegisterCommand(&Command{Name: "p", Run: ping.Run}))
	assert.Error(
		t, d.RegisterCommand(
			&Command{Name: "other", Aliases: []string{"p"}, Run: ping.Run},
		),
	)
	assert.Error(t, d.RegisterCommand(&Command{Name: "norun"}))
	assert.Error(t, d.RegisterCommand(&Command{Run: ping.Run}))
}

func TestHelpCommandListsEverything(t *testing.T) {
	t.Parallel()
	d, session := newTestBot(t, nil)

	dispatch(d, newTestMessage("&help", "1001", "200", "300"))

	messages := session.sentMessages()
	require.Len(t, messages, 1)
	embed := messages[0].data.Embed
	require.NotNil(t, embed)
	assert.Equal(t, "Commands", embed.Title)

	var names []string
	for _, field := range embed.Fields {
		names = append(names, field.Name)
	}
	assert.Contains(t, names, "&afk")
	assert.Contains(t, names, "&help")
	assert.Contains(t, names, "&member (memberinfo, whois)")
}

func TestRepliesSuppressMassMentions(t *testing.T) {
	t.Parallel()
	d, session := newTestBot(t, nil)

	require.NoError(
		t, d.RegisterCommand(
			&Command{
				Name:    "shout",
				Example: "shout",
				Run: func(c *Context) error {
					return c.Send("@everyone hello")
				},
			},
		),
	)

	dispatch(d, newTestMessage("&shout", "1001", "200", "300"))

	messages := session.sentMessages()
	require.Len(t, messages, 1)
	allowed := messages[0].data.AllowedMentions
	require.NotNil(t, allowed)
	assert.Equal(
		t,
		[]discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
		allowed.Parse,
	)
}

func TestMissingPermissionNames(t *testing.T) {
	t.Parallel()

	names := missingPermissionNames(
		discordgo.PermissionManageRoles|discordgo.PermissionKickMembers,
		discordgo.PermissionKickMembers,
	)
	assert.Equal(t, []string{"Manage Roles"}, names)

	names = missingPermissionNames(
		discordgo.PermissionVoiceMuteMembers|
			discordgo.PermissionVoiceDeafenMembers|
			discordgo.PermissionVoiceMoveMembers,
		0,
	)
	assert.Equal(t, []string{"Mute Members", "Deafen Members", "Move Members"}, names)

	// unnamed bits still show up, as hex
	names = missingPermissionNames(1<<40, 0)
	require.Len(t, names, 1)
	assert.Contains(t, names[0], "0x")
}
