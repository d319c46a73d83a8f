package dozer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Command is one prefix-invoked bot command.
type Command struct {
	Name    string
	Aliases []string

	// Help is the one-line description shown by the help command.
	Help string

	// Example shows a full invocation, without the prefix.
	Example string

	// GuildOnly commands are rejected in DMs.
	GuildOnly bool

	// RequiredPermissions the invoking member must hold in the channel.
	RequiredPermissions int64

	// BotPermissions the bot itself must hold in the channel.
	BotPermissions int64

	// Cooldown is the minimum interval between invocations in the same
	// channel. Zero disables it.
	Cooldown time.Duration

	Run func(c *Context) error
}

// Context carries everything a command handler needs for one invocation.
type Context struct {
	Ctx     context.Context
	Bot     *Dozer
	Session DiscordSessionHandler
	Message *discordgo.MessageCreate
	Command *Command
	Args    []string
	Logger  *slog.Logger
}

// suppressedMentions blocks @everyone/@here and role pings in everything
// the bot sends. User mentions stay live so replies can address people.
var suppressedMentions = &discordgo.MessageAllowedMentions{
	Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
}

// Send sends a plain message to the invoking channel with mass mentions
// suppressed.
func (c *Context) Send(content string) error {
	_, err := c.Session.ChannelMessageSendComplex(
		c.Message.ChannelID,
		&discordgo.MessageSend{
			Content:         truncate(content, discordMaxMessageLength),
			AllowedMentions: suppressedMentions,
		},
	)
	return err
}

// SendEmbed sends an embed to the invoking channel.
func (c *Context) SendEmbed(embed *discordgo.MessageEmbed) error {
	_, err := c.Session.ChannelMessageSendComplex(
		c.Message.ChannelID,
		&discordgo.MessageSend{
			Embed:           embed,
			AllowedMentions: suppressedMentions,
		},
	)
	return err
}

// Reply sends a message addressed to the invoking user.
func (c *Context) Reply(format string, args ...any) error {
	return c.Send(fmt.Sprintf(
		"%s, %s",
		c.Message.Author.Mention(),
		fmt.Sprintf(format, args...),
	))
}

// UserInputError indicates the invoking user gave arguments the command
// can't act on. The message is shown to them verbatim.
type UserInputError struct {
	Message string
}

func (e *UserInputError) Error() string {
	return e.Message
}

// NewUserInputError builds a UserInputError from a format string.
func NewUserInputError(format string, args ...any) *UserInputError {
	return &UserInputError{Message: fmt.Sprintf(format, args...)}
}

// MissingPermissionsError indicates the member (or the bot itself, when
// Bot is set) lacks channel permissions the command requires.
type MissingPermissionsError struct {
	Bot         bool
	Permissions []string
}

func (e *MissingPermissionsError) Error() string {
	if e.Bot {
		return fmt.Sprintf(
			"bot missing permissions: %s",
			prettyConcat(e.Permissions),
		)
	}
	return fmt.Sprintf(
		"member missing permissions: %s",
		prettyConcat(e.Permissions),
	)
}

// CooldownError indicates the command was invoked again in the same
// channel before its cooldown elapsed.
type CooldownError struct {
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("command on cooldown, retry in %s", e.RetryAfter.Round(time.Second))
}

// InvalidContextError indicates the invocation isn't eligible to run at
// all (wrong channel kind, rate-limited author). It produces no reply,
// only a log line.
type InvalidContextError struct {
	Reason string
}

func (e *InvalidContextError) Error() string {
	return e.Reason
}

// ErrGuildOnly rejects guild-only commands invoked from a DM.
var ErrGuildOnly = errors.New("this command cannot be used in DMs")

// permissionNames maps the permission bits commands declare to the names
// shown in error replies.
var permissionNames = []struct {
	bit  int64
	name string
}{
	{discordgo.PermissionAdministrator, "Administrator"},
	{discordgo.PermissionManageServer, "Manage Server"},
	{discordgo.PermissionManageChannels, "Manage Channels"},
	{discordgo.PermissionManageRoles, "Manage Roles"},
	{discordgo.PermissionManageMessages, "Manage Messages"},
	{discordgo.PermissionKickMembers, "Kick Members"},
	{discordgo.PermissionBanMembers, "Ban Members"},
	{discordgo.PermissionSendMessages, "Send Messages"},
	{discordgo.PermissionEmbedLinks, "Embed Links"},
	{discordgo.PermissionVoiceMuteMembers, "Mute Members"},
	{discordgo.PermissionVoiceDeafenMembers, "Deafen Members"},
	{discordgo.PermissionVoiceMoveMembers, "Move Members"},
}

func missingPermissionNames(required int64, held int64) []string {
	var missing []string
	for _, p := range permissionNames {
		if required&p.bit != 0 && held&p.bit == 0 {
			missing = append(missing, p.name)
		}
	}
	if len(missing) == 0 && required&^held != 0 {
		missing = append(missing, fmt.Sprintf("0x%x", required&^held))
	}
	return missing
}

// RegisterCommand adds a command to the dispatcher. Command and alias
// names must be unique. Commands are registered during startup, before
// the gateway connection opens.
func (d *Dozer) RegisterCommand(cmd *Command) error {
	if cmd.Name == "" || cmd.Run == nil {
		return fmt.Errorf("command requires a name and a handler")
	}
	if _, ok := d.commands[cmd.Name]; ok {
		return fmt.Errorf("command %q already registered", cmd.Name)
	}
	if _, ok := d.aliases[cmd.Name]; ok {
		return fmt.Errorf("command name %q already registered as an alias", cmd.Name)
	}
	for _, alias := range cmd.Aliases {
		if _, ok := d.commands[alias]; ok {
			return fmt.Errorf("alias %q already registered as a command", alias)
		}
		if _, ok := d.aliases[alias]; ok {
			return fmt.Errorf("alias %q already registered", alias)
		}
	}
	d.commands[cmd.Name] = cmd
	for _, alias := range cmd.Aliases {
		d.aliases[alias] = cmd.Name
	}
	return nil
}

// Commands returns every registered command, sorted by name.
func (d *Dozer) Commands() []*Command {
	out := make([]*Command, 0, len(d.commands))
	for _, cmd := range d.commands {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// lookupCommand resolves a name or alias to its command.
func (d *Dozer) lookupCommand(name string) (*Command, bool) {
	if cmd, ok := d.commands[name]; ok {
		return cmd, true
	}
	if canonical, ok := d.aliases[name]; ok {
		return d.commands[canonical], true
	}
	return nil, false
}

// handlerMessageCreate returns the gateway handler feeding both the
// message listeners (AFK responder and friends) and the command
// dispatcher.
func (d *Dozer) handlerMessageCreate() func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		d.metricMessages.Add(1)

		// Listeners only receive the context, so the per-message logger
		// travels with it.
		ctx := WithLogger(context.Background(), d.logger.With(
			columnUserID, m.Author.ID,
			columnChannelID, m.ChannelID,
		))
		for _, listener := range d.listeners {
			listener(ctx, m)
		}

		if !strings.HasPrefix(m.Content, d.config.Discord.Prefix) {
			return
		}
		fields := strings.Fields(strings.TrimPrefix(m.Content, d.config.Discord.Prefix))
		if len(fields) == 0 {
			return
		}

		cmd, ok := d.lookupCommand(fields[0])
		if !ok {
			// Unknown commands are intentionally silent: users share
			// channels with other bots using the same prefix.
			d.logger.Debug(
				"unknown command",
				"command", fields[0],
				columnUserID, m.Author.ID,
			)
			return
		}

		c := &Context{
			Ctx:     ctx,
			Bot:     d,
			Session: d.discord.session,
			Message: m,
			Command: cmd,
			Args:    fields[1:],
			Logger: d.logger.With(
				"command", cmd.Name,
				columnUserID, m.Author.ID,
				columnChannelID, m.ChannelID,
			),
		}
		d.runCommand(c)
	}
}

// runCommand applies the global checks, invokes the handler, and turns
// any error into the user-facing response its type calls for.
func (d *Dozer) runCommand(c *Context) {
	d.metricCommands.Add(1)

	err := d.checkCommand(c)
	if err == nil {
		err = c.Command.Run(c)
	}
	if err == nil {
		return
	}

	d.metricCommandErrors.Add(1)

	var inputErr *UserInputError
	var permErr *MissingPermissionsError
	var cooldownErr *CooldownError
	var silentErr *InvalidContextError

	switch {
	case errors.As(err, &inputErr):
		d.commandReply(c, "%s\nUsage: `%s%s`", inputErr.Message, d.config.Discord.Prefix, c.Command.Example)
	case errors.Is(err, ErrGuildOnly):
		d.commandReply(c, "%s", ErrGuildOnly.Error())
	case errors.As(err, &permErr):
		if permErr.Bot {
			d.commandReply(
				c,
				"I need the following permissions to do that: **%s**",
				prettyConcat(permErr.Permissions),
			)
		} else {
			d.commandReply(
				c,
				"you need the following permissions to do that: **%s**",
				prettyConcat(permErr.Permissions),
			)
		}
	case errors.As(err, &cooldownErr):
		d.commandReply(
			c,
			"slow down! Try again in %s.",
			cooldownErr.RetryAfter.Round(time.Second),
		)
	case errors.As(err, &silentErr):
		c.Logger.Debug("command skipped", "reason", silentErr.Reason)
	default:
		c.Logger.Error("command failed", tint.Err(err))
		d.commandReply(c, "%s", DefaultDiscordErrorMessage)
	}
}

func (d *Dozer) commandReply(c *Context, format string, args ...any) {
	if sendErr := c.Reply(format, args...); sendErr != nil {
		c.Logger.Error("unable to send command response", tint.Err(sendErr))
	}
}

// checkCommand runs the global pre-invocation checks: per-user rate
// limit, DM restrictions, channel permissions for both sides, and the
// per-channel cooldown.
func (d *Dozer) checkCommand(c *Context) error {
	if !d.userLimiter(c.Message.Author.ID).Allow() {
		return &InvalidContextError{
			Reason: fmt.Sprintf("user %s is rate limited", c.Message.Author.ID),
		}
	}

	inGuild := c.Message.GuildID != ""
	if c.Command.GuildOnly && !inGuild {
		return ErrGuildOnly
	}

	if inGuild && c.Command.RequiredPermissions != 0 {
		held, err := c.Session.UserChannelPermissions(
			c.Message.Author.ID,
			c.Message.ChannelID,
		)
		if err != nil {
			return fmt.Errorf("error checking member permissions: %w", err)
		}
		if held&c.Command.RequiredPermissions != c.Command.RequiredPermissions &&
			held&discordgo.PermissionAdministrator == 0 {
			return &MissingPermissionsError{
				Permissions: missingPermissionNames(c.Command.RequiredPermissions, held),
			}
		}
	}

	if inGuild && c.Command.BotPermissions != 0 {
		state := c.Session.SessionState()
		if state != nil && state.User != nil {
			held, err := c.Session.UserChannelPermissions(
				state.User.ID,
				c.Message.ChannelID,
			)
			if err != nil {
				return fmt.Errorf("error checking bot permissions: %w", err)
			}
			if held&c.Command.BotPermissions != c.Command.BotPermissions {
				return &MissingPermissionsError{
					Bot:         true,
					Permissions: missingPermissionNames(c.Command.BotPermissions, held),
				}
			}
		}
	}

	if c.Command.Cooldown > 0 {
		if retryAfter, limited := d.checkCooldown(c.Command, c.Message.ChannelID); limited {
			return &CooldownError{RetryAfter: retryAfter}
		}
	}
	return nil
}

// checkCooldown records an invocation for the command/channel pair and
// reports whether the previous one was too recent.
func (d *Dozer) checkCooldown(cmd *Command, channelID string) (time.Duration, bool) {
	key := cmd.Name + recordSeparator + channelID

	d.cooldownMu.Lock()
	defer d.cooldownMu.Unlock()

	now := time.Now()
	if last, ok := d.cooldowns[key]; ok {
		if elapsed := now.Sub(last); elapsed < cmd.Cooldown {
			return cmd.Cooldown - elapsed, true
		}
	}
	d.cooldowns[key] = now
	return 0, false
}

// helpCommand lists every registered command with its one-line help.
func (d *Dozer) helpCommand() *Command {
	return &Command{
		Name:    "help",
		Help:    "Lists every command",
		Example: "help",
		Run: func(c *Context) error {
			fields := make([]*discordgo.MessageEmbedField, 0, len(d.commands))
			for _, cmd := range d.Commands() {
				name := cmd.Name
				if len(cmd.Aliases) > 0 {
					name = fmt.Sprintf("%s (%s)", cmd.Name, strings.Join(cmd.Aliases, ", "))
				}
				help := cmd.Help
				if help == "" {
					help = "*no description*"
				}
				fields = append(
					fields, &discordgo.MessageEmbedField{
						Name:  d.config.Discord.Prefix + name,
						Value: help,
					},
				)
			}
			return c.SendEmbed(
				&discordgo.MessageEmbed{
					Title:  "Commands",
					Fields: fields,
					Color:  embedColorBlue,
				},
			)
		},
	}
}
