package dozer

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	tableAFKStatus = "afk_status"

	// afkReasonMaxLength caps the stored reason so one message can't fill
	// a whole embed when it's echoed back.
	afkReasonMaxLength = 512

	defaultAFKReason = "AFK"
)

// afkStatusSchema declares per-user AFK state. The uniqueness key is the
// user: setting a new reason replaces the old one.
func afkStatusSchema() *TableSchema {
	return &TableSchema{
		Name: tableAFKStatus,
		Columns: []Column{
			{Name: columnUserID, Type: "bigint NOT NULL"},
			{Name: "reason", Type: "text NOT NULL DEFAULT ''"},
			{Name: "since", Type: "timestamptz NOT NULL DEFAULT now()"},
		},
		Uniques: []string{columnUserID},
		Migrations: []MigrationStep{
			// 1: the original shape had no timestamp
			ExecStep(
				"ALTER TABLE afk_status ADD COLUMN IF NOT EXISTS since timestamptz NOT NULL DEFAULT now()",
			),
		},
	}
}

// InfoCog carries the general-information commands and the AFK
// responder.
type InfoCog struct {
	d *Dozer
}

func registerInfoCog(d *Dozer) error {
	cog := &InfoCog{d: d}
	if err := d.registry.Register(afkStatusSchema()); err != nil {
		return err
	}
	for _, cmd := range []*Command{
		cog.afkCommand(),
		cog.memberCommand(),
		cog.guildCommand(),
	} {
		if err := d.RegisterCommand(cmd); err != nil {
			return err
		}
	}
	d.RegisterListener(cog.afkListener)
	return nil
}

func (cog *InfoCog) afkCache() *ConfigCache {
	return cog.d.Cache(tableAFKStatus)
}

// afkCommand marks the invoking user AFK with an optional reason. The
// flag clears the next time they send a message.
func (cog *InfoCog) afkCommand() *Command {
	return &Command{
		Name:    "afk",
		Help:    "Set an AFK status shown when you're mentioned, cleared on your next message",
		Example: "afk eating dinner",
		Run: func(c *Context) error {
			reason := strings.TrimSpace(strings.Join(c.Args, " "))
			if reason == "" {
				reason = defaultAFKReason
			}
			if len(c.Message.Mentions) > 0 || strings.Contains(reason, "@everyone") ||
				strings.Contains(reason, "@here") {
				return NewUserInputError("mentions aren't allowed in AFK reasons")
			}
			reason = truncate(reason, afkReasonMaxLength)

			userID, err := strconv.ParseInt(c.Message.Author.ID, 10, 64)
			if err != nil {
				return fmt.Errorf("error parsing author ID: %w", err)
			}

			err = cog.d.store.Upsert(
				c.Ctx, tableAFKStatus, Record{
					columnUserID: userID,
					"reason":     reason,
				},
			)
			if err != nil {
				return err
			}
			cog.afkCache().Invalidate(map[string]any{columnUserID: userID})

			return c.Reply("you're now AFK: %s", reason)
		},
	}
}

// afkListener announces AFK statuses for mentioned users and clears the
// author's own status on their next message.
func (cog *InfoCog) afkListener(ctx context.Context, m *discordgo.MessageCreate) {
	// The afk command itself must not immediately clear the status it
	// just set.
	if strings.HasPrefix(m.Content, cog.d.config.Discord.Prefix+"afk") {
		return
	}
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = cog.d.logger
	}
	logger = logger.With(loggerNameKey, "afk_listener")

	authorID, err := strconv.ParseInt(m.Author.ID, 10, 64)
	if err == nil {
		if cleared, clearErr := cog.clearAFK(ctx, authorID); clearErr != nil {
			logger.Error("error clearing AFK status", tint.Err(clearErr))
		} else if cleared {
			if sendErr := cog.send(
				m.ChannelID,
				fmt.Sprintf("Welcome back, %s! You're no longer AFK.", m.Author.Mention()),
			); sendErr != nil {
				logger.Error("error sending AFK reset message", tint.Err(sendErr))
			}
		}
	}

	for _, mention := range m.Mentions {
		if mention.Bot || mention.ID == m.Author.ID {
			continue
		}
		mentionID, parseErr := strconv.ParseInt(mention.ID, 10, 64)
		if parseErr != nil {
			continue
		}
		rec, found, lookupErr := cog.afkCache().QueryOne(
			ctx,
			map[string]any{columnUserID: mentionID},
		)
		if lookupErr != nil {
			logger.Error("error looking up AFK status", tint.Err(lookupErr))
			continue
		}
		if !found {
			continue
		}
		if sendErr := cog.send(
			m.ChannelID,
			fmt.Sprintf("%s is AFK: %s", mention.Username, rec.String("reason")),
		); sendErr != nil {
			logger.Error("error sending AFK notice", tint.Err(sendErr))
		}
	}
}

// clearAFK removes the user's AFK row if one exists, reporting whether
// anything was cleared.
func (cog *InfoCog) clearAFK(ctx context.Context, userID int64) (bool, error) {
	params := map[string]any{columnUserID: userID}
	_, found, err := cog.afkCache().QueryOne(ctx, params)
	if err != nil || !found {
		return false, err
	}
	deleted, err := cog.d.store.DeleteWhere(
		ctx,
		tableAFKStatus,
		[]Condition{{Column: columnUserID, Value: userID}},
	)
	if err != nil {
		return false, err
	}
	cog.afkCache().Invalidate(params)
	return deleted > 0, nil
}

func (cog *InfoCog) send(channelID string, content string) error {
	_, err := cog.d.discord.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{
			Content:         content,
			AllowedMentions: suppressedMentions,
		},
	)
	return err
}

// memberCommand shows an embed about the mentioned member, or the
// invoking member with no arguments.
func (cog *InfoCog) memberCommand() *Command {
	return &Command{
		Name:      "member",
		Aliases:   []string{"memberinfo", "whois"},
		Help:      "Shows information about a guild member",
		Example:   "member @someone",
		GuildOnly: true,
		Run: func(c *Context) error {
			targetID := c.Message.Author.ID
			if len(c.Args) > 0 {
				id, ok := parseUserArg(c.Args[0])
				if !ok {
					return NewUserInputError("couldn't parse %q as a member", c.Args[0])
				}
				targetID = id
			}

			member, err := c.Session.GuildMember(c.Message.GuildID, targetID)
			if err != nil {
				return NewUserInputError("no member found with ID %s", targetID)
			}

			name := member.User.Username
			if member.Nick != "" {
				name = fmt.Sprintf("%s (%s)", member.Nick, member.User.Username)
			}

			fields := []*discordgo.MessageEmbedField{
				{Name: "ID", Value: member.User.ID, Inline: true},
				{Name: "Roles", Value: strconv.Itoa(len(member.Roles)), Inline: true},
			}
			if !member.JoinedAt.IsZero() {
				fields = append(
					fields, &discordgo.MessageEmbedField{
						Name:   "Joined",
						Value:  member.JoinedAt.Format("2006-01-02 15:04 MST"),
						Inline: true,
					},
				)
			}
			if created, err := discordgo.SnowflakeTimestamp(member.User.ID); err == nil {
				fields = append(
					fields, &discordgo.MessageEmbedField{
						Name:   "Account created",
						Value:  created.Format("2006-01-02 15:04 MST"),
						Inline: true,
					},
				)
			}

			return c.SendEmbed(
				&discordgo.MessageEmbed{
					Title: name,
					Thumbnail: &discordgo.MessageEmbedThumbnail{
						URL: member.User.AvatarURL(""),
					},
					Fields: fields,
					Color:  embedColorBlue,
				},
			)
		},
	}
}

// guildCommand shows an embed about the current guild.
func (cog *InfoCog) guildCommand() *Command {
	return &Command{
		Name:      "guild",
		Aliases:   []string{"guildinfo", "server"},
		Help:      "Shows information about this guild",
		Example:   "guild",
		GuildOnly: true,
		Run: func(c *Context) error {
			state := c.Session.SessionState()
			guild, err := state.Guild(c.Message.GuildID)
			if err != nil {
				return fmt.Errorf("error reading guild from state: %w", err)
			}

			fields := []*discordgo.MessageEmbedField{
				{Name: "ID", Value: guild.ID, Inline: true},
				{Name: "Members", Value: strconv.Itoa(guild.MemberCount), Inline: true},
				{Name: "Channels", Value: strconv.Itoa(len(guild.Channels)), Inline: true},
				{Name: "Roles", Value: strconv.Itoa(len(guild.Roles)), Inline: true},
				{Name: "Owner", Value: fmt.Sprintf("<@%s>", guild.OwnerID), Inline: true},
			}
			if created, tsErr := discordgo.SnowflakeTimestamp(guild.ID); tsErr == nil {
				fields = append(
					fields, &discordgo.MessageEmbedField{
						Name:   "Created",
						Value:  created.Format("2006-01-02 15:04 MST"),
						Inline: true,
					},
				)
			}

			return c.SendEmbed(
				&discordgo.MessageEmbed{
					Title: guild.Name,
					Thumbnail: &discordgo.MessageEmbedThumbnail{
						URL: guild.IconURL(""),
					},
					Fields: fields,
					Color:  embedColorBlue,
				},
			)
		},
	}
}

// parseUserArg accepts a raw user ID or a mention (<@id> / <@!id>).
func parseUserArg(arg string) (string, bool) {
	arg = strings.TrimSuffix(
		strings.TrimPrefix(strings.TrimPrefix(arg, "<@!"), "<@"),
		">",
	)
	if _, err := strconv.ParseInt(arg, 10, 64); err != nil {
		return "", false
	}
	return arg, true
}
