package dozer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const tableVoicebinds = "voicebinds"

// voicebindsSchema maps voice channels to roles granted while a member
// is connected. The surrogate key allows several binds per channel.
func voicebindsSchema() *TableSchema {
	return &TableSchema{
		Name: tableVoicebinds,
		Columns: []Column{
			{Name: "id", Type: "bigint GENERATED BY DEFAULT AS IDENTITY"},
			{Name: columnGuildID, Type: "bigint NOT NULL"},
			{Name: columnChannelID, Type: "bigint NOT NULL"},
			{Name: columnRoleID, Type: "bigint NOT NULL"},
		},
		Uniques: []string{"id"},
	}
}

// VoiceCog binds voice-channel membership to roles: members get the
// bound role when they join the channel and lose it when they leave.
type VoiceCog struct {
	d *Dozer
}

func registerVoiceCog(d *Dozer) error {
	cog := &VoiceCog{d: d}
	if err := d.registry.Register(voicebindsSchema()); err != nil {
		return err
	}
	for _, cmd := range []*Command{
		cog.voicebindCommand(),
		cog.voiceunbindCommand(),
		cog.voicebindlistCommand(),
	} {
		if err := d.RegisterCommand(cmd); err != nil {
			return err
		}
	}
	d.RegisterGatewayHandler(cog.handlerVoiceStateUpdate())
	return nil
}

func (cog *VoiceCog) cache() *ConfigCache {
	return cog.d.Cache(tableVoicebinds)
}

func (cog *VoiceCog) invalidate(guildID int64, channelID int64) {
	cog.cache().Invalidate(map[string]any{columnChannelID: channelID})
	cog.cache().Invalidate(map[string]any{columnGuildID: guildID})
}

// channelBinds returns the binds for one voice channel, through the
// cache.
func (cog *VoiceCog) channelBinds(ctx context.Context, channelID int64) ([]Record, error) {
	return cog.cache().QueryAll(ctx, map[string]any{columnChannelID: channelID})
}

func (cog *VoiceCog) voicebindCommand() *Command {
	return &Command{
		Name:                "voicebind",
		Help:                "Grants a role to members while they're in the given voice channel",
		Example:             "voicebind General \"Voice Chatter\"",
		GuildOnly:           true,
		RequiredPermissions: discordgo.PermissionManageRoles,
		BotPermissions:      discordgo.PermissionManageRoles,
		Run: func(c *Context) error {
			if len(c.Args) < 2 {
				return NewUserInputError("expected a voice channel and a role")
			}
			channel, err := parseChannelArg(c, c.Args[0])
			if err != nil {
				return err
			}
			role, err := parseRoleArg(c, strings.Join(c.Args[1:], " "))
			if err != nil {
				return err
			}

			guildID, channelID, roleID, err := bindIDs(c.Message.GuildID, channel.ID, role.ID)
			if err != nil {
				return err
			}

			existing, err := cog.channelBinds(c.Ctx, channelID)
			if err != nil {
				return err
			}
			rec := Record{
				columnGuildID:   guildID,
				columnChannelID: channelID,
				columnRoleID:    roleID,
			}
			verb := "bound"
			if len(existing) > 0 {
				// Replace the channel's bind rather than stacking roles.
				rec["id"] = existing[0].Int64("id")
				verb = "rebound"
			}
			if err = cog.d.store.Upsert(c.Ctx, tableVoicebinds, rec); err != nil {
				return err
			}
			cog.invalidate(guildID, channelID)

			return c.Reply("%s **%s** to role **%s**", verb, channel.Name, role.Name)
		},
	}
}

func (cog *VoiceCog) voiceunbindCommand() *Command {
	return &Command{
		Name:                "voiceunbind",
		Help:                "Removes the role binding from a voice channel",
		Example:             "voiceunbind General",
		GuildOnly:           true,
		RequiredPermissions: discordgo.PermissionManageRoles,
		Run: func(c *Context) error {
			if len(c.Args) < 1 {
				return NewUserInputError("expected a voice channel")
			}
			channel, err := parseChannelArg(c, c.Args[0])
			if err != nil {
				return err
			}
			guildID, channelID, _, err := bindIDs(c.Message.GuildID, channel.ID, "0")
			if err != nil {
				return err
			}

			deleted, err := cog.d.store.DeleteWhere(
				c.Ctx, tableVoicebinds, []Condition{
					{Column: columnGuildID, Value: guildID},
					{Column: columnChannelID, Value: channelID},
				},
			)
			if err != nil {
				return err
			}
			cog.invalidate(guildID, channelID)

			if deleted == 0 {
				return NewUserInputError("no binding exists for **%s**", channel.Name)
			}
			return c.Reply("removed binding from **%s**", channel.Name)
		},
	}
}

func (cog *VoiceCog) voicebindlistCommand() *Command {
	return &Command{
		Name:      "voicebindlist",
		Help:      "Lists every voice channel role binding in this guild",
		Example:   "voicebindlist",
		GuildOnly: true,
		Run: func(c *Context) error {
			guildID, err := strconv.ParseInt(c.Message.GuildID, 10, 64)
			if err != nil {
				return fmt.Errorf("error parsing guild ID: %w", err)
			}
			binds, err := cog.cache().QueryAll(
				c.Ctx,
				map[string]any{columnGuildID: guildID},
			)
			if err != nil {
				return err
			}
			if len(binds) == 0 {
				return c.Reply("no voice channel bindings in this guild")
			}

			lines := make([]string, 0, len(binds))
			for _, bind := range binds {
				lines = append(
					lines, fmt.Sprintf(
						"<#%d> → <@&%d>",
						bind.Int64(columnChannelID),
						bind.Int64(columnRoleID),
					),
				)
			}
			return c.SendEmbed(
				&discordgo.MessageEmbed{
					Title:       "Voice channel bindings",
					Description: strings.Join(lines, "\n"),
					Color:       embedColorBlue,
				},
			)
		},
	}
}

// handlerVoiceStateUpdate grants and revokes bound roles as members move
// between voice channels.
func (cog *VoiceCog) handlerVoiceStateUpdate() func(
	s *discordgo.Session,
	v *discordgo.VoiceStateUpdate,
) {
	return func(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
		var before string
		if v.BeforeUpdate != nil {
			before = v.BeforeUpdate.ChannelID
		}
		if before == v.ChannelID {
			return
		}
		ctx := context.Background()
		logger := cog.d.logger.With(
			loggerNameKey, "voice",
			columnUserID, v.UserID,
			columnGuildID, v.GuildID,
		)

		if before != "" {
			cog.applyBinds(ctx, logger, v.GuildID, v.UserID, before, false)
		}
		if v.ChannelID != "" {
			cog.applyBinds(ctx, logger, v.GuildID, v.UserID, v.ChannelID, true)
		}
	}
}

func (cog *VoiceCog) applyBinds(
	ctx context.Context,
	logger *slog.Logger,
	guildID string,
	userID string,
	channelID string,
	grant bool,
) {
	id, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return
	}
	binds, err := cog.channelBinds(ctx, id)
	if err != nil {
		logger.Error("error loading voice binds", tint.Err(err))
		return
	}
	for _, bind := range binds {
		roleID := strconv.FormatInt(bind.Int64(columnRoleID), 10)
		if grant {
			err = cog.d.discord.session.GuildMemberRoleAdd(guildID, userID, roleID)
		} else {
			err = cog.d.discord.session.GuildMemberRoleRemove(guildID, userID, roleID)
		}
		if err != nil {
			logger.Error(
				"error updating bound role",
				columnRoleID, roleID,
				"grant", grant,
				tint.Err(err),
			)
		}
	}
}

func bindIDs(guild string, channel string, role string) (int64, int64, int64, error) {
	guildID, err := strconv.ParseInt(guild, 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("error parsing guild ID: %w", err)
	}
	channelID, err := strconv.ParseInt(channel, 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("error parsing channel ID: %w", err)
	}
	roleID, err := strconv.ParseInt(role, 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("error parsing role ID: %w", err)
	}
	return guildID, channelID, roleID, nil
}

// parseChannelArg resolves a voice channel from a mention (<#id>), a raw
// ID, or a name match against the guild's voice channels.
func parseChannelArg(c *Context, arg string) (*discordgo.Channel, error) {
	state := c.Session.SessionState()

	id := strings.TrimSuffix(strings.TrimPrefix(arg, "<#"), ">")
	if _, err := strconv.ParseInt(id, 10, 64); err == nil {
		channel, err := state.Channel(id)
		if err == nil && channel.GuildID == c.Message.GuildID {
			return channel, nil
		}
	}

	guild, err := state.Guild(c.Message.GuildID)
	if err != nil {
		return nil, fmt.Errorf("error reading guild from state: %w", err)
	}
	for _, channel := range guild.Channels {
		if channel.Type == discordgo.ChannelTypeGuildVoice &&
			strings.EqualFold(channel.Name, arg) {
			return channel, nil
		}
	}
	return nil, NewUserInputError("no voice channel found matching %q", arg)
}

// parseRoleArg resolves a role from a mention (<@&id>), a raw ID, or a
// name match. Quotes around multi-word names are stripped.
func parseRoleArg(c *Context, arg string) (*discordgo.Role, error) {
	state := c.Session.SessionState()
	arg = strings.Trim(arg, `"`)

	id := strings.TrimSuffix(strings.TrimPrefix(arg, "<@&"), ">")
	if _, err := strconv.ParseInt(id, 10, 64); err == nil {
		role, err := state.Role(c.Message.GuildID, id)
		if err == nil {
			return role, nil
		}
	}

	guild, err := state.Guild(c.Message.GuildID)
	if err != nil {
		return nil, fmt.Errorf("error reading guild from state: %w", err)
	}
	for _, role := range guild.Roles {
		if strings.EqualFold(role.Name, arg) {
			return role, nil
		}
	}
	return nil, NewUserInputError("no role found matching %q", arg)
}
