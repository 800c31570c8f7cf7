// SPDX-License-Identifier: MIT

// Package discord implements platform.Client on top of discordgo, and
// registers gateway handlers that feed the event dispatcher.
package discord

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/voicewarden/voicewarden/internal/log"
	"github.com/voicewarden/voicewarden/internal/platform"
	"github.com/voicewarden/voicewarden/internal/resilience"
	"github.com/voicewarden/voicewarden/internal/voice/dispatch"
	"github.com/voicewarden/voicewarden/internal/voice/model"
)

const (
	renameTimeout   = 8 * time.Second
	fallbackTimeout = 5 * time.Second
	mutationTimeout = 5 * time.Second
)

// Config holds Discord client configuration.
type Config struct {
	Token   string
	GuildID string
}

// Client implements platform.Client using a live discordgo session.
type Client struct {
	cfg     Config
	session *discordgo.Session

	// breaker trips on sustained REST failures (gateway outage, rate-limit
	// storm) so a struggling platform doesn't get hammered by every queued
	// mutation at once; callers still see a returned error either way.
	breaker *resilience.CircuitBreaker
}

// New creates a Client without opening the gateway connection. Call
// Connect to open it and begin forwarding events to d.
func New(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions

	breaker := resilience.New("discord_rest", 5, 10, 30*time.Second, 15*time.Second)
	return &Client{cfg: cfg, session: session, breaker: breaker}, nil
}

// guarded runs fn through the REST circuit breaker.
func (c *Client) guarded(fn func() error) error {
	return c.breaker.Execute(fn)
}

// Connect opens the gateway connection and registers handlers that forward
// normalized events onto d.
func (c *Client) Connect(d *dispatch.Dispatcher) error {
	c.session.AddHandler(func(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
		c.onVoiceStateUpdate(d, v)
	})
	c.session.AddHandler(func(_ *discordgo.Session, u *discordgo.ChannelUpdate) {
		c.onChannelUpdate(d, u)
	})
	c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		c.onMessageCreate(d, m)
	})
	c.session.AddHandler(func(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
		c.onReaction(d, r.ChannelID, r.MessageID, r.UserID, r.Emoji.Name, true)
	})
	c.session.AddHandler(func(_ *discordgo.Session, r *discordgo.MessageReactionRemove) {
		c.onReaction(d, r.ChannelID, r.MessageID, r.UserID, r.Emoji.Name, false)
	})

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}
	log.WithComponent("platform-discord").Info().Msg("connected to gateway")
	return nil
}

// Close closes the gateway connection.
func (c *Client) Close() error {
	return c.session.Close()
}

func (c *Client) onVoiceStateUpdate(d *dispatch.Dispatcher, v *discordgo.VoiceStateUpdate) {
	member := v.Member
	isBot := member != nil && member.User != nil && member.User.Bot

	var from model.ChannelRef
	if v.BeforeUpdate != nil && v.BeforeUpdate.ChannelID != "" {
		from = model.ChannelRef{ID: v.BeforeUpdate.ChannelID}
	}
	var to model.ChannelRef
	if v.ChannelID != "" {
		to = model.ChannelRef{ID: v.ChannelID}
	}

	d.Enqueue(dispatch.FamilyVoiceState, platform.VoiceTransitionEvent{
		Transition: model.VoiceTransition{
			UserID:  v.UserID,
			GuildID: v.GuildID,
			From:    from,
			To:      to,
			At:      time.Now(),
		},
		IsBot: isBot,
	})
}

func (c *Client) onChannelUpdate(d *dispatch.Dispatcher, u *discordgo.ChannelUpdate) {
	after := platform.Channel{ID: u.ID, GuildID: u.GuildID, Name: u.Name, Position: u.Position}
	d.Enqueue(dispatch.FamilyChannelUpdate, platform.ChannelUpdateEvent{
		After: after,
		At:    time.Now(),
	})
}

func (c *Client) onMessageCreate(d *dispatch.Dispatcher, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	d.Enqueue(dispatch.FamilyMessage, platform.MessageEvent{
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		AuthorID:  m.Author.ID,
		Content:   m.Content,
		At:        time.Now(),
	})
}

func (c *Client) onReaction(d *dispatch.Dispatcher, channelID, messageID, userID, emoji string, added bool) {
	d.Enqueue(dispatch.FamilyReaction, platform.ReactionEvent{
		ChannelID: channelID,
		MessageID: messageID,
		UserID:    userID,
		Emoji:     emoji,
		Added:     added,
		At:        time.Now(),
	})
}

// ---------- platform.Client ----------

func (c *Client) CreateChannel(ctx context.Context, guildID string, spec platform.ChannelSpec) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, mutationTimeout)
	defer cancel()

	data := discordgo.GuildChannelCreateData{
		Name:      spec.Name,
		Type:      discordgo.ChannelTypeGuildVoice,
		Position:  spec.Position,
		ParentID:  spec.ParentID,
		UserLimit: spec.UserLimit,
	}
	for _, ow := range spec.Overwrites {
		data.PermissionOverwrites = append(data.PermissionOverwrites, &discordgo.PermissionOverwrite{
			ID:    ow.ID,
			Type:  overwriteType(ow.Type),
			Allow: ow.Allow,
			Deny:  ow.Deny,
		})
	}

	var channelID string
	err := c.guarded(func() error {
		ch, err := c.session.GuildChannelCreateComplex(guildID, data, discordgo.WithContext(ctx))
		if err != nil {
			return err
		}
		channelID = ch.ID
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("discord: create channel: %w", err)
	}
	return channelID, nil
}

func (c *Client) DeleteChannel(ctx context.Context, channelID string) error {
	ctx, cancel := context.WithTimeout(ctx, mutationTimeout)
	defer cancel()
	return c.guarded(func() error {
		_, err := c.session.ChannelDelete(channelID, discordgo.WithContext(ctx))
		return err
	})
}

func (c *Client) SetChannelName(ctx context.Context, channelID, name string) error {
	ctx, cancel := context.WithTimeout(ctx, renameTimeout)
	defer cancel()
	err := c.guarded(func() error {
		_, err := c.session.ChannelEdit(channelID, &discordgo.ChannelEdit{Name: name}, discordgo.WithContext(ctx))
		return err
	})
	if err != nil {
		// fallback: retry with a tighter deadline once, matching SPEC_FULL's
		// "rename 8s hard, 5s fallback" timeout pair.
		ctx2, cancel2 := context.WithTimeout(context.Background(), fallbackTimeout)
		defer cancel2()
		err = c.guarded(func() error {
			_, err := c.session.ChannelEdit(channelID, &discordgo.ChannelEdit{Name: name}, discordgo.WithContext(ctx2))
			return err
		})
	}
	return err
}

func (c *Client) SetChannelPosition(ctx context.Context, channelID string, position int) error {
	ctx, cancel := context.WithTimeout(ctx, mutationTimeout)
	defer cancel()
	return c.guarded(func() error {
		_, err := c.session.ChannelEdit(channelID, &discordgo.ChannelEdit{Position: &position}, discordgo.WithContext(ctx))
		return err
	})
}

func (c *Client) SetUserLimit(ctx context.Context, channelID string, limit int) error {
	ctx, cancel := context.WithTimeout(ctx, mutationTimeout)
	defer cancel()
	return c.guarded(func() error {
		_, err := c.session.ChannelEdit(channelID, &discordgo.ChannelEdit{UserLimit: limit}, discordgo.WithContext(ctx))
		return err
	})
}

func (c *Client) EditPermissionOverwrite(ctx context.Context, channelID string, ow platform.PermissionOverwrite) error {
	ctx, cancel := context.WithTimeout(ctx, mutationTimeout)
	defer cancel()
	return c.guarded(func() error {
		return c.session.ChannelPermissionSet(channelID, ow.ID, overwriteType(ow.Type), ow.Allow, ow.Deny, discordgo.WithContext(ctx))
	})
}

func (c *Client) DeletePermissionOverwrite(ctx context.Context, channelID, targetID string) error {
	ctx, cancel := context.WithTimeout(ctx, mutationTimeout)
	defer cancel()
	return c.guarded(func() error {
		return c.session.ChannelPermissionDelete(channelID, targetID, discordgo.WithContext(ctx))
	})
}

func (c *Client) ChannelOverwrites(ctx context.Context, channelID string) ([]platform.PermissionOverwrite, error) {
	ch, err := c.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	out := make([]platform.PermissionOverwrite, 0, len(ch.PermissionOverwrites))
	for _, ow := range ch.PermissionOverwrites {
		out = append(out, platform.PermissionOverwrite{
			ID:    ow.ID,
			Type:  overwriteTypeName(ow.Type),
			Allow: ow.Allow,
			Deny:  ow.Deny,
		})
	}
	return out, nil
}

func (c *Client) MoveMember(ctx context.Context, guildID, userID, channelID string) error {
	ctx, cancel := context.WithTimeout(ctx, mutationTimeout)
	defer cancel()
	return c.guarded(func() error {
		return c.session.GuildMemberMove(guildID, userID, &channelID, discordgo.WithContext(ctx))
	})
}

func (c *Client) DisconnectMember(ctx context.Context, guildID, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, mutationTimeout)
	defer cancel()
	return c.guarded(func() error {
		return c.session.GuildMemberMove(guildID, userID, nil, discordgo.WithContext(ctx))
	})
}

func (c *Client) SetMute(ctx context.Context, guildID, userID string, muted bool) error {
	ctx, cancel := context.WithTimeout(ctx, mutationTimeout)
	defer cancel()
	return c.guarded(func() error {
		return c.session.GuildMemberMute(guildID, userID, muted, discordgo.WithContext(ctx))
	})
}

func (c *Client) SetDeafen(ctx context.Context, guildID, userID string, deafened bool) error {
	ctx, cancel := context.WithTimeout(ctx, mutationTimeout)
	defer cancel()
	return c.guarded(func() error {
		return c.session.GuildMemberDeafen(guildID, userID, deafened, discordgo.WithContext(ctx))
	})
}

func (c *Client) SetNickname(ctx context.Context, guildID, userID, nickname string) error {
	ctx, cancel := context.WithTimeout(ctx, mutationTimeout)
	defer cancel()
	return c.guarded(func() error {
		return c.session.GuildMemberNickname(guildID, userID, nickname, discordgo.WithContext(ctx))
	})
}

func (c *Client) SendMessage(ctx context.Context, channelID string, embed platform.Embed) error {
	ctx, cancel := context.WithTimeout(ctx, mutationTimeout)
	defer cancel()

	fields := make([]*discordgo.MessageEmbedField, 0, len(embed.Fields))
	for name, value := range embed.Fields {
		fields = append(fields, &discordgo.MessageEmbedField{Name: name, Value: value})
	}

	return c.guarded(func() error {
		_, err := c.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
			Embed: &discordgo.MessageEmbed{
				Title:       embed.Title,
				Description: embed.Description,
				Fields:      fields,
			},
		}, discordgo.WithContext(ctx))
		return err
	})
}

func (c *Client) ChannelMembers(ctx context.Context, channelID string) ([]platform.Member, error) {
	guild, err := c.session.State.Guild(c.cfg.GuildID)
	if err != nil {
		return nil, fmt.Errorf("discord: guild state: %w", err)
	}

	var members []platform.Member
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID != channelID {
			continue
		}
		member, err := c.session.GuildMember(c.cfg.GuildID, vs.UserID, discordgo.WithContext(ctx))
		if err != nil {
			continue
		}
		members = append(members, platform.Member{
			UserID:      member.User.ID,
			DisplayName: displayName(member),
			IsBot:       member.User.Bot,
		})
	}
	return members, nil
}

func (c *Client) HasAdministrator(ctx context.Context, guildID, userID string) (bool, error) {
	member, err := c.session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return false, err
	}
	guild, err := c.session.State.Guild(guildID)
	if err != nil {
		return false, err
	}
	roleByID := make(map[string]*discordgo.Role, len(guild.Roles))
	for _, r := range guild.Roles {
		roleByID[r.ID] = r
	}
	for _, roleID := range member.Roles {
		if role, ok := roleByID[roleID]; ok && role.Permissions&discordgo.PermissionAdministrator != 0 {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) FetchAuditLogExecutor(ctx context.Context, guildID, targetID, actionType string) (string, bool, error) {
	actionTypeInt := auditActionType(actionType)
	log, err := c.session.GuildAuditLog(guildID, "", "", int(actionTypeInt), 10)
	if err != nil {
		return "", false, fmt.Errorf("discord: audit log: %w", err)
	}
	for _, entry := range log.AuditLogEntries {
		if entry.TargetID == targetID {
			return entry.UserID, true, nil
		}
	}
	return "", false, nil
}

func (c *Client) ChannelByID(ctx context.Context, channelID string) (platform.Channel, bool, error) {
	ch, err := c.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		if restErr, ok := err.(*discordgo.RESTError); ok && restErr.Response != nil && restErr.Response.StatusCode == 404 {
			return platform.Channel{}, false, nil
		}
		return platform.Channel{}, false, err
	}

	members, _ := c.ChannelMembers(ctx, channelID)
	return platform.Channel{
		ID:       ch.ID,
		GuildID:  ch.GuildID,
		Name:     ch.Name,
		Position: ch.Position,
		ParentID: ch.ParentID,
		Members:  members,
	}, true, nil
}

const voiceChannelType = 2 // discordgo.ChannelTypeGuildVoice

// GuildVoiceChannels lists every voice channel in the guild.
func (c *Client) GuildVoiceChannels(ctx context.Context, guildID string) ([]platform.Channel, error) {
	channels, err := c.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	out := make([]platform.Channel, 0, len(channels))
	for _, ch := range channels {
		if int(ch.Type) != voiceChannelType {
			continue
		}
		members, _ := c.ChannelMembers(ctx, ch.ID)
		out = append(out, platform.Channel{
			ID: ch.ID, GuildID: ch.GuildID, Name: ch.Name,
			Position: ch.Position, ParentID: ch.ParentID, Members: members,
		})
	}
	return out, nil
}

func displayName(m *discordgo.Member) string {
	if m.Nick != "" {
		return m.Nick
	}
	return m.User.Username
}

func overwriteType(t string) discordgo.PermissionOverwriteType {
	if t == "member" {
		return discordgo.PermissionOverwriteTypeMember
	}
	return discordgo.PermissionOverwriteTypeRole
}

func overwriteTypeName(t discordgo.PermissionOverwriteType) string {
	if t == discordgo.PermissionOverwriteTypeMember {
		return "member"
	}
	return "role"
}

func auditActionType(actionType string) discordgo.AuditLogAction {
	switch actionType {
	case "channel_update":
		return discordgo.AuditLogActionChannelUpdate
	default:
		return discordgo.AuditLogActionChannelUpdate
	}
}
