package handlers

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"
	db "github.com/cufee/botto-gatekeeper/database"
	"github.com/cufee/botto-gatekeeper/verification"
	"github.com/sirupsen/logrus"
)

const eventTimeout = 15 * time.Second

// SettingsStore - Guild settings persistence used by events and commands
type SettingsStore interface {
	GetGuildSettings(ctx context.Context, gid string) (db.GuildSettings, error)
	UpdateGuildSettings(ctx context.Context, gs db.GuildSettings) error
}

// Verifier - The part of verification.Manager used by handlers
type Verifier interface {
	StartVerification(ctx context.Context, guildID, userID string) error
	Configure(ctx context.Context, timeoutSeconds int, tempRoleID, verifiedRoleID string) error
	Config() verification.Config
	Pending() []verification.Pending
	IsPending(key verification.Key) bool
	Resolve(ctx context.Context, key verification.Key) bool
}

// userLookup - Resolve a guild user when the gateway event carries no member
type userLookup func(ctx context.Context, guildID, userID string) (*discordgo.User, error)

// Events - Gateway event handlers
type Events struct {
	Settings SettingsStore
	Verifier Verifier
	Log      logrus.FieldLogger
}

// Ready - Log the session identity once connected
func (ev *Events) Ready(s *discordgo.Session, e *discordgo.Ready) {
	ev.Log.WithFields(logrus.Fields{
		"user":   e.User.Username,
		"guilds": len(e.Guilds),
	}).Info("connected to Discord")
}

// GuildDelete - Handle kicked from guild event
func (ev *Events) GuildDelete(s *discordgo.Session, e *discordgo.GuildDelete) {
	// Unavailable guilds come back on their own
	if e.Unavailable {
		return
	}
	ev.Log.WithField("guild_id", e.ID).Warn("removed from guild")
}

// ReactionAdd - Start verification when a member reacts on the guild's rules message
func (ev *Events) ReactionAdd(s *discordgo.Session, e *discordgo.MessageReactionAdd) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	ev.handleReaction(ctx, s.State.User.ID, e, sessionUsers(s))
}

// sessionUsers - Look a user up in the state cache first, then over REST
func sessionUsers(s *discordgo.Session) userLookup {
	return func(ctx context.Context, guildID, userID string) (*discordgo.User, error) {
		if m, err := s.State.Member(guildID, userID); err == nil && m.User != nil {
			return m.User, nil
		}
		return s.User(userID, discordgo.WithContext(ctx))
	}
}

func (ev *Events) handleReaction(ctx context.Context, botID string, e *discordgo.MessageReactionAdd, users userLookup) {
	// Ignore self, bots and DMs
	if e.GuildID == "" || e.UserID == botID {
		return
	}
	if e.Member != nil && e.Member.User != nil && e.Member.User.Bot {
		return
	}

	log := ev.Log.WithFields(logrus.Fields{"guild_id": e.GuildID, "user_id": e.UserID})

	guildSettings, err := ev.Settings.GetGuildSettings(ctx, e.GuildID)
	if err != nil {
		log.WithError(err).Error("failed to get guild settings")
		return
	}
	if !reactionMatches(guildSettings, e.MessageReaction) {
		return
	}

	// Discord may omit the member, only then is a lookup needed
	if e.Member == nil || e.Member.User == nil {
		u, err := users(ctx, e.GuildID, e.UserID)
		switch {
		case err != nil:
			log.WithError(err).Warn("failed to look up reacting user, assuming not a bot")
		case u != nil && u.Bot:
			return
		}
	}

	if err := ev.Verifier.StartVerification(ctx, e.GuildID, e.UserID); err != nil {
		// The entry is live in memory, only durability is at risk
		log.WithError(err).Error("verification started but not persisted")
	}
}

// reactionMatches - Check if a reaction is the configured emoji on the rules message
func reactionMatches(gs db.GuildSettings, r *discordgo.MessageReaction) bool {
	if !gs.HasRulesMessage() || r == nil {
		return false
	}
	return r.ChannelID == gs.RulesChannel && r.MessageID == gs.RulesMessage && r.Emoji.APIName() == gs.RulesEmoji
}
