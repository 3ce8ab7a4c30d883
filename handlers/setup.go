package handlers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Necroforger/dgrouter/exrouter"
	"github.com/cufee/botto-gatekeeper/config"
	"github.com/cufee/botto-gatekeeper/verification"
	"github.com/sirupsen/logrus"
)

// Commands - Administrator prefix commands
type Commands struct {
	Settings SettingsStore
	Verifier Verifier
	Log      logrus.FieldLogger
}

// Register - Add all commands to a router
func (c *Commands) Register(router *exrouter.Route) {
	router.On("verifysetup", c.SetupHandler).Desc("post the rules message: verifysetup #channel emoji")
	router.On("verifyconfig", c.ConfigHandler).Desc("set verification: verifyconfig timeoutSeconds @tempRole|0 @verifiedRole|0")
	router.On("verifystatus", c.StatusHandler).Desc("show verification config and pending users")
	router.On("verifyresolve", c.ResolveHandler).Desc("finish a pending verification now: verifyresolve @user")
}

// SetupHandler - Post the rules message and store it as the verification message for this guild
func (c *Commands) SetupHandler(ctx *exrouter.Context) {
	if !c.authorize(ctx) {
		return
	}

	// Get rules channel
	chanArg := ctx.Args.Get(1)
	rulesChanID := parseChannelArg(chanArg)
	if rulesChanID == "" {
		replyDel(ctx, "Make sure to specify the #channel for the rules message as the first argument after this command.", config.ReplyTTL)
		return
	}

	// Get emoji
	emojiArg := ctx.Args.Get(2)
	emoji := parseEmojiArg(emojiArg)
	if emoji == "" {
		replyDel(ctx, "Make sure the emote users should react with is the second argument after this command.", config.ReplyTTL)
		return
	}

	// Check bot perms in the rules channel
	if ok := permsCheck(ctx, rulesChanID); !ok {
		replyDel(ctx, "I do not have proper perms in that channel for verification to work.", config.ReplyTTL)
		return
	}

	opCtx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	guildSettings, err := c.Settings.GetGuildSettings(opCtx, ctx.Msg.GuildID)
	if err != nil {
		c.Log.WithError(err).Error("failed to get guild settings")
		replyDel(ctx, fmt.Sprintf("An error occured while fetching guild settings.\n```%v```", err), config.ReplyTTL)
		return
	}

	// Send the rules message and save ID
	newMsg, err := ctx.Ses.ChannelMessageSend(rulesChanID, fmt.Sprintf("%s\n%s", config.RulesMsgHeader, fmt.Sprintf(config.RulesMsgBody, emojiArg)))
	if err != nil {
		replyDel(ctx, fmt.Sprintf("Failed to send a message to that channel.\n```%v```", err), config.ReplyTTL)
		return
	}
	if err := ctx.Ses.MessageReactionAdd(rulesChanID, newMsg.ID, emoji); err != nil {
		replyDel(ctx, fmt.Sprintf("Failed to add a reaction.\n```%v```", err), config.ReplyTTL)
		return
	}

	guildSettings.RulesChannel = rulesChanID
	guildSettings.RulesMessage = newMsg.ID
	guildSettings.RulesEmoji = emoji
	if err := c.Settings.UpdateGuildSettings(opCtx, guildSettings); err != nil {
		c.Log.WithError(err).Error("failed to update guild settings")
		replyDel(ctx, "Failed to update guild settings. Please try again later.", config.ReplyTTL)
		return
	}

	replyDel(ctx, fmt.Sprintf("Setup complete. Members reacting with %s in <#%s> will be verified.", emojiArg, rulesChanID), config.ReplyTTL)
}

// ConfigHandler - Update timeout and roles
func (c *Commands) ConfigHandler(ctx *exrouter.Context) {
	if !c.authorize(ctx) {
		return
	}

	opCtx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	replyDel(ctx, c.configure(opCtx, ctx.Args.Get(1), ctx.Args.Get(2), ctx.Args.Get(3)), config.ReplyTTL)
}

// configure - Parse verifyconfig arguments, apply them and return the reply
func (c *Commands) configure(ctx context.Context, timeoutArg, tempArg, verifiedArg string) string {
	timeout, err := strconv.Atoi(timeoutArg)
	if err != nil {
		return "Make sure the timeout in seconds is the first argument after this command."
	}
	tempRole, ok := parseRoleArg(tempArg)
	if !ok {
		return "Make sure the temporary role is a mention or `0` and is the second argument after this command."
	}
	verifiedRole, ok := parseRoleArg(verifiedArg)
	if !ok {
		return "Make sure the verified role is a mention or `0` and is the third argument after this command."
	}

	err = c.Verifier.Configure(ctx, timeout, tempRole, verifiedRole)
	switch {
	case errors.Is(err, verification.ErrInvalidConfig):
		return "The timeout can not be negative."
	case err != nil:
		// Live config was updated, the write failed
		return fmt.Sprintf("Config applied but could not be saved, it will be lost on restart.\n```%v```", err)
	}
	return "Done! " + describeConfig(c.Verifier.Config())
}

// StatusHandler - Show config and pending users of this guild
func (c *Commands) StatusHandler(ctx *exrouter.Context) {
	if !c.authorize(ctx) {
		return
	}
	replyDel(ctx, formatStatus(c.Verifier.Config(), c.Verifier.Pending(), ctx.Msg.GuildID, time.Now()), config.ReplyTTL*2)
}

// ResolveHandler - Resolve a pending user right away
func (c *Commands) ResolveHandler(ctx *exrouter.Context) {
	if !c.authorize(ctx) {
		return
	}

	opCtx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	replyDel(ctx, c.resolve(opCtx, ctx.Msg.GuildID, ctx.Args.Get(1)), config.ReplyTTL)
}

// resolve - Resolve the verifyresolve target and return the reply
func (c *Commands) resolve(ctx context.Context, guildID, userArg string) string {
	userID := parseUserArg(userArg)
	if userID == "" {
		return "Make sure the user is a mention and is the first argument after this command."
	}

	key := verification.Key{GuildID: guildID, UserID: userID}
	if !c.Verifier.IsPending(key) {
		return fmt.Sprintf("<@%s> has no pending verification.", userID)
	}
	if !c.Verifier.Resolve(ctx, key) {
		return fmt.Sprintf("Verification for <@%s> is already being resolved.", userID)
	}
	return fmt.Sprintf("Verification for <@%s> resolved.", userID)
}

// authorize - Only members with Manage Roles can run verification commands
func (c *Commands) authorize(ctx *exrouter.Context) bool {
	if ctx.Msg.GuildID == "" {
		return false
	}
	// Delete command message
	ctx.Ses.ChannelMessageDelete(ctx.Msg.ChannelID, ctx.Msg.ID)

	if !canManageRoles(ctx) {
		replyDel(ctx, "You need to have Manage Roles perms to use this command.", config.ReplyTTL)
		return false
	}
	return true
}
