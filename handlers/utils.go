package handlers

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Necroforger/dgrouter/exrouter"
	"github.com/bwmarrin/discordgo"
	"github.com/cufee/botto-gatekeeper/config"
	"github.com/cufee/botto-gatekeeper/verification"
)

var (
	snowflakeRe = regexp.MustCompile(`^\d+$`)
	roleMention = regexp.MustCompile(`^<@&(\d+)>$`)
	chanMention = regexp.MustCompile(`^<#(\d+)>$`)
	userMention = regexp.MustCompile(`^<@!?(\d+)>$`)
	customEmoji = regexp.MustCompile(`^<a?:(\w+):(\d+)>$`)
)

// parseRoleArg - Role id from a mention or raw id, "" for 0/none
func parseRoleArg(arg string) (string, bool) {
	switch strings.ToLower(arg) {
	case "0", "none":
		return "", true
	}
	if m := roleMention.FindStringSubmatch(arg); m != nil {
		return m[1], true
	}
	if snowflakeRe.MatchString(arg) {
		return arg, true
	}
	return "", false
}

func parseChannelArg(arg string) string {
	if m := chanMention.FindStringSubmatch(arg); m != nil {
		return m[1]
	}
	if snowflakeRe.MatchString(arg) {
		return arg
	}
	return ""
}

func parseUserArg(arg string) string {
	if m := userMention.FindStringSubmatch(arg); m != nil {
		return m[1]
	}
	if snowflakeRe.MatchString(arg) {
		return arg
	}
	return ""
}

// parseEmojiArg - Emoji in the APIName form discordgo reports on reactions
func parseEmojiArg(arg string) string {
	if m := customEmoji.FindStringSubmatch(arg); m != nil {
		return m[1] + ":" + m[2]
	}
	// Anything else that looks like a mention is not an emoji
	if strings.HasPrefix(arg, "<") {
		return ""
	}
	return arg
}

func describeConfig(cfg verification.Config) string {
	role := func(id string) string {
		if id == "" || id == "0" {
			return "none"
		}
		return fmt.Sprintf("<@&%s>", id)
	}
	return fmt.Sprintf("Timeout: %v, temporary role: %s, verified role: %s.",
		cfg.Timeout(), role(cfg.TempRoleID), role(cfg.VerifiedRoleID))
}

func formatStatus(cfg verification.Config, pending []verification.Pending, guildID string, now time.Time) string {
	var b strings.Builder
	b.WriteString("**Verification**\n")
	b.WriteString(describeConfig(cfg))
	b.WriteString("\n")

	var n int
	for _, p := range pending {
		if p.GuildID != guildID {
			continue
		}
		remaining := cfg.Timeout() - now.Sub(p.StartTime)
		if remaining < 0 {
			remaining = 0
		}
		fmt.Fprintf(&b, "<@%s> - %v left\n", p.UserID, remaining.Truncate(time.Second))
		n++
	}
	if n == 0 {
		b.WriteString("No pending verifications.")
	} else {
		fmt.Fprintf(&b, "%d pending.", n)
	}
	return b.String()
}

func permsCheck(ctx *exrouter.Context, chanID string) bool {
	// Check bot perms
	perms, err := ctx.Ses.UserChannelPermissions(ctx.Ses.State.User.ID, chanID)
	if err != nil {
		return false
	}
	return perms&config.PermsCode == config.PermsCode
}

func canManageRoles(ctx *exrouter.Context) bool {
	perms, err := ctx.Ses.UserChannelPermissions(ctx.Msg.Author.ID, ctx.Msg.ChannelID)
	if err != nil {
		return false
	}
	return perms&discordgo.PermissionManageRoles == discordgo.PermissionManageRoles ||
		perms&discordgo.PermissionAdministrator == discordgo.PermissionAdministrator
}

func replyDel(ctx *exrouter.Context, msg string, timer time.Duration) error {
	newMsg, err := ctx.Reply(msg)
	if err != nil {
		return err
	}
	time.AfterFunc(time.Second*timer, func() {
		ctx.Ses.ChannelMessageDelete(ctx.Msg.ChannelID, newMsg.ID)
	})
	return nil
}
