package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"github.com/cufee/botto-gatekeeper/verification"
)

// Guild - verification.GuildAdapter backed by a discordgo session
type Guild struct {
	Ses *discordgo.Session
}

// GrantRole - Add a role to a member
func (g *Guild) GrantRole(ctx context.Context, guildID, roleID, userID string) error {
	return g.Ses.GuildMemberRoleAdd(guildID, userID, roleID, discordgo.WithContext(ctx))
}

// RevokeRole - Remove a role from a member
func (g *Guild) RevokeRole(ctx context.Context, guildID, roleID, userID string) error {
	return g.Ses.GuildMemberRoleRemove(guildID, userID, roleID, discordgo.WithContext(ctx))
}

// GetMember - Fetch a member, verification.ErrMemberNotFound if they left or the guild is gone
func (g *Guild) GetMember(ctx context.Context, guildID, userID string) (*verification.Member, error) {
	member, err := g.Ses.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		if isUnknownEntity(err) {
			return nil, fmt.Errorf("%w: %v", verification.ErrMemberNotFound, err)
		}
		return nil, err
	}
	return &verification.Member{GuildID: guildID, UserID: userID, Roles: member.Roles}, nil
}

// SendDirectMessage - DM a user
func (g *Guild) SendDirectMessage(ctx context.Context, userID, text string) error {
	dmChan, err := g.Ses.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("open dm channel: %w", err)
	}
	_, err = g.Ses.ChannelMessageSend(dmChan.ID, text, discordgo.WithContext(ctx))
	return err
}

func isUnknownEntity(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeUnknownMember, discordgo.ErrCodeUnknownGuild, discordgo.ErrCodeUnknownUser:
			return true
		}
	}
	return restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
}
