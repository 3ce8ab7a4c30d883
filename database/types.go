package database

// GuildSettings - DB record for guild settings
type GuildSettings struct {
	ID string
	// Channel and message users react on to start verification
	RulesChannel string
	RulesMessage string
	// Emoji in discordgo APIName form, name:id for custom emojis
	RulesEmoji string
}

// HasRulesMessage - Check if verification was set up for the guild
func (gs GuildSettings) HasRulesMessage() bool {
	return gs.RulesChannel != "" && gs.RulesMessage != "" && gs.RulesEmoji != ""
}
