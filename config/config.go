package config

// PermsCode - Minimal perms code for bot to work: view channel, send, manage and read messages, add reactions, manage roles
const PermsCode int64 = 268512320

// RulesMsgHeader - Header of the rules message posted by setup
const RulesMsgHeader string = "**Welcome!**"

// RulesMsgBody - Body of the rules message posted by setup, %s is the emoji to react with
const RulesMsgBody string = "Read the rules above, then react with %s to get access to the server."

// ReplyTTL - Seconds before command replies are deleted
const ReplyTTL = 15
