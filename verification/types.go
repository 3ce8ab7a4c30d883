package verification

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var (
	// ErrInvalidConfig - Configuration values rejected by Configure
	ErrInvalidConfig = errors.New("invalid verification config")
	// ErrMemberNotFound - Member or guild is gone at lookup time
	ErrMemberNotFound = errors.New("member not found")
	// ErrStateNotFound - Nothing was persisted yet
	ErrStateNotFound = errors.New("verification state not found")
)

// Config - Process-wide verification settings
type Config struct {
	TimeoutSeconds int    `json:"timeout_seconds" validate:"gte=0"`
	TempRoleID     string `json:"temp_role_id" validate:"omitempty,numeric"`
	VerifiedRoleID string `json:"verified_role_id" validate:"omitempty,numeric"`
}

// Timeout - Grace period as a duration
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// HasTempRole - Temp role step is enabled
func (c Config) HasTempRole() bool {
	return roleSet(c.TempRoleID)
}

// HasVerifiedRole - Verified role step is enabled
func (c Config) HasVerifiedRole() bool {
	return roleSet(c.VerifiedRoleID)
}

// "0" is accepted as the unset sentinel alongside the empty string.
func roleSet(id string) bool {
	return id != "" && id != "0"
}

// Key identifies one pending verification.
type Key struct {
	GuildID string
	UserID  string
}

func (k Key) String() string {
	return k.GuildID + ":" + k.UserID
}

// MarshalText lets Key be used as a JSON object key.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses the guild:user form written by MarshalText.
func (k *Key) UnmarshalText(b []byte) error {
	guildID, userID, ok := strings.Cut(string(b), ":")
	if !ok || guildID == "" || userID == "" {
		return fmt.Errorf("malformed verification key %q", string(b))
	}
	k.GuildID, k.UserID = guildID, userID
	return nil
}

// Pending - One user inside the grace period
type Pending struct {
	GuildID   string    `json:"guild_id"`
	UserID    string    `json:"user_id"`
	StartTime time.Time `json:"start_time"`
}

// Key - Composite key of the entry
func (p Pending) Key() Key {
	return Key{GuildID: p.GuildID, UserID: p.UserID}
}

// State - Everything the store keeps for verification
type State struct {
	Config  Config          `json:"config"`
	Pending map[Key]Pending `json:"pending"`
}

// Member - Guild member as seen by the adapter
type Member struct {
	GuildID string
	UserID  string
	Roles   []string
}

// HasRole - Check if member holds a role
func (m *Member) HasRole(roleID string) bool {
	return slices.Contains(m.Roles, roleID)
}

// GuildAdapter is the chat-platform surface the manager needs.
type GuildAdapter interface {
	GrantRole(ctx context.Context, guildID, roleID, userID string) error
	RevokeRole(ctx context.Context, guildID, roleID, userID string) error
	// GetMember returns ErrMemberNotFound when the member or guild no longer exists.
	GetMember(ctx context.Context, guildID, userID string) (*Member, error)
	SendDirectMessage(ctx context.Context, userID, text string) error
}

// Store persists full snapshots of the verification state.
type Store interface {
	// LoadVerificationState returns ErrStateNotFound when nothing was saved yet.
	LoadVerificationState(ctx context.Context) (State, error)
	SaveVerificationState(ctx context.Context, state State) error
}
