package verification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// DefaultCompletionMessage - DM sent to a member once promoted
const DefaultCompletionMessage = "You have been verified. Welcome to the server!"

var validate = validator.New()

// Manager owns the verification config, the pending table and one timer per pending user.
//
// The in-memory table is authoritative while the process runs; every mutation writes a full
// snapshot to the Store so RecoverPendingOnStartup can rebuild the timers after a restart.
type Manager struct {
	store   Store
	guild   GuildAdapter
	clock   clockwork.Clock
	log     logrus.FieldLogger
	metrics *Metrics

	defaults            Config
	recoveryConcurrency int
	resolveTimeout      time.Duration
	saveTimeout         time.Duration
	completionMessage   string

	mu      sync.Mutex
	config  Config
	pending map[Key]*entry
	timers  map[Key]clockwork.Timer
}

type entry struct {
	Pending
	// resolving is set while role I/O for this entry is in flight
	resolving bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock - Replace the wall clock, used by tests
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger - Set the operational logger
func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics - Record prometheus metrics
func WithMetrics(mt *Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithDefaultConfig - Config used when the store has nothing persisted
func WithDefaultConfig(c Config) Option {
	return func(m *Manager) { m.defaults = c }
}

// WithRecoveryConcurrency - Max overdue entries resolved in parallel on startup
func WithRecoveryConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.recoveryConcurrency = n
		}
	}
}

// WithResolveTimeout - Deadline for the Discord calls of one timer-driven resolution
func WithResolveTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.resolveTimeout = d
		}
	}
}

// WithSaveTimeout - Deadline for one snapshot write, independent of the caller's context
func WithSaveTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.saveTimeout = d
		}
	}
}

// WithCompletionMessage - Text of the completion DM
func WithCompletionMessage(text string) Option {
	return func(m *Manager) {
		if text != "" {
			m.completionMessage = text
		}
	}
}

// NewManager creates a manager. Call Load or RecoverPendingOnStartup before handling events.
func NewManager(store Store, guild GuildAdapter, opts ...Option) *Manager {
	m := &Manager{
		store:               store,
		guild:               guild,
		clock:               clockwork.NewRealClock(),
		log:                 logrus.StandardLogger(),
		recoveryConcurrency: 4,
		resolveTimeout:      30 * time.Second,
		saveTimeout:         10 * time.Second,
		completionMessage:   DefaultCompletionMessage,
		pending:             make(map[Key]*entry),
		timers:              make(map[Key]clockwork.Timer),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.config = m.defaults
	return m
}

// Load replaces the in-memory config and pending table with the persisted state. No timers are started.
func (m *Manager) Load(ctx context.Context) error {
	state, err := m.store.LoadVerificationState(ctx)
	if errors.Is(err, ErrStateNotFound) {
		state = State{Config: m.defaults}
	} else if err != nil {
		return fmt.Errorf("load verification state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, t := range m.timers {
		t.Stop()
		delete(m.timers, key)
	}
	m.config = state.Config
	m.pending = make(map[Key]*entry, len(state.Pending))
	for key, p := range state.Pending {
		m.pending[key] = &entry{Pending: p}
	}
	m.metrics.setPending(len(m.pending))
	return nil
}

// Configure replaces the live config and persists it. Pending entries pick it up when they resolve.
func (m *Manager) Configure(ctx context.Context, timeoutSeconds int, tempRoleID, verifiedRoleID string) error {
	cfg := Config{TimeoutSeconds: timeoutSeconds, TempRoleID: tempRoleID, VerifiedRoleID: verifiedRoleID}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = cfg
	m.log.WithFields(logrus.Fields{
		"timeout_seconds":  cfg.TimeoutSeconds,
		"temp_role_id":     cfg.TempRoleID,
		"verified_role_id": cfg.VerifiedRoleID,
	}).Info("verification config updated")
	return m.saveLocked(ctx)
}

// Config - Snapshot of the live config
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// StartVerification grants the temp role, records the user as pending and schedules resolution.
// A repeated start for a pending user resets the start time and replaces the timer.
func (m *Manager) StartVerification(ctx context.Context, guildID, userID string) error {
	key := Key{GuildID: guildID, UserID: userID}
	log := m.log.WithFields(logrus.Fields{"guild_id": guildID, "user_id": userID})

	cfg := m.Config()
	if cfg.HasTempRole() {
		if err := m.guild.GrantRole(ctx, guildID, cfg.TempRoleID, userID); err != nil {
			m.metrics.observePlatformError("grant_temp_role")
			log.WithError(err).WithField("role_id", cfg.TempRoleID).Warn("failed to grant temp role")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p := Pending{GuildID: guildID, UserID: userID, StartTime: m.clock.Now().UTC()}
	m.pending[key] = &entry{Pending: p}
	m.scheduleLocked(key, p.StartTime, m.config.Timeout())
	m.metrics.observeStart()
	m.metrics.setPending(len(m.pending))
	log.WithField("timeout_seconds", m.config.TimeoutSeconds).Info("verification started")

	return m.saveLocked(ctx)
}

// Resolve finalizes the verification for key and reports whether this call did it.
// Absent keys and entries already being resolved are a no-op, so duplicate calls are safe.
// Failures of individual Discord calls are logged; the entry is always removed.
func (m *Manager) Resolve(ctx context.Context, key Key) bool {
	return m.resolve(ctx, key, nil)
}

// IsPending - Check if key has a pending entry
func (m *Manager) IsPending(key Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[key]
	return ok
}

// Pending - Copy of all pending entries, oldest first
func (m *Manager) Pending() []Pending {
	m.mu.Lock()
	out := make([]Pending, 0, len(m.pending))
	for _, e := range m.pending {
		out = append(out, e.Pending)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Close stops every timer. Pending entries stay persisted and are picked up on the next start.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, t := range m.timers {
		t.Stop()
		delete(m.timers, key)
	}
}

// scheduleLocked replaces the timer of key. The timer only resolves the entry started at startedAt.
func (m *Manager) scheduleLocked(key Key, startedAt time.Time, after time.Duration) {
	if t, ok := m.timers[key]; ok {
		t.Stop()
	}
	if after < 0 {
		after = 0
	}
	m.timers[key] = m.clock.AfterFunc(after, func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.resolveTimeout)
		defer cancel()
		m.resolve(ctx, key, &startedAt)
	})
}

func (m *Manager) resolve(ctx context.Context, key Key, startedAt *time.Time) bool {
	m.mu.Lock()
	e, ok := m.pending[key]
	if !ok || e.resolving || (startedAt != nil && !e.StartTime.Equal(*startedAt)) {
		m.mu.Unlock()
		return false
	}
	e.resolving = true
	cfg := m.config
	m.mu.Unlock()

	log := m.log.WithFields(logrus.Fields{"guild_id": key.GuildID, "user_id": key.UserID})
	outcome := m.finalize(ctx, key, cfg, log)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.observeResolved(outcome)
	log.WithField("outcome", outcome).Info("verification resolved")

	// Restarted while resolving: the newer entry owns the key and its timer.
	if m.pending[key] != e {
		return true
	}
	delete(m.pending, key)
	if t, ok := m.timers[key]; ok {
		t.Stop()
		delete(m.timers, key)
	}
	m.metrics.setPending(len(m.pending))
	// saveLocked logs and counts the failure; nothing else to do with it here
	_ = m.saveLocked(ctx)
	return true
}

// finalize performs the role swap and DM. It never fails; the returned outcome is for metrics.
func (m *Manager) finalize(ctx context.Context, key Key, cfg Config, log logrus.FieldLogger) string {
	member, err := m.guild.GetMember(ctx, key.GuildID, key.UserID)
	if err != nil {
		if errors.Is(err, ErrMemberNotFound) {
			log.Info("member is gone, expiring verification")
		} else {
			m.metrics.observePlatformError("get_member")
			log.WithError(err).Warn("member lookup failed, expiring verification")
		}
		return outcomeExpired
	}

	if cfg.HasTempRole() && member.HasRole(cfg.TempRoleID) {
		if err := m.guild.RevokeRole(ctx, key.GuildID, cfg.TempRoleID, key.UserID); err != nil {
			m.metrics.observePlatformError("revoke_temp_role")
			log.WithError(err).WithField("role_id", cfg.TempRoleID).Warn("failed to revoke temp role")
		}
	}
	if cfg.HasVerifiedRole() && !member.HasRole(cfg.VerifiedRoleID) {
		if err := m.guild.GrantRole(ctx, key.GuildID, cfg.VerifiedRoleID, key.UserID); err != nil {
			m.metrics.observePlatformError("grant_verified_role")
			log.WithError(err).WithField("role_id", cfg.VerifiedRoleID).Warn("failed to grant verified role")
		}
	}

	// Closed DMs are common
	if err := m.guild.SendDirectMessage(ctx, key.UserID, m.completionMessage); err != nil {
		log.WithError(err).Debug("failed to send completion DM")
	}
	return outcomePromoted
}

// saveLocked writes the snapshot under its own deadline. Discord calls made earlier with ctx
// may have used up its deadline, but the write still has to land.
func (m *Manager) saveLocked(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.saveTimeout)
	defer cancel()

	state := State{Config: m.config, Pending: make(map[Key]Pending, len(m.pending))}
	for key, e := range m.pending {
		state.Pending[key] = e.Pending
	}
	if err := m.store.SaveVerificationState(ctx, state); err != nil {
		m.metrics.observeStoreError()
		m.log.WithError(err).Error("failed to persist verification state")
		return fmt.Errorf("save verification state: %w", err)
	}
	return nil
}
