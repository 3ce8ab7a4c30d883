package verification

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type mockGuild struct{ mock.Mock }

func (m *mockGuild) GrantRole(ctx context.Context, guildID, roleID, userID string) error {
	return m.Called(guildID, roleID, userID).Error(0)
}
func (m *mockGuild) RevokeRole(ctx context.Context, guildID, roleID, userID string) error {
	return m.Called(guildID, roleID, userID).Error(0)
}
func (m *mockGuild) GetMember(ctx context.Context, guildID, userID string) (*Member, error) {
	args := m.Called(guildID, userID)
	if mem, _ := args.Get(0).(*Member); mem != nil {
		return mem, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *mockGuild) SendDirectMessage(ctx context.Context, userID, text string) error {
	return m.Called(userID, text).Error(0)
}

type memStore struct {
	mu    sync.Mutex
	state *State
	saves int
	err   error
}

func (s *memStore) LoadVerificationState(ctx context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return State{}, ErrStateNotFound
	}
	return copyState(*s.state), nil
}

func (s *memStore) SaveVerificationState(ctx context.Context, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.err != nil {
		return s.err
	}
	cp := copyState(state)
	s.state = &cp
	return nil
}

func (s *memStore) persisted() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return State{}
	}
	return copyState(*s.state)
}

func copyState(in State) State {
	out := State{Config: in.Config, Pending: make(map[Key]Pending, len(in.Pending))}
	for k, v := range in.Pending {
		out.Pending[k] = v
	}
	return out
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, store *memStore, guild *mockGuild, opts ...Option) (*Manager, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	opts = append([]Option{WithClock(clock), WithLogger(quietLogger())}, opts...)
	m := NewManager(store, guild, opts...)
	t.Cleanup(m.Close)
	return m, clock
}

func waitResolved(t *testing.T, m *Manager, key Key) {
	t.Helper()
	require.Eventually(t, func() bool { return !m.IsPending(key) }, time.Second, 5*time.Millisecond)
}

// --- tests ---

func TestConfigure(t *testing.T) {
	store := &memStore{}
	m, _ := newTestManager(t, store, &mockGuild{})

	require.NoError(t, m.Configure(context.Background(), 300, "111", "222"))
	assert.Equal(t, Config{TimeoutSeconds: 300, TempRoleID: "111", VerifiedRoleID: "222"}, m.Config())
	assert.Equal(t, m.Config(), store.persisted().Config)
}

func TestConfigure_Invalid(t *testing.T) {
	store := &memStore{}
	m, _ := newTestManager(t, store, &mockGuild{})

	err := m.Configure(context.Background(), -1, "111", "222")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	err = m.Configure(context.Background(), 10, "not-a-role", "")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	assert.Zero(t, store.saves)
	assert.Equal(t, Config{}, m.Config())
}

func TestConfigure_SaveFailureKeepsLiveConfig(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	m, _ := newTestManager(t, store, &mockGuild{})

	err := m.Configure(context.Background(), 60, "", "")
	require.Error(t, err)
	assert.Equal(t, 60, m.Config().TimeoutSeconds)
}

// configure(300, 111, 222); start(1, 42); advance 300s; roles swapped and entry gone.
func TestStartVerification_ResolvesAfterTimeout(t *testing.T) {
	store := &memStore{}
	guild := &mockGuild{}
	m, clock := newTestManager(t, store, guild)
	ctx := context.Background()
	key := Key{GuildID: "1", UserID: "42"}

	guild.On("GrantRole", "1", "111", "42").Return(nil).Once()
	require.NoError(t, m.Configure(ctx, 300, "111", "222"))
	require.NoError(t, m.StartVerification(ctx, "1", "42"))

	require.True(t, m.IsPending(key))
	p, ok := store.persisted().Pending[key]
	require.True(t, ok)
	assert.Equal(t, "1", p.GuildID)
	assert.Equal(t, epoch, p.StartTime)

	guild.On("GetMember", "1", "42").Return(&Member{GuildID: "1", UserID: "42", Roles: []string{"111"}}, nil)
	guild.On("RevokeRole", "1", "111", "42").Return(nil)
	guild.On("GrantRole", "1", "222", "42").Return(nil)
	guild.On("SendDirectMessage", "42", DefaultCompletionMessage).Return(nil)

	clock.Advance(299 * time.Second)
	assert.True(t, m.IsPending(key))

	clock.Advance(time.Second)
	waitResolved(t, m, key)

	guild.AssertCalled(t, "RevokeRole", "1", "111", "42")
	guild.AssertCalled(t, "GrantRole", "1", "222", "42")
	assert.Empty(t, store.persisted().Pending)
}

func TestResolve_Idempotent(t *testing.T) {
	store := &memStore{}
	guild := &mockGuild{}
	m, _ := newTestManager(t, store, guild)
	ctx := context.Background()
	key := Key{GuildID: "1", UserID: "42"}

	require.NoError(t, m.Configure(ctx, 300, "", "222"))
	require.NoError(t, m.StartVerification(ctx, "1", "42"))

	guild.On("GetMember", "1", "42").Return(&Member{GuildID: "1", UserID: "42"}, nil).Once()
	guild.On("GrantRole", "1", "222", "42").Return(nil).Once()
	guild.On("SendDirectMessage", "42", mock.Anything).Return(nil).Once()

	assert.True(t, m.Resolve(ctx, key))
	assert.False(t, m.IsPending(key))

	assert.False(t, m.Resolve(ctx, key))
	guild.AssertNumberOfCalls(t, "GetMember", 1)
	guild.AssertNumberOfCalls(t, "GrantRole", 1)
	guild.AssertExpectations(t)
}

func TestResolve_SkipsUnsetRoles(t *testing.T) {
	store := &memStore{}
	guild := &mockGuild{}
	m, _ := newTestManager(t, store, guild)
	ctx := context.Background()
	key := Key{GuildID: "1", UserID: "42"}

	require.NoError(t, m.Configure(ctx, 300, "0", ""))
	require.NoError(t, m.StartVerification(ctx, "1", "42"))

	guild.On("GetMember", "1", "42").Return(&Member{GuildID: "1", UserID: "42", Roles: []string{"0"}}, nil)
	guild.On("SendDirectMessage", "42", mock.Anything).Return(nil)

	m.Resolve(ctx, key)

	assert.False(t, m.IsPending(key))
	guild.AssertNotCalled(t, "GrantRole", mock.Anything, mock.Anything, mock.Anything)
	guild.AssertNotCalled(t, "RevokeRole", mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, store.persisted().Pending)
}

func TestResolve_SkipsRolesAlreadyInPlace(t *testing.T) {
	store := &memStore{}
	guild := &mockGuild{}
	m, _ := newTestManager(t, store, guild)
	ctx := context.Background()

	// temp role is granted on start
	guild.On("GrantRole", "1", "111", "42").Return(nil).Once()
	require.NoError(t, m.Configure(ctx, 300, "111", "222"))
	require.NoError(t, m.StartVerification(ctx, "1", "42"))

	// temp role was removed by a moderator, verified role already held
	guild.On("GetMember", "1", "42").Return(&Member{GuildID: "1", UserID: "42", Roles: []string{"222"}}, nil)
	guild.On("SendDirectMessage", "42", mock.Anything).Return(nil)

	m.Resolve(ctx, Key{GuildID: "1", UserID: "42"})

	guild.AssertNotCalled(t, "RevokeRole", mock.Anything, mock.Anything, mock.Anything)
	guild.AssertNumberOfCalls(t, "GrantRole", 1)
}

func TestResolve_MissingMember(t *testing.T) {
	store := &memStore{}
	guild := &mockGuild{}
	reg := prometheus.NewRegistry()
	m, _ := newTestManager(t, store, guild, WithMetrics(NewMetrics(reg)))
	ctx := context.Background()
	key := Key{GuildID: "1", UserID: "42"}

	require.NoError(t, m.Configure(ctx, 300, "", "222"))
	require.NoError(t, m.StartVerification(ctx, "1", "42"))

	guild.On("GetMember", "1", "42").Return(nil, ErrMemberNotFound)

	m.Resolve(ctx, key)

	assert.False(t, m.IsPending(key))
	assert.Empty(t, store.persisted().Pending)
	guild.AssertNotCalled(t, "GrantRole", mock.Anything, mock.Anything, mock.Anything)
	guild.AssertNotCalled(t, "SendDirectMessage", mock.Anything, mock.Anything)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.resolved.WithLabelValues(outcomeExpired)))
}

func TestResolve_PlatformFailuresStillCleanUp(t *testing.T) {
	store := &memStore{}
	guild := &mockGuild{}
	reg := prometheus.NewRegistry()
	m, _ := newTestManager(t, store, guild, WithMetrics(NewMetrics(reg)))
	ctx := context.Background()
	key := Key{GuildID: "1", UserID: "42"}

	guild.On("GrantRole", "1", "111", "42").Return(nil).Once()
	require.NoError(t, m.Configure(ctx, 300, "111", "222"))
	require.NoError(t, m.StartVerification(ctx, "1", "42"))

	forbidden := errors.New("403 Forbidden")
	guild.On("GetMember", "1", "42").Return(&Member{GuildID: "1", UserID: "42", Roles: []string{"111"}}, nil)
	guild.On("RevokeRole", "1", "111", "42").Return(forbidden)
	guild.On("GrantRole", "1", "222", "42").Return(forbidden)
	guild.On("SendDirectMessage", "42", mock.Anything).Return(errors.New("cannot send messages to this user"))

	m.Resolve(ctx, key)

	assert.False(t, m.IsPending(key))
	assert.Empty(t, store.persisted().Pending)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.platformErrors.WithLabelValues("revoke_temp_role")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.platformErrors.WithLabelValues("grant_verified_role")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.resolved.WithLabelValues(outcomePromoted)))
}

func TestStartVerification_RestartResetsTimer(t *testing.T) {
	store := &memStore{}
	guild := &mockGuild{}
	m, clock := newTestManager(t, store, guild)
	ctx := context.Background()
	key := Key{GuildID: "1", UserID: "42"}

	require.NoError(t, m.Configure(ctx, 300, "", "222"))
	require.NoError(t, m.StartVerification(ctx, "1", "42"))

	clock.Advance(200 * time.Second)
	require.NoError(t, m.StartVerification(ctx, "1", "42"))

	pending := m.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, epoch.Add(200*time.Second), pending[0].StartTime)
	assert.Equal(t, epoch.Add(200*time.Second), store.persisted().Pending[key].StartTime)

	// the first schedule would have fired here
	clock.Advance(150 * time.Second)
	assert.Never(t, func() bool { return !m.IsPending(key) }, 50*time.Millisecond, 5*time.Millisecond)

	guild.On("GetMember", "1", "42").Return(&Member{GuildID: "1", UserID: "42"}, nil).Once()
	guild.On("GrantRole", "1", "222", "42").Return(nil).Once()
	guild.On("SendDirectMessage", "42", mock.Anything).Return(nil).Once()

	clock.Advance(150 * time.Second)
	waitResolved(t, m, key)
	guild.AssertNumberOfCalls(t, "GetMember", 1)
}

func TestStaleTimerDoesNotResolveNewerEntry(t *testing.T) {
	store := &memStore{}
	guild := &mockGuild{}
	m, _ := newTestManager(t, store, guild)
	ctx := context.Background()
	key := Key{GuildID: "1", UserID: "42"}

	require.NoError(t, m.Configure(ctx, 300, "", ""))
	require.NoError(t, m.StartVerification(ctx, "1", "42"))
	stale := m.Pending()[0].StartTime.Add(-time.Minute)

	m.resolve(ctx, key, &stale)

	assert.True(t, m.IsPending(key))
	guild.AssertNotCalled(t, "GetMember", mock.Anything, mock.Anything)
}

func TestKeysAreScopedPerGuild(t *testing.T) {
	store := &memStore{}
	guild := &mockGuild{}
	m, _ := newTestManager(t, store, guild)
	ctx := context.Background()

	require.NoError(t, m.Configure(ctx, 300, "", ""))
	require.NoError(t, m.StartVerification(ctx, "1", "42"))
	require.NoError(t, m.StartVerification(ctx, "2", "42"))

	assert.Len(t, m.Pending(), 2)
	assert.Len(t, store.persisted().Pending, 2)

	guild.On("GetMember", "1", "42").Return(nil, ErrMemberNotFound)
	m.Resolve(ctx, Key{GuildID: "1", UserID: "42"})

	assert.False(t, m.IsPending(Key{GuildID: "1", UserID: "42"}))
	assert.True(t, m.IsPending(Key{GuildID: "2", UserID: "42"}))
}

func TestConcurrentStartsAllPersisted(t *testing.T) {
	store := &memStore{}
	guild := &mockGuild{}
	m, _ := newTestManager(t, store, guild)
	ctx := context.Background()
	require.NoError(t, m.Configure(ctx, 300, "", ""))

	var wg sync.WaitGroup
	for _, uid := range []string{"1", "2", "3", "4", "5", "6", "7", "8"} {
		wg.Add(1)
		go func(uid string) {
			defer wg.Done()
			assert.NoError(t, m.StartVerification(ctx, "1", uid))
		}(uid)
	}
	wg.Wait()

	assert.Len(t, store.persisted().Pending, 8)
}

func TestStartVerification_SaveFailureKeepsEntry(t *testing.T) {
	store := &memStore{}
	guild := &mockGuild{}
	m, _ := newTestManager(t, store, guild)
	ctx := context.Background()
	require.NoError(t, m.Configure(ctx, 300, "", ""))

	store.err = errors.New("disk full")
	err := m.StartVerification(ctx, "1", "42")
	require.Error(t, err)
	assert.True(t, m.IsPending(Key{GuildID: "1", UserID: "42"}))
}

func TestKeyText(t *testing.T) {
	var k Key
	require.NoError(t, k.UnmarshalText([]byte("123:456")))
	assert.Equal(t, Key{GuildID: "123", UserID: "456"}, k)

	b, err := k.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "123:456", string(b))

	assert.Error(t, k.UnmarshalText([]byte("123")))
	assert.Error(t, k.UnmarshalText([]byte(":456")))
}

func TestResolve_InFlightReportsNoOp(t *testing.T) {
	store := &memStore{}
	guild := &mockGuild{}
	m, _ := newTestManager(t, store, guild)
	ctx := context.Background()
	key := Key{GuildID: "1", UserID: "42"}

	require.NoError(t, m.Configure(ctx, 300, "", ""))
	require.NoError(t, m.StartVerification(ctx, "1", "42"))

	entered := make(chan struct{})
	release := make(chan struct{})
	guild.On("GetMember", "1", "42").Return(&Member{GuildID: "1", UserID: "42"}, nil).Run(func(mock.Arguments) {
		close(entered)
		<-release
	}).Once()
	guild.On("SendDirectMessage", "42", mock.Anything).Return(nil).Once()

	done := make(chan bool)
	go func() { done <- m.Resolve(ctx, key) }()
	<-entered

	// still pending, but owned by the first call
	assert.True(t, m.IsPending(key))
	assert.False(t, m.Resolve(ctx, key))

	close(release)
	assert.True(t, <-done)
	assert.False(t, m.IsPending(key))
	guild.AssertExpectations(t)
}

func TestResolve_CustomCompletionMessage(t *testing.T) {
	store := &memStore{}
	guild := &mockGuild{}
	m, _ := newTestManager(t, store, guild, WithCompletionMessage("Welcome aboard"))
	ctx := context.Background()
	key := Key{GuildID: "1", UserID: "42"}

	require.NoError(t, m.Configure(ctx, 300, "", ""))
	require.NoError(t, m.StartVerification(ctx, "1", "42"))

	guild.On("GetMember", "1", "42").Return(&Member{GuildID: "1", UserID: "42"}, nil).Once()
	guild.On("SendDirectMessage", "42", "Welcome aboard").Return(nil).Once()

	assert.True(t, m.Resolve(ctx, key))
	guild.AssertExpectations(t)
}
