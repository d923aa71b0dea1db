package xcluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/omeyang/xguard/pkg/observability/xlog"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const interval = 10 * time.Second

func newManager(t *testing.T) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	m, err := New(Member{ID: "self", Host: "10.0.0.1", Port: 7000},
		Config{HeartbeatInterval: interval},
		WithClock(clock.Now), WithLogger(xlog.Discard()))
	require.NoError(t, err)
	return m, clock
}

func add(t *testing.T, m *Manager, id string) {
	t.Helper()
	_, err := m.AddMember(Member{ID: id, Host: "10.0.1." + id, Port: 7000})
	require.NoError(t, err)
}

func status(t *testing.T, m *Manager, id string) Status {
	t.Helper()
	mem, ok := m.Member(id)
	require.True(t, ok)
	return mem.Status
}

func TestNew_SelfIsPrimary(t *testing.T) {
	m, _ := newManager(t)
	assert.True(t, m.IsPrimary())
	p, ok := m.Primary()
	require.True(t, ok)
	assert.Equal(t, "self", p.ID)
	assert.Equal(t, RolePrimary, p.Role)
	assert.Equal(t, StatusActive, p.Status)
	assert.Equal(t, interval, m.HeartbeatInterval())

	_, err := New(Member{}, Config{})
	assert.ErrorIs(t, err, ErrInvalidMember)

	gen, err := New(Member{Host: "h"}, Config{}, WithLogger(xlog.Discard()))
	require.NoError(t, err)
	_, err = uuid.Parse(gen.SelfID())
	assert.NoError(t, err)
	assert.Equal(t, DefaultHeartbeatInterval, gen.HeartbeatInterval())
}

func TestAddMember(t *testing.T) {
	m, _ := newManager(t)
	mem, err := m.AddMember(Member{ID: "a", Host: "h", Role: RolePrimary})
	require.NoError(t, err)
	assert.Equal(t, RoleSecondary, mem.Role, "primary cannot be assigned by AddMember")
	assert.Equal(t, "a", mem.NodeID)

	arb, err := m.AddMember(Member{ID: "arb", Host: "h", Role: RoleArbiter})
	require.NoError(t, err)
	assert.Equal(t, RoleArbiter, arb.Role)

	_, err = m.AddMember(Member{ID: "self", Host: "h"})
	assert.ErrorIs(t, err, ErrInvalidMember)
	_, err = m.AddMember(Member{ID: "b"})
	assert.ErrorIs(t, err, ErrInvalidMember)

	ids := make([]string, 0, 3)
	for _, mem := range m.Members() {
		ids = append(ids, mem.ID)
	}
	assert.Equal(t, []string{"self", "a", "arb"}, ids, "self first, then by joined time and ID")
}

func TestMembers_Order(t *testing.T) {
	m, clock := newManager(t)
	clock.Advance(time.Second)
	add(t, m, "z")
	clock.Advance(time.Second)
	add(t, m, "b")
	add(t, m, "a")

	ids := make([]string, 0, 4)
	for _, mem := range m.Members() {
		ids = append(ids, mem.ID)
	}
	assert.Equal(t, []string{"self", "z", "a", "b"}, ids)
}

func TestCheckMemberHealth_Classification(t *testing.T) {
	m, clock := newManager(t)
	add(t, m, "a")
	add(t, m, "b")
	add(t, m, "c")

	clock.Advance(15 * time.Second)
	require.True(t, m.RecordHeartbeat("a"))
	m.CheckMemberHealth()
	assert.Equal(t, StatusActive, status(t, m, "a"))
	assert.Equal(t, StatusActive, status(t, m, "b"), "exactly 1.5x interval is still active")

	clock.Advance(time.Second)
	m.CheckMemberHealth()
	assert.Equal(t, StatusDegraded, status(t, m, "b"))

	clock.Advance(15 * time.Second)
	require.True(t, m.RecordHeartbeat("c"))
	m.CheckMemberHealth()
	assert.Equal(t, StatusInactive, status(t, m, "b"))
	assert.Equal(t, StatusActive, status(t, m, "c"))
	assert.Equal(t, StatusDegraded, status(t, m, "a"))
	assert.Equal(t, StatusActive, status(t, m, "self"), "self is always active")

	require.True(t, m.RecordHeartbeat("b"))
	assert.Equal(t, StatusActive, status(t, m, "b"), "heartbeat revives an inactive member")
	assert.False(t, m.RecordHeartbeat("missing"))

	s := m.Status()
	assert.Equal(t, 4, s.TotalMembers)
	assert.Equal(t, 3, s.ActiveMembers)
	assert.Equal(t, 1, s.DegradedMembers)
	assert.Equal(t, "self", s.PrimaryID)
	assert.True(t, s.IsPrimary)
	assert.Equal(t, int64(10_000), s.HeartbeatInterval)
}

func TestElectNewPrimary(t *testing.T) {
	m, clock := newManager(t)
	add(t, m, "a")
	add(t, m, "b")
	_, _ = m.AddMember(Member{ID: "arbiter", Host: "h", Role: RoleArbiter})

	clock.Advance(time.Second)
	m.RecordHeartbeat("b")
	clock.Advance(time.Second)
	m.RecordHeartbeat("arbiter")

	p, ok := m.ElectNewPrimary()
	require.True(t, ok)
	assert.Equal(t, "b", p.ID, "most recent heartbeat among secondaries")
	assert.False(t, m.IsPrimary())
	self, _ := m.Member("self")
	assert.Equal(t, RoleSecondary, self.Role, "previous primary is demoted")

	got, _ := m.Primary()
	assert.Equal(t, "b", got.ID)
}

func TestElectNewPrimary_SkipsInactive(t *testing.T) {
	m, clock := newManager(t)
	add(t, m, "a")
	clock.Advance(31 * time.Second)
	m.CheckMemberHealth()
	require.Equal(t, StatusInactive, status(t, m, "a"))

	_, ok := m.ElectNewPrimary()
	assert.False(t, ok, "no eligible secondary")
	assert.True(t, m.IsPrimary())
}

func TestRemovePrimary_TriggersElection(t *testing.T) {
	m, clock := newManager(t)
	add(t, m, "a")
	add(t, m, "b")
	clock.Advance(time.Second)
	m.RecordHeartbeat("a")

	p, ok := m.ElectNewPrimary()
	require.True(t, ok)
	require.Equal(t, "a", p.ID)

	assert.True(t, m.RemoveMember("a"))
	np, ok := m.Primary()
	require.True(t, ok)
	assert.NotEqual(t, "a", np.ID)
	assert.Equal(t, RolePrimary, np.Role)

	assert.False(t, m.RemoveMember("self"))
	assert.False(t, m.RemoveMember("a"))
}

func TestCheckMemberHealth_InactivePrimaryReelects(t *testing.T) {
	m, clock := newManager(t)
	add(t, m, "a")
	p, ok := m.ElectNewPrimary()
	require.True(t, ok)
	require.Equal(t, "a", p.ID)

	clock.Advance(31 * time.Second)
	m.CheckMemberHealth()
	assert.Equal(t, StatusInactive, status(t, m, "a"))
	assert.True(t, m.IsPrimary(), "self takes over from the inactive primary")
	a, _ := m.Member("a")
	assert.Equal(t, RoleSecondary, a.Role)
}

func TestUpdateMetrics(t *testing.T) {
	m, _ := newManager(t)
	in := map[string]float64{"cpu": 0.5}
	assert.True(t, m.UpdateMetrics("self", in))
	in["cpu"] = 1
	self, _ := m.Member("self")
	assert.InDelta(t, 0.5, self.Metrics["cpu"], 1e-9)
	assert.False(t, m.UpdateMetrics("missing", in))
}

func TestHealthChecks_StartStop(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m, err := New(Member{ID: "self", Host: "h"}, Config{HeartbeatInterval: 5 * time.Millisecond},
		WithClock(clock.Now), WithLogger(xlog.Discard()))
	require.NoError(t, err)
	add(t, m, "a")
	clock.Advance(time.Second)

	assert.True(t, m.StartHealthChecks(context.Background()))
	assert.False(t, m.StartHealthChecks(context.Background()))
	assert.True(t, m.Status().HealthChecking)
	assert.Eventually(t, func() bool {
		mem, _ := m.Member("a")
		return mem.Status == StatusInactive
	}, time.Second, 5*time.Millisecond)

	m.StopHealthChecks()
	m.StopHealthChecks()
	assert.False(t, m.Status().HealthChecking)
}
