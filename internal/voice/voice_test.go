package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keshon/chiwawa/internal/preference"
	"github.com/keshon/chiwawa/internal/storage"
	"github.com/keshon/chiwawa/internal/tts"
)

const guildID = "g1"

type fakeConn struct {
	channelID string

	mu     sync.Mutex
	played []string
	closed int
}

func (c *fakeConn) Play(ctx context.Context, audio []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.played = append(c.played, string(audio))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) Played() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.played...)
}

func (c *fakeConn) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  bool
}

func (d *fakeDialer) Dial(_ context.Context, _, channelID string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, errors.New("dial failed")
	}
	c := &fakeConn{channelID: channelID}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) Conns() []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeConn(nil), d.conns...)
}

// fakeSynth speaks the content back as audio. Content containing "slow"
// takes longer; content containing "silent" yields nothing.
type fakeSynth struct{}

func (fakeSynth) Synthesize(ctx context.Context, msg tts.Message) []byte {
	if strings.Contains(msg.Content, "slow") {
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return nil
		}
	}
	if strings.Contains(msg.Content, "silent") {
		return nil
	}
	return []byte(msg.Content)
}

type fakePrefs map[string]*preference.Record

func (p fakePrefs) Get(_ context.Context, id string) (*preference.Record, error) {
	if rec, ok := p[id]; ok {
		return rec, nil
	}
	return nil, storage.ErrNotFound
}

func newManager(t *testing.T, prefs Preferences) (*Manager, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{}
	m := NewManager(Options{
		Dialer:      d,
		Synthesizer: fakeSynth{},
		Preferences: prefs,
		Defaults:    preference.Defaults{JoinSuffix: " joined", LeaveSuffix: " left"},
		Metrics:     NewMetrics(prometheus.NewRegistry()),
		Logger:      zerolog.Nop(),
	})
	t.Cleanup(m.Close)
	return m, d
}

func join(member, channel string, snap Snapshot) Event {
	return Event{GuildID: guildID, MemberID: member, DisplayName: member, NewChannelID: channel, Snapshot: snap}
}

func leave(member, channel string, snap Snapshot) Event {
	return Event{GuildID: guildID, MemberID: member, DisplayName: member, OldChannelID: channel, Snapshot: snap}
}

func move(member, from, to string, snap Snapshot) Event {
	return Event{GuildID: guildID, MemberID: member, DisplayName: member, OldChannelID: from, NewChannelID: to, Snapshot: snap}
}

func send(t *testing.T, m *Manager, evs ...Event) {
	t.Helper()
	for _, ev := range evs {
		require.NoError(t, m.HandleVoiceStateChange(ev))
	}
}

func stateOf(t *testing.T, m *Manager, id string) (State, string) {
	t.Helper()
	state, ch, err := m.State(id)
	require.NoError(t, err)
	return state, ch
}

func eventuallyPlayed(t *testing.T, c *fakeConn, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.Played()) >= len(want) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, c.Played())
}

func TestManager_FirstHumanConnectsSilently(t *testing.T) {
	m, d := newManager(t, nil)

	send(t, m, join("alice", "c1", Snapshot{"c1": {Humans: 1}}))

	state, ch := stateOf(t, m, guildID)
	assert.Equal(t, ConnectionSilent, state)
	assert.Equal(t, "c1", ch)
	require.Len(t, d.Conns(), 1)
	assert.Empty(t, d.Conns()[0].Played())
}

func TestManager_SecondHumanIsAnnounced(t *testing.T) {
	m, d := newManager(t, nil)

	send(t, m,
		join("alice", "c1", Snapshot{"c1": {Humans: 1}}),
		join("bob", "c1", Snapshot{"c1": {Humans: 2, Self: true}}),
	)
	stateOf(t, m, guildID)

	require.Len(t, d.Conns(), 1)
	eventuallyPlayed(t, d.Conns()[0], "bob joined")
}

func TestManager_JoinIntoCrowdedChannelConnectsAndAnnounces(t *testing.T) {
	m, d := newManager(t, nil)

	send(t, m, join("carol", "c1", Snapshot{"c1": {Humans: 3}}))
	stateOf(t, m, guildID)

	require.Len(t, d.Conns(), 1)
	eventuallyPlayed(t, d.Conns()[0], "carol joined")
}

func TestManager_LastHumanLeavingTearsDown(t *testing.T) {
	m, d := newManager(t, nil)

	send(t, m,
		join("alice", "c1", Snapshot{"c1": {Humans: 1}}),
		leave("alice", "c1", Snapshot{"c1": {Self: true}}),
	)

	state, _ := stateOf(t, m, guildID)
	assert.Equal(t, NoConnection, state)
	require.Len(t, d.Conns(), 1)
	assert.Equal(t, 1, d.Conns()[0].Closed())
}

func TestManager_LeaveWithoutConnectionConnectsAndAnnounces(t *testing.T) {
	m, d := newManager(t, nil)

	send(t, m, leave("bob", "c1", Snapshot{"c1": {Humans: 1}}))
	stateOf(t, m, guildID)

	require.Len(t, d.Conns(), 1)
	eventuallyPlayed(t, d.Conns()[0], "bob left")

	// Leaving an empty channel with no connection does nothing.
	m2, d2 := newManager(t, nil)
	send(t, m2, leave("bob", "c1", Snapshot{}))
	state, _ := m2.State(guildID)
	assert.Equal(t, NoConnection, state)
	assert.Empty(t, d2.Conns())
}

func TestManager_OtherChannelIsIgnored(t *testing.T) {
	m, d := newManager(t, nil)

	send(t, m,
		join("alice", "c1", Snapshot{"c1": {Humans: 1}}),
		join("bob", "c2", Snapshot{"c1": {Humans: 1, Self: true}, "c2": {Humans: 2}}),
		leave("bob", "c2", Snapshot{"c1": {Humans: 1, Self: true}, "c2": {Humans: 1}}),
	)

	_, ch := stateOf(t, m, guildID)
	assert.Equal(t, "c1", ch)
	require.Len(t, d.Conns(), 1)
	assert.Empty(t, d.Conns()[0].Played())
}

func TestManager_SameChannelUpdateIsNoop(t *testing.T) {
	m, d := newManager(t, nil)

	send(t, m,
		join("alice", "c1", Snapshot{"c1": {Humans: 1}}),
		move("alice", "c1", "c1", Snapshot{"c1": {Humans: 1, Self: true}}),
	)
	stateOf(t, m, guildID)
	assert.Len(t, d.Conns(), 1)
}

func TestManager_AnnouncementsKeepEventOrder(t *testing.T) {
	m, d := newManager(t, nil)

	send(t, m,
		join("alice", "c1", Snapshot{"c1": {Humans: 1}}),
		join("slowpoke", "c1", Snapshot{"c1": {Humans: 2, Self: true}}),
		join("bob", "c1", Snapshot{"c1": {Humans: 3, Self: true}}),
		leave("bob", "c1", Snapshot{"c1": {Humans: 2, Self: true}}),
	)
	stateOf(t, m, guildID)

	require.Len(t, d.Conns(), 1)
	eventuallyPlayed(t, d.Conns()[0], "slowpoke joined", "bob joined", "bob left")
}

func TestManager_MutedAndSilentAnnouncementsAreSkipped(t *testing.T) {
	prefs := fakePrefs{
		"mute": {GlobalSettings: &preference.Notification{Muted: true}},
	}
	m, d := newManager(t, prefs)

	send(t, m,
		join("alice", "c1", Snapshot{"c1": {Humans: 1}}),
		join("mute", "c1", Snapshot{"c1": {Humans: 2, Self: true}}),
		join("silent", "c1", Snapshot{"c1": {Humans: 3, Self: true}}),
		join("bob", "c1", Snapshot{"c1": {Humans: 4, Self: true}}),
	)
	stateOf(t, m, guildID)

	require.Len(t, d.Conns(), 1)
	eventuallyPlayed(t, d.Conns()[0], "bob joined")
}

func TestManager_StoredPreferencesAreUsed(t *testing.T) {
	none := ""
	prefs := fakePrefs{
		"bob": {GlobalSettings: &preference.Notification{
			JoinMessage: preference.MessageTemplate{Prefix: "Hi ", Suffix: &none},
		}},
	}
	m, d := newManager(t, prefs)

	send(t, m, join("bob", "c1", Snapshot{"c1": {Humans: 2}}))
	stateOf(t, m, guildID)

	require.Len(t, d.Conns(), 1)
	eventuallyPlayed(t, d.Conns()[0], "Hi bob")
}

func TestManager_SelfMoveFollowsBot(t *testing.T) {
	m, d := newManager(t, nil)

	send(t, m,
		join("alice", "c1", Snapshot{"c1": {Humans: 1}}),
		Event{GuildID: guildID, MemberID: "me", IsBot: true, IsSelf: true,
			OldChannelID: "c1", NewChannelID: "c2",
			Snapshot: Snapshot{"c1": {Humans: 1}, "c2": {Humans: 1, Self: true}}},
	)

	state, ch := stateOf(t, m, guildID)
	assert.Equal(t, ConnectionSilent, state)
	assert.Equal(t, "c2", ch)
	conns := d.Conns()
	require.Len(t, conns, 2)
	assert.Equal(t, 1, conns[0].Closed())
	assert.Equal(t, "c2", conns[1].channelID)
}

func TestManager_SelfMoveIntoEmptyChannelDisconnects(t *testing.T) {
	m, d := newManager(t, nil)

	send(t, m,
		join("alice", "c1", Snapshot{"c1": {Humans: 1}}),
		Event{GuildID: guildID, MemberID: "me", IsBot: true, IsSelf: true,
			OldChannelID: "c1", NewChannelID: "c2",
			Snapshot: Snapshot{"c1": {Humans: 1}, "c2": {Self: true}}},
	)

	state, _ := stateOf(t, m, guildID)
	assert.Equal(t, NoConnection, state)
	assert.Len(t, d.Conns(), 1)
}

func TestManager_OtherBotsAreIgnored(t *testing.T) {
	m, d := newManager(t, nil)

	send(t, m, Event{GuildID: guildID, MemberID: "music", IsBot: true, NewChannelID: "c1",
		Snapshot: Snapshot{"c1": {Humans: 2}}})

	state, _ := stateOf(t, m, guildID)
	assert.Equal(t, NoConnection, state)
	assert.Empty(t, d.Conns())
}

func TestManager_RepairsDroppedConnection(t *testing.T) {
	m, d := newManager(t, nil)

	send(t, m,
		join("alice", "c1", Snapshot{"c1": {Humans: 1}}),
		// Not yet visible in state: no repair before confirmation.
		join("bob", "c2", Snapshot{"c1": {Humans: 1}, "c2": {Humans: 1}}),
	)
	stateOf(t, m, guildID)
	require.Len(t, d.Conns(), 1)

	send(t, m,
		join("carol", "c2", Snapshot{"c1": {Humans: 1, Self: true}, "c2": {Humans: 2}}),
		// The bot got kicked from c1.
		join("dave", "c3", Snapshot{"c1": {Humans: 1}, "c2": {Humans: 2}, "c3": {Humans: 1}}),
	)

	state, ch := stateOf(t, m, guildID)
	assert.Equal(t, ConnectionSilent, state)
	assert.Equal(t, "c1", ch)
	conns := d.Conns()
	require.Len(t, conns, 2)
	assert.Equal(t, 1, conns[0].Closed())
	assert.Equal(t, "c1", conns[1].channelID)
}

func self(from, to string, snap Snapshot) Event {
	return Event{GuildID: guildID, MemberID: "me", IsBot: true, IsSelf: true,
		OldChannelID: from, NewChannelID: to, Snapshot: snap}
}

func TestManager_ReconnectsAfterKickBeforeAnyHumanEvent(t *testing.T) {
	m, d := newManager(t, nil)

	send(t, m,
		join("alice", "c1", Snapshot{"c1": {Humans: 1}}),
		self("", "c1", Snapshot{"c1": {Humans: 1, Self: true}}),
		self("c1", "", Snapshot{"c1": {Humans: 1}}),
		join("bob", "c1", Snapshot{"c1": {Humans: 2}}),
		join("carol", "c1", Snapshot{"c1": {Humans: 3}}),
	)

	state, ch := stateOf(t, m, guildID)
	assert.NotEqual(t, NoConnection, state)
	assert.Equal(t, "c1", ch)
	conns := d.Conns()
	require.Len(t, conns, 2)
	assert.Equal(t, 1, conns[0].Closed())
	assert.Equal(t, "c1", conns[1].channelID)
	eventuallyPlayed(t, conns[1], "bob joined", "carol joined")
}

func TestManager_StaleSelfLeaveKeepsUnconfirmedConnection(t *testing.T) {
	m, d := newManager(t, nil)

	send(t, m,
		join("alice", "c1", Snapshot{"c1": {Humans: 1}}),
		self("c1", "", Snapshot{"c1": {Humans: 1}}),
	)

	state, ch := stateOf(t, m, guildID)
	assert.Equal(t, ConnectionSilent, state)
	assert.Equal(t, "c1", ch)
	require.Len(t, d.Conns(), 1)
	assert.Zero(t, d.Conns()[0].Closed())
}

func TestManager_MoveFromTrackedChannel(t *testing.T) {
	t.Run("last human follows", func(t *testing.T) {
		m, d := newManager(t, nil)
		send(t, m,
			join("alice", "c1", Snapshot{"c1": {Humans: 1}}),
			move("alice", "c1", "c2", Snapshot{"c1": {Self: true}, "c2": {Humans: 1}}),
		)

		state, ch := stateOf(t, m, guildID)
		assert.Equal(t, ConnectionSilent, state)
		assert.Equal(t, "c2", ch)
		conns := d.Conns()
		require.Len(t, conns, 2)
		assert.Equal(t, 1, conns[0].Closed())
	})

	t.Run("others remain", func(t *testing.T) {
		m, d := newManager(t, nil)
		send(t, m,
			join("alice", "c1", Snapshot{"c1": {Humans: 1}}),
			join("bob", "c1", Snapshot{"c1": {Humans: 2, Self: true}}),
			move("bob", "c1", "c2", Snapshot{"c1": {Humans: 1, Self: true}, "c2": {Humans: 1}}),
		)

		_, ch := stateOf(t, m, guildID)
		assert.Equal(t, "c1", ch)
		require.Len(t, d.Conns(), 1)
		eventuallyPlayed(t, d.Conns()[0], "bob joined", "bob left")
	})

	t.Run("into tracked channel", func(t *testing.T) {
		m, d := newManager(t, nil)
		send(t, m,
			join("alice", "c1", Snapshot{"c1": {Humans: 1}}),
			move("bob", "c2", "c1", Snapshot{"c1": {Humans: 2, Self: true}}),
		)
		stateOf(t, m, guildID)
		require.Len(t, d.Conns(), 1)
		eventuallyPlayed(t, d.Conns()[0], "bob joined")
	})
}

func TestManager_DialFailureLeavesNoConnection(t *testing.T) {
	m, d := newManager(t, nil)
	d.fail = true

	send(t, m, join("alice", "c1", Snapshot{"c1": {Humans: 3}}))
	state, _ := stateOf(t, m, guildID)
	assert.Equal(t, NoConnection, state)
}

func TestManager_CloseReleasesConnections(t *testing.T) {
	d := &fakeDialer{}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	m := NewManager(Options{Dialer: d, Synthesizer: fakeSynth{}, Metrics: metrics, Logger: zerolog.Nop()})

	send(t, m,
		join("alice", "c1", Snapshot{"c1": {Humans: 1}}),
		Event{GuildID: "g2", MemberID: "bob", NewChannelID: "c9", Snapshot: Snapshot{"c9": {Humans: 1}}},
	)
	stateOf(t, m, guildID)
	stateOf(t, m, "g2")
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.connections))

	m.Close()
	m.Close()

	for _, c := range d.Conns() {
		assert.Equal(t, 1, c.Closed())
	}
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.connections))
	assert.ErrorIs(t, m.HandleVoiceStateChange(join("x", "c1", nil)), ErrClosed)

	state, ch, err := m.State(guildID)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, NoConnection, state)
	assert.Empty(t, ch)
}

func TestPlan(t *testing.T) {
	tests := []struct {
		state  State
		kind   Kind
		humans int
		want   []Action
	}{
		{NoConnection, Arrive, 0, []Action{Connect}},
		{NoConnection, Arrive, 1, []Action{Connect}},
		{NoConnection, Arrive, 2, []Action{Connect, AnnounceJoin}},
		{NoConnection, Depart, 0, nil},
		{NoConnection, Depart, 1, []Action{Connect, AnnounceLeave}},
		{NoConnection, Depart, 5, []Action{Connect, AnnounceLeave}},
		{ConnectionSilent, Arrive, 1, nil},
		{ConnectionActive, Arrive, 3, []Action{AnnounceJoin}},
		{ConnectionSilent, Depart, 0, []Action{Teardown}},
		{ConnectionActive, Depart, 0, []Action{Teardown}},
		{ConnectionActive, Depart, 1, []Action{AnnounceLeave}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Plan(tt.state, tt.kind, tt.humans), "%s %s %d", tt.state, tt.kind, tt.humans)
	}
}
