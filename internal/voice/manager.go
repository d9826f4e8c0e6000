package voice

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/keshon/chiwawa/internal/preference"
	"github.com/keshon/chiwawa/internal/storage"
	"github.com/keshon/chiwawa/internal/tts"
	"github.com/keshon/chiwawa/pkg/util"
)

var ErrClosed = errors.New("voice manager is closed")

const closeWorkers = 8

// Dialer opens audio connections.
type Dialer interface {
	Dial(ctx context.Context, guildID, channelID string) (Conn, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, msg tts.Message) []byte
}

// Preferences looks up stored settings; storage.ErrNotFound means none.
type Preferences interface {
	Get(ctx context.Context, userID string) (*preference.Record, error)
}

type Options struct {
	Dialer      Dialer
	Synthesizer Synthesizer
	Preferences Preferences // optional
	Defaults    preference.Defaults
	Metrics     *Metrics // optional
	Logger      zerolog.Logger
}

// Manager routes events to one goroutine per guild, so a guild's events are
// handled strictly in order while guilds proceed independently.
type Manager struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	guilds map[string]*guild
	closed bool
	wg     sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		guilds: make(map[string]*guild),
	}
}

// HandleVoiceStateChange queues ev for its guild. It never blocks on
// network work.
func (m *Manager) HandleVoiceStateChange(ev Event) error {
	if ev.GuildID == "" {
		return errors.New("voice state change without guild")
	}
	g, err := m.guild(ev.GuildID)
	if err != nil {
		return err
	}
	g.enqueue(func() { g.handle(ev) })
	return nil
}

// Close stops every guild loop and releases all connections.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	guilds := make([]*guild, 0, len(m.guilds))
	for _, g := range m.guilds {
		guilds = append(guilds, g)
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	// Loops have exited, so connections can be released concurrently.
	_ = util.Parallel(context.Background(), guilds, closeWorkers, func(_ context.Context, g *guild) error {
		if g.conn != nil {
			g.teardown()
		}
		return nil
	})
}

func (m *Manager) guild(id string) (*guild, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	g, ok := m.guilds[id]
	if !ok {
		g = &guild{
			id:   id,
			m:    m,
			log:  m.opts.Logger.With().Str("guild", id).Logger(),
			wake: make(chan struct{}, 1),
		}
		m.guilds[id] = g
		m.wg.Add(1)
		go g.loop(m.ctx)
	}
	return g, nil
}

// inspect runs fn on the guild's goroutine and waits for it.
func (m *Manager) inspect(guildID string, fn func(g *guild)) error {
	g, err := m.guild(guildID)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	g.enqueue(func() {
		defer close(done)
		fn(g)
	})
	select {
	case <-done:
		return nil
	case <-m.ctx.Done():
		return ErrClosed
	}
}

// State returns the guild's connection state and tracked channel. It fails
// with ErrClosed once the manager is closed.
func (m *Manager) State(guildID string) (State, string, error) {
	state, channel := NoConnection, ""
	err := m.inspect(guildID, func(g *guild) {
		state = g.state()
		if g.conn != nil {
			channel = g.conn.channelID
		}
	})
	if err != nil {
		return NoConnection, "", err
	}
	return state, channel, nil
}

type connection struct {
	channelID string
	// confirmed is set once a snapshot showed the bot in channelID.
	confirmed bool
	queue     *Queue
}

type guild struct {
	id  string
	m   *Manager
	log zerolog.Logger

	mu    sync.Mutex
	inbox []func()
	wake  chan struct{}

	// Only touched by loop.
	conn *connection
}

func (g *guild) enqueue(fn func()) {
	g.mu.Lock()
	g.inbox = append(g.inbox, fn)
	g.mu.Unlock()

	select {
	case g.wake <- struct{}{}:
	default:
	}
}

func (g *guild) loop(ctx context.Context) {
	defer g.m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.wake:
		}

		for {
			g.mu.Lock()
			if len(g.inbox) == 0 {
				g.mu.Unlock()
				break
			}
			fn := g.inbox[0]
			g.inbox[0] = nil
			g.inbox = g.inbox[1:]
			g.mu.Unlock()

			fn()
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (g *guild) state() State {
	switch {
	case g.conn == nil:
		return NoConnection
	case g.conn.queue.State() == Playing:
		return ConnectionActive
	default:
		return ConnectionSilent
	}
}

func (g *guild) handle(ev Event) {
	snap := ev.Snapshot
	oldCh, newCh := ev.OldChannelID, ev.NewChannelID

	if ev.IsSelf {
		g.handleSelf(oldCh, newCh, snap)
		return
	}
	if ev.IsBot {
		return
	}

	g.repair(snap)

	switch {
	case oldCh == newCh:
		return
	case oldCh == "":
		g.apply(ev, Arrive, newCh)
	case newCh == "":
		g.apply(ev, Depart, oldCh)
	default:
		g.move(ev, oldCh, newCh)
	}
}

// handleSelf follows the bot's own voice state. A disconnect only counts once
// the connection was confirmed, so the leave event of a connection replaced
// by repair does not tear down its successor.
func (g *guild) handleSelf(oldCh, newCh string, snap Snapshot) {
	if g.conn == nil {
		return
	}
	ch := g.conn.channelID

	switch {
	case newCh == ch:
		g.conn.confirmed = true
	case oldCh != "" && newCh != "" && oldCh != newCh:
		// Someone dragged the bot to another channel.
		g.log.Info().Str("from", oldCh).Str("to", newCh).Msg("bot was moved")
		g.teardown()
		if snap.Humans(newCh) >= 1 {
			g.connect(newCh)
		}
	case oldCh == ch && newCh == "" && g.conn.confirmed:
		g.log.Warn().Str("channel", ch).Msg("bot was disconnected, reconnecting")
		g.teardown()
		if snap.Humans(ch) > 0 {
			g.connect(ch)
		}
	}
}

// repair reconnects when the bot silently dropped out of its channel.
func (g *guild) repair(snap Snapshot) {
	if g.conn == nil {
		return
	}
	ch := g.conn.channelID
	if snap.Self(ch) {
		g.conn.confirmed = true
		return
	}
	if !g.conn.confirmed {
		return
	}

	g.log.Warn().Str("channel", ch).Msg("bot no longer in channel, reconnecting")
	g.teardown()
	if snap.Humans(ch) > 0 {
		g.connect(ch)
	}
}

func (g *guild) move(ev Event, oldCh, newCh string) {
	switch {
	case g.conn == nil || g.conn.channelID == newCh:
		g.apply(ev, Arrive, newCh)
	case g.conn.channelID == oldCh:
		if g.apply(ev, Depart, oldCh) {
			g.apply(ev, Arrive, newCh)
		}
	}
}

// apply runs the transition table for channelID and reports whether the
// connection was torn down.
func (g *guild) apply(ev Event, kind Kind, channelID string) bool {
	if g.conn != nil && g.conn.channelID != channelID {
		return false
	}

	state := g.state()
	humans := ev.Snapshot.Humans(channelID)
	actions := Plan(state, kind, humans)

	g.log.Debug().
		Str("member", ev.MemberID).
		Str("channel", channelID).
		Stringer("state", state).
		Stringer("kind", kind).
		Int("humans", humans).
		Str("actions", describe(actions)).
		Msg("voice transition")

	torn := false
	for _, a := range actions {
		switch a {
		case Connect:
			if !g.connect(channelID) {
				return false
			}
		case AnnounceJoin:
			g.announce(ev, false)
		case AnnounceLeave:
			g.announce(ev, true)
		case Teardown:
			g.teardown()
			torn = true
		}
	}
	return torn
}

func (g *guild) connect(channelID string) bool {
	conn, err := g.m.opts.Dialer.Dial(g.m.ctx, g.id, channelID)
	g.m.opts.Metrics.connected(err)
	if err != nil {
		g.log.Error().Err(err).Str("channel", channelID).Msg("failed to join voice channel")
		return false
	}

	q := NewQueue(conn, g.log.With().Str("channel", channelID).Logger())
	q.played = g.m.opts.Metrics.played
	g.conn = &connection{channelID: channelID, queue: q}

	g.log.Info().Str("channel", channelID).Msg("joined voice channel")
	return true
}

func (g *guild) teardown() {
	g.log.Info().Str("channel", g.conn.channelID).Msg("leaving voice channel")
	g.conn.queue.Destroy()
	g.conn = nil
	g.m.opts.Metrics.disconnected()
}

// announce reserves the clip's place in the queue now and synthesizes in the
// background.
func (g *guild) announce(ev Event, leave bool) {
	clip := NewClip()
	g.conn.queue.Push(clip)

	kind := "join"
	if leave {
		kind = "leave"
	}
	g.m.opts.Metrics.announced(kind)

	member := preference.Member{ID: ev.MemberID, GuildID: ev.GuildID, DisplayName: ev.DisplayName}
	ctx := g.m.ctx
	go func() {
		msgs, ok := g.m.messages(ctx, member)
		if !ok {
			g.m.opts.Metrics.skipped()
			clip.Fill(nil)
			return
		}

		msg := msgs.Join
		if leave {
			msg = msgs.Leave
		}
		audio := g.m.opts.Synthesizer.Synthesize(ctx, tts.Message(msg))
		if len(audio) == 0 {
			g.m.opts.Metrics.skipped()
		}
		clip.Fill(audio)
	}()
}

func (m *Manager) messages(ctx context.Context, member preference.Member) (preference.Messages, bool) {
	var rec *preference.Record
	if m.opts.Preferences != nil {
		var err error
		rec, err = m.opts.Preferences.Get(ctx, member.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			m.opts.Logger.Warn().Err(err).Str("member", member.ID).Msg("failed to load preferences, using name")
		}
		if err != nil {
			rec = nil
		}
	}
	return preference.Resolve(member, rec, m.opts.Defaults)
}
