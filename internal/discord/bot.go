package discord

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/keshon/chiwawa/internal/authcode"
	"github.com/keshon/chiwawa/internal/logger"
	"github.com/keshon/chiwawa/internal/preference"
	"github.com/keshon/chiwawa/internal/voice"
)

const intents = discordgo.IntentGuilds |
	discordgo.IntentGuildMembers |
	discordgo.IntentGuildVoiceStates |
	discordgo.IntentGuildMessages |
	discordgo.IntentMessageContent |
	discordgo.IntentDirectMessages

// VoiceHandler receives voice state changes in gateway order.
type VoiceHandler interface {
	HandleVoiceStateChange(ev voice.Event) error
}

type Options struct {
	// Voice is nil when announcements are disabled.
	Voice VoiceHandler
	// LoginPrompt answers "@bot" mentions with a one-time dashboard link.
	LoginPrompt bool
	RedirectURI string
}

// Bot is the gateway side of the announcer.
type Bot struct {
	dg    *discordgo.Session
	opts  Options
	codes *authcode.Store
	log   zerolog.Logger
}

// NewSession creates an unopened session. Events are dispatched
// synchronously so voice updates reach the manager in gateway order.
func NewSession(token string) (*discordgo.Session, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	dg.SyncEvents = true
	dg.StateEnabled = true
	dg.Identify.Intents = intents
	return dg, nil
}

func New(dg *discordgo.Session, opts Options) *Bot {
	b := &Bot{dg: dg, opts: opts, log: logger.Component("discord")}
	b.codes = authcode.New(b.deletePrompt)
	return b
}

// AuthCodes is the store filled by mention logins.
func (b *Bot) AuthCodes() *authcode.Store {
	return b.codes
}

// Run opens the gateway and blocks until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	b.dg.AddHandler(b.onReady)
	b.dg.AddHandler(b.onGuildCreate)
	if b.opts.Voice != nil {
		b.dg.AddHandler(b.onVoiceStateUpdate)
	}
	if b.opts.LoginPrompt {
		b.dg.AddHandler(b.onMessageCreate)
	}

	if err := b.dg.Open(); err != nil {
		return fmt.Errorf("failed to open Discord session: %w", err)
	}
	defer b.dg.Close()

	<-ctx.Done()
	b.log.Info().Msg("shutting down gateway")
	return nil
}

// JoinedGuildIDs lists the guilds the bot is a member of.
func (b *Bot) JoinedGuildIDs() []string {
	b.dg.State.RLock()
	defer b.dg.State.RUnlock()

	ids := make([]string, 0, len(b.dg.State.Guilds))
	for _, g := range b.dg.State.Guilds {
		ids = append(ids, g.ID)
	}
	return ids
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	b.log.Info().Str("user", r.User.Username).Int("guilds", len(r.Guilds)).Msg("discord bot is running")
}

func (b *Bot) onGuildCreate(s *discordgo.Session, g *discordgo.GuildCreate) {
	b.log.Debug().Str("guild", g.ID).Str("name", g.Name).Msg("guild available")
}

func (b *Bot) onVoiceStateUpdate(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs.VoiceState == nil || vs.GuildID == "" {
		return
	}

	ev := voice.Event{
		GuildID:      vs.GuildID,
		MemberID:     vs.UserID,
		NewChannelID: vs.ChannelID,
		IsSelf:       s.State.User != nil && vs.UserID == s.State.User.ID,
	}
	if vs.BeforeUpdate != nil {
		ev.OldChannelID = vs.BeforeUpdate.ChannelID
	}

	member := vs.Member
	if member == nil {
		member, _ = s.State.Member(vs.GuildID, vs.UserID)
	}
	if member != nil && member.User != nil {
		ev.IsBot = member.User.Bot
		ev.DisplayName = preference.DisplayName(member.Nick, member.User.GlobalName, member.User.Username)
	}
	ev.IsBot = ev.IsBot || ev.IsSelf

	ev.Snapshot = b.snapshot(vs.GuildID)

	if err := b.opts.Voice.HandleVoiceStateChange(ev); err != nil {
		b.log.Warn().Err(err).Str("guild", vs.GuildID).Msg("voice state change dropped")
	}
}

// snapshot counts humans per voice channel from the session state, which
// discordgo has already updated for the current event.
func (b *Bot) snapshot(guildID string) voice.Snapshot {
	state := b.dg.State
	selfID := ""
	if state.User != nil {
		selfID = state.User.ID
	}

	var states []*discordgo.VoiceState
	if g, err := state.Guild(guildID); err == nil {
		state.RLock()
		states = append(states, g.VoiceStates...)
		state.RUnlock()
	}

	return buildSnapshot(states, selfID, func(vs *discordgo.VoiceState) bool {
		if vs.Member != nil && vs.Member.User != nil {
			return vs.Member.User.Bot
		}
		m, err := state.Member(guildID, vs.UserID)
		return err == nil && m.User != nil && m.User.Bot
	})
}

func buildSnapshot(states []*discordgo.VoiceState, selfID string, isBot func(*discordgo.VoiceState) bool) voice.Snapshot {
	snap := voice.Snapshot{}
	for _, vs := range states {
		if vs == nil || vs.ChannelID == "" {
			continue
		}
		occ := snap[vs.ChannelID]
		switch {
		case vs.UserID == selfID:
			occ.Self = true
		case !isBot(vs):
			occ.Humans++
		}
		snap[vs.ChannelID] = occ
	}
	return snap
}

// onMessageCreate answers a bare mention with a one-time login link.
func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if s.State.User == nil || m.Author == nil || m.Author.Bot {
		return
	}
	if !isBareMention(m.Content, s.State.User.ID) {
		return
	}

	code := authcode.NewCode()
	msg, err := s.ChannelMessageSend(m.ChannelID, b.opts.RedirectURI+"?code="+code)
	if err != nil {
		b.log.Error().Err(err).Str("channel", m.ChannelID).Msg("failed to send login link")
		return
	}
	b.codes.Add(code, m.Author.ID, authcode.Prompt{ChannelID: msg.ChannelID, MessageID: msg.ID})
}

func isBareMention(content, botID string) bool {
	return strings.ReplaceAll(strings.TrimSpace(content), "!", "") == "<@"+botID+">"
}

func (b *Bot) deletePrompt(p authcode.Prompt) {
	if p.MessageID == "" {
		return
	}
	if err := b.dg.ChannelMessageDelete(p.ChannelID, p.MessageID); err != nil {
		b.log.Warn().Err(err).Str("message", p.MessageID).Msg("failed to delete login prompt")
	}
}

// Dialer joins voice channels through the session.
type Dialer struct {
	Session *discordgo.Session
}

func (d Dialer) Dial(_ context.Context, guildID, channelID string) (voice.Conn, error) {
	vc, err := d.Session.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		if vc != nil {
			vc.Disconnect()
		}
		return nil, fmt.Errorf("failed to join voice channel: %w", err)
	}
	return voice.NewDiscordConn(vc), nil
}
