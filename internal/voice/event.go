// Package voice keeps at most one announcer connection per guild and decides,
// for every voice state change, whether to connect, announce or leave.
package voice

// Occupancy describes one voice channel at the moment an event was received.
type Occupancy struct {
	Humans int
	Self   bool // the bot itself is in the channel
}

// Snapshot maps channel id to its occupancy.
type Snapshot map[string]Occupancy

func (s Snapshot) Humans(channelID string) int {
	return s[channelID].Humans
}

func (s Snapshot) Self(channelID string) bool {
	return s[channelID].Self
}

// Event is one member's voice state change. Empty channel ids mean "not in
// a voice channel".
type Event struct {
	GuildID      string
	MemberID     string
	DisplayName  string
	IsBot        bool
	IsSelf       bool
	OldChannelID string
	NewChannelID string
	Snapshot     Snapshot
}
