// Package preference turns a member's stored notification settings into the
// spoken join and leave announcements.
package preference

import (
	"errors"
	"fmt"
)

var ErrMalformed = errors.New("malformed preference record")

// MessageTemplate is one user-authored announcement. A nil Suffix means the
// user never set one; an empty Suffix asks for no suffix at all.
type MessageTemplate struct {
	Prefix   string  `json:"prefix" bson:"prefix"`
	Content  string  `json:"content" bson:"content"`
	Suffix   *string `json:"suffix,omitempty" bson:"suffix,omitempty"`
	Language string  `json:"language,omitempty" bson:"language,omitempty"`
	Voice    string  `json:"voice,omitempty" bson:"voice,omitempty"`
}

// Notification is the settings tuple used globally and per guild.
type Notification struct {
	InheritGlobal bool            `json:"inheritGlobal" bson:"inheritGlobal"`
	Muted         bool            `json:"muted" bson:"muted"`
	JoinMessage   MessageTemplate `json:"joinMessage" bson:"joinMessage"`
	LeaveMessage  MessageTemplate `json:"leaveMessage" bson:"leaveMessage"`
}

// Record is everything stored for one user.
type Record struct {
	ID             string                   `json:"id" bson:"id"`
	GlobalSettings *Notification            `json:"globalSettings" bson:"globalSettings"`
	GuildSettings  map[string]*Notification `json:"guildSettings" bson:"guildSettings"`
}

// Empty is the record shown to users who never saved settings. Its suffixes
// are explicitly empty.
func Empty(id string) *Record {
	none := func() *string { s := ""; return &s }
	return &Record{
		ID: id,
		GlobalSettings: &Notification{
			JoinMessage:  MessageTemplate{Suffix: none()},
			LeaveMessage: MessageTemplate{Suffix: none()},
		},
		GuildSettings: map[string]*Notification{},
	}
}

// Validate reports whether r has the shape a client must submit.
func (r *Record) Validate() error {
	if r == nil || r.GlobalSettings == nil {
		return fmt.Errorf("%w: globalSettings is required", ErrMalformed)
	}
	if r.GuildSettings == nil {
		return fmt.Errorf("%w: guildSettings is required", ErrMalformed)
	}
	for id, n := range r.GuildSettings {
		if n == nil {
			return fmt.Errorf("%w: guild %s has no settings", ErrMalformed, id)
		}
	}
	return nil
}

// Member identifies who moved and where.
type Member struct {
	ID          string
	GuildID     string
	DisplayName string
}

// DisplayName picks the name Discord shows for a member.
func DisplayName(nick, globalName, username string) string {
	switch {
	case nick != "":
		return nick
	case globalName != "":
		return globalName
	default:
		return username
	}
}

// Defaults are the configured suffixes appended when a template sets none.
type Defaults struct {
	JoinSuffix  string
	LeaveSuffix string
}

// Message is a resolved announcement ready for synthesis.
type Message struct {
	Content  string
	Language string
	Voice    string
}

// Messages is the pair produced for one member.
type Messages struct {
	Join  Message
	Leave Message
}
