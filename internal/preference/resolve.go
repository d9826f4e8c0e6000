package preference

import (
	"regexp"
	"strings"
)

// Resolve builds the announcements for member. The second result is false
// when the chosen settings are muted.
func Resolve(member Member, rec *Record, defaults Defaults) (Messages, bool) {
	n := pick(rec, member.GuildID)
	if n == nil {
		return fromName(member.DisplayName, defaults), true
	}
	if n.Muted {
		return Messages{}, false
	}

	join := n.JoinMessage
	leave := n.LeaveMessage

	return Messages{
		Join: Message{
			Content:  join.Prefix + or(join.Content, member.DisplayName) + suffix(join.Suffix, defaults.JoinSuffix),
			Language: join.Language,
			Voice:    join.Voice,
		},
		Leave: Message{
			Content:  or(leave.Prefix, join.Prefix) + or(leave.Content, member.DisplayName) + suffix(leave.Suffix, defaults.LeaveSuffix),
			Language: or(leave.Language, join.Language),
			Voice:    or(leave.Voice, join.Voice),
		},
	}, true
}

// pick returns the settings that apply in guildID, or nil when the record
// is missing or unusable.
func pick(rec *Record, guildID string) *Notification {
	if rec == nil || rec.GlobalSettings == nil {
		return nil
	}
	g, ok := rec.GuildSettings[guildID]
	if !ok {
		return rec.GlobalSettings
	}
	if g == nil {
		return nil
	}
	if g.InheritGlobal {
		return rec.GlobalSettings
	}
	return g
}

func suffix(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}

func or(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

var (
	nameTail     = regexp.MustCompile(`:.*`)
	voiceStrip   = regexp.MustCompile(`.*:|\.$`)
	actorTail    = regexp.MustCompile(`[0-9a-zA-Z]*$`)
	trailingDash = regexp.MustCompile(`-$`)
	actorPrefix  = regexp.MustCompile(`.*-`)
)

// fromName derives announcements for users without settings from a display
// name like "Bob:en-US-Jenny". A trailing "." turns the default suffixes off.
func fromName(name string, defaults Defaults) Messages {
	content := replaceFirst(nameTail, name)
	voice := voiceStrip.ReplaceAllString(name, "")
	language := replaceFirst(trailingDash, replaceFirst(actorTail, voice))
	actor := actorPrefix.ReplaceAllString(voice, "")

	msg := Message{Content: content, Language: language, Voice: actor}
	out := Messages{Join: msg, Leave: msg}
	if !strings.HasSuffix(name, ".") {
		out.Join.Content += defaults.JoinSuffix
		out.Leave.Content += defaults.LeaveSuffix
	}
	return out
}

func replaceFirst(re *regexp.Regexp, s string) string {
	loc := re.FindStringIndex(s)
	if loc == nil {
		return s
	}
	return s[:loc[0]] + s[loc[1]:]
}
