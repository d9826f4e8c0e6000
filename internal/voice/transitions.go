package voice

import "strings"

// State of a guild's connection.
type State int

const (
	NoConnection State = iota
	ConnectionSilent
	ConnectionActive
)

func (s State) String() string {
	switch s {
	case ConnectionSilent:
		return "silent"
	case ConnectionActive:
		return "active"
	default:
		return "none"
	}
}

// Kind is what a member did relative to a channel.
type Kind int

const (
	Arrive Kind = iota
	Depart
)

func (k Kind) String() string {
	if k == Depart {
		return "depart"
	}
	return "arrive"
}

// Bucket groups the human count of the affected channel.
type Bucket int

const (
	NoHumans Bucket = iota
	OneHuman
	ManyHumans
)

func bucketOf(humans int) Bucket {
	switch {
	case humans <= 0:
		return NoHumans
	case humans == 1:
		return OneHuman
	default:
		return ManyHumans
	}
}

// Action is one step the manager performs.
type Action int

const (
	Connect Action = iota
	AnnounceJoin
	AnnounceLeave
	Teardown
)

func (a Action) String() string {
	return [...]string{"connect", "announce-join", "announce-leave", "teardown"}[a]
}

type transitionKey struct {
	state  State
	kind   Kind
	bucket Bucket
}

// transitions lists the actions for every reachable combination. Missing
// keys mean "do nothing".
var transitions = func() map[transitionKey][]Action {
	t := map[transitionKey][]Action{
		{NoConnection, Arrive, NoHumans}:   {Connect},
		{NoConnection, Arrive, OneHuman}:   {Connect},
		{NoConnection, Arrive, ManyHumans}: {Connect, AnnounceJoin},
		{NoConnection, Depart, OneHuman}:   {Connect, AnnounceLeave},
		{NoConnection, Depart, ManyHumans}: {Connect, AnnounceLeave},
	}
	for _, s := range []State{ConnectionSilent, ConnectionActive} {
		t[transitionKey{s, Arrive, ManyHumans}] = []Action{AnnounceJoin}
		t[transitionKey{s, Depart, NoHumans}] = []Action{Teardown}
		t[transitionKey{s, Depart, OneHuman}] = []Action{AnnounceLeave}
		t[transitionKey{s, Depart, ManyHumans}] = []Action{AnnounceLeave}
	}
	return t
}()

// Plan returns the actions for a transition.
func Plan(state State, kind Kind, humans int) []Action {
	return transitions[transitionKey{state, kind, bucketOf(humans)}]
}

func describe(actions []Action) string {
	if len(actions) == 0 {
		return "none"
	}
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = a.String()
	}
	return strings.Join(names, ",")
}
