package mutation

import (
	"fmt"
	"slices"
)

// Kind is the interaction a mutation changes.
type Kind string

const (
	KindFavorite Kind = "favorite"
	KindFollow   Kind = "follow"
	KindRating   Kind = "rating"
)

// affects lists, per kind, the store keys a settled mutation leaves stale.
// Placeholders are expanded by the invalidation broadcaster.
var affects = map[Kind][]string{
	KindFavorite: {"favorites:{user}", "favorite:{user}:{recipe}", "recipe:{recipe}"},
	KindFollow:   {"following:{user}", "followers:{target}", "follow:{user}:{target}"},
	KindRating:   {"ratings:{recipe}", "recipe:{recipe}"},
}

// Affects returns the key patterns invalidated when a mutation of kind k
// settles.
func (k Kind) Affects() []string { return slices.Clone(affects[k]) }

// State is a position in a mutation's lifecycle.
type State int

const (
	StateIdle State = iota
	StateApplying
	StateInFlight
	StateConfirmed
	StateRolledBack
)

var stateNames = [...]string{"idle", "applying", "in_flight", "confirmed", "rolled_back"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Key identifies the interaction guarded against concurrent mutation:
// Subject acting on Target.
type Key struct {
	Subject string
	Target  string
	Kind    Kind
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Kind, k.Subject, k.Target)
}

// Transition is reported to the transition hook on every state change.
type Transition struct {
	ID   string
	Key  Key
	From State
	To   State
}
