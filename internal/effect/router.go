// Package effect maps detected channel numbers onto the display layers a
// receiver drives: a color layer, an effect layer and a symbol layer.
//
// The detection core knows nothing about this table. Callers feed accepted
// channels from the detection loop into a Router.
package effect

import (
	"fmt"
	"sync"
)

// Layer defaults. An effect or symbol layer at its hidden value shows nothing.
const (
	DefaultColor = 3
	EffectHidden = 9
	SymbolHidden = 10

	// DisableAll clears the effect and symbol layers. Always processed.
	DisableAll = 12
)

// Kind classifies what a channel did to the layer state.
type Kind int

const (
	KindColor Kind = iota
	KindEffect
	KindEffectCancel
	KindSymbol
	KindSpecial
	KindDisableAll
)

func (k Kind) String() string {
	switch k {
	case KindColor:
		return "color"
	case KindEffect:
		return "effect"
	case KindEffectCancel:
		return "effect_cancel"
	case KindSymbol:
		return "symbol"
	case KindSpecial:
		return "special"
	case KindDisableAll:
		return "disable_all"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// State is the current value of each layer.
type State struct {
	Color  int `json:"color"`
	Effect int `json:"effect"`
	Symbol int `json:"symbol"`
}

// Change describes one applied channel and the state after it.
type Change struct {
	Channel int   `json:"channel"`
	Kind    Kind  `json:"kind"`
	State   State `json:"state"`
}

// Router applies accepted channels to the layer state.
type Router struct {
	available int

	mu    sync.Mutex
	state State
}

// NewRouter creates a Router that accepts channels below available plus the
// reserved channels 9-11 and 12, which are processed whatever the range.
func NewRouter(available int) *Router {
	return &Router{
		available: available,
		state:     initialState(),
	}
}

func initialState() State {
	return State{Color: DefaultColor, Effect: EffectHidden, Symbol: SymbolHidden}
}

// Accepts reports whether channel is processed at all.
func (r *Router) Accepts(channel int) bool {
	if channel < 0 {
		return false
	}
	return channel < r.available ||
		(channel >= 9 && channel <= 11) ||
		channel == DisableAll
}

// Apply updates the layer state for channel. It returns false when the
// channel is outside the available range and not reserved.
func (r *Router) Apply(channel int) (Change, bool) {
	if !r.Accepts(channel) {
		return Change{Channel: channel}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var kind Kind
	switch {
	case channel <= 3:
		kind = KindColor
		r.state.Color = channel
	case channel <= 6:
		kind = KindEffect
		r.state.Effect = channel
	case channel == 7:
		kind = KindEffectCancel
		r.state.Effect = EffectHidden
	case channel <= 10:
		kind = KindSymbol
		r.state.Symbol = channel
	case channel == DisableAll:
		kind = KindDisableAll
		r.state.Effect = EffectHidden
		r.state.Symbol = SymbolHidden
	default:
		kind = KindSpecial
	}

	return Change{Channel: channel, Kind: kind, State: r.state}, true
}

// State returns the current layer state.
func (r *Router) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Reset restores every layer to its default.
func (r *Router) Reset() {
	r.mu.Lock()
	r.state = initialState()
	r.mu.Unlock()
}
