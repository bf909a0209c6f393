// Package duel implements a minimal last-player-standing rule set: every
// participant starts with the same hit points and attacks the others until a
// single player remains.
package duel

import (
	"errors"
	"fmt"

	"github.com/cory-johannsen/arena/internal/game"
)

// Event names accepted while the duel is running.
const (
	EventAttack  = "attack"
	EventHeal    = "heal"
	EventForfeit = "forfeit"
)

// Default construction parameters.
const (
	DefaultHP          = 10
	DefaultDamage      = 1
	DefaultHealCharges = 1
)

var (
	// ErrUnknownTarget is returned when an attack names a player not in the duel.
	ErrUnknownTarget = errors.New("unknown target")
	// ErrTargetRequired is returned when an attack has several candidate targets.
	ErrTargetRequired = errors.New("target required")
	// ErrOutOfPlay is returned when an eliminated player sends an event.
	ErrOutOfPlay = errors.New("player is out of play")
	// ErrNoHealCharges is returned when a heal is attempted with no charges left.
	ErrNoHealCharges = errors.New("no heal charges left")
)

type fighter struct {
	hp      int
	charges int
	out     bool
}

// Duel is a game.Game. It is not safe for concurrent use; the orchestrator
// serializes every call on the session worker.
type Duel struct {
	id       game.SessionID
	order    []game.PlayerID
	fighters map[game.PlayerID]*fighter
	maxHP    int
	damage   int
	maxTicks int

	tick   int
	dirty  bool
	over   bool
	winner *game.PlayerID
}

// New constructs a duel for players.
//
// Params: "hp" (default 10), "damage" (default 1), "heal_charges" (default 1),
// "max_ticks" (0 = unlimited; when reached the healthiest player wins, ties draw).
//
// Precondition: len(players) >= 2.
// Postcondition: Returns a running Duel or an error for invalid parameters.
func New(id game.SessionID, players []game.PlayerID, params map[string]any) (game.Game, error) {
	if len(players) < 2 {
		return nil, fmt.Errorf("duel needs at least 2 players, got %d", len(players))
	}
	hp, err := game.IntParam(params, "hp", DefaultHP)
	if err != nil {
		return nil, err
	}
	damage, err := game.IntParam(params, "damage", DefaultDamage)
	if err != nil {
		return nil, err
	}
	charges, err := game.IntParam(params, "heal_charges", DefaultHealCharges)
	if err != nil {
		return nil, err
	}
	maxTicks, err := game.IntParam(params, "max_ticks", 0)
	if err != nil {
		return nil, err
	}
	if hp < 1 || damage < 1 || charges < 0 || maxTicks < 0 {
		return nil, fmt.Errorf("invalid duel params: hp=%d damage=%d heal_charges=%d max_ticks=%d", hp, damage, charges, maxTicks)
	}

	d := &Duel{
		id:       id,
		order:    append([]game.PlayerID(nil), players...),
		fighters: make(map[game.PlayerID]*fighter, len(players)),
		maxHP:    hp,
		damage:   damage,
		maxTicks: maxTicks,
	}
	for _, p := range players {
		d.fighters[p] = &fighter{hp: hp, charges: charges}
	}
	return d, nil
}

// Kind adapts New to the catalog's game.Kind signature.
func Kind(game.QueueDef) (game.Constructor, error) {
	return New, nil
}

// Advance settles the tick: it detects a last player standing or the tick
// limit, and reports whether anything changed since the previous tick.
func (d *Duel) Advance() (game.Status, error) {
	if d.over {
		return game.Status{}, nil
	}
	d.tick++

	standing := d.standing()
	switch {
	case len(standing) == 1:
		d.finish(&standing[0])
	case len(standing) == 0:
		d.finish(nil)
	case d.maxTicks > 0 && d.tick >= d.maxTicks:
		d.finish(d.healthiest(standing))
	}

	st := game.Status{
		Changed: d.dirty,
		Winner:  d.winner,
		Fields: map[string]any{
			"tick":    d.tick,
			"players": d.snapshot(),
			"over":    d.over,
		},
	}
	d.dirty = false
	return st, nil
}

// IsOver reports whether the duel has ended.
func (d *Duel) IsOver() bool { return d.over }

// Winner returns the last player standing.
func (d *Duel) Winner() (game.PlayerID, bool) {
	if d.winner == nil {
		return "", false
	}
	return *d.winner, true
}

// Eliminate takes a player out of play.
func (d *Duel) Eliminate(player game.PlayerID) {
	f, ok := d.fighters[player]
	if !ok || f.out {
		return
	}
	f.out = true
	f.hp = 0
	d.dirty = true
}

// ValidEvents lists the accepted events; none once the duel is over.
func (d *Duel) ValidEvents() []string {
	if d.over {
		return nil
	}
	return []string{EventAttack, EventHeal, EventForfeit}
}

// HandleEvent applies attack, heal or forfeit for player.
func (d *Duel) HandleEvent(player game.PlayerID, ev game.Event) error {
	f, ok := d.fighters[player]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, player)
	}
	if f.out {
		return ErrOutOfPlay
	}

	switch ev.Name {
	case EventAttack:
		target, err := d.target(player, game.PlayerID(ev.Arg(0)))
		if err != nil {
			return err
		}
		t := d.fighters[target]
		t.hp -= d.damage
		if t.hp <= 0 {
			t.hp = 0
			t.out = true
		}
	case EventHeal:
		if f.charges == 0 {
			return ErrNoHealCharges
		}
		f.charges--
		f.hp = min(f.hp+d.damage, d.maxHP)
	case EventForfeit:
		f.out = true
		f.hp = 0
	default:
		return fmt.Errorf("unsupported duel event %q", ev.Name)
	}
	d.dirty = true
	return nil
}

// StartupStatus announces the roster and starting hit points.
func (d *Duel) StartupStatus() map[string]any {
	players := make([]string, len(d.order))
	for i, p := range d.order {
		players[i] = string(p)
	}
	return map[string]any{
		"game":       "duel",
		"session_id": uint64(d.id),
		"players":    players,
		"hp":         d.maxHP,
		"events":     d.ValidEvents(),
	}
}

func (d *Duel) target(attacker, named game.PlayerID) (game.PlayerID, error) {
	if named != "" {
		t, ok := d.fighters[named]
		if !ok || named == attacker {
			return "", fmt.Errorf("%w: %q", ErrUnknownTarget, named)
		}
		if t.out {
			return "", fmt.Errorf("%w: %q", ErrOutOfPlay, named)
		}
		return named, nil
	}
	var candidates []game.PlayerID
	for _, p := range d.order {
		if p != attacker && !d.fighters[p].out {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) != 1 {
		return "", ErrTargetRequired
	}
	return candidates[0], nil
}

func (d *Duel) standing() []game.PlayerID {
	var out []game.PlayerID
	for _, p := range d.order {
		if !d.fighters[p].out {
			out = append(out, p)
		}
	}
	return out
}

// healthiest returns the unique highest-HP player, or nil on a tie.
func (d *Duel) healthiest(candidates []game.PlayerID) *game.PlayerID {
	var best *game.PlayerID
	bestHP, tie := -1, false
	for i := range candidates {
		hp := d.fighters[candidates[i]].hp
		switch {
		case hp > bestHP:
			best, bestHP, tie = &candidates[i], hp, false
		case hp == bestHP:
			tie = true
		}
	}
	if tie {
		return nil
	}
	return best
}

func (d *Duel) finish(winner *game.PlayerID) {
	d.over = true
	d.dirty = true
	if winner != nil {
		w := *winner
		d.winner = &w
	}
}

func (d *Duel) snapshot() map[string]int {
	out := make(map[string]int, len(d.fighters))
	for p, f := range d.fighters {
		out[string(p)] = f.hp
	}
	return out
}
