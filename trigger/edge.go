package trigger

// State is the edge detector position of one watcher.
type State int

const (
	// StateWaitingLow waits for the trigger to read ON.
	StateWaitingLow State = iota
	// StateArmedHigh has captured for the current ON run and waits for OFF.
	StateArmedHigh
)

func (s State) String() string {
	switch s {
	case StateWaitingLow:
		return "WaitingLow"
	case StateArmedHigh:
		return "ArmedHigh"
	default:
		return "Unknown"
	}
}

// Next applies one trigger reading. It returns the new state and whether a
// capture should be attempted, which happens only on WaitingLow -> ArmedHigh.
func (s State) Next(on bool) (State, bool) {
	switch {
	case s == StateWaitingLow && on:
		return StateArmedHigh, true
	case s == StateArmedHigh && !on:
		return StateWaitingLow, false
	}
	return s, false
}

// WordIsOn interprets a word trigger. Only the exact value 1 counts as ON.
func WordIsOn(v uint16) bool {
	return v == 1
}

// Gate suppresses blocks equal to the last one written by the same watcher.
type Gate struct {
	last []uint16
	has  bool
}

// Changed reports whether block differs from the last committed block in
// length or in any position. It is true before the first commit.
func (g *Gate) Changed(block []uint16) bool {
	if !g.has || len(block) != len(g.last) {
		return true
	}
	for i := range block {
		if block[i] != g.last[i] {
			return true
		}
	}
	return false
}

// Commit records block as the last written block.
func (g *Gate) Commit(block []uint16) {
	g.last = append(g.last[:0], block...)
	g.has = true
}

// Last returns a copy of the last committed block, or nil.
func (g *Gate) Last() []uint16 {
	if !g.has {
		return nil
	}
	out := make([]uint16, len(g.last))
	copy(out, g.last)
	return out
}
