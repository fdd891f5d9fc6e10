package headersync

// Mode is the state of a sync session.
type Mode int32

const (
	// ModeCatchup extends the active store one header at a time.
	ModeCatchup Mode = iota + 1
	// ModeBackward steps away from the peer tip looking for agreement.
	ModeBackward
	// ModeBinary narrows the divergence between agreeing and disagreeing
	// heights.
	ModeBinary
	// ModeForkNoConflict reports that a fork was found or created without
	// contradicting what is already known.
	ModeForkNoConflict
	// ModeForkConflict reports that the peer contradicts an existing fork at
	// the same fork point. The session stops.
	ModeForkConflict
)

func (m Mode) String() string {
	switch m {
	case ModeCatchup:
		return "catchup"
	case ModeBackward:
		return "backward"
	case ModeBinary:
		return "binary"
	case ModeForkNoConflict:
		return "fork_noconflict"
	case ModeForkConflict:
		return "fork_conflict"
	default:
		return "unknown"
	}
}

// Probe is a single header request made by a session.
type Probe struct {
	Height int32
	Mode   Mode
}
