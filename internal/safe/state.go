package safe

import (
	"fmt"
	"sync/atomic"

	xerrors "SafeTx-Relay/internal/errors"
)

// State is a position in the builder pipeline.
type State uint32

const (
	Draft State = iota
	Validated
	GasEstimated
	Nonced
	Hashed
	Signed
	Relayed
	Confirmed
	Failed
)

func (s State) String() string {
	switch s {
	case Draft:
		return "draft"
	case Validated:
		return "validated"
	case GasEstimated:
		return "gas_estimated"
	case Nonced:
		return "nonced"
	case Hashed:
		return "hashed"
	case Signed:
		return "signed"
	case Relayed:
		return "relayed"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Confirmed || s == Failed
}

// Pipeline stage names carried by every builder error.
const (
	StageValidate = "validate"
	StageEstimate = "estimate"
	StageNonce    = "nonce"
	StageHash     = "hash"
	StageSign     = "sign"
	StageRelay    = "relay"
	StageConfirm  = "confirm"
)

// lifecycle enforces strictly sequential transitions and a single run at a
// time.
type lifecycle struct {
	state   atomic.Uint32
	running atomic.Bool
}

func (l *lifecycle) current() State {
	return State(l.state.Load())
}

func (l *lifecycle) begin() error {
	if !l.running.CompareAndSwap(false, true) {
		return xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("builder is already running (state %s)", l.current()))
	}
	l.state.Store(uint32(Draft))
	return nil
}

func (l *lifecycle) end() {
	l.running.Store(false)
}

// advance moves to next, which must directly follow the current state.
func (l *lifecycle) advance(next State) {
	if !l.state.CompareAndSwap(uint32(next-1), uint32(next)) {
		panic(fmt.Sprintf("safe: transition to %s from %s", next, l.current()))
	}
}

// rewind returns to an earlier state for re-estimation.
func (l *lifecycle) rewind(to State) {
	if cur := l.current(); cur < to || cur.Terminal() {
		panic(fmt.Sprintf("safe: rewind to %s from %s", to, cur))
	}
	l.state.Store(uint32(to))
}

func (l *lifecycle) fail() {
	l.state.Store(uint32(Failed))
}
