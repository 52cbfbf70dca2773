package txnclient

import "context"

// phaseKind distinguishes the non-successor lattice OPEN ≺ SEALED ≺ FLUSHED
// from the transient SUCCESSOR wrapper (spec §3, §9). Keeping a kind tag
// alongside the successor payload, instead of collapsing the whole thing
// into one interface type switch, is what lets fast paths do one atomic
// load and a pointer comparison against a singleton instead of an
// allocation or a type assertion.
type phaseKind int

const (
	phaseOpen phaseKind = iota
	phaseSealed
	phaseFlushed
	phaseSuccessor
)

// phase is the value stored in ProxyTransaction.ph. OPEN, SEALED and
// FLUSHED are pre-allocated singletons (see below); a SUCCESSOR phase is a
// fresh heap object per reconnect attempt, carrying the successorState
// payload. Design note 9 of spec.md: "Do not collapse into one word; the
// SUCCESSOR payload is variably sized."
type phase struct {
	kind   phaseKind
	succ   *successorState // non-nil iff kind == phaseSuccessor
}

var (
	openPhase    = &phase{kind: phaseOpen}
	sealedPhase  = &phase{kind: phaseSealed}
	flushedPhase = &phase{kind: phaseFlushed}
)

func (p *phase) String() string {
	switch p.kind {
	case phaseOpen:
		return "open"
	case phaseSealed:
		return "sealed"
	case phaseFlushed:
		return "flushed"
	case phaseSuccessor:
		return "successor"
	default:
		return "unknown"
	}
}

// successorState is the payload of a SUCCESSOR phase: the one-shot latch
// application threads wait on, the phase that was in effect when the
// reconnect started (prev), and the successor proxy itself, bound once
// ReplayMessages runs. Each field is written exactly once, by the
// connection thread, before the corresponding read can observe it -- prev
// before the latch exists to be waited on, successor before finish() opens
// the latch.
type successorState struct {
	latch     *latch
	prev      *phase
	successor *ProxyTransaction
}

func newSuccessorState() *successorState {
	return &successorState{latch: newLatch()}
}

func (s *successorState) setSuccessor(p *ProxyTransaction) {
	if s.successor != nil {
		panic("txnclient: successor set twice")
	}
	s.successor = p
}

// await blocks until finish() has been called and returns the bound
// successor. Must only be called after the SUCCESSOR phase has been
// observed, and the successor field must already be set by the time the
// latch opens (ReplayMessages runs strictly before FinishReconnect).
func (s *successorState) await(ctx context.Context) (*ProxyTransaction, error) {
	if err := s.latch.await(ctx); err != nil {
		return nil, err
	}
	if s.successor == nil {
		panic("txnclient: latch opened without a bound successor")
	}
	return s.successor, nil
}
