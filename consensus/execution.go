package consensus

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/zehzinho/SimpleRep-sub000/types"
)

type phase uint8

const (
	phaseIdle        phase = iota // not started yet
	phaseWaitPropose              // participant waiting for the round's proposal
	phaseAcked                    // participant acked the round's proposal
	phaseCollect                  // coordinator gathering estimates
	phaseWaitAcks                 // coordinator waiting for acks
	phaseDecided
)

func (p phase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseWaitPropose:
		return "wait-propose"
	case phaseAcked:
		return "acked"
	case phaseCollect:
		return "collect"
	case phaseWaitAcks:
		return "wait-acks"
	case phaseDecided:
		return "decided"
	}
	return "unknown"
}

// env is what an execution needs from its manager.
type env interface {
	send(dest types.ProcessID, tag uint8, msg interface{})
	decided(x *Execution, value types.Batch, origin bool, ackers []types.ProcessID)
	now() time.Time
}

type pushed struct {
	from types.ProcessID
	msg  interface{}
}

// Execution is the state machine of one consensus instance. It is driven
// by its Manager and is not safe for concurrent use.
type Execution struct {
	instance int64
	self     types.ProcessID
	env      env
	logger   hclog.Logger

	group      types.Group
	started    bool
	phase      phase
	round      int
	roundStart time.Time

	estimate types.Batch
	ts       int // round in which estimate was last adopted

	firstProposal    types.Batch
	hasFirstProposal bool

	// coordinator bookkeeping for the current round
	estimates map[types.ProcessID]Estimate
	acks      map[types.ProcessID]struct{}
	nacks     int

	suspects   map[types.ProcessID]struct{}
	pushedBack map[int][]pushed

	decision types.Batch
}

func newExecution(instance int64, self types.ProcessID, e env, suspects map[types.ProcessID]struct{}, logger hclog.Logger) *Execution {
	return &Execution{
		instance:   instance,
		self:       self,
		env:        e,
		logger:     logger.With("instance", instance),
		ts:         -1,
		suspects:   suspects,
		pushedBack: make(map[int][]pushed),
	}
}

func (x *Execution) Instance() int64 {
	return x.instance
}

func (x *Execution) Started() bool {
	return x.started
}

func (x *Execution) Decided() bool {
	return x.phase == phaseDecided
}

// Decision returns the decided value, nil before a decision.
func (x *Execution) Decision() types.Batch {
	return x.decision
}

func (x *Execution) Round() int {
	return x.round
}

// Coordinator returns the coordinator of the current round. It is the zero
// ProcessID before Start.
func (x *Execution) Coordinator() types.ProcessID {
	if len(x.group) == 0 {
		return types.ProcessID{}
	}
	return x.group.Coordinator(x.round)
}

func (x *Execution) isCoordinator() bool {
	return x.Coordinator() == x.self
}

func (x *Execution) suspected(p types.ProcessID) bool {
	_, ok := x.suspects[p]
	return ok
}

// Start begins round 0 with value as the initial estimate.
func (x *Execution) Start(value types.Batch, group types.Group) error {
	if x.started {
		return fmt.Errorf("%w: instance %d started twice", ErrProtocolViolation, x.instance)
	}
	x.started = true
	x.group = group
	x.estimate = value
	x.ts = -1
	x.logger.Trace("start", "group", len(group), "value", len(value))
	x.advance(0)
	return x.replay()
}

// handle processes one message addressed to this instance.
func (x *Execution) handle(from types.ProcessID, msg interface{}) error {
	switch m := msg.(type) {
	case Decision:
		if x.phase == phaseDecided && !x.decision.SameIDs(m.Value) {
			return fmt.Errorf("%w: decision %v differs from %v", ErrProtocolViolation, m.Value.IDs(), x.decision.IDs())
		}
		x.learn(m.Value)
		return nil
	case DecisionDigest:
		x.onDigest(from, m)
		return nil
	}
	if x.phase == phaseDecided {
		return nil
	}
	round := roundOf(msg)
	if round < 0 {
		return fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
	if !x.started || round > x.round {
		x.pushBack(from, msg, round)
		return nil
	}
	if round < x.round {
		x.logger.Trace("drop stale message", "round", round, "current", x.round, "from", from)
		return nil
	}
	if err := x.dispatch(from, msg); err != nil {
		return err
	}
	return x.replay()
}

func (x *Execution) pushBack(from types.ProcessID, msg interface{}, round int) {
	if p, ok := msg.(Propose); ok && p.Round == 0 && !x.hasFirstProposal {
		x.firstProposal = p.Value
		x.hasFirstProposal = true
	}
	x.pushedBack[round] = append(x.pushedBack[round], pushed{from: from, msg: msg})
}

// replay drains pushed-back messages of the current round, following the
// round as it advances.
func (x *Execution) replay() error {
	for x.started && x.phase != phaseDecided {
		for r := range x.pushedBack {
			if r < x.round {
				delete(x.pushedBack, r)
			}
		}
		msgs, ok := x.pushedBack[x.round]
		if !ok {
			return nil
		}
		delete(x.pushedBack, x.round)
		round := x.round
		for _, p := range msgs {
			if x.round != round || x.phase == phaseDecided {
				break
			}
			if err := x.dispatch(p.from, p.msg); err != nil {
				return err
			}
		}
	}
	return nil
}

func (x *Execution) dispatch(from types.ProcessID, msg interface{}) error {
	switch m := msg.(type) {
	case Estimate:
		return x.onEstimate(from, m)
	case Propose:
		return x.onPropose(from, m)
	case Ack:
		return x.onAck(from, m)
	case Abort:
		return x.onAbort(from, m)
	}
	return fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
}

// advance moves to round r and skips every following round whose
// coordinator is suspected, stopping at a round this process coordinates.
func (x *Execution) advance(r int) {
	for {
		x.enterRound(r)
		if x.isCoordinator() || !x.suspected(x.Coordinator()) {
			return
		}
		x.logger.Debug("coordinator suspected", "round", r, "coordinator", x.Coordinator())
		x.env.send(x.Coordinator(), AckTag, Ack{Instance: x.instance, Round: r, Nack: true})
		r++
	}
}

func (x *Execution) enterRound(r int) {
	x.round = r
	x.roundStart = x.env.now()
	x.estimates = nil
	x.acks = nil
	x.nacks = 0

	coord := x.Coordinator()
	if coord != x.self {
		if r > 0 {
			x.env.send(coord, EstimateTag, Estimate{Instance: x.instance, Round: r, Value: x.estimate, TS: x.ts})
		}
		x.phase = phaseWaitPropose
		return
	}
	if r == 0 {
		x.propose()
		return
	}
	x.phase = phaseCollect
	x.estimates = map[types.ProcessID]Estimate{
		x.self: {Instance: x.instance, Round: r, Value: x.estimate, TS: x.ts},
	}
}

// propose sends the current estimate of a coordinator and counts its own ack.
func (x *Execution) propose() {
	x.ts = x.round
	x.phase = phaseWaitAcks
	x.acks = map[types.ProcessID]struct{}{x.self: {}}
	x.logger.Trace("propose", "round", x.round, "value", len(x.estimate))
	for _, p := range x.group.Others(x.self) {
		x.env.send(p, ProposeTag, Propose{Instance: x.instance, Round: x.round, Value: x.estimate})
	}
	x.checkAcks()
}

func (x *Execution) onEstimate(from types.ProcessID, m Estimate) error {
	if !x.isCoordinator() {
		return fmt.Errorf("%w: estimate for round %d sent to a non-coordinator", ErrProtocolViolation, m.Round)
	}
	if !x.group.Contains(from) {
		x.logger.Debug("estimate from a non-member", "round", m.Round, "from", from)
		return nil
	}
	if x.phase != phaseCollect {
		return nil
	}
	if _, ok := x.estimates[from]; ok {
		return nil
	}
	x.estimates[from] = m
	if len(x.estimates) < x.group.Quorum() {
		return nil
	}
	x.estimate = x.chooseEstimate()
	x.propose()
	return nil
}

// chooseEstimate picks the estimate with the highest timestamp. On a tie
// a non-empty value beats an empty one and group order breaks the rest.
func (x *Execution) chooseEstimate() types.Batch {
	var best Estimate
	found := false
	for _, p := range x.group {
		e, ok := x.estimates[p]
		if !ok {
			continue
		}
		if !found || e.TS > best.TS || (e.TS == best.TS && best.Value.IsEmpty() && !e.Value.IsEmpty()) {
			best = e
			found = true
		}
	}
	return best.Value
}

func (x *Execution) onPropose(from types.ProcessID, m Propose) error {
	if x.isCoordinator() || from != x.Coordinator() {
		return fmt.Errorf("%w: proposal for round %d from %s", ErrProtocolViolation, m.Round, from)
	}
	if m.Round == 0 && !x.hasFirstProposal {
		x.firstProposal = m.Value
		x.hasFirstProposal = true
	}
	if x.phase != phaseWaitPropose {
		return nil
	}
	x.estimate = m.Value
	x.ts = m.Round
	x.phase = phaseAcked
	x.env.send(from, AckTag, Ack{Instance: x.instance, Round: m.Round})
	return nil
}

func (x *Execution) onAck(from types.ProcessID, m Ack) error {
	if !x.isCoordinator() {
		return fmt.Errorf("%w: ack for round %d sent to a non-coordinator", ErrProtocolViolation, m.Round)
	}
	if !x.group.Contains(from) {
		x.logger.Debug("ack from a non-member", "round", m.Round, "from", from)
		return nil
	}
	if m.Nack {
		if x.phase == phaseCollect || x.phase == phaseWaitAcks {
			x.nacks++
			x.logger.Debug("nack received", "round", x.round, "from", from)
			x.abortRound()
		}
		return nil
	}
	if x.phase != phaseWaitAcks {
		return nil
	}
	x.acks[from] = struct{}{}
	x.checkAcks()
	return nil
}

func (x *Execution) checkAcks() {
	if x.phase != phaseWaitAcks || x.nacks > 0 || len(x.acks) < x.group.Quorum() {
		return
	}
	ackers := make([]types.ProcessID, 0, len(x.acks))
	for _, p := range x.group {
		if _, ok := x.acks[p]; ok && p != x.self {
			ackers = append(ackers, p)
		}
	}
	x.decide(x.estimate, true, ackers)
}

func (x *Execution) abortRound() {
	for _, p := range x.group.Others(x.self) {
		x.env.send(p, AbortTag, Abort{Instance: x.instance, Round: x.round})
	}
	x.advance(x.round + 1)
}

func (x *Execution) onAbort(from types.ProcessID, m Abort) error {
	if x.isCoordinator() || from != x.Coordinator() {
		return fmt.Errorf("%w: abort for round %d from %s", ErrProtocolViolation, m.Round, from)
	}
	x.advance(x.round + 1)
	return nil
}

// giveUpRound is what a participant does when it stops trusting the
// coordinator of the current round.
func (x *Execution) giveUpRound() {
	switch x.phase {
	case phaseWaitPropose:
		x.env.send(x.Coordinator(), AckTag, Ack{Instance: x.instance, Round: x.round, Nack: true})
		x.advance(x.round + 1)
	case phaseAcked:
		x.advance(x.round + 1)
	}
}

func (x *Execution) onSuspicion(suspects map[types.ProcessID]struct{}) error {
	x.suspects = suspects
	if !x.started || x.phase == phaseDecided || x.isCoordinator() {
		return nil
	}
	if !x.suspected(x.Coordinator()) {
		return nil
	}
	x.giveUpRound()
	return x.replay()
}

func (x *Execution) onTimeout(now time.Time, timeout time.Duration) error {
	if !x.started || x.phase == phaseDecided || timeout <= 0 || now.Sub(x.roundStart) < timeout {
		return nil
	}
	x.logger.Debug("round timed out", "round", x.round, "phase", x.phase)
	if x.isCoordinator() {
		x.abortRound()
	} else {
		x.giveUpRound()
	}
	return x.replay()
}

func (x *Execution) onDigest(from types.ProcessID, m DecisionDigest) {
	if x.phase == phaseDecided {
		return
	}
	switch {
	case x.started && x.ts >= 0 && x.ts == m.Round:
		x.learn(x.estimate)
	case m.Round == 0 && x.hasFirstProposal:
		x.learn(x.firstProposal)
	default:
		x.logger.Debug("decision digest without local value", "round", m.Round, "from", from)
		x.env.send(from, DecisionRequestTag, DecisionRequest{Instance: x.instance})
	}
}

// learn records a decision taken elsewhere.
func (x *Execution) learn(value types.Batch) {
	if x.phase == phaseDecided {
		return
	}
	x.decide(value, false, nil)
}

func (x *Execution) decide(value types.Batch, origin bool, ackers []types.ProcessID) {
	x.decision = value
	x.phase = phaseDecided
	x.pushedBack = nil
	x.logger.Debug("decided", "round", x.round, "origin", origin, "value", len(value))
	x.env.decided(x, value, origin, ackers)
}
