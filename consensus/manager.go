// Package consensus implements a rotating-coordinator consensus for crash
// failures and a manager multiplexing many instances of it.
package consensus

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/zehzinho/SimpleRep-sub000/types"
)

var (
	// ErrProtocolViolation is returned for messages no correct process sends
	// in the receiver's state.
	ErrProtocolViolation = errors.New("consensus protocol violation")
	// ErrUnknownMessage is returned for messages that are not consensus messages.
	ErrUnknownMessage = errors.New("unknown consensus message")
)

// Sender hands a message to the transport. Implementations must not keep
// msg after returning, its value is encoded on the spot.
type Sender interface {
	Send(dest types.ProcessID, tag uint8, msg interface{})
}

// Monitor is the failure detector side of the manager.
type Monitor interface {
	StartMonitoring(ids []types.ProcessID)
	StopMonitoring(ids []types.ProcessID)
}

// Listener receives the manager's outputs. Calls never overlap with a
// manager call in progress, so a listener may call back into the manager.
// The batch passed to Decide must not be modified.
type Listener interface {
	Decide(instance int64, value types.Batch) error
	Seen(instance int64) error
}

type Config struct {
	// RoundTimeout bounds the time spent in one round, 0 disables it.
	RoundTimeout time.Duration
	// DecisionCache is the number of recent decisions kept to answer
	// decision requests.
	DecisionCache int
}

type output struct {
	instance int64
	value    types.Batch
	decide   bool
}

// Manager runs consensus instances for one process. It is not safe for
// concurrent use: the owner serializes calls.
type Manager struct {
	self     types.ProcessID
	sender   Sender
	monitor  Monitor
	listener Listener
	conf     Config
	logger   hclog.Logger
	clock    func() time.Time

	executions  map[int64]*Execution
	finished    *types.SeqSet
	early       map[int64]types.Batch
	recent      map[int64]types.Batch
	recentOrder []int64
	deps        map[types.ProcessID]map[int64]struct{}
	suspects    map[types.ProcessID]struct{}
	group       types.Group // last group proposed with
	highestSeen int64

	queue    []output
	flushing bool
}

func NewManager(self types.ProcessID, sender Sender, monitor Monitor, conf Config, logger hclog.Logger) *Manager {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if conf.DecisionCache <= 0 {
		conf.DecisionCache = 1024
	}
	return &Manager{
		self:       self,
		sender:     sender,
		monitor:    monitor,
		conf:       conf,
		logger:     logger,
		clock:      time.Now,
		executions: make(map[int64]*Execution),
		finished:   &types.SeqSet{},
		early:      make(map[int64]types.Batch),
		recent:     make(map[int64]types.Batch),
		deps:       make(map[types.ProcessID]map[int64]struct{}),
		suspects:   make(map[types.ProcessID]struct{}),
	}
}

func (m *Manager) SetListener(l Listener) {
	m.listener = l
}

// SetClock replaces the time source used for round timeouts.
func (m *Manager) SetClock(clock func() time.Time) {
	m.clock = clock
}

// HighestSeen returns the highest instance number carried by any message
// received so far.
func (m *Manager) HighestSeen() int64 {
	return m.highestSeen
}

// Finished reports whether instance k reached a decision or was skipped.
func (m *Manager) Finished(k int64) bool {
	return m.finished.Contains(k)
}

// Execution returns the running execution of instance k, nil if none.
func (m *Manager) Execution(k int64) *Execution {
	return m.executions[k]
}

// Active returns the number of running executions.
func (m *Manager) Active() int {
	return len(m.executions)
}

// Propose starts instance k with value among group. A decision already
// known for k is emitted at once and value is discarded.
func (m *Manager) Propose(group types.Group, value types.Batch, k int64) error {
	if err := group.Validate(m.self); err != nil {
		return fmt.Errorf("propose instance %d: %w", k, err)
	}
	m.group = group.Clone()
	if v, ok := m.early[k]; ok {
		delete(m.early, k)
		m.finished.Add(k)
		m.logger.Debug("decision known before proposal", "instance", k)
		m.emit(output{instance: k, value: v, decide: true})
		return m.flush()
	}
	if m.finished.Contains(k) {
		m.logger.Debug("proposal for a finished instance", "instance", k)
		return m.flush()
	}
	if group.Len() == 1 {
		m.finished.Add(k)
		m.remember(k, value)
		m.emit(output{instance: k, value: value, decide: true})
		return m.flush()
	}
	x := m.execution(k)
	if x.Started() {
		return fmt.Errorf("%w: instance %d proposed twice", ErrProtocolViolation, k)
	}
	m.watch(k, group)
	if err := x.Start(value.Clone(), group.Clone()); err != nil {
		return fmt.Errorf("instance %d: %w", k, err)
	}
	return m.flush()
}

// OnMessage routes a consensus message received from a peer.
func (m *Manager) OnMessage(from types.ProcessID, msg interface{}) error {
	k, ok := instanceOf(msg)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
	if req, ok := msg.(DecisionRequest); ok {
		m.answer(from, req)
		return m.flush()
	}
	if k > m.highestSeen {
		m.highestSeen = k
		m.emit(output{instance: k})
	}
	if d, ok := msg.(Decision); ok {
		if v, ok := m.known(k); ok && !v.SameIDs(d.Value) {
			m.flush()
			return fmt.Errorf("instance %d from %s: %w: decision %v differs from %v", k, from, ErrProtocolViolation, d.Value.IDs(), v.IDs())
		}
	}
	if m.finished.Contains(k) {
		m.logger.Trace("drop message of finished instance", "instance", k, "from", from, "type", fmt.Sprintf("%T", msg))
		return m.flush()
	}
	if _, ok := m.early[k]; ok {
		return m.flush()
	}
	if err := m.execution(k).handle(from, msg); err != nil {
		m.flush()
		return fmt.Errorf("instance %d from %s: %w", k, from, err)
	}
	return m.flush()
}

// OnSuspicion installs the failure detector's current suspect set.
func (m *Manager) OnSuspicion(suspects []types.ProcessID) error {
	set := make(map[types.ProcessID]struct{}, len(suspects))
	for _, p := range suspects {
		set[p] = struct{}{}
	}
	m.suspects = set
	for _, x := range m.executions {
		if !x.Started() {
			x.suspects = set
		}
	}
	var first error
	for _, k := range m.running() {
		x, ok := m.executions[k]
		if !ok {
			continue
		}
		if err := x.onSuspicion(set); err != nil && first == nil {
			first = fmt.Errorf("instance %d: %w", k, err)
		}
	}
	if err := m.flush(); err != nil && first == nil {
		first = err
	}
	return first
}

// CheckTimeouts gives up the rounds that lasted longer than the round timeout.
func (m *Manager) CheckTimeouts(now time.Time) error {
	var first error
	for _, k := range m.running() {
		x, ok := m.executions[k]
		if !ok {
			continue
		}
		if err := x.onTimeout(now, m.conf.RoundTimeout); err != nil && first == nil {
			first = fmt.Errorf("instance %d: %w", k, err)
		}
	}
	if err := m.flush(); err != nil && first == nil {
		first = err
	}
	return first
}

// Fetch asks from for the decision of instance k unless it is known.
func (m *Manager) Fetch(k int64, from types.ProcessID) {
	if from == m.self || m.finished.Contains(k) {
		return
	}
	if _, ok := m.early[k]; ok {
		return
	}
	m.sender.Send(from, DecisionRequestTag, DecisionRequest{Instance: k})
}

// Skip marks every instance up to through as finished, dropping their
// executions. Used once a state transfer covered them.
func (m *Manager) Skip(through int64) {
	if through < 1 {
		return
	}
	m.finished.AddRange(1, through)
	for k, x := range m.executions {
		if k <= through {
			delete(m.executions, k)
			m.unwatch(k, x.group)
		}
	}
	for k := range m.early {
		if k <= through {
			delete(m.early, k)
		}
	}
	if through > m.highestSeen {
		m.highestSeen = through
	}
}

func (m *Manager) running() []int64 {
	ks := make([]int64, 0, len(m.executions))
	for k, x := range m.executions {
		if x.Started() {
			ks = append(ks, k)
		}
	}
	sort.Slice(ks, func(i, j int) bool { return ks[i] < ks[j] })
	return ks
}

func (m *Manager) execution(k int64) *Execution {
	x, ok := m.executions[k]
	if !ok {
		x = newExecution(k, m.self, m, m.suspects, m.logger)
		m.executions[k] = x
	}
	return x
}

// known returns the decision of k if it is still cached.
func (m *Manager) known(k int64) (types.Batch, bool) {
	if v, ok := m.recent[k]; ok {
		return v, true
	}
	v, ok := m.early[k]
	return v, ok
}

func (m *Manager) answer(from types.ProcessID, req DecisionRequest) {
	v, ok := m.known(req.Instance)
	if !ok && m.finished.Contains(req.Instance) {
		m.logger.Warn("decision request older than the decision cache", "instance", req.Instance, "from", from, "cache", m.conf.DecisionCache)
		return
	}
	if !ok {
		m.logger.Debug("decision request for unknown decision", "instance", req.Instance, "from", from)
		return
	}
	m.sender.Send(from, DecisionTag, Decision{Instance: req.Instance, Value: v})
}

func (m *Manager) remember(k int64, value types.Batch) {
	if _, ok := m.recent[k]; ok {
		return
	}
	m.recent[k] = value.Clone()
	m.recentOrder = append(m.recentOrder, k)
	for len(m.recentOrder) > m.conf.DecisionCache {
		delete(m.recent, m.recentOrder[0])
		m.recentOrder = m.recentOrder[1:]
	}
}

// watch registers k as depending on every other member of group.
func (m *Manager) watch(k int64, group types.Group) {
	var start []types.ProcessID
	for _, p := range group.Others(m.self) {
		set, ok := m.deps[p]
		if !ok {
			set = make(map[int64]struct{})
			m.deps[p] = set
			start = append(start, p)
		}
		set[k] = struct{}{}
	}
	if len(start) > 0 && m.monitor != nil {
		m.monitor.StartMonitoring(start)
	}
}

func (m *Manager) unwatch(k int64, group types.Group) {
	var stop []types.ProcessID
	for _, p := range group.Others(m.self) {
		set, ok := m.deps[p]
		if !ok {
			continue
		}
		delete(set, k)
		if len(set) == 0 {
			delete(m.deps, p)
			stop = append(stop, p)
		}
	}
	if len(stop) > 0 && m.monitor != nil {
		m.monitor.StopMonitoring(stop)
	}
}

// send implements env.
func (m *Manager) send(dest types.ProcessID, tag uint8, msg interface{}) {
	m.sender.Send(dest, tag, msg)
}

// now implements env.
func (m *Manager) now() time.Time {
	return m.clock()
}

// decided implements env.
func (m *Manager) decided(x *Execution, value types.Batch, origin bool, ackers []types.ProcessID) {
	k := x.instance
	group := x.group
	if group == nil {
		group = m.group
	}
	if origin {
		acked := make(map[types.ProcessID]struct{}, len(ackers))
		for _, p := range ackers {
			acked[p] = struct{}{}
			m.sender.Send(p, DecisionDigestTag, DecisionDigest{Instance: k, Round: x.round})
		}
		for _, p := range group.Others(m.self) {
			if _, ok := acked[p]; !ok {
				m.sender.Send(p, DecisionTag, Decision{Instance: k, Value: value})
			}
		}
	} else {
		for _, p := range group.Successors(m.self, group.Majority()) {
			m.sender.Send(p, DecisionTag, Decision{Instance: k, Value: value})
		}
	}

	m.remember(k, value)
	delete(m.executions, k)
	if !x.started {
		m.early[k] = value
		return
	}
	m.finished.Add(k)
	m.unwatch(k, x.group)
	m.emit(output{instance: k, value: value, decide: true})
}

func (m *Manager) emit(o output) {
	m.queue = append(m.queue, o)
}

// flush hands queued outputs to the listener. Nested calls made by the
// listener only queue, the outermost call drains.
func (m *Manager) flush() error {
	if m.flushing {
		return nil
	}
	m.flushing = true
	defer func() { m.flushing = false }()
	for len(m.queue) > 0 {
		o := m.queue[0]
		m.queue = m.queue[1:]
		if m.listener == nil {
			continue
		}
		var err error
		if o.decide {
			err = m.listener.Decide(o.instance, o.value)
		} else {
			err = m.listener.Seen(o.instance)
		}
		if err != nil {
			m.queue = nil
			return err
		}
	}
	return nil
}
