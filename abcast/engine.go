// Package abcast implements atomic broadcast on top of consensus: pending
// messages are batched into proposals and every decided batch is delivered
// in the same order everywhere. The dynamic variant orders membership
// changes with the data.
package abcast

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/zehzinho/SimpleRep-sub000/types"
)

var (
	// ErrSelfRemoved is returned once the local process was removed from the group.
	ErrSelfRemoved = errors.New("local process removed from the group")
	// ErrNotJoined is returned by a joining process before its state transfer.
	ErrNotJoined = errors.New("process has not joined the group yet")
	// ErrStaticGroup is returned for membership changes on a static group.
	ErrStaticGroup = errors.New("group membership is static")
	// ErrStopped is returned after the engine stopped.
	ErrStopped = errors.New("broadcast engine stopped")
	// ErrOutOfOrder is returned for a decision of an instance never proposed.
	ErrOutOfOrder = errors.New("decision out of order")
	// ErrUnknownMessage is returned for messages that are not broadcast messages.
	ErrUnknownMessage = errors.New("unknown broadcast message")
)

// Sender hands a message to the transport.
type Sender interface {
	Send(dest types.ProcessID, tag uint8, msg interface{})
}

// Proposer is the consensus side of the engine.
type Proposer interface {
	Propose(group types.Group, value types.Batch, instance int64) error
	Fetch(instance int64, from types.ProcessID)
	Skip(through int64)
}

// Application receives delivered entries in total order.
type Application interface {
	Deliver(instance int64, e types.Entry)
}

// MembershipListener learns the group changes applied by the engine.
type MembershipListener interface {
	MemberAdded(p types.ProcessID, pubKey []byte)
	MemberRemoved(p types.ProcessID)
}

type Config struct {
	Dynamic bool
	// BatchThreshold is the pending size above which only part of the
	// pending messages go into one proposal.
	BatchThreshold int
	MinBatchSize   int
	MaxBatchSize   int
	// FetchWindow caps the decisions requested at once after a gossip.
	FetchWindow int
	// PubKey is announced in join requests.
	PubKey []byte
}

// Engine is the atomic broadcast state of one process. It is not safe for
// concurrent use.
type Engine struct {
	self     types.ProcessID
	conf     Config
	sender   Sender
	proposer Proposer
	app      Application
	members  MembershipListener
	flow     *FlowControl
	logger   hclog.Logger

	group types.Group
	keys  map[types.ProcessID][]byte
	seeds []types.ProcessID

	nextSeq      int64
	pending      *Pending
	delivered    *Delivered
	next         int64 // next instance to propose
	outstanding  bool  // an instance was proposed and not decided yet
	highestKnown int64
	lastDecided  int64

	joined    bool
	stopped   bool
	assembler *assembler
}

func NewEngine(self types.ProcessID, conf Config, sender Sender, proposer Proposer, app Application, logger hclog.Logger) *Engine {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if conf.MinBatchSize < 1 {
		conf.MinBatchSize = 1
	}
	if conf.FetchWindow < 1 {
		conf.FetchWindow = 64
	}
	return &Engine{
		self:      self,
		conf:      conf,
		sender:    sender,
		proposer:  proposer,
		app:       app,
		logger:    logger,
		keys:      make(map[types.ProcessID][]byte),
		pending:   NewPending(),
		delivered: NewDelivered(),
		next:      1,
		assembler: newAssembler(),
	}
}

func (e *Engine) SetFlowControl(f *FlowControl) {
	e.flow = f
}

func (e *Engine) SetMembershipListener(l MembershipListener) {
	e.members = l
}

// Init makes the engine a member of group from the first instance on.
func (e *Engine) Init(group types.Group, keys map[types.ProcessID][]byte) error {
	if err := group.Validate(e.self); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	e.group = group.Clone()
	for p, k := range keys {
		e.keys[p] = k
	}
	e.joined = true
	return nil
}

// Join makes the engine ask seeds to be added to the group. It stays
// passive until a state transfer completes.
func (e *Engine) Join(seeds []types.ProcessID) error {
	if !e.conf.Dynamic {
		return ErrStaticGroup
	}
	e.seeds = append([]types.ProcessID(nil), seeds...)
	e.joined = false
	return nil
}

func (e *Engine) Group() types.Group {
	return e.group.Clone()
}

func (e *Engine) Joined() bool {
	return e.joined
}

func (e *Engine) Stopped() bool {
	return e.stopped
}

func (e *Engine) LastDecided() int64 {
	return e.lastDecided
}

// NextInstance is the instance the engine proposes next.
func (e *Engine) NextInstance() int64 {
	return e.next
}

func (e *Engine) PendingLen() int {
	return e.pending.Len()
}

// HWM returns the delivery high-water mark of sender.
func (e *Engine) HWM(sender types.ProcessID) int64 {
	return e.delivered.HWM(sender)
}

// Broadcast orders payload with every other broadcast of the group.
func (e *Engine) Broadcast(payload []byte) (types.MessageID, error) {
	return e.broadcast(types.Entry{Kind: types.KindData, Payload: append([]byte(nil), payload...)})
}

// AddMember broadcasts the addition of p. The change takes effect in the
// instance that delivers it.
func (e *Engine) AddMember(p types.ProcessID, pubKey []byte) (types.MessageID, error) {
	if !e.conf.Dynamic {
		return types.MessageID{}, ErrStaticGroup
	}
	return e.broadcast(types.Entry{Kind: types.KindAdd, Member: p, PubKey: append([]byte(nil), pubKey...)})
}

// RemoveMember broadcasts the removal of p.
func (e *Engine) RemoveMember(p types.ProcessID) (types.MessageID, error) {
	if !e.conf.Dynamic {
		return types.MessageID{}, ErrStaticGroup
	}
	return e.broadcast(types.Entry{Kind: types.KindRemove, Member: p})
}

func (e *Engine) broadcast(en types.Entry) (types.MessageID, error) {
	if e.stopped {
		return types.MessageID{}, ErrStopped
	}
	if !e.joined {
		return types.MessageID{}, ErrNotJoined
	}
	e.nextSeq++
	en.ID = types.MessageID{Sender: e.self, Seq: e.nextSeq}
	e.pending.Add(en)
	for _, p := range e.group.Others(e.self) {
		e.sender.Send(p, RelayTag, Relay{Entry: en})
	}
	return en.ID, e.testAndConsensus()
}

// OnMessage handles a broadcast message received from a peer.
func (e *Engine) OnMessage(from types.ProcessID, msg interface{}) error {
	if e.stopped {
		return nil
	}
	switch m := msg.(type) {
	case Relay:
		return e.onRelay(from, m)
	case Gossip:
		return e.onGossip(from, m)
	case JoinRequest:
		return e.onJoinRequest(from, m)
	case StateShard:
		return e.onShard(from, m)
	}
	return fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
}

func (e *Engine) onRelay(from types.ProcessID, m Relay) error {
	en := m.Entry
	if en.ID.Sender != from {
		e.logger.Debug("relay of a foreign entry", "from", from, "id", en.ID)
		return nil
	}
	if e.delivered.Contains(en.ID) || !e.pending.Add(en) {
		e.logger.Trace("duplicate relay", "id", en.ID)
		return nil
	}
	return e.testAndConsensus()
}

// testAndConsensus proposes the next instance when none is running and
// there is something to order or a peer already runs it.
func (e *Engine) testAndConsensus() error {
	if !e.joined || e.stopped || e.outstanding {
		return nil
	}
	if e.pending.Len() == 0 && e.highestKnown < e.next {
		return nil
	}
	batch := e.pending.Take(e.batchSize())
	e.outstanding = true
	e.logger.Trace("propose", "instance", e.next, "batch", len(batch), "pending", e.pending.Len())
	return e.proposer.Propose(e.group.Clone(), batch, e.next)
}

func (e *Engine) batchSize() int {
	n := e.pending.Len()
	if e.conf.BatchThreshold > 0 && n > e.conf.BatchThreshold {
		n /= 2
		if n < e.conf.MinBatchSize {
			n = e.conf.MinBatchSize
		}
	}
	if e.conf.MaxBatchSize > 0 && n > e.conf.MaxBatchSize {
		n = e.conf.MaxBatchSize
	}
	return n
}

// Decide delivers the batch decided for instance k.
func (e *Engine) Decide(k int64, batch types.Batch) error {
	if e.stopped {
		return nil
	}
	if k < e.next {
		e.logger.Debug("decision of a past instance", "instance", k, "next", e.next)
		return nil
	}
	if k > e.next {
		return fmt.Errorf("%w: instance %d while expecting %d", ErrOutOfOrder, k, e.next)
	}
	e.outstanding = false
	e.next = k + 1
	e.lastDecided = k
	if err := e.deliver(k, batch); err != nil {
		return err
	}
	if e.flow != nil {
		e.flow.Adjust(batch.Len())
	}
	return e.testAndConsensus()
}

// Seen records that a peer runs instance k.
func (e *Engine) Seen(k int64) error {
	if k > e.highestKnown {
		e.highestKnown = k
	}
	return e.testAndConsensus()
}

func (e *Engine) deliver(k int64, batch types.Batch) error {
	var changes []types.Entry
	for _, en := range batch {
		if en.Kind != types.KindData {
			changes = append(changes, en)
			continue
		}
		if !e.accept(en) {
			continue
		}
		e.app.Deliver(k, en)
		if en.ID.Sender == e.self && e.flow != nil {
			e.flow.Release()
		}
	}
	if len(changes) == 0 {
		return nil
	}

	stable := e.group.Clone()
	var joiners []types.ProcessID
	for _, en := range changes {
		if !e.accept(en) || !e.conf.Dynamic {
			continue
		}
		switch en.Kind {
		case types.KindAdd:
			if e.group.Contains(en.Member) {
				continue
			}
			e.group = e.group.With(en.Member)
			e.keys[en.Member] = en.PubKey
			joiners = append(joiners, en.Member)
			e.logger.Info("member added", "instance", k, "member", en.Member)
			if e.members != nil {
				e.members.MemberAdded(en.Member, en.PubKey)
			}
		case types.KindRemove:
			if !e.group.Contains(en.Member) {
				continue
			}
			if en.Member == e.self {
				e.stopped = true
				e.logger.Info("removed from the group", "instance", k)
				return ErrSelfRemoved
			}
			e.group = e.group.Without(en.Member)
			delete(e.keys, en.Member)
			member := en.Member
			e.pending.RemoveIf(func(p types.Entry) bool { return p.ID.Sender == member })
			e.logger.Info("member removed", "instance", k, "member", member)
			if e.members != nil {
				e.members.MemberRemoved(member)
			}
		}
	}

	var current []types.ProcessID
	for _, j := range joiners {
		if e.group.Contains(j) {
			current = append(current, j)
		}
	}
	if len(current) > 0 {
		e.sendShards(k, stable, current)
	}
	return nil
}

// accept marks en delivered and drops it from pending. It reports false
// for duplicates and for entries whose sender is not a member.
func (e *Engine) accept(en types.Entry) bool {
	e.pending.Remove(en.ID)
	if !e.group.Contains(en.ID.Sender) {
		e.logger.Debug("skip entry of a non-member", "id", en.ID)
		return false
	}
	return e.delivered.Add(en.ID)
}

func (e *Engine) snapshot(k int64) *Snapshot {
	s := &Snapshot{
		Instance: k,
		Group:    e.group.Clone(),
		Keys:     make([][]byte, len(e.group)),
		Marks:    e.delivered.Marks(),
	}
	for i, p := range e.group {
		s.Keys[i] = e.keys[p]
	}
	return s
}

// sendShards sends this process's shard of the state after instance k to
// every joiner. The members of stable each send a different shard.
func (e *Engine) sendShards(k int64, stable types.Group, joiners []types.ProcessID) {
	idx := stable.IndexOf(e.self)
	if idx < 0 {
		return
	}
	dataShards, parityShards := shardLayout(stable.Len())
	shards, err := makeShards(e.snapshot(k), dataShards, parityShards)
	if err != nil {
		e.logger.Error("failed to build state shards", "instance", k, "error", err)
		return
	}
	for _, j := range joiners {
		e.sender.Send(j, StateShardTag, shards[idx])
	}
}

// OnGossipTimer runs after a period without decisions: a joining process
// repeats its join request, a member advertises its last decision.
func (e *Engine) OnGossipTimer() error {
	if e.stopped {
		return nil
	}
	if !e.joined {
		req := JoinRequest{Member: e.self, PubKey: e.conf.PubKey}
		for _, s := range e.seeds {
			if s != e.self {
				e.sender.Send(s, JoinRequestTag, req)
			}
		}
		return nil
	}
	for _, p := range e.group.Others(e.self) {
		e.sender.Send(p, GossipTag, Gossip{LastDecided: e.lastDecided})
	}
	return nil
}

func (e *Engine) onGossip(from types.ProcessID, m Gossip) error {
	if m.LastDecided < e.lastDecided && e.joined && e.group.Contains(from) {
		// the peer is behind: tell it how far the group got
		e.sender.Send(from, GossipTag, Gossip{LastDecided: e.lastDecided})
		return nil
	}
	if m.LastDecided <= e.lastDecided {
		return nil
	}
	if m.LastDecided > e.highestKnown {
		e.highestKnown = m.LastDecided
	}
	if !e.joined {
		return nil
	}
	e.logger.Debug("behind a peer", "from", from, "peer", m.LastDecided, "local", e.lastDecided)
	for k := e.next; k <= m.LastDecided && k < e.next+int64(e.conf.FetchWindow); k++ {
		e.proposer.Fetch(k, from)
	}
	return e.testAndConsensus()
}

func (e *Engine) onJoinRequest(from types.ProcessID, m JoinRequest) error {
	if !e.conf.Dynamic || !e.joined || m.Member != from || m.Member == e.self {
		return nil
	}
	if e.group.Contains(m.Member) {
		shards, err := makeShards(e.snapshot(e.lastDecided), 1, 1)
		if err != nil {
			return fmt.Errorf("state for %s: %w", m.Member, err)
		}
		e.sender.Send(m.Member, StateShardTag, shards[0])
		return nil
	}
	if _, ok := e.pending.Find(func(p types.Entry) bool { return p.Kind == types.KindAdd && p.Member == m.Member }); ok {
		return nil
	}
	e.logger.Info("join request", "member", m.Member)
	_, err := e.AddMember(m.Member, m.PubKey)
	return err
}

func (e *Engine) onShard(from types.ProcessID, m StateShard) error {
	if e.joined {
		return nil
	}
	data, ok, err := e.assembler.add(m)
	if err != nil {
		e.logger.Warn("dropping state shard", "from", from, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	s, err := DecodeSnapshot(data)
	if err != nil {
		e.logger.Warn("undecodable snapshot", "from", from, "error", err)
		return nil
	}
	return e.applySnapshot(s)
}

func (e *Engine) applySnapshot(s *Snapshot) error {
	group := types.Group(s.Group).Clone()
	if err := group.Validate(e.self); err != nil {
		e.logger.Warn("snapshot does not include this process", "instance", s.Instance, "error", err)
		return nil
	}
	e.group = group
	e.keys = make(map[types.ProcessID][]byte, len(group))
	for i, p := range group {
		e.keys[p] = s.Keys[i]
	}
	e.delivered = DeliveredFromMarks(s.Marks)
	e.pending.RemoveIf(func(p types.Entry) bool { return e.delivered.Contains(p.ID) })
	e.next = s.Instance + 1
	e.lastDecided = s.Instance
	e.joined = true
	e.proposer.Skip(s.Instance)
	e.logger.Info("joined the group", "instance", s.Instance, "members", len(group))
	if e.members != nil {
		for i, p := range group {
			if p != e.self {
				e.members.MemberAdded(p, s.Keys[i])
			}
		}
	}
	return e.testAndConsensus()
}
