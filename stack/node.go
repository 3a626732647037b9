/*
Package stack assembles one process of the atomic broadcast: the TCP
transport, the signing key ring, the failure detector, the consensus
manager and the broadcast engine, all driven by a single event loop.
*/
package stack

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/zehzinho/SimpleRep-sub000/abcast"
	"github.com/zehzinho/SimpleRep-sub000/config"
	"github.com/zehzinho/SimpleRep-sub000/conn"
	"github.com/zehzinho/SimpleRep-sub000/consensus"
	"github.com/zehzinho/SimpleRep-sub000/fd"
	"github.com/zehzinho/SimpleRep-sub000/sign"
	"github.com/zehzinho/SimpleRep-sub000/tools"
	"github.com/zehzinho/SimpleRep-sub000/types"
	"go.dedis.ch/kyber/v3"
)

// ErrClosed is returned by client calls after the node stopped.
var ErrClosed = errors.New("node closed")

const (
	eventQueueSize  = 4096
	deliveryBufSize = 1024
	maxParked       = 1024
)

// Delivery is one message handed to the application, in total order.
type Delivery struct {
	Instance int64
	ID       types.MessageID
	Payload  []byte
}

type Node struct {
	name   string
	self   types.ProcessID
	conf   *config.Config
	logger hclog.Logger

	trans             *conn.NetworkTransport
	reflectedTypesMap map[uint8]reflect.Type

	privateKey kyber.Scalar
	pubKey     []byte
	keys       *sign.KeyRing

	em          tools.Manager
	tickTimer   tools.Timer
	gossipTimer tools.Timer

	detector *fd.Detector
	manager  *consensus.Manager
	engine   *abcast.Engine
	flow     *abcast.FlowControl

	parked      []conn.Envelope // envelopes waiting for their sender's key
	lastGossip  int64           // last decided instance when the gossip timer was reset
	deliveries  chan Delivery
	done        chan struct{}
	stopOnce    sync.Once
	stopped     bool
	startedLoop bool
}

type envelopeEvent conn.Envelope

type tickEvent struct{}

type gossipEvent struct{}

type closeEvent struct{}

type requestResult struct {
	id  types.MessageID
	err error
}

// requestEvent runs a client call inside the loop.
type requestEvent struct {
	run   func() (types.MessageID, error)
	reply chan requestResult
}

func NewNode(conf *config.Config) (*Node, error) {
	n := &Node{
		name:              conf.Name,
		self:              conf.Self(),
		conf:              conf,
		reflectedTypesMap: conn.MergeTypes(consensus.ReflectedTypes(), abcast.ReflectedTypes(), fd.ReflectedTypes()),
		keys:              sign.NewKeyRing(),
		deliveries:        make(chan Delivery, deliveryBufSize),
		done:              make(chan struct{}),
	}
	n.logger = hclog.New(&hclog.LoggerOptions{
		Name:   "abcast-node",
		Output: hclog.DefaultOutput,
		Level:  hclog.Level(conf.LogLevel),
	}).With("node", n.name)

	var err error
	n.privateKey, err = sign.DecodePrivateKey(conf.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	n.pubKey, err = sign.EncodePublicKey(sign.PublicKeyOf(n.privateKey))
	if err != nil {
		return nil, err
	}
	if err := n.keys.Add(n.self, n.pubKey); err != nil {
		return nil, err
	}

	n.em = tools.NewManagerImpl(eventQueueSize)
	n.em.SetReceiver(n)
	n.tickTimer = tools.NewTimer(n.em)
	n.gossipTimer = tools.NewTimer(n.em)

	n.detector = fd.NewDetector(n.self, n, fd.Config{
		HeartbeatInterval: conf.HeartbeatInterval,
		SuspectTimeout:    conf.SuspectTimeout,
	}, n.logger.Named("fd"))
	n.manager = consensus.NewManager(n.self, n, n.detector, consensus.Config{
		RoundTimeout:  conf.RoundTimeout,
		DecisionCache: conf.DecisionCache,
	}, n.logger.Named("consensus"))
	n.flow = abcast.NewFlowControl(conf.FlowInitial, conf.FlowMax, conf.FlowTarget)
	n.engine = abcast.NewEngine(n.self, abcast.Config{
		Dynamic:        conf.Dynamic,
		BatchThreshold: conf.BatchThreshold,
		MinBatchSize:   conf.MinBatchSize,
		MaxBatchSize:   conf.MaxBatchSize,
		PubKey:         n.pubKey,
	}, n, n.manager, n, n.logger.Named("abcast"))
	n.engine.SetFlowControl(n.flow)
	n.engine.SetMembershipListener(n)
	n.manager.SetListener(n.engine)
	return n, nil
}

// Self is the identity of the node.
func (n *Node) Self() types.ProcessID {
	return n.self
}

// Start initializes the group and runs the event loop. A node configured
// with seeds asks them to be added instead of starting as a member.
func (n *Node) Start() error {
	if n.trans == nil {
		return errors.New("networkTransport has not been created")
	}
	group, keys, err := n.conf.Members()
	if err != nil {
		return err
	}
	for p, k := range keys {
		if p == n.self {
			continue
		}
		if err := n.keys.Add(p, k); err != nil {
			return fmt.Errorf("key of %s: %w", p, err)
		}
	}

	if len(n.conf.Seeds) > 0 {
		seeds, err := n.conf.SeedIDs()
		if err != nil {
			return err
		}
		if err := n.engine.Join(seeds); err != nil {
			return err
		}
		if err := n.engine.OnGossipTimer(); err != nil {
			return err
		}
	} else {
		keys[n.self] = n.pubKey
		if err := n.engine.Init(group, keys); err != nil {
			return err
		}
	}

	n.startedLoop = true
	n.em.Start()
	go n.forwardLoop()
	n.tickTimer.Reset(n.conf.HeartbeatInterval, tickEvent{})
	n.gossipTimer.Reset(n.conf.GossipInterval, gossipEvent{})
	n.logger.Info("node started", "self", n.self, "members", len(n.engine.Group()), "joined", n.engine.Joined())
	return nil
}

// forwardLoop moves decoded envelopes from the transport into the event queue.
func (n *Node) forwardLoop() {
	msgCh := n.trans.MsgChan()
	for {
		select {
		case env := <-msgCh:
			if !n.em.Post(envelopeEvent(env)) {
				return
			}
		case <-n.done:
			return
		}
	}
}

// ProcessEvent runs on the event loop goroutine.
func (n *Node) ProcessEvent(e tools.Event) tools.Event {
	if n.stopped {
		return nil
	}
	switch ev := e.(type) {
	case envelopeEvent:
		n.handleEnvelope(conn.Envelope(ev))
	case requestEvent:
		id, err := ev.run()
		ev.reply <- requestResult{id: id, err: err}
	case tickEvent:
		n.onTick()
	case gossipEvent:
		n.check(n.engine.OnGossipTimer())
		n.gossipTimer.Reset(n.conf.GossipInterval, gossipEvent{})
	case closeEvent:
		n.stop()
	}
	if n.stopped {
		return nil
	}
	n.replayParked()
	if k := n.engine.LastDecided(); k != n.lastGossip {
		n.lastGossip = k
		n.gossipTimer.Reset(n.conf.GossipInterval, gossipEvent{})
	}
	return nil
}

func (n *Node) onTick() {
	now := time.Now()
	if suspects, changed := n.detector.Tick(now); changed {
		n.logger.Debug("suspicion changed", "suspects", suspects)
		n.check(n.manager.OnSuspicion(suspects))
	}
	n.check(n.manager.CheckTimeouts(now))
	n.tickTimer.Reset(n.conf.HeartbeatInterval, tickEvent{})
}

// check logs err and stops the node once it was removed from the group.
func (n *Node) check(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, abcast.ErrSelfRemoved) {
		n.logger.Info("removed from the group, stopping")
		n.stop()
		return
	}
	n.logger.Error("protocol error", "error", err)
}

// request runs fn in the event loop and waits for its result.
func (n *Node) request(ctx context.Context, fn func() (types.MessageID, error)) (types.MessageID, error) {
	reply := make(chan requestResult, 1)
	if !n.startedLoop || !n.em.Post(requestEvent{run: fn, reply: reply}) {
		return types.MessageID{}, ErrClosed
	}
	select {
	case r := <-reply:
		return r.id, r.err
	case <-ctx.Done():
		return types.MessageID{}, ctx.Err()
	case <-n.done:
		return types.MessageID{}, ErrClosed
	}
}

// Broadcast submits payload for total-order delivery. It blocks while the
// flow control window is full.
func (n *Node) Broadcast(ctx context.Context, payload []byte) (types.MessageID, error) {
	if err := n.flow.Acquire(ctx); err != nil {
		return types.MessageID{}, err
	}
	id, err := n.request(ctx, func() (types.MessageID, error) {
		id, err := n.engine.Broadcast(payload)
		if err != nil {
			n.flow.Release()
		}
		return id, err
	})
	if errors.Is(err, ErrClosed) {
		n.flow.Release()
	}
	return id, err
}

// AddMember orders the addition of p with its encoded public key.
func (n *Node) AddMember(ctx context.Context, p types.ProcessID, pubKey []byte) (types.MessageID, error) {
	return n.request(ctx, func() (types.MessageID, error) {
		return n.engine.AddMember(p, pubKey)
	})
}

// RemoveMember orders the removal of p.
func (n *Node) RemoveMember(ctx context.Context, p types.ProcessID) (types.MessageID, error) {
	return n.request(ctx, func() (types.MessageID, error) {
		return n.engine.RemoveMember(p)
	})
}

// Deliveries must be drained by the application; the event loop waits
// when its buffer is full. It is closed once the node stopped.
func (n *Node) Deliveries() <-chan Delivery {
	return n.deliveries
}

// Done is closed once the node stopped.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

// Deliver implements abcast.Application.
func (n *Node) Deliver(k int64, e types.Entry) {
	d := Delivery{Instance: k, ID: e.ID, Payload: e.Payload}
	select {
	case n.deliveries <- d:
	case <-n.done:
	}
}

// MemberAdded implements abcast.MembershipListener.
func (n *Node) MemberAdded(p types.ProcessID, pubKey []byte) {
	if err := n.keys.Add(p, pubKey); err != nil {
		n.logger.Warn("unusable key for new member", "member", p, "error", err)
		return
	}
	n.logger.Info("member added", "member", p)
}

// MemberRemoved implements abcast.MembershipListener.
func (n *Node) MemberRemoved(p types.ProcessID) {
	n.keys.Remove(p)
	n.logger.Info("member removed", "member", p)
}

// stop must run on the event loop or before it started.
func (n *Node) stop() {
	n.stopOnce.Do(func() {
		n.stopped = true
		close(n.done)
		n.tickTimer.Halt()
		n.gossipTimer.Halt()
		n.em.Halt()
		if n.trans != nil {
			_ = n.trans.Close()
		}
		go func() {
			if n.startedLoop {
				n.em.Wait()
			}
			close(n.deliveries)
		}()
	})
}

// Close stops the node and waits for its event loop to exit.
func (n *Node) Close() error {
	if !n.startedLoop {
		n.stop()
		return nil
	}
	if n.em.Post(closeEvent{}) {
		<-n.done
	}
	n.em.Wait()
	return nil
}
