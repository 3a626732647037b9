package consensus

import (
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/zehzinho/SimpleRep-sub000/conn"
	"github.com/zehzinho/SimpleRep-sub000/types"
)

// packet is one message in flight on the simulated network.
type packet struct {
	from, to types.ProcessID
	tag      uint8
	body     []byte
}

// simNet is a deterministic FIFO network. Every message goes through the
// msgpack codec, so nodes never share memory.
type simNet struct {
	t     *testing.T
	queue []packet
	sent  []packet
	nodes map[types.ProcessID]*simNode
	drop  func(p packet) bool
}

type simNode struct {
	id        types.ProcessID
	net       *simNet
	m         *Manager
	decisions map[int64]types.Batch
	seen      []int64
	started   [][]types.ProcessID
	stopped   [][]types.ProcessID
	now       time.Time
}

func pids(n int) types.Group {
	g := make(types.Group, n)
	for i := range g {
		g[i] = types.NewProcessID(fmt.Sprintf("10.0.0.%d:7000", i+1))
	}
	return g
}

func newSimNet(t *testing.T, g types.Group, conf Config) *simNet {
	s := &simNet{t: t, nodes: make(map[types.ProcessID]*simNode)}
	for _, p := range g {
		n := &simNode{id: p, net: s, decisions: make(map[int64]types.Batch), now: time.Unix(1000, 0)}
		n.m = NewManager(p, n, n, conf, hclog.NewNullLogger())
		n.m.SetListener(n)
		n.m.SetClock(func() time.Time { return n.now })
		s.nodes[p] = n
	}
	return s
}

func (n *simNode) Send(dest types.ProcessID, tag uint8, msg interface{}) {
	body, err := conn.Encode(msg)
	if err != nil {
		n.net.t.Fatalf("encode %T: %v", msg, err)
	}
	p := packet{from: n.id, to: dest, tag: tag, body: body}
	n.net.queue = append(n.net.queue, p)
	n.net.sent = append(n.net.sent, p)
}

func (n *simNode) Decide(k int64, value types.Batch) error {
	if prev, ok := n.decisions[k]; ok {
		n.net.t.Errorf("%s decided instance %d twice (%v then %v)", n.id, k, prev.IDs(), value.IDs())
	}
	n.decisions[k] = value.Clone()
	return nil
}

func (n *simNode) Seen(k int64) error {
	n.seen = append(n.seen, k)
	return nil
}

func (n *simNode) StartMonitoring(ids []types.ProcessID) {
	n.started = append(n.started, append([]types.ProcessID(nil), ids...))
}

func (n *simNode) StopMonitoring(ids []types.ProcessID) {
	n.stopped = append(n.stopped, append([]types.ProcessID(nil), ids...))
}

// run delivers queued packets until the network is quiet.
func (s *simNet) run() {
	s.t.Helper()
	for steps := 0; len(s.queue) > 0; steps++ {
		if steps > 100000 {
			s.t.Fatal("network did not quiesce")
		}
		p := s.queue[0]
		s.queue = s.queue[1:]
		if s.drop != nil && s.drop(p) {
			continue
		}
		node, ok := s.nodes[p.to]
		if !ok {
			continue
		}
		msg, err := conn.DecodeTyped(ReflectedTypes(), p.tag, p.body)
		if err != nil {
			s.t.Fatalf("decode tag %d: %v", p.tag, err)
		}
		if err := node.m.OnMessage(p.from, msg); err != nil {
			s.t.Fatalf("%s handling %T from %s: %v", p.to, msg, p.from, err)
		}
	}
}

func (s *simNet) count(from types.ProcessID, tag uint8) int {
	c := 0
	for _, p := range s.sent {
		if p.from == from && p.tag == tag {
			c++
		}
	}
	return c
}

func (s *simNet) countTag(tag uint8) int {
	c := 0
	for _, p := range s.sent {
		if p.tag == tag {
			c++
		}
	}
	return c
}

// crashed drops every packet to or from the given processes.
func crashed(ids ...types.ProcessID) func(p packet) bool {
	return func(p packet) bool {
		for _, id := range ids {
			if p.from == id || p.to == id {
				return true
			}
		}
		return false
	}
}

func batchOf(sender types.ProcessID, seqs ...int64) types.Batch {
	b := make(types.Batch, 0, len(seqs))
	for _, s := range seqs {
		b = append(b, types.Entry{
			ID:      types.MessageID{Sender: sender, Seq: s},
			Kind:    types.KindData,
			Payload: []byte(fmt.Sprintf("%s/%d", sender, s)),
		})
	}
	return b
}

func expectDecision(t *testing.T, n *simNode, k int64, want types.Batch) {
	t.Helper()
	got, ok := n.decisions[k]
	if !ok {
		t.Fatalf("%s did not decide instance %d", n.id, k)
	}
	if !got.SameIDs(want) {
		t.Fatalf("%s decided %v for instance %d, want %v", n.id, got.IDs(), k, want.IDs())
	}
}
