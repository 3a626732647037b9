package abcast

import (
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/zehzinho/SimpleRep-sub000/conn"
	"github.com/zehzinho/SimpleRep-sub000/consensus"
	"github.com/zehzinho/SimpleRep-sub000/types"
)

type packet struct {
	from, to types.ProcessID
	tag      uint8
	body     []byte
}

// cluster wires a consensus manager and an engine per process over an
// in-memory network. Messages are encoded on send and decoded on receipt.
type cluster struct {
	t       *testing.T
	nodes   map[types.ProcessID]*node
	queue   []packet
	typeMap map[uint8]reflect.Type
	drop    func(p packet) bool
	rng     *rand.Rand // when set, packets are delivered in random order
}

type node struct {
	id        types.ProcessID
	c         *cluster
	m         *consensus.Manager
	e         *Engine
	flow      *FlowControl
	delivered []types.Entry
	instances []int64
	added     []types.ProcessID
	removed   []types.ProcessID
	err       error
}

func testIDs(n int) types.Group {
	g := make(types.Group, n)
	for i := range g {
		g[i] = types.NewProcessID(fmt.Sprintf("10.0.1.%d:7000", i+1))
	}
	return g
}

func newCluster(t *testing.T) *cluster {
	return &cluster{
		t:       t,
		nodes:   make(map[types.ProcessID]*node),
		typeMap: conn.MergeTypes(consensus.ReflectedTypes(), ReflectedTypes()),
	}
}

func (c *cluster) addNode(id types.ProcessID, conf Config) *node {
	n := &node{id: id, c: c, flow: NewFlowControl(4, 16, 8)}
	n.m = consensus.NewManager(id, n, nil, consensus.Config{}, hclog.NewNullLogger())
	if conf.PubKey == nil {
		conf.PubKey = []byte("key-" + id.String())
	}
	n.e = NewEngine(id, conf, n, n.m, n, hclog.NewNullLogger())
	n.e.SetFlowControl(n.flow)
	n.e.SetMembershipListener(n)
	n.m.SetListener(n.e)
	c.nodes[id] = n
	return n
}

// staticCluster builds a group whose members all start at instance 1.
func staticCluster(t *testing.T, size int, conf Config) (*cluster, types.Group) {
	c := newCluster(t)
	g := testIDs(size)
	keys := make(map[types.ProcessID][]byte)
	for _, p := range g {
		keys[p] = []byte("key-" + p.String())
	}
	for _, p := range g {
		n := c.addNode(p, conf)
		if err := n.e.Init(g, keys); err != nil {
			t.Fatal(err)
		}
	}
	return c, g
}

func (n *node) Send(dest types.ProcessID, tag uint8, msg interface{}) {
	body, err := conn.Encode(msg)
	if err != nil {
		n.c.t.Fatalf("encode %T: %v", msg, err)
	}
	n.c.queue = append(n.c.queue, packet{from: n.id, to: dest, tag: tag, body: body})
}

func (n *node) Deliver(k int64, e types.Entry) {
	n.delivered = append(n.delivered, e)
	n.instances = append(n.instances, k)
}

func (n *node) MemberAdded(p types.ProcessID, pubKey []byte) {
	n.added = append(n.added, p)
}

func (n *node) MemberRemoved(p types.ProcessID) {
	n.removed = append(n.removed, p)
}

func (n *node) broadcast(payload string) types.MessageID {
	n.c.t.Helper()
	id, err := n.e.Broadcast([]byte(payload))
	if err != nil {
		n.c.t.Fatalf("%s broadcast: %v", n.id, err)
	}
	return id
}

func (n *node) ids() []types.MessageID {
	out := make([]types.MessageID, len(n.delivered))
	for i, e := range n.delivered {
		out[i] = e.ID
	}
	return out
}

func (c *cluster) route(p packet) error {
	n, ok := c.nodes[p.to]
	if !ok || n.err != nil {
		return nil
	}
	msg, err := conn.DecodeTyped(c.typeMap, p.tag, p.body)
	if err != nil {
		return err
	}
	if p.tag < RelayTag {
		return n.m.OnMessage(p.from, msg)
	}
	return n.e.OnMessage(p.from, msg)
}

func (c *cluster) run() {
	c.t.Helper()
	for steps := 0; len(c.queue) > 0; steps++ {
		if steps > 200000 {
			c.t.Fatal("network did not quiesce")
		}
		i := 0
		if c.rng != nil {
			i = c.rng.Intn(len(c.queue))
		}
		p := c.queue[i]
		c.queue = append(c.queue[:i], c.queue[i+1:]...)
		if c.drop != nil && c.drop(p) {
			continue
		}
		if err := c.route(p); err != nil {
			if errors.Is(err, ErrSelfRemoved) {
				c.nodes[p.to].err = err
				continue
			}
			c.t.Fatalf("%s handling tag %d from %s: %v", p.to, p.tag, p.from, err)
		}
	}
}

func sameIDs(a, b []types.MessageID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// checkAgreement asserts every listed node delivered the same sequence
// and no message twice.
func checkAgreement(t *testing.T, c *cluster, ids types.Group, want int) []types.MessageID {
	t.Helper()
	ref := c.nodes[ids[0]].ids()
	if len(ref) != want {
		t.Fatalf("%s delivered %d messages, want %d", ids[0], len(ref), want)
	}
	seen := make(map[types.MessageID]bool)
	for _, id := range ref {
		if seen[id] {
			t.Fatalf("%s delivered %s twice", ids[0], id)
		}
		seen[id] = true
	}
	for _, p := range ids[1:] {
		if got := c.nodes[p].ids(); !sameIDs(got, ref) {
			t.Fatalf("%s delivered %v, %s delivered %v", p, got, ids[0], ref)
		}
	}
	return ref
}
