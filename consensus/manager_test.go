package consensus

import (
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/zehzinho/SimpleRep-sub000/conn"
	"github.com/zehzinho/SimpleRep-sub000/types"
)

// Three correct processes with distinct proposals decide the round-0
// coordinator's value without ever leaving round 0.
func TestDecideInFirstRound(t *testing.T) {
	g := pids(3)
	s := newSimNet(t, g, Config{})
	for _, p := range g {
		if err := s.nodes[p].m.Propose(g, batchOf(p, 1), 1); err != nil {
			t.Fatal(err)
		}
	}
	s.run()

	for _, p := range g {
		expectDecision(t, s.nodes[p], 1, batchOf(g[0], 1))
		if s.nodes[p].m.Active() != 0 {
			t.Fatalf("%s still runs %d executions", p, s.nodes[p].m.Active())
		}
	}
	if c := s.countTag(EstimateTag) + s.countTag(AbortTag); c != 0 {
		t.Fatalf("%d estimate/abort messages sent, decision should take one round", c)
	}
	// g[1] acked and was sent the digest, g[2] got the full decision.
	if c := s.count(g[0], DecisionDigestTag); c != 1 {
		t.Fatalf("coordinator sent %d digests, want 1", c)
	}
	if c := s.count(g[1], DecisionTag); c != 1 {
		t.Fatalf("%s forwarded %d decisions, want 1", g[1], c)
	}
}

// With the first coordinator crashed and suspected, the second coordinator
// drives round 1 to a decision.
func TestSuspectedCoordinatorRotates(t *testing.T) {
	g := pids(3)
	s := newSimNet(t, g, Config{})
	s.drop = crashed(g[0])
	for _, p := range g[1:] {
		if err := s.nodes[p].m.OnSuspicion([]types.ProcessID{g[0]}); err != nil {
			t.Fatal(err)
		}
		if err := s.nodes[p].m.Propose(g, batchOf(p, 1), 1); err != nil {
			t.Fatal(err)
		}
	}
	x := s.nodes[g[1]].m.Execution(1)
	if x == nil || x.Round() != 1 || x.Coordinator() != g[1] {
		t.Fatalf("second process should coordinate round 1, got %+v", x)
	}
	s.run()

	for _, p := range g[1:] {
		expectDecision(t, s.nodes[p], 1, batchOf(g[1], 1))
	}
	if len(s.nodes[g[0]].decisions) != 0 {
		t.Fatal("crashed process decided")
	}
}

// A value acked in round 0 is locked: the next coordinator must pick it up
// even though the other survivor never saw it.
func TestAckedValueSurvivesCoordinatorCrash(t *testing.T) {
	g := pids(3)
	s := newSimNet(t, g, Config{})
	first := true
	s.drop = func(p packet) bool {
		if p.from == g[0] && p.to == g[1] && p.tag == ProposeTag && first {
			first = false
			return false
		}
		return p.from == g[0] || p.to == g[0]
	}
	for _, p := range g {
		if err := s.nodes[p].m.Propose(g, batchOf(p, 1), 1); err != nil {
			t.Fatal(err)
		}
	}
	s.run()
	for _, p := range g {
		if len(s.nodes[p].decisions) != 0 {
			t.Fatalf("%s decided without a quorum of acks", p)
		}
	}

	for _, p := range g[1:] {
		if err := s.nodes[p].m.OnSuspicion([]types.ProcessID{g[0]}); err != nil {
			t.Fatal(err)
		}
	}
	s.run()
	for _, p := range g[1:] {
		expectDecision(t, s.nodes[p], 1, batchOf(g[0], 1))
	}
}

func TestTwoCrashedCoordinatorsOutOfFive(t *testing.T) {
	g := pids(5)
	s := newSimNet(t, g, Config{})
	s.drop = crashed(g[0], g[1])
	for _, p := range g[2:] {
		if err := s.nodes[p].m.OnSuspicion([]types.ProcessID{g[0], g[1]}); err != nil {
			t.Fatal(err)
		}
		if err := s.nodes[p].m.Propose(g, batchOf(p, 1, 2), 7); err != nil {
			t.Fatal(err)
		}
	}
	if r := s.nodes[g[3]].m.Execution(7).Round(); r != 2 {
		t.Fatalf("participant in round %d, want 2", r)
	}
	s.run()
	for _, p := range g[2:] {
		expectDecision(t, s.nodes[p], 7, batchOf(g[2], 1, 2))
	}
}

// A decision arriving before the local proposal is cached and handed out
// as soon as the process proposes, without new traffic.
func TestEarlyDecision(t *testing.T) {
	g := pids(3)
	s := newSimNet(t, g, Config{})
	for _, p := range g[:2] {
		if err := s.nodes[p].m.Propose(g, batchOf(p, 1), 5); err != nil {
			t.Fatal(err)
		}
	}
	s.run()
	late := s.nodes[g[2]]
	if len(late.decisions) != 0 {
		t.Fatal("decision delivered before the local proposal")
	}
	if len(late.seen) == 0 || late.seen[len(late.seen)-1] != 5 {
		t.Fatalf("instance 5 not reported as seen: %v", late.seen)
	}

	sent := len(s.sent)
	if err := late.m.Propose(g, batchOf(g[2], 9), 5); err != nil {
		t.Fatal(err)
	}
	expectDecision(t, late, 5, batchOf(g[0], 1))
	if len(s.sent) != sent {
		t.Fatalf("early decision caused %d new messages", len(s.sent)-sent)
	}
	if !late.m.Finished(5) {
		t.Fatal("instance 5 not finished")
	}
}

func TestDigestWithoutValueRequestsDecision(t *testing.T) {
	g := pids(3)
	s := newSimNet(t, g, Config{})
	s.drop = func(p packet) bool { return p.to == g[2] }
	for _, p := range g[:2] {
		if err := s.nodes[p].m.Propose(g, batchOf(p, 1), 1); err != nil {
			t.Fatal(err)
		}
	}
	s.run()
	s.drop = nil

	late := s.nodes[g[2]]
	if err := late.m.OnMessage(g[0], DecisionDigest{Instance: 1, Round: 0}); err != nil {
		t.Fatal(err)
	}
	if c := s.count(g[2], DecisionRequestTag); c != 1 {
		t.Fatalf("%d decision requests sent, want 1", c)
	}
	s.run()
	if err := late.m.Propose(g, batchOf(g[2], 1), 1); err != nil {
		t.Fatal(err)
	}
	expectDecision(t, late, 1, batchOf(g[0], 1))
}

func TestFetchRecoversLostDecision(t *testing.T) {
	g := pids(3)
	s := newSimNet(t, g, Config{})
	s.drop = func(p packet) bool { return p.to == g[2] }
	for _, p := range g[:2] {
		if err := s.nodes[p].m.Propose(g, batchOf(p, 1), 1); err != nil {
			t.Fatal(err)
		}
	}
	s.run()
	s.drop = nil

	late := s.nodes[g[2]]
	late.m.Fetch(1, g[1])
	s.run()
	if err := late.m.Propose(g, nil, 1); err != nil {
		t.Fatal(err)
	}
	expectDecision(t, late, 1, batchOf(g[0], 1))
}

func TestRoundTimeout(t *testing.T) {
	g := pids(3)
	s := newSimNet(t, g, Config{RoundTimeout: time.Second})
	s.drop = crashed(g[0])
	for _, p := range g[1:] {
		if err := s.nodes[p].m.Propose(g, batchOf(p, 1), 1); err != nil {
			t.Fatal(err)
		}
	}
	s.run()
	for _, p := range g[1:] {
		n := s.nodes[p]
		if err := n.m.CheckTimeouts(n.now.Add(500 * time.Millisecond)); err != nil {
			t.Fatal(err)
		}
		if r := n.m.Execution(1).Round(); r != 0 {
			t.Fatalf("%s left round 0 before the timeout", p)
		}
		n.now = n.now.Add(2 * time.Second)
		if err := n.m.CheckTimeouts(n.now); err != nil {
			t.Fatal(err)
		}
	}
	s.run()
	for _, p := range g[1:] {
		expectDecision(t, s.nodes[p], 1, batchOf(g[1], 1))
	}
}

func TestMonitoringFollowsInstances(t *testing.T) {
	g := pids(3)
	s := newSimNet(t, g, Config{})
	n := s.nodes[g[0]]
	if err := n.m.Propose(g, batchOf(g[0], 1), 1); err != nil {
		t.Fatal(err)
	}
	if err := n.m.Propose(g, batchOf(g[0], 2), 2); err != nil {
		t.Fatal(err)
	}
	if len(n.started) != 1 || len(n.started[0]) != 2 {
		t.Fatalf("monitoring started %v, want one call for both peers", n.started)
	}
	for _, p := range g[1:] {
		if err := s.nodes[p].m.Propose(g, nil, 1); err != nil {
			t.Fatal(err)
		}
	}
	s.run()
	if len(n.stopped) != 0 {
		t.Fatalf("monitoring stopped while instance 2 runs: %v", n.stopped)
	}
	for _, p := range g[1:] {
		if err := s.nodes[p].m.Propose(g, nil, 2); err != nil {
			t.Fatal(err)
		}
	}
	s.run()
	if len(n.stopped) != 1 || len(n.stopped[0]) != 2 {
		t.Fatalf("monitoring stopped %v, want one call for both peers", n.stopped)
	}
}

func TestProposeValidatesGroup(t *testing.T) {
	g := pids(3)
	m := NewManager(g[0], &simNode{}, nil, Config{}, hclog.NewNullLogger())
	if err := m.Propose(types.Group{g[0], g[1], g[1]}, nil, 1); !errors.Is(err, types.ErrDuplicateMember) {
		t.Fatalf("duplicate member: got %v", err)
	}
	if err := m.Propose(types.Group{g[1], g[2]}, nil, 1); !errors.Is(err, types.ErrNotMember) {
		t.Fatalf("missing self: got %v", err)
	}
}

func TestSingleMemberDecidesAlone(t *testing.T) {
	g := pids(1)
	s := newSimNet(t, g, Config{})
	n := s.nodes[g[0]]
	if err := n.m.Propose(g, batchOf(g[0], 1, 2), 1); err != nil {
		t.Fatal(err)
	}
	expectDecision(t, n, 1, batchOf(g[0], 1, 2))
	if len(s.sent) != 0 {
		t.Fatalf("single member sent %d messages", len(s.sent))
	}
}

// scribbler is an application that reuses the payload buffers it is given.
type scribbler struct {
	decided []int64
}

func (l *scribbler) Decide(k int64, value types.Batch) error {
	l.decided = append(l.decided, k)
	for _, e := range value {
		for i := range e.Payload {
			e.Payload[i] = 'x'
		}
	}
	return nil
}

func (l *scribbler) Seen(int64) error { return nil }

// lastDecision decodes the last decision n put on the network.
func lastDecision(t *testing.T, s *simNet, n *simNode) (Decision, bool) {
	t.Helper()
	for i := len(s.queue) - 1; i >= 0; i-- {
		p := s.queue[i]
		if p.from != n.id || p.tag != DecisionTag {
			continue
		}
		msg, err := conn.DecodeTyped(ReflectedTypes(), p.tag, p.body)
		if err != nil {
			t.Fatal(err)
		}
		return msg.(Decision), true
	}
	return Decision{}, false
}

// A decision served to a lagging peer carries the decided bytes even after
// the application reused the delivered buffers.
func TestServedDecisionIndependentOfApplication(t *testing.T) {
	g := pids(3)
	s := newSimNet(t, g, Config{})
	n := s.nodes[g[0]]
	app := &scribbler{}
	n.m.SetListener(app)
	for _, p := range g {
		if err := s.nodes[p].m.Propose(g, batchOf(p, 1), 1); err != nil {
			t.Fatal(err)
		}
	}
	s.run()
	if len(app.decided) != 1 {
		t.Fatalf("decided %v", app.decided)
	}

	if err := n.m.OnMessage(g[2], DecisionRequest{Instance: 1}); err != nil {
		t.Fatal(err)
	}
	d, ok := lastDecision(t, s, n)
	if !ok {
		t.Fatal("decision request not answered")
	}
	want := batchOf(g[0], 1)
	if !d.Value.SameIDs(want) || string(d.Value[0].Payload) != string(want[0].Payload) {
		t.Fatalf("served %v with payload %q, want %q", d.Value.IDs(), d.Value[0].Payload, want[0].Payload)
	}
}

func TestDecisionCacheBound(t *testing.T) {
	g := pids(1)
	s := newSimNet(t, g, Config{DecisionCache: 2})
	n := s.nodes[g[0]]
	for k := int64(1); k <= 3; k++ {
		if err := n.m.Propose(g, batchOf(g[0], k), k); err != nil {
			t.Fatal(err)
		}
	}
	peer := pids(2)[1]
	if err := n.m.OnMessage(peer, DecisionRequest{Instance: 1}); err != nil {
		t.Fatal(err)
	}
	if _, ok := lastDecision(t, s, n); ok {
		t.Fatal("evicted decision was served")
	}
	if err := n.m.OnMessage(peer, DecisionRequest{Instance: 3}); err != nil {
		t.Fatal(err)
	}
	d, ok := lastDecision(t, s, n)
	if !ok || d.Instance != 3 || !d.Value.SameIDs(batchOf(g[0], 3)) {
		t.Fatalf("cached decision not served: %+v", d)
	}
}

func TestLateAndStaleMessagesDropped(t *testing.T) {
	g := pids(3)
	s := newSimNet(t, g, Config{})
	for _, p := range g {
		if err := s.nodes[p].m.Propose(g, batchOf(p, 1), 1); err != nil {
			t.Fatal(err)
		}
	}
	s.run()
	n := s.nodes[g[0]]
	for _, msg := range []interface{}{
		Ack{Instance: 1, Round: 0},
		Estimate{Instance: 1, Round: 3},
		Decision{Instance: 1, Value: batchOf(g[0], 1)},
	} {
		if err := n.m.OnMessage(g[2], msg); err != nil {
			t.Fatalf("late %T: %v", msg, err)
		}
	}
	err := n.m.OnMessage(g[2], Decision{Instance: 1, Value: batchOf(g[2], 4)})
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("conflicting late decision: got %v", err)
	}
	if len(n.decisions) != 1 {
		t.Fatalf("late traffic produced decisions: %v", n.decisions)
	}
	if err := n.m.Propose(g, nil, 1); err != nil {
		t.Fatal(err)
	}
	if n.m.Active() != 0 {
		t.Fatal("finished instance restarted")
	}
}

func TestProtocolViolations(t *testing.T) {
	g := pids(3)
	s := newSimNet(t, g, Config{})
	for _, p := range g {
		if err := s.nodes[p].m.Propose(g, batchOf(p, 1), 1); err != nil {
			t.Fatal(err)
		}
	}
	coord := s.nodes[g[0]]
	err := coord.m.OnMessage(g[1], Propose{Instance: 1, Round: 0, Value: batchOf(g[1], 1)})
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("proposal to the coordinator: got %v", err)
	}
	err = s.nodes[g[1]].m.OnMessage(g[2], Ack{Instance: 1, Round: 0})
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("ack to a participant: got %v", err)
	}
	if err := coord.m.OnMessage(g[1], "hello"); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("unknown message: got %v", err)
	}
}

func TestSkipFinishesInstances(t *testing.T) {
	g := pids(3)
	s := newSimNet(t, g, Config{})
	n := s.nodes[g[1]]
	if err := n.m.OnMessage(g[0], Propose{Instance: 2, Round: 0, Value: batchOf(g[0], 1)}); err != nil {
		t.Fatal(err)
	}
	n.m.Skip(4)
	for k := int64(1); k <= 4; k++ {
		if !n.m.Finished(k) {
			t.Fatalf("instance %d not finished after skip", k)
		}
	}
	if n.m.Active() != 0 || n.m.HighestSeen() != 4 {
		t.Fatalf("active %d, highest seen %d", n.m.Active(), n.m.HighestSeen())
	}
	if err := n.m.Propose(g, batchOf(g[1], 1), 3); err != nil {
		t.Fatal(err)
	}
	if len(n.decisions) != 0 || len(s.sent) != 0 {
		t.Fatal("skipped instance ran")
	}
}

func TestManyInstancesAgree(t *testing.T) {
	g := pids(4)
	s := newSimNet(t, g, Config{})
	for k := int64(1); k <= 20; k++ {
		for i, p := range g {
			if k%3 == 0 && i == 3 {
				continue
			}
			if err := s.nodes[p].m.Propose(g, batchOf(p, k), k); err != nil {
				t.Fatal(err)
			}
		}
		s.run()
	}
	for k := int64(1); k <= 20; k++ {
		want := s.nodes[g[0]].decisions[k]
		for i, p := range g {
			if k%3 == 0 && i == 3 {
				continue
			}
			expectDecision(t, s.nodes[p], k, want)
		}
	}
}
