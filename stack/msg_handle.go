package stack

import (
	"time"

	"github.com/zehzinho/SimpleRep-sub000/abcast"
	"github.com/zehzinho/SimpleRep-sub000/conn"
	"github.com/zehzinho/SimpleRep-sub000/fd"
)

func (n *Node) handleEnvelope(env conn.Envelope) {
	if !n.keys.Known(env.From) {
		// a joiner has no keys before its state transfer, and the group
		// has none for the joiner before its addition is delivered
		if env.Tag == abcast.JoinRequestTag || env.Tag == abcast.StateShardTag {
			n.dispatch(env)
			return
		}
		n.park(env)
		return
	}
	if err := n.keys.Verify(env.From, conn.SigningBytes(env.Tag, env.From, env.Body), env.Sig); err != nil {
		n.logger.Error("fail to verify the signature", "tag", env.Tag, "sender", env.From, "error", err)
		return
	}
	n.detector.Heard(env.From, time.Now())
	n.dispatch(env)
}

func (n *Node) dispatch(env conn.Envelope) {
	switch {
	case env.Tag == fd.HeartbeatTag:
		if hb, ok := env.Msg.(fd.Heartbeat); ok {
			n.detector.OnMessage(env.From, hb, time.Now())
		}
	case env.Tag < abcast.RelayTag:
		n.check(n.manager.OnMessage(env.From, env.Msg))
	default:
		n.check(n.engine.OnMessage(env.From, env.Msg))
	}
}

// park keeps env until the key of its sender is learned, dropping the
// oldest envelope when the buffer is full.
func (n *Node) park(env conn.Envelope) {
	if len(n.parked) >= maxParked {
		n.parked = n.parked[1:]
	}
	n.parked = append(n.parked, env)
	n.logger.Trace("parked envelope from unknown sender", "tag", env.Tag, "sender", env.From)
}

func (n *Node) replayParked() {
	for len(n.parked) > 0 && !n.stopped {
		waiting := n.parked[:0:0]
		var ready []conn.Envelope
		for _, env := range n.parked {
			if n.keys.Known(env.From) {
				ready = append(ready, env)
			} else {
				waiting = append(waiting, env)
			}
		}
		if len(ready) == 0 {
			return
		}
		n.parked = waiting
		for _, env := range ready {
			if n.stopped {
				return
			}
			n.handleEnvelope(env)
		}
	}
}
