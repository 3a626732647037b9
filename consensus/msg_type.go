package consensus

import (
	"reflect"

	"github.com/zehzinho/SimpleRep-sub000/types"
)

// Tags of the consensus messages. The abcast and fd packages use their own
// ranges so all tables can be merged into one transport.
const (
	EstimateTag uint8 = iota
	ProposeTag
	AckTag
	AbortTag
	DecisionTag
	DecisionDigestTag
	DecisionRequestTag
)

// Estimate is sent by a non-coordinator to the coordinator of a round > 0.
type Estimate struct {
	Instance int64
	Round    int
	Value    types.Batch
	TS       int // round in which Value was last adopted, -1 if never
}

// Propose carries the coordinator's value for a round.
type Propose struct {
	Instance int64
	Round    int
	Value    types.Batch
}

// Ack answers a Propose. Nack marks a negative acknowledgement, sent when
// the coordinator is suspected.
type Ack struct {
	Instance int64
	Round    int
	Nack     bool
}

// Abort tells the participants that the coordinator gave up on a round.
type Abort struct {
	Instance int64
	Round    int
}

// Decision carries the decided value of an instance.
type Decision struct {
	Instance int64
	Value    types.Batch
}

// DecisionDigest announces a decision without its payload. Round is the
// round whose proposal was decided.
type DecisionDigest struct {
	Instance int64
	Round    int
}

// DecisionRequest asks a peer for the full decision of an instance.
type DecisionRequest struct {
	Instance int64
}

var reflectedTypesMap = map[uint8]reflect.Type{
	EstimateTag:        reflect.TypeOf(Estimate{}),
	ProposeTag:         reflect.TypeOf(Propose{}),
	AckTag:             reflect.TypeOf(Ack{}),
	AbortTag:           reflect.TypeOf(Abort{}),
	DecisionTag:        reflect.TypeOf(Decision{}),
	DecisionDigestTag:  reflect.TypeOf(DecisionDigest{}),
	DecisionRequestTag: reflect.TypeOf(DecisionRequest{}),
}

// ReflectedTypes returns the tag table of the consensus messages.
func ReflectedTypes() map[uint8]reflect.Type {
	out := make(map[uint8]reflect.Type, len(reflectedTypesMap))
	for k, v := range reflectedTypesMap {
		out[k] = v
	}
	return out
}

// instanceOf extracts the instance number of a consensus message.
func instanceOf(msg interface{}) (int64, bool) {
	switch m := msg.(type) {
	case Estimate:
		return m.Instance, true
	case Propose:
		return m.Instance, true
	case Ack:
		return m.Instance, true
	case Abort:
		return m.Instance, true
	case Decision:
		return m.Instance, true
	case DecisionDigest:
		return m.Instance, true
	case DecisionRequest:
		return m.Instance, true
	}
	return 0, false
}

// roundOf extracts the round of a round-bound message.
func roundOf(msg interface{}) int {
	switch m := msg.(type) {
	case Estimate:
		return m.Round
	case Propose:
		return m.Round
	case Ack:
		return m.Round
	case Abort:
		return m.Round
	}
	return -1
}
