package abcast

import (
	"reflect"

	"github.com/zehzinho/SimpleRep-sub000/types"
)

// Tags of the broadcast messages, above the consensus range.
const (
	RelayTag uint8 = iota + 16
	GossipTag
	JoinRequestTag
	StateShardTag
)

// Relay disseminates a freshly broadcast entry to the group.
type Relay struct {
	Entry types.Entry
}

// Gossip advertises the last instance decided by the sender.
type Gossip struct {
	LastDecided int64
}

// JoinRequest is sent by a process that wants to enter the group.
type JoinRequest struct {
	Member types.ProcessID
	PubKey []byte
}

// StateShard is one erasure-coded piece of a state snapshot.
type StateShard struct {
	Instance     int64
	Digest       []byte
	Index        int
	DataShards   int
	ParityShards int
	Size         int
	Shard        []byte
}

var reflectedTypesMap = map[uint8]reflect.Type{
	RelayTag:       reflect.TypeOf(Relay{}),
	GossipTag:      reflect.TypeOf(Gossip{}),
	JoinRequestTag: reflect.TypeOf(JoinRequest{}),
	StateShardTag:  reflect.TypeOf(StateShard{}),
}

// ReflectedTypes returns the tag table of the broadcast messages.
func ReflectedTypes() map[uint8]reflect.Type {
	out := make(map[uint8]reflect.Type, len(reflectedTypesMap))
	for k, v := range reflectedTypesMap {
		out[k] = v
	}
	return out
}
