package abcast

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/klauspost/reedsolomon"
	"github.com/zehzinho/SimpleRep-sub000/types"
)

// ErrBadShard is returned for shards that cannot belong to a valid snapshot.
var ErrBadShard = errors.New("bad state shard")

// Snapshot is the state a joining process needs: the group and its keys,
// the delivery marks and the instance they correspond to. It holds no
// maps, so equal states encode to equal bytes.
type Snapshot struct {
	Instance int64
	Group    []types.ProcessID
	Keys     [][]byte // parallel to Group
	Marks    []Mark
}

func (s *Snapshot) Encode() ([]byte, error) {
	var out []byte
	enc := codec.NewEncoderBytes(&out, &codec.MsgpackHandle{})
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return out, nil
}

func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	dec := codec.NewDecoderBytes(data, &codec.MsgpackHandle{})
	if err := dec.Decode(&s); err != nil {
		return nil, err
	}
	if len(s.Keys) != len(s.Group) {
		return nil, fmt.Errorf("snapshot has %d keys for %d members", len(s.Keys), len(s.Group))
	}
	return &s, nil
}

// shardLayout returns the erasure code used when stable members send one
// shard each: any majority of them rebuilds the snapshot.
func shardLayout(stable int) (dataShards, parityShards int) {
	dataShards = stable/2 + 1
	parityShards = stable - dataShards + 1
	return
}

// splitSnapshot encodes data into dataShards+parityShards shards.
func splitSnapshot(data []byte, dataShards, parityShards int) ([][]byte, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	shards, err := enc.Split(data)
	if err != nil {
		return nil, err
	}
	if err := enc.Encode(shards); err != nil {
		return nil, err
	}
	return shards, nil
}

// makeShards builds the StateShard messages of a snapshot.
func makeShards(s *Snapshot, dataShards, parityShards int) ([]StateShard, error) {
	data, err := s.Encode()
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	shards, err := splitSnapshot(data, dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	out := make([]StateShard, len(shards))
	for i, sh := range shards {
		out[i] = StateShard{
			Instance:     s.Instance,
			Digest:       sum[:],
			Index:        i,
			DataShards:   dataShards,
			ParityShards: parityShards,
			Size:         len(data),
			Shard:        sh,
		}
	}
	return out, nil
}

type shardSet struct {
	shards [][]byte
	have   int
}

// assembler collects shards until one snapshot can be rebuilt. Shards are
// grouped by everything but their index and payload, so shards of
// different snapshots never mix.
type assembler struct {
	sets map[string]*shardSet
}

func newAssembler() *assembler {
	return &assembler{sets: make(map[string]*shardSet)}
}

// add stores sh and returns the snapshot bytes once enough shards agree.
func (a *assembler) add(sh StateShard) ([]byte, bool, error) {
	total := sh.DataShards + sh.ParityShards
	if sh.DataShards < 1 || sh.ParityShards < 1 || sh.Index < 0 || sh.Index >= total || sh.Size <= 0 || len(sh.Shard) == 0 {
		return nil, false, fmt.Errorf("%w: index %d of %d+%d", ErrBadShard, sh.Index, sh.DataShards, sh.ParityShards)
	}
	key := fmt.Sprintf("%d/%x/%d/%d/%d", sh.Instance, sh.Digest, sh.DataShards, sh.ParityShards, sh.Size)
	set, ok := a.sets[key]
	if !ok {
		set = &shardSet{shards: make([][]byte, total)}
		a.sets[key] = set
	}
	if set.shards[sh.Index] != nil {
		return nil, false, nil
	}
	for _, other := range set.shards {
		if other != nil && len(other) != len(sh.Shard) {
			return nil, false, fmt.Errorf("%w: shard size %d, want %d", ErrBadShard, len(sh.Shard), len(other))
		}
	}
	set.shards[sh.Index] = append([]byte(nil), sh.Shard...)
	set.have++
	if set.have < sh.DataShards {
		return nil, false, nil
	}

	enc, err := reedsolomon.New(sh.DataShards, sh.ParityShards)
	if err != nil {
		return nil, false, err
	}
	if err := enc.ReconstructData(set.shards); err != nil {
		delete(a.sets, key)
		return nil, false, fmt.Errorf("%w: %v", ErrBadShard, err)
	}
	var buf bytes.Buffer
	if err := enc.Join(&buf, set.shards, sh.Size); err != nil {
		delete(a.sets, key)
		return nil, false, fmt.Errorf("%w: %v", ErrBadShard, err)
	}
	sum := sha256.Sum256(buf.Bytes())
	if !bytes.Equal(sum[:], sh.Digest) {
		delete(a.sets, key)
		return nil, false, fmt.Errorf("%w: digest mismatch for instance %d", ErrBadShard, sh.Instance)
	}
	a.sets = make(map[string]*shardSet)
	return buf.Bytes(), true, nil
}
