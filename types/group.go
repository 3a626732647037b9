package types

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateMember is returned when a group lists a process twice.
	ErrDuplicateMember = errors.New("duplicate group member")
	// ErrNotMember is returned when the local process is missing from a group
	// it is asked to work with.
	ErrNotMember = errors.New("process is not a group member")
	// ErrEmptyGroup is returned for a group without members.
	ErrEmptyGroup = errors.New("empty group")
)

// Group is an ordered list of distinct processes. The order defines the
// coordinator rotation of consensus rounds.
type Group []ProcessID

// NewGroup copies ids into a group and rejects duplicates.
func NewGroup(ids ...ProcessID) (Group, error) {
	g := Group(append([]ProcessID(nil), ids...))
	if err := g.checkDuplicates(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g Group) checkDuplicates() error {
	seen := make(map[ProcessID]struct{}, len(g))
	for _, p := range g {
		if _, ok := seen[p]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateMember, p)
		}
		seen[p] = struct{}{}
	}
	return nil
}

// Validate checks that g is usable by self: non-empty, no duplicates and
// self among the members.
func (g Group) Validate(self ProcessID) error {
	if len(g) == 0 {
		return ErrEmptyGroup
	}
	if err := g.checkDuplicates(); err != nil {
		return err
	}
	if !g.Contains(self) {
		return fmt.Errorf("%w: %s", ErrNotMember, self)
	}
	return nil
}

func (g Group) Len() int {
	return len(g)
}

// Coordinator returns the process in charge of round r.
func (g Group) Coordinator(round int) ProcessID {
	return g[round%len(g)]
}

// Majority is the number of peers, besides the local process, whose votes
// complete a majority: ⌊n/2⌋.
func (g Group) Majority() int {
	return len(g) / 2
}

// Quorum is the number of processes, local one included, forming a majority.
func (g Group) Quorum() int {
	return g.Majority() + 1
}

func (g Group) IndexOf(p ProcessID) int {
	for i, q := range g {
		if q == p {
			return i
		}
	}
	return -1
}

func (g Group) Contains(p ProcessID) bool {
	return g.IndexOf(p) >= 0
}

// Successors returns up to k processes following p in ring order, p excluded.
func (g Group) Successors(p ProcessID, k int) []ProcessID {
	i := g.IndexOf(p)
	if i < 0 || k <= 0 {
		return nil
	}
	if k > len(g)-1 {
		k = len(g) - 1
	}
	out := make([]ProcessID, 0, k)
	for j := 1; j <= k; j++ {
		out = append(out, g[(i+j)%len(g)])
	}
	return out
}

// Others returns every member but p, in group order.
func (g Group) Others(p ProcessID) []ProcessID {
	out := make([]ProcessID, 0, len(g))
	for _, q := range g {
		if q != p {
			out = append(out, q)
		}
	}
	return out
}

func (g Group) Clone() Group {
	if g == nil {
		return nil
	}
	return append(Group(nil), g...)
}

// With returns a copy of g with p appended, or a plain copy if p is present.
func (g Group) With(p ProcessID) Group {
	if g.Contains(p) {
		return g.Clone()
	}
	return append(g.Clone(), p)
}

// Without returns a copy of g without p.
func (g Group) Without(p ProcessID) Group {
	return Group(g.Others(p))
}

func (g Group) Equal(h Group) bool {
	if len(g) != len(h) {
		return false
	}
	for i := range g {
		if g[i] != h[i] {
			return false
		}
	}
	return true
}
