/*
Package types implements the identifiers and values shared by the consensus
and the atomic broadcast layers: process identities, groups, message
identifiers, compressed sequence sets and the batches that consensus agrees on.
*/
package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ProcessID identifies a process by its network address and incarnation.
// A restarted process must come back with a higher incarnation.
type ProcessID struct {
	Addr        string
	Incarnation uint64
}

// NewProcessID returns the identity of the first incarnation at addr.
func NewProcessID(addr string) ProcessID {
	return ProcessID{Addr: addr}
}

// ParseProcessID parses the "addr" or "addr#incarnation" form.
func ParseProcessID(s string) (ProcessID, error) {
	if s == "" {
		return ProcessID{}, errors.New("empty process id")
	}
	i := strings.LastIndexByte(s, '#')
	if i < 0 {
		return ProcessID{Addr: s}, nil
	}
	inc, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return ProcessID{}, fmt.Errorf("bad incarnation in %q: %w", s, err)
	}
	return ProcessID{Addr: s[:i], Incarnation: inc}, nil
}

func (p ProcessID) String() string {
	if p.Incarnation == 0 {
		return p.Addr
	}
	return p.Addr + "#" + strconv.FormatUint(p.Incarnation, 10)
}

// IsZero reports whether p is the zero identity.
func (p ProcessID) IsZero() bool {
	return p.Addr == "" && p.Incarnation == 0
}

// Compare orders identities by address, then incarnation.
func (p ProcessID) Compare(q ProcessID) int {
	switch {
	case p.Addr < q.Addr:
		return -1
	case p.Addr > q.Addr:
		return 1
	case p.Incarnation < q.Incarnation:
		return -1
	case p.Incarnation > q.Incarnation:
		return 1
	}
	return 0
}

func (p ProcessID) Less(q ProcessID) bool {
	return p.Compare(q) < 0
}

// SortProcessIDs sorts ids in place.
func SortProcessIDs(ids []ProcessID) {
	// insertion sort, the sets involved are group sized
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j].Less(ids[j-1]); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}
