package types

import "fmt"

// MessageID identifies a broadcast message. A sender never reuses a Seq.
type MessageID struct {
	Sender ProcessID
	Seq    int64
}

// Relation describes how two message ids relate inside a compressed range.
type Relation uint8

const (
	Incomparable Relation = iota
	Predecessor           // the receiver directly precedes the argument
	Equal
	Successor // the receiver directly follows the argument
)

func (r Relation) String() string {
	switch r {
	case Predecessor:
		return "predecessor"
	case Equal:
		return "equal"
	case Successor:
		return "successor"
	}
	return "incomparable"
}

func (m MessageID) String() string {
	return fmt.Sprintf("%s:%d", m.Sender, m.Seq)
}

// Compare orders ids by sender, then sequence number.
func (m MessageID) Compare(o MessageID) int {
	if c := m.Sender.Compare(o.Sender); c != 0 {
		return c
	}
	switch {
	case m.Seq < o.Seq:
		return -1
	case m.Seq > o.Seq:
		return 1
	}
	return 0
}

func (m MessageID) Less(o MessageID) bool {
	return m.Compare(o) < 0
}

// Relation tells whether m and o are adjacent ids of the same sender, which
// is what lets runs of delivered ids collapse into a single range.
func (m MessageID) Relation(o MessageID) Relation {
	if m.Sender != o.Sender {
		return Incomparable
	}
	switch m.Seq - o.Seq {
	case 0:
		return Equal
	case -1:
		return Predecessor
	case 1:
		return Successor
	}
	return Incomparable
}
