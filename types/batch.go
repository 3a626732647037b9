package types

// Kind tags a broadcast entry.
type Kind uint8

const (
	KindData   Kind = iota // application payload
	KindAdd                // Member joins the group
	KindRemove             // Member leaves the group
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "DATA"
	case KindAdd:
		return "ADD"
	case KindRemove:
		return "REMOVE"
	}
	return "UNKNOWN"
}

// Entry is one broadcast message. Membership entries carry the affected
// process in Member and, for ADD, its public key.
type Entry struct {
	ID      MessageID
	Kind    Kind
	Payload []byte
	Member  ProcessID
	PubKey  []byte
}

// Clone returns a deep copy of e.
func (e Entry) Clone() Entry {
	c := e
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	if e.PubKey != nil {
		c.PubKey = append([]byte(nil), e.PubKey...)
	}
	return c
}

// Batch is the value agreed on by one consensus instance: broadcast entries
// in the order chosen by the proposer.
type Batch []Entry

func (b Batch) Len() int {
	return len(b)
}

func (b Batch) IsEmpty() bool {
	return len(b) == 0
}

func (b Batch) Clone() Batch {
	if b == nil {
		return nil
	}
	c := make(Batch, len(b))
	for i, e := range b {
		c[i] = e.Clone()
	}
	return c
}

// IDs lists the message ids in batch order.
func (b Batch) IDs() []MessageID {
	ids := make([]MessageID, len(b))
	for i, e := range b {
		ids[i] = e.ID
	}
	return ids
}

// SameIDs reports whether b and c carry the same ids in the same order.
func (b Batch) SameIDs(c Batch) bool {
	if len(b) != len(c) {
		return false
	}
	for i := range b {
		if b[i].ID != c[i].ID || b[i].Kind != c[i].Kind {
			return false
		}
	}
	return true
}
