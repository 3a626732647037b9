package abcast

import (
	"sort"

	"github.com/zehzinho/SimpleRep-sub000/types"
)

// Mark is the delivery state of one sender: everything up to HWM plus the
// sequence numbers listed in Above.
type Mark struct {
	Sender types.ProcessID
	HWM    int64
	Above  []types.Range
}

type mark struct {
	hwm   int64
	above types.SeqSet
}

// Delivered remembers which messages were delivered, compacted per sender
// into a high-water mark and the sparse set above it. Marks of removed
// senders stay so their old messages are never delivered again.
type Delivered struct {
	marks map[types.ProcessID]*mark
}

func NewDelivered() *Delivered {
	return &Delivered{marks: make(map[types.ProcessID]*mark)}
}

func (d *Delivered) Contains(id types.MessageID) bool {
	m, ok := d.marks[id.Sender]
	if !ok {
		return false
	}
	return id.Seq <= m.hwm || m.above.Contains(id.Seq)
}

// Add marks id delivered and reports whether it was new.
func (d *Delivered) Add(id types.MessageID) bool {
	m, ok := d.marks[id.Sender]
	if !ok {
		m = &mark{}
		d.marks[id.Sender] = m
	}
	if id.Seq <= m.hwm {
		return false
	}
	if id.Seq != m.hwm+1 {
		return m.above.Add(id.Seq)
	}
	m.hwm = m.above.RunFrom(id.Seq + 1)
	if m.hwm < id.Seq {
		m.hwm = id.Seq
	}
	m.above.TrimThrough(m.hwm)
	return true
}

// HWM returns the high-water mark of sender.
func (d *Delivered) HWM(sender types.ProcessID) int64 {
	if m, ok := d.marks[sender]; ok {
		return m.hwm
	}
	return 0
}

// Marks exports the non-empty marks sorted by sender.
func (d *Delivered) Marks() []Mark {
	out := make([]Mark, 0, len(d.marks))
	for p, m := range d.marks {
		if m.hwm == 0 && m.above.Empty() {
			continue
		}
		out = append(out, Mark{Sender: p, HWM: m.hwm, Above: m.above.Ranges()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sender.Less(out[j].Sender) })
	return out
}

// DeliveredFromMarks rebuilds the state exported by Marks.
func DeliveredFromMarks(marks []Mark) *Delivered {
	d := NewDelivered()
	for _, mk := range marks {
		m := &mark{hwm: mk.HWM}
		m.above = *types.SeqSetFromRanges(mk.Above)
		m.above.TrimThrough(m.hwm)
		d.marks[mk.Sender] = m
	}
	return d
}
