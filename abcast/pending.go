package abcast

import "github.com/zehzinho/SimpleRep-sub000/types"

// Pending holds broadcast entries not delivered yet, in arrival order.
type Pending struct {
	order   []types.MessageID
	entries map[types.MessageID]types.Entry
}

func NewPending() *Pending {
	return &Pending{entries: make(map[types.MessageID]types.Entry)}
}

func (p *Pending) Len() int {
	return len(p.entries)
}

func (p *Pending) Has(id types.MessageID) bool {
	_, ok := p.entries[id]
	return ok
}

// Add stores e unless its id is already pending.
func (p *Pending) Add(e types.Entry) bool {
	if p.Has(e.ID) {
		return false
	}
	p.entries[e.ID] = e
	p.order = append(p.order, e.ID)
	return true
}

func (p *Pending) Remove(id types.MessageID) {
	if !p.Has(id) {
		return
	}
	delete(p.entries, id)
	// order keeps stale ids until they outnumber the live ones
	if len(p.order) > 2*len(p.entries)+16 {
		p.compact()
	}
}

func (p *Pending) compact() {
	live := p.order[:0]
	for _, id := range p.order {
		if _, ok := p.entries[id]; ok {
			live = append(live, id)
		}
	}
	for i := len(live); i < len(p.order); i++ {
		p.order[i] = types.MessageID{}
	}
	p.order = live
}

// Take returns copies of the n oldest entries without removing them.
func (p *Pending) Take(n int) types.Batch {
	if n > len(p.entries) {
		n = len(p.entries)
	}
	out := make(types.Batch, 0, n)
	for _, id := range p.order {
		if len(out) == n {
			break
		}
		if e, ok := p.entries[id]; ok {
			out = append(out, e.Clone())
		}
	}
	return out
}

// RemoveIf drops every entry matching fn.
func (p *Pending) RemoveIf(fn func(e types.Entry) bool) int {
	removed := 0
	for id, e := range p.entries {
		if fn(e) {
			delete(p.entries, id)
			removed++
		}
	}
	if removed > 0 {
		p.compact()
	}
	return removed
}

// Find returns the first pending entry matching fn.
func (p *Pending) Find(fn func(e types.Entry) bool) (types.Entry, bool) {
	for _, id := range p.order {
		if e, ok := p.entries[id]; ok && fn(e) {
			return e, true
		}
	}
	return types.Entry{}, false
}
