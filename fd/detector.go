// Package fd implements a heartbeat failure detector. It only watches the
// processes it was asked to monitor and reports its suspect set whenever
// that set changes.
package fd

import (
	"reflect"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/zehzinho/SimpleRep-sub000/types"
)

// HeartbeatTag is above the consensus and broadcast ranges.
const HeartbeatTag uint8 = 32

// Heartbeat is a ping, or its answer when Reply is set.
type Heartbeat struct {
	Reply bool
}

var reflectedTypesMap = map[uint8]reflect.Type{
	HeartbeatTag: reflect.TypeOf(Heartbeat{}),
}

// ReflectedTypes returns the tag table of the detector messages.
func ReflectedTypes() map[uint8]reflect.Type {
	out := make(map[uint8]reflect.Type, len(reflectedTypesMap))
	for k, v := range reflectedTypesMap {
		out[k] = v
	}
	return out
}

type Sender interface {
	Send(dest types.ProcessID, tag uint8, msg interface{})
}

type Config struct {
	HeartbeatInterval time.Duration
	SuspectTimeout    time.Duration
}

type peer struct {
	lastHeard time.Time
	lastPing  time.Time
}

// Detector is driven by its owner's event loop and is not safe for
// concurrent use.
type Detector struct {
	self      types.ProcessID
	sender    Sender
	conf      Config
	logger    hclog.Logger
	clock     func() time.Time
	monitored map[types.ProcessID]*peer
	suspects  map[types.ProcessID]struct{}
	changed   bool
}

func NewDetector(self types.ProcessID, sender Sender, conf Config, logger hclog.Logger) *Detector {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if conf.HeartbeatInterval <= 0 {
		conf.HeartbeatInterval = 200 * time.Millisecond
	}
	if conf.SuspectTimeout <= 0 {
		conf.SuspectTimeout = 5 * conf.HeartbeatInterval
	}
	return &Detector{
		self:      self,
		sender:    sender,
		conf:      conf,
		logger:    logger,
		clock:     time.Now,
		monitored: make(map[types.ProcessID]*peer),
		suspects:  make(map[types.ProcessID]struct{}),
	}
}

// SetClock replaces the time source used when monitoring starts.
func (d *Detector) SetClock(clock func() time.Time) {
	d.clock = clock
}

// StartMonitoring begins watching ids. A new process gets a full timeout
// before it can be suspected.
func (d *Detector) StartMonitoring(ids []types.ProcessID) {
	now := d.clock()
	for _, p := range ids {
		if p == d.self {
			continue
		}
		if _, ok := d.monitored[p]; ok {
			continue
		}
		d.monitored[p] = &peer{lastHeard: now}
		d.logger.Trace("start monitoring", "process", p)
	}
}

func (d *Detector) StopMonitoring(ids []types.ProcessID) {
	for _, p := range ids {
		delete(d.monitored, p)
		if _, ok := d.suspects[p]; ok {
			delete(d.suspects, p)
			d.changed = true
		}
		d.logger.Trace("stop monitoring", "process", p)
	}
}

// Monitored reports whether p is watched.
func (d *Detector) Monitored(p types.ProcessID) bool {
	_, ok := d.monitored[p]
	return ok
}

// Heard records any sign of life from p.
func (d *Detector) Heard(p types.ProcessID, now time.Time) {
	pr, ok := d.monitored[p]
	if !ok {
		return
	}
	if now.After(pr.lastHeard) {
		pr.lastHeard = now
	}
	if _, ok := d.suspects[p]; ok {
		delete(d.suspects, p)
		d.changed = true
		d.logger.Info("process trusted again", "process", p)
	}
}

// OnMessage handles a heartbeat: pings are answered, both count as life.
func (d *Detector) OnMessage(from types.ProcessID, hb Heartbeat, now time.Time) {
	d.Heard(from, now)
	if !hb.Reply {
		d.sender.Send(from, HeartbeatTag, Heartbeat{Reply: true})
	}
}

// Tick pings the monitored processes that are due and suspects the silent
// ones. The suspect set is returned when it changed since the last Tick.
func (d *Detector) Tick(now time.Time) ([]types.ProcessID, bool) {
	for _, p := range d.sortedMonitored() {
		pr := d.monitored[p]
		if now.Sub(pr.lastPing) >= d.conf.HeartbeatInterval {
			pr.lastPing = now
			d.sender.Send(p, HeartbeatTag, Heartbeat{})
		}
		if _, ok := d.suspects[p]; !ok && now.Sub(pr.lastHeard) >= d.conf.SuspectTimeout {
			d.suspects[p] = struct{}{}
			d.changed = true
			d.logger.Warn("process suspected", "process", p, "silent", now.Sub(pr.lastHeard))
		}
	}
	if !d.changed {
		return nil, false
	}
	d.changed = false
	return d.Suspects(), true
}

// Suspects returns the current suspect set, sorted.
func (d *Detector) Suspects() []types.ProcessID {
	out := make([]types.ProcessID, 0, len(d.suspects))
	for p := range d.suspects {
		out = append(out, p)
	}
	types.SortProcessIDs(out)
	return out
}

func (d *Detector) sortedMonitored() []types.ProcessID {
	out := make([]types.ProcessID, 0, len(d.monitored))
	for p := range d.monitored {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
