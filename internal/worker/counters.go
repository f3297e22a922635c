package worker

import "sync/atomic"

// Counters holds one session's operation tallies.
// One instance lives on each Session; lock-free since a Session is
// thread-confined per request, but kept atomic so a status/report
// method on another goroutine can read a consistent snapshot.
type Counters struct {
	set        int64
	setMiss    int64
	remove     int64
	removeMiss int64
	get        int64
	getMiss    int64
	script     int64
	misc       int64
}

// CountersSnapshot is a point-in-time copy of Counters, returned by the
// `report`/`status` methods.
type CountersSnapshot struct {
	Set, SetMiss       int64
	Remove, RemoveMiss int64
	Get, GetMiss       int64
	Script             int64
	Misc               int64
}

func (c *Counters) addSet(hit bool) {
	if hit {
		atomic.AddInt64(&c.set, 1)
	} else {
		atomic.AddInt64(&c.setMiss, 1)
	}
}

func (c *Counters) addRemove(hit bool) {
	if hit {
		atomic.AddInt64(&c.remove, 1)
	} else {
		atomic.AddInt64(&c.removeMiss, 1)
	}
}

func (c *Counters) addGet(hit bool) {
	if hit {
		atomic.AddInt64(&c.get, 1)
	} else {
		atomic.AddInt64(&c.getMiss, 1)
	}
}

func (c *Counters) addScript() { atomic.AddInt64(&c.script, 1) }
func (c *Counters) addMisc()   { atomic.AddInt64(&c.misc, 1) }

// Snapshot reads every counter atomically.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		Set:        atomic.LoadInt64(&c.set),
		SetMiss:    atomic.LoadInt64(&c.setMiss),
		Remove:     atomic.LoadInt64(&c.remove),
		RemoveMiss: atomic.LoadInt64(&c.removeMiss),
		Get:        atomic.LoadInt64(&c.get),
		GetMiss:    atomic.LoadInt64(&c.getMiss),
		Script:     atomic.LoadInt64(&c.script),
		Misc:       atomic.LoadInt64(&c.misc),
	}
}
