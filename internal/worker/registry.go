package worker

import (
	"strconv"

	"github.com/cornelk/hashmap"

	"github.com/srg/ktd/internal/timeddb"
)

// Registry resolves a request's DB=<nameOrIndex> parameter against the
// array of open TimedDBs. Name lookups go through a lock-free hashmap
// since every worker goroutine resolves one on each request.
type Registry struct {
	dbs    []*timeddb.TimedDB
	byName *hashmap.Map[string, int]
}

// NewRegistry builds a registry over dbs, named by the parallel names
// slice (names[i] names dbs[i]; an empty name means index-only access).
func NewRegistry(dbs []*timeddb.TimedDB, names []string) *Registry {
	r := &Registry{dbs: dbs, byName: hashmap.New[string, int]()}
	for i, name := range names {
		if name != "" {
			r.byName.Set(name, i)
		}
	}
	return r
}

// Resolve looks up nameOrIndex, trying a numeric index first ("0",
// "1", ... address databases by position) then the name map.
func (r *Registry) Resolve(nameOrIndex string) (*timeddb.TimedDB, bool) {
	if nameOrIndex == "" {
		if len(r.dbs) == 0 {
			return nil, false
		}
		return r.dbs[0], true
	}
	if n, err := strconv.Atoi(nameOrIndex); err == nil {
		if n < 0 || n >= len(r.dbs) {
			return nil, false
		}
		return r.dbs[n], true
	}
	idx, ok := r.byName.Get(nameOrIndex)
	if !ok || idx < 0 || idx >= len(r.dbs) {
		return nil, false
	}
	return r.dbs[idx], true
}

// All returns every open TimedDB, used by idle/timer housekeeping to
// rotate across databases.
func (r *Registry) All() []*timeddb.TimedDB {
	return r.dbs
}
