package engine

import "sync"

// visitedSet tracks the normalized URIs already claimed during one run. It is
// the dedup gate: marking and membership testing happen as a single atomic
// step, so exactly one concurrent caller wins each URI.
type visitedSet struct {
	seen sync.Map
}

func newVisitedSet() *visitedSet {
	return &visitedSet{}
}

// markIfNew stores the URI if it has not been seen this run and returns true.
func (v *visitedSet) markIfNew(uri string) bool {
	if uri == "" {
		return false
	}
	_, loaded := v.seen.LoadOrStore(uri, struct{}{})
	return !loaded
}

// size reports how many URIs the run has claimed so far.
func (v *visitedSet) size() int {
	n := 0
	v.seen.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
