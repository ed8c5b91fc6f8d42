package online

import (
	"fmt"

	"github.com/gomlx/exceptions"
)

// RepeatedID identifies one repeated-block tag: a shared identity linking
// groups believed structurally identical. IDs index an arena owned by the
// Snapshot and are assigned in creation order, so identical runs produce
// identical IDs.
type RepeatedID int32

// NoRepeated marks a group that belongs to no repeated block.
const NoRepeated RepeatedID = -1

// Valid reports whether the id refers to a repeated tag at all.
func (id RepeatedID) Valid() bool { return id != NoRepeated }

// String returns the stable textual form of the id, used to key the final
// archetype match table.
func (id RepeatedID) String() string {
	if !id.Valid() {
		return "<none>"
	}
	return fmt.Sprintf("rep_%d", int32(id))
}

type repeatedRec struct {
	// open means the tag is still a candidate for growing via merges.
	open bool
	// excluded means growing was attempted and permanently failed.
	excluded bool
}

// repeatedArena owns every repeated tag of a Snapshot. Tag state lives in
// one record per id; groups hold only the id.
type repeatedArena struct {
	recs []repeatedRec
}

// New creates a fresh tag, open for merging.
func (a *repeatedArena) New() RepeatedID {
	a.recs = append(a.recs, repeatedRec{open: true})
	return RepeatedID(len(a.recs) - 1)
}

func (a *repeatedArena) rec(id RepeatedID) *repeatedRec {
	if !id.Valid() || int(id) >= len(a.recs) {
		exceptions.Panicf("online: access to unknown repeated tag %d", int32(id))
	}
	return &a.recs[id]
}

// OpenForMerge reports whether the tag may still grow.
func (a *repeatedArena) OpenForMerge(id RepeatedID) bool {
	return a.rec(id).open
}

// Exclude permanently closes the tag for merging.
func (a *repeatedArena) Exclude(id RepeatedID) {
	r := a.rec(id)
	r.open = false
	r.excluded = true
}

// Excluded reports whether the tag was closed by a failed grow attempt.
func (a *repeatedArena) Excluded(id RepeatedID) bool {
	return a.rec(id).excluded
}

// Len returns the number of tags ever created.
func (a *repeatedArena) Len() int { return len(a.recs) }
