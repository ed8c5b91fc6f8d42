package online

import (
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/smirnov-alexey/openvino/types"
)

// RepeatedBlocks runs the full repeated-block pipeline: seed tags on
// structurally identical single-op groups, grow the tagged clusters to
// fixpoint, resolve shared-producer triangles, then validate-or-drop every
// surviving tag.
func (s *Snapshot) RepeatedBlocks() {
	klog.V(1).Info("online partitioning: executing repeatedBlocks pass group...")

	s.identifyUniques()
	s.repeat(s.MergeUniques)
	s.MergeTriangles()
	s.CleanUpUniques()

	klog.V(1).Infof("online partitioning: number of groups after repeatedBlocks: %d", s.GraphSize())
}

// identifyUniques buckets the single-op groups by (structural descriptor,
// avoided-target set, isolate tag) and gives every bucket with two or more
// members a fresh shared repeated tag.
func (s *Snapshot) identifyUniques() {
	klog.V(1).Info("online partitioning: executing identifyUniques pass...")

	buckets := make(map[string][]*Group)
	var order []string
	for _, nh := range s.graph.Sorted() {
		group := s.group(nh)
		// Runs right after the early passes, so the single initial
		// operation is the whole group.
		key := group.InitialOp().Descriptor() + "|" + group.avoidedKey() + "|" + group.isolTag
		if _, found := buckets[key]; !found {
			order = append(order, key)
		}
		buckets[key] = append(buckets[key], group)
	}

	for _, key := range order {
		members := buckets[key]
		if len(members) < 2 {
			continue
		}
		rep := s.reps.New()
		for _, group := range members {
			group.SetRepeated(rep)
		}
	}
}

// MergeUniques grows every open repeated tag by one producer layer: for each
// tag it looks for a matching set of producers that can fuse pairwise into
// the tag's members. A tag that cannot grow at all is excluded permanently.
func (s *Snapshot) MergeUniques() {
	klog.V(1).Info("online partitioning: executing mergeUniques pass...")

	mergedThisTime := types.MakeSet[RepeatedID]()
	for _, nh := range s.graph.Sorted() {
		if !s.graph.Contains(nh) {
			continue
		}
		group := s.group(nh)
		rep := group.Repeated()

		var members []*Group
		if rep.Valid() && s.reps.OpenForMerge(rep) && !mergedThisTime.Has(rep) {
			members = s.membersOf(rep, false)
		}
		if len(members) == 0 {
			continue
		}
		if newRep := s.tryGrowRepeatingGroups(members); newRep.Valid() {
			mergedThisTime.Insert(newRep)
		}
	}

	klog.V(1).Infof("online partitioning: number of groups after mergeUniques: %d", s.GraphSize())
}

// membersOf sweeps the live graph for the groups carrying the tag.
func (s *Snapshot) membersOf(rep RepeatedID, skipFrozen bool) []*Group {
	var members []*Group
	for _, nh := range s.graph.Sorted() {
		if !s.graph.Contains(nh) {
			continue
		}
		group := s.group(nh)
		if group.Repeated() != rep {
			continue
		}
		if skipFrozen && group.IsFrozen() {
			continue
		}
		members = append(members, group)
	}
	return members
}

// candidatePair is one (producer, member) fuse candidate of a grow attempt.
type candidatePair struct {
	prod *Group
	cons *Group
}

// micBuckets keys candidate pairs by the canonical form of the interconnect
// between them, preserving first-seen key order for determinism.
type micBuckets struct {
	byKey map[string][]candidatePair
	order []string
}

func newMicBuckets() *micBuckets {
	return &micBuckets{byKey: make(map[string][]candidatePair)}
}

func (m *micBuckets) add(key string, pair candidatePair) {
	if _, found := m.byKey[key]; !found {
		m.order = append(m.order, key)
	}
	m.byKey[key] = append(m.byKey[key], pair)
}

// sorted returns the buckets biggest-first; ties prefer the bucket whose
// first producer has the highest group id, then the key itself. Group ids
// are preserved in topological order throughout the whole run, so
// highest-id-first prioritizes candidates from the tail of the model, which
// generalizes the identified blocks better (a head or tail occurrence would
// otherwise swallow one instance).
func (m *micBuckets) sorted() [][]candidatePair {
	keys := append([]string(nil), m.order...)
	slices.SortFunc(keys, func(a, b string) int {
		ba, bb := m.byKey[a], m.byKey[b]
		if len(ba) != len(bb) {
			return len(bb) - len(ba)
		}
		if ba[0].prod.ID() != bb[0].prod.ID() {
			return bb[0].prod.ID() - ba[0].prod.ID()
		}
		return strings.Compare(a, b)
	})
	buckets := make([][]candidatePair, len(keys))
	for i, key := range keys {
		buckets[i] = m.byKey[key]
	}
	return buckets
}

// tryGrowRepeatingGroups attempts to grow the repeated block the given
// groups belong to by fusing one matching producer into every member. On
// success the merged groups get a fresh shared tag which is returned; if no
// candidate bucket works, the original tag is excluded permanently and
// NoRepeated is returned.
func (s *Snapshot) tryGrowRepeatingGroups(members []*Group) RepeatedID {
	thisRep := members[0].Repeated()
	thisAvoided := members[0].AvoidedTargets()
	thisIsol := members[0].IsolatedTag()

	// Highest id first: see micBuckets.sorted.
	sorted := append([]*Group(nil), members...)
	slices.SortFunc(sorted, func(a, b *Group) int { return b.ID() - a.ID() })

	mics := newMicBuckets()
	for _, group := range sorted {
		for _, prodNH := range group.SrcNodes() {
			if !s.graph.Contains(prodNH) {
				continue
			}
			prod := s.group(prodNH)
			if !prod.Repeated().Valid() || prod.Repeated() == thisRep {
				continue
			}
			if prod.HasCycle(group) {
				continue
			}
			if !prod.AvoidedTargets().Equal(thisAvoided) || prod.IsolatedTag() != thisIsol {
				continue
			}
			key := micKey(group.MetaInterconnect(prod))
			mics.add(key, candidatePair{prod: prod, cons: group})
		}
	}

	for _, bucket := range mics.sorted() {
		prods := make([]*Group, len(bucket))
		conss := make([]*Group, len(bucket))
		for i, pair := range bucket {
			prods[i] = pair.prod
			conss[i] = pair.cons
		}
		if newRep := s.tryMergeRepeating(prods, conss); newRep.Valid() {
			return newRep
		}
	}

	// No merges happened at all: exclude this tag from the merge procedure.
	s.reps.Exclude(thisRep)
	return NoRepeated
}

// tryMergeRepeating fuses the candidate (producer, consumer) pairs and
// assigns one new repeated tag, after rejecting accidental collisions: the
// producer set must be exactly as large as the consumer list, and no
// producer may also be a consumer.
func (s *Snapshot) tryMergeRepeating(prods, conss []*Group) RepeatedID {
	if len(prods) != len(conss) {
		exceptions.Panicf("online: repeated-group merge with %d producers vs %d consumers",
			len(prods), len(conss))
	}
	if len(conss) == 1 {
		return NoRepeated
	}

	prodsSet := types.SetWith(prods...)
	if len(prodsSet) != len(conss) {
		// A repeated producer in the pair list means one producer serves
		// several consumers of the same tag (a triangle), which this merge
		// cannot handle; MergeTriangles picks those up later.
		return NoRepeated
	}
	for _, cons := range conss {
		if prodsSet.Has(cons) {
			exceptions.Panicf("online: repeated-group merge with overlapping producers and consumers")
		}
	}

	newRep := s.reps.New()
	for i := range conss {
		conss[i].Fuse(prods[i])
		// The producer was consumed, so only the surviving side is tagged.
		conss[i].SetRepeated(newRep)
	}

	for _, cons := range conss {
		for _, nh := range cons.SrcNodes() {
			if s.group(nh) == cons {
				exceptions.Panicf("online: repeated-group merge left a group producing to itself")
			}
		}
	}
	return newRep
}

// MergeTriangles handles the one topology MergeUniques rejects: a single
// repeated instance acting as shared producer ("apex") to several repeated
// consumer instances at once. It runs as a single pass after MergeUniques
// converges and intentionally does not consult the open-for-merge flag.
func (s *Snapshot) MergeTriangles() {
	klog.V(1).Info("online partitioning: executing mergeTriangles pass...")

	mergedThisTime := types.MakeSet[RepeatedID]()
	for _, nh := range s.graph.Sorted() {
		if !s.graph.Contains(nh) {
			continue
		}
		group := s.group(nh)
		rep := group.Repeated()

		var members []*Group
		if rep.Valid() && !group.IsFrozen() && !mergedThisTime.Has(rep) {
			members = s.membersOf(rep, true)
		}
		if len(members) == 0 {
			continue
		}
		if newRep := s.tryMergeTriangles(members); newRep.Valid() {
			mergedThisTime.Insert(newRep)
		}
	}

	klog.V(1).Infof("online partitioning: number of groups after mergeTriangles: %d", s.GraphSize())
}

// triangle is one apex with the repeated consumer instances hanging off it.
type triangle struct {
	apex  *Group
	bases []*Group
}

func (t *triangle) addBase(base *Group) {
	for _, b := range t.bases {
		if b == base {
			return
		}
	}
	t.bases = append(t.bases, base)
}

// triangleBuckets groups triangles by the apex-base interconnect key,
// first-seen key order preserved.
type triangleBuckets struct {
	byKey map[string]*triangleList
	order []string
}

type triangleList struct {
	byApex map[*Group]*triangle
	apexes []*Group
}

func newTriangleBuckets() *triangleBuckets {
	return &triangleBuckets{byKey: make(map[string]*triangleList)}
}

func (t *triangleBuckets) add(key string, apex, base *Group) {
	list, found := t.byKey[key]
	if !found {
		list = &triangleList{byApex: make(map[*Group]*triangle)}
		t.byKey[key] = list
		t.order = append(t.order, key)
	}
	tri, found := list.byApex[apex]
	if !found {
		tri = &triangle{apex: apex}
		list.byApex[apex] = tri
		list.apexes = append(list.apexes, apex)
	}
	tri.addBase(base)
}

func (t *triangleBuckets) sorted() [][]*triangle {
	keys := append([]string(nil), t.order...)
	// Within a bucket, highest apex id first; buckets biggest-first with
	// the same tail-of-model preference as mergeUniques.
	byKey := make(map[string][]*triangle, len(keys))
	for _, key := range keys {
		list := t.byKey[key]
		tris := make([]*triangle, 0, len(list.apexes))
		for _, apex := range list.apexes {
			tris = append(tris, list.byApex[apex])
		}
		slices.SortFunc(tris, func(a, b *triangle) int { return b.apex.ID() - a.apex.ID() })
		byKey[key] = tris
	}
	slices.SortFunc(keys, func(a, b string) int {
		ta, tb := byKey[a], byKey[b]
		if len(ta) != len(tb) {
			return len(tb) - len(ta)
		}
		if ta[0].apex.ID() != tb[0].apex.ID() {
			return tb[0].apex.ID() - ta[0].apex.ID()
		}
		return strings.Compare(a, b)
	})
	buckets := make([][]*triangle, len(keys))
	for i, key := range keys {
		buckets[i] = byKey[key]
	}
	return buckets
}

// tryMergeTriangles is the triangle-topology variant of
// tryGrowRepeatingGroups: members act as apexes, and the candidates are
// their repeated consumers. Unlike the grow path, a failure here does not
// exclude the tag.
func (s *Snapshot) tryMergeTriangles(members []*Group) RepeatedID {
	if len(members) < 2 {
		return NoRepeated
	}
	thisRep := members[0].Repeated()
	thisAvoided := members[0].AvoidedTargets()
	thisIsol := members[0].IsolatedTag()

	sorted := append([]*Group(nil), members...)
	slices.SortFunc(sorted, func(a, b *Group) int { return b.ID() - a.ID() })

	buckets := newTriangleBuckets()
	for _, group := range sorted {
		for _, consNH := range group.DstNodes() {
			if !s.graph.Contains(consNH) {
				continue
			}
			cons := s.group(consNH)
			if !cons.Repeated().Valid() || cons.Repeated() == thisRep {
				continue
			}
			if group.HasCycle(cons) {
				continue
			}
			if !cons.AvoidedTargets().Equal(thisAvoided) || cons.IsolatedTag() != thisIsol {
				continue
			}
			key := micKey(cons.MetaInterconnect(group))
			buckets.add(key, group, cons)
		}
	}

	for _, tris := range buckets.sorted() {
		if newRep := s.tryMergeTriangleParts(tris); newRep.Valid() {
			return newRep
		}
	}
	return NoRepeated
}

// tryMergeTriangleParts fuses every triangle base into its apex. The base
// lists must all be equally sized, and each base must hang off exactly one
// producer and one consumer. The bases of one "column" across all triangles
// are told apart by their own downstream interconnect (a second-order key);
// each column gets its own fresh tag, and the apexes end up carrying the
// last column's tag.
func (s *Snapshot) tryMergeTriangleParts(tris []*triangle) RepeatedID {
	if len(tris) < 2 {
		return NoRepeated
	}
	width := len(tris[0].bases)
	for _, tri := range tris {
		if len(tri.bases) != width {
			return NoRepeated
		}
		for _, base := range tri.bases {
			if len(base.DstNodes()) != 1 || len(base.SrcNodes()) > 1 {
				return NoRepeated
			}
		}
	}

	// Key every base by the interconnect with its own single consumer.
	mic2 := make(map[string][]*Group)
	var order []string
	for _, tri := range tris {
		for _, base := range tri.bases {
			downstream := s.group(base.DstNodes()[0])
			key := micKey(downstream.MetaInterconnect(base))
			if _, found := mic2[key]; !found {
				order = append(order, key)
			}
			mic2[key] = append(mic2[key], base)
		}
	}
	if len(mic2) != width {
		exceptions.Panicf("online: mergeTriangles found %d second-order interconnects, expected %d",
			len(mic2), width)
	}

	apexOf := make(map[*Group]*Group)
	for _, tri := range tris {
		for _, base := range tri.bases {
			apexOf[base] = tri.apex
		}
	}

	newRep := NoRepeated
	for _, key := range order {
		newRep = s.reps.New()
		for _, base := range mic2[key] {
			apex := apexOf[base]
			apex.FuseWith(base)
			// The base was consumed, so only the apex is tagged.
			apex.SetRepeated(newRep)
		}
	}
	return newRep
}

// repGroups is one repeated tag with its current member groups.
type repGroups struct {
	rep     RepeatedID
	members []*Group
}

// repeating collects the live groups per repeated tag, ordered by tag id.
func (s *Snapshot) repeating() []repGroups {
	byRep := make(map[RepeatedID][]*Group)
	for _, nh := range s.graph.Sorted() {
		group := s.group(nh)
		if rep := group.Repeated(); rep.Valid() {
			byRep[rep] = append(byRep[rep], group)
		}
	}
	var all []repGroups
	for rep := RepeatedID(0); int(rep) < s.reps.Len(); rep++ {
		if members, found := byRep[rep]; found {
			all = append(all, repGroups{rep: rep, members: members})
		}
	}
	return all
}

// CleanUpUniques applies the retention policy to every surviving tag: keep
// (and freeze) blocks worth a shared artifact, drop the rest, validate the
// kept ones and record their cross-instance matches. Finally the
// configured permanent no-fold overrides are applied.
func (s *Snapshot) CleanUpUniques() {
	klog.V(1).Info("online partitioning: executing cleanUpUniques pass...")

	for _, rg := range s.repeating() {
		if !s.keepOrDrop(rg.members) {
			continue
		}
		s.completeRepeating(rg.rep, rg.members)
	}

	s.AfterUniques()

	klog.V(1).Infof("online partitioning: number of groups after cleanUpUniques: %d", s.GraphSize())
}

// keepOrDrop decides whether a tag's members stay a repeated block. Kept
// members are frozen; dropped members lose their tag association.
func (s *Snapshot) keepOrDrop(members []*Group) bool {
	blockSize := members[0].Size()
	for _, group := range members {
		if len(group.AvoidedTargets()) > 0 || group.IsNoFold() {
			// Special case: a block touching avoid/no-fold state is always
			// kept so the constraint survives partitioning.
			klog.V(2).Infof("online partitioning: keeping a repeated block of %d groups with %d layers - has avoids",
				len(members), blockSize)
			for _, g := range members {
				g.Freeze()
			}
			return true
		}
	}

	if len(members) >= s.ctx.KeepBlocks && blockSize >= s.ctx.KeepBlockSize {
		klog.V(2).Infof("online partitioning: keeping a repeated block of %d groups with %d layers",
			len(members), blockSize)
		for _, g := range members {
			g.Freeze()
		}
		return true
	}

	for _, group := range members {
		group.SetRepeated(NoRepeated)
	}
	klog.V(2).Infof("online partitioning: repeated block of %d groups with %d layers is dropped",
		len(members), blockSize)
	return false
}

// completeRepeating validates a kept tag and records the per-archetype
// operation-name correspondence across its instances. Every archetype must
// occur exactly once per member, and every member must consist of exactly
// the archetype set; anything else means the merge went wrong and the run
// aborts.
func (s *Snapshot) completeRepeating(rep RepeatedID, members []*Group) {
	matches := make(map[Archetype]types.Set[string])
	var order []Archetype
	for _, group := range members {
		for _, op := range group.Content() {
			arch := group.archetype(op)
			if _, found := matches[arch]; !found {
				order = append(order, arch)
				matches[arch] = types.MakeSet[string]()
			}
			matches[arch].Insert(op.Name())
		}
	}

	for _, arch := range order {
		if len(matches[arch]) != len(members) {
			exceptions.Panicf("online: repeated block %s archetype matched %d ops, expected %d",
				rep, len(matches[arch]), len(members))
		}
	}
	for _, group := range members {
		if len(matches) != group.Size() {
			exceptions.Panicf("online: repeated block %s has %d archetypes, group #%d has %d ops",
				rep, len(matches), group.ID(), group.Size())
		}
	}

	layerMatches := make([]types.Set[string], 0, len(order))
	for _, arch := range order {
		layerMatches = append(layerMatches, matches[arch])
	}
	s.matches[rep.String()] = layerMatches
}

// AfterUniques marks every group whose isolate tag is configured as no-fold.
func (s *Snapshot) AfterUniques() {
	klog.V(1).Info("online partitioning: executing afterUniques pass...")

	for _, nh := range s.graph.Sorted() {
		group := s.group(nh)
		tag := group.IsolatedTag()
		if tag != "" && slices.Contains(s.ctx.NoFolds, tag) {
			group.NoFold()
		}
	}
}
