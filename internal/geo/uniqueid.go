package geo

import "sort"

// UniqueIDIndex compresses a set of integer feature IDs into sorted
// contiguous ranges plus leftover individuals. Runs of at least three
// consecutive IDs become a range; shorter runs stay individual entries.
// Used to carry large feature-membership sets between workers without
// shipping every ID.
type UniqueIDIndex struct {
	Ranges      [][2]int64 `json:"ranges"`
	Individuals []int64    `json:"individuals"`
}

const minRangeRun = 3

// NewUniqueIDIndex builds an index from IDs, deduplicating as it goes.
func NewUniqueIDIndex(ids []int64) UniqueIDIndex {
	ix := UniqueIDIndex{Ranges: [][2]int64{}, Individuals: []int64{}}
	if len(ids) == 0 {
		return ix
	}
	sorted := make([]int64, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	runStart, runEnd := sorted[0], sorted[0]
	flush := func() {
		if runEnd-runStart+1 >= minRangeRun {
			ix.Ranges = append(ix.Ranges, [2]int64{runStart, runEnd})
			return
		}
		for v := runStart; v <= runEnd; v++ {
			ix.Individuals = append(ix.Individuals, v)
		}
	}
	for _, id := range sorted[1:] {
		switch {
		case id == runEnd: // duplicate
		case id == runEnd+1:
			runEnd = id
		default:
			flush()
			runStart, runEnd = id, id
		}
	}
	flush()
	return ix
}

// Count returns the number of distinct IDs in O(len(Ranges)).
func (ix UniqueIDIndex) Count() int {
	n := len(ix.Individuals)
	for _, r := range ix.Ranges {
		n += int(r[1]-r[0]) + 1
	}
	return n
}

// IDs expands the index back into a sorted slice of distinct IDs.
func (ix UniqueIDIndex) IDs() []int64 {
	out := make([]int64, 0, ix.Count())
	for _, r := range ix.Ranges {
		for v := r[0]; v <= r[1]; v++ {
			out = append(out, v)
		}
	}
	out = append(out, ix.Individuals...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MergeUniqueIDIndexes combines indexes by re-expanding into one set and
// re-compressing, so overlapping and adjacent runs coalesce.
func MergeUniqueIDIndexes(ixs ...UniqueIDIndex) UniqueIDIndex {
	var all []int64
	for _, ix := range ixs {
		all = append(all, ix.IDs()...)
	}
	return NewUniqueIDIndex(all)
}
