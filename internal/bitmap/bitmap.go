// Package bitmap provides a memory-efficient bitset over non-negative row
// numbers. The event materializer uses it as the duplicate-row skip set:
// membership checks run once per row of every batch, so the set must stay
// O(1) and compact even for multi-million-row files.
package bitmap

// RowSet is a bitset backed by a slice of uint64 words. Each bit corresponds
// to one 1-based row number.
type RowSet struct {
	data []uint64
}

// New allocates a RowSet covering rows in [0, maxRow]. If maxRow <= 0 no
// backing storage is allocated and the set behaves as empty until grown.
func New(maxRow int) *RowSet {
	if maxRow <= 0 {
		return &RowSet{}
	}
	nWords := (maxRow + 64) / 64
	return &RowSet{data: make([]uint64, nWords)}
}

// Add marks row as a member, growing the backing storage when needed.
// Negative rows are ignored.
func (s *RowSet) Add(row int) {
	if row < 0 {
		return
	}
	word := row / 64
	if word >= len(s.data) {
		grown := make([]uint64, word+1)
		copy(grown, s.data)
		s.data = grown
	}
	s.data[word] |= 1 << uint(row%64)
}

// Has reports whether row is a member. Negative rows always return false.
func (s *RowSet) Has(row int) bool {
	if row < 0 {
		return false
	}
	word := row / 64
	if word >= len(s.data) {
		return false
	}
	return s.data[word]&(1<<uint(row%64)) != 0
}

// Len returns the number of rows in the set.
func (s *RowSet) Len() int {
	n := 0
	for _, w := range s.data {
		for ; w != 0; w &= w - 1 {
			n++
		}
	}
	return n
}
