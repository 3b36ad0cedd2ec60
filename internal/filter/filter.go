package filter

// Filter provides fast negative lookups for keys in an SSTable.
// A bloom filter can definitively say a key is NOT present, but can only
// say a key MIGHT be present (false positives possible, false negatives not).
type Filter interface {
	// MayContain returns true if the key might be in the SSTable.
	// Returns false if the key is definitely NOT in the SSTable.
	MayContain(key []byte) bool
}

// noOpFilter is a filter that always returns true (no filtering).
type noOpFilter struct{}

var _ Filter = noOpFilter{}

func (noOpFilter) MayContain(key []byte) bool {
	return true
}

// NewNoOpFilter returns a filter that never rules a key out. Tables with
// filtering disabled use it.
func NewNoOpFilter() Filter {
	return noOpFilter{}
}
