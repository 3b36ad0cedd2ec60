package common

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// RequireMatchesIterator drains iter and compares each entry to expected.
// The iterator is closed before returning.
func RequireMatchesIterator(t testing.TB, iter EntryIterator, expected []*Entry) {
	t.Helper()
	defer iter.Close()

	for i := range expected {
		entry, err := iter.Next()
		require.NoError(t, err, "iterator error at index %d", i)
		require.NotNil(t, entry, "iterator exhausted at index %d", i)
		RequireEntryEqual(t, expected[i], entry)
	}

	entry, err := iter.Next()
	require.NoError(t, err, "iterator error at end")
	require.Nil(t, entry, "expected iterator to be exhausted")
}

// RequireEntryEqual compares entries field by field, treating nil and empty
// byte slices as equal.
func RequireEntryEqual(t testing.TB, want, got *Entry) {
	t.Helper()
	require.Equal(t, want.Type, got.Type, "type of %q", want.Key)
	require.Equal(t, want.Seq, got.Seq, "seq of %q", want.Key)
	require.Equal(t, string(want.Key), string(got.Key))
	require.Equal(t, string(want.Value), string(got.Value), "value of %q", want.Key)
}

// PutEntry is shorthand for building a put entry in tests.
func PutEntry(key, value string, seq uint64) *Entry {
	return &Entry{Type: EntryTypePut, Seq: seq, Key: []byte(key), Value: []byte(value)}
}

// DeleteEntry is shorthand for building a tombstone in tests.
func DeleteEntry(key string, seq uint64) *Entry {
	return &Entry{Type: EntryTypeDelete, Seq: seq, Key: []byte(key)}
}
