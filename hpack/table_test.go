package hpack

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// S1: encoder empty, lookup a static-only name+value pair.
func TestIndexOf_StaticHit(t *testing.T) {
	enc := NewEncoder(DefaultMaxSize)
	index, valueMatched := enc.IndexOf(":method", "GET")
	require.Equal(t, 2, index)
	require.True(t, valueMatched)
}

// Duplicated static names resolve to their first occurrence, so a lookup
// that misses the value still lands on the name's lowest index.
func TestIndexOf_DuplicateStaticNamesFirstWins(t *testing.T) {
	enc := NewEncoder(DefaultMaxSize)

	index, valueMatched := enc.IndexOf(":method", "POST")
	require.Equal(t, 2, index)
	require.False(t, valueMatched)

	index, valueMatched = enc.IndexOf(":status", "404")
	require.Equal(t, 8, index)
	require.False(t, valueMatched)
}

// S2: insert one dynamic entry, look it up both with matching and
// mismatching value.
func TestIndexOf_DynamicInsertAndLookup(t *testing.T) {
	enc := NewEncoder(DefaultMaxSize)
	require.True(t, enc.Add("custom-key", "custom-value"))

	index, valueMatched := enc.IndexOf("custom-key", "custom-value")
	require.Equal(t, dynamicStartIndex, index)
	require.True(t, valueMatched)

	index, valueMatched = enc.IndexOf("custom-key", "other")
	require.Equal(t, dynamicStartIndex, index)
	require.False(t, valueMatched)
}

// S3: three 60-byte entries into a 100-byte table evict down to the last.
func TestAdd_EvictsOldestToFitLimit(t *testing.T) {
	enc := NewEncoder(DefaultMaxSize)
	enc.UpdateLimit(100)

	mkName := func(c byte) string {
		// name+value+32 == 60  =>  len(name)+len(value) == 28
		return string([]byte{c, c, c, c, c, c, c, c, c, c, c, c, c, c})
	}
	a, b, c := mkName('a'), mkName('b'), mkName('c')

	require.True(t, enc.Add(a, a))
	require.True(t, enc.Add(b, b))
	require.True(t, enc.Add(c, c))

	require.Equal(t, 1, enc.Len())
	name, ok := enc.Name(dynamicStartIndex)
	require.True(t, ok)
	require.Equal(t, c, name)

	require.EqualValues(t, uint32(len(c)+len(c)+entryOverhead), enc.TableSize())

	for _, evicted := range []string{a, b} {
		index, _ := enc.IndexOf(evicted, evicted)
		require.Zero(t, index, "expected %q to have been evicted from the index map", evicted)
	}
}

// S4: a single entry larger than the limit is never inserted, and the
// attempt still drains the table to empty.
func TestAdd_OversizeEntryNotInserted(t *testing.T) {
	enc := NewEncoder(DefaultMaxSize)
	enc.UpdateLimit(100)

	big := make([]byte, 200)
	for i := range big {
		big[i] = 'x'
	}
	require.False(t, enc.Add(string(big), ""))
	require.Zero(t, enc.Len())
	require.Zero(t, enc.TableSize())
}

func TestUpdateLimit_ClampedToMaxSize(t *testing.T) {
	enc := NewEncoder(100)
	enc.UpdateLimit(4096)
	require.EqualValues(t, 100, enc.LimitSize())
}

func TestUpdateLimit_EvictsWhenShrinking(t *testing.T) {
	enc := NewEncoder(DefaultMaxSize)
	require.True(t, enc.Add("a", "1"))
	require.True(t, enc.Add("b", "2"))
	sizeBefore := enc.TableSize()
	require.Greater(t, sizeBefore, uint32(0))

	enc.UpdateLimit(uint32(len("a") + len("1") + entryOverhead))
	require.Equal(t, 1, enc.Len())
	name, _ := enc.Name(dynamicStartIndex)
	require.Equal(t, "b", name)
}

// Invariant 3 (roundtrip law): an encoder and a decoder fed the same
// insertion sequence must agree on dynamic-table contents at every step;
// the decoder's Name/Value at each dynamic index must match what the
// encoder holds.
func TestEncoderDecoder_StayCoherent(t *testing.T) {
	enc := NewEncoder(DefaultMaxSize)
	dec := NewDecoder(DefaultMaxSize)

	pairs := [][2]string{
		{"custom-key", "custom-value"},
		{":authority", "example.com"},
		{"cache-control", "no-cache"},
		{"custom-key", "updated-value"},
	}
	for _, p := range pairs {
		insertedEnc := enc.Add(p[0], p[1])
		insertedDec := dec.Add(p[0], p[1])
		require.Equal(t, insertedEnc, insertedDec)
		require.Equal(t, enc.Len(), dec.Len())
		require.Equal(t, enc.TableSize(), dec.TableSize())

		for i := 0; i < enc.Len(); i++ {
			idx := dynamicStartIndex + i
			en, _ := enc.Name(idx)
			dn, _ := dec.Name(idx)
			require.Equal(t, en, dn)
			ev, _ := enc.Value(idx)
			dv, _ := dec.Value(idx)
			require.Equal(t, ev, dv)
		}
	}
}

func TestNameValue_OutOfRangeIndex(t *testing.T) {
	enc := NewEncoder(DefaultMaxSize)
	_, ok := enc.Name(0)
	require.False(t, ok)
	_, ok = enc.Name(staticTableSize + 1)
	require.False(t, ok)
	_, ok = enc.Value(-1)
	require.False(t, ok)
}

func TestIndexOf_NotFound(t *testing.T) {
	enc := NewEncoder(DefaultMaxSize)
	index, matched := enc.IndexOf("x-totally-unknown", "")
	require.Zero(t, index)
	require.False(t, matched)
}

func TestDecoder_IndexOfAlwaysMiss(t *testing.T) {
	dec := NewDecoder(DefaultMaxSize)
	require.True(t, dec.Add("a", "1"))
	index, matched := dec.IndexOf("a", "1")
	require.Zero(t, index)
	require.False(t, matched)
}
