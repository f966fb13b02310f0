// Package hpack implements the HPACK (RFC 7541) header compression tables:
// the immutable static table and a size-bounded dynamic table shared by an
// encoder and a decoder that must stay index-coherent with each other.
package hpack

// entryOverhead is the protocol-defined per-entry bookkeeping cost added to
// len(name)+len(value) when computing an entry's contribution to the
// table's size accounting (RFC 7541 §4.1).
const entryOverhead = 32

// DefaultMaxSize is the default upper bound on a table's limit size, used
// until a peer advertises otherwise via a settings/update exchange.
const DefaultMaxSize = 4096

// dynamicStartIndex is the first logical index that addresses the dynamic
// table; indices 1..staticTableSize address the static table.
const dynamicStartIndex = staticTableSize + 1

// noIndex is the sentinel stored in place of an absent static or dynamic
// reference in the index map. IndexOf does not return it: on a miss it
// returns 0, which is never a live HPACK index (indices are always >= 1).
const noIndex = -1

// dynamicEntry is one header stored in the dynamic table, with its size
// precomputed at insertion time.
type dynamicEntry struct {
	name  string
	value string
	size  uint32
}

func newDynamicEntry(name, value string) dynamicEntry {
	return dynamicEntry{name: name, value: value, size: uint32(len(name) + len(value) + entryOverhead)}
}

// mapping is the index map entry for one header name: the insertion
// sequence of the newest live dynamic entry with this name (or noIndex),
// and the static table position for this name (or noIndex).
type mapping struct {
	dynSeq    int64
	staticPos int
}

// Table is the shared HPACK table state: the static table (implicit) plus
// a size-bounded dynamic table. An encoder-mode Table also maintains the
// name index map needed for IndexOf; a decoder-mode Table only needs
// positional lookup (Name/Value) and skips that bookkeeping.
//
// A Table is not safe for concurrent use; per spec it is single-owner,
// bound to the connection's own event-loop goroutine.
type Table struct {
	isEncoder bool

	// entries is physically oldest-first (entries[0] is the oldest live
	// entry, entries[len-1] is the newest) so insertion is an O(1) append
	// and eviction is an O(1) reslice; the logical numbering the spec
	// describes (newest = dynamic position 0) is a simple reflection:
	// logical position p maps to entries[len(entries)-1-p].
	entries []dynamicEntry

	tableSize uint32
	limitSize uint32
	maxSize   uint32

	indexSequence int64
	index         map[string]mapping
}

// NewEncoder constructs a Table in encoder mode: it maintains the name
// index map so IndexOf can answer (name[, value]) -> index lookups.
func NewEncoder(maxSize uint32) *Table {
	t := newTable(true, maxSize)
	t.index = make(map[string]mapping, staticTableSize)
	for i, e := range staticTable {
		// First occurrence wins for duplicated names (:method, :path,
		// :scheme, :status), so ":method" resolves to index 2, not 3.
		if _, exists := t.index[e.Name]; !exists {
			t.index[e.Name] = mapping{dynSeq: noIndex, staticPos: i}
		}
	}
	return t
}

// NewDecoder constructs a Table in decoder mode: it only needs to resolve
// an index to a (name, value) pair, so it skips the name index map.
func NewDecoder(maxSize uint32) *Table {
	return newTable(false, maxSize)
}

func newTable(isEncoder bool, maxSize uint32) *Table {
	if maxSize == 0 {
		maxSize = DefaultMaxSize
	}
	return &Table{
		isEncoder: isEncoder,
		limitSize: maxSize,
		maxSize:   maxSize,
	}
}

// TableSize returns the sum of the sizes of all entries currently in the
// dynamic table.
func (t *Table) TableSize() uint32 { return t.tableSize }

// LimitSize returns the current bound on TableSize, as set by UpdateLimit.
func (t *Table) LimitSize() uint32 { return t.limitSize }

// MaxSize returns the peer-advertised upper bound that LimitSize can never
// exceed.
func (t *Table) MaxSize() uint32 { return t.maxSize }

// Len returns the number of entries currently in the dynamic table.
func (t *Table) Len() int { return len(t.entries) }

// dynamicAt returns the entry at logical dynamic position pos (0 = newest),
// and whether pos was in range.
func (t *Table) dynamicAt(pos int) (dynamicEntry, bool) {
	if pos < 0 || pos >= len(t.entries) {
		return dynamicEntry{}, false
	}
	return t.entries[len(t.entries)-1-pos], true
}

// Name resolves index (1-based, per §4.2 addressing) to a header name,
// from the static table or the dynamic table as appropriate.
func (t *Table) Name(index int) (string, bool) {
	if index <= 0 {
		return "", false
	}
	if index < dynamicStartIndex {
		return staticTable[index-1].Name, true
	}
	e, ok := t.dynamicAt(index - dynamicStartIndex)
	if !ok {
		return "", false
	}
	return e.name, true
}

// Value resolves index to a header value, mirroring Name.
func (t *Table) Value(index int) (string, bool) {
	if index <= 0 {
		return "", false
	}
	if index < dynamicStartIndex {
		return staticTable[index-1].Value, true
	}
	e, ok := t.dynamicAt(index - dynamicStartIndex)
	if !ok {
		return "", false
	}
	return e.value, true
}

// IndexOf looks up name (and, opportunistically, value) and returns the
// HPACK index to reference it plus whether value also matched the stored
// entry at that index. It returns index 0 when name has no indexed
// occurrence at all.
func (t *Table) IndexOf(name, value string) (index int, valueMatched bool) {
	if t.index == nil {
		return 0, false
	}
	m, ok := t.index[name]
	if !ok {
		return 0, false
	}
	if dynPos := t.dynamicSeqToPos(m.dynSeq); dynPos != noIndex {
		if e, ok := t.dynamicAt(dynPos); ok && e.name == name {
			return dynamicStartIndex + dynPos, e.value == value
		}
	}
	if m.staticPos != noIndex && m.staticPos < staticTableSize && staticTable[m.staticPos].Name == name {
		return 1 + m.staticPos, staticTable[m.staticPos].Value == value
	}
	return 0, false
}

// dynamicSeqToPos converts an insertion sequence number to the entry's
// current logical dynamic position (0 = newest), or noIndex if seq itself
// is the noIndex sentinel.
func (t *Table) dynamicSeqToPos(seq int64) int {
	if seq == noIndex {
		return noIndex
	}
	return int(t.indexSequence - seq)
}

// Add inserts (name, value) at the front of the dynamic table (position
// 0), evicting from the oldest end as needed to respect limitSize. It
// reports whether the entry was actually inserted: an entry whose own size
// exceeds limitSize is never inserted, but step 2's eviction still runs
// first and may empty the table.
func (t *Table) Add(name, value string) bool {
	e := newDynamicEntry(name, value)
	if e.size+t.tableSize > t.limitSize {
		t.evict(e.size + t.tableSize - t.limitSize)
	}
	if e.size > t.limitSize {
		return false
	}
	t.entries = append(t.entries, e)
	t.tableSize += e.size
	if t.isEncoder {
		t.indexSequence++
		t.updateIndex(name, t.indexSequence)
	}
	return true
}

// updateIndex records that the newest dynamic entry with this name was
// just inserted at sequence seq.
func (t *Table) updateIndex(name string, seq int64) {
	m, ok := t.index[name]
	if ok {
		m.dynSeq = seq
		t.index[name] = m
		return
	}
	t.index[name] = mapping{dynSeq: seq, staticPos: noIndex}
}

// evict drops entries from the oldest end of the dynamic table until at
// least size bytes have been reclaimed or the table is empty, keeping the
// index map exactly in sync (encoder mode only).
func (t *Table) evict(size uint32) {
	var reclaimed uint32
	for reclaimed < size && len(t.entries) > 0 {
		oldest := t.entries[0]
		if t.isEncoder {
			t.removeIndex(oldest.name, len(t.entries))
		}
		t.entries = t.entries[1:]
		if oldest.size > t.tableSize {
			t.tableSize = 0
		} else {
			t.tableSize -= oldest.size
		}
		reclaimed += oldest.size
	}
}

// removeIndex repairs the index map entry for name when the entry about
// to be evicted (the current oldest, at logical position curLen-1) is the
// one the map currently points at: it clears the dynamic reference, and
// drops the map entry entirely if no static reference remains either.
func (t *Table) removeIndex(name string, curLen int) {
	m, ok := t.index[name]
	if !ok {
		return
	}
	if t.dynamicSeqToPos(m.dynSeq) != curLen-1 {
		return
	}
	if m.staticPos == noIndex {
		delete(t.index, name)
		return
	}
	m.dynSeq = noIndex
	t.index[name] = m
}

// UpdateLimit changes the table's current size bound, evicting as needed
// when it shrinks. n is clamped to maxSize if it exceeds it.
func (t *Table) UpdateLimit(n uint32) {
	if n > t.maxSize {
		n = t.maxSize
	}
	if t.tableSize > n {
		t.evict(t.tableSize - n)
	}
	t.limitSize = n
}
