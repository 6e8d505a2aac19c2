package engine_util

// modifyKind distinguishes the operations a WriteBatch can carry.
type modifyKind byte

const (
	modifyPut modifyKind = iota
	modifyDelete
	modifyDeleteRange
)

type modify struct {
	kind  modifyKind
	cf    string
	key   []byte
	value []byte
	// endKey is set for range deletes only.
	endKey []byte
}

// WriteBatch buffers mutations across column families for one atomic write.
type WriteBatch struct {
	modifies []modify
}

func (wb *WriteBatch) SetCF(cf string, key, value []byte) {
	wb.modifies = append(wb.modifies, modify{kind: modifyPut, cf: cf, key: key, value: value})
}

func (wb *WriteBatch) DeleteCF(cf string, key []byte) {
	wb.modifies = append(wb.modifies, modify{kind: modifyDelete, cf: cf, key: key})
}

func (wb *WriteBatch) DeleteRangeCF(cf string, startKey, endKey []byte) {
	wb.modifies = append(wb.modifies, modify{kind: modifyDeleteRange, cf: cf, key: startKey, endKey: endKey})
}

func (wb *WriteBatch) Len() int {
	return len(wb.modifies)
}

func (wb *WriteBatch) Reset() {
	wb.modifies = wb.modifies[:0]
}

// Entries exposes the buffered mutations for serialization into a raft
// proposal. The returned slices alias the batch.
func (wb *WriteBatch) Entries() []BatchEntry {
	out := make([]BatchEntry, 0, len(wb.modifies))
	for _, m := range wb.modifies {
		out = append(out, BatchEntry{
			Kind:   byte(m.kind),
			Cf:     m.cf,
			Key:    m.key,
			Value:  m.value,
			EndKey: m.endKey,
		})
	}
	return out
}

// BatchEntry is the serializable form of one buffered mutation.
type BatchEntry struct {
	Kind   byte   `json:"kind"`
	Cf     string `json:"cf"`
	Key    []byte `json:"key"`
	Value  []byte `json:"value,omitempty"`
	EndKey []byte `json:"end_key,omitempty"`
}

// FromEntries rebuilds a WriteBatch from its serialized form.
func FromEntries(entries []BatchEntry) *WriteBatch {
	wb := new(WriteBatch)
	for _, e := range entries {
		wb.modifies = append(wb.modifies, modify{
			kind:   modifyKind(e.Kind),
			cf:     e.Cf,
			key:    e.Key,
			value:  e.Value,
			endKey: e.EndKey,
		})
	}
	return wb
}
