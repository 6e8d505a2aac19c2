package engine_util

// Column family names. Each family is a disjoint keyspace with its own
// namespace prefix byte.
const (
	CfDefault           = "default"
	CfData              = "data"
	CfLock              = "lock"
	CfWrite             = "write"
	CfMeta              = "meta"
	CfVectorData        = "vector_data"
	CfVectorScalar      = "vector_scalar"
	CfVectorScalarSpeed = "vector_scalar_speedup"
	CfVectorTable       = "vector_table"
	CfDocumentData      = "document_data"
	CfDocumentScalar    = "document_scalar"
)

// CFs lists every column family the engine opens at init.
var CFs = []string{
	CfDefault, CfData, CfLock, CfWrite, CfMeta,
	CfVectorData, CfVectorScalar, CfVectorScalarSpeed, CfVectorTable,
	CfDocumentData, CfDocumentScalar,
}

var cfPrefix = map[string]byte{
	CfDefault:           'r',
	CfData:              'd',
	CfLock:              'l',
	CfWrite:             'w',
	CfMeta:              'm',
	CfVectorData:        'v',
	CfVectorScalar:      's',
	CfVectorScalarSpeed: 'p',
	CfVectorTable:       'b',
	CfDocumentData:      'e',
	CfDocumentScalar:    'c',
}

// VersionedCFs are the families whose keys carry a timestamp suffix.
var VersionedCFs = map[string]bool{
	CfDefault:      true,
	CfData:         true,
	CfWrite:        true,
	CfVectorData:   true,
	CfDocumentData: true,
}

// KeyWithCF maps a plain key into the engine keyspace of the given family.
func KeyWithCF(cf string, key []byte) []byte {
	prefix, ok := cfPrefix[cf]
	if !ok {
		panic("unknown column family: " + cf)
	}
	buf := make([]byte, 0, len(key)+1)
	buf = append(buf, prefix)
	return append(buf, key...)
}

// cfKeyBounds returns the engine-level range holding every key of cf.
func cfKeyBounds(cf string) (lower, upper []byte) {
	prefix := cfPrefix[cf]
	return []byte{prefix}, []byte{prefix + 1}
}

// rangeEndWithCF maps an exclusive end key into cf's keyspace. An empty
// end key means the rest of the family.
func rangeEndWithCF(cf string, endKey []byte) []byte {
	if len(endKey) == 0 {
		_, upper := cfKeyBounds(cf)
		return upper
	}
	return KeyWithCF(cf, endKey)
}
