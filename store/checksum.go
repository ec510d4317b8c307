package store

import (
	"sort"
	"strconv"

	"github.com/OneOfOne/xxhash"
)

func commitChecksumKey() string { return "sys:lastCommitChecksum" }

// checksumBatch produces a deterministic byte representation of a pending
// transaction's writes and deletes (sorted by key so the checksum does not
// depend on map iteration order).
func (t *Txn) checksumBatch() []byte {
	keys := make([]string, 0, len(t.writes)+len(t.deletes))
	for k := range t.writes {
		keys = append(keys, "w:"+k)
	}
	for k := range t.deletes {
		keys = append(keys, "d:"+k)
	}
	sort.Strings(keys)

	var buf []byte
	for _, k := range keys {
		buf = append(buf, k...)
		buf = append(buf, 0)
		if len(k) > 2 && k[:2] == "w:" {
			buf = append(buf, t.writes[k[2:]]...)
		}
		buf = append(buf, 0)
	}
	return buf
}

// checksumBytes hashes b with xxhash, the teacher's checksum of choice for
// bulk data (cf. cos.ChecksumXXHash used throughout the corpus), returned
// as a hexadecimal string so it round-trips cleanly through the string-valued
// store.
func checksumBytes(b []byte) string {
	h := xxhash.New64()
	h.Write(b)
	return strconv.FormatUint(h.Sum64(), 16)
}
