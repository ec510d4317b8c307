package store

import (
	"bytes"
	"encoding/hex"
	"io"

	"github.com/pierrec/lz4/v3"
	"golang.org/x/crypto/blake2b"

	"github.com/ocapkernel/kernel/kerr"
)

// lz4Threshold is the size at or above which a resolution payload is worth
// compressing; below it the framing overhead isn't worth paying.
const lz4Threshold = 256

// blobKey content-addresses body with blake2b (spec.md §3.10 resolution
// payload deduplication): repeated large resolution values are stored once.
func blobKey(body []byte) string {
	sum := blake2b.Sum256(body)
	return "blob:" + hex.EncodeToString(sum[:])
}

// PutBlob stores body (compressing with lz4 from lz4Threshold up) under its
// content hash and returns the hash key, writing only if the key is not
// already present (true content-addressed dedup).
func (t *Txn) PutBlob(body []byte) (string, error) {
	key := blobKey(body)
	if _, found, err := t.get(key); err != nil {
		return "", err
	} else if found {
		return key, nil
	}

	payload := body
	compressed := false
	if len(body) >= lz4Threshold {
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(body); err == nil && w.Close() == nil {
			payload = buf.Bytes()
			compressed = true
		}
	}
	rec := blobRecord{Compressed: compressed, Data: payload}
	t.put(key, encode(rec))
	return key, nil
}

// GetBlob retrieves a blob previously stored by PutBlob, decompressing if
// necessary.
func (t *Txn) GetBlob(key string) ([]byte, error) {
	v, found, err := t.get(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, kerr.NewNotFound("blob %s not found", key)
	}
	var rec blobRecord
	if err := decode(v, &rec); err != nil {
		return nil, kerr.NewStoreCorrupt(err, "decoding blob %s", key)
	}
	if !rec.Compressed {
		return rec.Data, nil
	}
	r := lz4.NewReader(bytes.NewReader(rec.Data))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, kerr.NewStoreCorrupt(err, "decompressing blob %s", key)
	}
	return out, nil
}

type blobRecord struct {
	Compressed bool
	Data       []byte
}
