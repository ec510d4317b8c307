package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/reedsolomon"
	"github.com/tidwall/buntdb"

	"github.com/ocapkernel/kernel/kerr"
	"github.com/ocapkernel/kernel/klog"
)

// Snapshot dumps every key in the store into dir, erasure-coded with
// reed-solomon parity shards (spec.md §4.1 binding, SPEC_FULL §4.1):
// LoadSnapshot rebuilds the dump when up to parityShards shard files are
// missing; a shard file that is present but damaged is not detected. This
// is independent of the live buntdb file's own durability; Open neither
// reads snapshots nor replays from them.
func (s *Store) Snapshot(dir string, dataShards, parityShards int) error {
	if parityShards <= 0 {
		return nil
	}
	dump := map[string]string{}
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(k, v string) bool {
			dump[k] = v
			return true
		})
	})
	if err != nil {
		return kerr.NewStoreCorrupt(err, "reading store for snapshot")
	}

	raw, err := json.Marshal(dump)
	if err != nil {
		return err
	}

	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return fmt.Errorf("snapshot: building encoder: %w", err)
	}

	shards, err := enc.Split(withLengthPrefix(raw))
	if err != nil {
		return fmt.Errorf("snapshot: splitting: %w", err)
	}
	// pad the split to a shard count the encoder can parity-check.
	total := dataShards + parityShards
	for len(shards) < total {
		shards = append(shards, make([]byte, len(shards[0])))
	}
	if err := enc.Encode(shards); err != nil {
		return fmt.Errorf("snapshot: encoding parity: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for i, shard := range shards {
		p := filepath.Join(dir, fmt.Sprintf("shard.%02d", i))
		if err := os.WriteFile(p, shard, 0o644); err != nil {
			return fmt.Errorf("snapshot: writing %s: %w", p, err)
		}
	}
	klog.VInfoln(1, "store: snapshot written to", dir, "(", total, "shards )")
	return nil
}

// LoadSnapshot reconstructs a prior Snapshot's key/value dump, tolerating up
// to parityShards missing or unreadable shard files. Returns StoreCorrupt if
// too many shards are missing to reconstruct.
func LoadSnapshot(dir string, dataShards, parityShards int) (map[string]string, error) {
	total := dataShards + parityShards
	shards := make([][]byte, total)
	present := make([]bool, total)
	missing := 0
	for i := 0; i < total; i++ {
		p := filepath.Join(dir, fmt.Sprintf("shard.%02d", i))
		b, err := os.ReadFile(p)
		if err != nil {
			missing++
			continue
		}
		shards[i] = b
		present[i] = true
	}
	if missing > parityShards {
		return nil, kerr.NewStoreCorrupt(nil, "snapshot at %s: %d shards missing, only %d parity shards available", dir, missing, parityShards)
	}

	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	if missing > 0 {
		if err := enc.Reconstruct(shards); err != nil {
			return nil, kerr.NewStoreCorrupt(err, "reconstructing snapshot at %s", dir)
		}
	}

	var raw []byte
	for i := 0; i < dataShards; i++ {
		raw = append(raw, shards[i]...)
	}
	payload, err := stripLengthPrefix(raw)
	if err != nil {
		return nil, kerr.NewStoreCorrupt(err, "snapshot at %s: bad length prefix", dir)
	}

	dump := map[string]string{}
	if err := json.Unmarshal(payload, &dump); err != nil {
		return nil, kerr.NewStoreCorrupt(err, "snapshot at %s: bad payload", dir)
	}
	return dump, nil
}

// withLengthPrefix prepends an 8-byte length so the data-shard padding
// reed-solomon requires can be stripped unambiguously on reconstruction.
func withLengthPrefix(b []byte) []byte {
	out := make([]byte, 8+len(b))
	binary.BigEndian.PutUint64(out, uint64(len(b)))
	copy(out[8:], b)
	return out
}

func stripLengthPrefix(b []byte) ([]byte, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("snapshot payload too short")
	}
	n := binary.BigEndian.Uint64(b[:8])
	if uint64(len(b)-8) < n {
		return nil, fmt.Errorf("snapshot payload truncated")
	}
	return b[8 : 8+n], nil
}

// Restore writes every key of a snapshot dump into the live store, in one
// buntdb.Update. Keys absent from the dump are left as they are. Open does
// not call it.
func (s *Store) Restore(dump map[string]string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		for k, v := range dump {
			if _, _, err := tx.Set(k, v, nil); err != nil {
				return err
			}
		}
		return nil
	})
}
