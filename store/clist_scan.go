package store

import (
	"strings"

	"github.com/ocapkernel/kernel/ids"
)

// ScanAllImportersOf returns the c-list entry for every vat currently
// holding a reference to kref, across the whole store. Used by the garbage
// collector when an owner retires one of its own exports and must notify
// every importer with a dispatchRetired (spec.md §3.2 lifecycle: "when the
// owner revokes or is terminated, ... all importers are notified with a
// dispatchRetired").
func (t *Txn) ScanAllImportersOf(kref ids.Kref) ([]*CListEntry, error) {
	keys, vals, err := t.scan("clist:")
	if err != nil {
		return nil, err
	}
	var out []*CListEntry
	for i, k := range keys {
		if !strings.Contains(k, ":vr:") {
			continue
		}
		var rec CListEntry
		if err := decode(vals[i], &rec); err != nil {
			continue
		}
		if rec.Kref == kref && rec.VatRef.IsImport() {
			out = append(out, &rec)
		}
	}
	return out, nil
}
