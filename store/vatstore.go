package store

import "github.com/ocapkernel/kernel/ids"

func vatStoreKey(vat ids.VatID, key string) string { return "vstore:" + string(vat) + ":" + key }

// GetVatStoreValue reads one key of vat's private persistent key-value
// namespace (spec.md §6.3 syscall vatstoreGet).
func (t *Txn) GetVatStoreValue(vat ids.VatID, key string) (string, bool, error) {
	return t.get(vatStoreKey(vat, key))
}

// PutVatStoreValue writes one key of vat's private namespace (vatstoreSet).
func (t *Txn) PutVatStoreValue(vat ids.VatID, key, value string) {
	t.put(vatStoreKey(vat, key), value)
}

// DeleteVatStoreValue removes one key (vatstoreDelete).
func (t *Txn) DeleteVatStoreValue(vat ids.VatID, key string) { t.del(vatStoreKey(vat, key)) }
