// Package ids defines the kernel's identifier spaces (spec.md §3.1): opaque
// ASCII strings with a fixed one-letter prefix and a monotonically
// increasing decimal index inside their namespace.
/*
 * Copyright (c) 2024, The ocap kernel authors. All rights reserved.
 */
package ids

import (
	"strconv"
	"strings"
)

// VatID identifies a vat instance, e.g. "v3".
type VatID string

// SubclusterID identifies a group of vats launched together, e.g. "s1".
type SubclusterID string

// KernelObject is the kernel-wide identity of an exported object, e.g. "ko41".
type KernelObject string

// KernelPromise is the kernel-wide identity of a promise, e.g. "kp7".
type KernelPromise string

// Kref is either a KernelObject or a KernelPromise, as a bare string.
type Kref string

func (k Kref) IsObject() bool  { return strings.HasPrefix(string(k), "ko") }
func (k Kref) IsPromise() bool { return strings.HasPrefix(string(k), "kp") }

// VatRef is a vat-local reference: o+N, o-N, p+N or p-N.
type VatRef string

type RefDir int

const (
	DirExport RefDir = iota // o+, p+  (the vat's own, kernel imports it)
	DirImport               // o-, p-  (the kernel's, vat imports it)
)

type RefKind int

const (
	KindObject RefKind = iota
	KindPromise
)

// Parse decomposes a VatRef into its kind, direction and numeric index.
func (r VatRef) Parse() (kind RefKind, dir RefDir, n int64, ok bool) {
	s := string(r)
	if len(s) < 2 {
		return 0, 0, 0, false
	}
	switch s[0] {
	case 'o':
		kind = KindObject
	case 'p':
		kind = KindPromise
	default:
		return 0, 0, 0, false
	}
	switch s[1] {
	case '+':
		dir = DirExport
	case '-':
		dir = DirImport
	default:
		return 0, 0, 0, false
	}
	idx, err := strconv.ParseInt(s[2:], 10, 64)
	if err != nil {
		return 0, 0, 0, false
	}
	return kind, dir, idx, true
}

func (r VatRef) IsObject() bool {
	k, _, _, ok := r.Parse()
	return ok && k == KindObject
}

func (r VatRef) IsPromise() bool {
	k, _, _, ok := r.Parse()
	return ok && k == KindPromise
}

func (r VatRef) IsExport() bool {
	_, d, _, ok := r.Parse()
	return ok && d == DirExport
}

func (r VatRef) IsImport() bool {
	_, d, _, ok := r.Parse()
	return ok && d == DirImport
}

func MakeVatRef(kind RefKind, dir RefDir, n int64) VatRef {
	var b strings.Builder
	if kind == KindObject {
		b.WriteByte('o')
	} else {
		b.WriteByte('p')
	}
	if dir == DirExport {
		b.WriteByte('+')
	} else {
		b.WriteByte('-')
	}
	b.WriteString(strconv.FormatInt(n, 10))
	return VatRef(b.String())
}

func MakeKernelObject(n int64) KernelObject { return KernelObject("ko" + strconv.FormatInt(n, 10)) }
func MakeKernelPromise(n int64) KernelPromise { return KernelPromise("kp" + strconv.FormatInt(n, 10)) }
func MakeVatID(n int64) VatID               { return VatID("v" + strconv.FormatInt(n, 10)) }
func MakeSubclusterID(n int64) SubclusterID { return SubclusterID("s" + strconv.FormatInt(n, 10)) }

// KrefKind reports whether kref names a kernel object or promise.
func KrefKind(kref string) (RefKind, bool) {
	switch {
	case strings.HasPrefix(kref, "ko"):
		return KindObject, true
	case strings.HasPrefix(kref, "kp"):
		return KindPromise, true
	default:
		return 0, false
	}
}
