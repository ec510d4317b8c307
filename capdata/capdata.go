// Package capdata implements the kernel's tagged-variant capability-carrying
// payload: an opaque body blob plus an ordered list of ref slots (spec.md
// §9 "Dynamic typing of capData is re-architected as a tagged variant").
/*
 * Copyright (c) 2024, The ocap kernel authors. All rights reserved.
 */
package capdata

import (
	"bytes"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SlotKind tags a single ref slot.
type SlotKind uint8

const (
	SlotObject SlotKind = iota
	SlotPromise
)

// Slot is one ref carried inside a CapData payload. Ref is a kref (koN/kpN)
// when CapData lives inside the kernel, or a vat ref (o+N etc.) once
// translated for delivery to a vat.
type Slot struct {
	Kind SlotKind `json:"kind"`
	Ref  string   `json:"ref"`
}

// CapData is the kernel's uninterpreted-body, structured-slots payload.
type CapData struct {
	Body  []byte `json:"body"`
	Slots []Slot `json:"slots"`
}

// Equal reports whether d and o are byte-equal, including slot order — used
// by promise resolution idempotence checks (spec.md §8 property 5).
func (d CapData) Equal(o CapData) bool {
	if !bytes.Equal(d.Body, o.Body) {
		return false
	}
	if len(d.Slots) != len(o.Slots) {
		return false
	}
	for i := range d.Slots {
		if d.Slots[i] != o.Slots[i] {
			return false
		}
	}
	return true
}

// Refs returns the distinct refs named by d's slots, in first-occurrence order.
func (d CapData) Refs() []string {
	seen := make(map[string]bool, len(d.Slots))
	out := make([]string, 0, len(d.Slots))
	for _, s := range d.Slots {
		if !seen[s.Ref] {
			seen[s.Ref] = true
			out = append(out, s.Ref)
		}
	}
	return out
}

// MapRefs returns a copy of d with every slot's Ref rewritten by f. Two
// slots naming the same input ref must map to the same output ref (spec.md
// §4.2 edge case: "a slot referring to the same kref twice produces the
// same vatRef both times") — callers are expected to supply an f that is
// itself a stable mapping (e.g. backed by a c-list), so this helper does
// not memoize independently.
func (d CapData) MapRefs(f func(Slot) (string, error)) (CapData, error) {
	out := CapData{Body: d.Body, Slots: make([]Slot, len(d.Slots))}
	for i, s := range d.Slots {
		ref, err := f(s)
		if err != nil {
			return CapData{}, err
		}
		out.Slots[i] = Slot{Kind: s.Kind, Ref: ref}
	}
	return out, nil
}

// MarshalJSON / UnmarshalJSON round through json-iterator's base64-body
// encoding, the same wire-JSON library the teacher uses for its CLI and API
// payloads.
func (d CapData) MarshalJSON() ([]byte, error) {
	type alias CapData
	return json.Marshal(alias(d))
}

func (d *CapData) UnmarshalJSON(b []byte) error {
	type alias CapData
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*d = CapData(a)
	return nil
}
