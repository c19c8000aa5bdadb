// Package patchset turns loosely typed patch records into validated, ordered patch sets.
package patchset

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

type OpKind uint8

const (
	// OpWrite writes the payload regardless of the current contents.
	OpWrite OpKind = iota
	// OpReplace writes the payload only over the expected original bytes.
	OpReplace
)

func (k OpKind) String() string {
	switch k {
	case OpWrite:
		return "write"
	case OpReplace:
		return "replace"
	default:
		return fmt.Sprintf("OpKind(%d)", uint8(k))
	}
}

// Operation is one byte-level modification of the EEPROM.
type Operation struct {
	// Index is the position of the source record.
	Index  int
	Kind   OpKind
	Offset uint32
	// Original holds the pre-patch bytes. Nil when the record did not carry them.
	Original []byte
	Payload  []byte
}

func (o Operation) Len() uint32 {
	return uint32(len(o.Payload))
}

func (o Operation) End() uint32 {
	return o.Offset + o.Len()
}

// Invertible reports whether the pre-patch bytes are known.
func (o Operation) Invertible() bool {
	return o.Original != nil
}

// Inverse returns the operation restoring the original bytes.
func (o Operation) Inverse() (Operation, bool) {
	if !o.Invertible() {
		return Operation{}, false
	}
	return Operation{
		Index:    o.Index,
		Kind:     o.Kind,
		Offset:   o.Offset,
		Original: o.Payload,
		Payload:  o.Original,
	}, true
}

func (o Operation) String() string {
	return fmt.Sprintf("#%d %s 0x%06x+%d", o.Index, o.Kind, o.Offset, len(o.Payload))
}

type DataMatch uint8

const (
	DataUnknown         DataMatch = 0x0
	DataMatchesOriginal DataMatch = 0x1
	DataMatchesReplace  DataMatch = 0x2
	DataMatchesBoth     DataMatch = 0x3
)

func (d DataMatch) String() string {
	switch d {
	case DataMatchesOriginal:
		return "original"
	case DataMatchesReplace:
		return "patched"
	case DataMatchesBoth:
		return "original and patched"
	default:
		return "unknown"
	}
}

// PatchSet is an immutable ordered sequence of operations.
type PatchSet struct {
	ops    []Operation
	offset uint32
	size   uint32
	id     uint64
}

func newPatchSet(ops []Operation) *PatchSet {
	ps := &PatchSet{ops: ops}
	if len(ops) > 0 {
		lo, hi := ops[0].Offset, ops[0].End()
		for _, op := range ops[1:] {
			lo = min(lo, op.Offset)
			hi = max(hi, op.End())
		}
		ps.offset = lo
		ps.size = hi - lo
	}
	ps.id = fingerprint(ops)
	return ps
}

func fingerprint(ops []Operation) uint64 {
	var buf bytes.Buffer
	var hdr [9]byte
	for _, op := range ops {
		hdr[0] = byte(op.Kind)
		binary.LittleEndian.PutUint32(hdr[1:5], op.Offset)
		binary.LittleEndian.PutUint32(hdr[5:9], op.Len())
		buf.Write(hdr[:])
		if op.Original != nil {
			buf.WriteByte(1)
			buf.Write(op.Original)
		} else {
			buf.WriteByte(0)
		}
		buf.Write(op.Payload)
	}
	return xxhash.Sum64(buf.Bytes())
}

func (p *PatchSet) Len() int {
	return len(p.ops)
}

// Operations returns a copy of the operations in application order.
func (p *PatchSet) Operations() []Operation {
	ops := make([]Operation, len(p.ops))
	for i, op := range p.ops {
		op.Original = cloneBytes(op.Original)
		op.Payload = cloneBytes(op.Payload)
		ops[i] = op
	}
	return ops
}

// Operation returns a copy of the i-th operation.
func (p *PatchSet) Operation(i int) Operation {
	op := p.ops[i]
	op.Original = cloneBytes(op.Original)
	op.Payload = cloneBytes(op.Payload)
	return op
}

// Window returns the smallest region covering every operation.
func (p *PatchSet) Window() (offset, size uint32) {
	return p.offset, p.size
}

// ID identifies the set by content; equivalent parses share it.
func (p *PatchSet) ID() uint64 {
	return p.id
}

func (p *PatchSet) Invertible() bool {
	for _, op := range p.ops {
		if !op.Invertible() {
			return false
		}
	}
	return true
}

// Classify compares window bytes (as returned for Window) with the set.
// Operations without original bytes only contribute to the replace match.
func (p *PatchSet) Classify(window []byte) DataMatch {
	if len(p.ops) == 0 || uint32(len(window)) < p.size {
		return DataUnknown
	}
	matchesOriginal, matchesReplace := true, true
	for _, op := range p.ops {
		cur := window[op.Offset-p.offset : op.End()-p.offset]
		if op.Original == nil || !bytes.Equal(cur, op.Original) {
			matchesOriginal = false
		}
		if !bytes.Equal(cur, op.Payload) {
			matchesReplace = false
		}
	}
	var match DataMatch
	if matchesOriginal {
		match |= DataMatchesOriginal
	}
	if matchesReplace {
		match |= DataMatchesReplace
	}
	return match
}

// Render lays the originals (or payloads) of every operation over a copy of base,
// which must cover Window. Operations lacking originals leave base untouched
// when original is requested.
func (p *PatchSet) Render(base []byte, original bool) ([]byte, error) {
	if uint32(len(base)) < p.size {
		return nil, fmt.Errorf("base window too short: %d < %d", len(base), p.size)
	}
	out := append([]byte(nil), base[:p.size]...)
	if !original {
		for _, op := range p.ops {
			copy(out[op.Offset-p.offset:], op.Payload)
		}
		return out, nil
	}
	// originals of overlapping operations unwind last to first
	for i := len(p.ops) - 1; i >= 0; i-- {
		op := p.ops[i]
		if op.Original != nil {
			copy(out[op.Offset-p.offset:], op.Original)
		}
	}
	return out, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
