package patchset

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/iancoleman/strcase"
	"github.com/neuroplastio/tbpatch/internal/eeprom"
)

var ErrMalformedPatch = errors.New("malformed patch")

// MalformedError describes the first invalid record of a patch.
// Index is -1 for document level problems.
type MalformedError struct {
	Index  int
	Field  string
	Reason string
}

func (e *MalformedError) Error() string {
	var b strings.Builder
	b.WriteString("malformed patch")
	if e.Index >= 0 {
		fmt.Fprintf(&b, " record %d", e.Index)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field %s", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformedPatch
}

const (
	fieldOffset   = "Offset"
	fieldOp       = "Op"
	fieldPayload  = "Payload"
	fieldOriginal = "Original"
	fieldLength   = "Length"
)

var fieldAliases = map[string]string{
	"Address":      fieldOffset,
	"Replace":      fieldPayload,
	"ReplaceData":  fieldPayload,
	"PayloadData":  fieldPayload,
	"OriginalData": fieldOriginal,
}

var knownFields = map[string]struct{}{
	fieldOffset:   {},
	fieldOp:       {},
	fieldPayload:  {},
	fieldOriginal: {},
	fieldLength:   {},
}

var defaultParseOptions = parseOptions{
	limit: eeprom.Size,
}

type parseOptions struct {
	limit uint32
}

type ParseOption func(*parseOptions)

// WithLimit bounds offsets to [0, limit).
func WithLimit(limit uint32) ParseOption {
	return func(o *parseOptions) {
		o.limit = limit
	}
}

// Parse validates raw records in order. It never returns a partial set.
func Parse(raw []any, opts ...ParseOption) (*PatchSet, error) {
	options := defaultParseOptions
	for _, opt := range opts {
		opt(&options)
	}
	if len(raw) == 0 {
		return nil, &MalformedError{Index: -1, Field: "Patches", Reason: "no patch records"}
	}
	ops := make([]Operation, 0, len(raw))
	for i, r := range raw {
		op, err := parseRecord(i, r, options)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return newPatchSet(ops), nil
}

func parseRecord(index int, raw any, options parseOptions) (Operation, error) {
	fields, err := normalizeRecord(raw)
	if err != nil {
		return Operation{}, &MalformedError{Index: index, Reason: err.Error()}
	}
	malformed := func(field string, format string, args ...any) error {
		return &MalformedError{Index: index, Field: field, Reason: fmt.Sprintf(format, args...)}
	}

	for _, name := range sortedKeys(fields) {
		if _, ok := knownFields[name]; !ok {
			return Operation{}, malformed(name, "unknown field")
		}
	}

	op := Operation{Index: index}

	rawOffset, ok := fields[fieldOffset]
	if !ok {
		return Operation{}, malformed(fieldOffset, "missing")
	}
	offset, err := toUint64(rawOffset)
	if err != nil {
		return Operation{}, malformed(fieldOffset, "%v", err)
	}
	if offset >= uint64(options.limit) {
		return Operation{}, malformed(fieldOffset, "0x%x outside eeprom of size 0x%x", offset, options.limit)
	}
	op.Offset = uint32(offset)

	rawPayload, ok := fields[fieldPayload]
	if !ok {
		return Operation{}, malformed(fieldPayload, "missing")
	}
	op.Payload, err = toBytes(rawPayload)
	if err != nil {
		return Operation{}, malformed(fieldPayload, "%v", err)
	}
	if len(op.Payload) == 0 {
		return Operation{}, malformed(fieldPayload, "empty")
	}

	if rawOriginal, ok := fields[fieldOriginal]; ok {
		op.Original, err = toBytes(rawOriginal)
		if err != nil {
			return Operation{}, malformed(fieldOriginal, "%v", err)
		}
		if len(op.Original) != len(op.Payload) {
			return Operation{}, malformed(fieldOriginal, "length %d does not match payload length %d", len(op.Original), len(op.Payload))
		}
	}

	if rawLength, ok := fields[fieldLength]; ok {
		length, err := toUint64(rawLength)
		if err != nil {
			return Operation{}, malformed(fieldLength, "%v", err)
		}
		if length != uint64(len(op.Payload)) {
			return Operation{}, malformed(fieldLength, "%d does not match payload length %d", length, len(op.Payload))
		}
	}

	if uint64(op.Offset)+uint64(len(op.Payload)) > uint64(options.limit) {
		return Operation{}, malformed(fieldPayload, "0x%x+0x%x exceeds eeprom size 0x%x", op.Offset, len(op.Payload), options.limit)
	}

	op.Kind = OpWrite
	if op.Original != nil {
		op.Kind = OpReplace
	}
	if rawOp, ok := fields[fieldOp]; ok {
		name, ok := rawOp.(string)
		if !ok {
			return Operation{}, malformed(fieldOp, "expected string, got %T", rawOp)
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "write":
			op.Kind = OpWrite
		case "replace", "compare-and-write", "compare_and_write":
			if op.Original == nil {
				return Operation{}, malformed(fieldOriginal, "required for %s", name)
			}
			op.Kind = OpReplace
		default:
			return Operation{}, malformed(fieldOp, "unknown operation %q", name)
		}
	}
	return op, nil
}

func sortedKeys(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizeRecord(raw any) (map[string]any, error) {
	fields := make(map[string]any)
	add := func(key string, val any) error {
		name := strcase.ToCamel(key)
		if alias, ok := fieldAliases[name]; ok {
			name = alias
		}
		if _, ok := fields[name]; ok {
			return fmt.Errorf("field %s given more than once", name)
		}
		fields[name] = val
		return nil
	}
	switch r := raw.(type) {
	case map[string]any:
		for k, v := range r {
			if err := add(k, v); err != nil {
				return nil, err
			}
		}
	case map[any]any:
		for k, v := range r {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("non-string key %v", k)
			}
			if err := add(ks, v); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("expected a dictionary, got %T", raw)
	}
	return fields, nil
}

func toUint64(v any) (uint64, error) {
	switch n := v.(type) {
	case int:
		return signed(int64(n))
	case int8:
		return signed(int64(n))
	case int16:
		return signed(int64(n))
	case int32:
		return signed(int64(n))
	case int64:
		return signed(n)
	case uint:
		return uint64(n), nil
	case uint8:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	case uint64:
		return n, nil
	case float64:
		if n < 0 || n != math.Trunc(n) || n > math.MaxUint32 {
			return 0, fmt.Errorf("%v is not a valid unsigned integer", n)
		}
		return uint64(n), nil
	case string:
		u, err := strconv.ParseUint(strings.TrimSpace(n), 0, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integer %q", n)
		}
		return u, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func signed(n int64) (uint64, error) {
	if n < 0 {
		return 0, fmt.Errorf("negative value %d", n)
	}
	return uint64(n), nil
}

func toBytes(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return append([]byte{}, b...), nil
	case string:
		return parseHex(b)
	case []any:
		out := make([]byte, len(b))
		for i, e := range b {
			n, err := toUint64(e)
			if err != nil {
				return nil, fmt.Errorf("byte %d: %w", i, err)
			}
			if n > 0xff {
				return nil, fmt.Errorf("byte %d: 0x%x does not fit in a byte", i, n)
			}
			out[i] = byte(n)
		}
		return out, nil
	case []int:
		out := make([]byte, len(b))
		for i, n := range b {
			if n < 0 || n > 0xff {
				return nil, fmt.Errorf("byte %d: %d does not fit in a byte", i, n)
			}
			out[i] = byte(n)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected bytes, got %T", v)
	}
}

// parseHex accepts "AABB", "0xAABB", "AA BB" and "aa:bb".
func parseHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.NewReplacer(" ", "", ":", "", "\t", "", "\n", "").Replace(s)
	out, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex string: %w", err)
	}
	return out, nil
}
