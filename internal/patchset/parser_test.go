package patchset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScenario(t *testing.T) {
	raw := []any{
		map[string]any{"offset": 0x10, "op": "write", "payload": []any{0xAA}},
		map[string]any{"offset": 0x20, "op": "write", "payload": []any{0xBB}},
	}
	ps, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, 2, ps.Len())

	ops := ps.Operations()
	assert.Equal(t, Operation{Index: 0, Kind: OpWrite, Offset: 0x10, Payload: []byte{0xAA}}, ops[0])
	assert.Equal(t, Operation{Index: 1, Kind: OpWrite, Offset: 0x20, Payload: []byte{0xBB}}, ops[1])

	offset, size := ps.Window()
	assert.Equal(t, uint32(0x10), offset)
	assert.Equal(t, uint32(0x11), size)
	assert.False(t, ps.Invertible())
}

func TestParseFieldForms(t *testing.T) {
	type testCase struct {
		name     string
		record   any
		expected Operation
	}
	testCases := []testCase{
		{
			name:     "plist style",
			record:   map[string]any{"Address": uint64(0x1000), "Original": []byte{1, 2}, "Replace": []byte{3, 4}},
			expected: Operation{Kind: OpReplace, Offset: 0x1000, Original: []byte{1, 2}, Payload: []byte{3, 4}},
		},
		{
			name:     "yaml v2 map with hex strings",
			record:   map[any]any{"offset": "0x20", "original": "aa:bb", "payload": "0xCCDD"},
			expected: Operation{Kind: OpReplace, Offset: 0x20, Original: []byte{0xaa, 0xbb}, Payload: []byte{0xcc, 0xdd}},
		},
		{
			name:     "json numbers",
			record:   map[string]any{"offset": float64(16), "payload": []any{float64(1), float64(2)}, "length": float64(2)},
			expected: Operation{Kind: OpWrite, Offset: 16, Payload: []byte{1, 2}},
		},
		{
			name:     "write keeps original for reversal",
			record:   map[string]any{"offset": 4, "op": "write", "original": "00", "payload": "ff"},
			expected: Operation{Kind: OpWrite, Offset: 4, Original: []byte{0}, Payload: []byte{0xff}},
		},
		{
			name:     "snake case keys",
			record:   map[string]any{"offset": 1, "op": "compare_and_write", "original": []int{7}, "payload": []int{8}},
			expected: Operation{Kind: OpReplace, Offset: 1, Original: []byte{7}, Payload: []byte{8}},
		},
		{
			name:     "original data alias",
			record:   map[string]any{"offset": 0x10, "original_data": []any{0x00}, "replace_data": []any{0xaa}},
			expected: Operation{Kind: OpReplace, Offset: 0x10, Original: []byte{0x00}, Payload: []byte{0xaa}},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ps, err := Parse([]any{tc.record})
			require.NoError(t, err)
			assert.Equal(t, tc.expected, ps.Operation(0))
		})
	}
}

func TestParseMalformed(t *testing.T) {
	valid := map[string]any{"offset": 0, "payload": "00"}
	type testCase struct {
		name   string
		record any
		field  string
	}
	testCases := []testCase{
		{"not a map", "offset=1", ""},
		{"missing offset", map[string]any{"payload": "00"}, "Offset"},
		{"negative offset", map[string]any{"offset": -1, "payload": "00"}, "Offset"},
		{"offset beyond eeprom", map[string]any{"offset": 0x100000, "payload": "00"}, "Offset"},
		{"payload beyond eeprom", map[string]any{"offset": 0xfffff, "payload": "0000"}, "Payload"},
		{"missing payload", map[string]any{"offset": 1}, "Payload"},
		{"empty payload", map[string]any{"offset": 1, "payload": ""}, "Payload"},
		{"bad hex", map[string]any{"offset": 1, "payload": "zz"}, "Payload"},
		{"byte overflow", map[string]any{"offset": 1, "payload": []any{256}}, "Payload"},
		{"original length", map[string]any{"offset": 1, "payload": "00", "original": "0000"}, "Original"},
		{"length mismatch", map[string]any{"offset": 1, "payload": "00", "length": 2}, "Length"},
		{"unknown op", map[string]any{"offset": 1, "payload": "00", "op": "xor"}, "Op"},
		{"replace without original", map[string]any{"offset": 1, "payload": "00", "op": "replace"}, "Original"},
		{"duplicate alias", map[string]any{"offset": 1, "address": 2, "payload": "00"}, ""},
		{"fractional offset", map[string]any{"offset": 1.5, "payload": "00"}, "Offset"},
		{"misspelled original", map[string]any{"offset": 1, "payload": "00", "orignal": "ff"}, "Orignal"},
		{"unknown field", map[string]any{"offset": 1, "payload": "00", "checksum": 7}, "Checksum"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ps, err := Parse([]any{valid, valid, tc.record, valid})
			require.ErrorIs(t, err, ErrMalformedPatch)
			assert.Nil(t, ps)
			var malformed *MalformedError
			require.ErrorAs(t, err, &malformed)
			assert.Equal(t, 2, malformed.Index)
			assert.Equal(t, tc.field, malformed.Field)
		})
	}
}

func TestParseEmpty(t *testing.T) {
	_, err := Parse(nil)
	require.ErrorIs(t, err, ErrMalformedPatch)
}

func TestParseLimit(t *testing.T) {
	_, err := Parse([]any{map[string]any{"offset": 0x80, "payload": "00"}}, WithLimit(0x80))
	require.ErrorIs(t, err, ErrMalformedPatch)
}

func TestParseIdempotent(t *testing.T) {
	raw := []any{
		map[string]any{"offset": 0x30, "original": "01", "payload": "02"},
		map[string]any{"offset": 0x10, "payload": "03"},
		map[string]any{"offset": 0x30, "payload": "04"},
	}
	a, err := Parse(raw)
	require.NoError(t, err)
	b, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, a.Operations(), b.Operations())
	assert.Equal(t, a.ID(), b.ID())

	// order is preserved and duplicates are kept
	ops := a.Operations()
	assert.Equal(t, []uint32{0x30, 0x10, 0x30}, []uint32{ops[0].Offset, ops[1].Offset, ops[2].Offset})

	other, err := Parse(raw[:2])
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), other.ID())
}

func TestOperationsAreCopies(t *testing.T) {
	ps, err := Parse([]any{map[string]any{"offset": 0, "payload": "01"}})
	require.NoError(t, err)
	ops := ps.Operations()
	ops[0].Payload[0] = 0xff
	assert.Equal(t, []byte{0x01}, ps.Operation(0).Payload)

	id := ps.ID()
	op := ps.Operation(0)
	op.Payload[0] = 0x55
	assert.Equal(t, []byte{0x01}, ps.Operation(0).Payload)
	assert.Equal(t, id, ps.ID())
	assert.Equal(t, DataMatchesReplace, ps.Classify([]byte{0x01}))
}

func TestInverse(t *testing.T) {
	op := Operation{Index: 3, Kind: OpReplace, Offset: 8, Original: []byte{1}, Payload: []byte{2}}
	inv, ok := op.Inverse()
	require.True(t, ok)
	assert.Equal(t, Operation{Index: 3, Kind: OpReplace, Offset: 8, Original: []byte{2}, Payload: []byte{1}}, inv)

	_, ok = Operation{Kind: OpWrite, Payload: []byte{1}}.Inverse()
	assert.False(t, ok)
}

func TestClassifyAndRender(t *testing.T) {
	ps, err := Parse([]any{
		map[string]any{"offset": 2, "original": "0102", "payload": "0a0b"},
		map[string]any{"offset": 6, "original": "03", "payload": "0c"},
	})
	require.NoError(t, err)
	offset, size := ps.Window()
	require.Equal(t, uint32(2), offset)
	require.Equal(t, uint32(5), size)

	base := []byte{0x01, 0x02, 0xee, 0xee, 0x03}
	assert.Equal(t, DataMatchesOriginal, ps.Classify(base))

	patched, err := ps.Render(base, false)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0a, 0x0b, 0xee, 0xee, 0x0c}, patched)
	assert.Equal(t, DataMatchesReplace, ps.Classify(patched))

	restored, err := ps.Render(patched, true)
	require.NoError(t, err)
	assert.Equal(t, base, restored)

	assert.Equal(t, DataUnknown, ps.Classify([]byte{0, 0, 0, 0, 0}))
	assert.Equal(t, DataUnknown, ps.Classify([]byte{0x01}))

	same, err := Parse([]any{map[string]any{"offset": 0, "original": "05", "payload": "05"}})
	require.NoError(t, err)
	assert.Equal(t, DataMatchesBoth, same.Classify([]byte{0x05}))
}
