package patchset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const plistDoc = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Messages</key>
	<dict>
		<key>Welcome</key>
		<string>This patch enables 96W charging.</string>
		<key>Complete</key>
		<string>Reboot to apply.</string>
	</dict>
	<key>Patches</key>
	<array>
		<dict>
			<key>Offset</key>
			<integer>4096</integer>
			<key>Original</key>
			<data>AQI=</data>
			<key>Replace</key>
			<data>AwQ=</data>
		</dict>
	</array>
</dict>
</plist>
`

const yamlDoc = `
messages:
  welcome: hello
patches:
  - offset: 0x10
    payload: AA
  - offset: 32
    payload: [0xbb]
`

const jsonDoc = `{"Patches": [{"offset": 16, "payload": "aa"}]}`

const markdownDoc = `---
Messages:
  Complete: done
Patches:
  - offset: 0x40
    original: "00"
    payload: "01"
---
# Thunderbolt fix

Applies the **port** fix.
`

func TestDecodeFormats(t *testing.T) {
	t.Run("plist", func(t *testing.T) {
		doc, err := Decode([]byte(plistDoc), FormatPlist)
		require.NoError(t, err)
		assert.Equal(t, Messages{Welcome: "This patch enables 96W charging.", Complete: "Reboot to apply."}, doc.Messages())
		ps, err := doc.PatchSet()
		require.NoError(t, err)
		assert.Equal(t, Operation{Kind: OpReplace, Offset: 4096, Original: []byte{1, 2}, Payload: []byte{3, 4}}, ps.Operation(0))
	})
	t.Run("yaml", func(t *testing.T) {
		doc, err := Decode([]byte(yamlDoc), FormatYAML)
		require.NoError(t, err)
		assert.Equal(t, "hello", doc.Messages().Welcome)
		ps, err := doc.PatchSet()
		require.NoError(t, err)
		require.Equal(t, 2, ps.Len())
		assert.Equal(t, uint32(0x10), ps.Operation(0).Offset)
		assert.Equal(t, []byte{0xaa}, ps.Operation(0).Payload)
		assert.Equal(t, []byte{0xbb}, ps.Operation(1).Payload)
	})
	t.Run("json", func(t *testing.T) {
		doc, err := Decode([]byte(jsonDoc), FormatJSON)
		require.NoError(t, err)
		assert.Equal(t, Messages{}, doc.Messages())
		assert.Len(t, doc.Records(), 1)
	})
	t.Run("markdown", func(t *testing.T) {
		doc, err := Decode([]byte(markdownDoc), FormatMarkdown)
		require.NoError(t, err)
		assert.Equal(t, "done", doc.Messages().Complete)
		assert.Contains(t, doc.Messages().Welcome, "Thunderbolt fix")
		assert.Contains(t, doc.Messages().Welcome, "Applies the port fix.")
		ps, err := doc.PatchSet()
		require.NoError(t, err)
		assert.Equal(t, OpReplace, ps.Operation(0).Kind)
		assert.Equal(t, uint32(0x40), ps.Operation(0).Offset)
	})
}

func TestDecodeFailures(t *testing.T) {
	testCases := []struct {
		name   string
		data   string
		format Format
	}{
		{"garbage plist", "not a plist {", FormatPlist},
		{"missing patches", `{"Messages": {}}`, FormatJSON},
		{"patches not a list", `{"Patches": {"offset": 1}}`, FormatJSON},
		{"broken json", `{"Patches": [`, FormatJSON},
		{"empty yaml", ``, FormatYAML},
		{"markdown without front matter", "# title\n", FormatMarkdown},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			doc, err := Decode([]byte(tc.data), tc.format)
			require.ErrorIs(t, err, ErrMalformedPatch)
			assert.Contains(t, err.Error(), "failed to load patch")
			assert.Nil(t, doc)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fix.yml")
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0644))
	doc, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, doc.Records(), 2)

	_, err = Load(filepath.Join(dir, "missing.plist"))
	require.ErrorIs(t, err, ErrMalformedPatch)
}

func TestFormatFromPath(t *testing.T) {
	assert.Equal(t, FormatPlist, FormatFromPath("a.plist"))
	assert.Equal(t, FormatYAML, FormatFromPath("a.YAML"))
	assert.Equal(t, FormatJSON, FormatFromPath("a.json"))
	assert.Equal(t, FormatMarkdown, FormatFromPath("a.md"))
	assert.Equal(t, FormatPlist, FormatFromPath("patch"))
}
