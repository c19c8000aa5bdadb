package patchset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/iancoleman/strcase"
	"github.com/yuin/goldmark"
	meta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"howett.net/plist"
)

type Format uint8

const (
	FormatPlist Format = iota
	FormatYAML
	FormatJSON
	FormatMarkdown
)

func (f Format) String() string {
	switch f {
	case FormatPlist:
		return "plist"
	case FormatYAML:
		return "yaml"
	case FormatJSON:
		return "json"
	case FormatMarkdown:
		return "markdown"
	default:
		return fmt.Sprintf("Format(%d)", uint8(f))
	}
}

// FormatFromPath picks the format by file extension, defaulting to plist.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return FormatYAML
	case ".json":
		return FormatJSON
	case ".md", ".markdown":
		return FormatMarkdown
	default:
		return FormatPlist
	}
}

// Messages is presentation text carried by a patch document.
type Messages struct {
	Welcome  string `json:"welcome,omitempty"`
	Complete string `json:"complete,omitempty"`
}

// Document is a loaded patch file: raw patch records plus optional messages.
type Document struct {
	patches  []any
	messages Messages
}

func loadError(format string, args ...any) error {
	return &MalformedError{Index: -1, Reason: "failed to load patch: " + fmt.Sprintf(format, args...)}
}

func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, loadError("%v", err)
	}
	return Decode(data, FormatFromPath(path))
}

func Decode(data []byte, format Format) (*Document, error) {
	var (
		raw  map[string]any
		body string
		err  error
	)
	switch format {
	case FormatPlist:
		_, err = plist.Unmarshal(data, &raw)
	case FormatYAML:
		err = yaml.Unmarshal(data, &raw)
	case FormatJSON:
		err = json.Unmarshal(data, &raw)
	case FormatMarkdown:
		raw, body, err = decodeMarkdown(data)
	default:
		return nil, loadError("unsupported format %s", format)
	}
	if err != nil {
		return nil, loadError("%s: %v", format, err)
	}
	if raw == nil {
		return nil, loadError("%s: empty document", format)
	}
	doc, err := newDocument(raw)
	if err != nil {
		return nil, err
	}
	if doc.messages.Welcome == "" {
		doc.messages.Welcome = body
	}
	return doc, nil
}

func newDocument(raw map[string]any) (*Document, error) {
	top := make(map[string]any, len(raw))
	for k, v := range raw {
		top[strcase.ToCamel(k)] = v
	}
	patches, ok := top["Patches"]
	if !ok {
		return nil, &MalformedError{Index: -1, Field: "Patches", Reason: "failed to load patch: missing"}
	}
	list, ok := patches.([]any)
	if !ok {
		return nil, &MalformedError{Index: -1, Field: "Patches", Reason: fmt.Sprintf("failed to load patch: expected a list, got %T", patches)}
	}
	doc := &Document{patches: list}
	if msgs, ok := top["Messages"]; ok {
		m, err := normalizeRecord(msgs)
		if err != nil {
			return nil, &MalformedError{Index: -1, Field: "Messages", Reason: err.Error()}
		}
		doc.messages.Welcome, _ = m["Welcome"].(string)
		doc.messages.Complete, _ = m["Complete"].(string)
	}
	return doc, nil
}

// Records returns the raw patch records in file order.
func (d *Document) Records() []any {
	return d.patches
}

func (d *Document) Messages() Messages {
	return d.messages
}

func (d *Document) PatchSet(opts ...ParseOption) (*PatchSet, error) {
	return Parse(d.patches, opts...)
}

// decodeMarkdown reads the YAML front matter as the document and the body as text.
func decodeMarkdown(data []byte) (map[string]any, string, error) {
	md := goldmark.New(goldmark.WithExtensions(meta.Meta))
	pctx := parser.NewContext()
	root := md.Parser().Parse(text.NewReader(data), parser.WithContext(pctx))
	front, err := meta.TryGet(pctx)
	if err != nil {
		return nil, "", fmt.Errorf("front matter: %w", err)
	}
	return front, markdownText(root, data), nil
}

func markdownText(root ast.Node, src []byte) string {
	var b bytes.Buffer
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch n := n.(type) {
		case *ast.Text:
			if entering {
				b.Write(n.Segment.Value(src))
				if n.SoftLineBreak() || n.HardLineBreak() {
					b.WriteByte('\n')
				}
			}
		case *ast.Paragraph, *ast.Heading, *ast.TextBlock:
			if !entering {
				b.WriteString("\n\n")
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					b.Write(seg.Value(src))
				}
				b.WriteByte('\n')
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}
