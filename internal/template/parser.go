package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format identifies a template serialization.
type Format string

// Supported serializations. FormatAuto sniffs from the payload.
const (
	FormatAuto Format = ""
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// MalformedTemplateError is the fatal parse-stage error. No partial
// tree is ever returned alongside it.
type MalformedTemplateError struct {
	Line   int
	Column int
	Msg    string
}

func (e *MalformedTemplateError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("malformed template at line %d: %s", e.Line, e.Msg)
	}
	return "malformed template: " + e.Msg
}

var yamlLineRx = regexp.MustCompile(`line (\d+)`)

func malformed(err error) error {
	msg := strings.TrimPrefix(err.Error(), "yaml: ")
	line := 0
	if m := yamlLineRx.FindStringSubmatch(msg); m != nil {
		line, _ = strconv.Atoi(m[1])
	}
	return &MalformedTemplateError{Line: line, Msg: msg}
}

// Sniff guesses the serialization format from the payload. A document
// whose first significant byte is '{' is treated as JSON.
func Sniff(content []byte) Format {
	for _, c := range content {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return FormatJSON
		default:
			return FormatYAML
		}
	}
	return FormatYAML
}

// Parse decodes a raw template payload into a Document. Both
// serializations produce the same normalized tree: tag-based
// intrinsics (!Ref, !GetAtt, ...) and explicit-object-key intrinsics
// ({"Ref": ...}, {"Fn::GetAtt": ...}) become the same typed nodes.
// Syntactic errors are fatal; semantic checks are left to the rules.
func Parse(content []byte, format Format) (*Document, error) {
	if strings.TrimSpace(string(content)) == "" {
		return nil, &MalformedTemplateError{Msg: "template content is empty"}
	}
	if format == FormatAuto {
		format = Sniff(content)
	}

	// JSON is a YAML subset, so one decoder covers both formats and
	// key order is preserved either way.
	var root yaml.Node
	if err := yaml.Unmarshal(content, &root); err != nil {
		return nil, malformed(err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, &MalformedTemplateError{Msg: "template has no document content"}
	}

	top, err := convertNode(root.Content[0])
	if err != nil {
		return nil, err
	}
	if top.Kind != KindMapping {
		return nil, &MalformedTemplateError{
			Line: root.Content[0].Line,
			Msg:  "top-level template value must be a mapping",
		}
	}

	return &Document{Format: format, Root: top.Map}, nil
}

// convertNode lowers a yaml.Node into the normalized Value tree,
// constructing intrinsic nodes for both surface syntaxes.
func convertNode(n *yaml.Node) (*Value, error) {
	if n.Kind == yaml.AliasNode {
		return convertNode(n.Alias)
	}

	// Tag-based intrinsic form.
	if strings.HasPrefix(n.Tag, "!") && !strings.HasPrefix(n.Tag, "!!") {
		if fn, ok := fnForShortTag(n.Tag); ok {
			return convertIntrinsicTag(fn, n)
		}
		return nil, &MalformedTemplateError{
			Line: n.Line, Column: n.Column,
			Msg: fmt.Sprintf("unknown tag %s", n.Tag),
		}
	}

	switch n.Kind {
	case yaml.ScalarNode:
		return &Value{Kind: KindScalar, Raw: n.Value, Tag: n.Tag}, nil

	case yaml.SequenceNode:
		out := &Value{Kind: KindSequence, Seq: make([]*Value, 0, len(n.Content))}
		for _, c := range n.Content {
			v, err := convertNode(c)
			if err != nil {
				return nil, err
			}
			out.Seq = append(out.Seq, v)
		}
		return out, nil

	case yaml.MappingNode:
		m := NewMapping()
		for i := 0; i+1 < len(n.Content); i += 2 {
			k := n.Content[i]
			if k.Kind != yaml.ScalarNode {
				return nil, &MalformedTemplateError{
					Line: k.Line, Column: k.Column,
					Msg: "mapping keys must be scalars",
				}
			}
			if m.Has(k.Value) {
				return nil, &MalformedTemplateError{
					Line: k.Line, Column: k.Column,
					Msg: fmt.Sprintf("duplicate key %q", k.Value),
				}
			}
			v, err := convertNode(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			m.Set(k.Value, v)
		}
		return normalizeIntrinsicMap(m), nil
	}

	return nil, &MalformedTemplateError{Line: n.Line, Msg: "unsupported node kind"}
}

// convertIntrinsicTag builds an intrinsic node from the short form.
func convertIntrinsicTag(fn string, n *yaml.Node) (*Value, error) {
	// Strip the custom tag so the argument converts as plain YAML.
	arg := *n
	switch n.Kind {
	case yaml.ScalarNode:
		arg.Tag = "!!str"
	case yaml.SequenceNode:
		arg.Tag = "!!seq"
	case yaml.MappingNode:
		arg.Tag = "!!map"
	}
	v, err := convertNode(&arg)
	if err != nil {
		return nil, err
	}

	// !GetAtt Resource.Attribute normalizes to the two-element form.
	if fn == FnGetAtt && v.Kind == KindScalar {
		parts := strings.SplitN(v.Raw, ".", 2)
		seq := &Value{Kind: KindSequence}
		for _, p := range parts {
			seq.Seq = append(seq.Seq, String(p))
		}
		v = seq
	}

	return Intrinsic(fn, v), nil
}

// normalizeIntrinsicMap turns a single-key mapping whose key is a
// recognized intrinsic name into an intrinsic node. "Condition" is
// only intrinsic when its argument is a scalar; a resource attribute
// named Condition never stands alone in a single-key mapping.
func normalizeIntrinsicMap(m *Mapping) *Value {
	if m.Len() != 1 {
		return MapValue(m)
	}
	key := m.Keys()[0]
	if !intrinsicNames[key] {
		return MapValue(m)
	}
	arg := m.Get(key)
	if key == FnCondition && arg.Kind != KindScalar {
		return MapValue(m)
	}
	if key == FnGetAtt && arg.Kind == KindScalar {
		parts := strings.SplitN(arg.Raw, ".", 2)
		seq := &Value{Kind: KindSequence}
		for _, p := range parts {
			seq.Seq = append(seq.Seq, String(p))
		}
		arg = seq
	}
	return Intrinsic(key, arg)
}
