package template

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Encode serializes the document. FormatAuto keeps the input format so
// output matches input unless the caller requests the other form.
func Encode(d *Document, format Format) ([]byte, error) {
	if format == FormatAuto {
		format = d.Format
	}
	switch format {
	case FormatJSON:
		return encodeJSON(MapValue(d.Root))
	case FormatYAML:
		node, err := toYAMLNode(MapValue(d.Root))
		if err != nil {
			return nil, err
		}
		return yaml.Marshal(node)
	}
	return nil, fmt.Errorf("unknown template format %q", format)
}

// toYAMLNode rebuilds a yaml.Node tree, emitting intrinsics in the
// tag-based short form.
func toYAMLNode(v *Value) (*yaml.Node, error) {
	switch v.Kind {
	case KindScalar:
		n := &yaml.Node{Kind: yaml.ScalarNode, Tag: v.Tag, Value: v.Raw}
		if v.Tag == "!!str" && needsQuote(v.Raw) {
			n.Style = yaml.DoubleQuotedStyle
		}
		return n, nil

	case KindSequence:
		n := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, e := range v.Seq {
			c, err := toYAMLNode(e)
			if err != nil {
				return nil, err
			}
			n.Content = append(n.Content, c)
		}
		return n, nil

	case KindMapping:
		n := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for _, k := range v.Map.Keys() {
			c, err := toYAMLNode(v.Map.Get(k))
			if err != nil {
				return nil, err
			}
			n.Content = append(n.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k}, c)
		}
		return n, nil

	case KindIntrinsic:
		return intrinsicYAMLNode(v)
	}
	return nil, fmt.Errorf("unknown value kind %d", v.Kind)
}

func intrinsicYAMLNode(v *Value) (*yaml.Node, error) {
	// GetAtt with plain scalar members round-trips as the dotted
	// scalar short form.
	if v.Fn == FnGetAtt && v.Arg.Kind == KindSequence {
		allScalar := len(v.Arg.Seq) > 0
		parts := make([]string, 0, len(v.Arg.Seq))
		for _, e := range v.Arg.Seq {
			if e.Kind != KindScalar {
				allScalar = false
				break
			}
			parts = append(parts, e.Raw)
		}
		if allScalar {
			return &yaml.Node{
				Kind: yaml.ScalarNode, Tag: shortTag(v.Fn),
				Value: strings.Join(parts, "."),
			}, nil
		}
	}

	// A tag cannot stack on another tag, so a directly nested
	// intrinsic argument is emitted in the long form
	// (!Base64 { Fn::Sub: ... }).
	if v.Arg.Kind == KindIntrinsic {
		inner, err := toYAMLNode(Intrinsic(v.Arg.Fn, v.Arg.Arg).longForm())
		if err != nil {
			return nil, err
		}
		inner.Tag = shortTag(v.Fn)
		return inner, nil
	}

	arg, err := toYAMLNode(v.Arg)
	if err != nil {
		return nil, err
	}
	arg.Tag = shortTag(v.Fn)
	return arg, nil
}

// longForm rewrites an intrinsic as the explicit single-key mapping.
func (v *Value) longForm() *Value {
	m := NewMapping()
	m.Set(v.Fn, v.Arg)
	return MapValue(m)
}

// needsQuote forces quoting for strings YAML would otherwise reparse
// as a different scalar type.
func needsQuote(s string) bool {
	if s == "" {
		return true
	}
	switch strings.ToLower(s) {
	case "true", "false", "null", "yes", "no", "on", "off", "~":
		return true
	}
	c := s[0]
	return c == '0' || c == '1' || c == '2' || c == '3' || c == '4' ||
		c == '5' || c == '6' || c == '7' || c == '8' || c == '9' ||
		c == '-' || c == '+' || c == '.' || c == '*' || c == '&' ||
		c == '!' || c == '{' || c == '[' || c == '@' || c == '`'
}

// encodeJSON writes the tree as indented JSON in declaration order,
// with intrinsics in the explicit-object-key long form.
func encodeJSON(v *Value) ([]byte, error) {
	var b strings.Builder
	if err := writeJSON(&b, v, 0); err != nil {
		return nil, err
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

func writeJSON(b *strings.Builder, v *Value, depth int) error {
	indent := strings.Repeat("  ", depth)
	child := strings.Repeat("  ", depth+1)

	switch v.Kind {
	case KindScalar:
		return writeJSONScalar(b, v)

	case KindSequence:
		if len(v.Seq) == 0 {
			b.WriteString("[]")
			return nil
		}
		b.WriteString("[\n")
		for i, e := range v.Seq {
			b.WriteString(child)
			if err := writeJSON(b, e, depth+1); err != nil {
				return err
			}
			if i < len(v.Seq)-1 {
				b.WriteByte(',')
			}
			b.WriteByte('\n')
		}
		b.WriteString(indent)
		b.WriteByte(']')
		return nil

	case KindMapping:
		return writeJSONMap(b, v.Map.Keys(), func(k string) *Value { return v.Map.Get(k) }, depth)

	case KindIntrinsic:
		return writeJSONMap(b, []string{v.Fn}, func(string) *Value { return v.Arg }, depth)
	}
	return fmt.Errorf("unknown value kind %d", v.Kind)
}

func writeJSONMap(b *strings.Builder, keys []string, get func(string) *Value, depth int) error {
	if len(keys) == 0 {
		b.WriteString("{}")
		return nil
	}
	indent := strings.Repeat("  ", depth)
	child := strings.Repeat("  ", depth+1)
	b.WriteString("{\n")
	for i, k := range keys {
		kq, err := json.Marshal(k)
		if err != nil {
			return err
		}
		b.WriteString(child)
		b.Write(kq)
		b.WriteString(": ")
		if err := writeJSON(b, get(k), depth+1); err != nil {
			return err
		}
		if i < len(keys)-1 {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}
	b.WriteString(indent)
	b.WriteByte('}')
	return nil
}

func writeJSONScalar(b *strings.Builder, v *Value) error {
	switch v.Tag {
	case "!!null":
		b.WriteString("null")
		return nil
	case "!!int", "!!float":
		b.WriteString(v.Raw)
		return nil
	case "!!bool":
		b.WriteString(strings.ToLower(v.Raw))
		return nil
	}
	q, err := json.Marshal(v.Raw)
	if err != nil {
		return err
	}
	b.Write(q)
	return nil
}
