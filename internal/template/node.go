package template

import (
	"strconv"
	"strings"
)

// Kind discriminates the variants of a Value.
type Kind uint8

// Value kinds.
const (
	KindScalar Kind = iota
	KindSequence
	KindMapping
	KindIntrinsic
)

// Intrinsic function names, canonicalized to the explicit-object-key
// form. The tag-based short form is derived by stripping the "Fn::"
// prefix (e.g. "Fn::GetAtt" → "!GetAtt", "Ref" → "!Ref").
const (
	FnRef         = "Ref"
	FnGetAtt      = "Fn::GetAtt"
	FnSub         = "Fn::Sub"
	FnJoin        = "Fn::Join"
	FnSelect      = "Fn::Select"
	FnSplit       = "Fn::Split"
	FnBase64      = "Fn::Base64"
	FnCidr        = "Fn::Cidr"
	FnFindInMap   = "Fn::FindInMap"
	FnGetAZs      = "Fn::GetAZs"
	FnImportValue = "Fn::ImportValue"
	FnCondition   = "Condition"
	FnEquals      = "Fn::Equals"
	FnIf          = "Fn::If"
	FnNot         = "Fn::Not"
	FnAnd         = "Fn::And"
	FnOr          = "Fn::Or"
	FnTransform   = "Fn::Transform"
)

// intrinsicNames is the set of recognized long-form intrinsic keys.
var intrinsicNames = map[string]bool{
	FnRef: true, FnGetAtt: true, FnSub: true, FnJoin: true,
	FnSelect: true, FnSplit: true, FnBase64: true, FnCidr: true,
	FnFindInMap: true, FnGetAZs: true, FnImportValue: true,
	FnCondition: true, FnEquals: true, FnIf: true, FnNot: true,
	FnAnd: true, FnOr: true, FnTransform: true,
}

// Value is one node of the normalized document tree. Exactly one of
// the variant fields is populated, selected by Kind. Intrinsic
// constructs are kept as typed nodes so references stay resolvable
// during dependency extraction.
type Value struct {
	Kind Kind

	// Scalar fields: Raw is the scalar text, Tag the resolved YAML
	// tag ("!!str", "!!int", "!!bool", "!!float", "!!null").
	Raw string
	Tag string

	Seq []*Value
	Map *Mapping

	// Intrinsic fields: Fn is the canonical long-form name, Arg the
	// argument subtree (scalar for Ref, sequence for Join, etc.).
	Fn  string
	Arg *Value
}

// String constructs a string scalar.
func String(s string) *Value {
	return &Value{Kind: KindScalar, Raw: s, Tag: "!!str"}
}

// Bool constructs a boolean scalar.
func Bool(b bool) *Value {
	return &Value{Kind: KindScalar, Raw: strconv.FormatBool(b), Tag: "!!bool"}
}

// Int constructs an integer scalar.
func Int(n int64) *Value {
	return &Value{Kind: KindScalar, Raw: strconv.FormatInt(n, 10), Tag: "!!int"}
}

// Intrinsic constructs an intrinsic node.
func Intrinsic(fn string, arg *Value) *Value {
	return &Value{Kind: KindIntrinsic, Fn: fn, Arg: arg}
}

// Seq constructs a sequence from its elements.
func Seq(elems ...*Value) *Value {
	return &Value{Kind: KindSequence, Seq: elems}
}

// IsString reports whether v is a string scalar.
func (v *Value) IsString() bool {
	return v != nil && v.Kind == KindScalar && v.Tag == "!!str"
}

// StringVal returns the scalar text, or "" for non-scalars.
func (v *Value) StringVal() string {
	if v == nil || v.Kind != KindScalar {
		return ""
	}
	return v.Raw
}

// BoolVal returns the scalar as a bool, with ok=false for non-booleans.
func (v *Value) BoolVal() (bool, bool) {
	if v == nil || v.Kind != KindScalar || v.Tag != "!!bool" {
		return false, false
	}
	b, err := strconv.ParseBool(strings.ToLower(v.Raw))
	if err != nil {
		return false, false
	}
	return b, true
}

// Clone returns a deep copy of the value tree.
func (v *Value) Clone() *Value {
	if v == nil {
		return nil
	}
	out := &Value{Kind: v.Kind, Raw: v.Raw, Tag: v.Tag, Fn: v.Fn}
	if v.Seq != nil {
		out.Seq = make([]*Value, len(v.Seq))
		for i, e := range v.Seq {
			out.Seq[i] = e.Clone()
		}
	}
	if v.Map != nil {
		out.Map = v.Map.Clone()
	}
	if v.Arg != nil {
		out.Arg = v.Arg.Clone()
	}
	return out
}

// Interface converts the value tree to plain Go values for JSON-style
// consumption (intrinsics become single-key maps in long form).
func (v *Value) Interface() any {
	if v == nil {
		return nil
	}
	switch v.Kind {
	case KindScalar:
		return v.scalarInterface()
	case KindSequence:
		out := make([]any, len(v.Seq))
		for i, e := range v.Seq {
			out[i] = e.Interface()
		}
		return out
	case KindMapping:
		out := make(map[string]any, v.Map.Len())
		for _, k := range v.Map.Keys() {
			out[k] = v.Map.Get(k).Interface()
		}
		return out
	case KindIntrinsic:
		return map[string]any{v.Fn: v.Arg.Interface()}
	}
	return nil
}

func (v *Value) scalarInterface() any {
	switch v.Tag {
	case "!!int":
		if n, err := strconv.ParseInt(v.Raw, 10, 64); err == nil {
			return n
		}
	case "!!float":
		if f, err := strconv.ParseFloat(v.Raw, 64); err == nil {
			return f
		}
	case "!!bool":
		if b, err := strconv.ParseBool(strings.ToLower(v.Raw)); err == nil {
			return b
		}
	case "!!null":
		return nil
	}
	return v.Raw
}

// Mapping is an order-preserving string-keyed map of values. Key order
// follows the source document so re-serialization is deterministic.
type Mapping struct {
	keys []string
	vals map[string]*Value
}

// NewMapping returns an empty mapping.
func NewMapping() *Mapping {
	return &Mapping{vals: make(map[string]*Value)}
}

// Len returns the number of entries.
func (m *Mapping) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns the keys in declaration order. The returned slice must
// not be modified.
func (m *Mapping) Keys() []string {
	if m == nil {
		return nil
	}
	return m.keys
}

// Has reports whether key is present.
func (m *Mapping) Has(key string) bool {
	if m == nil {
		return false
	}
	_, ok := m.vals[key]
	return ok
}

// Get returns the value for key, or nil if absent.
func (m *Mapping) Get(key string) *Value {
	if m == nil {
		return nil
	}
	return m.vals[key]
}

// Set stores a value, appending the key if it is new.
func (m *Mapping) Set(key string, v *Value) {
	if _, ok := m.vals[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = v
}

// Delete removes key, preserving the order of the remaining keys.
func (m *Mapping) Delete(key string) {
	if m == nil {
		return
	}
	if _, ok := m.vals[key]; !ok {
		return
	}
	delete(m.vals, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Clone returns a deep copy of the mapping.
func (m *Mapping) Clone() *Mapping {
	if m == nil {
		return nil
	}
	out := &Mapping{
		keys: append([]string(nil), m.keys...),
		vals: make(map[string]*Value, len(m.vals)),
	}
	for k, v := range m.vals {
		out.vals[k] = v.Clone()
	}
	return out
}

// MapValue wraps a mapping as a Value.
func MapValue(m *Mapping) *Value {
	return &Value{Kind: KindMapping, Map: m}
}

// IsPseudoParameter reports whether a Ref target names a
// platform-provided pseudo parameter rather than a logical id.
func IsPseudoParameter(name string) bool {
	return strings.HasPrefix(name, "AWS::")
}

// shortTag derives the tag-based form of an intrinsic name.
func shortTag(fn string) string {
	return "!" + strings.TrimPrefix(fn, "Fn::")
}

// fnForShortTag maps a YAML short tag back to the canonical long form,
// with ok=false for unrecognized tags.
func fnForShortTag(tag string) (string, bool) {
	name := strings.TrimPrefix(tag, "!")
	if name == "Ref" || name == "Condition" {
		return name, true
	}
	long := "Fn::" + name
	if intrinsicNames[long] {
		return long, true
	}
	return "", false
}
