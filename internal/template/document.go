package template

import (
	"fmt"
)

// Well-known top-level section names. Unknown sections are preserved
// opaquely in the root mapping.
const (
	SectionVersion     = "AWSTemplateFormatVersion"
	SectionDescription = "Description"
	SectionTransform   = "Transform"
	SectionParameters  = "Parameters"
	SectionMappings    = "Mappings"
	SectionConditions  = "Conditions"
	SectionResources   = "Resources"
	SectionOutputs     = "Outputs"
)

// Document is a parsed template. Once handed to the next pipeline
// stage it is treated as immutable: all edits go through the With*
// methods, which return a new document sharing unchanged branches.
type Document struct {
	Format Format
	Root   *Mapping
}

// Section returns a top-level section value, or nil if absent.
func (d *Document) Section(name string) *Value {
	return d.Root.Get(name)
}

// Resources returns the Resources section mapping, or nil.
func (d *Document) Resources() *Mapping {
	v := d.Root.Get(SectionResources)
	if v == nil || v.Kind != KindMapping {
		return nil
	}
	return v.Map
}

// ResourceIDs returns declared logical ids in declaration order.
func (d *Document) ResourceIDs() []string {
	return d.Resources().Keys()
}

// Resource returns a view over one resource entry, or nil if the
// logical id is absent or not a mapping.
func (d *Document) Resource(logicalID string) *ResourceEntry {
	v := d.Resources().Get(logicalID)
	if v == nil || v.Kind != KindMapping {
		return nil
	}
	return &ResourceEntry{LogicalID: logicalID, node: v.Map}
}

// HasTransform reports whether the document declares a macro transform
// section or uses Fn::Transform anywhere.
func (d *Document) HasTransform() bool {
	if d.Root.Has(SectionTransform) {
		return true
	}
	found := false
	for _, key := range d.Root.Keys() {
		Walk(d.Root.Get(key), func(v *Value, _ string) {
			if v.Kind == KindIntrinsic && v.Fn == FnTransform {
				found = true
			}
		})
	}
	return found
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	return &Document{Format: d.Format, Root: d.Root.Clone()}
}

// resolve walks the path from a root value, returning the value at the
// path or nil if any step is missing.
func resolve(root *Value, segs []segment) *Value {
	cur := root
	for _, s := range segs {
		if cur == nil {
			return nil
		}
		if s.IsIndex {
			if cur.Kind != KindSequence || s.Index < 0 || s.Index >= len(cur.Seq) {
				return nil
			}
			cur = cur.Seq[s.Index]
			continue
		}
		if cur.Kind != KindMapping {
			return nil
		}
		cur = cur.Map.Get(s.Key)
	}
	return cur
}

// ValueAt returns the value at a resource-relative path (logicalID
// empty addresses the template root). Nil when the path is absent.
func (d *Document) ValueAt(logicalID, path string) *Value {
	segs, err := parsePath(path)
	if err != nil {
		return nil
	}
	root := MapValue(d.Root)
	if logicalID != "" {
		rv := d.Resources().Get(logicalID)
		if rv == nil {
			return nil
		}
		root = rv
	}
	return resolve(root, segs)
}

// WithSet returns a new document with the value at the given path set,
// creating intermediate mappings as needed. Containers along the path
// are copied; untouched branches are shared with the receiver.
func (d *Document) WithSet(logicalID, path string, v *Value) (*Document, error) {
	segs, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	if logicalID != "" {
		segs = append([]segment{{Key: SectionResources}, {Key: logicalID}}, segs...)
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("empty edit path")
	}
	root, err := setAt(MapValue(d.Root), segs, v, true)
	if err != nil {
		return nil, err
	}
	return &Document{Format: d.Format, Root: root.Map}, nil
}

// WithRemove returns a new document with the value at the path removed.
func (d *Document) WithRemove(logicalID, path string) (*Document, error) {
	segs, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	if logicalID != "" {
		segs = append([]segment{{Key: SectionResources}, {Key: logicalID}}, segs...)
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("empty edit path")
	}
	root, err := setAt(MapValue(d.Root), segs, nil, false)
	if err != nil {
		return nil, err
	}
	return &Document{Format: d.Format, Root: root.Map}, nil
}

// WithResource returns a new document with a resource added or
// replaced under the Resources section.
func (d *Document) WithResource(logicalID string, body *Value) (*Document, error) {
	return d.WithSet("", SectionResources+"."+logicalID, body)
}

// setAt rewrites the spine of containers leading to the edit. A nil v
// deletes the final key. Missing intermediate mappings are created
// when create is true.
func setAt(cur *Value, segs []segment, v *Value, create bool) (*Value, error) {
	s := segs[0]
	last := len(segs) == 1

	if s.IsIndex {
		if cur == nil || cur.Kind != KindSequence {
			return nil, fmt.Errorf("path indexes a non-sequence value")
		}
		if s.Index < 0 || s.Index >= len(cur.Seq) {
			return nil, fmt.Errorf("index %d out of range", s.Index)
		}
		out := &Value{Kind: KindSequence, Seq: append([]*Value(nil), cur.Seq...)}
		if last {
			if v == nil {
				out.Seq = append(out.Seq[:s.Index], out.Seq[s.Index+1:]...)
			} else {
				out.Seq[s.Index] = v
			}
			return out, nil
		}
		child, err := setAt(out.Seq[s.Index], segs[1:], v, create)
		if err != nil {
			return nil, err
		}
		out.Seq[s.Index] = child
		return out, nil
	}

	if cur == nil {
		if !create {
			return nil, fmt.Errorf("path segment %q not found", s.Key)
		}
		cur = MapValue(NewMapping())
	}
	if cur.Kind != KindMapping {
		return nil, fmt.Errorf("path segment %q addresses a non-mapping value", s.Key)
	}

	out := MapValue(shallowCopy(cur.Map))
	if last {
		if v == nil {
			if !out.Map.Has(s.Key) {
				return nil, fmt.Errorf("path segment %q not found", s.Key)
			}
			out.Map.Delete(s.Key)
		} else {
			out.Map.Set(s.Key, v)
		}
		return out, nil
	}

	next := out.Map.Get(s.Key)
	if next == nil && !create {
		return nil, fmt.Errorf("path segment %q not found", s.Key)
	}
	child, err := setAt(next, segs[1:], v, create)
	if err != nil {
		return nil, err
	}
	out.Map.Set(s.Key, child)
	return out, nil
}

func shallowCopy(m *Mapping) *Mapping {
	out := &Mapping{
		keys: append([]string(nil), m.keys...),
		vals: make(map[string]*Value, len(m.vals)),
	}
	for k, v := range m.vals {
		out.vals[k] = v
	}
	return out
}

// WithRenamedReference returns a new document where every Ref and
// GetAtt targeting oldID points at newID instead. DependsOn lists are
// rewritten as well.
func (d *Document) WithRenamedReference(oldID, newID string) *Document {
	out := d.Clone()
	for _, key := range out.Root.Keys() {
		Walk(out.Root.Get(key), func(v *Value, _ string) {
			if v.Kind != KindIntrinsic {
				return
			}
			switch v.Fn {
			case FnRef:
				if v.Arg.StringVal() == oldID {
					v.Arg = String(newID)
				}
			case FnGetAtt:
				if v.Arg.Kind == KindSequence && len(v.Arg.Seq) > 0 && v.Arg.Seq[0].StringVal() == oldID {
					v.Arg.Seq[0] = String(newID)
				}
			}
		})
	}
	res := out.Resources()
	for _, id := range res.Keys() {
		entry := out.Resource(id)
		if entry == nil {
			continue
		}
		dep := entry.node.Get("DependsOn")
		if dep == nil {
			continue
		}
		switch dep.Kind {
		case KindScalar:
			if dep.Raw == oldID {
				entry.node.Set("DependsOn", String(newID))
			}
		case KindSequence:
			for i, e := range dep.Seq {
				if e.StringVal() == oldID {
					dep.Seq[i] = String(newID)
				}
			}
		}
	}
	return out
}

// Walk visits every value in the tree in depth-first order, passing
// the dotted path relative to the starting value.
func Walk(v *Value, visit func(v *Value, path string)) {
	walk(v, "", visit)
}

func walk(v *Value, path string, visit func(*Value, string)) {
	if v == nil {
		return
	}
	visit(v, path)
	switch v.Kind {
	case KindSequence:
		for i, e := range v.Seq {
			walk(e, fmt.Sprintf("%s[%d]", path, i), visit)
		}
	case KindMapping:
		for _, k := range v.Map.Keys() {
			child := path
			if child == "" {
				child = k
			} else {
				child = child + "." + k
			}
			walk(v.Map.Get(k), child, visit)
		}
	case KindIntrinsic:
		walk(v.Arg, path, visit)
	}
}

// ResourceEntry is a read view over one resource declaration.
type ResourceEntry struct {
	LogicalID string
	node      *Mapping
}

// Type returns the declared resource type, or "".
func (r *ResourceEntry) Type() string {
	return r.node.Get("Type").StringVal()
}

// Properties returns the property bag mapping, or nil.
func (r *ResourceEntry) Properties() *Mapping {
	v := r.node.Get("Properties")
	if v == nil || v.Kind != KindMapping {
		return nil
	}
	return v.Map
}

// DependsOn returns the explicit ordering declarations. A scalar
// declaration normalizes to a one-element list.
func (r *ResourceEntry) DependsOn() []string {
	v := r.node.Get("DependsOn")
	if v == nil {
		return nil
	}
	switch v.Kind {
	case KindScalar:
		return []string{v.Raw}
	case KindSequence:
		out := make([]string, 0, len(v.Seq))
		for _, e := range v.Seq {
			if s := e.StringVal(); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ConditionName returns the resource-level condition reference, or "".
func (r *ResourceEntry) ConditionName() string {
	return r.node.Get("Condition").StringVal()
}

// DeletionPolicy returns the declared deletion policy, or "".
func (r *ResourceEntry) DeletionPolicy() string {
	return r.node.Get("DeletionPolicy").StringVal()
}

// Body returns the underlying resource mapping.
func (r *ResourceEntry) Body() *Mapping {
	return r.node
}
