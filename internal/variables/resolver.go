// Package variables resolves {"$var": "<path>"} references in a node's input
// mapping against the outputs of nodes that already ran in the same run.
//
// Path grammar: "$." followed by dot-separated segments. A leading
// "Previous Steps" segment is a cosmetic namespace and is dropped. The next
// segments name the owning node (by name, then by id); the rest walk into
// that node's output.
package variables

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/nodeflow/pkg/schema"
)

// VarKey is the marker key of a variable reference.
const VarKey = "$var"

const (
	pathPrefix        = "$."
	previousStepsSegm = "Previous Steps"
)

// NodePath is a parsed reference: the prior result that owns the value and
// the field segments to walk into its output.
type NodePath struct {
	Node   *schema.NodeExecutionResult
	Fields []string
}

// Reference returns the path of v if v is a {"$var": "<path>"} marker.
func Reference(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return "", false
	}
	path, ok := m[VarKey].(string)
	return path, ok
}

// Resolve returns a copy of mapping with every top-level reference replaced by
// the value it points at. Non-reference values pass through unchanged and are
// not scanned.
func Resolve(mapping map[string]any, prior []schema.NodeExecutionResult) (map[string]any, error) {
	resolved := make(map[string]any, len(mapping))
	for key, val := range mapping {
		path, ok := Reference(val)
		if !ok {
			resolved[key] = val
			continue
		}
		v, err := ResolvePath(path, prior)
		if err != nil {
			return nil, err
		}
		resolved[key] = v
	}
	return resolved, nil
}

// ResolvePath resolves a single raw path against prior results.
func ResolvePath(raw string, prior []schema.NodeExecutionResult) (any, error) {
	np, err := Lookup(raw, prior)
	if err != nil {
		return nil, err
	}
	return np.Value(raw)
}

// ParsePath validates the "$." prefix and returns the segments with the
// optional "Previous Steps" namespace removed.
func ParsePath(raw string) ([]string, error) {
	if !strings.HasPrefix(raw, pathPrefix) {
		return nil, schema.NewErrorf(schema.ErrReference, "invalid variable path %q: must start with %q", raw, pathPrefix).
			WithDetails(map[string]any{"path": raw})
	}
	segments := strings.Split(strings.TrimPrefix(raw, pathPrefix), ".")
	if len(segments) > 0 && segments[0] == previousStepsSegm {
		segments = segments[1:]
	}
	if len(segments) == 0 || segments[0] == "" {
		return nil, schema.NewErrorf(schema.ErrReference, "invalid variable path %q: no node name", raw).
			WithDetails(map[string]any{"path": raw})
	}
	return segments, nil
}

// Lookup parses raw and identifies the owning node.
func Lookup(raw string, prior []schema.NodeExecutionResult) (NodePath, error) {
	segments, err := ParsePath(raw)
	if err != nil {
		return NodePath{}, err
	}
	node, n := matchNode(segments, prior)
	if node == nil {
		available := nodeNames(prior)
		return NodePath{}, schema.NewErrorf(schema.ErrReference,
			"node not found for path %q; available: [%s]", raw, strings.Join(available, ", ")).
			WithDetails(map[string]any{"path": raw, "available_nodes": available})
	}
	return NodePath{Node: node, Fields: segments[n:]}, nil
}

// matchNode finds the prior result owning the leading segments of a path.
//
// Node names may contain spaces, and authored paths sometimes spell such a
// name as several segments ("Fetch.User" for "Fetch User"). Every prefix
// length is tried, its segments re-joined with a space, and compared against
// node names and then ids. The longest matching prefix wins; among results
// with the same name the latest one wins. This is inherently ambiguous when
// one node's name is a token prefix of another's ("A" vs "A B"): the longer
// name always takes precedence.
//
// Returns the result and the number of segments consumed.
func matchNode(segments []string, prior []schema.NodeExecutionResult) (*schema.NodeExecutionResult, int) {
	for n := len(segments); n >= 1; n-- {
		candidate := strings.Join(segments[:n], " ")
		for i := len(prior) - 1; i >= 0; i-- {
			if prior[i].NodeName == candidate {
				return &prior[i], n
			}
		}
		for i := len(prior) - 1; i >= 0; i-- {
			if prior[i].NodeID == candidate {
				return &prior[i], n
			}
		}
	}
	return nil, 0
}

// Value walks the field segments into the node's output using plain property
// access. A missing final property yields nil; indexing into a missing or
// non-object value is a ReferenceError.
func (p NodePath) Value(raw string) (any, error) {
	current := normalize(p.Node.Output)
	for i, seg := range p.Fields {
		switch v := current.(type) {
		case map[string]any:
			current = normalize(v[seg])
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				current = nil
				continue
			}
			current = normalize(v[idx])
		default:
			parent := p.Node.NodeName
			if i > 0 {
				parent = p.Fields[i-1]
			}
			return nil, schema.NewErrorf(schema.ErrReference,
				"cannot access property %q of %s in path %q (value is %s)", seg, parent, raw, describe(current)).
				WithDetails(map[string]any{"path": raw, "segment": seg})
		}
	}
	return current, nil
}

// normalize converts typed outputs (structs, typed maps) into the generic
// map[string]any / []any shape so property access behaves uniformly.
func normalize(v any) any {
	switch v.(type) {
	case nil, map[string]any, []any, string, bool,
		float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func describe(v any) string {
	if v == nil {
		return "undefined"
	}
	switch v.(type) {
	case string:
		return "a string"
	case bool:
		return "a boolean"
	case float64, int, int64:
		return "a number"
	}
	return "not an object"
}

func nodeNames(prior []schema.NodeExecutionResult) []string {
	names := make([]string, 0, len(prior))
	for _, r := range prior {
		names = append(names, r.NodeName)
	}
	sort.Strings(names)
	return names
}
