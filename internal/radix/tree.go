// Package radix implements a path-compressed prefix tree for route
// matching. Patterns are made of literal segments and single-segment
// parameters (":name" or "{name}"); parameters bind exactly one segment.
// Literal edges are longest-common-prefix compressed and may span slashes;
// each node holds at most one parameter child.
package radix

import (
	"fmt"
	"strings"
)

// Param is a single bound path parameter.
type Param struct {
	Key   string
	Value string
}

// Params is an ordered list of bound path parameters.
type Params []Param

// ByName returns the value of the first parameter with the given name,
// or the empty string when absent.
func (ps Params) ByName(name string) string {
	for _, p := range ps {
		if p.Key == name {
			return p.Value
		}
	}
	return ""
}

// Tree is a radix tree mapping path patterns to values of type V.
// Insertion is not safe for concurrent use; lookups are read-only and may
// run concurrently once the tree is built.
type Tree[V any] struct {
	root *node[V]
	size int
}

type node[V any] struct {
	edge      string // literal bytes leading into this node
	children  []*node[V]
	param     *node[V] // at most one parameter child
	paramName string   // set on parameter nodes
	value     V
	hasValue  bool
}

// New creates an empty tree.
func New[V any]() *Tree[V] {
	return &Tree[V]{root: &node[V]{}}
}

// Len returns the number of patterns stored.
func (t *Tree[V]) Len() int { return t.size }

// NormalizePath trims surrounding whitespace, ensures a leading slash, and
// strips the trailing slash unless the path is the bare root.
func NormalizePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return "/"
	}
	if path[0] != '/' {
		path = "/" + path
	}
	if len(path) > 1 && path[len(path)-1] == '/' {
		path = path[:len(path)-1]
	}
	return path
}

// Insert stores value under pattern. Inserting the same pattern again
// overwrites the previous value. Returns an error for malformed patterns
// and for parameter conflicts (two differently named parameters occupying
// the same position).
func (t *Tree[V]) Insert(pattern string, value V) error {
	pattern = NormalizePath(pattern)

	n := t.root
	rest := pattern
	for rest != "" {
		lit, param, remainder, err := nextToken(rest)
		if err != nil {
			return fmt.Errorf("pattern %q: %w", pattern, err)
		}
		rest = remainder

		if lit != "" {
			n = insertLiteral(n, lit)
			continue
		}

		if n.param != nil {
			if n.param.paramName != param {
				return fmt.Errorf("pattern %q: parameter :%s conflicts with existing :%s", pattern, param, n.param.paramName)
			}
			n = n.param
			continue
		}
		child := &node[V]{paramName: param}
		n.param = child
		n = child
	}

	if !n.hasValue {
		t.size++
	}
	n.value = value
	n.hasValue = true
	return nil
}

// nextToken splits off the leading token of a pattern remainder: either a
// literal run (which may span several segments) or a single parameter name.
func nextToken(rest string) (lit, param, remainder string, err error) {
	if rest[0] == ':' || rest[0] == '{' {
		seg := rest
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			seg, remainder = rest[:i], rest[i:]
		}
		name := seg[1:]
		if rest[0] == '{' {
			if !strings.HasSuffix(seg, "}") {
				return "", "", "", fmt.Errorf("unterminated parameter segment %q", seg)
			}
			name = seg[1 : len(seg)-1]
		}
		if name == "" {
			return "", "", "", fmt.Errorf("empty parameter name in segment %q", seg)
		}
		if strings.ContainsAny(name, ":{}") {
			return "", "", "", fmt.Errorf("invalid parameter name %q", name)
		}
		return "", name, remainder, nil
	}

	// Literal run: everything up to the next parameter marker. Markers are
	// only valid at a segment start; anywhere else the segment is malformed.
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		if c != ':' && c != '{' {
			if c == '}' {
				return "", "", "", fmt.Errorf("unexpected '}' in pattern segment")
			}
			continue
		}
		if rest[i-1] != '/' {
			return "", "", "", fmt.Errorf("parameter marker %q must start a segment", string(c))
		}
		return rest[:i], "", rest[i:], nil
	}
	return rest, "", "", nil
}

// insertLiteral descends from n along lit, splitting compressed edges where
// the shared prefix ends, and returns the node at which lit is consumed.
func insertLiteral[V any](n *node[V], lit string) *node[V] {
	for lit != "" {
		child := matchingChild(n, lit[0])
		if child == nil {
			leaf := &node[V]{edge: lit}
			n.children = append(n.children, leaf)
			return leaf
		}

		cp := commonPrefix(child.edge, lit)
		if cp < len(child.edge) {
			// Split the edge at the common prefix.
			lower := &node[V]{
				edge:      child.edge[cp:],
				children:  child.children,
				param:     child.param,
				paramName: child.paramName,
				value:     child.value,
				hasValue:  child.hasValue,
			}
			child.edge = child.edge[:cp]
			child.children = []*node[V]{lower}
			child.param = nil
			var zero V
			child.value = zero
			child.hasValue = false
		}

		lit = lit[cp:]
		n = child
	}
	return n
}

func matchingChild[V any](n *node[V], first byte) *node[V] {
	for _, c := range n.children {
		if c.edge[0] == first {
			return c
		}
	}
	return nil
}

func commonPrefix(a, b string) int {
	max := len(a)
	if len(b) < max {
		max = len(b)
	}
	i := 0
	for i < max && a[i] == b[i] {
		i++
	}
	return i
}

// Search returns the value registered for path together with bound
// parameters. Literal edges win over parameters at every node; a parameter
// is tried only when no literal branch can complete the match.
func (t *Tree[V]) Search(path string) (V, Params, bool) {
	path = NormalizePath(path)

	var ps Params
	n, ok := search(t.root, path, &ps)
	if !ok {
		var zero V
		return zero, nil, false
	}
	return n.value, ps, true
}

func search[V any](n *node[V], path string, ps *Params) (*node[V], bool) {
	if path == "" {
		if n.hasValue {
			return n, true
		}
		return nil, false
	}

	if child := matchingChild(n, path[0]); child != nil && strings.HasPrefix(path, child.edge) {
		if found, ok := search(child, path[len(child.edge):], ps); ok {
			return found, true
		}
	}

	if n.param == nil {
		return nil, false
	}

	seg := path
	if i := strings.IndexByte(path, '/'); i >= 0 {
		seg = path[:i]
	}
	if seg == "" {
		return nil, false
	}

	mark := len(*ps)
	*ps = append(*ps, Param{Key: n.param.paramName, Value: seg})
	if found, ok := search(n.param, path[len(seg):], ps); ok {
		return found, true
	}
	*ps = (*ps)[:mark]
	return nil, false
}
