// Package patch implements the merge algebra shared by snapshots and diffs:
// object fields merge key-by-key, a null value deletes the key, and arrays
// are always replaced wholesale, never merged element-wise.
package patch

import "reflect"

// Doc is a JSON-shaped state tree (the result of unmarshalling into
// map[string]any). All values are map[string]any, []any, or scalars.
type Doc = map[string]any

// Patch maps keys to new values. A nil value deletes the key.
type Patch = map[string]any

// Apply merges p into doc in place and returns doc.
func Apply(doc Doc, p Patch) Doc {
	if doc == nil {
		doc = Doc{}
	}
	for k, v := range p {
		if v == nil {
			delete(doc, k)
			continue
		}
		sub, ok := v.(map[string]any)
		if !ok {
			doc[k] = cloneValue(v)
			continue
		}
		cur, ok := doc[k].(map[string]any)
		if !ok {
			doc[k] = Clone(sub)
			continue
		}
		Apply(cur, sub)
	}
	return doc
}

// Diff computes the patch that moves before to after. Deleted keys map to
// nil; changed arrays and scalars appear wholesale; shared sub-objects
// recurse so unchanged siblings stay out of the patch.
func Diff(before, after Doc) Patch {
	p := Patch{}
	for k := range before {
		if _, ok := after[k]; !ok {
			p[k] = nil
		}
	}
	for k, av := range after {
		bv, ok := before[k]
		if !ok {
			p[k] = cloneValue(av)
			continue
		}
		bm, bIsMap := bv.(map[string]any)
		am, aIsMap := av.(map[string]any)
		if bIsMap && aIsMap {
			if sub := Diff(bm, am); len(sub) > 0 {
				p[k] = sub
			}
			continue
		}
		if !reflect.DeepEqual(bv, av) {
			p[k] = cloneValue(av)
		}
	}
	return p
}

// Clone deep-copies a document. Broadcasts always operate on a clone taken at
// the moment of mutation so a peer never observes a document mid-mutation.
func Clone(doc Doc) Doc {
	if doc == nil {
		return nil
	}
	out := make(Doc, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Clone(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// RewriteID replaces every occurrence of oldID in doc with newID: string
// values anywhere in the tree (current-turn pointer, answering player) and
// map keys (vote maps, score maps). Returns the number of rewrites.
func RewriteID(doc Doc, oldID, newID string) int {
	n := 0
	renamed := false
	for k, v := range doc {
		nv, c := rewriteValue(v, oldID, newID)
		n += c
		doc[k] = nv
		if k == oldID {
			renamed = true
		}
	}
	// rename after the walk: inserting during the range could re-visit the
	// new key and double the count
	if renamed {
		doc[newID] = doc[oldID]
		delete(doc, oldID)
		n++
	}
	return n
}

func rewriteValue(v any, oldID, newID string) (any, int) {
	switch t := v.(type) {
	case string:
		if t == oldID {
			return newID, 1
		}
		return t, 0
	case map[string]any:
		return t, RewriteID(t, oldID, newID)
	case []any:
		n := 0
		for i, e := range t {
			ne, c := rewriteValue(e, oldID, newID)
			t[i] = ne
			n += c
		}
		return t, n
	default:
		return v, 0
	}
}
