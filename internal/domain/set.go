package domain

import "sort"

// StringSet is an unordered set of ids.
type StringSet map[string]struct{}

// NewStringSet returns a set holding the given ids.
func NewStringSet(ids ...string) StringSet {
	s := make(StringSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s StringSet) Add(id string) { s[id] = struct{}{} }

func (s StringSet) Remove(id string) { delete(s, id) }

func (s StringSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in lexical order.
func (s StringSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Clone returns an independent copy. A nil set clones to an empty one.
func (s StringSet) Clone() StringSet {
	out := make(StringSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}
