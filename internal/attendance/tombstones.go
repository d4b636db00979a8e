package attendance

import "sort"

// tombstoneSet holds ids the user removed locally. The reconciler skips them
// so a stale remote snapshot cannot bring them back.
type tombstoneSet struct {
	ids  map[string]struct{}
	save persistFunc
}

func newTombstoneSet(ids []string, save persistFunc) *tombstoneSet {
	return &tombstoneSet{ids: idSet(ids), save: save}
}

func (s *tombstoneSet) Add(ids []string) error {
	next := make(map[string]struct{}, len(s.ids)+len(ids))
	for id := range s.ids {
		next[id] = struct{}{}
	}
	added := false
	for _, id := range ids {
		if _, ok := next[id]; !ok {
			next[id] = struct{}{}
			added = true
		}
	}
	if !added {
		return nil
	}
	return s.commit(next)
}

func (s *tombstoneSet) Remove(id string) error {
	if _, ok := s.ids[id]; !ok {
		return nil
	}
	next := make(map[string]struct{}, len(s.ids))
	for existing := range s.ids {
		if existing != id {
			next[existing] = struct{}{}
		}
	}
	return s.commit(next)
}

func (s *tombstoneSet) Contains(id string) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *tombstoneSet) List() []string {
	return sortedIDs(s.ids)
}

func (s *tombstoneSet) Len() int {
	return len(s.ids)
}

// Set returns a copy usable outside the engine lock.
func (s *tombstoneSet) Set() map[string]struct{} {
	out := make(map[string]struct{}, len(s.ids))
	for id := range s.ids {
		out[id] = struct{}{}
	}
	return out
}

func (s *tombstoneSet) commit(next map[string]struct{}) error {
	if err := s.save(sortedIDs(next)); err != nil {
		return err
	}
	s.ids = next
	return nil
}

func sortedIDs(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
