package attendance

type persistFunc func(v any) error

// recordStore is ordered most-recently-touched first. Every mutation builds
// the next slice, persists it, and only then swaps it in, so a failed write
// leaves memory matching storage.
type recordStore struct {
	items []Record
	save  persistFunc
}

func newRecordStore(items []Record, save persistFunc) *recordStore {
	return &recordStore{items: items, save: save}
}

func (s *recordStore) Upsert(record Record) error {
	next := make([]Record, 0, len(s.items)+1)
	next = append(next, record)
	for _, existing := range s.items {
		if existing.StudentID != record.StudentID {
			next = append(next, existing)
		}
	}
	return s.commit(next)
}

// UpdateStatus rewrites status in place for the ids that are present and
// returns the updated records in store order.
func (s *recordStore) UpdateStatus(ids []string, status Status) ([]Record, error) {
	want := idSet(ids)
	next := make([]Record, len(s.items))
	copy(next, s.items)
	var updated []Record
	for i := range next {
		if _, ok := want[next[i].StudentID]; !ok {
			continue
		}
		next[i].Status = status
		updated = append(updated, next[i])
	}
	if len(updated) == 0 {
		return nil, nil
	}
	if err := s.commit(next); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *recordStore) Delete(ids []string) error {
	drop := idSet(ids)
	next := make([]Record, 0, len(s.items))
	for _, existing := range s.items {
		if _, ok := drop[existing.StudentID]; !ok {
			next = append(next, existing)
		}
	}
	if len(next) == len(s.items) {
		return nil
	}
	return s.commit(next)
}

func (s *recordStore) ReplaceAll(records []Record) error {
	next := make([]Record, len(records))
	copy(next, records)
	return s.commit(next)
}

func (s *recordStore) Get(id string) (Record, bool) {
	for _, existing := range s.items {
		if existing.StudentID == id {
			return existing, true
		}
	}
	return Record{}, false
}

func (s *recordStore) List() []Record {
	out := make([]Record, len(s.items))
	copy(out, s.items)
	return out
}

func (s *recordStore) IDs() []string {
	out := make([]string, len(s.items))
	for i, existing := range s.items {
		out[i] = existing.StudentID
	}
	return out
}

func (s *recordStore) Len() int {
	return len(s.items)
}

func (s *recordStore) commit(next []Record) error {
	if err := s.save(next); err != nil {
		return err
	}
	s.items = next
	return nil
}

func idSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
