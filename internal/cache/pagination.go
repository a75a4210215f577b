package cache

// PageState tracks cursor pagination for one resource type. NextCursor is
// opaque to the cache; in practice it is the lastUpdated timestamp of the
// oldest resource seen, fed back as a lt-filter on the next fetch. When
// HasMore is false NextCursor is not meaningful for further fetches.
type PageState struct {
	NextCursor string
	HasMore    bool
}

// UpdatePagination replaces the stored cursor state for rt. Callers compute
// HasMore as "the page came back full" (len(items) == pageSize); a short
// page signals end-of-data. This is a heuristic, not an upstream guarantee.
func (s *Store) UpdatePagination(rt ResourceType, page PageState) {
	s.mu.Lock()
	s.pages[rt] = page
	s.revision++
	s.mu.Unlock()

	s.bus.Notify()
}

// Pagination returns the cursor state for rt; ok is false if the type has
// never been fetched.
func (s *Store) Pagination(rt ResourceType) (PageState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	page, ok := s.pages[rt]
	return page, ok
}
