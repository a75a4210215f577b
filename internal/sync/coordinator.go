// Package sync orchestrates every write path into the resource cache: the
// initial bulk load and cursor pagination, optimistic local mutations
// reconciled against upstream responses (commit or rollback), and the live
// push feed. All writers funnel through cache.Store methods, so every
// consumer observes one consistent timeline.
package sync

import (
	"context"
	"fmt"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careops/worklist/internal/cache"
	"github.com/careops/worklist/internal/panel"
	"github.com/careops/worklist/internal/platform/fhirclient"
	"github.com/careops/worklist/internal/platform/metrics"
	"github.com/careops/worklist/pkg/fhirmodels"
)

// RemoteAPI is the upstream read/write surface the coordinator depends on.
// Implementations must return only reduced, human-readable errors.
type RemoteAPI interface {
	Search(ctx context.Context, resourceType string, opts fhirclient.SearchOptions) (fhirclient.SearchResult, error)
	Read(ctx context.Context, resourceType, id string) (fhirmodels.Resource, error)
	Create(ctx context.Context, resource fhirmodels.Resource) (fhirmodels.Resource, error)
	Update(ctx context.Context, resource fhirmodels.Resource) (fhirmodels.Resource, error)
	Delete(ctx context.Context, resourceType, id string) error
}

const defaultPageSize = 1000

// Coordinator owns all mutation paths into the store. It tries each remote
// call exactly once: reconcile state, report the outcome, never retry on
// its own. Retry is the caller re-invoking the same operation.
type Coordinator struct {
	api      RemoteAPI
	store    *cache.Store
	log      zerolog.Logger
	pageSize int
	metrics  *metrics.Sync

	mu        gosync.Mutex
	loading   map[cache.ResourceType]bool
	fetchErrs map[cache.ResourceType]string

	// colMu serializes the read-modify-write edits of panel documents, so
	// a concurrent batch cannot lose one add under another. The lock is
	// never held across a remote call; batch operations overlap their
	// network round trips and report independently.
	colMu gosync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPageSize overrides the default search page size.
func WithPageSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithMetrics attaches sync metrics.
func WithMetrics(m *metrics.Sync) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func NewCoordinator(api RemoteAPI, store *cache.Store, log zerolog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		api:       api,
		store:     store,
		log:       log,
		pageSize:  defaultPageSize,
		loading:   make(map[cache.ResourceType]bool),
		fetchErrs: make(map[cache.ResourceType]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collection is the read surface consumers poll after each bus
// notification: current data, whether a fetch is in flight, and the last
// fetch error alongside whatever stale data survived it.
type Collection struct {
	Data      []fhirmodels.Resource `json:"data"`
	IsLoading bool                  `json:"isLoading"`
	Error     string                `json:"error,omitempty"`
}

// Collection returns the current state of one resource collection.
func (c *Coordinator) Collection(rt cache.ResourceType) Collection {
	c.mu.Lock()
	loading := c.loading[rt]
	errMsg := c.fetchErrs[rt]
	c.mu.Unlock()

	return Collection{
		Data:      c.store.GetData(rt),
		IsLoading: loading,
		Error:     errMsg,
	}
}

// LoadAll performs the initial bulk load of every upstream-fed type plus
// the panel and view definitions. Types load concurrently; a failure on one
// never blocks the others, and each failed type keeps its prior cached data
// with an error string recorded beside it.
func (c *Coordinator) LoadAll(ctx context.Context) error {
	types := append(cache.FHIRTypes(), cache.TypePanel, cache.TypeView)

	var wg gosync.WaitGroup
	errs := make([]error, len(types))
	for i, rt := range types {
		wg.Add(1)
		go func(i int, rt cache.ResourceType) {
			defer wg.Done()
			errs[i] = c.loadPage(ctx, rt, true)
		}(i, rt)
	}
	wg.Wait()

	var failed []string
	for i, err := range errs {
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %s", types[i], err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("initial load incomplete: %s", strings.Join(failed, "; "))
	}
	return nil
}

// Reload re-runs the initial bulk load for a single type.
func (c *Coordinator) Reload(ctx context.Context, rt cache.ResourceType) error {
	return c.loadPage(ctx, rt, true)
}

// LoadMore fetches the next page for rt using the stored cursor. It is a
// no-op once pagination reports no more data.
func (c *Coordinator) LoadMore(ctx context.Context, rt cache.ResourceType) error {
	if page, ok := c.store.Pagination(rt); ok && !page.HasMore {
		return nil
	}
	return c.loadPage(ctx, rt, false)
}

func (c *Coordinator) loadPage(ctx context.Context, rt cache.ResourceType, replace bool) error {
	c.setLoading(rt, true)
	defer c.setLoading(rt, false)

	opts := fhirclient.SearchOptions{
		Count: c.pageSize,
		Sort:  "-_lastUpdated",
	}
	if !replace {
		if page, ok := c.store.Pagination(rt); ok {
			opts.LastUpdatedBefore = page.NextCursor
		}
	}

	start := time.Now()
	result, err := c.api.Search(ctx, string(rt), opts)
	if c.metrics != nil {
		c.metrics.ObserveFetch(string(rt), time.Since(start), err == nil)
	}
	if err != nil {
		// Prior cached data stays in place; the error rides alongside it.
		c.setFetchErr(rt, err.Error())
		c.log.Error().Err(err).Str("resource_type", string(rt)).Msg("sync: fetch failed")
		return err
	}
	c.setFetchErr(rt, "")

	if replace {
		c.store.SetData(rt, result.Entries)
	} else {
		c.store.UpdateData(rt, result.Entries)
	}

	cursor := oldestLastUpdated(result.Entries)
	// A full page means more data may exist; a short page means the end.
	// Heuristic only, the upstream makes no such promise.
	hasMore := len(result.Entries) == c.pageSize
	if cursor == "" {
		// No entry carried a usable timestamp, so there is no cursor to
		// advance; another fetch would replay the same page forever.
		hasMore = false
	}
	c.store.UpdatePagination(rt, cache.PageState{
		NextCursor: cursor,
		HasMore:    hasMore,
	})
	return nil
}

// oldestLastUpdated extracts the cursor for the next page: with descending
// -_lastUpdated ordering the oldest timestamp in the page is the last one
// seen. Returns "" when no entry carries a usable timestamp.
func oldestLastUpdated(entries []fhirmodels.Resource) string {
	var oldest time.Time
	found := false
	for _, e := range entries {
		ts, ok := e.LastUpdated()
		if !ok {
			continue
		}
		if !found || ts.Before(oldest) {
			oldest = ts
			found = true
		}
	}
	if !found {
		return ""
	}
	return oldest.UTC().Format(time.RFC3339Nano)
}

func (c *Coordinator) setLoading(rt cache.ResourceType, v bool) {
	c.mu.Lock()
	c.loading[rt] = v
	c.mu.Unlock()
	// Loading toggles do not mutate the store, so fire the bus directly:
	// consumers rendering spinners need the re-check signal.
	c.store.Bus().Notify()
}

func (c *Coordinator) setFetchErr(rt cache.ResourceType, msg string) {
	c.mu.Lock()
	if msg == "" {
		delete(c.fetchErrs, rt)
	} else {
		c.fetchErrs[rt] = msg
	}
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// mutation is one generic optimistic write: apply locally, call upstream
// once, then commit the canonical response or roll the optimism back.
type mutation struct {
	key      string
	apply    func()
	rollback func()
	call     func(ctx context.Context) (fhirmodels.Resource, error)
	commit   func(fhirmodels.Resource)
}

func (c *Coordinator) run(ctx context.Context, m mutation) error {
	c.store.SetSaveState(m.key, cache.SaveState{Status: cache.SaveSaving})
	if m.apply != nil {
		m.apply()
	}

	result, err := m.call(ctx)
	if err != nil {
		if m.rollback != nil {
			m.rollback()
		}
		c.store.SetSaveState(m.key, cache.SaveState{Status: cache.SaveError, Message: err.Error()})
		if c.metrics != nil {
			c.metrics.MutationFailed(m.key)
		}
		return err
	}

	// The remote call is never aborted mid-flight; a caller that went away
	// is detected here, before committing, and the optimistic value stands.
	if ctx.Err() == nil && m.commit != nil {
		m.commit(result)
	}
	c.store.SetSaveState(m.key, cache.SaveState{Status: cache.SaveSaved})
	return nil
}

// -- Panels --

// CreatePanel creates a panel upstream and commits the canonical document.
// A client-side id is assigned first so the save state has a stable key.
func (c *Coordinator) CreatePanel(ctx context.Context, p panel.Panel) (panel.Panel, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	var created panel.Panel
	err := c.run(ctx, mutation{
		key: cache.SaveKey("panel", p.ID),
		call: func(ctx context.Context) (fhirmodels.Resource, error) {
			return c.api.Create(ctx, p.ToResource())
		},
		commit: func(r fhirmodels.Resource) {
			c.store.SetItem(cache.TypePanel, r)
			created, _ = panel.PanelFromResource(r)
		},
	})
	return created, err
}

// UpdatePanel applies the update optimistically, then reconciles against
// the upstream response or rolls back to the pre-mutation snapshot.
func (c *Coordinator) UpdatePanel(ctx context.Context, p panel.Panel) error {
	return c.updateDocument(ctx, cache.TypePanel, cache.SaveKey("panel", p.ID), p.ToResource())
}

// DeletePanel removes the panel optimistically and re-inserts the snapshot
// if the upstream delete fails.
func (c *Coordinator) DeletePanel(ctx context.Context, id string) error {
	return c.deleteDocument(ctx, cache.TypePanel, cache.SaveKey("panel", id), id)
}

// -- Views --

// CreateView creates a saved view upstream and commits the canonical
// document.
func (c *Coordinator) CreateView(ctx context.Context, v panel.View) (panel.View, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	var created panel.View
	err := c.run(ctx, mutation{
		key: cache.SaveKey("view", v.ID),
		call: func(ctx context.Context) (fhirmodels.Resource, error) {
			return c.api.Create(ctx, v.ToResource())
		},
		commit: func(r fhirmodels.Resource) {
			c.store.SetItem(cache.TypeView, r)
			created, _ = panel.ViewFromResource(r)
		},
	})
	return created, err
}

// UpdateView applies the update optimistically with rollback on failure.
func (c *Coordinator) UpdateView(ctx context.Context, v panel.View) error {
	return c.updateDocument(ctx, cache.TypeView, cache.SaveKey("view", v.ID), v.ToResource())
}

// DeleteView removes the view optimistically with rollback on failure.
func (c *Coordinator) DeleteView(ctx context.Context, id string) error {
	return c.deleteDocument(ctx, cache.TypeView, cache.SaveKey("view", id), id)
}

// -- Generic document paths --

func (c *Coordinator) updateDocument(ctx context.Context, rt cache.ResourceType, key string, doc fhirmodels.Resource) error {
	id := doc.ID()
	if id == "" {
		return fmt.Errorf("cannot update a %s without an id", strings.ToLower(string(rt)))
	}

	var snapshot fhirmodels.Resource
	if prev := c.store.GetItem(rt, id); prev != nil {
		snapshot = prev.Clone()
	}

	return c.run(ctx, mutation{
		key:   key,
		apply: func() { c.store.SetItem(rt, doc) },
		rollback: func() {
			if snapshot != nil {
				c.store.SetItem(rt, snapshot)
			} else {
				c.store.RemoveItem(rt, id)
			}
		},
		call: func(ctx context.Context) (fhirmodels.Resource, error) {
			return c.api.Update(ctx, doc)
		},
		commit: func(r fhirmodels.Resource) { c.store.SetItem(rt, r) },
	})
}

func (c *Coordinator) deleteDocument(ctx context.Context, rt cache.ResourceType, key, id string) error {
	var snapshot fhirmodels.Resource
	if prev := c.store.GetItem(rt, id); prev != nil {
		snapshot = prev.Clone()
	}

	return c.run(ctx, mutation{
		key:   key,
		apply: func() { c.store.RemoveItem(rt, id) },
		rollback: func() {
			if snapshot != nil {
				c.store.SetItem(rt, snapshot)
			}
		},
		call: func(ctx context.Context) (fhirmodels.Resource, error) {
			return nil, c.api.Delete(ctx, string(rt), id)
		},
	})
}

// -- Reads over cached definitions --

// Panels decodes all cached panel documents. Undecodable documents are
// skipped with a warning rather than poisoning the whole list.
func (c *Coordinator) Panels() []panel.Panel {
	docs := c.store.GetData(cache.TypePanel)
	out := make([]panel.Panel, 0, len(docs))
	for _, doc := range docs {
		p, err := panel.PanelFromResource(doc)
		if err != nil {
			c.log.Warn().Err(err).Str("id", doc.ID()).Msg("sync: skipping bad panel document")
			continue
		}
		out = append(out, p)
	}
	return out
}

// Panel returns one cached panel by id.
func (c *Coordinator) Panel(id string) (panel.Panel, bool) {
	doc := c.store.GetItem(cache.TypePanel, id)
	if doc == nil {
		return panel.Panel{}, false
	}
	p, err := panel.PanelFromResource(doc)
	if err != nil {
		return panel.Panel{}, false
	}
	return p, true
}

// Views decodes the cached views belonging to panelID ("" for all).
func (c *Coordinator) Views(panelID string) []panel.View {
	docs := c.store.GetData(cache.TypeView)
	out := make([]panel.View, 0, len(docs))
	for _, doc := range docs {
		v, err := panel.ViewFromResource(doc)
		if err != nil {
			c.log.Warn().Err(err).Str("id", doc.ID()).Msg("sync: skipping bad view document")
			continue
		}
		if panelID == "" || v.PanelID == panelID {
			out = append(out, v)
		}
	}
	return out
}
