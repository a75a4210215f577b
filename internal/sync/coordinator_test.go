package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/careops/worklist/internal/cache"
	"github.com/careops/worklist/internal/panel"
	"github.com/careops/worklist/internal/platform/fhirclient"
	"github.com/careops/worklist/pkg/fhirmodels"
)

// fakeAPI implements RemoteAPI over an in-memory dataset with a real
// lt-cursor search, plus per-call failure injection.
type fakeAPI struct {
	mu      gosync.Mutex
	dataset map[string][]fhirmodels.Resource // resourceType -> resources

	failSearch error
	failCreate error
	failDelete error
	// failUpdateWhen fails Update for resources the predicate matches.
	failUpdateWhen func(fhirmodels.Resource) error
	// onUpdate runs at the top of every Update call, outside the dataset
	// lock, so tests can observe in-flight calls.
	onUpdate func()

	updates []fhirmodels.Resource
	deletes []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{dataset: make(map[string][]fhirmodels.Resource)}
}

func (f *fakeAPI) Search(_ context.Context, resourceType string, opts fhirclient.SearchOptions) (fhirclient.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSearch != nil {
		return fhirclient.SearchResult{}, f.failSearch
	}

	items := append([]fhirmodels.Resource{}, f.dataset[resourceType]...)
	sort.Slice(items, func(i, j int) bool {
		ti, _ := items[i].LastUpdated()
		tj, _ := items[j].LastUpdated()
		return tj.Before(ti) // descending
	})

	if opts.LastUpdatedBefore != "" {
		cutoff, err := time.Parse(time.RFC3339Nano, opts.LastUpdatedBefore)
		if err != nil {
			return fhirclient.SearchResult{}, fmt.Errorf("bad cursor")
		}
		filtered := items[:0]
		for _, item := range items {
			if ts, ok := item.LastUpdated(); ok && ts.Before(cutoff) {
				filtered = append(filtered, item)
			}
		}
		items = filtered
	}

	if opts.Count > 0 && len(items) > opts.Count {
		items = items[:opts.Count]
	}
	return fhirclient.SearchResult{Entries: items, Total: len(items)}, nil
}

func (f *fakeAPI) Read(_ context.Context, resourceType, id string) (fhirmodels.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range f.dataset[resourceType] {
		if item.ID() == id {
			return item, nil
		}
	}
	return nil, errors.New("resource not found on upstream")
}

func (f *fakeAPI) Create(_ context.Context, resource fhirmodels.Resource) (fhirmodels.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		return nil, f.failCreate
	}
	out := resource.Clone()
	if out.ID() == "" {
		out.SetID(fmt.Sprintf("server-%d", len(f.dataset[resource.ResourceType()])+1))
	}
	out["meta"] = map[string]any{"versionId": "1"}
	f.dataset[resource.ResourceType()] = append(f.dataset[resource.ResourceType()], out)
	return out, nil
}

func (f *fakeAPI) Update(_ context.Context, resource fhirmodels.Resource) (fhirmodels.Resource, error) {
	if f.onUpdate != nil {
		f.onUpdate()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdateWhen != nil {
		if err := f.failUpdateWhen(resource); err != nil {
			return nil, err
		}
	}
	out := resource.Clone()
	f.updates = append(f.updates, out)
	return out, nil
}

func (f *fakeAPI) Delete(_ context.Context, resourceType, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete != nil {
		return f.failDelete
	}
	f.deletes = append(f.deletes, resourceType+"/"+id)
	return nil
}

func newTestCoordinator(api RemoteAPI, opts ...Option) (*Coordinator, *cache.Store) {
	store := cache.NewStore(zerolog.Nop())
	return NewCoordinator(api, store, zerolog.Nop(), opts...), store
}

func stamped(resourceType, id string, ts time.Time) fhirmodels.Resource {
	return fhirmodels.Resource{
		"resourceType": resourceType,
		"id":           id,
		"meta":         map[string]any{"lastUpdated": ts.UTC().Format(time.RFC3339Nano)},
	}
}

func marshalEqual(t *testing.T, a, b fhirmodels.Resource) bool {
	t.Helper()
	ab, err := json.Marshal(a)
	if err != nil {
		t.Fatal(err)
	}
	bb, err := json.Marshal(b)
	if err != nil {
		t.Fatal(err)
	}
	return bytes.Equal(ab, bb)
}

func TestPaginationTermination(t *testing.T) {
	api := newFakeAPI()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		api.dataset["Task"] = append(api.dataset["Task"],
			stamped("Task", fmt.Sprintf("t%d", i+1), base.Add(-time.Duration(i)*time.Minute)))
	}

	c, store := newTestCoordinator(api, WithPageSize(2))
	ctx := context.Background()

	var hasMore []bool
	for i := 0; i < 3; i++ {
		var err error
		if i == 0 {
			err = c.Reload(ctx, cache.TypeTask)
		} else {
			err = c.LoadMore(ctx, cache.TypeTask)
		}
		if err != nil {
			t.Fatalf("page %d: %v", i+1, err)
		}
		page, ok := store.Pagination(cache.TypeTask)
		if !ok {
			t.Fatalf("page %d: no pagination state", i+1)
		}
		hasMore = append(hasMore, page.HasMore)
	}

	want := []bool{true, true, false}
	for i := range want {
		if hasMore[i] != want[i] {
			t.Errorf("hasMore after page %d = %v, want %v", i+1, hasMore[i], want[i])
		}
	}

	// Union is the full dataset with no duplicates.
	if store.Count(cache.TypeTask) != 5 {
		t.Errorf("expected 5 unique tasks, got %d", store.Count(cache.TypeTask))
	}

	// A further LoadMore is a no-op once exhausted.
	if err := c.LoadMore(ctx, cache.TypeTask); err != nil {
		t.Errorf("LoadMore after exhaustion: %v", err)
	}
}

func TestFetchFailureKeepsStaleData(t *testing.T) {
	api := newFakeAPI()
	api.dataset["Patient"] = []fhirmodels.Resource{stamped("Patient", "p1", time.Now())}

	c, store := newTestCoordinator(api)
	ctx := context.Background()

	if err := c.Reload(ctx, cache.TypePatient); err != nil {
		t.Fatal(err)
	}

	api.mu.Lock()
	api.failSearch = errors.New("upstream is unreachable")
	api.mu.Unlock()

	if err := c.Reload(ctx, cache.TypePatient); err == nil {
		t.Fatal("expected fetch error")
	}

	col := c.Collection(cache.TypePatient)
	if len(col.Data) != 1 {
		t.Errorf("stale data dropped: %d records", len(col.Data))
	}
	if col.Error != "upstream is unreachable" {
		t.Errorf("error = %q", col.Error)
	}
	if store.Count(cache.TypePatient) != 1 {
		t.Errorf("store lost cached data")
	}
}

func TestUpdatePanelOptimisticThenCanonical(t *testing.T) {
	api := newFakeAPI()
	c, store := newTestCoordinator(api)

	store.SetData(cache.TypePanel, []fhirmodels.Resource{
		panel.Panel{ID: "p1", Name: "Old", Collection: "tasks"}.ToResource(),
	})

	var sawOptimistic bool
	api.failUpdateWhen = func(fhirmodels.Resource) error {
		// By the time the remote call runs, the local cache must already
		// reflect the change.
		if doc := store.GetItem(cache.TypePanel, "p1"); doc != nil && doc["name"] == "New" {
			sawOptimistic = true
		}
		return nil
	}

	err := c.UpdatePanel(context.Background(), panel.Panel{ID: "p1", Name: "New", Collection: "tasks"})
	if err != nil {
		t.Fatal(err)
	}
	if !sawOptimistic {
		t.Error("update was not applied optimistically before the remote call")
	}

	state, _ := store.GetSaveState("panel-p1")
	if state.Status != cache.SaveSaved {
		t.Errorf("save state = %+v", state)
	}
}

func TestUpdateRollbackOnRemoteFailure(t *testing.T) {
	api := newFakeAPI()
	c, store := newTestCoordinator(api)

	original := panel.Panel{ID: "p1", Name: "Original", Collection: "tasks",
		Columns: []panel.ColumnDef{{ID: "c1", Key: "status", Title: "Status", Type: panel.ColumnTypeSelect}},
	}.ToResource()
	store.SetData(cache.TypePanel, []fhirmodels.Resource{original})
	snapshot := original.Clone()

	api.failUpdateWhen = func(fhirmodels.Resource) error {
		return errors.New("upstream rejected the request: not authorized")
	}

	err := c.UpdatePanel(context.Background(), panel.Panel{ID: "p1", Name: "Broken", Collection: "tasks"})
	if err == nil {
		t.Fatal("expected error")
	}

	after := store.GetItem(cache.TypePanel, "p1")
	if !marshalEqual(t, snapshot, after) {
		t.Errorf("rollback mismatch:\n before=%v\n after=%v", snapshot, after)
	}

	state, _ := store.GetSaveState("panel-p1")
	if state.Status != cache.SaveError {
		t.Errorf("save state = %+v, want error", state)
	}
	if state.Message != "upstream rejected the request: not authorized" {
		t.Errorf("save state message = %q", state.Message)
	}
}

func TestDeleteRollbackReinsertsSnapshot(t *testing.T) {
	api := newFakeAPI()
	api.failDelete = errors.New("upstream request failed (HTTP 500)")
	c, store := newTestCoordinator(api)

	doc := panel.View{ID: "v1", PanelID: "p1", Name: "Mine"}.ToResource()
	store.SetData(cache.TypeView, []fhirmodels.Resource{doc})

	if err := c.DeleteView(context.Background(), "v1"); err == nil {
		t.Fatal("expected error")
	}

	if store.GetItem(cache.TypeView, "v1") == nil {
		t.Error("failed delete must re-insert the snapshot")
	}
	state, _ := store.GetSaveState("view-v1")
	if state.Status != cache.SaveError {
		t.Errorf("save state = %+v", state)
	}
}

func TestDeleteCommitsOnSuccess(t *testing.T) {
	api := newFakeAPI()
	c, store := newTestCoordinator(api)

	store.SetData(cache.TypePanel, []fhirmodels.Resource{
		panel.Panel{ID: "p1", Name: "X", Collection: "tasks"}.ToResource(),
	})

	if err := c.DeletePanel(context.Background(), "p1"); err != nil {
		t.Fatal(err)
	}
	if store.GetItem(cache.TypePanel, "p1") != nil {
		t.Error("panel still cached after delete")
	}
	if len(api.deletes) != 1 || api.deletes[0] != "Panel/p1" {
		t.Errorf("deletes = %v", api.deletes)
	}
}

func TestCreatePanelCommitsCanonicalRecord(t *testing.T) {
	api := newFakeAPI()
	c, store := newTestCoordinator(api)

	created, err := c.CreatePanel(context.Background(), panel.Panel{Name: "New Panel", Collection: "patients"})
	if err != nil {
		t.Fatal(err)
	}
	if created.ID == "" {
		t.Fatal("created panel has no id")
	}
	if store.GetItem(cache.TypePanel, created.ID) == nil {
		t.Error("canonical record not cached")
	}
}

func TestCreateFailureWritesNothing(t *testing.T) {
	api := newFakeAPI()
	api.failCreate = errors.New("upstream rejected the request: not authorized")
	c, store := newTestCoordinator(api)

	_, err := c.CreateView(context.Background(), panel.View{PanelID: "p1", Name: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if store.Count(cache.TypeView) != 0 {
		t.Error("failed create must not write to the store")
	}
}

func TestApplyColumnChangesPartialFailure(t *testing.T) {
	api := newFakeAPI()
	c, store := newTestCoordinator(api)

	store.SetData(cache.TypePanel, []fhirmodels.Resource{
		panel.Panel{ID: "p1", Name: "Tasks", Collection: "tasks"}.ToResource(),
	})

	// Fail any panel update that would introduce the "doomed" column.
	api.failUpdateWhen = func(r fhirmodels.Resource) error {
		p, err := panel.PanelFromResource(r)
		if err != nil {
			return nil
		}
		if p.FindColumn("doomed") >= 0 {
			return errors.New("column type is not supported")
		}
		return nil
	}

	changes := []ColumnChange{
		{Op: ColumnOpAdd, Column: panel.ColumnDef{ID: "c1", Key: "status", Title: "Status", Type: panel.ColumnTypeSelect}},
		{Op: ColumnOpAdd, Column: panel.ColumnDef{ID: "doomed", Key: "x", Title: "Doomed", Type: "hologram"}},
		{Op: ColumnOpAdd, Column: panel.ColumnDef{ID: "c3", Key: "priority", Title: "Priority", Type: panel.ColumnTypeString}},
	}

	err := c.ApplyColumnChanges(context.Background(), "p1", changes)
	if err == nil {
		t.Fatal("expected aggregate error")
	}
	if !strings.Contains(err.Error(), "operation 2") {
		t.Errorf("aggregate error does not name operation 2: %q", err)
	}
	if !strings.Contains(err.Error(), "1 of 3") {
		t.Errorf("aggregate error does not report counts: %q", err)
	}

	got, ok := c.Panel("p1")
	if !ok {
		t.Fatal("panel missing")
	}
	if got.FindColumn("c1") < 0 || got.FindColumn("c3") < 0 {
		t.Errorf("successful operations not committed: %+v", got.Columns)
	}
	if got.FindColumn("doomed") >= 0 {
		t.Errorf("failed operation's effect present: %+v", got.Columns)
	}

	if state, _ := store.GetSaveState("column-p1-doomed"); state.Status != cache.SaveError {
		t.Errorf("doomed column save state = %+v", state)
	}
	if state, _ := store.GetSaveState("column-p1-c1"); state.Status != cache.SaveSaved {
		t.Errorf("c1 save state = %+v", state)
	}
}

func TestColumnBatchOverlapsRemoteCalls(t *testing.T) {
	api := newFakeAPI()
	c, store := newTestCoordinator(api)

	store.SetData(cache.TypePanel, []fhirmodels.Resource{
		panel.Panel{ID: "p1", Name: "Tasks", Collection: "tasks"}.ToResource(),
	})

	// Each remote update parks until all three have arrived. If the batch
	// serialized its network calls, the first one would never be released.
	arrived := make(chan struct{}, 3)
	release := make(chan struct{})
	api.onUpdate = func() {
		arrived <- struct{}{}
		<-release
	}

	changes := []ColumnChange{
		{Op: ColumnOpAdd, Column: panel.ColumnDef{ID: "c1", Key: "status", Title: "Status", Type: panel.ColumnTypeString}},
		{Op: ColumnOpAdd, Column: panel.ColumnDef{ID: "c2", Key: "priority", Title: "Priority", Type: panel.ColumnTypeString}},
		{Op: ColumnOpAdd, Column: panel.ColumnDef{ID: "c3", Key: "due", Title: "Due", Type: panel.ColumnTypeDate}},
	}

	done := make(chan error, 1)
	go func() {
		done <- c.ApplyColumnChanges(context.Background(), "p1", changes)
	}()

	for i := 0; i < len(changes); i++ {
		select {
		case <-arrived:
		case <-time.After(2 * time.Second):
			close(release)
			t.Fatalf("only %d of %d remote calls in flight, batch is serialized", i, len(changes))
		}
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("batch failed: %v", err)
	}

	got, ok := c.Panel("p1")
	if !ok {
		t.Fatal("panel missing")
	}
	for _, id := range []string{"c1", "c2", "c3"} {
		if got.FindColumn(id) < 0 {
			t.Errorf("column %s missing after batch: %+v", id, got.Columns)
		}
	}
}

func TestPaginationStopsWithoutTimestamps(t *testing.T) {
	api := newFakeAPI()
	for i := 0; i < 4; i++ {
		api.dataset["Task"] = append(api.dataset["Task"], fhirmodels.Resource{
			"resourceType": "Task",
			"id":           fmt.Sprintf("t%d", i),
			"status":       "requested",
		})
	}
	c, store := newTestCoordinator(api, WithPageSize(2))
	ctx := context.Background()

	if err := c.Reload(ctx, cache.TypeTask); err != nil {
		t.Fatalf("reload: %v", err)
	}

	page, ok := store.Pagination(cache.TypeTask)
	if !ok {
		t.Fatal("no pagination state recorded")
	}
	// A full page without a single usable lastUpdated has no cursor to
	// advance; paging must stop instead of replaying page one.
	if page.HasMore {
		t.Fatalf("hasMore = true with empty cursor %q", page.NextCursor)
	}

	before := store.Count(cache.TypeTask)
	if err := c.LoadMore(ctx, cache.TypeTask); err != nil {
		t.Fatalf("load more: %v", err)
	}
	if got := store.Count(cache.TypeTask); got != before {
		t.Fatalf("load more fetched again: %d -> %d items", before, got)
	}
}

func TestUpdateTaskStatusOptimistic(t *testing.T) {
	api := newFakeAPI()
	c, store := newTestCoordinator(api)

	store.SetData(cache.TypeTask, []fhirmodels.Resource{{
		"resourceType": "Task",
		"id":           "t1",
		"status":       "requested",
	}})

	if err := c.UpdateTaskStatus(context.Background(), "t1", TaskStatusAccepted, ""); err != nil {
		t.Fatal(err)
	}

	task := store.GetItem(cache.TypeTask, "t1")
	if task["status"] != TaskStatusAccepted {
		t.Errorf("status = %v", task["status"])
	}
	if state, _ := store.GetSaveState("task-t1"); state.Status != cache.SaveSaved {
		t.Errorf("save state = %+v", state)
	}
}

func TestAddTaskNoteAppends(t *testing.T) {
	api := newFakeAPI()
	c, store := newTestCoordinator(api)

	store.SetData(cache.TypeTask, []fhirmodels.Resource{{
		"resourceType": "Task",
		"id":           "t1",
		"status":       "requested",
		"note":         []any{map[string]any{"text": "first"}},
	}})

	if err := c.AddTaskNote(context.Background(), "t1", "Dr. Hibbert", "second"); err != nil {
		t.Fatal(err)
	}

	task := store.GetItem(cache.TypeTask, "t1")
	notes, _ := task["note"].([]any)
	if len(notes) != 2 {
		t.Fatalf("expected 2 notes, got %d", len(notes))
	}
}

func TestMutatingUnloadedDocumentFails(t *testing.T) {
	api := newFakeAPI()
	c, _ := newTestCoordinator(api)

	if err := c.UpdateTaskStatus(context.Background(), "ghost", TaskStatusAccepted, ""); err == nil {
		t.Error("expected error for unloaded task")
	}
	if err := c.AddColumn(context.Background(), "ghost", panel.ColumnDef{ID: "c"}); err == nil {
		t.Error("expected error for unloaded panel")
	}
}
