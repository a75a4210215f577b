package sync

import (
	"context"
	"fmt"
	"strings"
	gosync "sync"

	"github.com/google/uuid"

	"github.com/careops/worklist/internal/cache"
	"github.com/careops/worklist/internal/panel"
	"github.com/careops/worklist/pkg/fhirmodels"
)

// Column operations edit the column list embedded in a panel document.
// Remotely they are panel updates; locally each carries its own
// "column-<panelId>-<columnId>" save state so the dashboard can show
// per-column progress.

// AddColumn appends a column to the panel. A missing column id is
// assigned client-side so the save-state key is stable from the start.
func (c *Coordinator) AddColumn(ctx context.Context, panelID string, col panel.ColumnDef) error {
	if col.ID == "" {
		col.ID = uuid.NewString()
	}
	return c.mutatePanelColumns(ctx, panelID, col.ID, func(p panel.Panel) (panel.Panel, error) {
		return p.WithColumnAdded(col), nil
	})
}

// UpdateColumn replaces the column matching col.ID.
func (c *Coordinator) UpdateColumn(ctx context.Context, panelID string, col panel.ColumnDef) error {
	return c.mutatePanelColumns(ctx, panelID, col.ID, func(p panel.Panel) (panel.Panel, error) {
		return p.WithColumnUpdated(col)
	})
}

// DeleteColumn removes the named column.
func (c *Coordinator) DeleteColumn(ctx context.Context, panelID, columnID string) error {
	return c.mutatePanelColumns(ctx, panelID, columnID, func(p panel.Panel) (panel.Panel, error) {
		return p.WithColumnRemoved(columnID)
	})
}

func (c *Coordinator) mutatePanelColumns(ctx context.Context, panelID, columnID string, edit func(panel.Panel) (panel.Panel, error)) error {
	key := cache.SaveKey("column", panelID, columnID)
	c.store.SetSaveState(key, cache.SaveState{Status: cache.SaveSaving})

	editedDoc, prior, hadPrior, err := c.applyColumnEdit(panelID, columnID, edit)
	if err != nil {
		c.store.SetSaveState(key, cache.SaveState{Status: cache.SaveError, Message: err.Error()})
		return err
	}

	if _, err := c.api.Update(ctx, editedDoc); err != nil {
		c.revertColumnEdit(panelID, columnID, prior, hadPrior)
		c.store.SetSaveState(key, cache.SaveState{Status: cache.SaveError, Message: err.Error()})
		if c.metrics != nil {
			c.metrics.MutationFailed(key)
		}
		return err
	}

	// The cached document may already carry later edits from the same
	// batch; writing the server echo back would erase them, so the
	// optimistic edit stands as the committed state.
	c.store.SetSaveState(key, cache.SaveState{Status: cache.SaveSaved})
	return nil
}

// applyColumnEdit performs the read-modify-write of the panel document
// under colMu, so a concurrent batch cannot lose one edit under another.
// The remote call happens outside the lock: overlapping network round
// trips are the point of running batch operations concurrently. The prior
// state of the edited column is returned for a later surgical revert.
func (c *Coordinator) applyColumnEdit(panelID, columnID string, edit func(panel.Panel) (panel.Panel, error)) (fhirmodels.Resource, panel.ColumnDef, bool, error) {
	c.colMu.Lock()
	defer c.colMu.Unlock()

	doc := c.store.GetItem(cache.TypePanel, panelID)
	if doc == nil {
		return nil, panel.ColumnDef{}, false, fmt.Errorf("panel %s is not loaded", panelID)
	}

	current, err := panel.PanelFromResource(doc)
	if err != nil {
		return nil, panel.ColumnDef{}, false, err
	}

	var prior panel.ColumnDef
	hadPrior := false
	if i := current.FindColumn(columnID); i >= 0 {
		prior, hadPrior = current.Columns[i], true
	}

	edited, err := edit(current)
	if err != nil {
		return nil, panel.ColumnDef{}, false, err
	}
	editedDoc := edited.ToResource()
	c.store.SetItem(cache.TypePanel, editedDoc)
	return editedDoc, prior, hadPrior, nil
}

// revertColumnEdit undoes one failed column edit against the document's
// current state. Restoring a whole-document snapshot here would erase the
// edits concurrent batch operations applied since, so only the failed
// column is put back.
func (c *Coordinator) revertColumnEdit(panelID, columnID string, prior panel.ColumnDef, hadPrior bool) {
	c.colMu.Lock()
	defer c.colMu.Unlock()

	doc := c.store.GetItem(cache.TypePanel, panelID)
	if doc == nil {
		return
	}
	p, err := panel.PanelFromResource(doc)
	if err != nil {
		return
	}

	var reverted panel.Panel
	if hadPrior {
		if p.FindColumn(columnID) >= 0 {
			reverted, err = p.WithColumnUpdated(prior)
		} else {
			reverted = p.WithColumnAdded(prior)
		}
	} else {
		reverted, err = p.WithColumnRemoved(columnID)
	}
	if err != nil {
		return
	}
	c.store.SetItem(cache.TypePanel, reverted.ToResource())
}

// Column batch operations.
const (
	ColumnOpAdd    = "add"
	ColumnOpUpdate = "update"
	ColumnOpDelete = "delete"
)

// ColumnChange is one entry in a batch of suggested column edits.
type ColumnChange struct {
	Op     string          `json:"op"`
	Column panel.ColumnDef `json:"column"`
}

// ApplyColumnChanges runs a batch of column operations concurrently. Every
// operation runs to completion regardless of the others; successes stay
// committed, failures roll back individually, and a single aggregate error
// names each failed operation. A partial outcome is the contract, not a
// bug: callers must surface it.
func (c *Coordinator) ApplyColumnChanges(ctx context.Context, panelID string, changes []ColumnChange) error {
	if len(changes) == 0 {
		return nil
	}

	errs := make([]error, len(changes))
	var wg gosync.WaitGroup
	for i, change := range changes {
		wg.Add(1)
		go func(i int, change ColumnChange) {
			defer wg.Done()
			switch change.Op {
			case ColumnOpAdd:
				errs[i] = c.AddColumn(ctx, panelID, change.Column)
			case ColumnOpUpdate:
				errs[i] = c.UpdateColumn(ctx, panelID, change.Column)
			case ColumnOpDelete:
				errs[i] = c.DeleteColumn(ctx, panelID, change.Column.ID)
			default:
				errs[i] = fmt.Errorf("unknown column operation %q", change.Op)
			}
		}(i, change)
	}
	wg.Wait()

	var failed []string
	for i, err := range errs {
		if err != nil {
			failed = append(failed, fmt.Sprintf("operation %d (%s %s): %s", i+1, changes[i].Op, changes[i].Column.ID, err))
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d column operations failed: %s", len(failed), len(changes), strings.Join(failed, "; "))
}
