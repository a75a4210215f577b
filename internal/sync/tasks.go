package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/careops/worklist/internal/cache"
	"github.com/careops/worklist/pkg/fhirmodels"
)

// Task actions the dashboard offers. They ride the same optimistic
// update path as every other mutation, against the cached Task resource.

// Task statuses the dashboard transitions tasks into.
const (
	TaskStatusAccepted  = "accepted"
	TaskStatusRejected  = "rejected"
	TaskStatusCompleted = "completed"
)

// UpdateTaskStatus sets the task's status (approve, reject, complete)
// optimistically and reconciles with the upstream.
func (c *Coordinator) UpdateTaskStatus(ctx context.Context, taskID, status, reason string) error {
	return c.editTask(ctx, taskID, func(task fhirmodels.Resource) {
		task["status"] = status
		if reason != "" {
			task["statusReason"] = map[string]any{"text": reason}
		}
	})
}

// AddTaskNote appends an annotation to the task's note list.
func (c *Coordinator) AddTaskNote(ctx context.Context, taskID, author, text string) error {
	if text == "" {
		return fmt.Errorf("a note needs text")
	}
	return c.editTask(ctx, taskID, func(task fhirmodels.Resource) {
		note := map[string]any{
			"text": text,
			"time": time.Now().UTC().Format(time.RFC3339),
		}
		if author != "" {
			note["authorString"] = author
		}
		notes, _ := task["note"].([]any)
		task["note"] = append(notes, note)
	})
}

func (c *Coordinator) editTask(ctx context.Context, taskID string, edit func(fhirmodels.Resource)) error {
	key := cache.SaveKey("task", taskID)

	current := c.store.GetItem(cache.TypeTask, taskID)
	if current == nil {
		err := fmt.Errorf("task %s is not loaded", taskID)
		c.store.SetSaveState(key, cache.SaveState{Status: cache.SaveError, Message: err.Error()})
		return err
	}

	edited := current.Clone()
	edit(edited)

	return c.updateDocument(ctx, cache.TypeTask, key, edited)
}
