package core

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateWorkItem(t *testing.T) {
	valid := func() *WorkItem {
		return &WorkItem{
			ID:       "doc-1",
			Stages:   []string{"A", "B", "C"},
			Current:  -1,
			Status:   StatusPending,
			Priority: PriorityNormal,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*WorkItem)
		wantErr error
	}{
		{
			name:    "valid item",
			mutate:  func(*WorkItem) {},
			wantErr: nil,
		},
		{
			name:    "empty id",
			mutate:  func(w *WorkItem) { w.ID = "  " },
			wantErr: ErrEmptyItemID,
		},
		{
			name:    "empty stages",
			mutate:  func(w *WorkItem) { w.Stages = nil },
			wantErr: ErrEmptyStageSequence,
		},
		{
			name:    "duplicate stage",
			mutate:  func(w *WorkItem) { w.Stages = []string{"A", "A"} },
			wantErr: ErrDuplicateStage,
		},
		{
			name:    "blank stage",
			mutate:  func(w *WorkItem) { w.Stages = []string{"A", ""} },
			wantErr: ErrEmptyStageName,
		},
		{
			name:    "bad priority",
			mutate:  func(w *WorkItem) { w.Priority = Priority(7) },
			wantErr: ErrInvalidPriority,
		},
		{
			name:    "bad status",
			mutate:  func(w *WorkItem) { w.Status = "done" },
			wantErr: ErrInvalidStatus,
		},
		{
			name:    "index past end",
			mutate:  func(w *WorkItem) { w.Current = 4 },
			wantErr: ErrInvalidWorkItem,
		},
		{
			name:    "finalized index",
			mutate:  func(w *WorkItem) { w.Current = 3; w.Status = StatusFinalized },
			wantErr: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := valid()
			tt.mutate(item)
			err := ValidateWorkItem(item)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateWorkItem() unexpected error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateWorkItem() error = %v, want %v", err, tt.wantErr)
			}
			if !errors.Is(err, ErrInvalidWorkItem) {
				t.Errorf("ValidateWorkItem() error = %v, should wrap ErrInvalidWorkItem", err)
			}
		})
	}

	if err := ValidateWorkItem(nil); !errors.Is(err, ErrInvalidWorkItem) {
		t.Errorf("ValidateWorkItem(nil) error = %v", err)
	}
}

func TestValidateItemID(t *testing.T) {
	if err := ValidateItemID("batch-7/doc 1"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateItemID("a:b"); err == nil {
		t.Error("expected error for reserved character")
	}
	if err := ValidateItemID(strings.Repeat("x", maxIDLength+1)); err == nil {
		t.Error("expected error for long id")
	}
}
