package api

import (
	"context"

	"github.com/poiesic/stagehand"
	"github.com/poiesic/stagehand/batch"
	"github.com/poiesic/stagehand/core"
	"github.com/poiesic/stagehand/events"
	"github.com/poiesic/stagehand/metrics"
	"github.com/poiesic/stagehand/orchestrator"
	"github.com/poiesic/stagehand/queue"
)

// Engine is the part of *stagehand.Engine the server exposes.
type Engine interface {
	SubmitItem(ctx context.Context, req stagehand.ItemRequest) (string, error)
	SubmitBatch(ctx context.Context, items []batch.ItemSpec, priority core.Priority) (string, error)
	ItemStatus(ctx context.Context, itemID string) (*orchestrator.Report, error)
	BatchProgress(ctx context.Context, batchID string) (*batch.Progress, error)
	AbortItem(ctx context.Context, itemID string) error
	AbortBatch(ctx context.Context, batchID string) (int, error)
	RestartItem(ctx context.Context, itemID string) error
	Events() *events.Bus
	Metrics() *metrics.Metrics
	Stats() []queue.LaneStats
}

var _ Engine = (*stagehand.Engine)(nil)

// ItemRequest is the body of POST /items and an element of a batch.
type ItemRequest struct {
	ItemID string   `json:"item_id,omitempty"`
	Type   string   `json:"type,omitempty"`
	Stages []string `json:"stages,omitempty"`
	// Priority is ignored inside a batch.
	Priority string `json:"priority,omitempty"`
	// Input is the payload handed to the first stage.
	Input string `json:"input,omitempty"`
}

// ItemResponse answers POST /items.
type ItemResponse struct {
	ItemID string `json:"item_id"`
}

// BatchRequest is the body of POST /batches.
type BatchRequest struct {
	Priority string        `json:"priority,omitempty"`
	Items    []ItemRequest `json:"items"`
}

// BatchResponse answers POST /batches.
type BatchResponse struct {
	BatchID string `json:"batch_id"`
}

// AbortBatchResponse answers POST /batches/{id}/abort.
type AbortBatchResponse struct {
	Aborted int `json:"aborted"`
}

type errorResponse struct {
	Error string `json:"error"`
}
