package core

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

type BatchState string

const (
	BatchDispatching BatchState = "dispatching"
	BatchCollecting  BatchState = "collecting"
	BatchComposing   BatchState = "composing"
	BatchUploading   BatchState = "uploading"
	BatchDone        BatchState = "done"
	BatchFailed      BatchState = "failed"
)

var batchTransitions = map[BatchState][]BatchState{
	BatchDispatching: {BatchCollecting, BatchFailed},
	BatchCollecting:  {BatchComposing, BatchFailed},
	BatchComposing:   {BatchUploading, BatchDone, BatchFailed},
	BatchUploading:   {BatchDone, BatchFailed},
}

func (s BatchState) Terminal() bool {
	return s == BatchDone || s == BatchFailed
}

func (s BatchState) canMoveTo(next BatchState) bool {
	for _, allowed := range batchTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StateObserver is notified of every state a batch enters.
type StateObserver func(batchId uuid.UUID, state BatchState)

// batch tracks the forward-only state of one batch.
type batch struct {
	id       uuid.UUID
	size     int
	state    BatchState
	observer StateObserver
}

func newBatch(size int, observer StateObserver) *batch {
	b := &batch{id: uuid.New(), size: size, state: BatchDispatching, observer: observer}
	slog.Info("batch dispatching", "batch_id", b.id, "size", size)
	b.notify()
	return b
}

func (b *batch) advance(next BatchState) error {
	if !b.state.canMoveTo(next) {
		return fmt.Errorf("invalid batch state transition %s -> %s", b.state, next)
	}
	b.state = next

	switch next {
	case BatchCollecting:
		slog.Debug("batch collecting", "batch_id", b.id)
	default:
		slog.Info("batch state changed", "batch_id", b.id, "state", next)
	}
	b.notify()
	return nil
}

func (b *batch) fail(err error) {
	if b.state.Terminal() {
		return
	}
	from := b.state
	b.state = BatchFailed
	slog.Error("batch failed", "batch_id", b.id, "from", from, "error", err)
	b.notify()
}

func (b *batch) notify() {
	if b.observer != nil {
		b.observer(b.id, b.state)
	}
}
