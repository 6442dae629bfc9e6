package scoring

import (
	"errors"
	"sync/atomic"
)

// ErrNoModel is returned when scoring is attempted before a model was installed.
var ErrNoModel = errors.New("no scoring model installed")

// ModelHandle holds the current model. Readers take one snapshot per scoring call, so a swap
// never changes the model underneath a batch that is already running.
type ModelHandle struct {
	current atomic.Pointer[modelRef]
}

type modelRef struct {
	model Model
}

// NewModelHandle creates a handle, optionally with an initial model.
func NewModelHandle(initial Model) *ModelHandle {
	h := &ModelHandle{}
	if initial != nil {
		h.Swap(initial)
	}
	return h
}

// Current returns the installed model or nil.
func (h *ModelHandle) Current() Model {
	ref := h.current.Load()
	if ref == nil {
		return nil
	}
	return ref.model
}

// Swap installs m and returns the previous model.
func (h *ModelHandle) Swap(m Model) Model {
	prev := h.current.Swap(&modelRef{model: m})
	if prev == nil {
		return nil
	}
	return prev.model
}
