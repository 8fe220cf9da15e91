// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package weaviate

import (
	"log/slog"
	"sync/atomic"
)

// Mode is the search backend's operating mode as seen by the catalog.
type Mode int32

const (
	// ModeNormal serves searches from Weaviate.
	ModeNormal Mode = iota
	// ModeDegraded serves searches from the primary store fallback.
	ModeDegraded
	// ModeDisabled was switched off by an operator.
	ModeDisabled
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeDegraded:
		return "degraded"
	case ModeDisabled:
		return "disabled"
	}
	return "unknown"
}

// Listener is told when Weaviate availability changes.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Listener interface {
	// OnDegraded is called when Weaviate stops accepting requests.
	OnDegraded(reason string)

	// OnRecovered is called when Weaviate accepts requests again.
	OnRecovered()
}

// SearchHealth tracks whether catalog searches should reach Weaviate.
//
// Description:
//
//	Subscribed to a Client, it mirrors the client's availability into a
//	Mode and reports transitions to an optional observer (the coordinator
//	uses it for a gauge). An operator can pin it to ModeDisabled, after
//	which recoveries are ignored.
//
// Thread Safety: Safe for concurrent use.
type SearchHealth struct {
	mode     atomic.Int32
	logger   *slog.Logger
	observer func(Mode)
}

// NewSearchHealth creates a tracker in ModeNormal. observer may be nil.
func NewSearchHealth(logger *slog.Logger, observer func(Mode)) *SearchHealth {
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchHealth{
		logger:   logger.With(slog.String("component", "search_health")),
		observer: observer,
	}
}

// OnDegraded switches to the fallback unless disabled.
func (h *SearchHealth) OnDegraded(reason string) {
	if !h.mode.CompareAndSwap(int32(ModeNormal), int32(ModeDegraded)) {
		return
	}
	h.logger.Warn("search degraded to primary store fallback", slog.String("reason", reason))
	h.notify(ModeDegraded)
}

// OnRecovered returns to Weaviate unless disabled.
func (h *SearchHealth) OnRecovered() {
	if !h.mode.CompareAndSwap(int32(ModeDegraded), int32(ModeNormal)) {
		return
	}
	h.logger.Info("search restored to weaviate")
	h.notify(ModeNormal)
}

// Disable pins the tracker to ModeDisabled.
func (h *SearchHealth) Disable() {
	if Mode(h.mode.Swap(int32(ModeDisabled))) == ModeDisabled {
		return
	}
	h.logger.Warn("weaviate search disabled by operator")
	h.notify(ModeDisabled)
}

// Mode returns the current mode.
func (h *SearchHealth) Mode() Mode {
	return Mode(h.mode.Load())
}

// Normal reports whether searches should go to Weaviate.
func (h *SearchHealth) Normal() bool {
	return h.Mode() == ModeNormal
}

func (h *SearchHealth) notify(m Mode) {
	if h.observer != nil {
		h.observer(m)
	}
}
