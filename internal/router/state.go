// ABOUTME: Watermark persistence: global and per-group message cursors
// ABOUTME: Persisted as router state rows so a restart resumes exactly where it stopped

package router

import (
	"context"
	"encoding/json"
	"fmt"
)

// loadAgentWatermarks reads the per-group cursor map from the store.
func (r *Router) loadAgentWatermarks(ctx context.Context) (map[string]string, error) {
	raw, err := r.store.GetRouterState(ctx, stateLastAgentTimestamp)
	if err != nil {
		return nil, fmt.Errorf("loading agent watermarks: %w", err)
	}
	marks := make(map[string]string)
	if raw == "" {
		return marks, nil
	}
	if err := json.Unmarshal([]byte(raw), &marks); err != nil {
		return nil, fmt.Errorf("decoding agent watermarks: %w", err)
	}
	return marks, nil
}

// saveWatermarks persists both cursors. Failures are logged, not
// fatal; a stale persisted cursor means at most a re-run on restart.
func (r *Router) saveWatermarks(ctx context.Context) {
	r.mu.Lock()
	last := r.lastTimestamp
	marks := make(map[string]string, len(r.lastAgentTimestamp))
	for jid, ts := range r.lastAgentTimestamp {
		marks[jid] = ts
	}
	r.mu.Unlock()

	if err := r.store.SetRouterState(ctx, stateLastTimestamp, last); err != nil {
		r.logger.Error("persisting global watermark", "error", err)
	}

	raw, err := json.Marshal(marks)
	if err != nil {
		r.logger.Error("encoding agent watermarks", "error", err)
		return
	}
	if err := r.store.SetRouterState(ctx, stateLastAgentTimestamp, string(raw)); err != nil {
		r.logger.Error("persisting agent watermarks", "error", err)
	}
}
