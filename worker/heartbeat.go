package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/itskum47/MechForge/pkg/logger"
	"github.com/itskum47/MechForge/rotation"
)

const heartbeatInterval = 15 * time.Second

// workerStatus is what the worker reports to the supervisor's status
// endpoint, surfaced on the liveness payload.
type workerStatus struct {
	WorkerID      string `json:"worker_id"`
	ActiveService string `json:"active_service,omitempty"`
	StartedAt     string `json:"started_at"`
	ReportedAt    string `json:"reported_at"`
}

// heartbeat posts the worker's status to the supervisor until ctx ends.
// Failures are logged and retried next tick; the supervisor treats a
// silent worker as unknown, not dead.
func heartbeat(ctx context.Context, cfg Config, slot *rotation.Slot, log *logger.Logger) {
	started := time.Now().UTC().Format(time.RFC3339)
	client := &http.Client{Timeout: 5 * time.Second}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		status := workerStatus{
			WorkerID:   cfg.WorkerID,
			StartedAt:  started,
			ReportedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if svc, ok := slot.Get(); ok {
			status.ActiveService = svc.ServiceConfigID
		}

		payload, err := json.Marshal(status)
		if err == nil {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.SupervisorStatusURL, bytes.NewReader(payload))
			if err == nil {
				req.Header.Set("Content-Type", "application/json")
				resp, err := client.Do(req)
				if err != nil {
					log.WithError(err).Debug("status heartbeat failed")
				} else {
					resp.Body.Close()
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
