package api

import (
	"relay/internal/delivery"
	"relay/internal/router"
	"relay/internal/storage"
)

// WebhookRequest is the callback payload posted by task executors.
type WebhookRequest struct {
	TaskID    string `json:"task_id"`
	EventType string `json:"event_type"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// WebhookResponse reports how a callback was recorded.
type WebhookResponse struct {
	IdempotencyKey string `json:"idempotency_key"`
	Outcome        string `json:"outcome"`
	Duplicate      bool   `json:"duplicate,omitempty"`
}

// HealthResponse is the liveness view.
type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Uptime     string            `json:"uptime"`
	Components map[string]string `json:"components,omitempty"`
}

// ReliabilityResponse combines queue metrics with active incidents.
type ReliabilityResponse struct {
	Queue     delivery.Metrics    `json:"queue"`
	Incidents []*storage.Incident `json:"incidents"`
}

// DoctorResponse is the full diagnostic view for operators.
type DoctorResponse struct {
	Health    HealthResponse         `json:"health"`
	Queue     delivery.Metrics       `json:"queue"`
	Routing   *router.HealthSnapshot `json:"routing"`
	Budget    any                    `json:"budget"`
	Incidents []*storage.Incident    `json:"incidents"`
}

// TelemetryResponse combines the in-memory routing snapshot with persisted
// events.
type TelemetryResponse struct {
	Snapshot *router.HealthSnapshot  `json:"snapshot"`
	Events   []*storage.RoutingEvent `json:"events"`
}

// SetProfileRequest selects a manual budget profile. An empty profile clears
// the override.
type SetProfileRequest struct {
	Profile   string `json:"profile"`
	SessionID string `json:"session_id,omitempty"`
}

// SetModeRequest switches the router fallback mode.
type SetModeRequest struct {
	Mode string `json:"mode"`
}

// IncidentView pairs an incident with its timeline.
type IncidentView struct {
	Incident *storage.Incident        `json:"incident"`
	Timeline []*storage.TimelineEntry `json:"timeline"`
}
