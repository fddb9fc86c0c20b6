package api

import "time"

// TimestampFormat is the wire format for entry timestamps.
const TimestampFormat = time.RFC3339Nano

// Channel represents a telemetry channel and its dynamic field schema
type Channel struct {
	ChannelName string   `json:"channel_name"`
	APIKey      string   `json:"api_key,omitempty"`
	Fields      []string `json:"fields"`
}

// ChannelSummary is the listing form of a channel, without the API key
type ChannelSummary struct {
	ChannelName string   `json:"channel_name"`
	Fields      []string `json:"fields"`
}

// CreateChannelRequest represents a request to create a channel
type CreateChannelRequest struct {
	ChannelName   string                 `json:"channel_name" binding:"required"`
	Fields        []string               `json:"fields" binding:"required"`
	InitialValues map[string]interface{} `json:"initial_values"`
}

// UpdateFieldsRequest represents a request to add or remove channel fields
type UpdateFieldsRequest struct {
	AddFields    []string `json:"add_fields"`
	RemoveFields []string `json:"remove_fields"`
}

// Entry is a single telemetry record. Field values are dynamic per channel,
// so the document is a flat JSON object: tank_id, timestamp, then one key
// per field.
type Entry map[string]interface{}

// TankID returns the channel the entry belongs to
func (e Entry) TankID() string {
	if v, ok := e["tank_id"].(string); ok {
		return v
	}
	return ""
}

// Timestamp returns the entry timestamp string
func (e Entry) Timestamp() string {
	if v, ok := e["timestamp"].(string); ok {
		return v
	}
	return ""
}

// FieldValue represents the latest value of a single channel field
type FieldValue struct {
	ChannelName string      `json:"channel_name"`
	Field       string      `json:"field"`
	Value       interface{} `json:"value"`
	Timestamp   string      `json:"timestamp"`
}

// WriteResponse represents the result of a data write
type WriteResponse struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// MessageResponse represents a plain message result
type MessageResponse struct {
	Message string `json:"message"`
}

// FieldsResponse represents the result of a field update
type FieldsResponse struct {
	Message string   `json:"message"`
	Fields  []string `json:"fields"`
}

// ComponentState represents the health of a single server component
type ComponentState string

const (
	// ComponentUp indicates the component is connected and serving
	ComponentUp ComponentState = "up"
	// ComponentDegraded indicates the component is running with reduced capability
	ComponentDegraded ComponentState = "degraded"
	// ComponentDown indicates the component is unavailable
	ComponentDown ComponentState = "down"
	// ComponentDisabled indicates the component was not configured
	ComponentDisabled ComponentState = "disabled"
)

// HealthStatus represents the overall server health
type HealthStatus struct {
	Status     string                    `json:"status"`
	Version    string                    `json:"version"`
	UptimeSecs int64                     `json:"uptime_secs"`
	Components map[string]ComponentState `json:"components"`
}
