package events

import (
	"encoding/json"
	"time"
)

// EventData is the interface that all event data types must implement
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// CacheEntryData describes a risk cache status transition
type CacheEntryData struct {
	Key         string `json:"key"`
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
	Status      string `json:"status"`
	RetryCount  int    `json:"retry_count"`
	ErrorKind   string `json:"error_kind,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

// EventType depends on the status the entry moved to
func (d *CacheEntryData) EventType() EventType {
	switch d.Status {
	case "fresh":
		return RiskCacheRefreshed
	case "error":
		return RiskCacheFailed
	default:
		return RiskCacheStatusChanged
	}
}

// PricesRefreshedData summarizes a price refresh run
type PricesRefreshedData struct {
	Refreshed   int      `json:"refreshed"`
	NoData      []string `json:"no_data,omitempty"`
	Unavailable []string `json:"unavailable,omitempty"`
}

// EventType returns the event type for PricesRefreshedData
func (d *PricesRefreshedData) EventType() EventType {
	return PricesRefreshed
}

// AlertTriggeredData is emitted for every live alert that fires
type AlertTriggeredData struct {
	EventID     string   `json:"event_id"`
	RuleID      string   `json:"rule_id"`
	PortfolioID string   `json:"portfolio_id"`
	Metric      string   `json:"metric"`
	Comparator  string   `json:"comparator"`
	Threshold   float64  `json:"threshold"`
	ActualValue *float64 `json:"actual_value"`
	Severity    string   `json:"severity"`
	Message     string   `json:"message"`
}

// EventType returns the event type for AlertTriggeredData
func (d *AlertTriggeredData) EventType() EventType {
	return AlertTriggered
}

// BackupCompletedData describes an uploaded database snapshot
type BackupCompletedData struct {
	Database string `json:"database"`
	Key      string `json:"key"`
	Bytes    int64  `json:"bytes"`
}

// EventType returns the event type for BackupCompletedData
func (d *BackupCompletedData) EventType() EventType {
	return BackupCompleted
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}

// JobStatusData contains data for job lifecycle events
type JobStatusData struct {
	RunID       string                 `json:"run_id"`
	WorkType    string                 `json:"work_type"`
	Subject     string                 `json:"subject,omitempty"`
	Status      string                 `json:"status"` // "started", "completed", "failed"
	Description string                 `json:"description,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Duration    float64                `json:"duration,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// EventType returns the event type for JobStatusData.
// The actual event type is determined by the Status field.
func (d *JobStatusData) EventType() EventType {
	switch d.Status {
	case "completed":
		return JobCompleted
	case "failed":
		return JobFailed
	default:
		return JobStarted
	}
}

// Event is one published occurrence
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Module    string    `json:"module"`
	Data      EventData `json:"data"`
}

// MarshalJSON customizes JSON serialization for Event
func (e *Event) MarshalJSON() ([]byte, error) {
	type Alias Event
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if e.Data != nil {
		dataBytes, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		aux.Data = dataBytes
	}

	return json.Marshal(aux)
}

// UnmarshalJSON restores typed data based on the event type
func (e *Event) UnmarshalJSON(data []byte) error {
	type Alias Event
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if len(aux.Data) == 0 {
		return nil
	}

	var eventData EventData
	switch aux.Type {
	case RiskCacheRefreshed, RiskCacheFailed, RiskCacheStatusChanged:
		eventData = &CacheEntryData{}
	case PricesRefreshed:
		eventData = &PricesRefreshedData{}
	case AlertTriggered:
		eventData = &AlertTriggeredData{}
	case BackupCompleted:
		eventData = &BackupCompletedData{}
	case ErrorOccurred:
		eventData = &ErrorEventData{}
	case JobStarted, JobCompleted, JobFailed:
		eventData = &JobStatusData{}
	default:
		generic := &GenericEventData{Type: aux.Type}
		if err := json.Unmarshal(aux.Data, &generic.Data); err != nil {
			return err
		}
		e.Data = generic
		return nil
	}

	if err := json.Unmarshal(aux.Data, eventData); err != nil {
		return err
	}
	e.Data = eventData
	return nil
}

// GenericEventData is a fallback for events that don't have a specific type
type GenericEventData struct {
	Type EventType              `json:"-"`
	Data map[string]interface{} `json:"-"`
}

// EventType returns the event type for GenericEventData
func (d *GenericEventData) EventType() EventType {
	return d.Type
}

// MarshalJSON customizes JSON serialization for GenericEventData
func (d *GenericEventData) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Data)
}

// UnmarshalJSON customizes JSON deserialization for GenericEventData
func (d *GenericEventData) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &d.Data)
}
