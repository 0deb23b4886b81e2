package logging

import (
	"encoding/json"
	"log"
	"time"
)

// Fields is one structured step log line.
type Fields struct {
	Service    string `json:"service"`
	RequestID  string `json:"request_id,omitempty"`
	PaymentID  uint64 `json:"payment_id,omitempty"`
	Student    string `json:"student,omitempty"`
	Step       string `json:"step,omitempty"`
	Status     string `json:"status,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Log writes fields as a single JSON line through the standard logger.
func Log(fields Fields) {
	log.Print(Format(fields, time.Now()))
}

// Format renders fields with a timestamp.
func Format(fields Fields, now time.Time) string {
	payload := map[string]any{
		"service":     fields.Service,
		"request_id":  fields.RequestID,
		"payment_id":  fields.PaymentID,
		"student":     fields.Student,
		"step":        fields.Step,
		"status":      fields.Status,
		"attempt":     fields.Attempt,
		"duration_ms": fields.DurationMS,
		"message":     fields.Message,
		"timestamp":   now.UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return `{"service":"` + fields.Service + `","status":"log_error"}`
	}
	return string(data)
}
