package model

// ErrorBody is the single error envelope returned by every endpoint.
// Error is a stable machine-readable code; Message is for humans.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}
