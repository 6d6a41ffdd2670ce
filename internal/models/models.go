// Package models defines the core data structures for FlowPipe.
//
// It includes the per-user flow position, the per-instance flow history, user
// profiles and outbound content, which are shared across modules.
package models

import "errors"

// Error variables shared by the store, flow and api packages.
var (
	// ErrNotFound is returned when a record addressed by id does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNoActiveFlow is returned when a continuation arrives for a user with no flow.
	ErrNoActiveFlow = errors.New("no active flow for user")
	// ErrPermissionDenied is returned when a flow type is not enabled for an organization.
	ErrPermissionDenied = errors.New("flow not enabled for organization")
	// ErrUnknownFlow is returned for a flow name with no registered rules or content.
	ErrUnknownFlow = errors.New("unknown flow")
	// ErrDuplicateFlow is returned when the single-flow-per-user constraint rejects a write.
	ErrDuplicateFlow = errors.New("user already has an active flow")
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusAccepted indicates a request was accepted for processing.
	APIStatusAccepted APIStatus = "accepted"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  APIStatus `json:"status"`
	Message string    `json:"message,omitempty"`
	Result  any       `json:"result,omitempty"`
}

// Success creates a successful API response with result data.
func Success(result any) APIResponse {
	return APIResponse{Status: APIStatusOK, Result: result}
}

// Accepted creates an accepted API response with result data.
func Accepted(result any) APIResponse {
	return APIResponse{Status: APIStatusAccepted, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: APIStatusError, Message: message}
}
