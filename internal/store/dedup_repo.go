package store

import (
	"context"
	"time"
)

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageSid  string     `json:"message_sid"`
	UserID      string     `json:"user_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo guards against the provider redelivering the same inbound webhook.
type DedupRepo interface {
	// RecordInbound stores a new inbound message. Returns false if the
	// MessageSid was already recorded.
	RecordInbound(ctx context.Context, messageSid, userID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(ctx context.Context, messageSid string) error

	// ReleaseInbound forgets an unprocessed message so a redelivery of it is
	// treated as new. Processed messages are kept.
	ReleaseInbound(ctx context.Context, messageSid string) error
}
