package models

import (
	"fmt"
	"time"
)

// Channel is a notification delivery channel
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// BroadcastRecipient is the recipient ID used for push broadcasts
const BroadcastRecipient = "*"

// AttemptStatus is the delivery status of a notification attempt
type AttemptStatus string

const (
	AttemptPending         AttemptStatus = "PENDING"
	AttemptSent            AttemptStatus = "SENT"
	AttemptFailed          AttemptStatus = "FAILED"
	AttemptFailedPermanent AttemptStatus = "FAILED_PERMANENT"
	AttemptCancelled       AttemptStatus = "CANCELLED"
)

// Terminal reports whether no further delivery will be tried
func (s AttemptStatus) Terminal() bool {
	return s == AttemptSent || s == AttemptFailedPermanent || s == AttemptCancelled
}

// NotificationAttempt records delivery of one notification to one recipient on one channel
type NotificationAttempt struct {
	ID             int64         `json:"id"`
	AlertID        string        `json:"alert_id"`
	Channel        Channel       `json:"channel"`
	RecipientID    string        `json:"recipient_id"`
	Address        string        `json:"address,omitempty"`
	Trigger        Trigger       `json:"trigger"`
	Generation     int           `json:"generation"`
	Status         AttemptStatus `json:"status"`
	AttemptNumber  int           `json:"attempt_number"`
	NextRetryAt    *time.Time    `json:"next_retry_at,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
	IdempotencyKey string        `json:"idempotency_key"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// IdempotencyKey builds the dedup key for one (alert, channel, recipient, generation) tuple
func IdempotencyKey(alertID string, channel Channel, recipientID string, generation int) string {
	return fmt.Sprintf("%s:%s:%s:%d", alertID, channel, recipientID, generation)
}

// RateLimitBucket is the counter of one tracker in one window
type RateLimitBucket struct {
	TrackerKey  string
	WindowStart time.Time
	Count       int64
}
