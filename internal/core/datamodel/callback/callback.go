package callback

import (
	"time"
)

// Record is the deduplication ledger for inbound gateway notifications. The
// unique index on (gateway, external_token) enforces the at-most-once invariant
// at the storage layer; the insert happens in the same transaction as the state
// update it guards.
type Record struct {
	ID            int64     `gorm:"primaryKey"`
	Gateway       string    `gorm:"column:gateway;not null;uniqueIndex:idx_callback_dedup"`
	ExternalToken string    `gorm:"column:external_token;not null;uniqueIndex:idx_callback_dedup"`
	PaymentID     int64     `gorm:"column:payment_id;index"`
	EventType     string    `gorm:"column:event_type"`
	ReceivedAt    time.Time `gorm:"column:received_at"`
}

func (Record) TableName() string {
	return "callback_records"
}
