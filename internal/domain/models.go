// Package domain defines the persistence models for events, registrations,
// and payment transactions. These types are mapped with GORM and form the
// data layer the payment engine reads and writes.
package domain

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// Registration states as stored on the record.
const (
	RegistrationStatePending  = "pending"
	RegistrationStateComplete = "complete"
)

// Transaction statuses. A transaction becomes successful or rejected only
// through the notification processor; rows are never deleted.
const (
	TxStatusPending    = "pending"
	TxStatusSuccessful = "successful"
	TxStatusRejected   = "rejected"
)

// TransactionAction is the state transition requested when registering a
// transaction. Only "0" (success) maps to an action today; any other gateway
// status code is dropped before this point.
type TransactionAction string

const (
	ActionComplete TransactionAction = "complete"
	ActionPending  TransactionAction = "pending"
	ActionReject   TransactionAction = "reject"
)

// Status returns the transaction status an action transitions to.
func (a TransactionAction) Status() string {
	switch a {
	case ActionComplete:
		return TxStatusSuccessful
	case ActionReject:
		return TxStatusRejected
	default:
		return TxStatusPending
	}
}

// Event carries the per-event gateway configuration. Merchant identity and
// key material are configured per event by its managers; there is no global
// fallback beyond what the admin seeds here.
//
// Key storage follows the gateway settings convention: SignKey is the RSA
// private key PEM body without armor lines, EncryptKey the base64 AES key.
type Event struct {
	ID        uint           `json:"id"         gorm:"primaryKey"`
	Title     string         `json:"title"      gorm:"type:varchar(255);not null"`
	Currency  string         `json:"currency"   gorm:"type:varchar(8);not null;default:'CNY'"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"          gorm:"index"`

	// Gateway settings
	PaymentEnabled bool   `json:"payment_enabled" gorm:"not null;default:false"`
	AppID          string `json:"-" gorm:"type:varchar(64)"`
	MerID          string `json:"-" gorm:"type:varchar(64)"`
	MerPrtclNo     string `json:"-" gorm:"type:varchar(64)"`
	SignKey        string `json:"-" gorm:"type:text"`
	EncryptKey     string `json:"-" gorm:"type:text"`

	// Registration-form gating. The ID lists are JSON arrays of form IDs
	// ("" for no restriction); the prerequisite fields point at a form that
	// must / must not be completed by the same email before paying.
	AllowedFormIDs    string `json:"-" gorm:"type:text"`
	DisallowedFormIDs string `json:"-" gorm:"type:text"`
	CompletedFormID   *int64 `json:"-"`
	UncompletedFormID *int64 `json:"-"`
	CustomPaymentName string `json:"-" gorm:"type:varchar(255)"`
}

// TableName returns the database table name for Event.
func (Event) TableName() string { return "events" }

// Registration is one participant's registration on an event form. Its ID is
// the opaque token used in callback URLs; the gateway never learns anything
// else about the registrant beyond what the payment form carries.
type Registration struct {
	ID         string         `json:"id"          gorm:"type:char(36);primaryKey"`
	EventID    uint           `json:"event_id"    gorm:"not null;index"`
	FormID     int64          `json:"form_id"     gorm:"not null;index"`
	FormTitle  string         `json:"form_title"  gorm:"type:varchar(255);not null"`
	FriendlyID int64          `json:"friendly_id" gorm:"not null"`
	FullName   string         `json:"full_name"   gorm:"type:varchar(255);not null"`
	Email      string         `json:"email"       gorm:"type:varchar(255);not null;index"`
	Price      float64        `json:"price"       gorm:"not null"`
	Currency   string         `json:"currency"    gorm:"type:varchar(8);not null;default:'CNY'"`
	State      string         `json:"state"       gorm:"type:varchar(16);not null;default:'pending'"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `json:"-"           gorm:"index"`

	Event Event `json:"-" gorm:"foreignKey:EventID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Registration.
func (Registration) TableName() string { return "registrations" }

// PaymentTransaction is one recorded payment attempt outcome. The latest row
// for a registration is its current transaction; older rows form the history
// the reconciliation poller scans. Data holds the last-seen gateway payload
// as a JSON object keyed by "biz_content", used for duplicate comparison.
type PaymentTransaction struct {
	ID             string         `json:"id"              gorm:"type:char(36);primaryKey"`
	RegistrationID string         `json:"registration_id" gorm:"type:char(36);not null;index:idx_reg_txs,priority:1"`
	Provider       string         `json:"provider"        gorm:"type:varchar(32);not null"`
	Amount         float64        `json:"amount"          gorm:"not null"`
	Currency       string         `json:"currency"        gorm:"type:varchar(8);not null"`
	Status         string         `json:"status"          gorm:"type:varchar(16);not null;check:status IN ('pending','successful','rejected')"`
	Data           string         `json:"-"               gorm:"type:text"`
	CreatedAt      time.Time      `json:"created_at"      gorm:"index:idx_reg_txs,priority:2"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `json:"-"               gorm:"index"`

	Registration Registration `json:"-" gorm:"foreignKey:RegistrationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for PaymentTransaction.
func (PaymentTransaction) TableName() string { return "payment_transactions" }

// BizContentJSON extracts the stored raw biz_content JSON string from Data,
// or "" when the transaction carries no payload.
func (t *PaymentTransaction) BizContentJSON() string {
	if t == nil || t.Data == "" {
		return ""
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(t.Data), &data); err != nil {
		return ""
	}
	return data["biz_content"]
}
