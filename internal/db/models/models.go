package models

import (
	"time"
)

// Transaction status values
const (
	TransactionOpen   = "open"
	TransactionClosed = "closed"
)

// Transaction represents a charging transaction
type Transaction struct {
	ID            int        `json:"id"`
	ChargePointID string     `json:"chargePointId"`
	ConnectorID   int        `json:"connectorId"`
	IdTag         string     `json:"idTag"`
	StartTime     time.Time  `json:"startTime"`
	EndTime       *time.Time `json:"endTime,omitempty"`
	MeterStart    int        `json:"meterStart"`
	MeterStop     *int       `json:"meterStop,omitempty"`
	Status        string     `json:"status"`
}

// Pipelet is a named transformation step. Code is either a builtin
// reference ("builtin:<name>") or a body run by the sandboxed interpreter.
type Pipelet struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Code        string    `json:"code" yaml:"code"`
	CreatedAt   time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt   time.Time `json:"updatedAt" yaml:"-"`
}

// LogRecord is an archived log bus entry
type LogRecord struct {
	ID        uint64    `json:"id"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}
