package model

import "time"

// Exception is a fatal or unexpected error persisted for post-run analysis.
type Exception struct {
	ID uint `gorm:"primaryKey" json:"id"`

	RunID string `gorm:"size:64;index" json:"run_id"`

	// Where the error happened
	Service string `gorm:"size:100;index" json:"service"` // e.g. "tradeharness"
	Module  string `gorm:"size:100;index" json:"module"`  // e.g. "eventloop"
	Method  string `gorm:"size:100" json:"method"`        // e.g. "Run"

	Message string `gorm:"type:text" json:"message"`
	Stack   string `gorm:"type:text" json:"stack"`

	Level string `gorm:"size:20;index" json:"level"` // debug | info | warn | error | fatal

	// Extra context stored as JSON text
	Context string `gorm:"type:text" json:"context,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (Exception) TableName() string {
	return "exceptions"
}
