package call

import (
	"time"

	"github.com/eleven-am/callstream/internal/shared"
)

type CallState string

const (
	StateActive    CallState = "active"
	StateCompleted CallState = "completed"
	StateFailed    CallState = "failed"
)

// CallRecord is the durable row for one logical call, spanning every
// session that carried it.
type CallRecord struct {
	ID             string `gorm:"primaryKey" json:"id"`
	OrganizationID string `gorm:"index" json:"organization_id"`

	CustomerNumber string             `json:"customer_number"`
	SystemNumber   string             `json:"system_number"`
	AgentID        string             `gorm:"index" json:"agent_id,omitempty"`
	Language       string             `json:"language,omitempty"`
	Channels       shared.StringSlice `gorm:"type:text" json:"channels,omitempty"`

	State        CallState `gorm:"default:'active';index" json:"state"`
	RecordingURL string    `json:"recording_url,omitempty"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
