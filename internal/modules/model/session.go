package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Session struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name   string    `gorm:"type:text;not null" json:"name"`
	Active bool      `gorm:"not null" json:"active"`

	CreatedAt time.Time `gorm:"autoCreateTime;not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime;not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	// Session <-> Participant
	Participants []Participant `gorm:"constraint:OnDelete:CASCADE,OnUpdate:CASCADE;" json:"-"`
}

func (Session) TableName() string { return "poker_sessions" }

// DefaultSessionName is the display name a session gets from its host.
func DefaultSessionName(hostName string) string {
	return fmt.Sprintf("%s's Planning Poker", hostName)
}
