package model

import (
	"time"

	"github.com/google/uuid"
)

// DefaultAvatarID is stored for every participant until avatars are selectable.
const DefaultAvatarID = 1

type Participant struct {
	ID        uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	SessionID uuid.UUID `gorm:"type:uuid;not null;index:ix_participant_session_id_created_at,priority:1" json:"session_id"`

	UserName string `gorm:"type:text;not null" json:"user_name"`
	AvatarID int    `gorm:"not null;default:1" json:"avatar_id"`
	IsHost   bool   `gorm:"not null;default:false" json:"is_host"`

	CreatedAt time.Time `gorm:"autoCreateTime;not null;default:CURRENT_TIMESTAMP;index:ix_participant_session_id_created_at,priority:2" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime;not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	// Participant <-> Session
	Session *Session `gorm:"foreignKey:SessionID;references:ID;constraint:OnDelete:CASCADE,OnUpdate:CASCADE;" json:"-"`
}

func (Participant) TableName() string { return "participants" }

// Before reports whether p sorts ahead of o in a membership listing:
// created_at ascending, id as the tie-breaker.
func (p Participant) Before(o Participant) bool {
	if !p.CreatedAt.Equal(o.CreatedAt) {
		return p.CreatedAt.Before(o.CreatedAt)
	}
	return p.ID.String() < o.ID.String()
}
