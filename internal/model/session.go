package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type Session struct {
	SessionID    string        `db:"session_id" json:"sessionId"`
	UserInfo     UserInfo      `db:"user_info" json:"userInfo"`
	Status       SessionStatus `db:"status" json:"status"`
	Busy         bool          `db:"busy" json:"busy"`
	BusySince    *time.Time    `db:"busy_since" json:"busySince,omitempty"`
	BusyOwner    *string       `db:"busy_owner" json:"-"`
	CreatedAt    time.Time     `db:"created_at" json:"createdAt"`
	LastActivity time.Time     `db:"last_activity" json:"lastActivity"`
	MessageCount int           `db:"message_count" json:"messageCount"`
	EndedAt      *time.Time    `db:"ended_at" json:"endedAt,omitempty"`
	EndReason    *EndReason    `db:"end_reason" json:"endReason,omitempty"`
}

func (s *Session) IsActive() bool {
	return s.Status == SessionStatusActive
}

// DisplayName is the registrant's name for log lines, falling back to "Unknown".
func (s *Session) DisplayName() string {
	if name := s.UserInfo["full_name"]; name != "" {
		return name
	}
	return "Unknown"
}

type CreateSessionParams struct {
	SessionID string
	UserInfo  UserInfo
	CreatedAt time.Time
}

type EndSessionParams struct {
	SessionID string
	EndedAt   time.Time
	Reason    EndReason
}

type SessionStats struct {
	Total  int `db:"total" json:"total"`
	Active int `db:"active" json:"active"`
	Ended  int `db:"ended" json:"ended"`
}

// UserInfo is the opaque registration bag stored as jsonb.
type UserInfo map[string]string

func (u UserInfo) Value() (driver.Value, error) {
	if u == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(u)
}

func (u *UserInfo) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*u = UserInfo{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("user_info: unsupported type %T", src)
	}

	info := UserInfo{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &info); err != nil {
			return fmt.Errorf("user_info: %w", err)
		}
	}
	*u = info
	return nil
}
