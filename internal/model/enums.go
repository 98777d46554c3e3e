package model

type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusEnded  SessionStatus = "ended"
)

type EndReason string

const (
	EndReasonInactivity EndReason = "inactivity"
	EndReasonClosed     EndReason = "closed"
)
