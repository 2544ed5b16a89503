package domain

import "time"

// ScheduledSMS is a send attempt parked until RunAt.
type ScheduledSMS struct {
	ID        string
	RunAt     time.Time
	Message   OutgoingSMS
	CreatedAt time.Time
}
