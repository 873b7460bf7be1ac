package events

import (
	"fmt"
	"time"
)

// Wire event names, in the order a new stream sees them.
const (
	NameSession         = "session"
	NameJobs            = "jobs"
	NameTotalJobs       = "totalJobs"
	NameLogsHistory     = "logs-history"
	NameLog             = "log"
	NameJobsUpdate      = "jobs-update"
	NameTotalJobsUpdate = "totalJobs-update"
	NameError           = "error"
)

type LogType string

const (
	LogAct      LogType = "act"
	LogExtract  LogType = "extract"
	LogObserve  LogType = "observe"
	LogNavigate LogType = "navigate"
	LogScroll   LogType = "scroll"
	LogError    LogType = "error"
	LogInfo     LogType = "info"
	LogDebug    LogType = "debug"
)

type LogStatus string

const (
	StatusPending LogStatus = "pending"
	StatusSuccess LogStatus = "success"
	StatusError   LogStatus = "error"
)

// ParseLogType validates s against the known automation step types.
func ParseLogType(s string) (LogType, error) {
	switch t := LogType(s); t {
	case LogAct, LogExtract, LogObserve, LogNavigate, LogScroll, LogError, LogInfo, LogDebug:
		return t, nil
	}
	return "", fmt.Errorf("unknown log type %q", s)
}

// ParseLogStatus validates s. An empty string means success.
func ParseLogStatus(s string) (LogStatus, error) {
	switch st := LogStatus(s); st {
	case "":
		return StatusSuccess, nil
	case StatusPending, StatusSuccess, StatusError:
		return st, nil
	}
	return "", fmt.Errorf("unknown log status %q", s)
}

// ActionLog is one automation step. Immutable once recorded.
type ActionLog struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Type      LogType   `json:"type"`
	Details   string    `json:"details,omitempty"`
	Status    LogStatus `json:"status"`
}

// JobResult is a listing extracted during a session.
type JobResult struct {
	JobID       string `json:"jobId"`
	Title       string `json:"title"`
	Company     string `json:"company"`
	Location    string `json:"location"`
	Salary      string `json:"salary,omitempty"`
	URL         string `json:"url"`
	Description string `json:"description"`
	Source      string `json:"source"`
	PostedDate  string `json:"postedDate,omitempty"`
}

// JobBatch is the persisted result set of one search. Jobs is a full
// replacement snapshot, never a delta.
type JobBatch struct {
	Jobs       []JobResult `json:"jobs"`
	TotalFound int         `json:"totalFound"`
}

// ErrorPayload is the body of an in-band error frame.
type ErrorPayload struct {
	Message string `json:"message"`
}
