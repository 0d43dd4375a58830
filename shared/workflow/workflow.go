package workflow

import "strings"

const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusCancelled = "cancelled"
)

const (
	TaskEventCreated   = "task_created"
	TaskEventStarted   = "task_started"
	TaskEventCompleted = "task_completed"
	TaskEventFailed    = "task_failed"
	TaskEventRetried   = "task_retried"
	TaskEventCancelled = "task_cancelled"
)

// PENDING may complete or fail directly when the started report was lost.
var taskTransitions = map[string]map[string]string{
	TaskStatusPending: {
		TaskStatusRunning:   TaskEventStarted,
		TaskStatusCompleted: TaskEventCompleted,
		TaskStatusFailed:    TaskEventFailed,
		TaskStatusCancelled: TaskEventCancelled,
	},
	TaskStatusRunning: {
		TaskStatusPending:   TaskEventRetried,
		TaskStatusCompleted: TaskEventCompleted,
		TaskStatusFailed:    TaskEventFailed,
		TaskStatusCancelled: TaskEventCancelled,
	},
}

func NormalizeTaskStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

func CanTransition(fromStatus string, toStatus string) bool {
	fromStatus = NormalizeTaskStatus(fromStatus)
	toStatus = NormalizeTaskStatus(toStatus)
	if fromStatus == toStatus {
		return true
	}
	next := taskTransitions[fromStatus]
	if next == nil {
		return false
	}
	_, ok := next[toStatus]
	return ok
}

func EventTypeForTransition(fromStatus string, toStatus string) string {
	fromStatus = NormalizeTaskStatus(fromStatus)
	toStatus = NormalizeTaskStatus(toStatus)
	if fromStatus == toStatus {
		if fromStatus == TaskStatusPending {
			return TaskEventRetried
		}
		return ""
	}
	next := taskTransitions[fromStatus]
	if next == nil {
		return ""
	}
	return next[toStatus]
}

func IsTerminal(status string) bool {
	switch NormalizeTaskStatus(status) {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

func AllTaskStatuses() []string {
	return []string{
		TaskStatusPending,
		TaskStatusRunning,
		TaskStatusCompleted,
		TaskStatusFailed,
		TaskStatusCancelled,
	}
}
