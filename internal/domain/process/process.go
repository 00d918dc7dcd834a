package process

import (
	"time"

	"gorm.io/datatypes"
)

// Record statuses. Terminal states are COMPLETED, FAILED and STOPPED; a
// restart is the only way out of a terminal state.
const (
	StatusPending    = "PENDING"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
	StatusStopped    = "STOPPED"
)

// Task statuses.
const (
	TaskPending   = "PENDING"
	TaskRunning   = "RUNNING"
	TaskCompleted = "COMPLETED"
	TaskFailed    = "FAILED"
)

// TerminalStatuses lists every record status that must never be overwritten
// by a non-terminal one.
var TerminalStatuses = []string{StatusCompleted, StatusFailed, StatusStopped}

func IsTerminal(status string) bool {
	for _, s := range TerminalStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// ProcessRecord is the persistent, user-facing template instance plus the
// status of its latest run.
type ProcessRecord struct {
	ID               string     `gorm:"column:id;primaryKey" json:"id"`
	Type             string     `gorm:"column:type;not null;index" json:"type"`
	InputData        string     `gorm:"column:input_data;type:text" json:"input_data"`
	Schedule         *string    `gorm:"column:schedule" json:"schedule,omitempty"`
	CurrentStatus    string     `gorm:"column:current_status;not null;index" json:"current_status"`
	CurrentTaskIndex int        `gorm:"column:current_task_index;not null;default:0" json:"current_task_index"`
	TotalTasks       int        `gorm:"column:total_tasks;not null;default:0" json:"total_tasks"`
	StartedWhen      *time.Time `gorm:"column:started_when" json:"started_when,omitempty"`
	CompletedWhen    *time.Time `gorm:"column:completed_when" json:"completed_when,omitempty"`
	FailedWhen       *time.Time `gorm:"column:failed_when" json:"failed_when,omitempty"`
	StoppedWhen      *time.Time `gorm:"column:stopped_when" json:"stopped_when,omitempty"`
	LastErrorMessage string     `gorm:"column:last_error_message;type:text" json:"last_error_message,omitempty"`
	TriggeredBy      string     `gorm:"column:triggered_by" json:"triggered_by,omitempty"`
	CreatedAt        time.Time  `gorm:"column:created_at;not null;index" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (ProcessRecord) TableName() string { return "process_record" }

// TaskRow is one task-execution row; rewritten (upsert by id) on every state
// change of that task.
type TaskRow struct {
	ID               string     `gorm:"column:id;primaryKey" json:"id"`
	ProcessRecordID  string     `gorm:"column:process_record_id;not null;index" json:"process_record_id"`
	TaskIndex        int        `gorm:"column:task_index;not null" json:"task_index"`
	TaskName         string     `gorm:"column:task_name;not null" json:"task_name"`
	Command          string     `gorm:"column:command;type:text;not null" json:"command"`
	WorkingDirectory string     `gorm:"column:working_directory" json:"working_directory,omitempty"`
	TimeoutMinutes   int        `gorm:"column:timeout_minutes;not null" json:"timeout_minutes"`
	MaxRetries       int        `gorm:"column:max_retries;not null" json:"max_retries"`
	RetryCount       int        `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	Status           string     `gorm:"column:status;not null;index" json:"status"`
	StartedAt        *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt      *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	ExitCode         *int       `gorm:"column:exit_code" json:"exit_code,omitempty"`
	Output           string     `gorm:"column:output;type:text" json:"output,omitempty"`
	ErrorMessage     string     `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
}

func (TaskRow) TableName() string { return "tasks" }

// ScheduledTask is a durable work-queue row. The (task_name, task_instance)
// pair is the identity; version is bumped on every claim so a stale executor
// can never complete or re-claim an item it no longer owns.
type ScheduledTask struct {
	TaskName            string         `gorm:"column:task_name;primaryKey" json:"task_name"`
	TaskInstance        string         `gorm:"column:task_instance;primaryKey" json:"task_instance"`
	TaskData            datatypes.JSON `gorm:"column:task_data;type:jsonb" json:"task_data"`
	ExecutionTime       time.Time      `gorm:"column:execution_time;not null;index" json:"execution_time"`
	Picked              bool           `gorm:"column:picked;not null;default:false" json:"picked"`
	PickedBy            string         `gorm:"column:picked_by" json:"picked_by,omitempty"`
	LastSuccess         *time.Time     `gorm:"column:last_success" json:"last_success,omitempty"`
	LastFailure         *time.Time     `gorm:"column:last_failure" json:"last_failure,omitempty"`
	ConsecutiveFailures int            `gorm:"column:consecutive_failures;not null;default:0" json:"consecutive_failures"`
	LastHeartbeat       *time.Time     `gorm:"column:last_heartbeat;index" json:"last_heartbeat,omitempty"`
	Version             int64          `gorm:"column:version;not null;default:0" json:"version"`
}

func (ScheduledTask) TableName() string { return "scheduled_tasks" }
