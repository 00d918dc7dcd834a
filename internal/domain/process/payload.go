package process

import (
	"encoding/json"
	"fmt"
	"time"

	pkgerr "github.com/taskmill/taskmill-backend/internal/pkg/errors"
)

// Work-item task names. These are the only handlers the engine registers.
const (
	WorkProcessStep = "process-step"
	WorkCliTask     = "cli-task"
)

// Keys written into the accumulated process context after each task.
const (
	CtxLastCompletedTask = "last_completed_task"
	ctxExitCodeSuffix    = "_exit_code"
	ctxOutputSuffix      = "_output"
)

func CtxExitCodeKey(taskName string) string { return taskName + ctxExitCodeSuffix }
func CtxOutputKey(taskName string) string   { return taskName + ctxOutputSuffix }

// TaskData is the per-attempt execution payload for one task. It mirrors
// TaskRow and carries the run id so a peer node can rebuild enough state
// from the payload alone.
type TaskData struct {
	TaskID           string     `json:"task_id"`
	ProcessID        string     `json:"process_id"`
	ProcessRecordID  string     `json:"process_record_id"`
	TaskIndex        int        `json:"task_index"`
	Name             string     `json:"name"`
	Command          string     `json:"command"`
	WorkingDirectory string     `json:"working_directory,omitempty"`
	TimeoutMinutes   int        `json:"timeout_minutes"`
	MaxRetries       int        `json:"max_retries"`
	RetryCount       int        `json:"retry_count"`
	Status           string     `json:"status"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ExitCode         *int       `json:"exit_code,omitempty"`
	Output           string     `json:"output,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
}

// TaskID builds the canonical task id for a run and index.
func TaskID(processID string, index int) string {
	return fmt.Sprintf("%s-task-%d", processID, index)
}

// Row converts the payload into its persisted form.
func (t *TaskData) Row() *TaskRow {
	return &TaskRow{
		ID:               t.TaskID,
		ProcessRecordID:  t.ProcessRecordID,
		TaskIndex:        t.TaskIndex,
		TaskName:         t.Name,
		Command:          t.Command,
		WorkingDirectory: t.WorkingDirectory,
		TimeoutMinutes:   t.TimeoutMinutes,
		MaxRetries:       t.MaxRetries,
		RetryCount:       t.RetryCount,
		Status:           t.Status,
		StartedAt:        t.StartedAt,
		CompletedAt:      t.CompletedAt,
		ExitCode:         t.ExitCode,
		Output:           t.Output,
		ErrorMessage:     t.ErrorMessage,
	}
}

// ProcessData is the transient per-run state carried in process-step
// payloads. Tasks are owned by value; TaskData refers back by id only.
type ProcessData struct {
	ProcessID        string            `json:"process_id"`
	ProcessRecordID  string            `json:"process_record_id,omitempty"`
	TypeName         string            `json:"type_name"`
	InputData        string            `json:"input_data"`
	TotalTasks       int               `json:"total_tasks"`
	CurrentTaskIndex int               `json:"current_task_index"`
	Status           string            `json:"status"`
	ProcessContext   map[string]string `json:"process_context,omitempty"`
	Tasks            []TaskData        `json:"tasks"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// CurrentTask returns the task at the cursor, or nil when the run is done.
func (p *ProcessData) CurrentTask() *TaskData {
	if p.CurrentTaskIndex < 0 || p.CurrentTaskIndex >= len(p.Tasks) {
		return nil
	}
	return &p.Tasks[p.CurrentTaskIndex]
}

// Envelope versions. Consumers tolerate unknown fields; an unknown kind is a
// serialization error (the item gets quarantined, not retried).
const (
	envelopeVersion = 1

	KindProcess = "process"
	KindTask    = "task"
)

type envelope struct {
	V    int             `json:"v"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeProcessPayload wraps ProcessData in the versioned envelope.
func EncodeProcessPayload(p *ProcessData) ([]byte, error) {
	return encodePayload(KindProcess, p)
}

// EncodeTaskPayload wraps TaskData in the versioned envelope.
func EncodeTaskPayload(t *TaskData) ([]byte, error) {
	return encodePayload(KindTask, t)
}

func encodePayload(kind string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, pkgerr.ErrSerialization)
	}
	return json.Marshal(envelope{V: envelopeVersion, Kind: kind, Data: raw})
}

// DecodeProcessPayload unwraps a process-step payload.
func DecodeProcessPayload(raw []byte) (*ProcessData, error) {
	var p ProcessData
	if err := decodePayload(raw, KindProcess, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeTaskPayload unwraps a cli-task payload.
func DecodeTaskPayload(raw []byte) (*TaskData, error) {
	var t TaskData
	if err := decodePayload(raw, KindTask, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func decodePayload(raw []byte, kind string, into any) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode payload envelope: %v: %w", err, pkgerr.ErrSerialization)
	}
	if env.Kind != kind {
		return fmt.Errorf("payload kind %q, want %q: %w", env.Kind, kind, pkgerr.ErrSerialization)
	}
	if err := json.Unmarshal(env.Data, into); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", kind, err, pkgerr.ErrSerialization)
	}
	return nil
}
