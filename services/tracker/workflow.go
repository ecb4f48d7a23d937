package tracker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"wyvernd/services/cluster"
)

// TaskStatus is the simplified per-task state shown to operators.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskSuccess TaskStatus = "success"
	TaskFailed  TaskStatus = "failed"
)

// Task is one step of an install workflow as last observed. Durations are
// plain seconds on the wire; progress is a 0-100 percentage.
type Task struct {
	Name             string     `json:"name"`
	Status           TaskStatus `json:"status"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	DurationSeconds  int64      `json:"duration_seconds,omitempty"`
	EstimatedSeconds int64      `json:"estimated_seconds"`
	Progress         float64    `json:"progress,omitempty"`
	Message          string     `json:"message,omitempty"`
}

// WorkflowInfo is the live progress view for one machine's install. It is
// rebuilt from engine state on every poll; it is never reconstructed from
// archived history. Progress is a 0-100 percentage.
type WorkflowInfo struct {
	MachineID           uuid.UUID             `json:"machine_id"`
	Template            string                `json:"template"`
	State               cluster.WorkflowState `json:"state"`
	CurrentAction       string                `json:"current_action,omitempty"`
	Tasks               []Task                `json:"tasks"`
	Progress            float64               `json:"progress"`
	EstimatedCompletion *time.Time            `json:"estimated_completion,omitempty"`
	UpdatedAt           time.Time             `json:"updated_at"`
}

// buildInfo folds the engine's workflow status into a WorkflowInfo.
// Progress is weighted by per-action duration estimates and never moves
// backwards relative to prev; tasks keep their identity by name across
// polls so a running action's start time survives engine hiccups.
func buildInfo(ctx context.Context, machineID uuid.UUID, template string, wf cluster.Workflow, est Estimator, prev *WorkflowInfo, now time.Time) WorkflowInfo {
	info := WorkflowInfo{
		MachineID: machineID,
		Template:  template,
		State:     cluster.WorkflowStatePending,
		UpdatedAt: now,
	}

	var prevTasks map[string]Task
	if prev != nil {
		prevTasks = make(map[string]Task, len(prev.Tasks))
		for _, task := range prev.Tasks {
			prevTasks[task.Name] = task
		}
	}

	var status cluster.WorkflowStatus
	if wf.Status != nil {
		status = *wf.Status
	}
	if status.State != "" {
		info.State = status.State
	}
	info.CurrentAction = status.CurrentAction

	var totalWeight, doneWeight, remaining time.Duration
	for _, engineTask := range status.Tasks {
		for _, action := range engineTask.Actions {
			estimate := est.Estimate(ctx, template, action.Name)
			if estimate <= 0 {
				estimate = time.Second
			}

			task := Task{
				Name:             action.Name,
				Status:           taskStatus(action.Status),
				StartedAt:        action.StartedAt,
				EstimatedSeconds: int64(estimate / time.Second),
				Message:          action.Message,
			}
			if action.Seconds > 0 {
				task.DurationSeconds = action.Seconds
			}
			if task.StartedAt == nil {
				if prevTask, ok := prevTasks[action.Name]; ok {
					task.StartedAt = prevTask.StartedAt
				}
			}

			totalWeight += estimate
			switch task.Status {
			case TaskSuccess:
				task.Progress = 100
				doneWeight += estimate
			case TaskRunning:
				elapsed := time.Duration(0)
				if task.StartedAt != nil && now.After(*task.StartedAt) {
					elapsed = now.Sub(*task.StartedAt)
				}
				// A running task never reads complete, however long it runs.
				credit := elapsed
				if ceiling := estimate * 99 / 100; credit > ceiling {
					credit = ceiling
				}
				task.Progress = 100 * float64(credit) / float64(estimate)
				doneWeight += credit
				if left := estimate - elapsed; left > 0 {
					remaining += left
				}
			case TaskPending:
				remaining += estimate
			}

			info.Tasks = append(info.Tasks, task)
		}
	}

	if totalWeight > 0 {
		info.Progress = 100 * float64(doneWeight) / float64(totalWeight)
	}
	if info.State == cluster.WorkflowStateSuccess {
		info.Progress = 100
	}
	// Progress never moves backwards; on failure it freezes at the last
	// value instead of dropping the failed task's partial credit.
	if prev != nil && prev.Progress > info.Progress {
		info.Progress = prev.Progress
	}

	if !info.State.Terminal() && remaining > 0 {
		eta := now.Add(remaining)
		info.EstimatedCompletion = &eta
	}

	return info
}

func taskStatus(s cluster.WorkflowState) TaskStatus {
	switch s {
	case cluster.WorkflowStateSuccess:
		return TaskSuccess
	case cluster.WorkflowStateRunning:
		return TaskRunning
	case cluster.WorkflowStateFailed, cluster.WorkflowStateTimeout:
		return TaskFailed
	default:
		return TaskPending
	}
}

// failureReason extracts a human-readable reason from a failed workflow.
func failureReason(info WorkflowInfo) string {
	for _, task := range info.Tasks {
		if task.Status != TaskFailed {
			continue
		}
		if task.Message != "" {
			return "action " + task.Name + " failed: " + task.Message
		}
		return "action " + task.Name + " failed"
	}
	if info.State == cluster.WorkflowStateTimeout {
		return "workflow timed out"
	}
	return "workflow failed"
}

// taskDurations collects the engine-reported duration of each finished task.
func taskDurations(info WorkflowInfo) map[string]time.Duration {
	durations := make(map[string]time.Duration)
	for _, task := range info.Tasks {
		if task.Status == TaskSuccess && task.DurationSeconds > 0 {
			durations[task.Name] = time.Duration(task.DurationSeconds) * time.Second
		}
	}
	return durations
}

// encodeSnapshot serializes the final progress view for archival.
func encodeSnapshot(info WorkflowInfo) (string, error) {
	data, err := json.Marshal(info)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// changed reports whether the new info differs enough from the previous
// snapshot to be worth broadcasting.
func changed(prev *WorkflowInfo, next WorkflowInfo) bool {
	if prev == nil {
		return true
	}
	if prev.State != next.State || prev.CurrentAction != next.CurrentAction {
		return true
	}
	if len(prev.Tasks) != len(next.Tasks) {
		return true
	}
	for i := range prev.Tasks {
		if prev.Tasks[i].Status != next.Tasks[i].Status {
			return true
		}
	}
	diff := next.Progress - prev.Progress
	if diff < 0 {
		diff = -diff
	}
	return diff >= 0.1
}
