package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/warden/pkg/models"
)

// ErrNonMonotonic is returned when a task save would move the persisted
// lifecycle backwards.
var ErrNonMonotonic = fmt.Errorf("journal: task state transition is not monotonic")

// SaveTask persists a task checkpoint. The persisted phase only ever
// advances; a write that would regress the lifecycle is rejected.
func (j *Journal) SaveTask(task *models.Task) error {
	stateJSON, err := json.Marshal(task.State)
	if err != nil {
		return fmt.Errorf("marshal task state: %w", err)
	}
	var triggerJSON []byte
	if task.TriggerEvent != nil {
		if triggerJSON, err = json.Marshal(task.TriggerEvent); err != nil {
			return fmt.Errorf("marshal trigger event: %w", err)
		}
	}

	return j.write(func(db *sql.DB) error {
		var currentState string
		err := db.QueryRow(`SELECT state_json FROM tasks WHERE task_id = ?`, task.TaskID).Scan(&currentState)
		switch {
		case err == sql.ErrNoRows:
			// First checkpoint.
		case err != nil:
			return err
		default:
			var current models.TaskState
			if err := json.Unmarshal([]byte(currentState), &current); err == nil {
				if !current.Phase.CanAdvanceTo(task.State.Phase) && current.Phase != task.State.Phase {
					return fmt.Errorf("%w: %s -> %s", ErrNonMonotonic, current.Phase, task.State.Phase)
				}
			}
		}

		_, err = db.Exec(
			`INSERT INTO tasks (task_id, template_id, principal, trigger_event, data_ceiling, output_sinks, trace_id, state_json, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(task_id) DO UPDATE SET
				state_json = excluded.state_json,
				updated_at = excluded.updated_at`,
			task.TaskID, task.TemplateID, task.Principal.Key(), nullable(string(triggerJSON)),
			task.DataCeiling.String(), strings.Join(task.OutputSinks, ","), nullable(task.TraceID),
			string(stateJSON), now())
		return err
	})
}

// LoadTask loads one task, or nil when absent.
func (j *Journal) LoadTask(taskID string) (*models.Task, error) {
	row := j.db.QueryRow(
		`SELECT task_id, template_id, principal, trigger_event, data_ceiling, output_sinks, trace_id, state_json, updated_at
		 FROM tasks WHERE task_id = ?`, taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return task, err
}

// UnfinishedTasks returns all tasks whose persisted phase is not terminal,
// oldest first. Recovery consumes this at startup.
func (j *Journal) UnfinishedTasks() ([]*models.Task, error) {
	rows, err := j.db.Query(
		`SELECT task_id, template_id, principal, trigger_event, data_ceiling, output_sinks, trace_id, state_json, updated_at
		 FROM tasks ORDER BY updated_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if !task.State.Phase.Terminal() {
			tasks = append(tasks, task)
		}
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		task                    models.Task
		principalKey, ceiling   string
		triggerJSON, traceID    sql.NullString
		outputSinks, updatedAt  string
		stateJSON               string
	)
	if err := row.Scan(&task.TaskID, &task.TemplateID, &principalKey, &triggerJSON,
		&ceiling, &outputSinks, &traceID, &stateJSON, &updatedAt); err != nil {
		return nil, err
	}

	principal, err := models.ParsePrincipalKey(principalKey)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", task.TaskID, err)
	}
	task.Principal = principal

	if task.DataCeiling, err = models.ParseLabel(ceiling); err != nil {
		return nil, fmt.Errorf("task %s: %w", task.TaskID, err)
	}
	if triggerJSON.Valid && triggerJSON.String != "" {
		var event models.InboundEvent
		if err := json.Unmarshal([]byte(triggerJSON.String), &event); err != nil {
			return nil, fmt.Errorf("task %s trigger: %w", task.TaskID, err)
		}
		task.TriggerEvent = &event
	}
	if outputSinks != "" {
		task.OutputSinks = strings.Split(outputSinks, ",")
	}
	task.TraceID = traceID.String
	if err := json.Unmarshal([]byte(stateJSON), &task.State); err != nil {
		return nil, fmt.Errorf("task %s state: %w", task.TaskID, err)
	}
	task.UpdatedAt = parseTime(updatedAt)
	return &task, nil
}

// RecordCompletedStep journals an executed step. The (task_id, step) key
// makes replays idempotent: a second record of the same step is a no-op.
func (j *Journal) RecordCompletedStep(taskID string, step models.CompletedStep) error {
	return j.write(func(db *sql.DB) error {
		completedAt := step.CompletedAt
		if completedAt.IsZero() {
			completedAt = time.Now().UTC()
		}
		_, err := db.Exec(
			`INSERT OR IGNORE INTO completed_steps (task_id, step, tool, action_semantics, result_json, label, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			taskID, step.Step, step.Tool, string(step.ActionSemantics),
			nullable(string(step.Result)), step.Label.String(), completedAt.Format(timeFormat))
		return err
	})
}

// CompletedSteps returns the journaled steps of a task in step order.
func (j *Journal) CompletedSteps(taskID string) ([]models.CompletedStep, error) {
	rows, err := j.db.Query(
		`SELECT step, tool, action_semantics, result_json, label, completed_at
		 FROM completed_steps WHERE task_id = ? ORDER BY step ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []models.CompletedStep
	for rows.Next() {
		var (
			step        models.CompletedStep
			semantics   string
			resultJSON  sql.NullString
			label       string
			completedAt string
		)
		if err := rows.Scan(&step.Step, &step.Tool, &semantics, &resultJSON, &label, &completedAt); err != nil {
			return nil, err
		}
		step.ActionSemantics = models.ActionSemantics(semantics)
		if resultJSON.Valid {
			step.Result = []byte(resultJSON.String)
		}
		if step.Label, err = models.ParseLabel(label); err != nil {
			return nil, err
		}
		step.CompletedAt = parseTime(completedAt)
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
