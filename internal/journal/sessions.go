package journal

import (
	"database/sql"
	"time"

	"github.com/haasonsaas/warden/pkg/models"
)

// Per-principal retention for the persisted sliding windows.
const (
	workingMemoryKeep = 10
	conversationKeep  = 20
)

// AppendTurn persists one conversation turn and trims the principal's
// window to the newest rows.
func (j *Journal) AppendTurn(turn models.ConversationTurn) error {
	ts := turn.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return j.write(func(db *sql.DB) error {
		key := turn.Principal.Key()
		if _, err := db.Exec(
			`INSERT INTO conversation_turns (principal, role, summary, timestamp) VALUES (?, ?, ?, ?)`,
			key, string(turn.Role), turn.Summary, ts.Format(timeFormat)); err != nil {
			return err
		}
		_, err := db.Exec(
			`DELETE FROM conversation_turns WHERE principal = ? AND id NOT IN (
				SELECT id FROM conversation_turns WHERE principal = ? ORDER BY id DESC LIMIT ?
			)`, key, key, conversationKeep)
		return err
	})
}

// RecentTurns returns the principal's newest turns, oldest first.
func (j *Journal) RecentTurns(principal models.Principal, limit int) ([]models.ConversationTurn, error) {
	if limit <= 0 {
		limit = conversationKeep
	}
	rows, err := j.db.Query(
		`SELECT role, summary, timestamp FROM (
			SELECT id, role, summary, timestamp FROM conversation_turns
			WHERE principal = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, principal.Key(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []models.ConversationTurn
	for rows.Next() {
		var (
			role, summary, ts string
		)
		if err := rows.Scan(&role, &summary, &ts); err != nil {
			return nil, err
		}
		turns = append(turns, models.ConversationTurn{
			Principal: principal,
			Role:      models.Role(role),
			Summary:   summary,
			Timestamp: parseTime(ts),
		})
	}
	return turns, rows.Err()
}

// AppendWorkingMemory persists one working-memory entry and trims the
// principal's window.
func (j *Journal) AppendWorkingMemory(entry models.WorkingMemoryEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return j.write(func(db *sql.DB) error {
		key := entry.Principal.Key()
		if _, err := db.Exec(
			`INSERT INTO working_memory (principal, task_id, timestamp, request_summary, tool_outputs_json, response_summary, label)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			key, entry.TaskID, ts.Format(timeFormat), entry.RequestSummary,
			nullable(entry.ToolOutputsJSON), entry.ResponseSummary, entry.Label.String()); err != nil {
			return err
		}
		_, err := db.Exec(
			`DELETE FROM working_memory WHERE principal = ? AND id NOT IN (
				SELECT id FROM working_memory WHERE principal = ? ORDER BY id DESC LIMIT ?
			)`, key, key, workingMemoryKeep)
		return err
	})
}

// RecentWorkingMemory returns the principal's newest entries, oldest
// first. Rows are keyed by principal, so one principal's reads never see
// another's entries.
func (j *Journal) RecentWorkingMemory(principal models.Principal, limit int) ([]models.WorkingMemoryEntry, error) {
	if limit <= 0 {
		limit = workingMemoryKeep
	}
	rows, err := j.db.Query(
		`SELECT task_id, timestamp, request_summary, tool_outputs_json, response_summary, label FROM (
			SELECT id, task_id, timestamp, request_summary, tool_outputs_json, response_summary, label
			FROM working_memory WHERE principal = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, principal.Key(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.WorkingMemoryEntry
	for rows.Next() {
		var (
			entry       models.WorkingMemoryEntry
			ts, label   string
			toolOutputs sql.NullString
		)
		if err := rows.Scan(&entry.TaskID, &ts, &entry.RequestSummary, &toolOutputs, &entry.ResponseSummary, &label); err != nil {
			return nil, err
		}
		entry.Principal = principal
		entry.Timestamp = parseTime(ts)
		entry.ToolOutputsJSON = toolOutputs.String
		parsed, err := models.ParseLabel(label)
		if err != nil {
			return nil, err
		}
		entry.Label = parsed
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
