package journal

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/warden/pkg/models"
)

// SaveMemory inserts or updates a long-term memory. A missing ID is
// assigned; timestamps are maintained here.
func (j *Journal) SaveMemory(mem *models.Memory) error {
	if mem.ID == "" {
		mem.ID = uuid.NewString()
	}
	if mem.Status == "" {
		mem.Status = models.MemoryActive
	}
	nowT := time.Now().UTC()
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = nowT
	}
	mem.UpdatedAt = nowT

	return j.write(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO memories (id, content, label, source, status, created_at, updated_at, task_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				content = excluded.content,
				label = excluded.label,
				status = excluded.status,
				updated_at = excluded.updated_at`,
			mem.ID, mem.Content, mem.Label.String(), string(mem.Source), string(mem.Status),
			mem.CreatedAt.Format(timeFormat), mem.UpdatedAt.Format(timeFormat), nullable(mem.TaskID))
		return err
	})
}

// SearchMemories runs a ranked full-text search over active memories,
// returning only rows with label at or below ceiling. An empty query
// returns no rows rather than surfacing FTS syntax errors.
func (j *Journal) SearchMemories(query string, ceiling models.SecurityLabel, limit int) ([]*models.Memory, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := j.db.Query(
		`SELECT m.id, m.content, m.label, m.source, m.status, m.created_at, m.updated_at, m.task_id
		 FROM memories_fts f
		 JOIN memories m ON m.rowid = f.rowid
		 WHERE memories_fts MATCH ? AND m.status = 'active'
		 ORDER BY f.rank
		 LIMIT ?`, match, limit*4)
	if err != nil {
		return nil, fmt.Errorf("memory search: %w", err)
	}
	defer rows.Close()

	var results []*models.Memory
	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		// The ceiling filter runs in Go so a label parse failure can never
		// silently widen the result set.
		if mem.Label <= ceiling {
			results = append(results, mem)
			if len(results) >= limit {
				break
			}
		}
	}
	return results, rows.Err()
}

// GetMemory loads one memory, or nil when absent.
func (j *Journal) GetMemory(id string) (*models.Memory, error) {
	row := j.db.QueryRow(
		`SELECT id, content, label, source, status, created_at, updated_at, task_id
		 FROM memories WHERE id = ?`, id)
	mem, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return mem, err
}

// ArchiveMemory marks a memory archived; archived rows leave search.
func (j *Journal) ArchiveMemory(id string) error {
	return j.write(func(db *sql.DB) error {
		_, err := db.Exec(
			`UPDATE memories SET status = 'archived', updated_at = ? WHERE id = ?`,
			now(), id)
		return err
	})
}

func scanMemory(row rowScanner) (*models.Memory, error) {
	var (
		mem                  models.Memory
		label, source        string
		status               string
		createdAt, updatedAt string
		taskID               sql.NullString
	)
	if err := row.Scan(&mem.ID, &mem.Content, &label, &source, &status, &createdAt, &updatedAt, &taskID); err != nil {
		return nil, err
	}
	parsed, err := models.ParseLabel(label)
	if err != nil {
		return nil, err
	}
	mem.Label = parsed
	mem.Source = models.MemorySource(source)
	mem.Status = models.MemoryStatus(status)
	mem.CreatedAt = parseTime(createdAt)
	mem.UpdatedAt = parseTime(updatedAt)
	mem.TaskID = taskID.String
	return &mem, nil
}

// ftsQuery neutralizes FTS5 operator syntax by quoting each token. The
// result is empty for a blank query.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " ")
}
