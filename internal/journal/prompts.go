package journal

import (
	"database/sql"
	"time"

	"github.com/haasonsaas/warden/pkg/models"
)

// PutCredentialPrompt persists a pending credential prompt, replacing any
// earlier prompt for the same principal.
func (j *Journal) PutCredentialPrompt(prompt models.PendingCredentialPrompt) error {
	createdAt := prompt.PromptedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return j.write(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO pending_credential_prompts (principal, service, vault_key, expected_prefix, created_at, ttl_seconds)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(principal) DO UPDATE SET
				service = excluded.service,
				vault_key = excluded.vault_key,
				expected_prefix = excluded.expected_prefix,
				created_at = excluded.created_at,
				ttl_seconds = excluded.ttl_seconds`,
			prompt.Principal.Key(), prompt.Service, prompt.VaultKey,
			nullable(prompt.ExpectedPrefix), createdAt.Format(timeFormat), int(prompt.TTL.Seconds()))
		return err
	})
}

// GetCredentialPrompt returns the pending prompt for a principal, or nil.
func (j *Journal) GetCredentialPrompt(principal models.Principal) (*models.PendingCredentialPrompt, error) {
	row := j.db.QueryRow(
		`SELECT service, vault_key, expected_prefix, created_at, ttl_seconds
		 FROM pending_credential_prompts WHERE principal = ?`, principal.Key())
	var (
		prompt     models.PendingCredentialPrompt
		prefix     sql.NullString
		createdAt  string
		ttlSeconds int
	)
	err := row.Scan(&prompt.Service, &prompt.VaultKey, &prefix, &createdAt, &ttlSeconds)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	prompt.Principal = principal
	prompt.ExpectedPrefix = prefix.String
	prompt.PromptedAt = parseTime(createdAt)
	prompt.TTL = time.Duration(ttlSeconds) * time.Second
	return &prompt, nil
}

// DeleteCredentialPrompt clears a principal's pending prompt.
func (j *Journal) DeleteCredentialPrompt(principal models.Principal) error {
	return j.write(func(db *sql.DB) error {
		_, err := db.Exec(`DELETE FROM pending_credential_prompts WHERE principal = ?`, principal.Key())
		return err
	})
}

// AllCredentialPrompts returns every pending prompt, for gate restore at
// startup.
func (j *Journal) AllCredentialPrompts() ([]models.PendingCredentialPrompt, error) {
	rows, err := j.db.Query(
		`SELECT principal, service, vault_key, expected_prefix, created_at, ttl_seconds
		 FROM pending_credential_prompts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prompts []models.PendingCredentialPrompt
	for rows.Next() {
		var (
			prompt        models.PendingCredentialPrompt
			principalKey  string
			prefix        sql.NullString
			createdAt     string
			ttlSeconds    int
		)
		if err := rows.Scan(&principalKey, &prompt.Service, &prompt.VaultKey, &prefix, &createdAt, &ttlSeconds); err != nil {
			return nil, err
		}
		principal, err := models.ParsePrincipalKey(principalKey)
		if err != nil {
			return nil, err
		}
		prompt.Principal = principal
		prompt.ExpectedPrefix = prefix.String
		prompt.PromptedAt = parseTime(createdAt)
		prompt.TTL = time.Duration(ttlSeconds) * time.Second
		prompts = append(prompts, prompt)
	}
	return prompts, rows.Err()
}

// PendingDeletion is a transport message awaiting deletion (an
// intercepted credential message).
type PendingDeletion struct {
	ChatID    string
	MessageID string
	CreatedAt time.Time
}

// AddPendingDeletion records a message the transport should delete.
func (j *Journal) AddPendingDeletion(chatID, messageID string) error {
	return j.write(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT OR IGNORE INTO pending_message_deletions (chat_id, message_id, created_at) VALUES (?, ?, ?)`,
			chatID, messageID, now())
		return err
	})
}

// TakePendingDeletions returns and clears all pending deletions.
func (j *Journal) TakePendingDeletions() ([]PendingDeletion, error) {
	var deletions []PendingDeletion
	err := j.write(func(db *sql.DB) error {
		rows, err := db.Query(`SELECT chat_id, message_id, created_at FROM pending_message_deletions`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var d PendingDeletion
			var createdAt string
			if err := rows.Scan(&d.ChatID, &d.MessageID, &createdAt); err != nil {
				return err
			}
			d.CreatedAt = parseTime(createdAt)
			deletions = append(deletions, d)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		_, err = db.Exec(`DELETE FROM pending_message_deletions`)
		return err
	})
	return deletions, err
}
