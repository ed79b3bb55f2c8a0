package audit

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteRecorderConfig configures the persistent activity log.
type SQLiteRecorderConfig struct {
	DataDir string
	// RetentionDays prunes entries older than the window. 0 keeps
	// everything, which is the default for a billing audit trail.
	RetentionDays int
}

// SQLiteRecorder implements Recorder with SQLite storage and HMAC
// signing. Entries are insert-only.
type SQLiteRecorder struct {
	mu            sync.RWMutex
	db            *sql.DB
	signer        *Signer
	retentionDays int
	stopChan      chan struct{}
	wg            sync.WaitGroup
}

// NewSQLiteRecorder opens (or creates) audit.db under the data
// directory and starts the retention worker when configured.
func NewSQLiteRecorder(cfg SQLiteRecorderConfig) (*SQLiteRecorder, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}

	auditDir := filepath.Join(cfg.DataDir, "audit")
	if err := os.MkdirAll(auditDir, 0700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	dbPath := filepath.Join(auditDir, "audit.db")

	// Pragmas ride in the DSN so every pool connection is configured.
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	signer, err := NewSigner(auditDir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize activity signer: %w", err)
	}

	r := &SQLiteRecorder{
		db:            db,
		signer:        signer,
		retentionDays: cfg.RetentionDays,
		stopChan:      make(chan struct{}),
	}

	if err := r.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize audit schema: %w", err)
	}

	if r.retentionDays > 0 {
		r.wg.Add(1)
		go r.retentionWorker()
	}

	log.Info().
		Str("dbPath", dbPath).
		Int("retentionDays", r.retentionDays).
		Bool("signingEnabled", signer.SigningEnabled()).
		Msg("Activity log initialized")

	return r, nil
}

func (r *SQLiteRecorder) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS activity_log (
		id          TEXT PRIMARY KEY,
		timestamp   INTEGER NOT NULL,
		actor       TEXT NOT NULL,
		action      TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id   TEXT NOT NULL,
		details     TEXT,
		ip          TEXT,
		signature   TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_activity_timestamp ON activity_log(timestamp);
	CREATE INDEX IF NOT EXISTS idx_activity_action ON activity_log(action);
	CREATE INDEX IF NOT EXISTS idx_activity_target ON activity_log(target_type, target_id);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

// Record signs and inserts the entry, then mirrors it to zerolog for
// real-time visibility.
func (r *SQLiteRecorder) Record(entry Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry.Signature = r.signer.Sign(entry)

	_, err := r.db.Exec(`
		INSERT INTO activity_log (id, timestamp, actor, action, target_type, target_id, details, ip, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.Timestamp.Unix(),
		entry.Actor,
		entry.Action,
		entry.TargetType,
		entry.TargetID,
		entry.Details,
		entry.IP,
		entry.Signature,
	)
	if err != nil {
		return fmt.Errorf("insert activity entry: %w", err)
	}

	logEntry(entry)
	return nil
}

// Query retrieves entries matching the filter, newest first. Wildcard
// action patterns are matched after the SQL filters.
func (r *SQLiteRecorder) Query(filter QueryFilter) ([]Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wildcardAction := filter.actionHasWildcard()

	query := "SELECT id, timestamp, actor, action, target_type, target_id, details, ip, signature FROM activity_log WHERE 1=1"
	args := []any{}

	if filter.Actor != "" {
		query += " AND actor = ?"
		args = append(args, filter.Actor)
	}
	if filter.Action != "" && !wildcardAction {
		query += " AND action = ?"
		args = append(args, filter.Action)
	}
	if filter.TargetType != "" {
		query += " AND target_type = ?"
		args = append(args, filter.TargetType)
	}
	if filter.TargetID != "" {
		query += " AND target_id = ?"
		args = append(args, filter.TargetID)
	}
	if filter.StartTime != nil {
		query += " AND timestamp >= ?"
		args = append(args, filter.StartTime.Unix())
	}
	if filter.EndTime != nil {
		query += " AND timestamp <= ?"
		args = append(args, filter.EndTime.Unix())
	}

	query += " ORDER BY timestamp DESC, id"

	// Pagination happens in SQL unless a wildcard forces the action
	// match into Go, in which case limit and offset apply afterwards.
	if !wildcardAction {
		if filter.Limit > 0 {
			query += " LIMIT ?"
			args = append(args, filter.Limit)
		}
		if filter.Offset > 0 {
			if filter.Limit <= 0 {
				// SQLite requires LIMIT when OFFSET is present.
				query += " LIMIT -1"
			}
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activity log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var timestamp int64
		var details, ip sql.NullString

		if err := rows.Scan(&e.ID, &timestamp, &e.Actor, &e.Action, &e.TargetType, &e.TargetID, &details, &ip, &e.Signature); err != nil {
			return nil, fmt.Errorf("scan activity entry: %w", err)
		}
		e.Timestamp = time.Unix(timestamp, 0).UTC()
		e.Details = details.String
		e.IP = ip.String

		if wildcardAction && !wildcard.Match(filter.Action, e.Action) {
			continue
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if wildcardAction {
		entries = paginate(entries, filter.Offset, filter.Limit)
	}
	return entries, nil
}

// Count returns the number of entries matching the filter.
func (r *SQLiteRecorder) Count(filter QueryFilter) (int, error) {
	if filter.actionHasWildcard() {
		entries, err := r.Query(QueryFilter{
			Actor:      filter.Actor,
			Action:     filter.Action,
			TargetType: filter.TargetType,
			TargetID:   filter.TargetID,
			StartTime:  filter.StartTime,
			EndTime:    filter.EndTime,
		})
		if err != nil {
			return 0, err
		}
		return len(entries), nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	query := "SELECT COUNT(*) FROM activity_log WHERE 1=1"
	args := []any{}

	if filter.Actor != "" {
		query += " AND actor = ?"
		args = append(args, filter.Actor)
	}
	if filter.Action != "" {
		query += " AND action = ?"
		args = append(args, filter.Action)
	}
	if filter.TargetType != "" {
		query += " AND target_type = ?"
		args = append(args, filter.TargetType)
	}
	if filter.TargetID != "" {
		query += " AND target_id = ?"
		args = append(args, filter.TargetID)
	}
	if filter.StartTime != nil {
		query += " AND timestamp >= ?"
		args = append(args, filter.StartTime.Unix())
	}
	if filter.EndTime != nil {
		query += " AND timestamp <= ?"
		args = append(args, filter.EndTime.Unix())
	}

	var count int
	if err := r.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count activity log: %w", err)
	}
	return count, nil
}

// VerifySignature checks an entry against the signing key.
func (r *SQLiteRecorder) VerifySignature(entry Entry) bool {
	return r.signer.Verify(entry)
}

// Close stops the retention worker and closes the database.
func (r *SQLiteRecorder) Close() error {
	close(r.stopChan)
	r.wg.Wait()
	return r.db.Close()
}

func (r *SQLiteRecorder) retentionWorker() {
	defer r.wg.Done()

	ticker := time.NewTicker(12 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -r.retentionDays)
			r.mu.Lock()
			res, err := r.db.Exec(`DELETE FROM activity_log WHERE timestamp < ?`, cutoff.Unix())
			r.mu.Unlock()
			if err != nil {
				log.Error().Err(err).Msg("Activity log retention sweep failed")
				continue
			}
			if n, _ := res.RowsAffected(); n > 0 {
				log.Info().Int64("pruned", n).Time("cutoff", cutoff).Msg("Activity log retention sweep")
			}
		}
	}
}

func paginate(entries []Entry, offset, limit int) []Entry {
	if offset > 0 {
		if offset >= len(entries) {
			return []Entry{}
		}
		entries = entries[offset:]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}
