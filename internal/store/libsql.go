package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/opflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Definitions ---

// SaveDefinition inserts or replaces a definition. CreatedAt is preserved on update.
func (s *LibSQLStore) SaveDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	triggerConfig, err := nullableValue(def.TriggerConfig)
	if err != nil {
		return fmt.Errorf("marshal trigger_config: %w", err)
	}
	if def.Steps == nil {
		steps = []byte("[]")
	}
	now := time.Now().UTC()
	def.CreatedAt = timeOrNow(def.CreatedAt)
	def.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO definitions (id, name, description, trigger_type, trigger_config, steps, inactive, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, description=excluded.description, trigger_type=excluded.trigger_type,
		   trigger_config=excluded.trigger_config, steps=excluded.steps, inactive=excluded.inactive,
		   updated_at=excluded.updated_at`,
		def.ID, def.Name, nullStr(def.Description), string(triggerOrManual(def.Trigger)), triggerConfig,
		string(steps), boolInt(def.Inactive), def.CreatedAt, def.UpdatedAt,
	)
	return err
}

const definitionColumns = `id, name, description, trigger_type, trigger_config, steps, inactive, created_at, updated_at`

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM definitions WHERE id = ?`, id)
	def, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("definition", id)
	}
	return def, err
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error) {
	var where []string
	var args []any

	if filter.Trigger != "" {
		where = append(where, "trigger_type = ?")
		args = append(args, string(filter.Trigger))
	}
	if !filter.IncludeInactive {
		where = append(where, "inactive = 0")
	}

	query := `SELECT ` + definitionColumns + ` FROM definitions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	query += limitOffset(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*schema.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// DeleteDefinition removes a definition. Its runs are retained as audit records.
func (s *LibSQLStore) DeleteDefinition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM definitions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "definition", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*schema.WorkflowDefinition, error) {
	def := &schema.WorkflowDefinition{}
	var description, triggerConfig sql.NullString
	var trigger, steps string
	var inactive int
	if err := row.Scan(&def.ID, &def.Name, &description, &trigger, &triggerConfig, &steps,
		&inactive, &def.CreatedAt, &def.UpdatedAt); err != nil {
		return nil, err
	}
	def.Description = description.String
	def.Trigger = schema.TriggerType(trigger)
	def.Inactive = inactive != 0
	if err := json.Unmarshal([]byte(steps), &def.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps of %q: %w", def.ID, err)
	}
	if triggerConfig.Valid && triggerConfig.String != "" {
		if err := json.Unmarshal([]byte(triggerConfig.String), &def.TriggerConfig); err != nil {
			return nil, fmt.Errorf("unmarshal trigger_config of %q: %w", def.ID, err)
		}
	}
	return def, nil
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *schema.Run) error {
	input, err := nullableValue(run.Input)
	if err != nil {
		return fmt.Errorf("marshal run input: %w", err)
	}
	run.StartTime = timeOrNow(run.StartTime)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, status, step_count, input, start_time) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, string(run.Status), run.StepCount, input, run.StartTime,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID).WithCause(err)
	}
	return err
}

const runColumns = `id, workflow_id, status, step_count, input, output, error, start_time, end_time`

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*schema.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	results, err := s.stepResults(ctx, id)
	if err != nil {
		return nil, err
	}
	run.StepResults = results
	return run, nil
}

// AppendStepResult stores result at the next position of the run's history.
func (s *LibSQLStore) AppendStepResult(ctx context.Context, runID string, result *schema.StepResult) error {
	output, err := nullableValue(result.Output)
	if err != nil {
		return fmt.Errorf("marshal step output: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var status string
	var stepCount, position int
	err = tx.QueryRowContext(ctx,
		`SELECT r.status, r.step_count, (SELECT COUNT(*) FROM step_results WHERE run_id = r.id)
		 FROM runs r WHERE r.id = ?`, runID,
	).Scan(&status, &stepCount, &position)
	if err == sql.ErrNoRows {
		return storeNotFound("run", runID)
	}
	if err != nil {
		return fmt.Errorf("read run: %w", err)
	}
	if schema.RunStatus(status) != schema.RunStatusRunning {
		return runNotRunning(runID, schema.RunStatus(status))
	}
	if position >= stepCount {
		return stepCountExceeded(runID, stepCount)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO step_results (run_id, position, step_id, status, output, error, error_code, start_time, end_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, position, result.StepID, string(result.Status), output,
		nullStr(result.Error), nullStr(result.ErrorCode), timeOrNow(result.StartTime), timeOrNow(result.EndTime),
	)
	if err != nil {
		return fmt.Errorf("insert step result: %w", err)
	}
	return tx.Commit()
}

// CompleteRun freezes a running run in its terminal state.
func (s *LibSQLStore) CompleteRun(ctx context.Context, runID string, c RunCompletion) error {
	output, err := nullableValue(c.Output)
	if err != nil {
		return fmt.Errorf("marshal run output: %w", err)
	}
	var errJSON any
	if c.Error != nil {
		if errJSON, err = nullableValue(c.Error); err != nil {
			return fmt.Errorf("marshal run error: %w", err)
		}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, output = ?, error = ?, end_time = ? WHERE id = ? AND status = ?`,
		string(c.Status), output, errJSON, timeOrNow(c.EndTime), runID, string(schema.RunStatusRunning),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, runID).Scan(&status)
	if err == sql.ErrNoRows {
		return storeNotFound("run", runID)
	}
	if err != nil {
		return err
	}
	return runNotRunning(runID, schema.RunStatus(status))
}

// ListRuns returns runs newest first, each with its step results loaded.
func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "start_time >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_time DESC, id DESC"
	query += limitOffset(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var runs []*schema.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Single connection: step results are loaded after the run cursor is released.
	for _, run := range runs {
		if run.StepResults, err = s.stepResults(ctx, run.ID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func scanRun(row rowScanner) (*schema.Run, error) {
	run := &schema.Run{}
	var status string
	var input, output, errJSON sql.NullString
	var endTime sql.NullTime
	if err := row.Scan(&run.ID, &run.WorkflowID, &status, &run.StepCount, &input, &output, &errJSON,
		&run.StartTime, &endTime); err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	if endTime.Valid {
		run.EndTime = &endTime.Time
	}
	var err error
	if run.Input, err = decodeValue(input); err != nil {
		return nil, fmt.Errorf("unmarshal input of run %q: %w", run.ID, err)
	}
	if run.Output, err = decodeValue(output); err != nil {
		return nil, fmt.Errorf("unmarshal output of run %q: %w", run.ID, err)
	}
	if errJSON.Valid && errJSON.String != "" {
		run.Error = &schema.FlowError{}
		if err := json.Unmarshal([]byte(errJSON.String), run.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error of run %q: %w", run.ID, err)
		}
	}
	run.StepResults = []schema.StepResult{}
	return run, nil
}

func (s *LibSQLStore) stepResults(ctx context.Context, runID string) ([]schema.StepResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, status, output, error, error_code, start_time, end_time
		 FROM step_results WHERE run_id = ? ORDER BY position ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []schema.StepResult{}
	for rows.Next() {
		var r schema.StepResult
		var status string
		var output, errMsg, errCode sql.NullString
		if err := rows.Scan(&r.StepID, &status, &output, &errMsg, &errCode, &r.StartTime, &r.EndTime); err != nil {
			return nil, err
		}
		r.Status = schema.StepStatus(status)
		r.Error = errMsg.String
		r.ErrorCode = errCode.String
		if r.Output, err = decodeValue(output); err != nil {
			return nil, fmt.Errorf("unmarshal output of step %q: %w", r.StepID, err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Events ---

// AppendEvent appends an event with a monotonically increasing per-run sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, workflow_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, event.WorkflowID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, workflow_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.WorkflowID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Agents ---

func (s *LibSQLStore) RegisterAgent(ctx context.Context, agent *Agent) error {
	capabilities, err := nullableValue(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal agent capabilities: %w", err)
	}
	agent.CreatedAt = timeOrNow(agent.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, type, capabilities, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, type=excluded.type,
		   capabilities=excluded.capabilities, metadata=excluded.metadata`,
		agent.ID, agent.Name, agent.Type, capabilities, nullRaw(agent.Metadata), agent.CreatedAt,
	)
	return err
}

const agentColumns = `id, name, type, capabilities, metadata, created_at, last_seen_at`

func (s *LibSQLStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("agent", id)
	}
	return a, err
}

func (s *LibSQLStore) UpdateAgentSeen(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_seen_at = ? WHERE id = ?`, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "agent", id)
}

func (s *LibSQLStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func scanAgent(row rowScanner) (*Agent, error) {
	a := &Agent{}
	var capabilities, metadata sql.NullString
	var lastSeen sql.NullTime
	if err := row.Scan(&a.ID, &a.Name, &a.Type, &capabilities, &metadata, &a.CreatedAt, &lastSeen); err != nil {
		return nil, err
	}
	if capabilities.Valid && capabilities.String != "" {
		if err := json.Unmarshal([]byte(capabilities.String), &a.Capabilities); err != nil {
			return nil, fmt.Errorf("unmarshal capabilities of agent %q: %w", a.ID, err)
		}
	}
	a.Metadata = rawOrNil(metadata)
	if lastSeen.Valid {
		a.LastSeenAt = &lastSeen.Time
	}
	return a, nil
}

// --- Helpers ---

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

// nullableValue marshals v to a JSON column value; nil stays SQL NULL.
func nullableValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return string(b), nil
}

func decodeValue(ns sql.NullString) (any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(ns.String), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func triggerOrManual(t schema.TriggerType) schema.TriggerType {
	if t == "" {
		return schema.TriggerManual
	}
	return t
}

func limitOffset(limit, offset int) string {
	var clause string
	if limit > 0 {
		clause = fmt.Sprintf(" LIMIT %d", limit)
		if offset > 0 {
			clause += fmt.Sprintf(" OFFSET %d", offset)
		}
	}
	return clause
}
