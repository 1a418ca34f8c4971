// Package gateway implements the Persistence Gateway (component A): typed
// CRUD over the Postgres schema applied by internal/platform/migrations,
// built on pkg/storage/postgres's BaseStore/SelectBuilder, with connection-
// info envelope encryption and pgnotify publication of schema-affecting
// mutations for the Scheduler's reactive wake-up.
package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	infracrypto "github.com/datacore/execution-core/infrastructure/crypto"
	coreerrors "github.com/datacore/execution-core/infrastructure/errors"
	"github.com/datacore/execution-core/infrastructure/utils"
	"github.com/datacore/execution-core/internal/domain"
	"github.com/datacore/execution-core/pkg/pgnotify"
	"github.com/datacore/execution-core/pkg/storage/postgres"
)

// Gateway is the Persistence Gateway: one BaseStore-backed table per entity,
// sharing a single *sql.DB.
type Gateway struct {
	db        *sql.DB
	bus       *pgnotify.Bus
	masterKey []byte

	systems    *postgres.BaseStore
	schemas    *postgres.BaseStore
	mappings   *postgres.BaseStore
	rules      *postgres.BaseStore
	jobs       *postgres.BaseStore
	executions *postgres.BaseStore
	auditEvents *postgres.BaseStore
	alertRules *postgres.BaseStore
	alerts     *postgres.BaseStore
}

// New constructs a Gateway over an already-migrated database. masterKey is
// the 32-byte key used to envelope-encrypt System.ConnectionInfo; bus may be
// nil, in which case mutations are not published reactively.
func New(db *sql.DB, bus *pgnotify.Bus, masterKey []byte) *Gateway {
	return &Gateway{
		db:          db,
		bus:         bus,
		masterKey:   masterKey,
		systems:     postgres.NewBaseStore(db, "systems"),
		schemas:     postgres.NewBaseStore(db, "schemas"),
		mappings:    postgres.NewBaseStore(db, "mappings"),
		rules:       postgres.NewBaseStore(db, "mapping_rules"),
		jobs:        postgres.NewBaseStore(db, "jobs"),
		executions:  postgres.NewBaseStore(db, "job_executions"),
		auditEvents: postgres.NewBaseStore(db, "audit_events"),
		alertRules:  postgres.NewBaseStore(db, "alert_rules"),
		alerts:      postgres.NewBaseStore(db, "alerts"),
	}
}

func newID() string { return uuid.NewString() }

func (g *Gateway) notify(ctx context.Context, table string) {
	if g.bus == nil {
		return
	}
	_ = g.bus.Publish(ctx, "gateway_"+table, table)
}

// --- Systems ---

func (g *Gateway) CreateSystem(ctx context.Context, s domain.System) (domain.System, error) {
	if s.ID == "" {
		s.ID = newID()
	}
	caps, err := json.Marshal(s.Capabilities)
	if err != nil {
		return domain.System{}, coreerrors.InternalErr("marshal capabilities", err)
	}

	var encrypted []byte
	if len(s.ConnectionInfo) > 0 {
		encrypted, err = infracrypto.EncryptEnvelope(g.masterKey, []byte(s.ID), "system.connection_info", s.ConnectionInfo)
		if err != nil {
			return domain.System{}, coreerrors.InternalErr("encrypt connection info", err)
		}
	}

	_, err = g.systems.ExecContext(ctx, `
		INSERT INTO systems (id, name, kind, capabilities, connection_info, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())`,
		s.ID, s.Name, s.Kind, caps, encrypted, utils.Coalesce(s.Status, "active"))
	if err != nil {
		return domain.System{}, coreerrors.StorageUnavailable(err)
	}
	g.notify(ctx, "systems")
	return g.GetSystem(ctx, s.ID)
}

func (g *Gateway) GetSystem(ctx context.Context, id string) (domain.System, error) {
	row := g.systems.QueryRowContext(ctx, `
		SELECT id, name, kind, capabilities, connection_info, status, created_at, updated_at
		FROM systems WHERE id = $1`, id)

	var s domain.System
	var caps []byte
	var encrypted []byte
	if err := row.Scan(&s.ID, &s.Name, &s.Kind, &caps, &encrypted, &s.Status, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.System{}, coreerrors.NotFoundErr("System", id)
		}
		return domain.System{}, coreerrors.StorageUnavailable(err)
	}
	_ = json.Unmarshal(caps, &s.Capabilities)
	if len(encrypted) > 0 {
		plain, err := infracrypto.DecryptEnvelope(g.masterKey, []byte(s.ID), "system.connection_info", encrypted)
		if err != nil {
			return domain.System{}, coreerrors.InternalErr("decrypt connection info", err)
		}
		s.ConnectionInfo = plain
	}
	return s, nil
}

// --- Schemas ---

func (g *Gateway) CreateSchema(ctx context.Context, s domain.Schema) (domain.Schema, error) {
	if s.ID == "" {
		s.ID = newID()
	}
	if s.Version == 0 {
		s.Version = 1
	}
	fields, err := json.Marshal(s.Fields)
	if err != nil {
		return domain.Schema{}, coreerrors.InternalErr("marshal fields", err)
	}
	_, err = g.schemas.ExecContext(ctx, `
		INSERT INTO schemas (id, system_id, name, version, fields, discovered, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())`,
		s.ID, s.SystemID, s.Name, s.Version, fields, s.Discovered)
	if err != nil {
		return domain.Schema{}, coreerrors.StorageUnavailable(err)
	}
	g.notify(ctx, "schemas")
	return g.GetSchema(ctx, s.ID)
}

func (g *Gateway) GetSchema(ctx context.Context, id string) (domain.Schema, error) {
	row := g.schemas.QueryRowContext(ctx, `
		SELECT id, system_id, name, version, fields, discovered, created_at, updated_at
		FROM schemas WHERE id = $1`, id)
	var s domain.Schema
	var fields []byte
	if err := row.Scan(&s.ID, &s.SystemID, &s.Name, &s.Version, &fields, &s.Discovered, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.Schema{}, coreerrors.NotFoundErr("Schema", id)
		}
		return domain.Schema{}, coreerrors.StorageUnavailable(err)
	}
	_ = json.Unmarshal(fields, &s.Fields)
	return s, nil
}

func (g *Gateway) ListSchemasForSystem(ctx context.Context, systemID string) ([]domain.Schema, error) {
	query, args := postgres.NewSelectBuilder("schemas").
		Columns("id", "system_id", "name", "version", "fields", "discovered", "created_at", "updated_at").
		WhereEq("system_id", systemID).
		OrderBy("version", true).
		Build()
	rows, err := g.schemas.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, coreerrors.StorageUnavailable(err)
	}
	defer rows.Close()

	var out []domain.Schema
	for rows.Next() {
		var s domain.Schema
		var fields []byte
		if err := rows.Scan(&s.ID, &s.SystemID, &s.Name, &s.Version, &fields, &s.Discovered, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, coreerrors.StorageUnavailable(err)
		}
		_ = json.Unmarshal(fields, &s.Fields)
		out = append(out, s)
	}
	return out, rows.Err()
}

// --- Mappings ---

func (g *Gateway) CreateMapping(ctx context.Context, m domain.Mapping) (domain.Mapping, error) {
	if m.ID == "" {
		m.ID = newID()
	}
	if m.Version == 0 {
		m.Version = 1
	}
	if m.Status == "" {
		m.Status = domain.MappingDraft
	}

	if m.Cardinality == "" {
		m.Cardinality = domain.CardinalityOneToOne
	}

	return m, g.mappings.WithTx(ctx, func(txCtx context.Context) error {
		validationRules, err := json.Marshal(m.ValidationRules)
		if err != nil {
			return coreerrors.InternalErr("marshal validation rules", err)
		}
		_, err = g.mappings.ExecContext(txCtx, `
			INSERT INTO mappings (id, name, source_schema_id, target_schema_id, version, cardinality, validation_rules, expression, parent_id, active, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())`,
			m.ID, m.Name, m.SourceSchemaID, m.TargetSchemaID, m.Version, m.Cardinality, validationRules,
			m.Expression, nullableStr(m.ParentID), m.Active, m.Status)
		if err != nil {
			return coreerrors.StorageUnavailable(err)
		}
		for _, rule := range m.Rules {
			if rule.ID == "" {
				rule.ID = newID()
			}
			if rule.Kind == "" {
				rule.Kind = domain.RuleDirect
			}
			sourceFields, err := json.Marshal(rule.SourceFields)
			if err != nil {
				return coreerrors.InternalErr("marshal rule source fields", err)
			}
			params, err := json.Marshal(rule.Params)
			if err != nil {
				return coreerrors.InternalErr("marshal rule params", err)
			}
			defaultValue, err := json.Marshal(rule.DefaultValue)
			if err != nil {
				return coreerrors.InternalErr("marshal rule default value", err)
			}
			_, err = g.rules.ExecContext(txCtx, `
				INSERT INTO mapping_rules (id, mapping_id, sequence, kind, source_path, source_fields, target_path, transform, predicate, params, default_value, required, aggregation, expand_field, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now())`,
				rule.ID, m.ID, rule.Sequence, rule.Kind, rule.SourcePath, sourceFields, rule.TargetPath,
				rule.Transform, rule.Predicate, params, defaultValue, rule.Required,
				nullStrOf(string(rule.Aggregation)), rule.ExpandField)
			if err != nil {
				return coreerrors.StorageUnavailable(err)
			}
		}
		g.notify(txCtx, "mappings")
		return nil
	})
}

func (g *Gateway) GetMapping(ctx context.Context, id string) (domain.Mapping, error) {
	row := g.mappings.QueryRowContext(ctx, `
		SELECT id, name, source_schema_id, target_schema_id, version, cardinality, validation_rules, expression, parent_id, active, status, created_at, updated_at
		FROM mappings WHERE id = $1`, id)
	var m domain.Mapping
	var expr sql.NullString
	var parentID sql.NullString
	var validationRules []byte
	if err := row.Scan(&m.ID, &m.Name, &m.SourceSchemaID, &m.TargetSchemaID, &m.Version, &m.Cardinality,
		&validationRules, &expr, &parentID, &m.Active, &m.Status, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.Mapping{}, coreerrors.NotFoundErr("Mapping", id)
		}
		return domain.Mapping{}, coreerrors.StorageUnavailable(err)
	}
	m.Expression = expr.String
	m.ParentID = postgres.NullStringToPtr(parentID)
	_ = json.Unmarshal(validationRules, &m.ValidationRules)

	rows, err := g.rules.QueryContext(ctx, `
		SELECT id, mapping_id, sequence, kind, source_path, source_fields, target_path, transform, predicate, params, default_value, required, aggregation, expand_field
		FROM mapping_rules WHERE mapping_id = $1 ORDER BY sequence ASC`, id)
	if err != nil {
		return domain.Mapping{}, coreerrors.StorageUnavailable(err)
	}
	defer rows.Close()
	for rows.Next() {
		var r domain.MappingRule
		var kind string
		var transform, predicate, aggregation, expandField sql.NullString
		var sourceFields, params, defaultValue []byte
		if err := rows.Scan(&r.ID, &r.MappingID, &r.Sequence, &kind, &r.SourcePath, &sourceFields, &r.TargetPath,
			&transform, &predicate, &params, &defaultValue, &r.Required, &aggregation, &expandField); err != nil {
			return domain.Mapping{}, coreerrors.StorageUnavailable(err)
		}
		r.Kind = domain.RuleKind(kind)
		r.Transform = transform.String
		r.Predicate = predicate.String
		r.Aggregation = domain.AggregationFunc(aggregation.String)
		r.ExpandField = expandField.String
		_ = json.Unmarshal(sourceFields, &r.SourceFields)
		_ = json.Unmarshal(params, &r.Params)
		_ = json.Unmarshal(defaultValue, &r.DefaultValue)
		m.Rules = append(m.Rules, r)
	}
	return m, rows.Err()
}

// --- Jobs ---

const jobColumns = `id, name, mapping_id, schedule_kind, schedule_spec, enabled, active, status, priority,
	dependencies, configuration, timeout_seconds, max_retries, retry_delay_seconds, tags,
	next_run_at, last_run_at, created_at, updated_at`

func (g *Gateway) CreateJob(ctx context.Context, j domain.Job) (domain.Job, error) {
	if j.ID == "" {
		j.ID = newID()
	}
	if j.Status == "" {
		j.Status = domain.JobInactive
	}
	if j.Priority == 0 {
		j.Priority = 5
	}
	if j.MaxRetries == 0 {
		j.MaxRetries = 3
	}
	spec, err := json.Marshal(scheduleSpec(j.Schedule))
	if err != nil {
		return domain.Job{}, coreerrors.InternalErr("marshal schedule", err)
	}
	dependencies, err := json.Marshal(j.Dependencies)
	if err != nil {
		return domain.Job{}, coreerrors.InternalErr("marshal dependencies", err)
	}
	configuration, err := json.Marshal(j.Configuration)
	if err != nil {
		return domain.Job{}, coreerrors.InternalErr("marshal configuration", err)
	}
	tags, err := json.Marshal(j.Tags)
	if err != nil {
		return domain.Job{}, coreerrors.InternalErr("marshal tags", err)
	}
	_, err = g.jobs.ExecContext(ctx, `
		INSERT INTO jobs (id, name, mapping_id, schedule_kind, schedule_spec, enabled, active, status, priority,
			dependencies, configuration, timeout_seconds, max_retries, retry_delay_seconds, tags, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, now(), now())`,
		j.ID, j.Name, j.MappingID, j.Schedule.Kind, spec, j.Enabled, j.Active, j.Status, j.Priority,
		dependencies, configuration, nullableIntPtr(j.TimeoutSeconds), j.MaxRetries, j.RetryDelaySeconds,
		tags, postgres.PtrToNullTime(j.NextRunAt))
	if err != nil {
		return domain.Job{}, coreerrors.StorageUnavailable(err)
	}
	g.notify(ctx, "jobs")
	return g.GetJob(ctx, j.ID)
}

func (g *Gateway) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := g.jobs.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = $1", id)
	return scanJob(row)
}

func scanJob(row *sql.Row) (domain.Job, error) {
	var j domain.Job
	var kind, status string
	var spec, dependencies, configuration, tags []byte
	var timeoutSeconds sql.NullInt64
	var nextRun, lastRun sql.NullTime
	if err := row.Scan(&j.ID, &j.Name, &j.MappingID, &kind, &spec, &j.Enabled, &j.Active, &status, &j.Priority,
		&dependencies, &configuration, &timeoutSeconds, &j.MaxRetries, &j.RetryDelaySeconds, &tags,
		&nextRun, &lastRun, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.Job{}, coreerrors.NotFoundErr("Job", "")
		}
		return domain.Job{}, coreerrors.StorageUnavailable(err)
	}
	j.Status = domain.JobStatus(status)
	j.NextRunAt = postgres.NullTimeToPtr(nextRun)
	j.LastRunAt = postgres.NullTimeToPtr(lastRun)
	j.Schedule = unmarshalSchedule(domain.ScheduleKind(kind), spec)
	if timeoutSeconds.Valid {
		v := int(timeoutSeconds.Int64)
		j.TimeoutSeconds = &v
	}
	_ = json.Unmarshal(dependencies, &j.Dependencies)
	_ = json.Unmarshal(configuration, &j.Configuration)
	_ = json.Unmarshal(tags, &j.Tags)
	return j, nil
}

func (g *Gateway) ListEnabledJobs(ctx context.Context) ([]domain.Job, error) {
	rows, err := g.jobs.QueryContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE enabled = true")
	if err != nil {
		return nil, coreerrors.StorageUnavailable(err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		var j domain.Job
		var kind, status string
		var spec, dependencies, configuration, tags []byte
		var timeoutSeconds sql.NullInt64
		var nextRun, lastRun sql.NullTime
		if err := rows.Scan(&j.ID, &j.Name, &j.MappingID, &kind, &spec, &j.Enabled, &j.Active, &status, &j.Priority,
			&dependencies, &configuration, &timeoutSeconds, &j.MaxRetries, &j.RetryDelaySeconds, &tags,
			&nextRun, &lastRun, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, coreerrors.StorageUnavailable(err)
		}
		j.Status = domain.JobStatus(status)
		j.NextRunAt = postgres.NullTimeToPtr(nextRun)
		j.LastRunAt = postgres.NullTimeToPtr(lastRun)
		j.Schedule = unmarshalSchedule(domain.ScheduleKind(kind), spec)
		if timeoutSeconds.Valid {
			v := int(timeoutSeconds.Int64)
			j.TimeoutSeconds = &v
		}
		_ = json.Unmarshal(dependencies, &j.Dependencies)
		_ = json.Unmarshal(configuration, &j.Configuration)
		_ = json.Unmarshal(tags, &j.Tags)
		out = append(out, j)
	}
	return out, rows.Err()
}

// UpdateJobNextRun sets next_run_at, or clears it (passing nil) when a
// once/immediate schedule has fired and has no further recurrence.
func (g *Gateway) UpdateJobNextRun(ctx context.Context, jobID string, next *time.Time) error {
	_, err := g.jobs.ExecContext(ctx,
		`UPDATE jobs SET next_run_at = $1, last_run_at = now(), updated_at = now() WHERE id = $2`,
		postgres.PtrToNullTime(next), jobID)
	if err != nil {
		return coreerrors.StorageUnavailable(err)
	}
	return nil
}

// UpdateJobStatus advances a Job's lifecycle status (spec 4.G's state
// machine: inactive->scheduled->running->{scheduled,completed,failed}, with
// paused as an operator-driven detour back to scheduled).
func (g *Gateway) UpdateJobStatus(ctx context.Context, jobID string, status domain.JobStatus) error {
	_, err := g.jobs.ExecContext(ctx, `UPDATE jobs SET status = $1, updated_at = now() WHERE id = $2`, status, jobID)
	if err != nil {
		return coreerrors.StorageUnavailable(err)
	}
	return nil
}

// scheduleSpec/unmarshalSchedule project the Schedule tagged union into/out
// of the jobs.schedule_spec JSONB column, keyed uniformly regardless of
// which variant is active.
func scheduleSpec(s domain.Schedule) map[string]any {
	return map[string]any{
		"cron_expr":      s.CronExpr,
		"timezone":       s.Timezone,
		"start":          s.Start,
		"interval_count": s.IntervalCount,
		"interval_unit":  s.IntervalUnit,
		"run_at":         s.RunAt,
	}
}

func unmarshalSchedule(kind domain.ScheduleKind, raw []byte) domain.Schedule {
	var spec struct {
		CronExpr      string             `json:"cron_expr"`
		Timezone      string             `json:"timezone"`
		Start         time.Time          `json:"start"`
		IntervalCount int                `json:"interval_count"`
		IntervalUnit  domain.IntervalUnit `json:"interval_unit"`
		RunAt         time.Time          `json:"run_at"`
	}
	_ = json.Unmarshal(raw, &spec)
	return domain.Schedule{
		Kind:          kind,
		CronExpr:      spec.CronExpr,
		Timezone:      spec.Timezone,
		Start:         spec.Start,
		IntervalCount: spec.IntervalCount,
		IntervalUnit:  spec.IntervalUnit,
		RunAt:         spec.RunAt,
	}
}

// --- Job Executions ---

func (g *Gateway) CreateExecution(ctx context.Context, e domain.JobExecution) (domain.JobExecution, error) {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.Status == "" {
		e.Status = domain.ExecutionQueued
	}
	if e.Trigger == "" {
		e.Trigger = domain.TriggerManual
	}
	if e.Attempt == 0 {
		e.Attempt = 1
	}
	if e.QueuedAt.IsZero() {
		e.QueuedAt = time.Now()
	}
	checkpoint, err := json.Marshal(e.Checkpoint)
	if err != nil {
		return domain.JobExecution{}, coreerrors.InternalErr("marshal checkpoint", err)
	}
	_, err = g.executions.ExecContext(ctx, `
		INSERT INTO job_executions (id, job_id, parent_execution_id, status, trigger, priority, attempt, retry_count, queued_at, checkpoint, error_code, error_message, started_at, finished_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now())`,
		e.ID, e.JobID, nullableStr(e.ParentExecutionID), e.Status, e.Trigger, e.Priority, e.Attempt, e.RetryCount,
		e.QueuedAt, checkpoint, e.ErrorCode, e.ErrorMessage, postgres.PtrToNullTime(e.StartedAt), postgres.PtrToNullTime(e.FinishedAt))
	if err != nil {
		return domain.JobExecution{}, coreerrors.StorageUnavailable(err)
	}
	return e, nil
}

func (g *Gateway) UpdateExecution(ctx context.Context, e domain.JobExecution) error {
	checkpoint, err := json.Marshal(e.Checkpoint)
	if err != nil {
		return coreerrors.InternalErr("marshal checkpoint", err)
	}
	_, err = g.executions.ExecContext(ctx, `
		UPDATE job_executions
		SET status = $1, attempt = $2, retry_count = $3, checkpoint = $4, error_code = $5, error_message = $6, started_at = $7, finished_at = $8
		WHERE id = $9`,
		e.Status, e.Attempt, e.RetryCount, checkpoint, e.ErrorCode, e.ErrorMessage,
		postgres.PtrToNullTime(e.StartedAt), postgres.PtrToNullTime(e.FinishedAt), e.ID)
	if err != nil {
		return coreerrors.StorageUnavailable(err)
	}
	return nil
}

// LatestExecutionForJob returns the most recently created execution for a
// Job, used by DependenciesMet to check whether an upstream Job's last run
// completed. Returns a zero-value JobExecution (Status == "") when the job
// has never executed.
func (g *Gateway) LatestExecutionForJob(ctx context.Context, jobID string) (domain.JobExecution, error) {
	row := g.executions.QueryRowContext(ctx, `
		SELECT id, job_id, parent_execution_id, status, trigger, priority, attempt, retry_count, queued_at, checkpoint, error_code, error_message, started_at, finished_at, created_at
		FROM job_executions WHERE job_id = $1 ORDER BY created_at DESC LIMIT 1`, jobID)
	return scanExecution(row)
}

func scanExecution(row *sql.Row) (domain.JobExecution, error) {
	var e domain.JobExecution
	var parentID sql.NullString
	var checkpoint []byte
	var startedAt, finishedAt sql.NullTime
	if err := row.Scan(&e.ID, &e.JobID, &parentID, &e.Status, &e.Trigger, &e.Priority, &e.Attempt, &e.RetryCount,
		&e.QueuedAt, &checkpoint, &e.ErrorCode, &e.ErrorMessage, &startedAt, &finishedAt, &e.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.JobExecution{}, nil
		}
		return domain.JobExecution{}, coreerrors.StorageUnavailable(err)
	}
	e.ParentExecutionID = postgres.NullStringToPtr(parentID)
	e.StartedAt = postgres.NullTimeToPtr(startedAt)
	e.FinishedAt = postgres.NullTimeToPtr(finishedAt)
	_ = json.Unmarshal(checkpoint, &e.Checkpoint)
	return e, nil
}

// --- Audit events ---

func (g *Gateway) InsertAuditEvents(ctx context.Context, events []domain.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	return g.auditEvents.WithTx(ctx, func(txCtx context.Context) error {
		for _, e := range events {
			if e.ID == "" {
				e.ID = newID()
			}
			detail, err := json.Marshal(e.Detail)
			if err != nil {
				return coreerrors.InternalErr("marshal audit detail", err)
			}
			_, err = g.auditEvents.ExecContext(txCtx, `
				INSERT INTO audit_events (id, category, subject_type, subject_id, action, actor, detail, occurred_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
				e.ID, e.Category, e.SubjectType, e.SubjectID, e.Action, e.Actor, detail)
			if err != nil {
				return coreerrors.StorageUnavailable(err)
			}
		}
		return nil
	})
}

// ListAuditEvents implements the §6 paginated audit query surface.
func (g *Gateway) ListAuditEvents(ctx context.Context, category domain.AuditCategory, limit, offset int) ([]domain.AuditEvent, error) {
	builder := postgres.NewSelectBuilder("audit_events").
		Columns("id", "category", "subject_type", "subject_id", "action", "actor", "detail", "occurred_at").
		OrderBy("occurred_at", true).
		Limit(limit).Offset(offset)
	if category != "" {
		builder = builder.WhereEq("category", string(category))
	}
	query, args := builder.Build()

	rows, err := g.auditEvents.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, coreerrors.StorageUnavailable(err)
	}
	defer rows.Close()

	var out []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var detail []byte
		var subjectID, actor sql.NullString
		if err := rows.Scan(&e.ID, &e.Category, &e.SubjectType, &subjectID, &e.Action, &actor, &detail, &e.OccurredAt); err != nil {
			return nil, coreerrors.StorageUnavailable(err)
		}
		e.SubjectID = subjectID.String
		e.Actor = actor.String
		_ = json.Unmarshal(detail, &e.Detail)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (g *Gateway) CountAuditEventsSince(ctx context.Context, category domain.AuditCategory, since time.Time) (int, error) {
	var count int
	err := g.auditEvents.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_events WHERE category = $1 AND occurred_at >= $2`,
		category, since).Scan(&count)
	if err != nil {
		return 0, coreerrors.StorageUnavailable(err)
	}
	return count, nil
}

// --- Alert rules / alerts ---

func (g *Gateway) ListAlertRules(ctx context.Context) ([]domain.AlertRule, error) {
	rows, err := g.alertRules.QueryContext(ctx, `
		SELECT id, name, condition, threshold, window_secs, cooldown_secs, enabled, created_at, updated_at
		FROM alert_rules WHERE enabled = true`)
	if err != nil {
		return nil, coreerrors.StorageUnavailable(err)
	}
	defer rows.Close()

	var out []domain.AlertRule
	for rows.Next() {
		var r domain.AlertRule
		if err := rows.Scan(&r.ID, &r.Name, &r.Condition, &r.Threshold, &r.WindowSecs, &r.CooldownSecs, &r.Enabled, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, coreerrors.StorageUnavailable(err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (g *Gateway) CreateAlert(ctx context.Context, a domain.Alert) (domain.Alert, error) {
	if a.ID == "" {
		a.ID = newID()
	}
	_, err := g.alerts.ExecContext(ctx, `
		INSERT INTO alerts (id, rule_id, severity, message, fired_at, resolved_at, dispatched)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.RuleID, a.Severity, a.Message, a.FiredAt, postgres.PtrToNullTime(a.ResolvedAt), a.Dispatched)
	if err != nil {
		return domain.Alert{}, coreerrors.StorageUnavailable(err)
	}
	return a, nil
}

func (g *Gateway) GetLastAlertFiredAt(ctx context.Context, ruleID string) (*time.Time, error) {
	var fired sql.NullTime
	err := g.alerts.QueryRowContext(ctx,
		`SELECT fired_at FROM alerts WHERE rule_id = $1 ORDER BY fired_at DESC LIMIT 1`, ruleID).Scan(&fired)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, coreerrors.StorageUnavailable(err)
	}
	return postgres.NullTimeToPtr(fired), nil
}

func nullableStr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// nullStrOf treats an empty string as SQL NULL, for optional enum-valued
// columns (e.g. mapping_rules.aggregation) that are only set for one kind.
func nullStrOf(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableIntPtr(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}
