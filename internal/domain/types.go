// Package domain holds the Execution Core's entity types: the data model
// persisted by the Persistence Gateway and shared across every component.
package domain

import "time"

// System is an external data source or sink the Execution Core integrates
// with through a Connector.
type System struct {
	ID             string
	Name           string
	Kind           string // e.g. "postgres", "rest", "kafka"
	Capabilities   map[string]any
	ConnectionInfo []byte // envelope-encrypted at rest, see infrastructure/crypto
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FieldType is one member of the universal type taxonomy the Schema & Type
// Registry uses to reason about compatibility across heterogeneous systems
// (spec 4.B's closed 18-type set).
type FieldType string

const (
	TypeString   FieldType = "string"
	TypeText     FieldType = "text"
	TypeInteger  FieldType = "integer"
	TypeLong     FieldType = "long"
	TypeFloat    FieldType = "float"
	TypeDouble   FieldType = "double"
	TypeDecimal  FieldType = "decimal"
	TypeBoolean  FieldType = "boolean"
	TypeDate     FieldType = "date"
	TypeTime     FieldType = "time"
	TypeDateTime FieldType = "datetime"
	TypeTimestamp FieldType = "timestamp"
	TypeBinary   FieldType = "binary"
	TypeArray    FieldType = "array"
	TypeObject   FieldType = "object"
	TypeMap      FieldType = "map"
	TypeJSON     FieldType = "json"
	TypeXML      FieldType = "xml"
)

// TypeCategory buckets a FieldType for compatibility and widening rules.
type TypeCategory string

const (
	CategoryText     TypeCategory = "text"
	CategoryNumeric  TypeCategory = "numeric"
	CategoryDateTime TypeCategory = "datetime"
	CategoryBoolean  TypeCategory = "boolean"
	CategoryBinary   TypeCategory = "binary"
	CategoryComplex  TypeCategory = "complex"
)

// CategoryOf reports the bucket a universal FieldType falls into, used by
// IsCompatible and the name-similarity suggestion engine.
func CategoryOf(t FieldType) TypeCategory {
	switch t {
	case TypeString, TypeText:
		return CategoryText
	case TypeInteger, TypeLong, TypeFloat, TypeDouble, TypeDecimal:
		return CategoryNumeric
	case TypeDate, TypeTime, TypeDateTime, TypeTimestamp:
		return CategoryDateTime
	case TypeBoolean:
		return CategoryBoolean
	case TypeBinary:
		return CategoryBinary
	default:
		return CategoryComplex // array, object, map, json, xml
	}
}

// SchemaField describes one addressable field of a Schema.
type SchemaField struct {
	Path     string
	Type     FieldType
	Nullable bool
	Children []SchemaField // populated when Type == TypeObject, TypeArray or TypeMap
}

// Schema is a versioned description of a System's record shape, either
// registered explicitly or discovered by introspection.
type Schema struct {
	ID         string
	SystemID   string
	Name       string
	Version    int
	Fields     []SchemaField
	Discovered bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RuleKind is the dispatch discriminant for how a MappingRule resolves its
// value (spec 4.E).
type RuleKind string

const (
	RuleDirect      RuleKind = "direct"
	RuleTransform   RuleKind = "transform"
	RuleConcat      RuleKind = "concat"
	RuleSplit       RuleKind = "split"
	RuleLookup      RuleKind = "lookup"
	RuleFormula     RuleKind = "formula"
	RuleConditional RuleKind = "conditional"
	RuleAggregate   RuleKind = "aggregate"
)

// AggregationFunc is applied across a record group for N:1/N:N cardinality
// mappings (spec 4.E).
type AggregationFunc string

const (
	AggSum    AggregationFunc = "sum"
	AggAvg    AggregationFunc = "avg"
	AggCount  AggregationFunc = "count"
	AggMin    AggregationFunc = "min"
	AggMax    AggregationFunc = "max"
	AggFirst  AggregationFunc = "first"
	AggLast   AggregationFunc = "last"
	AggConcat AggregationFunc = "concat"
)

// MappingRule binds one or more source paths to one target path. Kind
// selects how the value is produced; Params carries kind-specific
// configuration (e.g. split's delimiter/index, lookup's table name,
// formula's expression, concat's separator).
type MappingRule struct {
	ID           string
	MappingID    string
	Sequence     int
	SourcePath   string   // primary source field (direct/transform/split/lookup/formula/aggregate)
	SourceFields []string // additional source fields (concat, multi-arg formula)
	TargetPath   string
	Kind         RuleKind
	Params       map[string]any // kind-specific parameters
	Transform    string         // pipe-separated transform-library invocation chain (RuleTransform)
	Predicate    string         // expression-sandbox boolean guard, empty means always
	DefaultValue any            // used when Predicate is false or the resolved value is null
	Required     bool           // non-null target value required; violation is a per-record error
	Aggregation  AggregationFunc
	ExpandField  string // source path to a list field; set for a 1:N expansion rule
}

// MappingStatus is the lifecycle state of a Mapping.
type MappingStatus string

const (
	MappingDraft     MappingStatus = "draft"
	MappingValidated MappingStatus = "validated"
	MappingPublished MappingStatus = "published"
	MappingArchived  MappingStatus = "archived"
)

// Cardinality describes how many target records a Mapping produces per
// source group (spec 3/4.E).
type Cardinality string

const (
	CardinalityOneToOne   Cardinality = "1:1"
	CardinalityOneToMany  Cardinality = "1:N"
	CardinalityManyToOne  Cardinality = "N:1"
	CardinalityManyToMany Cardinality = "N:N"
)

// Mapping transforms records conforming to SourceSchema into records
// conforming to TargetSchema, via an ordered set of Rules followed by an
// optional whole-mapping Expression (see DESIGN.md Open Question 2).
type Mapping struct {
	ID              string
	Name            string
	SourceSchemaID  string
	TargetSchemaID  string
	Version         int
	Cardinality     Cardinality
	Rules           []MappingRule
	ValidationRules map[string]any
	Expression      string
	ParentID        *string // prior version this mapping was cloned/published from
	Active          bool
	Status          MappingStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ScheduleKind is the tagged-union discriminant for Schedule.
type ScheduleKind string

const (
	ScheduleManual    ScheduleKind = "manual"
	ScheduleImmediate ScheduleKind = "immediate"
	ScheduleOnce      ScheduleKind = "once"
	ScheduleRecurring ScheduleKind = "recurring"
	ScheduleCron      ScheduleKind = "cron"
)

// IntervalUnit is the recurring-schedule grid unit (spec 3).
type IntervalUnit string

const (
	IntervalMinutes IntervalUnit = "minutes"
	IntervalHours   IntervalUnit = "hours"
	IntervalDays    IntervalUnit = "days"
	IntervalWeeks   IntervalUnit = "weeks"
	IntervalMonths  IntervalUnit = "months"
)

// Duration converts the unit into a time.Duration. Months has no fixed
// duration; callers needing month-grid arithmetic must use calendar addition
// instead (see scheduler.NextFireTime).
func (u IntervalUnit) Duration() time.Duration {
	switch u {
	case IntervalMinutes:
		return time.Minute
	case IntervalHours:
		return time.Hour
	case IntervalDays:
		return 24 * time.Hour
	case IntervalWeeks:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// Schedule is a tagged union: exactly one of its kind-specific fields is
// meaningful, selected by Kind.
type Schedule struct {
	Kind ScheduleKind

	CronExpr string // ScheduleCron
	Timezone string // ScheduleCron: IANA zone, DST-aware (see spec Design Notes)

	Start         time.Time    // ScheduleRecurring: grid anchor
	IntervalCount int          // ScheduleRecurring: grid multiplier
	IntervalUnit  IntervalUnit // ScheduleRecurring: grid unit

	RunAt time.Time // ScheduleOnce
}

// JobStatus is the lifecycle state of a Job (spec 3/4.G's state machine:
// inactive->scheduled->running->{scheduled,completed,failed}, with paused as
// an operator-driven detour back to scheduled).
type JobStatus string

const (
	JobInactive  JobStatus = "inactive"
	JobScheduled JobStatus = "scheduled"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is a scheduled instance of a Mapping: when its Schedule fires, the
// Scheduler enqueues a JobExecution for the Execution Runner.
type Job struct {
	ID                string
	Name              string
	MappingID         string
	Schedule          Schedule
	Enabled           bool
	Active            bool
	Status            JobStatus
	Priority          int // 1 (lowest) .. 10 (highest)
	Dependencies      []string // job IDs whose most recent execution must be completed
	Configuration     map[string]any
	TimeoutSeconds    *int // nullable; falls back to the Runner's DefaultTimeout when nil
	MaxRetries        int  // default 3
	RetryDelaySeconds int
	Tags              []string
	NextRunAt         *time.Time
	LastRunAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ExecutionStatus is the lifecycle state of a JobExecution.
type ExecutionStatus string

const (
	ExecutionQueued    ExecutionStatus = "queued"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionTimedOut  ExecutionStatus = "timeout"
)

// ExecutionTrigger records what caused a JobExecution to be created (spec 3).
type ExecutionTrigger string

const (
	TriggerManual     ExecutionTrigger = "manual"
	TriggerScheduled  ExecutionTrigger = "scheduled"
	TriggerDependency ExecutionTrigger = "dependency"
	TriggerRetry      ExecutionTrigger = "retry"
)

// JobExecution is one run (or retry attempt) of a Job. ParentExecutionID
// chains a retry to the attempt it replaces; the chain is acyclic by
// construction (the Runner only ever sets it to an execution it just read),
// but callers walking it must still guard against a corrupted chain — see
// spec Design Notes on circular parent_execution_id handling.
type JobExecution struct {
	ID                string
	JobID             string
	ParentExecutionID *string
	Status            ExecutionStatus
	Trigger           ExecutionTrigger
	Priority          int // snapshot of Job.Priority at enqueue time
	Attempt           int
	RetryCount        int
	QueuedAt          time.Time
	Checkpoint        map[string]any // resume point for partial re-execution
	ErrorCode         string
	ErrorMessage      string
	StartedAt         *time.Time
	FinishedAt        *time.Time
	CreatedAt         time.Time
}

// AuditCategory classifies an AuditEvent for query/filtering purposes.
type AuditCategory string

const (
	AuditSystem    AuditCategory = "system"
	AuditMapping   AuditCategory = "mapping"
	AuditJob       AuditCategory = "job"
	AuditExecution AuditCategory = "execution"
	AuditSecurity  AuditCategory = "security"
)

// AuditEvent is an immutable record of a state-changing or security-relevant
// action, written by the Audit & Alert Manager.
type AuditEvent struct {
	ID          string
	Category    AuditCategory
	SubjectType string
	SubjectID   string
	Action      string
	Actor       string
	Detail      map[string]any
	OccurredAt  time.Time
}

// AlertSeverity ranks an Alert for dispatch/escalation purposes.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// AlertRule describes a condition over recent AuditEvents/metrics that, when
// it crosses Threshold within WindowSecs, fires an Alert — at most once per
// CooldownSecs.
type AlertRule struct {
	ID           string
	Name         string
	Condition    string
	Threshold    float64
	WindowSecs   int
	CooldownSecs int
	Enabled      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Alert is one firing of an AlertRule.
type Alert struct {
	ID         string
	RuleID     string
	Severity   AlertSeverity
	Message    string
	FiredAt    time.Time
	ResolvedAt *time.Time
	Dispatched bool
}
