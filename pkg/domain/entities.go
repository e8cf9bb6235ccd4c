// Package domain defines the persistent study entities, value types, and
// rule evaluation primitives used by studycore.
package domain

import (
	"sort"
	"strings"
	"time"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityContainer identifies a folder that may own a study.
	EntityContainer EntityType = "container"
	// EntityStudy identifies the root study record of a container.
	EntityStudy EntityType = "study"
	// EntityDataset identifies a dataset definition.
	EntityDataset EntityType = "dataset"
	// EntityRow identifies a dataset row.
	EntityRow              EntityType = "row"
	EntityVisit            EntityType = "visit"
	EntityParticipant      EntityType = "participant"
	EntityParticipantVisit EntityType = "participant_visit"
	EntityCohort           EntityType = "cohort"
	EntityQCState          EntityType = "qc_state"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base captures common fields for persisted entities.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StudyStatus tracks the two-phase provisioning lifecycle of a study.
type StudyStatus string

const (
	// StudyStatusProvisioning marks a study persisted with its minimal attribute
	// set whose asynchronous enrichment has not completed.
	StudyStatusProvisioning StudyStatus = "provisioning"
	// StudyStatusReady marks a fully provisioned study.
	StudyStatusReady StudyStatus = "ready"
	// StudyStatusFailed marks a study whose asynchronous enrichment failed. The
	// record is retained for operator cleanup.
	StudyStatusFailed StudyStatus = "failed"
)

// Container is a folder addressed by slash path. At most one study lives in a container.
type Container struct {
	Base
	Path string `json:"path"`
}

// Study is the root entity of a container.
type Study struct {
	Base
	ContainerID             string        `json:"container_id"`
	Label                   string        `json:"label,omitempty"`
	SubjectNounSingular     string        `json:"subject_noun_singular"`
	SubjectNounPlural       string        `json:"subject_noun_plural"`
	SubjectColumnName       string        `json:"subject_column_name"`
	TimepointType           TimepointType `json:"timepoint_type"`
	StartDate               *time.Time    `json:"start_date,omitempty"`
	SourceStudyID           *string       `json:"source_study_id,omitempty"`
	ShareDatasetDefinitions bool          `json:"share_dataset_definitions"`
	DefaultQCStateID        *string       `json:"default_qc_state_id,omitempty"`
	Status                  StudyStatus   `json:"status"`
	FailureReason           string        `json:"failure_reason,omitempty"`
}

// DefaultSubjectColumn is used when a study does not name its subject column.
const DefaultSubjectColumn = "ParticipantId"

// SubjectColumn returns the configured subject column or the default.
func (s Study) SubjectColumn() string {
	if strings.TrimSpace(s.SubjectColumnName) == "" {
		return DefaultSubjectColumn
	}
	return s.SubjectColumnName
}

// ColumnType enumerates the typed column kinds a dataset schema may declare.
type ColumnType string

const (
	ColumnString ColumnType = "string"
	ColumnInt    ColumnType = "int"
	ColumnFloat  ColumnType = "float"
	ColumnBool   ColumnType = "bool"
	ColumnDate   ColumnType = "date"
)

// Column is one typed entry of a dataset schema.
type Column struct {
	Name     string     `json:"name"`
	Type     ColumnType `json:"type"`
	Required bool       `json:"required,omitempty"`
}

// KeyManagement describes who assigns the key-property value of a row.
type KeyManagement string

const (
	// KeyManagementNone means the imported data supplies the key value.
	KeyManagementNone KeyManagement = "none"
	// KeyManagementRowID means the server assigns max+1 when no value is supplied.
	KeyManagementRowID KeyManagement = "rowid"
)

// DatasetDefinition describes the shape of a dataset owned by one study.
type DatasetDefinition struct {
	Base
	StudyID               string        `json:"study_id"`
	DatasetID             int           `json:"dataset_id"`
	Name                  string        `json:"name"`
	Label                 string        `json:"label,omitempty"`
	KeyPropertyName       string        `json:"key_property_name,omitempty"`
	KeyManagement         KeyManagement `json:"key_management,omitempty"`
	Demographic           bool          `json:"demographic"`
	VisitDatePropertyName string        `json:"visit_date_property_name,omitempty"`
	Columns               []Column      `json:"columns"`
}

// Column returns the schema column with the exact supplied name.
func (d DatasetDefinition) Column(name string) (Column, bool) {
	for _, c := range d.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// HasManagedKey reports whether the server assigns key values.
func (d DatasetDefinition) HasManagedKey() bool {
	return d.KeyPropertyName != "" && d.KeyManagement == KeyManagementRowID
}

// Clone returns a deep copy of the definition.
func (d DatasetDefinition) Clone() DatasetDefinition {
	cp := d
	if d.Columns != nil {
		cp.Columns = append([]Column(nil), d.Columns...)
	}
	return cp
}

// Identity is the deterministic content-derived key of a row within a dataset.
type Identity string

func (i Identity) String() string { return string(i) }

// Row is one record of a dataset.
type Row struct {
	StudyID        string         `json:"study_id"`
	DatasetID      int            `json:"dataset_id"`
	Identity       Identity       `json:"identity"`
	ParticipantID  string         `json:"participant_id"`
	SequenceNum    float64        `json:"sequence_num"`
	Date           *time.Time     `json:"date,omitempty"`
	Key            string         `json:"key,omitempty"`
	Values         map[string]any `json:"values"`
	QCStateID      *string        `json:"qc_state_id,omitempty"`
	SourceIdentity Identity       `json:"source_identity,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Clone returns a copy of the row with detached values.
func (r Row) Clone() Row {
	cp := r
	cp.Values = cloneValues(r.Values)
	if r.Date != nil {
		d := *r.Date
		cp.Date = &d
	}
	if r.QCStateID != nil {
		q := *r.QCStateID
		cp.QCStateID = &q
	}
	return cp
}

// Visit is a discrete visit (Visit-based studies) or a day window (Date-based studies).
type Visit struct {
	Base
	StudyID     string  `json:"study_id"`
	Label       string  `json:"label"`
	SequenceMin float64 `json:"sequence_min"`
	SequenceMax float64 `json:"sequence_max"`
	DayMin      *int    `json:"day_min,omitempty"`
	DayMax      *int    `json:"day_max,omitempty"`
}

// ContainsSequence reports whether seq falls in the visit's sequence range.
func (v Visit) ContainsSequence(seq float64) bool {
	return seq >= v.SequenceMin && seq <= v.SequenceMax
}

// ContainsDay reports whether day falls in the visit's day window.
func (v Visit) ContainsDay(day int) bool {
	if v.DayMin == nil || v.DayMax == nil {
		return false
	}
	return day >= *v.DayMin && day <= *v.DayMax
}

// Participant registers a subject within a study along with its cohort assignment.
type Participant struct {
	StudyID       string     `json:"study_id"`
	ParticipantID string     `json:"participant_id"`
	CohortID      *string    `json:"cohort_id,omitempty"`
	StartDate     *time.Time `json:"start_date,omitempty"`
}

// ParticipantVisit is one entry of the participant<->visit index.
type ParticipantVisit struct {
	StudyID       string     `json:"study_id"`
	DatasetID     int        `json:"dataset_id"`
	ParticipantID string     `json:"participant_id"`
	SequenceNum   float64    `json:"sequence_num"`
	VisitID       *string    `json:"visit_id,omitempty"`
	VisitDate     *time.Time `json:"visit_date,omitempty"`
	Day           *int       `json:"day,omitempty"`
}

// Cohort is a named partition of participants.
type Cohort struct {
	Base
	StudyID string `json:"study_id"`
	Label   string `json:"label"`
}

// QCState is a quality-control status tag assigned to rows.
type QCState struct {
	Base
	StudyID    string `json:"study_id"`
	Label      string `json:"label"`
	PublicData bool   `json:"public_data"`
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action enumerates supported change operations.
type Action string

// Change actions enumerate supported CRUD operations captured in audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation represents a rule outcome.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from rules.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if any violation blocks commit.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// Messages returns the violation messages in evaluation order.
func (r Result) Messages() []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, v.Message)
	}
	return out
}

// ImportOutcome is the transient result of one import invocation.
type ImportOutcome struct {
	Complete   bool       `json:"complete"`
	Messages   []string   `json:"messages"`
	Identities []Identity `json:"identities,omitempty"`
}

// Fail appends a message and marks the outcome incomplete.
func (o *ImportOutcome) Fail(message string) {
	o.Complete = false
	o.Messages = append(o.Messages, message)
}

func cloneValues(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
