package models

import "time"

// Severity ranks how serious a finding is.
type Severity string

// Severity levels, ordered from least to most serious.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns a comparable weight for sorting (higher is more severe).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// FindingKind identifies the category of issue a rule reported.
type FindingKind string

// Finding kind constants.
const (
	KindMissingRequiredProperty FindingKind = "missing-required-property"
	KindInvalidEnumValue        FindingKind = "invalid-enum-value"
	KindCircularDependency      FindingKind = "circular-dependency"
	KindMissingReferenceTarget  FindingKind = "missing-reference-target"
	KindSecurityViolation       FindingKind = "security-violation"
	KindComplianceViolation     FindingKind = "compliance-violation"
	KindBestPracticeViolation   FindingKind = "best-practice-violation"
)

// RuleFamily groups rules by the class of checks they perform.
type RuleFamily string

// Rule families.
const (
	FamilyStructural   RuleFamily = "structural"
	FamilyDependency   RuleFamily = "dependency"
	FamilySecurity     RuleFamily = "security"
	FamilyBestPractice RuleFamily = "best-practice"
)

// Location pinpoints where in a template a finding applies.
// LogicalID is empty for template-level findings; Path is a dotted
// property path within the resource (e.g. "Properties.BucketName").
type Location struct {
	LogicalID string `json:"logical_id,omitempty"`
	Path      string `json:"path,omitempty"`
}

// String renders "LogicalID.Path" for sorting and display.
func (l Location) String() string {
	if l.LogicalID == "" {
		return l.Path
	}
	if l.Path == "" {
		return l.LogicalID
	}
	return l.LogicalID + "." + l.Path
}

// Finding is one issue reported by the rule engine. Findings are
// immutable once produced; a batch of findings is the sole input to
// fix generation for an analysis pass.
type Finding struct {
	Kind       FindingKind `json:"kind"`
	Severity   Severity    `json:"severity"`
	Family     RuleFamily  `json:"family"`
	Rule       string      `json:"rule"`
	Location   Location    `json:"location"`
	Message    string      `json:"message"`
	SuggestFix string      `json:"suggest_fix,omitempty"`
	Detail     string      `json:"detail,omitempty"`
}

// EditOp is the kind of tree edit a fix performs.
type EditOp string

// Edit operations.
const (
	OpSetValue        EditOp = "set-value"
	OpAddProperty     EditOp = "add-property"
	OpRemoveProperty  EditOp = "remove-property"
	OpAddResource     EditOp = "add-resource"
	OpRenameReference EditOp = "rename-reference"
)

// Fix is a proposed edit addressing one finding. Additive fixes carry
// higher confidence than replacing ones for the same finding kind.
type Fix struct {
	ID         string   `json:"id"`
	Op         EditOp   `json:"op"`
	Location   Location `json:"location"`
	Confidence float64  `json:"confidence"`
	Rationale  string   `json:"rationale"`
	Finding    Finding  `json:"finding"`
}

// ProvenanceRecord documents one applied fix: what was there before,
// what replaced it, and which finding motivated the edit.
type ProvenanceRecord struct {
	FixID         string    `json:"fix_id"`
	Op            EditOp    `json:"op"`
	Location      Location  `json:"location"`
	OriginalValue any       `json:"original_value,omitempty"`
	NewValue      any       `json:"new_value,omitempty"`
	Confidence    float64   `json:"confidence"`
	Rationale     string    `json:"rationale"`
	Superseded    bool      `json:"superseded,omitempty"`
	AppliedAt     time.Time `json:"applied_at"`
}

// Capability is an elevated-privilege acknowledgement token required
// at deploy time.
type Capability string

// Capability tokens.
const (
	CapabilityIAM        Capability = "CAPABILITY_IAM"
	CapabilityNamedIAM   Capability = "CAPABILITY_NAMED_IAM"
	CapabilityAutoExpand Capability = "CAPABILITY_AUTO_EXPAND"
)

// Outcome is the terminal result of a deployment attempt or run.
type Outcome string

// Attempt and run outcomes.
const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeCancelled Outcome = "cancelled"
)

// ResourceFailure is one structured per-resource failure reason pulled
// from the deployment telemetry collaborator.
type ResourceFailure struct {
	LogicalID string    `json:"logical_id"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// DeploymentAttempt records one iteration of the deployment loop. The
// ordered sequence across a run is the audit trail returned to callers.
type DeploymentAttempt struct {
	Number       int                `json:"number"`
	TemplateBody string             `json:"template_body"`
	Outcome      Outcome            `json:"outcome"`
	Failures     []ResourceFailure  `json:"failures,omitempty"`
	FixesApplied []ProvenanceRecord `json:"fixes_applied,omitempty"`
	StartedAt    time.Time          `json:"started_at"`
	FinishedAt   time.Time          `json:"finished_at"`
}

// DependencyKind distinguishes how a graph edge was discovered.
type DependencyKind string

// Dependency edge kinds.
const (
	DepExplicit DependencyKind = "explicit"
	DepImplicit DependencyKind = "implicit"
)

// DependencyEdge is one directed depends-on relationship between
// logical ids in a template.
type DependencyEdge struct {
	From string         `json:"from"`
	To   string         `json:"to"`
	Kind DependencyKind `json:"kind"`
	Path string         `json:"path,omitempty"`

	// Target preserves the referenced name when To is the unresolved
	// sentinel, so distinct missing targets stay distinct.
	Target string `json:"target,omitempty"`
}
