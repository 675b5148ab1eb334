// Package domain holds the canonical data model shared across the supervisor,
// worker agents, and external-facing packages.
package domain

import "time"

// PullRequest represents the core domain model for a Pull Request.
// It serves as the canonical data structure across the application
// (HTTP API -> Supervisor -> Worker Agents -> Hosting poster).
type PullRequest struct {
	ID          string
	ProjectKey  string
	RepoSlug    string
	Title       string
	Description string
	Author      string
	SourceBranch string
	TargetBranch string
}

// FileInfo identifies one file under review. It is created by the caller and
// treated as read-only by everything downstream.
type FileInfo struct {
	Path       string
	Content    string // optional
	Diff       string // optional, unified-diff text for this file
	Language   string // optional
	IsNew      bool
	IsDeleted  bool
	IsModified bool
	StartLine  int // optional, 0 means unset
	EndLine    int // optional, 0 means unset
}

// ReviewRequest is the immutable input bundle for one review.
type ReviewRequest struct {
	Files       []FileInfo
	Owner       string
	Repo        string
	PRNumber    int
	Branch      string
	BaseBranch  string
	HeadOwner   string // optional, set only for fork PRs
	HeadRepo    string // optional, set only for fork PRs
	UserRequest string
	SessionID   string
}

// IsForkPR reports whether the head repository differs from the base.
func (r *ReviewRequest) IsForkPR() bool {
	return r.HeadOwner != "" && r.HeadRepo != "" &&
		(r.HeadOwner != r.Owner || r.HeadRepo != r.Repo)
}

// IntentKind classifies a free-text user request.
type IntentKind string

const (
	IntentReviewOnly    IntentKind = "REVIEW_ONLY"
	IntentReviewAndTest IntentKind = "REVIEW_AND_TESTS"
	IntentTestsOnly     IntentKind = "TESTS_ONLY"
)

// UserIntent is derived from ReviewRequest.UserRequest by the intent parser.
type UserIntent struct {
	Kind                IntentKind
	ShouldReview        bool
	ShouldGenerateTests bool
	TestTargets         []string
}

// Severity is a closed enum ordered from most to least urgent.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// severityRank gives a total order matching critical > high > medium > low > info.
var severityRank = map[Severity]int{
	SeverityCritical: 0,
	SeverityHigh:     1,
	SeverityMedium:   2,
	SeverityLow:      3,
	SeverityInfo:     4,
}

// Rank returns the sort priority of a severity; lower is more urgent.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return severityRank[SeverityInfo]
}

// MaxSeverity returns the more urgent of two severities.
func MaxSeverity(a, b Severity) Severity {
	if a.Rank() <= b.Rank() {
		return a
	}
	return b
}

// Downgrade returns the next-less-urgent severity, saturating at info.
func (s Severity) Downgrade() Severity {
	switch s {
	case SeverityCritical:
		return SeverityHigh
	case SeverityHigh:
		return SeverityMedium
	case SeverityMedium:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// Category is a closed enum of finding categories.
type Category string

const (
	CategorySecurity        Category = "security"
	CategoryBug             Category = "bug"
	CategoryPerformance     Category = "performance"
	CategoryMaintainability Category = "maintainability"
	CategoryStyle           Category = "style"
	CategoryErrorHandling   Category = "error_handling"
	CategoryDocumentation   Category = "documentation"
	CategoryComplexity      Category = "complexity"
	CategoryDeadCode        Category = "dead_code"
	CategoryOther           Category = "other"
)

// IssueSource records which stage produced a ReviewIssue.
type IssueSource string

const (
	SourceParser IssueSource = "parser"
	SourceReview IssueSource = "review"
	SourceMerged IssueSource = "merged"
)

// ReviewIssue is one finding, on one file and (usually) one line.
type ReviewIssue struct {
	File          string
	Line          int // 1-indexed
	EndLine       int // optional, 0 means unset
	Severity      Severity
	Category      Category
	Message       string
	Suggestion    string // optional
	SuggestedCode string // optional
	Confidence    float64
	Source        IssueSource
	RuleID        string // optional, e.g. HOTSPOT_complexity
}

// Hotspot is a parser-identified location exceeding a configured threshold.
type Hotspot struct {
	File     string
	Line     int
	Kind     string // e.g. "complexity", "parameter_count", "function_length"
	Severity string // "warning" or "critical", matching the original source's vocabulary
	Detail   string
}

// FileMeta carries per-file parser metadata.
type FileMeta struct {
	Path      string
	Language  string
	Symbols   []string
	CallEdges []CallEdge
}

// CallEdge records a caller->callee relationship discovered by the parser.
type CallEdge struct {
	Caller string
	Callee string
}

// ParserOutput is the Parser Worker's result container.
type ParserOutput struct {
	Files    []FileMeta
	Hotspots []Hotspot
	Errors   []string // per-file parse errors; parsing continues past them
}

// ReviewOutput is the Review Worker's (and later, the aggregator's) result container.
type ReviewOutput struct {
	Issues []ReviewIssue
}

// TestFile is one generated test file grouped under a target-test path.
type TestFile struct {
	TargetPath string
	Content    string
}

// TestOutput is the TestGen Worker's result container.
type TestOutput struct {
	Files []TestFile
}

// DropReason enumerates why a raw issue failed to become an inline comment.
type DropReason string

const (
	DropNotInDiff     DropReason = "not_in_diff"
	DropFileNotInDiff DropReason = "file_not_in_diff"
	DropMerged        DropReason = "merged"
	DropLimitExceeded DropReason = "limit_exceeded"
)

// DroppedComment records an issue that did not survive formatting.
type DroppedComment struct {
	File   string
	Line   int
	Reason DropReason
}

// FormattedInlineComment is one line-anchored comment ready for posting.
type FormattedInlineComment struct {
	Path      string
	Line      int
	StartLine int // optional, 0 means unset; present only for multi-line comments
	Body      string
	Severity  Severity
}

// FormattedReview is the CommentFormatter Worker's result container.
type FormattedReview struct {
	SummaryBody     string
	InlineComments  []FormattedInlineComment
	DroppedComments []DroppedComment
}

// Stats summarizes a formatting pass for the task-status API.
type Stats struct {
	TotalRawComments     int
	CommentsOnValidLines int
	InlineCommentsPosted int
	CommentsDropped      int
}

// ValidLines maps a file path to the set of post-diff line numbers eligible
// for inline commenting.
type ValidLines map[string]map[int]bool

// Contains reports whether line is a valid commenting target for file.
func (v ValidLines) Contains(file string, line int) bool {
	lines, ok := v[file]
	if !ok {
		return false
	}
	return lines[line]
}

// SandboxStatus is the lifecycle state of a SandboxSession.
type SandboxStatus string

const (
	SandboxCreating SandboxStatus = "creating"
	SandboxRunning  SandboxStatus = "running"
	SandboxCloning  SandboxStatus = "cloning"
	SandboxReady    SandboxStatus = "ready"
	SandboxError    SandboxStatus = "error"
	SandboxKilled   SandboxStatus = "killed"
)

// SandboxSession owns one remote execution environment.
type SandboxSession struct {
	SessionID    string
	Status       SandboxStatus
	RepoPath     string
	CreatedAt    time.Time
	LastActivity time.Time
	ErrorMessage string
}

// JobPriority orders jobs in the ready queue; lower values run first.
type JobPriority int

const (
	PriorityHigh   JobPriority = 1
	PriorityNormal JobPriority = 5
	PriorityLow    JobPriority = 10
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobRetrying  JobStatus = "retrying"
	JobDead      JobStatus = "dead"
)

// Job is one unit of work persisted in the job queue.
type Job struct {
	JobID             string
	JobType           string
	Payload           map[string]any
	Priority          JobPriority
	Status            JobStatus
	RetryCount        int
	MaxRetries        int
	RetryDelaySeconds float64
	BackoffMultiplier float64
	NextRetryAt       *time.Time
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	SessionID         string
	CorrelationID     string
	Error             string
	ErrorHistory      []string
	Result            map[string]any
}

// CanRetry reports whether the job has retry budget remaining.
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// NextDelay computes the exponential backoff delay for the current retry count.
func (j *Job) NextDelay() time.Duration {
	mult := j.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	seconds := j.RetryDelaySeconds
	for i := 0; i < j.RetryCount; i++ {
		seconds *= mult
	}
	return time.Duration(seconds * float64(time.Second))
}

// WorkflowStep is one stage of the supervisor's fixed-order state machine.
type WorkflowStep string

const (
	StepIntentParsing WorkflowStep = "intent_parsing"
	StepSandboxSetup  WorkflowStep = "sandbox_setup"
	StepParsing       WorkflowStep = "parsing"
	StepReview        WorkflowStep = "review"
	StepTests         WorkflowStep = "tests"
	StepAggregation   WorkflowStep = "aggregation"
	StepFormatting    WorkflowStep = "formatting"
	StepPosting       WorkflowStep = "posting"
)

// OrderedSteps is the fixed stage order the supervisor and checkpoint store
// agree on. review and tests are conditional arms evaluated at the same
// position; both precede aggregation.
var OrderedSteps = []WorkflowStep{
	StepIntentParsing,
	StepSandboxSetup,
	StepParsing,
	StepReview,
	StepTests,
	StepAggregation,
	StepFormatting,
	StepPosting,
}

// Checkpoint is the per-session persisted workflow record.
type Checkpoint struct {
	CheckpointID   string
	SessionID      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CurrentStep    WorkflowStep
	CompletedSteps []WorkflowStep
	Snapshots      map[WorkflowStep][]byte // stable JSON of the step's public output
	LastError      string
	RetryCount     int
	MaxRetries     int
}

// IsStepComplete reports whether step appears in CompletedSteps.
func (c *Checkpoint) IsStepComplete(step WorkflowStep) bool {
	for _, s := range c.CompletedSteps {
		if s == step {
			return true
		}
	}
	return false
}
