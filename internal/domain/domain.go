package domain

type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
	TaskReviewed  TaskStatus = "REVIEWED"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskSucceeded, TaskFailed, TaskReviewed:
		return true
	}
	return false
}

type Task struct {
	ID        string     `json:"task_id"`
	BatchName string     `json:"batch_name"`
	RulesetID string     `json:"ruleset_id"`
	Status    TaskStatus `json:"status" enum:"PENDING,RUNNING,SUCCEEDED,FAILED,REVIEWED"`
	CreatedAt string     `json:"created_at" format:"date-time"`
	UpdatedAt string     `json:"updated_at" format:"date-time"`
}

// EvidenceItem is one entry of a result's append-only evidence trail.
type EvidenceItem struct {
	Source         string `json:"source"`
	ReviewStatus   string `json:"review_status,omitempty"`
	Reviewer       string `json:"reviewer,omitempty"`
	Comment        string `json:"comment,omitempty"`
	RawID          string `json:"raw_id,omitempty"`
	RulesetID      string `json:"ruleset_id,omitempty"`
	RulesetVersion string `json:"ruleset_version,omitempty"`
	Strategy       string `json:"strategy,omitempty"`
	Note           string `json:"note,omitempty"`
}

type Result struct {
	RawID      string         `json:"raw_id"`
	CanonText  string         `json:"canon_text"`
	Confidence float64        `json:"confidence"`
	Strategy   string         `json:"strategy"`
	Evidence   []EvidenceItem `json:"evidence"`
}

// Clone returns a copy that shares no evidence backing array with r.
func (r Result) Clone() Result {
	out := r
	out.Evidence = append([]EvidenceItem(nil), r.Evidence...)
	if out.Evidence == nil {
		out.Evidence = []EvidenceItem{}
	}
	return out
}

// Record is one input row handed to the rule executor.
type Record struct {
	RawID      string   `json:"raw_id" validate:"required"`
	Text       string   `json:"text,omitempty"`
	CanonText  string   `json:"canon_text,omitempty"`
	Confidence *float64 `json:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
}

type Thresholds struct {
	TLow  float64 `json:"t_low"`
	THigh float64 `json:"t_high"`
}

type FeedbackCounters struct {
	ReviewApproved int `json:"review_approved"`
	ReviewRejected int `json:"review_rejected"`
	ReviewEdited   int `json:"review_edited"`
	TotalReviews   int `json:"total_reviews"`
}

// Merge keeps the per-field maximum so counters never move backwards.
func (c FeedbackCounters) Merge(o FeedbackCounters) FeedbackCounters {
	return FeedbackCounters{
		ReviewApproved: max(c.ReviewApproved, o.ReviewApproved),
		ReviewRejected: max(c.ReviewRejected, o.ReviewRejected),
		ReviewEdited:   max(c.ReviewEdited, o.ReviewEdited),
		TotalReviews:   max(c.TotalReviews, o.TotalReviews),
	}
}

// Increment bumps review_<status> and total_reviews.
func (c FeedbackCounters) Increment(status ReviewStatus) FeedbackCounters {
	switch status {
	case ReviewApproved:
		c.ReviewApproved++
	case ReviewRejected:
		c.ReviewRejected++
	case ReviewEdited:
		c.ReviewEdited++
	}
	c.TotalReviews++
	return c
}

type RulesetConfig struct {
	Thresholds       Thresholds       `json:"thresholds"`
	FeedbackCounters FeedbackCounters `json:"feedback_counters"`
}

type Ruleset struct {
	ID              string        `json:"ruleset_id"`
	Version         string        `json:"version"`
	IsActive        bool          `json:"is_active"`
	ConfigJSON      string        `json:"config_json"`
	Config          RulesetConfig `json:"config"`
	PublishedBy     string        `json:"published_by,omitempty"`
	PublishedReason string        `json:"published_reason,omitempty"`
	PublishedAt     string        `json:"published_at,omitempty" format:"date-time"`
	CreatedAt       string        `json:"created_at" format:"date-time"`
	UpdatedAt       string        `json:"updated_at" format:"date-time"`
}

type ReviewStatus string

const (
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
	ReviewEdited   ReviewStatus = "edited"
)

type Review struct {
	ID             string       `json:"review_id"`
	TaskID         string       `json:"task_id"`
	RawID          string       `json:"raw_id,omitempty"`
	Status         ReviewStatus `json:"review_status" validate:"required,oneof=approved rejected edited" enum:"approved,rejected,edited"`
	FinalCanonText string       `json:"final_canon_text,omitempty"`
	Reviewer       string       `json:"reviewer" validate:"required"`
	Comment        string       `json:"comment,omitempty"`
	Fingerprint    string       `json:"fingerprint"`
	UpdatedCount   int          `json:"updated_count"`
	CreatedAt      string       `json:"created_at" format:"date-time"`
}

// ReconcileOutcome is what applying one review changed.
type ReconcileOutcome struct {
	UpdatedCount int    `json:"updated_count"`
	TargetRawID  string `json:"target_raw_id,omitempty"`
}

type Recommendation string

const (
	RecommendAccept     Recommendation = "accept"
	RecommendReject     Recommendation = "reject"
	RecommendNeedsHuman Recommendation = "needs-human"
)

func (r Recommendation) Valid() bool {
	switch r {
	case RecommendAccept, RecommendReject, RecommendNeedsHuman:
		return true
	}
	return false
}

// Weight ranks recommendations when choosing among canary candidates.
func (r Recommendation) Weight() int {
	switch r {
	case RecommendAccept:
		return 3
	case RecommendNeedsHuman:
		return 2
	case RecommendReject:
		return 1
	}
	return 0
}

type TaskMetrics struct {
	AutoPassRate        float64 `json:"auto_pass_rate"`
	ReviewRate          float64 `json:"review_rate"`
	HumanRequiredRate   float64 `json:"human_required_rate"`
	QualityGatePassRate float64 `json:"quality_gate_pass_rate"`
	ConsistencyScore    float64 `json:"consistency_score"`
	ReviewAcceptRate    float64 `json:"review_accept_rate"`
}

type Scorecard struct {
	BaselineTaskID      string         `json:"baseline_task_id"`
	CandidateTaskID     string         `json:"candidate_task_id"`
	BaselineThresholds  Thresholds     `json:"baseline_thresholds"`
	CandidateThresholds Thresholds     `json:"candidate_thresholds"`
	Baseline            TaskMetrics    `json:"baseline"`
	Candidate           TaskMetrics    `json:"candidate"`
	Delta               TaskMetrics    `json:"delta"`
	Recommendation      Recommendation `json:"recommendation" enum:"accept,reject,needs-human"`
	Reasons             []string       `json:"reasons"`
}

type ChangeStatus string

const (
	ChangePending  ChangeStatus = "pending"
	ChangeApproved ChangeStatus = "approved"
	ChangeRejected ChangeStatus = "rejected"
)

// ChangeDiff describes the threshold move proposed by a change request.
type ChangeDiff struct {
	From       Thresholds `json:"from"`
	To         Thresholds `json:"to"`
	DeltaTLow  float64    `json:"delta_t_low"`
	DeltaTHigh float64    `json:"delta_t_high"`
}

type ChangeRequest struct {
	ID              string         `json:"change_id"`
	FromRulesetID   string         `json:"from_ruleset_id"`
	ToRulesetID     string         `json:"to_ruleset_id"`
	BaselineTaskID  string         `json:"baseline_task_id"`
	CandidateTaskID string         `json:"candidate_task_id"`
	Diff            ChangeDiff     `json:"diff"`
	Scorecard       Scorecard      `json:"scorecard"`
	Recommendation  Recommendation `json:"recommendation" enum:"accept,reject,needs-human"`
	Status          ChangeStatus   `json:"status" enum:"pending,approved,rejected"`
	ApprovedBy      string         `json:"approved_by,omitempty"`
	ApprovedAt      string         `json:"approved_at,omitempty" format:"date-time"`
	ApprovalComment string         `json:"approval_comment,omitempty"`
	RejectedBy      string         `json:"rejected_by,omitempty"`
	RejectedAt      string         `json:"rejected_at,omitempty" format:"date-time"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
	EvidenceBullets []string       `json:"evidence_bullets"`
	CreatedBy       string         `json:"created_by"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
	UpdatedAt       string         `json:"updated_at" format:"date-time"`
	ActivatedBy     string         `json:"activated_by,omitempty"`
	ActivatedAt     string         `json:"activated_at,omitempty" format:"date-time"`
}

type AuditEvent struct {
	ID              string         `json:"event_id"`
	Seq             int64          `json:"seq"`
	Type            string         `json:"event_type"`
	Caller          string         `json:"caller"`
	Payload         map[string]any `json:"payload"`
	RelatedChangeID string         `json:"related_change_id,omitempty"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
}

// Snapshot is the full ledger state as read back from a relational mirror.
type Snapshot struct {
	Tasks          []Task
	Results        map[string][]Result
	Rulesets       []Ruleset
	ChangeRequests []ChangeRequest
	Reviews        []Review
	AuditEvents    []AuditEvent
}
