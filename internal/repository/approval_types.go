package repository

import "time"

// ── Classifiers ──────────────────────────────────────────────────────────────

// DocumentType is the purchasing document a rule applies to.
type DocumentType string

const (
	DocumentTypePurchaseRequest DocumentType = "PURCHASE_REQUEST"
	DocumentTypePurchaseOrder   DocumentType = "PURCHASE_ORDER"
	DocumentTypeInvoice         DocumentType = "INVOICE"
)

// DocumentTypes lists every classifier in presentation order.
var DocumentTypes = []DocumentType{
	DocumentTypePurchaseRequest,
	DocumentTypePurchaseOrder,
	DocumentTypeInvoice,
}

// Label returns the Spanish display name of the document type.
func (d DocumentType) Label() string {
	switch d {
	case DocumentTypePurchaseRequest:
		return "Solicitud de compra"
	case DocumentTypePurchaseOrder:
		return "Orden de compra"
	case DocumentTypeInvoice:
		return "Factura"
	}
	return string(d)
}

// Valid reports whether d is a known classifier.
func (d DocumentType) Valid() bool {
	switch d {
	case DocumentTypePurchaseRequest, DocumentTypePurchaseOrder, DocumentTypeInvoice:
		return true
	}
	return false
}

// ApprovalMode decides how a level is settled.
type ApprovalMode string

const (
	// ApprovalModeAny settles the level on the first decision.
	ApprovalModeAny ApprovalMode = "ANY"
	// ApprovalModeAll requires every approver to decide.
	ApprovalModeAll ApprovalMode = "ALL"
)

// LevelType distinguishes ordinary levels from specification sign-off levels.
type LevelType string

const (
	LevelTypeGeneral        LevelType = "GENERAL"
	LevelTypeSpecifications LevelType = "SPECIFICATIONS"
)

// WorkflowStatus is the state of a workflow evaluated against a rule.
type WorkflowStatus string

const (
	WorkflowStatusInProgress WorkflowStatus = "IN_PROGRESS"
	WorkflowStatusApproved   WorkflowStatus = "APPROVED"
	WorkflowStatusRejected   WorkflowStatus = "REJECTED"
)

// DecisionValue is a single approver's outcome.
type DecisionValue string

const (
	DecisionApproved DecisionValue = "APPROVED"
	DecisionRejected DecisionValue = "REJECTED"
)

// ── Rules ────────────────────────────────────────────────────────────────────

// ApprovalRule is a tenant-scoped approval policy.
type ApprovalRule struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenantId"`
	Name         string          `json:"name"`
	Description  *string         `json:"description,omitempty"`
	DocumentType DocumentType    `json:"documentType"`
	PurchaseType *string         `json:"purchaseType,omitempty"`
	MinAmount    *float64        `json:"minAmount,omitempty"` // inclusive
	MaxAmount    *float64        `json:"maxAmount,omitempty"` // nil = unbounded
	Sector       *string         `json:"sector,omitempty"`
	Priority     int             `json:"priority"`
	IsActive     bool            `json:"isActive"`
	Levels       []ApprovalLevel `json:"levels"`
	CreatedBy    string          `json:"createdBy,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// HasAmountRange reports whether the rule bounds the document amount at all.
func (r *ApprovalRule) HasAmountRange() bool {
	return r.MinAmount != nil || r.MaxAmount != nil
}

// Clone returns a deep copy so staged rules never alias caller data.
func (r *ApprovalRule) Clone() *ApprovalRule {
	if r == nil {
		return nil
	}
	c := *r
	c.Description = cloneString(r.Description)
	c.PurchaseType = cloneString(r.PurchaseType)
	c.Sector = cloneString(r.Sector)
	c.MinAmount = cloneFloat(r.MinAmount)
	c.MaxAmount = cloneFloat(r.MaxAmount)
	c.Levels = make([]ApprovalLevel, len(r.Levels))
	for i, lvl := range r.Levels {
		c.Levels[i] = lvl
		c.Levels[i].Approvers = make([]Approver, len(lvl.Approvers))
		for j, a := range lvl.Approvers {
			c.Levels[i].Approvers[j] = a
			c.Levels[i].Approvers[j].UserID = cloneString(a.UserID)
			c.Levels[i].Approvers[j].UserName = cloneString(a.UserName)
			c.Levels[i].Approvers[j].Role = cloneString(a.Role)
		}
	}
	return &c
}

// ApprovalLevel is one stage of a rule.
type ApprovalLevel struct {
	ID        string       `json:"id,omitempty"`
	RuleID    string       `json:"ruleId,omitempty"`
	Name      string       `json:"name"`
	Order     int          `json:"order"` // 1-based, unique per rule
	Mode      ApprovalMode `json:"mode"`
	Type      LevelType    `json:"type"`
	Approvers []Approver   `json:"approvers"`
}

// Approver is either a specific user or a role; exactly one is set.
type Approver struct {
	ID       string  `json:"id,omitempty"`
	LevelID  string  `json:"levelId,omitempty"`
	UserID   *string `json:"userId,omitempty"`
	UserName *string `json:"userName,omitempty"` // display only
	Role     *string `json:"role,omitempty"`
	Sequence int     `json:"sequence"`
}

// DisplayName returns the best human label for the approver.
func (a Approver) DisplayName() string {
	switch {
	case a.UserName != nil && *a.UserName != "":
		return *a.UserName
	case a.UserID != nil:
		return *a.UserID
	case a.Role != nil:
		return "Rol " + *a.Role
	}
	return "(sin aprobador)"
}

// ── Workflow history (read-only) ─────────────────────────────────────────────

// WorkflowHistoryRecord is one workflow evaluated against a rule.
type WorkflowHistoryRecord struct {
	ID          string             `json:"id"`
	TenantID    string             `json:"tenantId"`
	RuleID      *string            `json:"ruleId,omitempty"`
	Status      WorkflowStatus     `json:"status"`
	CreatedAt   *time.Time         `json:"createdAt,omitempty"`
	CompletedAt *time.Time         `json:"completedAt,omitempty"`
	Decisions   []ApprovalDecision `json:"decisions"`
}

// Duration returns the elapsed time between creation and completion; ok is
// false when either timestamp is missing.
func (w *WorkflowHistoryRecord) Duration() (d time.Duration, ok bool) {
	if w.CreatedAt == nil || w.CompletedAt == nil {
		return 0, false
	}
	return w.CompletedAt.Sub(*w.CreatedAt), true
}

// ApprovalDecision is an individual approver's recorded decision.
type ApprovalDecision struct {
	DeciderID   string        `json:"deciderId"`
	DeciderName string        `json:"deciderName"`
	Decision    DecisionValue `json:"decision"`
	CreatedAt   time.Time     `json:"createdAt"` // when the decision was requested
	DecidedAt   *time.Time    `json:"decidedAt,omitempty"`
}

// CategoryCount is a per-category document count.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// ── Audit ────────────────────────────────────────────────────────────────────

// RuleAuditEntry is one immutable record of a confirmed rule change.
type RuleAuditEntry struct {
	ID           string         `json:"id"`
	RuleID       string         `json:"ruleId"`
	TenantID     string         `json:"tenantId"`
	Action       string         `json:"action"` // created | modified | deleted
	PerformedBy  string         `json:"performedBy"`
	PerformedAt  time.Time      `json:"performedAt"`
	OriginalText *string        `json:"originalText,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// RuleFilter narrows rule listings.
type RuleFilter struct {
	DocumentType *DocumentType
	ActiveOnly   bool
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
