package service

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/pesio-ai/be-ap-approval-rules/internal/repository"
)

// RuleDraft is a structured rule-creation request. String classifiers are
// free text and normalized on prepare.
type RuleDraft struct {
	Name         string       `json:"name"`
	Description  *string      `json:"description,omitempty"`
	DocumentType string       `json:"documentType"`
	PurchaseType *string      `json:"purchaseType,omitempty"`
	MinAmount    *float64     `json:"minAmount,omitempty"`
	MaxAmount    *float64     `json:"maxAmount,omitempty"`
	Sector       *string      `json:"sector,omitempty"`
	Priority     *int         `json:"priority,omitempty"`
	IsActive     *bool        `json:"isActive,omitempty"`
	Levels       []LevelDraft `json:"levels"`
}

// LevelDraft describes one level of a RuleDraft.
type LevelDraft struct {
	Name      string          `json:"name"`
	Order     *int            `json:"order,omitempty"`
	Mode      string          `json:"mode,omitempty"`
	Type      string          `json:"type,omitempty"`
	Approvers []ApproverDraft `json:"approvers"`
}

// ApproverDraft names either a user or a role.
type ApproverDraft struct {
	UserID   *string `json:"userId,omitempty"`
	UserName *string `json:"userName,omitempty"`
	Role     *string `json:"role,omitempty"`
}

// Patch distinguishes "keep current" (Set == false) from an explicit value
// or an explicit clear (Set == true, Value == nil).
type Patch[T any] struct {
	Set   bool
	Value *T
}

// Keep leaves the current value untouched.
func Keep[T any]() Patch[T] { return Patch[T]{} }

// SetTo overrides the current value.
func SetTo[T any](v T) Patch[T] { return Patch[T]{Set: true, Value: &v} }

// Clear removes the current value.
func Clear[T any]() Patch[T] { return Patch[T]{Set: true} }

// Apply returns the patched value.
func (p Patch[T]) Apply(current *T) *T {
	if !p.Set {
		return current
	}
	if p.Value == nil {
		return nil
	}
	v := *p.Value
	return &v
}

// UnmarshalJSON marks the patch as set; a JSON null clears the value.
func (p *Patch[T]) UnmarshalJSON(data []byte) error {
	p.Set = true
	if string(data) == "null" {
		p.Value = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	p.Value = &v
	return nil
}

// MarshalJSON renders the patched value, or null.
func (p Patch[T]) MarshalJSON() ([]byte, error) {
	if p.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*p.Value)
}

// RuleChanges is a partial modification. Nil pointers and unset patches keep
// the rule's current value.
type RuleChanges struct {
	Name         *string        `json:"name,omitempty"`
	Description  Patch[string]  `json:"description"`
	DocumentType *string        `json:"documentType,omitempty"`
	PurchaseType Patch[string]  `json:"purchaseType"`
	MinAmount    Patch[float64] `json:"minAmount"`
	MaxAmount    Patch[float64] `json:"maxAmount"`
	Sector       Patch[string]  `json:"sector"`
	Priority     *int           `json:"priority,omitempty"`
	IsActive     *bool          `json:"isActive,omitempty"`
}

// validationError is a structured validation outcome.
type validationError struct {
	kind    ErrorKind
	message string
}

func (e *validationError) Error() string { return e.message }

// normalizeDraft validates a draft and turns it into a fully resolved rule.
func normalizeDraft(d RuleDraft, tenantID string) (*repository.ApprovalRule, *validationError) {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return nil, &validationError{ErrMissingName, "La regla debe tener un nombre."}
	}
	if len(d.Levels) == 0 {
		return nil, &validationError{ErrMissingLevels, "La regla debe tener al menos un nivel de aprobación."}
	}

	rule := &repository.ApprovalRule{
		TenantID:     tenantID,
		Name:         name,
		Description:  trimmedOrNil(d.Description),
		DocumentType: classifyDocumentType(d.DocumentType),
		PurchaseType: classifyPurchaseType(d.PurchaseType),
		MinAmount:    d.MinAmount,
		MaxAmount:    d.MaxAmount,
		Sector:       trimmedOrNil(d.Sector),
		IsActive:     true,
	}
	if d.Priority != nil {
		rule.Priority = *d.Priority
	}
	if d.IsActive != nil {
		rule.IsActive = *d.IsActive
	}

	seenOrders := make(map[int]bool, len(d.Levels))
	for i, ld := range d.Levels {
		position := i + 1
		levelName := strings.TrimSpace(ld.Name)
		if levelName == "" {
			levelName = fmt.Sprintf("Nivel %d", position)
		}
		if len(ld.Approvers) == 0 {
			return nil, &validationError{
				ErrMissingApprovers,
				fmt.Sprintf("El nivel %d (%q) debe tener al menos un aprobador.", position, levelName),
			}
		}

		order := position
		if ld.Order != nil && *ld.Order > 0 {
			order = *ld.Order
		}
		if seenOrders[order] {
			return nil, &validationError{
				ErrDuplicateLevelOrder,
				fmt.Sprintf("El orden %d está repetido en más de un nivel.", order),
			}
		}
		seenOrders[order] = true

		level := repository.ApprovalLevel{
			Name:  levelName,
			Order: order,
			Mode:  classifyMode(ld.Mode),
			Type:  classifyLevelType(ld.Type),
		}
		for j, ad := range ld.Approvers {
			userID := trimmedOrNil(ad.UserID)
			role := trimmedOrNil(ad.Role)
			if (userID == nil) == (role == nil) {
				return nil, &validationError{
					ErrInvalidApprover,
					fmt.Sprintf("El aprobador %d del nivel %d (%q) debe indicar un usuario o un rol, no ambos.", j+1, position, levelName),
				}
			}
			level.Approvers = append(level.Approvers, repository.Approver{
				UserID:   userID,
				UserName: trimmedOrNil(ad.UserName),
				Role:     role,
				Sequence: j + 1,
			})
		}
		rule.Levels = append(rule.Levels, level)
	}

	sort.SliceStable(rule.Levels, func(i, j int) bool {
		return rule.Levels[i].Order < rule.Levels[j].Order
	})
	return rule, nil
}

// mergeChanges overlays changes on a copy of the existing rule.
func mergeChanges(existing *repository.ApprovalRule, c RuleChanges) (*repository.ApprovalRule, *validationError) {
	merged := existing.Clone()
	if c.Name != nil {
		name := strings.TrimSpace(*c.Name)
		if name == "" {
			return nil, &validationError{ErrMissingName, "El nombre de la regla no puede quedar vacío."}
		}
		merged.Name = name
	}
	if c.Description.Set {
		merged.Description = trimmedOrNil(c.Description.Value)
	}
	if c.DocumentType != nil && strings.TrimSpace(*c.DocumentType) != "" {
		merged.DocumentType = classifyDocumentType(*c.DocumentType)
	}
	if c.PurchaseType.Set {
		merged.PurchaseType = classifyPurchaseType(c.PurchaseType.Value)
	}
	merged.MinAmount = c.MinAmount.Apply(existing.MinAmount)
	merged.MaxAmount = c.MaxAmount.Apply(existing.MaxAmount)
	if c.Sector.Set {
		merged.Sector = trimmedOrNil(c.Sector.Value)
	}
	if c.Priority != nil {
		merged.Priority = *c.Priority
	}
	if c.IsActive != nil {
		merged.IsActive = *c.IsActive
	}
	return merged, nil
}

// ── classification ───────────────────────────────────────────────────────────

var accentStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// foldText lowercases s and strips diacritics so "Órden" matches "orden".
func foldText(s string) string {
	out, _, err := transform.String(accentStripper, s)
	if err != nil {
		out = s
	}
	out = strings.NewReplacer("_", " ", "-", " ").Replace(out)
	return strings.ToLower(strings.TrimSpace(out))
}

// classifyDocumentType maps free text onto a document classifier, defaulting
// to purchase requests.
func classifyDocumentType(s string) repository.DocumentType {
	if dt := repository.DocumentType(strings.ToUpper(strings.TrimSpace(s))); dt.Valid() {
		return dt
	}
	f := foldText(s)
	switch {
	case strings.Contains(f, "factura") || strings.Contains(f, "invoice"):
		return repository.DocumentTypeInvoice
	case strings.Contains(f, "orden") || strings.Contains(f, "order") || f == "oc" || f == "po":
		return repository.DocumentTypePurchaseOrder
	}
	return repository.DocumentTypePurchaseRequest
}

// Purchase type classifiers.
const (
	PurchaseTypeGoods       = "GOODS"
	PurchaseTypeServices    = "SERVICES"
	PurchaseTypeFixedAssets = "FIXED_ASSETS"
)

// classifyPurchaseType maps free text onto a purchase classifier. Unknown
// values are kept as an upper-cased code.
func classifyPurchaseType(s *string) *string {
	if s == nil {
		return nil
	}
	f := foldText(*s)
	if f == "" {
		return nil
	}
	var code string
	switch {
	case strings.Contains(f, "servicio") || strings.Contains(f, "service"):
		code = PurchaseTypeServices
	case strings.Contains(f, "activo") || strings.Contains(f, "asset"):
		code = PurchaseTypeFixedAssets
	case strings.Contains(f, "insumo") || strings.Contains(f, "material") ||
		strings.Contains(f, "bien") || strings.Contains(f, "producto") || strings.Contains(f, "goods"):
		code = PurchaseTypeGoods
	default:
		code = strings.ToUpper(strings.ReplaceAll(f, " ", "_"))
	}
	return &code
}

func purchaseTypeLabel(code string) string {
	switch code {
	case PurchaseTypeGoods:
		return "bienes"
	case PurchaseTypeServices:
		return "servicios"
	case PurchaseTypeFixedAssets:
		return "activos fijos"
	}
	return strings.ToLower(strings.ReplaceAll(code, "_", " "))
}

func classifyMode(s string) repository.ApprovalMode {
	switch foldText(s) {
	case "all", "todos", "todas":
		return repository.ApprovalModeAll
	}
	return repository.ApprovalModeAny
}

func classifyLevelType(s string) repository.LevelType {
	f := foldText(s)
	if strings.HasPrefix(f, "spec") || strings.HasPrefix(f, "especificacion") {
		return repository.LevelTypeSpecifications
	}
	return repository.LevelTypeGeneral
}

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
