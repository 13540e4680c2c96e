package analyze

import (
	"fmt"
	"strings"

	"github.com/matijazezelj/stackmend/internal/template"
	"github.com/matijazezelj/stackmend/pkg/models"
)

// FailureCategory classifies one deployment failure reason.
type FailureCategory string

// Failure categories recognized in stack event reasons.
const (
	FailureAlreadyExists FailureCategory = "already-exists"
	FailureValidation    FailureCategory = "validation"
	FailurePermission    FailureCategory = "permission"
	FailureThrottling    FailureCategory = "throttling"
	FailureUnknown       FailureCategory = "unknown"
)

// ClassifyFailure buckets a raw failure reason string.
func ClassifyFailure(reason string) FailureCategory {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "already exists"):
		return FailureAlreadyExists
	case strings.Contains(r, "not authorized") || strings.Contains(r, "access denied") || strings.Contains(r, "accessdenied"):
		return FailurePermission
	case strings.Contains(r, "throttl") || strings.Contains(r, "rate exceeded"):
		return FailureThrottling
	case strings.Contains(r, "validation") || strings.Contains(r, "invalid"):
		return FailureValidation
	default:
		return FailureUnknown
	}
}

// FailureFindings turns per-resource failure telemetry into findings
// the fix generator understands. Only name clashes against live stacks
// get an automatic fix; the template itself cannot reveal them, so the
// telemetry reason is the evidence and the finding is near-certain.
func FailureFindings(doc *template.Document, failures []models.ResourceFailure) []models.Finding {
	var out []models.Finding
	for _, f := range failures {
		if f.LogicalID == "" || ClassifyFailure(f.Reason) != FailureAlreadyExists {
			continue
		}
		entry := doc.Resource(f.LogicalID)
		if entry == nil {
			continue
		}
		prop, ok := physicalNameProperties[entry.Type()]
		if !ok {
			continue
		}
		v := entry.Properties().Get(prop)
		if v == nil || v.Kind != template.KindScalar || v.Raw == "" {
			continue
		}
		out = append(out, models.Finding{
			Kind:       models.KindComplianceViolation,
			Severity:   models.SeverityHigh,
			Family:     models.FamilyStructural,
			Rule:       "deploy-name-conflict",
			Location:   models.Location{LogicalID: f.LogicalID, Path: "Properties." + prop},
			Message:    fmt.Sprintf("physical name %q collides with an existing resource", v.Raw),
			SuggestFix: FixUniqueResourceName,
			Detail:     v.Raw,
		})
	}
	return out
}
