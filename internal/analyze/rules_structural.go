package analyze

import (
	"fmt"
	"strings"

	"github.com/matijazezelj/stackmend/internal/depgraph"
	"github.com/matijazezelj/stackmend/internal/schema"
	"github.com/matijazezelj/stackmend/internal/template"
	"github.com/matijazezelj/stackmend/pkg/models"
)

// templateStructureRule validates the overall template shape: a
// non-empty Resources section, a Type on every resource, and a format
// version declaration.
type templateStructureRule struct{}

func (r *templateStructureRule) Name() string              { return "template-structure" }
func (r *templateStructureRule) Family() models.RuleFamily { return models.FamilyStructural }

func (r *templateStructureRule) Check(doc *template.Document, _ *depgraph.Graph) []models.Finding {
	var out []models.Finding

	res := doc.Resources()
	if res.Len() == 0 {
		out = append(out, models.Finding{
			Kind:     models.KindMissingRequiredProperty,
			Severity: models.SeverityCritical,
			Location: models.Location{Path: template.SectionResources},
			Message:  "template declares no resources",
		})
		return out
	}

	if !doc.Root.Has(template.SectionVersion) {
		out = append(out, models.Finding{
			Kind:       models.KindBestPracticeViolation,
			Severity:   models.SeverityLow,
			Location:   models.Location{Path: template.SectionVersion},
			Message:    "template does not declare AWSTemplateFormatVersion",
			SuggestFix: FixAddTemplateVersion,
		})
	}

	for _, id := range res.Keys() {
		entry := doc.Resource(id)
		if entry == nil {
			out = append(out, models.Finding{
				Kind:     models.KindMissingRequiredProperty,
				Severity: models.SeverityCritical,
				Location: models.Location{LogicalID: id},
				Message:  fmt.Sprintf("resource %q is not a mapping", id),
			})
			continue
		}
		if entry.Type() == "" {
			out = append(out, models.Finding{
				Kind:     models.KindMissingRequiredProperty,
				Severity: models.SeverityCritical,
				Location: models.Location{LogicalID: id, Path: "Type"},
				Message:  fmt.Sprintf("resource %q has no Type", id),
			})
		}
	}
	return out
}

// requiredPropertiesRule reports resources missing properties that the
// schema table marks required. Types absent from the table are skipped
// rather than guessed at.
type requiredPropertiesRule struct {
	lookup schema.Lookup
}

func (r *requiredPropertiesRule) Name() string              { return "required-properties" }
func (r *requiredPropertiesRule) Family() models.RuleFamily { return models.FamilyStructural }

func (r *requiredPropertiesRule) Check(doc *template.Document, _ *depgraph.Graph) []models.Finding {
	var out []models.Finding
	for _, id := range doc.ResourceIDs() {
		entry := doc.Resource(id)
		if entry == nil || entry.Type() == "" {
			continue
		}
		required, ok := r.lookup.RequiredProperties(entry.Type())
		if !ok {
			continue
		}
		props := entry.Properties()
		for _, p := range required {
			if props.Has(p) {
				continue
			}
			out = append(out, models.Finding{
				Kind:       models.KindMissingRequiredProperty,
				Severity:   models.SeverityHigh,
				Location:   models.Location{LogicalID: id, Path: "Properties." + p},
				Message:    fmt.Sprintf("%s requires property %s", entry.Type(), p),
				SuggestFix: FixAddRequiredProperty,
				Detail:     entry.Type(),
			})
		}
	}
	return out
}

// allowedValuesRule checks scalar property values against the schema's
// enum tables. Intrinsic values are skipped since they resolve at
// deploy time.
type allowedValuesRule struct {
	lookup schema.Lookup
}

func (r *allowedValuesRule) Name() string              { return "allowed-values" }
func (r *allowedValuesRule) Family() models.RuleFamily { return models.FamilyStructural }

func (r *allowedValuesRule) Check(doc *template.Document, _ *depgraph.Graph) []models.Finding {
	var out []models.Finding
	for _, id := range doc.ResourceIDs() {
		entry := doc.Resource(id)
		if entry == nil {
			continue
		}
		props := entry.Properties()
		for _, p := range props.Keys() {
			v := props.Get(p)
			if v == nil || v.Kind != template.KindScalar {
				continue
			}
			allowed, ok := r.lookup.AllowedValues(entry.Type(), p)
			if !ok {
				continue
			}
			if containsString(allowed, v.Raw) {
				continue
			}
			out = append(out, models.Finding{
				Kind:     models.KindInvalidEnumValue,
				Severity: models.SeverityHigh,
				Location: models.Location{LogicalID: id, Path: "Properties." + p},
				Message: fmt.Sprintf("%q is not a valid value for %s.%s (allowed: %s)",
					v.Raw, entry.Type(), p, strings.Join(allowed, ", ")),
			})
		}
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
