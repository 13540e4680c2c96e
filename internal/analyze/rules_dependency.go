package analyze

import (
	"fmt"
	"strings"

	"github.com/matijazezelj/stackmend/internal/depgraph"
	"github.com/matijazezelj/stackmend/internal/template"
	"github.com/matijazezelj/stackmend/pkg/models"
)

// circularDependencyRule reports each dependency cycle once, anchored
// at its lexically smallest member.
type circularDependencyRule struct{}

func (r *circularDependencyRule) Name() string              { return "circular-dependency" }
func (r *circularDependencyRule) Family() models.RuleFamily { return models.FamilyDependency }

func (r *circularDependencyRule) Check(_ *template.Document, g *depgraph.Graph) []models.Finding {
	var out []models.Finding
	for _, cycle := range g.Cycles() {
		anchor := cycle[0]
		for _, n := range cycle[1:] {
			if n < anchor {
				anchor = n
			}
		}
		out = append(out, models.Finding{
			Kind:     models.KindCircularDependency,
			Severity: models.SeverityHigh,
			Location: models.Location{LogicalID: anchor},
			Message:  fmt.Sprintf("dependency cycle: %s", strings.Join(append(cycle, cycle[0]), " -> ")),
			Detail:   strings.Join(cycle, "|"),
		})
	}
	return out
}

// danglingReferenceRule reports references whose target is not declared
// in the template, one finding per referencing site.
type danglingReferenceRule struct{}

func (r *danglingReferenceRule) Name() string              { return "dangling-reference" }
func (r *danglingReferenceRule) Family() models.RuleFamily { return models.FamilyDependency }

func (r *danglingReferenceRule) Check(_ *template.Document, g *depgraph.Graph) []models.Finding {
	var out []models.Finding
	for _, e := range g.DanglingReferences() {
		out = append(out, models.Finding{
			Kind:       models.KindMissingReferenceTarget,
			Severity:   models.SeverityHigh,
			Location:   models.Location{LogicalID: e.From, Path: e.Path},
			Message:    fmt.Sprintf("%s references %q, which is not declared in the template", e.From, e.Target),
			SuggestFix: FixRenameReference,
			Detail:     e.Target,
		})
	}
	return out
}

// orphanedConditionRule reports conditions defined in the Conditions
// section that no resource, output, or other condition ever uses.
type orphanedConditionRule struct{}

func (r *orphanedConditionRule) Name() string              { return "orphaned-condition" }
func (r *orphanedConditionRule) Family() models.RuleFamily { return models.FamilyDependency }

func (r *orphanedConditionRule) Check(doc *template.Document, _ *depgraph.Graph) []models.Finding {
	conds := doc.Section(template.SectionConditions)
	if conds == nil || conds.Kind != template.KindMapping || conds.Map.Len() == 0 {
		return nil
	}

	used := make(map[string]bool)
	for _, id := range doc.ResourceIDs() {
		if entry := doc.Resource(id); entry != nil {
			if name := entry.ConditionName(); name != "" {
				used[name] = true
			}
		}
	}
	for _, key := range doc.Root.Keys() {
		template.Walk(doc.Root.Get(key), func(v *template.Value, _ string) {
			if v.Kind != template.KindIntrinsic {
				return
			}
			switch v.Fn {
			case template.FnCondition:
				used[v.Arg.StringVal()] = true
			case template.FnIf:
				if v.Arg.Kind == template.KindSequence && len(v.Arg.Seq) > 0 {
					used[v.Arg.Seq[0].StringVal()] = true
				}
			}
		})
	}

	var out []models.Finding
	for _, name := range conds.Map.Keys() {
		if used[name] {
			continue
		}
		out = append(out, models.Finding{
			Kind:     models.KindBestPracticeViolation,
			Severity: models.SeverityLow,
			Location: models.Location{Path: template.SectionConditions + "." + name},
			Message:  fmt.Sprintf("condition %q is defined but never used", name),
		})
	}
	return out
}
