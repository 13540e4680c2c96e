// Package analyze runs the rule engine over a parsed template and its
// dependency graph. Each rule is an independent, side-effect-free
// check; findings are concatenated and sorted so repeated runs over
// the same document produce identical output.
package analyze

import (
	"log/slog"
	"sort"

	"github.com/matijazezelj/stackmend/internal/depgraph"
	"github.com/matijazezelj/stackmend/internal/schema"
	"github.com/matijazezelj/stackmend/internal/template"
	"github.com/matijazezelj/stackmend/pkg/models"
)

// Rule is one analysis check over (document, graph).
type Rule interface {
	// Name returns the rule identifier (e.g. "required-properties").
	Name() string

	// Family returns the rule family used for confidence banding.
	Family() models.RuleFamily

	// Check returns zero or more findings. Implementations must not
	// mutate the document or graph.
	Check(doc *template.Document, g *depgraph.Graph) []models.Finding
}

// Suggested-fix identifiers understood by the fix generator.
const (
	FixAddTemplateVersion      = "add-template-version"
	FixAddRequiredProperty     = "add-required-property"
	FixAddBucketEncryption     = "add-bucket-encryption"
	FixEnableStorageEncryption = "enable-storage-encryption"
	FixRestrictIngress         = "restrict-ingress"
	FixAddDefaultTags          = "add-default-tags"
	FixAddDeletionPolicy       = "add-deletion-policy"
	FixAddLambdaRole           = "add-lambda-execution-role"
	FixUniqueResourceName      = "unique-resource-name"
	FixRenameReference         = "rename-dangling-reference"
)

// Analyzer runs a fixed, ordered rule list.
type Analyzer struct {
	rules  []Rule
	logger *slog.Logger
}

// New builds an analyzer with the default rule set.
func New(lookup schema.Lookup, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		rules: []Rule{
			&templateStructureRule{},
			&requiredPropertiesRule{lookup: lookup},
			&allowedValuesRule{lookup: lookup},
			&circularDependencyRule{},
			&danglingReferenceRule{},
			&orphanedConditionRule{},
			&encryptionAtRestRule{},
			&openIngressRule{},
			&wildcardPermissionsRule{},
			&insecureTransportRule{},
			&missingLambdaRoleRule{},
			&taggingRule{lookup: lookup},
			&deletionPolicyRule{},
			&namingCollisionRule{},
		},
		logger: logger,
	}
}

// Analyze runs every rule and returns findings sorted by severity
// descending, then by location, then by rule name.
func (a *Analyzer) Analyze(doc *template.Document, g *depgraph.Graph) []models.Finding {
	var findings []models.Finding
	for _, r := range a.rules {
		fs := r.Check(doc, g)
		for i := range fs {
			if fs[i].Rule == "" {
				fs[i].Rule = r.Name()
			}
			if fs[i].Family == "" {
				fs[i].Family = r.Family()
			}
		}
		findings = append(findings, fs...)
	}
	sortFindings(findings)
	if a.logger != nil {
		a.logger.Debug("analysis complete", "rules", len(a.rules), "findings", len(findings))
	}
	return findings
}

// AnalyzeScoped restricts the result to findings on the given logical
// ids (plus template-level findings), used when re-analyzing after a
// deployment failure so already-fixed areas are not re-litigated.
func (a *Analyzer) AnalyzeScoped(doc *template.Document, g *depgraph.Graph, scope map[string]bool) []models.Finding {
	all := a.Analyze(doc, g)
	if len(scope) == 0 {
		return all
	}
	var out []models.Finding
	for _, f := range all {
		if f.Location.LogicalID == "" || scope[f.Location.LogicalID] {
			out = append(out, f)
		}
	}
	return out
}

func sortFindings(fs []models.Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		if a, b := fs[i].Severity.Rank(), fs[j].Severity.Rank(); a != b {
			return a > b
		}
		if a, b := fs[i].Location.String(), fs[j].Location.String(); a != b {
			return a < b
		}
		return fs[i].Rule < fs[j].Rule
	})
}
