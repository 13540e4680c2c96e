// Package fix turns findings into concrete template edits. Every fix
// carries a confidence score; the generator proposes everything it
// can, and the applier only performs edits at or above the configured
// threshold. Edits are copy-on-write, so callers keep the pre-fix
// document for diffing and audit.
package fix

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/matijazezelj/stackmend/internal/analyze"
	"github.com/matijazezelj/stackmend/internal/template"
	"github.com/matijazezelj/stackmend/pkg/models"
)

// DefaultThreshold is the minimum confidence applied without an
// explicit override.
const DefaultThreshold = 0.80

// replacePenalty is subtracted when an edit replaces a value the
// author wrote, rather than adding something absent.
const replacePenalty = 0.15

// familyBase returns the confidence band for a rule family.
func familyBase(f models.RuleFamily) float64 {
	switch f {
	case models.FamilyStructural:
		return 0.95
	case models.FamilySecurity:
		return 0.90
	case models.FamilyDependency:
		return 0.85
	case models.FamilyBestPractice:
		return 0.60
	}
	return 0
}

// Generator proposes and applies fixes for analysis findings.
type Generator struct {
	threshold float64
	logger    *slog.Logger
	newID     func() string
	now       func() time.Time
}

// NewGenerator builds a generator. A non-positive threshold selects
// DefaultThreshold.
func NewGenerator(threshold float64, logger *slog.Logger) *Generator {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Generator{
		threshold: threshold,
		logger:    logger,
		newID:     uuid.NewString,
		now:       time.Now,
	}
}

// Threshold returns the confidence floor applied fixes must meet.
func (g *Generator) Threshold() float64 { return g.threshold }

// Generate proposes one fix per fixable finding, ordered by confidence
// descending. Ties keep the findings' severity-then-location order.
// Findings with no known remedy produce no fix.
func (g *Generator) Generate(doc *template.Document, findings []models.Finding) []models.Fix {
	var fixes []models.Fix
	for _, f := range findings {
		op, replacing, ok := g.plan(doc, f)
		if !ok {
			continue
		}
		conf := familyBase(f.Family)
		if replacing {
			conf -= replacePenalty
		}
		fixes = append(fixes, models.Fix{
			ID:         g.newID(),
			Op:         op,
			Location:   f.Location,
			Confidence: conf,
			Rationale:  rationale(f),
			Finding:    f,
		})
	}
	sort.SliceStable(fixes, func(i, j int) bool {
		return fixes[i].Confidence > fixes[j].Confidence
	})
	return fixes
}

// plan reports whether a finding has an automatic remedy, along with
// the edit kind and whether the edit replaces an authored value.
func (g *Generator) plan(doc *template.Document, f models.Finding) (models.EditOp, bool, bool) {
	switch f.SuggestFix {
	case analyze.FixAddTemplateVersion:
		return models.OpAddProperty, false, true
	case analyze.FixAddRequiredProperty:
		prop := strings.TrimPrefix(f.Location.Path, "Properties.")
		_, ok := requiredPropertyDefault(f.Detail, prop, f.Location.LogicalID)
		return models.OpAddProperty, false, ok
	case analyze.FixAddBucketEncryption:
		return models.OpAddProperty, false, true
	case analyze.FixEnableStorageEncryption:
		existing := doc.ValueAt(f.Location.LogicalID, f.Location.Path)
		if existing != nil {
			return models.OpSetValue, true, true
		}
		return models.OpAddProperty, false, true
	case analyze.FixRestrictIngress:
		return models.OpSetValue, true, true
	case analyze.FixAddDefaultTags:
		return models.OpAddProperty, false, true
	case analyze.FixAddDeletionPolicy:
		return models.OpAddProperty, false, true
	case analyze.FixAddLambdaRole:
		return models.OpAddResource, false, true
	case analyze.FixUniqueResourceName:
		return models.OpSetValue, true, true
	case analyze.FixRenameReference:
		_, _, ok := renameCandidate(doc, f)
		return models.OpRenameReference, true, ok
	}
	return "", false, false
}

func rationale(f models.Finding) string {
	switch f.SuggestFix {
	case analyze.FixAddTemplateVersion:
		return "declare the current template format version"
	case analyze.FixAddRequiredProperty:
		return "add the missing required property with a derived value"
	case analyze.FixAddBucketEncryption:
		return "enable default server-side encryption (AES256)"
	case analyze.FixEnableStorageEncryption:
		return "enable storage encryption"
	case analyze.FixRestrictIngress:
		return "narrow world-open ingress to a private range; review the intended source"
	case analyze.FixAddDefaultTags:
		return "add a ManagedBy tag"
	case analyze.FixAddDeletionPolicy:
		return "retain stateful data on stack deletion"
	case analyze.FixAddLambdaRole:
		return "add a minimal execution role and wire the function to it"
	case analyze.FixUniqueResourceName:
		return "suffix the physical name to avoid the collision"
	case analyze.FixRenameReference:
		return "point the reference at the closest declared logical id"
	}
	return ""
}

// Apply performs the given fixes in order, skipping fixes below the
// threshold and superseding later fixes that target a location an
// earlier fix already edited. Returns the edited document and one
// provenance record per applied or superseded fix.
func (g *Generator) Apply(doc *template.Document, fixes []models.Fix) (*template.Document, []models.ProvenanceRecord, error) {
	var records []models.ProvenanceRecord
	edited := make(map[string]bool)

	for _, fx := range fixes {
		if fx.Confidence < g.threshold {
			if g.logger != nil {
				g.logger.Debug("fix below threshold", "fix", fx.ID, "confidence", fx.Confidence, "location", fx.Location.String())
			}
			continue
		}
		loc := fx.Location.String()
		if edited[loc] {
			records = append(records, models.ProvenanceRecord{
				FixID: fx.ID, Op: fx.Op, Location: fx.Location,
				Confidence: fx.Confidence, Rationale: fx.Rationale,
				Superseded: true, AppliedAt: g.now().UTC(),
			})
			continue
		}

		next, orig, repl, applied, err := g.applyOne(doc, fx)
		if err != nil {
			return nil, nil, fmt.Errorf("applying fix %s at %s: %w", fx.ID, loc, err)
		}
		if !applied {
			continue
		}
		doc = next
		edited[loc] = true
		records = append(records, models.ProvenanceRecord{
			FixID: fx.ID, Op: fx.Op, Location: fx.Location,
			OriginalValue: orig, NewValue: repl,
			Confidence: fx.Confidence, Rationale: fx.Rationale,
			AppliedAt: g.now().UTC(),
		})
		if g.logger != nil {
			g.logger.Info("fix applied", "fix", fx.ID, "op", string(fx.Op), "location", loc)
		}
	}
	return doc, records, nil
}

// applyOne performs a single edit. applied=false means the document
// already satisfies the fix and nothing changed.
func (g *Generator) applyOne(doc *template.Document, fx models.Fix) (*template.Document, any, any, bool, error) {
	f := fx.Finding
	id, path := f.Location.LogicalID, f.Location.Path
	current := doc.ValueAt(id, path)

	switch f.SuggestFix {
	case analyze.FixAddTemplateVersion:
		if current != nil {
			return doc, nil, nil, false, nil
		}
		v := template.String("2010-09-09")
		next, err := doc.WithSet(id, path, v)
		return next, nil, v.Interface(), err == nil, err

	case analyze.FixAddRequiredProperty:
		if current != nil {
			return doc, nil, nil, false, nil
		}
		prop := strings.TrimPrefix(path, "Properties.")
		v, ok := requiredPropertyDefault(f.Detail, prop, id)
		if !ok {
			return doc, nil, nil, false, nil
		}
		next, err := doc.WithSet(id, path, v)
		return next, nil, v.Interface(), err == nil, err

	case analyze.FixAddBucketEncryption:
		if current != nil {
			return doc, nil, nil, false, nil
		}
		v := bucketEncryptionValue()
		next, err := doc.WithSet(id, path, v)
		return next, nil, v.Interface(), err == nil, err

	case analyze.FixEnableStorageEncryption:
		if b, ok := current.BoolVal(); ok && b {
			return doc, nil, nil, false, nil
		}
		v := template.Bool(true)
		next, err := doc.WithSet(id, path, v)
		return next, current.Interface(), v.Interface(), err == nil, err

	case analyze.FixRestrictIngress:
		if current == nil {
			return doc, nil, nil, false, nil
		}
		v := template.String(privateRangeFor(current.StringVal()))
		if current.StringVal() == v.StringVal() {
			return doc, nil, nil, false, nil
		}
		next, err := doc.WithSet(id, path, v)
		return next, current.Interface(), v.Interface(), err == nil, err

	case analyze.FixAddDefaultTags:
		if current != nil {
			return doc, nil, nil, false, nil
		}
		v := defaultTagsValue()
		next, err := doc.WithSet(id, path, v)
		return next, nil, v.Interface(), err == nil, err

	case analyze.FixAddDeletionPolicy:
		if current != nil {
			return doc, nil, nil, false, nil
		}
		v := template.String("Retain")
		next, err := doc.WithSet(id, path, v)
		return next, nil, v.Interface(), err == nil, err

	case analyze.FixAddLambdaRole:
		return g.addLambdaRole(doc, f)

	case analyze.FixUniqueResourceName:
		if current == nil || current.Kind != template.KindScalar {
			return doc, nil, nil, false, nil
		}
		v := template.String(current.Raw + "-" + shortSuffix(g.newID()))
		next, err := doc.WithSet(id, path, v)
		return next, current.Interface(), v.Interface(), err == nil, err

	case analyze.FixRenameReference:
		oldName, candidate, ok := renameCandidate(doc, f)
		if !ok {
			return doc, nil, nil, false, nil
		}
		return doc.WithRenamedReference(oldName, candidate), oldName, candidate, true, nil
	}
	return doc, nil, nil, false, nil
}

// addLambdaRole introduces <Function>ExecutionRole and points the
// function's Role property at its Arn. An already-declared role of
// that name is reused.
func (g *Generator) addLambdaRole(doc *template.Document, f models.Finding) (*template.Document, any, any, bool, error) {
	if doc.ValueAt(f.Location.LogicalID, f.Location.Path) != nil {
		return doc, nil, nil, false, nil
	}
	roleID := f.Location.LogicalID + "ExecutionRole"
	next := doc
	if doc.Resource(roleID) == nil {
		var err error
		next, err = doc.WithResource(roleID, executionRoleValue())
		if err != nil {
			return nil, nil, nil, false, err
		}
	}
	roleArn := template.Intrinsic(template.FnGetAtt, template.Seq(template.String(roleID), template.String("Arn")))
	next, err := next.WithSet(f.Location.LogicalID, f.Location.Path, roleArn)
	return next, nil, roleArn.Interface(), err == nil, err
}

// renameCandidate extracts the unresolved target at the finding site
// and looks for a unique case-insensitive match among declared ids.
func renameCandidate(doc *template.Document, f models.Finding) (string, string, bool) {
	declared := make(map[string]bool)
	for _, id := range doc.ResourceIDs() {
		declared[id] = true
	}

	v := doc.ValueAt(f.Location.LogicalID, f.Location.Path)
	oldName := ""
	switch {
	case v == nil:
		return "", "", false
	case v.Kind == template.KindIntrinsic && v.Fn == template.FnRef:
		oldName = v.Arg.StringVal()
	case v.Kind == template.KindIntrinsic && v.Fn == template.FnGetAtt:
		if v.Arg.Kind == template.KindSequence && len(v.Arg.Seq) > 0 {
			oldName = v.Arg.Seq[0].StringVal()
		}
	case v.Kind == template.KindScalar:
		oldName = v.Raw
	case v.Kind == template.KindSequence:
		for _, e := range v.Seq {
			if s := e.StringVal(); s != "" && !declared[s] {
				oldName = s
				break
			}
		}
	}
	if oldName == "" || declared[oldName] {
		return "", "", false
	}

	candidate := ""
	for _, id := range doc.ResourceIDs() {
		if strings.EqualFold(id, oldName) {
			if candidate != "" {
				return "", "", false
			}
			candidate = id
		}
	}
	if candidate == "" {
		return "", "", false
	}
	return oldName, candidate, true
}

// requiredPropertyDefault returns a safe derived value for a missing
// required property, with ok=false for properties whose value cannot
// be invented without knowing the workload.
func requiredPropertyDefault(resourceType, prop, logicalID string) (*template.Value, bool) {
	switch resourceType + "/" + prop {
	case "AWS::EC2::SecurityGroup/GroupDescription":
		return template.String(logicalID + " security group"), true
	case "AWS::IAM::Policy/PolicyName":
		return template.String(logicalID), true
	}
	return nil, false
}

// privateRangeFor maps a world-open CIDR to the matching private range.
func privateRangeFor(open string) string {
	if open == "::/0" {
		return "fc00::/7"
	}
	return "10.0.0.0/8"
}

func shortSuffix(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return strings.ToLower(id)
}

func bucketEncryptionValue() *template.Value {
	byDefault := template.NewMapping()
	byDefault.Set("SSEAlgorithm", template.String("AES256"))
	rule := template.NewMapping()
	rule.Set("ServerSideEncryptionByDefault", template.MapValue(byDefault))
	enc := template.NewMapping()
	enc.Set("ServerSideEncryptionConfiguration", template.Seq(template.MapValue(rule)))
	return template.MapValue(enc)
}

func defaultTagsValue() *template.Value {
	tag := template.NewMapping()
	tag.Set("Key", template.String("ManagedBy"))
	tag.Set("Value", template.String("stackmend"))
	return template.Seq(template.MapValue(tag))
}

func executionRoleValue() *template.Value {
	stmt := template.NewMapping()
	stmt.Set("Effect", template.String("Allow"))
	principal := template.NewMapping()
	principal.Set("Service", template.String("lambda.amazonaws.com"))
	stmt.Set("Principal", template.MapValue(principal))
	stmt.Set("Action", template.String("sts:AssumeRole"))

	policy := template.NewMapping()
	policy.Set("Version", template.String("2012-10-17"))
	policy.Set("Statement", template.Seq(template.MapValue(stmt)))

	props := template.NewMapping()
	props.Set("AssumeRolePolicyDocument", template.MapValue(policy))
	props.Set("ManagedPolicyArns", template.Seq(
		template.String("arn:aws:iam::aws:policy/service-role/AWSLambdaBasicExecutionRole")))

	body := template.NewMapping()
	body.Set("Type", template.String("AWS::IAM::Role"))
	body.Set("Properties", template.MapValue(props))
	return template.MapValue(body)
}
