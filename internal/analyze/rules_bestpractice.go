package analyze

import (
	"fmt"

	"github.com/matijazezelj/stackmend/internal/depgraph"
	"github.com/matijazezelj/stackmend/internal/schema"
	"github.com/matijazezelj/stackmend/internal/template"
	"github.com/matijazezelj/stackmend/pkg/models"
)

// taggingRule flags taggable resources declared without Tags.
type taggingRule struct {
	lookup schema.Lookup
}

func (r *taggingRule) Name() string              { return "resource-tagging" }
func (r *taggingRule) Family() models.RuleFamily { return models.FamilyBestPractice }

func (r *taggingRule) Check(doc *template.Document, _ *depgraph.Graph) []models.Finding {
	var out []models.Finding
	for _, id := range doc.ResourceIDs() {
		entry := doc.Resource(id)
		if entry == nil || !r.lookup.Taggable(entry.Type()) {
			continue
		}
		if entry.Properties().Has("Tags") {
			continue
		}
		out = append(out, models.Finding{
			Kind:       models.KindBestPracticeViolation,
			Severity:   models.SeverityLow,
			Location:   models.Location{LogicalID: id, Path: "Properties.Tags"},
			Message:    fmt.Sprintf("resource %q carries no tags", id),
			SuggestFix: FixAddDefaultTags,
		})
	}
	return out
}

// statefulTypes are resource types that hold data and should declare
// what happens to that data on stack deletion.
var statefulTypes = map[string]bool{
	"AWS::S3::Bucket":                true,
	"AWS::DynamoDB::Table":           true,
	"AWS::RDS::DBInstance":           true,
	"AWS::RDS::DBCluster":            true,
	"AWS::EFS::FileSystem":           true,
	"AWS::ElastiCache::CacheCluster": true,
}

// deletionPolicyRule flags stateful resources without a DeletionPolicy.
type deletionPolicyRule struct{}

func (r *deletionPolicyRule) Name() string              { return "deletion-policy" }
func (r *deletionPolicyRule) Family() models.RuleFamily { return models.FamilyBestPractice }

func (r *deletionPolicyRule) Check(doc *template.Document, _ *depgraph.Graph) []models.Finding {
	var out []models.Finding
	for _, id := range doc.ResourceIDs() {
		entry := doc.Resource(id)
		if entry == nil || !statefulTypes[entry.Type()] {
			continue
		}
		if entry.DeletionPolicy() != "" {
			continue
		}
		out = append(out, models.Finding{
			Kind:       models.KindBestPracticeViolation,
			Severity:   models.SeverityMedium,
			Location:   models.Location{LogicalID: id, Path: "DeletionPolicy"},
			Message:    fmt.Sprintf("stateful resource %q has no DeletionPolicy", id),
			SuggestFix: FixAddDeletionPolicy,
		})
	}
	return out
}

// missingLambdaRoleRule flags functions declared without an execution
// role. The companion fix adds a minimal role resource and wires the
// function to it.
type missingLambdaRoleRule struct{}

func (r *missingLambdaRoleRule) Name() string              { return "lambda-execution-role" }
func (r *missingLambdaRoleRule) Family() models.RuleFamily { return models.FamilyBestPractice }

func (r *missingLambdaRoleRule) Check(doc *template.Document, _ *depgraph.Graph) []models.Finding {
	var out []models.Finding
	for _, id := range doc.ResourceIDs() {
		entry := doc.Resource(id)
		if entry == nil || entry.Type() != "AWS::Lambda::Function" {
			continue
		}
		if entry.Properties().Has("Role") {
			continue
		}
		out = append(out, models.Finding{
			Kind:       models.KindBestPracticeViolation,
			Severity:   models.SeverityHigh,
			Location:   models.Location{LogicalID: id, Path: "Properties.Role"},
			Message:    fmt.Sprintf("function %q declares no execution role", id),
			SuggestFix: FixAddLambdaRole,
		})
	}
	return out
}

// physicalNameProperties maps resource types to the property that pins
// a physical name. Hardcoded names collide when a stack is deployed
// twice into one account.
var physicalNameProperties = map[string]string{
	"AWS::S3::Bucket":       "BucketName",
	"AWS::DynamoDB::Table":  "TableName",
	"AWS::IAM::Role":        "RoleName",
	"AWS::IAM::User":        "UserName",
	"AWS::IAM::Group":       "GroupName",
	"AWS::Lambda::Function": "FunctionName",
	"AWS::SQS::Queue":       "QueueName",
	"AWS::SNS::Topic":       "TopicName",
}

// namingCollisionRule flags literal physical names shared by more than
// one resource in the template.
type namingCollisionRule struct{}

func (r *namingCollisionRule) Name() string              { return "naming-collision" }
func (r *namingCollisionRule) Family() models.RuleFamily { return models.FamilyBestPractice }

func (r *namingCollisionRule) Check(doc *template.Document, _ *depgraph.Graph) []models.Finding {
	type site struct {
		id   string
		prop string
	}
	byName := make(map[string][]site)
	var order []string
	for _, id := range doc.ResourceIDs() {
		entry := doc.Resource(id)
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
		if len(byName[v.Raw]) == 0 {
			order = append(order, v.Raw)
		}
		byName[v.Raw] = append(byName[v.Raw], site{id: id, prop: prop})
	}

	var out []models.Finding
	for _, name := range order {
		sites := byName[name]
		if len(sites) < 2 {
			continue
		}
		for _, s := range sites[1:] {
			out = append(out, models.Finding{
				Kind:       models.KindComplianceViolation,
				Severity:   models.SeverityMedium,
				Location:   models.Location{LogicalID: s.id, Path: "Properties." + s.prop},
				Message:    fmt.Sprintf("physical name %q is also used by %q", name, sites[0].id),
				SuggestFix: FixUniqueResourceName,
				Detail:     name,
			})
		}
	}
	return out
}
