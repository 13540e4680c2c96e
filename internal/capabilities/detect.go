// Package capabilities inspects a template for constructs that need
// elevated-privilege acknowledgement at deploy time.
package capabilities

import (
	"strings"

	"github.com/matijazezelj/stackmend/internal/template"
	"github.com/matijazezelj/stackmend/pkg/models"
)

// namedIAMProperties pin physical identity names and require the
// stronger named-IAM acknowledgement.
var namedIAMProperties = []string{"RoleName", "UserName", "GroupName"}

// Detect returns the capability tokens a deployment of the document
// must acknowledge, in a fixed order. The result is empty for
// templates without IAM or macro constructs.
func Detect(doc *template.Document) []models.Capability {
	var (
		iam      bool
		namedIAM bool
	)

	for _, id := range doc.ResourceIDs() {
		entry := doc.Resource(id)
		if entry == nil {
			continue
		}
		isIAMType := strings.HasPrefix(entry.Type(), "AWS::IAM::")
		if isIAMType {
			iam = true
		}
		props := entry.Properties()
		if props == nil {
			continue
		}
		if containsPolicyDocument(props) {
			iam = true
		}
		if isIAMType {
			for _, p := range namedIAMProperties {
				if props.Has(p) {
					namedIAM = true
				}
			}
		}
	}

	var out []models.Capability
	switch {
	case namedIAM:
		out = append(out, models.CapabilityNamedIAM)
	case iam:
		out = append(out, models.CapabilityIAM)
	}
	if doc.HasTransform() {
		out = append(out, models.CapabilityAutoExpand)
	}
	return out
}

// containsPolicyDocument looks for inline policy documents at any
// depth, such as the PolicyDocument nested inside a role's Policies
// list.
func containsPolicyDocument(props *template.Mapping) bool {
	found := false
	template.Walk(template.MapValue(props), func(v *template.Value, _ string) {
		if found || v.Kind != template.KindMapping {
			return
		}
		if v.Map.Has("PolicyDocument") || v.Map.Has("AssumeRolePolicyDocument") {
			found = true
		}
	})
	return found
}
