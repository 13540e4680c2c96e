package analyze

import (
	"fmt"
	"strings"

	"github.com/matijazezelj/stackmend/internal/depgraph"
	"github.com/matijazezelj/stackmend/internal/template"
	"github.com/matijazezelj/stackmend/pkg/models"
)

// encryptionAtRestRule flags storage resources deployed without
// at-rest encryption configured.
type encryptionAtRestRule struct{}

func (r *encryptionAtRestRule) Name() string              { return "encryption-at-rest" }
func (r *encryptionAtRestRule) Family() models.RuleFamily { return models.FamilySecurity }

func (r *encryptionAtRestRule) Check(doc *template.Document, _ *depgraph.Graph) []models.Finding {
	var out []models.Finding
	for _, id := range doc.ResourceIDs() {
		entry := doc.Resource(id)
		if entry == nil {
			continue
		}
		props := entry.Properties()
		switch entry.Type() {
		case "AWS::S3::Bucket":
			if !props.Has("BucketEncryption") {
				out = append(out, models.Finding{
					Kind:       models.KindSecurityViolation,
					Severity:   models.SeverityHigh,
					Location:   models.Location{LogicalID: id, Path: "Properties.BucketEncryption"},
					Message:    fmt.Sprintf("bucket %q has no server-side encryption configured", id),
					SuggestFix: FixAddBucketEncryption,
				})
			}
		case "AWS::RDS::DBInstance":
			enc := props.Get("StorageEncrypted")
			if b, ok := enc.BoolVal(); enc == nil || (ok && !b) {
				out = append(out, models.Finding{
					Kind:       models.KindSecurityViolation,
					Severity:   models.SeverityHigh,
					Location:   models.Location{LogicalID: id, Path: "Properties.StorageEncrypted"},
					Message:    fmt.Sprintf("database instance %q does not encrypt storage", id),
					SuggestFix: FixEnableStorageEncryption,
				})
			}
		}
	}
	return out
}

// openIngressRule flags security group ingress entries open to the
// whole internet.
type openIngressRule struct{}

func (r *openIngressRule) Name() string              { return "open-ingress" }
func (r *openIngressRule) Family() models.RuleFamily { return models.FamilySecurity }

func (r *openIngressRule) Check(doc *template.Document, _ *depgraph.Graph) []models.Finding {
	var out []models.Finding
	for _, id := range doc.ResourceIDs() {
		entry := doc.Resource(id)
		if entry == nil {
			continue
		}
		props := entry.Properties()
		switch entry.Type() {
		case "AWS::EC2::SecurityGroup":
			ingress := props.Get("SecurityGroupIngress")
			if ingress == nil || ingress.Kind != template.KindSequence {
				continue
			}
			for i, e := range ingress.Seq {
				if field := openCidrField(e); field != "" {
					out = append(out, models.Finding{
						Kind:       models.KindSecurityViolation,
						Severity:   models.SeverityHigh,
						Location:   models.Location{LogicalID: id, Path: fmt.Sprintf("Properties.SecurityGroupIngress[%d].%s", i, field)},
						Message:    fmt.Sprintf("security group %q allows ingress from any address", id),
						SuggestFix: FixRestrictIngress,
					})
				}
			}
		case "AWS::EC2::SecurityGroupIngress":
			if field := openCidrField(template.MapValue(props)); field != "" {
				out = append(out, models.Finding{
					Kind:       models.KindSecurityViolation,
					Severity:   models.SeverityHigh,
					Location:   models.Location{LogicalID: id, Path: "Properties." + field},
					Message:    fmt.Sprintf("ingress rule %q allows traffic from any address", id),
					SuggestFix: FixRestrictIngress,
				})
			}
		}
	}
	return out
}

// openCidrField returns the name of the CIDR field open to the world,
// or "" when the entry is scoped.
func openCidrField(entry *template.Value) string {
	if entry == nil || entry.Kind != template.KindMapping {
		return ""
	}
	if entry.Map.Get("CidrIp").StringVal() == "0.0.0.0/0" {
		return "CidrIp"
	}
	if entry.Map.Get("CidrIpv6").StringVal() == "::/0" {
		return "CidrIpv6"
	}
	return ""
}

// wildcardPermissionsRule flags IAM policy statements granting "*" on
// actions or resources. These are reported but never auto-fixed since
// narrowing a grant needs knowledge of the workload.
type wildcardPermissionsRule struct{}

func (r *wildcardPermissionsRule) Name() string              { return "wildcard-permissions" }
func (r *wildcardPermissionsRule) Family() models.RuleFamily { return models.FamilySecurity }

func (r *wildcardPermissionsRule) Check(doc *template.Document, _ *depgraph.Graph) []models.Finding {
	var out []models.Finding
	for _, id := range doc.ResourceIDs() {
		entry := doc.Resource(id)
		if entry == nil {
			continue
		}
		props := entry.Properties()
		if props == nil {
			continue
		}
		template.Walk(template.MapValue(props), func(v *template.Value, path string) {
			if v.Kind != template.KindMapping || !strings.Contains(path, "Statement") {
				return
			}
			if v.Map.Get("Effect").StringVal() != "Allow" {
				return
			}
			for _, field := range []string{"Action", "Resource"} {
				if hasWildcard(v.Map.Get(field)) {
					out = append(out, models.Finding{
						Kind:     models.KindSecurityViolation,
						Severity: models.SeverityHigh,
						Location: models.Location{LogicalID: id, Path: "Properties." + path + "." + field},
						Message:  fmt.Sprintf("policy statement in %q allows %s \"*\"", id, strings.ToLower(field)),
					})
				}
			}
		})
	}
	return out
}

func hasWildcard(v *template.Value) bool {
	if v == nil {
		return false
	}
	if v.Kind == template.KindScalar {
		return v.Raw == "*"
	}
	if v.Kind == template.KindSequence {
		for _, e := range v.Seq {
			if e.StringVal() == "*" {
				return true
			}
		}
	}
	return false
}

// insecureTransportRule flags load balancer listeners speaking plain
// HTTP. Switching to HTTPS needs a certificate, so this stays a report.
type insecureTransportRule struct{}

func (r *insecureTransportRule) Name() string              { return "insecure-transport" }
func (r *insecureTransportRule) Family() models.RuleFamily { return models.FamilySecurity }

func (r *insecureTransportRule) Check(doc *template.Document, _ *depgraph.Graph) []models.Finding {
	var out []models.Finding
	for _, id := range doc.ResourceIDs() {
		entry := doc.Resource(id)
		if entry == nil || entry.Type() != "AWS::ElasticLoadBalancingV2::Listener" {
			continue
		}
		if entry.Properties().Get("Protocol").StringVal() == "HTTP" {
			out = append(out, models.Finding{
				Kind:     models.KindSecurityViolation,
				Severity: models.SeverityMedium,
				Location: models.Location{LogicalID: id, Path: "Properties.Protocol"},
				Message:  fmt.Sprintf("listener %q accepts unencrypted HTTP traffic", id),
			})
		}
	}
	return out
}
