package analyze

import (
	"testing"

	"github.com/matijazezelj/stackmend/internal/template"
	"github.com/matijazezelj/stackmend/pkg/models"
)

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		reason string
		want   FailureCategory
	}{
		{"shared-assets already exists", FailureAlreadyExists},
		{"Resource of type AWS::S3::Bucket with identifier shared-assets Already Exists", FailureAlreadyExists},
		{"User is not authorized to perform iam:CreateRole", FailurePermission},
		{"Access Denied when calling PutBucketPolicy", FailurePermission},
		{"Rate exceeded", FailureThrottling},
		{"Throttling: too many requests", FailureThrottling},
		{"Property validation failure: invalid BillingMode", FailureValidation},
		{"Internal Failure", FailureUnknown},
		{"", FailureUnknown},
	}
	for _, c := range cases {
		if got := ClassifyFailure(c.reason); got != c.want {
			t.Errorf("ClassifyFailure(%q) = %q, want %q", c.reason, got, c.want)
		}
	}
}

func TestFailureFindingsNameConflict(t *testing.T) {
	doc, err := template.Parse([]byte(`
AWSTemplateFormatVersion: "2010-09-09"
Resources:
  Assets:
    Type: AWS::S3::Bucket
    Properties:
      BucketName: shared-assets
  Queue:
    Type: AWS::SQS::Queue
    Properties: {}
`), template.FormatYAML)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	fs := FailureFindings(doc, []models.ResourceFailure{
		{LogicalID: "Assets", Status: "CREATE_FAILED", Reason: "shared-assets already exists"},
		{LogicalID: "Queue", Status: "CREATE_FAILED", Reason: "queue-x already exists"},
		{LogicalID: "Ghost", Status: "CREATE_FAILED", Reason: "ghost already exists"},
		{LogicalID: "Assets", Status: "CREATE_FAILED", Reason: "Internal Failure"},
	})
	if len(fs) != 1 {
		t.Fatalf("expected one finding, got %v", fs)
	}
	f := fs[0]
	if f.Location.String() != "Assets.Properties.BucketName" {
		t.Errorf("location = %q", f.Location.String())
	}
	if f.SuggestFix != FixUniqueResourceName {
		t.Errorf("suggested fix = %q", f.SuggestFix)
	}
	if f.Family != models.FamilyStructural || f.Severity != models.SeverityHigh {
		t.Errorf("unexpected classification: %+v", f)
	}
	if f.Detail != "shared-assets" {
		t.Errorf("detail = %q", f.Detail)
	}
}

func TestFailureFindingsSkipsDynamicNames(t *testing.T) {
	doc, err := template.Parse([]byte(`
AWSTemplateFormatVersion: "2010-09-09"
Resources:
  Assets:
    Type: AWS::S3::Bucket
    Properties:
      BucketName: !Ref NamePrefix
`), template.FormatYAML)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	fs := FailureFindings(doc, []models.ResourceFailure{
		{LogicalID: "Assets", Status: "CREATE_FAILED", Reason: "bucket already exists"},
	})
	if len(fs) != 0 {
		t.Fatalf("expected no findings for a non-literal name, got %v", fs)
	}
}
