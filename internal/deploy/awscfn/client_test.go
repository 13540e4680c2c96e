package awscfn

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/smithy-go"

	"github.com/matijazezelj/stackmend/internal/deploy"
	"github.com/matijazezelj/stackmend/pkg/models"
)

type fakeAPI struct {
	describeOut  *cloudformation.DescribeStacksOutput
	describeErr  error
	eventPages   []*cloudformation.DescribeStackEventsOutput
	creates      []*cloudformation.CreateStackInput
	updates      []*cloudformation.UpdateStackInput
	updateErr    error
	cancelCalled bool
}

func (f *fakeAPI) CreateStack(_ context.Context, in *cloudformation.CreateStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error) {
	f.creates = append(f.creates, in)
	return &cloudformation.CreateStackOutput{}, nil
}

func (f *fakeAPI) UpdateStack(_ context.Context, in *cloudformation.UpdateStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error) {
	f.updates = append(f.updates, in)
	return &cloudformation.UpdateStackOutput{}, f.updateErr
}

func (f *fakeAPI) DescribeStacks(context.Context, *cloudformation.DescribeStacksInput, ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error) {
	return f.describeOut, f.describeErr
}

func (f *fakeAPI) DescribeStackEvents(_ context.Context, in *cloudformation.DescribeStackEventsInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeStackEventsOutput, error) {
	page := 0
	if in.NextToken != nil {
		fmt.Sscanf(*in.NextToken, "page-%d", &page)
	}
	return f.eventPages[page], nil
}

func (f *fakeAPI) CancelUpdateStack(context.Context, *cloudformation.CancelUpdateStackInput, ...func(*cloudformation.Options)) (*cloudformation.CancelUpdateStackOutput, error) {
	f.cancelCalled = true
	return &cloudformation.CancelUpdateStackOutput{}, nil
}

func TestSubmitCreatesMissingStack(t *testing.T) {
	api := &fakeAPI{describeErr: errors.New("Stack with id app does not exist")}
	c := NewWithAPI(api, nil)

	err := c.Submit(context.Background(), deploy.SubmitRequest{
		StackName:    "app",
		TemplateBody: "{}",
		Capabilities: []models.Capability{models.CapabilityIAM},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(api.creates) != 1 || len(api.updates) != 0 {
		t.Fatalf("creates=%d updates=%d", len(api.creates), len(api.updates))
	}
	if got := api.creates[0].Capabilities; len(got) != 1 || got[0] != types.CapabilityCapabilityIam {
		t.Errorf("capabilities = %v", got)
	}
}

func TestSubmitUpdatesExistingStack(t *testing.T) {
	api := &fakeAPI{describeOut: &cloudformation.DescribeStacksOutput{
		Stacks: []types.Stack{{StackStatus: types.StackStatusCreateComplete}},
	}}
	c := NewWithAPI(api, nil)

	if err := c.Submit(context.Background(), deploy.SubmitRequest{StackName: "app", TemplateBody: "{}"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(api.updates) != 1 || len(api.creates) != 0 {
		t.Fatalf("creates=%d updates=%d", len(api.creates), len(api.updates))
	}
}

func TestSubmitToleratesNoChanges(t *testing.T) {
	api := &fakeAPI{
		describeOut: &cloudformation.DescribeStacksOutput{
			Stacks: []types.Stack{{StackStatus: types.StackStatusCreateComplete}},
		},
		updateErr: errors.New("ValidationError: No updates are to be performed."),
	}
	c := NewWithAPI(api, nil)

	if err := c.Submit(context.Background(), deploy.SubmitRequest{StackName: "app", TemplateBody: "{}"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
}

func TestPollStatusMapping(t *testing.T) {
	cases := map[types.StackStatus]deploy.StackState{
		types.StackStatusCreateComplete:         deploy.StateSucceeded,
		types.StackStatusUpdateComplete:         deploy.StateSucceeded,
		types.StackStatusCreateInProgress:       deploy.StateInProgress,
		types.StackStatusUpdateRollbackComplete: deploy.StateFailed,
		types.StackStatusCreateFailed:           deploy.StateFailed,
		types.StackStatusRollbackComplete:       deploy.StateFailed,
	}
	for status, want := range cases {
		api := &fakeAPI{describeOut: &cloudformation.DescribeStacksOutput{
			Stacks: []types.Stack{{StackStatus: status}},
		}}
		got, err := NewWithAPI(api, nil).PollStatus(context.Background(), "app")
		if err != nil {
			t.Fatalf("%s: %v", status, err)
		}
		if got != want {
			t.Errorf("%s mapped to %v, want %v", status, got, want)
		}
	}
}

func TestFetchFailureDetails(t *testing.T) {
	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeAPI{eventPages: []*cloudformation.DescribeStackEventsOutput{
		{
			StackEvents: []types.StackEvent{
				{
					LogicalResourceId:    aws.String("Web"),
					ResourceStatus:       types.ResourceStatusCreateFailed,
					ResourceStatusReason: aws.String("Resource creation cancelled"),
					Timestamp:            &ts,
				},
				{
					LogicalResourceId: aws.String("Web"),
					ResourceStatus:    types.ResourceStatusCreateInProgress,
				},
				{
					LogicalResourceId: aws.String("app"),
					ResourceStatus:    types.ResourceStatusCreateFailed,
				},
			},
			NextToken: aws.String("page-1"),
		},
		{
			StackEvents: []types.StackEvent{
				{
					LogicalResourceId:    aws.String("Db"),
					ResourceStatus:       types.ResourceStatusCreateFailed,
					ResourceStatusReason: aws.String("rate exceeded"),
				},
				{
					LogicalResourceId:    aws.String("Web"),
					ResourceStatus:       types.ResourceStatusCreateFailed,
					ResourceStatusReason: aws.String("older duplicate"),
				},
			},
		},
	}}
	c := NewWithAPI(api, nil)

	failures, err := c.FetchFailureDetails(context.Background(), "app")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(failures) != 2 {
		t.Fatalf("failures = %+v", failures)
	}
	if failures[0].LogicalID != "Web" || failures[0].Reason != "Resource creation cancelled" {
		t.Errorf("first failure = %+v", failures[0])
	}
	if !failures[0].Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v", failures[0].Timestamp)
	}
	if failures[1].LogicalID != "Db" {
		t.Errorf("second failure = %+v", failures[1])
	}
}

func TestThrottlingIsTransient(t *testing.T) {
	api := &fakeAPI{describeErr: &smithy.GenericAPIError{Code: "Throttling", Message: "rate exceeded"}}
	c := NewWithAPI(api, nil)

	_, err := c.PollStatus(context.Background(), "app")
	if err == nil || !deploy.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}

	api.describeErr = &smithy.GenericAPIError{Code: "ValidationError", Message: "bad template"}
	_, err = c.PollStatus(context.Background(), "app")
	if err == nil || deploy.IsTransient(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
}
