// Package awscfn implements the deploy collaborators on the
// CloudFormation service API.
package awscfn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/smithy-go"

	"github.com/matijazezelj/stackmend/internal/deploy"
	"github.com/matijazezelj/stackmend/pkg/models"
)

// API is the CloudFormation surface the client needs. Satisfied by
// *cloudformation.Client.
type API interface {
	CreateStack(ctx context.Context, in *cloudformation.CreateStackInput, opts ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	UpdateStack(ctx context.Context, in *cloudformation.UpdateStackInput, opts ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error)
	DescribeStacks(ctx context.Context, in *cloudformation.DescribeStacksInput, opts ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
	DescribeStackEvents(ctx context.Context, in *cloudformation.DescribeStackEventsInput, opts ...func(*cloudformation.Options)) (*cloudformation.DescribeStackEventsOutput, error)
	CancelUpdateStack(ctx context.Context, in *cloudformation.CancelUpdateStackInput, opts ...func(*cloudformation.Options)) (*cloudformation.CancelUpdateStackOutput, error)
}

// Client talks to CloudFormation. It implements deploy.Deployer and
// deploy.Telemetry.
type Client struct {
	api    API
	logger *slog.Logger
}

// New loads the ambient AWS configuration for the region and returns a
// ready client.
func New(ctx context.Context, region string, logger *slog.Logger) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}
	return NewWithAPI(cloudformation.NewFromConfig(cfg), logger), nil
}

// NewWithAPI wraps an existing API implementation, used by tests.
func NewWithAPI(api API, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{api: api, logger: logger}
}

// Submit creates the stack, or updates it when it already exists. An
// update reporting no changes counts as submitted.
func (c *Client) Submit(ctx context.Context, req deploy.SubmitRequest) error {
	caps := make([]types.Capability, 0, len(req.Capabilities))
	for _, token := range req.Capabilities {
		caps = append(caps, types.Capability(token))
	}

	exists, err := c.stackExists(ctx, req.StackName)
	if err != nil {
		return classify(err)
	}

	if exists {
		_, err = c.api.UpdateStack(ctx, &cloudformation.UpdateStackInput{
			StackName:    aws.String(req.StackName),
			TemplateBody: aws.String(req.TemplateBody),
			Capabilities: caps,
		})
		if err != nil && strings.Contains(err.Error(), "No updates are to be performed") {
			c.logger.Info("stack already up to date", "stack", req.StackName)
			return nil
		}
		if err != nil {
			return classify(fmt.Errorf("updating stack: %w", err))
		}
		return nil
	}

	_, err = c.api.CreateStack(ctx, &cloudformation.CreateStackInput{
		StackName:    aws.String(req.StackName),
		TemplateBody: aws.String(req.TemplateBody),
		Capabilities: caps,
		OnFailure:    types.OnFailureDoNothing,
	})
	if err != nil {
		return classify(fmt.Errorf("creating stack: %w", err))
	}
	return nil
}

// PollStatus maps the stack status onto the controller's coarse states.
func (c *Client) PollStatus(ctx context.Context, stackName string) (deploy.StackState, error) {
	out, err := c.api.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(stackName),
	})
	if err != nil {
		return deploy.StateFailed, classify(fmt.Errorf("describing stack: %w", err))
	}
	if len(out.Stacks) == 0 {
		return deploy.StateFailed, fmt.Errorf("stack %s not found", stackName)
	}

	status := string(out.Stacks[0].StackStatus)
	switch {
	case status == string(types.StackStatusCreateComplete),
		status == string(types.StackStatusUpdateComplete):
		return deploy.StateSucceeded, nil
	case strings.HasSuffix(status, "_IN_PROGRESS"):
		return deploy.StateInProgress, nil
	default:
		return deploy.StateFailed, nil
	}
}

// Cancel aborts an in-flight update. Creates cannot be cancelled, so
// errors are reported but not fatal to the caller's shutdown path.
func (c *Client) Cancel(ctx context.Context, stackName string) error {
	_, err := c.api.CancelUpdateStack(ctx, &cloudformation.CancelUpdateStackInput{
		StackName: aws.String(stackName),
	})
	if err != nil {
		return fmt.Errorf("cancelling stack update: %w", err)
	}
	return nil
}

// FetchFailureDetails returns the most recent failure event per
// resource, newest first as reported by the service.
func (c *Client) FetchFailureDetails(ctx context.Context, stackName string) ([]models.ResourceFailure, error) {
	var (
		failures []models.ResourceFailure
		seen     = map[string]bool{}
		next     *string
	)
	for {
		out, err := c.api.DescribeStackEvents(ctx, &cloudformation.DescribeStackEventsInput{
			StackName: aws.String(stackName),
			NextToken: next,
		})
		if err != nil {
			return nil, classify(fmt.Errorf("describing stack events: %w", err))
		}
		for _, ev := range out.StackEvents {
			status := string(ev.ResourceStatus)
			if !strings.HasSuffix(status, "_FAILED") {
				continue
			}
			id := aws.ToString(ev.LogicalResourceId)
			if id == "" || id == stackName || seen[id] {
				continue
			}
			seen[id] = true
			f := models.ResourceFailure{
				LogicalID: id,
				Status:    status,
				Reason:    aws.ToString(ev.ResourceStatusReason),
			}
			if ev.Timestamp != nil {
				f.Timestamp = *ev.Timestamp
			}
			failures = append(failures, f)
		}
		if out.NextToken == nil {
			break
		}
		next = out.NextToken
	}
	return failures, nil
}

func (c *Client) stackExists(ctx context.Context, stackName string) (bool, error) {
	_, err := c.api.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(stackName),
	})
	if err == nil {
		return true, nil
	}
	if strings.Contains(err.Error(), "does not exist") {
		return false, nil
	}
	return false, fmt.Errorf("describing stack: %w", err)
}

// throttleCodes are API error codes retried without consuming a loop
// iteration.
var throttleCodes = map[string]bool{
	"Throttling":           true,
	"ThrottlingException":  true,
	"RequestLimitExceeded": true,
	"ServiceUnavailable":   true,
}

// classify wraps throttling-style errors as transient.
func classify(err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) && throttleCodes[ae.ErrorCode()] {
		return deploy.Transient(err)
	}
	return err
}
