package services

import (
	"context"
	"encoding/json"

	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/cockroachdb/errors"
	"github.com/googleapis/gax-go/v2"

	"github.com/Lllllllleong/documentledger/internal/models"
)

// Handoff passes a finished catalog entry to downstream indexing.
type Handoff interface {
	Hand(ctx context.Context, req models.IndexHandoffRequest) error
}

// NopHandoff does nothing.
type NopHandoff struct{}

func (NopHandoff) Hand(context.Context, models.IndexHandoffRequest) error { return nil }

// executionCreator is the part of the Workflows executions client we use.
type executionCreator interface {
	CreateExecution(ctx context.Context, req *executionspb.CreateExecutionRequest, opts ...gax.CallOption) (*executionspb.Execution, error)
}

// WorkflowHandoff starts one Cloud Workflows execution per catalog entry.
type WorkflowHandoff struct {
	client executionCreator
	parent string
}

// NewWorkflowHandoff targets the workflow at parent (see gcp.WorkflowParent).
func NewWorkflowHandoff(client executionCreator, parent string) *WorkflowHandoff {
	return &WorkflowHandoff{client: client, parent: parent}
}

func (h *WorkflowHandoff) Hand(ctx context.Context, req models.IndexHandoffRequest) error {
	payloadBytes, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "failed to marshal workflow payload")
	}
	_, err = h.client.CreateExecution(ctx, &executionspb.CreateExecutionRequest{
		Parent: h.parent,
		Execution: &executionspb.Execution{
			Argument: string(payloadBytes),
		},
	})
	if err != nil {
		return errors.Wrap(err, "failed to trigger workflow execution")
	}
	return nil
}
