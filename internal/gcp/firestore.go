package gcp

import (
	"context"

	"cloud.google.com/go/firestore"
	executions "cloud.google.com/go/workflows/executions/apiv1"
	"github.com/cockroachdb/errors"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, errors.New("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Firestore client")
	}

	return client, nil
}

// NewExecutionsClient creates a Workflows executions client.
func NewExecutionsClient(ctx context.Context) (*executions.Client, error) {
	client, err := executions.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Workflows Executions client")
	}
	return client, nil
}

// WorkflowParent builds the resource name executions are created under.
func WorkflowParent(projectID, location, workflowID string) string {
	return "projects/" + projectID + "/locations/" + location + "/workflows/" + workflowID
}
