package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"commerce-sync/internal/models"
)

func completeJob(t *testing.T, reg *Registry, id string, result any) {
	t.Helper()
	ctx := context.Background()
	job, err := reg.GetJob(ctx, id)
	require.NoError(t, err)
	job, err = reg.MarkActive(ctx, job)
	require.NoError(t, err)
	require.NoError(t, reg.Complete(ctx, job, result))
}

func TestFlowParentGatedOnChildren(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	children := []ChildSpec{
		{Queue: models.QueueProducts, Type: models.TypeProcessProduct, Payload: map[string]any{"product_id": 1}},
		{Queue: models.QueueProducts, Type: models.TypeProcessProduct, Payload: map[string]any{"product_id": 2}},
		{Queue: models.QueueProducts, Type: models.TypeProcessProduct, Payload: map[string]any{"product_id": 3}},
	}
	handle, err := reg.EnqueueFlow(ctx, models.TypeOrdersFlow, models.QueueOrders, map[string]any{"number": "123"}, children, Options{})
	require.NoError(t, err)
	require.Len(t, handle.ChildIDs, 3)

	parent, err := reg.GetJob(ctx, handle.ParentID)
	require.NoError(t, err)
	require.Equal(t, models.StateWaitingChildren, parent.State)

	// All three children must finish before the parent dispatches.
	for i, childID := range handle.ChildIDs {
		id, err := reg.DequeueWithLease(ctx, models.QueueOrders)
		require.NoError(t, err)
		require.Empty(t, id, "parent dispatched with %d children outstanding", 3-i)

		dequeued, err := reg.DequeueWithLease(ctx, models.QueueProducts)
		require.NoError(t, err)
		require.Equal(t, childID, dequeued)
		completeJob(t, reg, childID, "result-"+childID)
	}

	id, err := reg.DequeueWithLease(ctx, models.QueueOrders)
	require.NoError(t, err)
	require.Equal(t, handle.ParentID, id)

	parent, err = reg.GetJob(ctx, handle.ParentID)
	require.NoError(t, err)
	require.Equal(t, models.StateWaiting, parent.State)

	results, err := reg.ChildResults(ctx, handle.ParentID)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, childID := range handle.ChildIDs {
		require.Equal(t, "result-"+childID, results[childID])
	}
}

func TestFlowFailedChildBlocksParent(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	handle, err := reg.EnqueueFlow(ctx, models.TypeOrdersFlow, models.QueueOrders, nil, []ChildSpec{
		{Queue: models.QueueProducts, Type: models.TypeProcessProduct},
		{Queue: models.QueueProducts, Type: models.TypeProcessProduct},
	}, Options{})
	require.NoError(t, err)

	for range handle.ChildIDs {
		_, err := reg.DequeueWithLease(ctx, models.QueueProducts)
		require.NoError(t, err)
	}
	completeJob(t, reg, handle.ChildIDs[0], "ok")

	broken, err := reg.GetJob(ctx, handle.ChildIDs[1])
	require.NoError(t, err)
	broken.Attempts = broken.Retry.MaxAttempts
	require.NoError(t, reg.MarkFailed(ctx, broken, errors.New("upstream gone")))

	id, err := reg.DequeueWithLease(ctx, models.QueueOrders)
	require.NoError(t, err)
	require.Empty(t, id, "parent must stay blocked behind a dead child")

	parent, err := reg.GetJob(ctx, handle.ParentID)
	require.NoError(t, err)
	require.Equal(t, models.StateWaitingChildren, parent.State)

	// Operator re-enqueues the dead child; finishing it releases the parent.
	requeued, err := reg.RetryFailed(ctx, models.QueueProducts, broken.ID)
	require.NoError(t, err)
	dequeued, err := reg.DequeueWithLease(ctx, models.QueueProducts)
	require.NoError(t, err)
	require.Equal(t, requeued.ID, dequeued)
	completeJob(t, reg, requeued.ID, "ok after retry")

	id, err = reg.DequeueWithLease(ctx, models.QueueOrders)
	require.NoError(t, err)
	require.Equal(t, handle.ParentID, id)
}

func TestFlowZeroChildrenImmediatelyEligible(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	handle, err := reg.EnqueueFlow(ctx, models.TypeOrdersFlow, models.QueueOrders, nil, nil, Options{})
	require.NoError(t, err)

	id, err := reg.DequeueWithLease(ctx, models.QueueOrders)
	require.NoError(t, err)
	require.Equal(t, handle.ParentID, id)
}

func TestFlowCleanupDropsBookkeeping(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	handle, err := reg.EnqueueFlow(ctx, models.TypeOrdersFlow, models.QueueOrders, nil, []ChildSpec{
		{Queue: models.QueueProducts, Type: models.TypeProcessProduct},
	}, Options{})
	require.NoError(t, err)

	_, err = reg.DequeueWithLease(ctx, models.QueueProducts)
	require.NoError(t, err)
	completeJob(t, reg, handle.ChildIDs[0], "done")
	require.NoError(t, reg.CleanupFlow(ctx, handle.ParentID))

	results, err := reg.ChildResults(ctx, handle.ParentID)
	require.NoError(t, err)
	require.Empty(t, results)
}
