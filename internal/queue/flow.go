package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"commerce-sync/internal/models"
)

// ChildSpec declares one child job inside a flow. Children may target a
// different queue than their parent.
type ChildSpec struct {
	Queue   string
	Type    string
	Payload map[string]any
	Options Options
}

// FlowHandle identifies a created flow.
type FlowHandle struct {
	ParentID string
	ChildIDs []string
}

func flowPendingKey(parentID string) string { return "flow:" + parentID + ":pending" }
func flowResultsKey(parentID string) string { return "flow:" + parentID + ":results" }

// EnqueueFlow creates a parent job gated on a declared set of children. The
// children are scheduled immediately and run in no guaranteed order; the
// parent becomes eligible for dispatch only once every child has completed.
// With zero children the parent is eligible at once.
func (r *Registry) EnqueueFlow(ctx context.Context, flowName, queueName string, parentPayload map[string]any, children []ChildSpec, opts Options) (FlowHandle, error) {
	if !r.Known(queueName) {
		return FlowHandle{}, fmt.Errorf("flow %s: %w", queueName, ErrUnknownQueue)
	}
	for _, c := range children {
		if !r.Known(c.Queue) {
			return FlowHandle{}, fmt.Errorf("flow child %s: %w", c.Queue, ErrUnknownQueue)
		}
	}
	priority, _, retry := resolveOptions(opts)

	parent := models.Job{
		ID:        uuid.New().String(),
		Queue:     queueName,
		Type:      flowName,
		Payload:   parentPayload,
		Priority:  priority,
		Retry:     retry,
		State:     models.StateWaitingChildren,
		CreatedAt: time.Now().UTC(),
	}
	if len(children) == 0 {
		parent.State = models.StateWaiting
	}
	parentData, err := json.Marshal(parent)
	if err != nil {
		return FlowHandle{}, fmt.Errorf("marshal flow parent: %w", err)
	}

	handle := FlowHandle{ParentID: parent.ID}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, jobKey(parent.ID), parentData, 0)

	if len(children) == 0 {
		pipe.RPush(ctx, readyKey(queueName, parent.Priority), parent.ID)
	}
	for _, spec := range children {
		cPriority, cDelay, cRetry := resolveOptions(spec.Options)
		child := models.Job{
			ID:        uuid.New().String(),
			Queue:     spec.Queue,
			Type:      spec.Type,
			Payload:   spec.Payload,
			Priority:  cPriority,
			Retry:     cRetry,
			State:     models.StateWaiting,
			ParentID:  parent.ID,
			CreatedAt: time.Now().UTC(),
		}
		if cDelay > 0 {
			child.State = models.StateDelayed
		}
		childData, err := json.Marshal(child)
		if err != nil {
			return FlowHandle{}, fmt.Errorf("marshal flow child: %w", err)
		}
		pipe.Set(ctx, jobKey(child.ID), childData, 0)
		pipe.SAdd(ctx, flowPendingKey(parent.ID), child.ID)
		if cDelay > 0 {
			pipe.ZAdd(ctx, delayedKey(spec.Queue), redis.Z{
				Score:  float64(time.Now().Add(cDelay).UnixMilli()),
				Member: child.ID,
			})
		} else {
			pipe.RPush(ctx, readyKey(spec.Queue, cPriority), child.ID)
		}
		handle.ChildIDs = append(handle.ChildIDs, child.ID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return FlowHandle{}, fmt.Errorf("enqueue flow: %w", err)
	}
	return handle, nil
}

// completeChild records a finished child's result against its parent and,
// atomically with that, promotes the parent once the pending set drains. A
// child that dies permanently never drains the set, so the parent stays
// blocked until an operator re-enqueues the child or abandons the flow.
func (r *Registry) completeChild(ctx context.Context, child models.Job, result any) error {
	parent, err := r.GetJob(ctx, child.ParentID)
	if err != nil {
		return fmt.Errorf("flow parent for child %s: %w", child.ID, err)
	}
	resultData, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal child result: %w", err)
	}

	promoted, err := childDoneScript.Run(ctx, r.client,
		[]string{
			flowPendingKey(parent.ID),
			flowResultsKey(parent.ID),
			readyKey(parent.Queue, parent.Priority),
		},
		child.ID, string(resultData), parent.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("record child result: %w", err)
	}
	if promoted == 1 {
		parent.State = models.StateWaiting
		if err := r.saveJob(ctx, parent, 0); err != nil {
			return err
		}
	}
	return nil
}

// ChildResults returns the aggregated child results for a flow parent, keyed
// by child job id. It is intended for the parent's handler, which runs only
// after every child completed.
func (r *Registry) ChildResults(ctx context.Context, parentID string) (map[string]any, error) {
	raw, err := r.client.HGetAll(ctx, flowResultsKey(parentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read child results: %w", err)
	}
	out := make(map[string]any, len(raw))
	for childID, data := range raw {
		var v any
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("unmarshal child result %s: %w", childID, err)
		}
		out[childID] = v
	}
	return out, nil
}

// CleanupFlow discards flow bookkeeping after the parent handler committed.
func (r *Registry) CleanupFlow(ctx context.Context, parentID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, flowPendingKey(parentID))
	pipe.Del(ctx, flowResultsKey(parentID))
	_, err := pipe.Exec(ctx)
	return err
}

var childDoneScript = redis.NewScript(`
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('SREM', KEYS[1], ARGV[1])
if redis.call('SCARD', KEYS[1]) == 0 then
  redis.call('RPUSH', KEYS[3], ARGV[3])
  return 1
end
return 0
`)
