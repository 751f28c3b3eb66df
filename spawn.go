package nova

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/everlang/gonova/tools"
)

// SubTask describes one child task inside a spawn request.
type SubTask struct {
	Description string         `json:"task"`
	MaxSteps    int            `json:"max_steps,omitempty"`
	Seed        map[string]any `json:"seed,omitempty"`
}

// SubAgentResult is the outcome of one child task as seen by its
// parent. Results keep the order of the spawn request regardless of
// completion order.
type SubAgentResult struct {
	TaskID      string         `json:"task_id"`
	Description string         `json:"task"`
	Index       int            `json:"index"`
	Status      Status         `json:"status"`
	Output      string         `json:"output,omitempty"`
	MemoryDelta map[string]any `json:"memory_delta,omitempty"`
}

// spawner runs child tasks on behalf of a running parent. Children are
// always silent; a child that tries to ask the operator goes stuck. A
// bounded worker pool caps parallel fan-out, and each child runs in its
// own failure domain: a crash costs that branch only.
type spawner struct {
	orch *Orchestrator
}

func newSpawner(o *Orchestrator) *spawner {
	return &spawner{orch: o}
}

// register installs the spawn_agent tool.
func (s *spawner) register(reg *tools.Registry) {
	reg.RegisterBuiltin("spawn_agent", s.handle, tools.Meta{
		Description: "Delegate work to sub-agents. Pass \"task\" for one sequential sub-task, or \"tasks\" with \"parallel\": true for concurrent fan-out. Results come back in request order.",
		Params: map[string]tools.ParamDef{
			"task":      {Type: "string", Description: "Single sub-task description"},
			"tasks":     {Type: "array", Description: "Sub-task descriptions for fan-out"},
			"parallel":  {Type: "boolean", Description: "Run the tasks concurrently"},
			"max_steps": {Type: "number", Description: "Step cap per child (default: half the parent's)"},
			"seed":      {Type: "object", Description: "Key-value pairs written into each child's memory"},
		},
	})
}

// handle is the spawn_agent tool entry point. It reads the calling
// task's runtime from the context, runs the children, merges their
// results into the parent memory, and returns them as JSON.
func (s *spawner) handle(ctx context.Context, args map[string]any) (string, error) {
	rt, ok := runtimeFrom(ctx)
	if !ok {
		return "", fmt.Errorf("spawn_agent called outside a running task")
	}

	subs, parallel, err := parseSpawnArgs(args)
	if err != nil {
		return "", err
	}

	results := s.run(ctx, rt, subs, parallel)
	rt.mem.Merge(results)

	out, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("marshal results: %w", err)
	}
	return string(out), nil
}

// run executes the children and returns their results in request
// order. Sequential requests run one at a time; parallel requests fan
// out through a bounded worker pool.
func (s *spawner) run(ctx context.Context, rt *taskRuntime, subs []SubTask, parallel bool) []SubAgentResult {
	results := make([]SubAgentResult, len(subs))

	// A single-element request runs inline either way, but the request's
	// parallel flag still decides memory isolation in runChild.
	if !parallel || len(subs) == 1 {
		for i, sub := range subs {
			results[i] = s.runChild(ctx, rt, sub, i, parallel)
		}
		return results
	}

	o := s.orch
	sem := make(chan struct{}, o.spawnWorkers)
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub SubTask) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = s.runChild(ctx, rt, sub, i, true)
		}(i, sub)
	}
	wg.Wait()

	return results
}

// runChild executes one child task. Depth acquisition happens here so a
// rejected spawn costs nothing: no clone, no model call. The slot is
// released on every exit path, crashes included.
func (s *spawner) runChild(ctx context.Context, rt *taskRuntime, sub SubTask, index int, parallel bool) (res SubAgentResult) {
	o := s.orch
	parent := rt.task

	res = SubAgentResult{Description: sub.Description, Index: index}

	childDepth, release, err := o.guard.Acquire(parent.Depth)
	if err != nil {
		o.logger.Info("spawn rejected", "parent", parent.ID, "depth", parent.Depth, "err", err)
		res.Status = StatusDepthLimit
		res.Output = err.Error()
		return res
	}
	defer release()

	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("sub-agent crashed", "parent", parent.ID, "index", index, "panic", rec)
			res.Status = StatusError
			res.Output = fmt.Sprintf("sub-agent crashed: %v", rec)
		}
	}()

	// Only a sequential child of the root shares memory by reference.
	// Deeper and parallel children get an isolated clone; their writes
	// come back through Merge.
	var childMem *Memory
	isolated := parallel || parent.Depth > 0
	if isolated {
		childMem = rt.mem.Clone()
	} else {
		childMem = rt.mem
	}
	childMem.setDepth(childDepth)

	maxSteps := sub.MaxSteps
	if maxSteps <= 0 {
		maxSteps = parent.MaxSteps / 2
	}
	if maxSteps < 1 {
		maxSteps = 1
	}

	child := NewTask(sub.Description,
		withDepth(childDepth),
		WithSilent(),
		WithMaxSteps(maxSteps),
		WithTokenBudget(parent.TokenBudget),
		WithTimeout(o.spawnTimeout),
		WithMemory(childMem),
		WithSeed(sub.Seed),
	)

	o.emit(Event{Type: EventSpawn, TaskID: child.ID, Depth: childDepth, Message: sub.Description})

	result, _ := o.RunTask(ctx, child)

	res.TaskID = child.ID
	res.Status = result.Status
	res.Output = result.Output
	if isolated {
		res.MemoryDelta = childMem.DeltaSince(childDepth)
	}

	// Restore the parent depth on shared memory so later writes by the
	// parent are attributed correctly.
	if !isolated {
		childMem.setDepth(parent.Depth)
	}
	return res
}

// parseSpawnArgs extracts the sub-task list from tool arguments. Both
// the single "task" form and the "tasks" list form are accepted; list
// entries may be plain strings or objects with per-child overrides.
func parseSpawnArgs(args map[string]any) ([]SubTask, bool, error) {
	parallel, _ := args["parallel"].(bool)
	defaultSteps := intArg(args["max_steps"])
	defaultSeed, _ := args["seed"].(map[string]any)

	if desc, ok := args["task"].(string); ok && desc != "" {
		return []SubTask{{Description: desc, MaxSteps: defaultSteps, Seed: defaultSeed}}, parallel, nil
	}

	rawTasks, ok := args["tasks"].([]any)
	if !ok || len(rawTasks) == 0 {
		return nil, false, errors.New("spawn_agent requires a \"task\" string or a non-empty \"tasks\" array")
	}

	subs := make([]SubTask, 0, len(rawTasks))
	for i, raw := range rawTasks {
		switch v := raw.(type) {
		case string:
			if v == "" {
				return nil, false, fmt.Errorf("tasks[%d] is empty", i)
			}
			subs = append(subs, SubTask{Description: v, MaxSteps: defaultSteps, Seed: defaultSeed})
		case map[string]any:
			desc, _ := v["task"].(string)
			if desc == "" {
				return nil, false, fmt.Errorf("tasks[%d] is missing \"task\"", i)
			}
			steps := intArg(v["max_steps"])
			if steps == 0 {
				steps = defaultSteps
			}
			seed, _ := v["seed"].(map[string]any)
			if seed == nil {
				seed = defaultSeed
			}
			subs = append(subs, SubTask{Description: desc, MaxSteps: steps, Seed: seed})
		default:
			return nil, false, fmt.Errorf("tasks[%d] must be a string or object", i)
		}
	}
	return subs, parallel, nil
}

// intArg converts a JSON number argument to int.
func intArg(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}
