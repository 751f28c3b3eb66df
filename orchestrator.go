package nova

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/everlang/gonova/llm"
	"github.com/everlang/gonova/tools"
)

// Orchestrator drives the step loop: it prompts the model, parses its
// reply, dispatches tool calls, and feeds observations back until the
// task finishes or runs out of budget. One orchestrator serves many
// tasks, including the sub-tasks it spawns for itself.
type Orchestrator struct {
	model      llm.LLM
	registry   *tools.Registry
	guard      *DepthGuard
	compressor *Compressor
	spawner    *spawner
	asker      Asker
	confirmer  Confirmer
	logger     *slog.Logger
	events     chan Event

	defaultMaxSteps int
	defaultBudget   int
	defaultTimeout  time.Duration
	spawnWorkers    int
	spawnTimeout    time.Duration

	mu        sync.RWMutex
	askState  AskState
	cancels   map[string]context.CancelFunc
	lastTrace []Step
	lastPlan  Plan
	lastMem   map[string]any
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRegistry sets the tool registry. Without it a registry with the
// builtin tools is created.
func WithRegistry(r *tools.Registry) Option {
	return func(o *Orchestrator) {
		o.registry = r
	}
}

// WithAsker attaches an operator for mid-task questions.
func WithAsker(a Asker) Option {
	return func(o *Orchestrator) {
		o.asker = a
	}
}

// WithConfirmer attaches a confirmation gate for flagged tools.
func WithConfirmer(c Confirmer) Option {
	return func(o *Orchestrator) {
		o.confirmer = c
	}
}

// WithMaxDepth sets the spawn depth ceiling. Zero forbids sub-agents
// entirely; a negative value selects DefaultMaxDepth.
func WithMaxDepth(n int) Option {
	return func(o *Orchestrator) {
		o.guard = NewDepthGuard(n)
	}
}

// WithWorkers caps concurrent parallel sub-agents.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.spawnWorkers = n
		}
	}
}

// WithSubTaskTimeout sets the per-child wall-clock cap.
func WithSubTaskTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.spawnTimeout = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithObservationLimit caps tool output size in estimated tokens.
func WithObservationLimit(tokens int) Option {
	return func(o *Orchestrator) {
		o.compressor = NewCompressor(tokens)
	}
}

// WithDefaultMaxSteps sets the step cap applied to tasks that carry none.
func WithDefaultMaxSteps(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.defaultMaxSteps = n
		}
	}
}

// WithDefaultTokenBudget sets the prompt budget applied to tasks that
// carry none.
func WithDefaultTokenBudget(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.defaultBudget = n
		}
	}
}

// WithDefaultTimeout sets the wall-clock cap applied to tasks that
// carry none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.defaultTimeout = d
		}
	}
}

// New creates an orchestrator around a model backend.
func New(model llm.LLM, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		model:           model,
		guard:           NewDepthGuard(DefaultMaxDepth),
		compressor:      NewCompressor(DefaultObservationTokens),
		logger:          slog.Default(),
		events:          make(chan Event, 100),
		defaultMaxSteps: DefaultMaxSteps,
		defaultBudget:   DefaultTokenBudget,
		defaultTimeout:  DefaultTaskTimeout,
		spawnWorkers:    DefaultParallelWorkers,
		spawnTimeout:    DefaultSubTaskTimeout,
		askState:        AskIdle,
		cancels:         make(map[string]context.CancelFunc),
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.registry == nil {
		o.registry = tools.NewRegistry()
		o.registry.RegisterBuiltins()
	}

	o.spawner = newSpawner(o)
	o.spawner.register(o.registry)
	o.registerMemoryTools()

	return o
}

// registerMemoryTools installs the working-memory tools. They are bound
// to the calling task through its context, so each task sees its own
// memory.
func (o *Orchestrator) registerMemoryTools() {
	o.registry.RegisterBuiltin("memory_store", func(ctx context.Context, args map[string]any) (string, error) {
		rt, ok := runtimeFrom(ctx)
		if !ok {
			return "", fmt.Errorf("memory_store called outside a running task")
		}
		key, _ := args["key"].(string)
		if key == "" {
			return "", fmt.Errorf("key argument required")
		}
		value, ok := args["value"]
		if !ok {
			return "", fmt.Errorf("value argument required")
		}
		rt.mem.Store(key, value)
		return fmt.Sprintf("stored %q", key), nil
	}, tools.Meta{
		Description: "Save a value in working memory for later steps",
		Params: map[string]tools.ParamDef{
			"key":   {Type: "string", Description: "Memory key", Required: true},
			"value": {Type: "any", Description: "Value to remember", Required: true},
		},
	})

	o.registry.RegisterBuiltin("memory_recall", func(ctx context.Context, args map[string]any) (string, error) {
		rt, ok := runtimeFrom(ctx)
		if !ok {
			return "", fmt.Errorf("memory_recall called outside a running task")
		}
		key, _ := args["key"].(string)
		if key == "" {
			return "", fmt.Errorf("key argument required")
		}
		value, err := rt.mem.Recall(key)
		if err != nil {
			return "", err
		}
		if s, ok := value.(string); ok {
			return s, nil
		}
		blob, err := json.Marshal(value)
		if err != nil {
			return "", fmt.Errorf("marshal value: %w", err)
		}
		return string(blob), nil
	}, tools.Meta{
		Description: "Read a value from working memory",
		Params: map[string]tools.ParamDef{
			"key": {Type: "string", Description: "Memory key", Required: true},
		},
	})
}

// Registry returns the tool registry, for registering extra tools.
func (o *Orchestrator) Registry() *tools.Registry {
	return o.registry
}

// AskStatus reports where the engine sits in the ask protocol.
func (o *Orchestrator) AskStatus() AskState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.askState
}

// LastTrace returns the full step trace of the most recent root task.
func (o *Orchestrator) LastTrace() []Step {
	o.mu.RLock()
	defer o.mu.RUnlock()
	trace := make([]Step, len(o.lastTrace))
	copy(trace, o.lastTrace)
	return trace
}

// LastPlan returns the plan of the most recent root task.
func (o *Orchestrator) LastPlan() Plan {
	o.mu.RLock()
	defer o.mu.RUnlock()
	plan := make(Plan, len(o.lastPlan))
	copy(plan, o.lastPlan)
	return plan
}

// LastMemory returns the final memory snapshot of the most recent root
// task.
func (o *Orchestrator) LastMemory() map[string]any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	snap := make(map[string]any, len(o.lastMem))
	for k, v := range o.lastMem {
		snap[k] = v
	}
	return snap
}

// Abort cancels every running task. Tasks finish with StatusAborted.
func (o *Orchestrator) Abort() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, cancel := range o.cancels {
		cancel()
	}
}

// taskRuntime is the per-task state threaded through the context so
// tool handlers (notably spawn_agent) can reach the running task.
type taskRuntime struct {
	task *Task
	mem  *Memory
}

type runtimeKey struct{}

func withRuntime(ctx context.Context, rt *taskRuntime) context.Context {
	return context.WithValue(ctx, runtimeKey{}, rt)
}

func runtimeFrom(ctx context.Context) (*taskRuntime, bool) {
	rt, ok := ctx.Value(runtimeKey{}).(*taskRuntime)
	return rt, ok
}

// RunTask executes a task to completion and returns its result. The
// result always carries a terminal status; the error return is non-nil
// only for Timeout, Aborted, and Error outcomes, wrapping the matching
// sentinel.
func (o *Orchestrator) RunTask(ctx context.Context, task *Task) (*TaskResult, error) {
	o.normalize(task)

	ctx, cancel := context.WithTimeout(ctx, task.Timeout)
	defer cancel()

	o.mu.Lock()
	o.cancels[task.ID] = cancel
	if task.Depth == 0 {
		o.askState = AskRunning
	}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, task.ID)
		if task.Depth == 0 {
			o.askState = AskIdle
		}
		o.mu.Unlock()
	}()

	mem := task.Memory
	if mem == nil {
		mem = NewMemory()
	}
	mem.setDepth(task.Depth)
	for k, v := range task.Seed {
		mem.Store(k, v)
	}

	ctx = withRuntime(ctx, &taskRuntime{task: task, mem: mem})

	o.logger.Info("task started", "task", task.ID, "depth", task.Depth, "desc", task.Description)
	o.emit(Event{Type: EventTaskStarted, TaskID: task.ID, Depth: task.Depth, Message: task.Description})

	result := &TaskResult{
		TaskID:      task.ID,
		Description: task.Description,
		StartedAt:   time.Now(),
	}

	plan := o.buildPlan(ctx, task, &result.Metrics)
	result.Plan = plan

	var steps []Step
	record := func(kind StepKind, text, tool string, args map[string]any) {
		step := Step{
			Ordinal:   len(steps) + 1,
			Kind:      kind,
			Text:      text,
			Tool:      tool,
			Args:      args,
			Timestamp: time.Now(),
		}
		steps = append(steps, step)
		o.emit(Event{Type: EventStep, TaskID: task.ID, Depth: task.Depth, Step: &step})
	}

	finish := func(status Status, output string, err error) (*TaskResult, error) {
		result.Status = status
		result.Output = output
		result.Steps = steps
		result.Memory = mem.Snapshot()
		result.CompletedAt = time.Now()

		if task.Depth == 0 {
			o.mu.Lock()
			o.lastTrace = steps
			o.lastPlan = plan
			o.lastMem = result.Memory
			o.mu.Unlock()
		}

		o.logger.Info("task finished", "task", task.ID, "status", status, "steps", len(steps),
			"model_calls", result.Metrics.ModelCalls, "tool_calls", result.Metrics.ToolCalls)
		o.emit(Event{Type: EventTaskCompleted, TaskID: task.ID, Depth: task.Depth, Status: status, Message: output})

		if err != nil {
			err = &TaskError{TaskID: task.ID, Err: err}
		}
		return result, err
	}

	ctxStatus := func() (*TaskResult, error) {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return finish(StatusTimeout, "task timed out", ErrTimeout)
		}
		return finish(StatusAborted, "task aborted", ErrAborted)
	}

	for turn := 0; turn < task.MaxSteps; turn++ {
		if ctx.Err() != nil {
			return ctxStatus()
		}

		msgs := o.buildMessages(task, plan, mem, steps)
		resp, err := o.generate(ctx, msgs, &result.Metrics)
		if err != nil {
			if ctx.Err() != nil {
				return ctxStatus()
			}
			record(StepStuck, fmt.Sprintf("model unavailable: %v", err), "", nil)
			return finish(StatusStuck, "model unavailable", nil)
		}

		r, perr := parseReply(resp.Content)
		if perr != nil {
			o.logger.Warn("malformed reply", "task", task.ID, "err", perr)
			record(StepObservation, fmt.Sprintf("Your last reply was invalid (%v). Respond with exactly one JSON object per the protocol.", perr), "", nil)
			continue
		}

		switch r.Type {
		case "thought":
			record(StepThought, r.Text, "", nil)

		case "action":
			record(StepAction, "", r.Tool, r.Args)
			obs := o.dispatch(ctx, r.Tool, r.Args, &result.Metrics)
			if ctx.Err() != nil {
				return ctxStatus()
			}
			record(StepObservation, obs, r.Tool, nil)

		case "ask":
			record(StepAsk, r.Question, "", nil)
			if task.Silent {
				record(StepStuck, "cannot ask in silent mode", "", nil)
				return finish(StatusStuck, "cannot ask in silent mode", nil)
			}
			answer, err := o.askOperator(ctx, task, r.Question)
			if err != nil {
				if ctx.Err() != nil {
					return ctxStatus()
				}
				record(StepStuck, fmt.Sprintf("operator unavailable: %v", err), "", nil)
				return finish(StatusStuck, "operator unavailable", nil)
			}
			record(StepAnswer, answer, "", nil)

		case "done":
			record(StepDone, r.Answer, "", nil)
			return finish(StatusDone, r.Answer, nil)

		case "stuck":
			reason := r.Reason
			if reason == "" {
				reason = "no reason given"
			}
			record(StepStuck, reason, "", nil)
			return finish(StatusStuck, reason, nil)
		}
	}

	record(StepStuck, "step budget exhausted", "", nil)
	return finish(StatusStuck, "step budget exhausted", nil)
}

// normalize fills zero-valued task limits from the orchestrator
// defaults, for tasks built without NewTask.
func (o *Orchestrator) normalize(task *Task) {
	if task.ID == "" {
		task.ID = NewTask(task.Description).ID
	}
	if task.MaxSteps <= 0 {
		task.MaxSteps = o.defaultMaxSteps
	}
	if task.TokenBudget <= 0 {
		task.TokenBudget = o.defaultBudget
	}
	if task.Timeout <= 0 {
		task.Timeout = o.defaultTimeout
	}
}

// generate calls the model with one retry on transient failure. A
// cancelled context is never retried.
func (o *Orchestrator) generate(ctx context.Context, msgs []llm.Message, m *Metrics) (*llm.Response, error) {
	resp, err := o.model.Generate(ctx, msgs)
	m.ModelCalls++
	if err != nil && ctx.Err() == nil {
		o.logger.Warn("model call failed, retrying once", "err", err)
		resp, err = o.model.Generate(ctx, msgs)
		m.ModelCalls++
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderFailed, err)
	}

	m.InputTokens += resp.InputTokens
	m.OutputTokens += resp.OutputTokens
	m.CostUSD += resp.CostUSD
	return resp, nil
}

// dispatch runs one tool call and returns the observation text.
// Flagged tools pass the confirmation gate first; a denial becomes an
// observation, not a failure.
func (o *Orchestrator) dispatch(ctx context.Context, tool string, args map[string]any, m *Metrics) string {
	if o.registry.Flagged(tool) && o.confirmer != nil {
		ok, err := o.confirmer.Confirm(ctx, tool, args)
		if err != nil {
			return fmt.Sprintf("tool %s not executed: confirmation failed: %v", tool, err)
		}
		if !ok {
			return fmt.Sprintf("tool %s denied by operator", tool)
		}
	}

	if ctx.Err() != nil {
		return "tool not executed: task cancelled"
	}

	res := o.registry.Invoke(ctx, tool, args)
	m.ToolCalls++

	if !res.Success {
		if res.Output != "" {
			return fmt.Sprintf("ERROR: %s\n%s", res.Error, o.compressor.Compress(res.Output))
		}
		return "ERROR: " + res.Error
	}
	return o.compressor.Compress(res.Output)
}

// askOperator blocks on the attached asker, tracking the protocol state
// for introspection.
func (o *Orchestrator) askOperator(ctx context.Context, task *Task, question string) (string, error) {
	if o.asker == nil {
		return "", ErrNoAsker
	}

	o.mu.Lock()
	o.askState = AskAwaiting
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.askState = AskRunning
		o.mu.Unlock()
	}()

	o.emit(Event{Type: EventAsk, TaskID: task.ID, Depth: task.Depth, Message: question})
	return o.asker.Ask(ctx, task.ID, question)
}

// buildPlan makes a single model call to break the task into sub-goals.
// Planning is best effort: on any failure the loop starts without one.
func (o *Orchestrator) buildPlan(ctx context.Context, task *Task, m *Metrics) Plan {
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: "Break the task into a short ordered list of concrete sub-goals. Reply with a JSON array of strings, nothing else. Three to five entries, fewer for trivial tasks."},
		{Role: llm.RoleUser, Content: task.Description},
	}

	resp, err := o.model.Generate(ctx, msgs)
	m.ModelCalls++
	if err != nil {
		o.logger.Warn("planning failed, continuing without plan", "task", task.ID, "err", err)
		return nil
	}
	m.InputTokens += resp.InputTokens
	m.OutputTokens += resp.OutputTokens
	m.CostUSD += resp.CostUSD

	content := resp.Content
	start := strings.IndexByte(content, '[')
	end := strings.LastIndexByte(content, ']')
	if start < 0 || end <= start {
		o.logger.Warn("plan reply not a JSON array, continuing without plan", "task", task.ID)
		return nil
	}

	var plan Plan
	if err := json.Unmarshal([]byte(content[start:end+1]), &plan); err != nil {
		o.logger.Warn("plan reply not a JSON array, continuing without plan", "task", task.ID, "err", err)
		return nil
	}
	return plan
}

// droppedObservation replaces trimmed observations in the prompt so the
// message structure stays intact.
const droppedObservation = "[earlier observation dropped to fit context]"

// buildMessages assembles the prompt: system instructions with the
// reply protocol, tool catalog, plan, and memory snapshot, followed by
// the task and the replayed transcript. When the estimate exceeds the
// token budget the oldest observations are dropped first; the plan and
// system instructions are never trimmed.
func (o *Orchestrator) buildMessages(task *Task, plan Plan, mem *Memory, steps []Step) []llm.Message {
	var sys strings.Builder
	sys.WriteString(`You are an autonomous task agent. You work in steps toward the given task.
On every turn reply with exactly one JSON object, no prose around it, in one of these forms:
{"type":"thought","text":"..."}          reason about what to do next
{"type":"action","tool":"...","args":{...}}  invoke a tool
{"type":"ask","question":"..."}          ask the operator, only when truly blocked
{"type":"done","answer":"..."}           final answer, ends the task
{"type":"stuck","reason":"..."}          give up, ends the task
`)
	if task.Silent || o.asker == nil {
		sys.WriteString("\nOperator questions are disabled for this task: never use ask, use stuck instead.\n")
	}

	sys.WriteString("\nAvailable tools:\n")
	for _, schema := range o.registry.Catalog() {
		line, _ := json.Marshal(schema)
		sys.Write(line)
		sys.WriteByte('\n')
	}

	if snap := mem.Snapshot(); len(snap) > 0 {
		sys.WriteString("\nWorking memory:\n")
		blob, _ := json.Marshal(snap)
		sys.Write(blob)
		sys.WriteByte('\n')
	}

	if len(plan) > 0 {
		sys.WriteString("\nPlan:\n")
		for i, goal := range plan {
			fmt.Fprintf(&sys, "%d. %s\n", i+1, goal)
		}
	}

	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: sys.String()},
		{Role: llm.RoleUser, Content: "TASK: " + task.Description},
	}

	for _, s := range steps {
		switch s.Kind {
		case StepObservation:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: "OBSERVATION: " + s.Text})
		case StepAnswer:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: "ANSWER: " + s.Text})
		default:
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: marshalStep(s)})
		}
	}

	if task.TokenBudget > 0 {
		total := 0
		for _, m := range msgs {
			total += EstimateTokens(m.Content)
		}
		for i := 2; i < len(msgs) && total > task.TokenBudget; i++ {
			if msgs[i].Role != llm.RoleUser || !strings.HasPrefix(msgs[i].Content, "OBSERVATION: ") {
				continue
			}
			if msgs[i].Content == "OBSERVATION: "+droppedObservation {
				continue
			}
			total -= EstimateTokens(msgs[i].Content)
			msgs[i].Content = "OBSERVATION: " + droppedObservation
			total += EstimateTokens(msgs[i].Content)
		}
	}

	return msgs
}
