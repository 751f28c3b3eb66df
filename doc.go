// Package nova is an autonomous task-execution engine. An orchestrator
// drives a step loop against a language model: the model replies one
// JSON step at a time (thought, action, ask, done, stuck), tool calls
// are dispatched through a registry, and their observations feed the
// next turn. Tasks carry scoped working memory, and the engine can
// delegate to sub-agents with bounded recursion depth and parallel
// fan-out.
//
// Minimal use:
//
//	orch := nova.New(llm.NewAnthropic())
//	result, err := orch.RunTask(ctx, nova.NewTask("summarize ./notes"))
//
// Sessions keep memory alive across tasks and can persist results:
//
//	sess := nova.NewSession(orch, nova.WithStore(st))
//	sess.Run(ctx, "collect the open issues")
//	sess.Run(ctx, "draft a status update from what you found")
package nova
