// Package weft runs LLM threads under a harness: every thread has limits,
// a budget carved out of its parent's, a capability set, and a durable
// trail of checkpoints and transcripts so it can be resumed after a limit,
// a crash, or a restart.
//
// # Quick Start
//
//	cfg, err := weft.LoadConfig("weft.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	orch, err := weft.Open(ctx, cfg,
//	    weft.WithLLM(llm.NewAnthropic()),
//	    weft.WithDispatcher(tools),
//	    weft.WithDirectiveResolver(weft.DirectiveMap{"review": review}),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer orch.Close()
//
//	id, err := orch.Spawn(ctx, weft.SpawnRequest{
//	    DirectiveName: "review",
//	    Inputs:        map[string]any{"path": "./pkg"},
//	})
//	results, err := orch.Wait(ctx, []string{id}, weft.WaitOptions{})
//
// # Limits and budget
//
// Limits resolve from the configured defaults, the directive, the caller's
// overrides and finally the parent's remaining limits, in that order. A
// child can never be given more than its parent has left. Spend is also
// reserved in the budget ledger, so the spend of a whole tree stays under
// its root's ceiling even across processes.
//
// When a limit is reached the limit hooks decide. Without one the thread
// suspends; Resume with higher limits picks it up at the turn it stopped.
//
// # Hooks
//
// Hooks come in layers: user, directive, builtin, project and infra.
// Control hooks (error, limit, after_step) pick the first match in layer
// order and return a verdict. Context hooks (thread_started,
// thread_continued) add text to a thread's opening message. Infra hooks
// always run and never change the outcome.
//
// # Continuation
//
// A thread close to its model's context window hands off to a successor:
// the conversation is summarized, the summary and a trailing window of
// messages open the successor, and the unused budget moves with it. Wait,
// Cancel and SearchChain follow continuation chains transparently.
//
// # Tools
//
// Tool calls become ToolRequests for the configured Dispatcher after a
// capability check. Every thread also gets spawn_thread, wait_threads and
// thread_status for managing its own children; those are served by the
// orchestrator itself.
package weft
