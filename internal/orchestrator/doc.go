// Package orchestrator is the composition root of the agent engine. Build
// assembles the tool registry, the model strategy, the backend executor, the
// approval gate and the execution log from configuration, and RunTask drives
// one command through the loop, finalizes its log and returns the operator
// facing answer together with the full step log.
package orchestrator
