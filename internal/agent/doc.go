// Package agent implements the provider-agnostic tool-calling loop. A
// Strategy adapts one wire protocol (textual ReAct transcripts, single-turn
// JSON function calls or structured multi-turn function declarations) and the
// Agent drives it: one model call per iteration, at most one executed tool
// call per step, human approval before sensitive tools, and every transition
// recorded in the execution log.
package agent
