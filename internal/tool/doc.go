// Package tool holds the read-only catalogue of actions the agent may call.
// It normalises raw model arguments into one map shape, coerces them to the
// declared parameter types and reports every validation problem at once.
package tool
