// Package schema translates canonical tool definitions into the three
// tool-call wire shapes the agent speaks (a textual listing, single-turn JSON
// functions and structured function declarations) and parses them back.
package schema
