// Package agent holds the marketplace agents. Each agent wraps a sequence of
// LLM prompts, validates its tagged input variant and reports the cost it
// charges for a completed result.
package agent
