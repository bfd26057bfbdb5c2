// Package api exposes the AgentBounty REST surface: session auth, the agent
// catalogue, task lifecycle and result unlocking, payment authorization,
// approval requests with their e-mail magic links, and wallet binding.
package api
