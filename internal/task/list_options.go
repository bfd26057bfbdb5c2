package task

import "strings"

// SortOrder defines how listed tasks are ordered.
type SortOrder int

const (
	// SortByCreatedDesc lists the newest task first.
	SortByCreatedDesc SortOrder = iota
	// SortByCreatedAsc lists the oldest task first.
	SortByCreatedAsc
)

// DefaultListLimit applies when no limit is requested.
const DefaultListLimit = 50

const maxListLimit = 200

// ListOptions selects tasks from the store. An empty UserID matches every
// owner, which only internal callers use.
type ListOptions struct {
	UserID          string
	AgentType       string
	Statuses        []Status
	PaymentStatuses []PaymentStatus
	Limit           int
	Offset          int
	Order           SortOrder
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = DefaultListLimit
	}
	if opts.Limit > maxListLimit {
		opts.Limit = maxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Order != SortByCreatedAsc {
		opts.Order = SortByCreatedDesc
	}
	opts.UserID = strings.TrimSpace(opts.UserID)
	opts.AgentType = strings.TrimSpace(opts.AgentType)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithUser restricts the listing to one owner.
func WithUser(userID string) ListOption {
	return func(opts *ListOptions) { opts.UserID = userID }
}

// WithAgentType restricts the listing to one agent.
func WithAgentType(agentType string) ListOption {
	return func(opts *ListOptions) { opts.AgentType = agentType }
}

// WithLimit limits the number of tasks returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOffset skips the first n matching tasks.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithStatuses filters by execution status.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithPaymentStatuses filters by payment status.
func WithPaymentStatuses(statuses ...PaymentStatus) ListOption {
	return func(opts *ListOptions) {
		opts.PaymentStatuses = append(opts.PaymentStatuses[:0], statuses...)
	}
}

// WithSortOrder changes the order of the listing.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) { opts.Order = order }
}

func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func (opts ListOptions) matches(t *Task) bool {
	if opts.UserID != "" && t.UserID != opts.UserID {
		return false
	}
	if opts.AgentType != "" && t.AgentType != opts.AgentType {
		return false
	}
	if len(opts.Statuses) > 0 && !containsStatus(opts.Statuses, t.Status) {
		return false
	}
	if len(opts.PaymentStatuses) > 0 {
		matched := false
		for _, ps := range opts.PaymentStatuses {
			if t.PaymentStatus == ps {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func containsStatus(list []Status, s Status) bool {
	for _, candidate := range list {
		if candidate == s {
			return true
		}
	}
	return false
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
