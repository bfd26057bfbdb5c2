package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"

	xerrors "AgentBounty/internal/errors"
	"AgentBounty/internal/llm/openai"
)

// Descriptor 描述智能体在目录中的条目。
type Descriptor struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	BaseCost    float64  `json:"base_cost"`
	InputModes  []string `json:"input_modes,omitempty"`
}

// ProgressFunc 在智能体执行期间接收简短的进度信息。
type ProgressFunc func(message string)

// Request 描述一次智能体执行。
type Request struct {
	TaskID   string
	UserID   string
	Input    Input
	Progress ProgressFunc
}

func (r Request) report(message string) {
	if r.Progress != nil {
		r.Progress(message)
	}
}

// Result 是执行成功后的产出。
type Result struct {
	ResultType string         `json:"result_type"`
	Content    string         `json:"content"`
	ActualCost float64        `json:"actual_cost"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Agent 负责执行一类任务。
type Agent interface {
	Type() string
	Descriptor() Descriptor
	EstimateCost(in Input) float64
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Registry 按类型索引智能体。
type Registry struct {
	agents map[string]Agent
}

// NewRegistry 构造注册表，同类型后注册的智能体覆盖先注册的。
func NewRegistry(agents ...Agent) *Registry {
	r := &Registry{agents: make(map[string]Agent, len(agents))}
	for _, a := range agents {
		if a != nil {
			r.agents[a.Type()] = a
		}
	}
	return r
}

// Get 返回 agentType 对应的智能体。
func (r *Registry) Get(agentType string) (Agent, error) {
	if r != nil {
		if a, ok := r.agents[agentType]; ok {
			return a, nil
		}
	}
	return nil, xerrors.New(xerrors.CodeInvalidArgument,
		fmt.Sprintf("Unknown agent type: %s. Available: %s", agentType, strings.Join(r.Types(), ", ")))
}

// Types 返回排序后的智能体类型。
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}
	types := make([]string, 0, len(r.agents))
	for t := range r.agents {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Descriptors 返回按类型索引的智能体目录。
func (r *Registry) Descriptors() map[string]Descriptor {
	out := make(map[string]Descriptor, len(r.agents))
	for t, a := range r.agents {
		out[t] = a.Descriptor()
	}
	return out
}

// Prepare 校验 agentType 的原始输入，返回解码后的输入与预估成本。
func (r *Registry) Prepare(agentType string, data []byte) (Input, float64, error) {
	a, err := r.Get(agentType)
	if err != nil {
		return nil, 0, err
	}
	in, err := ParseInput(agentType, data)
	if err != nil {
		return nil, 0, err
	}
	return in, a.EstimateCost(in), nil
}

const (
	msgQuotaExceeded = "API quota exceeded. Please try again in a few minutes."
	msgAuthFailed    = "API authentication failed. Please check your API keys."
	msgTimedOut      = "Request timed out. Please try again with a simpler request."
)

// ClassifyError 将执行失败包装为可展示给任务所有者的统一错误。配额错误可重试，
// 凭证错误与超时不可重试。
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok && xerrors.CodeOf(err) != xerrors.CodeExecutorFailure {
		return err
	}

	var status *openai.StatusError
	if stdErrors.As(err, &status) {
		switch status.StatusCode {
		case 429:
			return xerrors.Wrap(xerrors.CodeExecutorFailure, err, msgQuotaExceeded, xerrors.WithRetryable(true), xerrors.WithAlert(false))
		case 401, 403:
			return xerrors.Wrap(xerrors.CodeExecutorFailure, err, msgAuthFailed, xerrors.WithRetryable(false))
		}
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, msgTimedOut, xerrors.WithRetryable(false))
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "429") || strings.Contains(lower, "resource_exhausted") || strings.Contains(lower, "quota"):
		return xerrors.Wrap(xerrors.CodeExecutorFailure, err, msgQuotaExceeded, xerrors.WithRetryable(true), xerrors.WithAlert(false))
	case strings.Contains(lower, "401") || strings.Contains(lower, "authentication"):
		return xerrors.Wrap(xerrors.CodeExecutorFailure, err, msgAuthFailed, xerrors.WithRetryable(false))
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		return xerrors.Wrap(xerrors.CodeTimeout, err, msgTimedOut, xerrors.WithRetryable(false))
	}
	if e, ok := xerrors.From(err); ok {
		return e
	}
	return xerrors.Wrap(xerrors.CodeExecutorFailure, err, "Agent execution failed. Please try again.")
}
