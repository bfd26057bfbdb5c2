package agent

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	xerrors "AgentBounty/internal/errors"
)

// Agent type keys.
const (
	TypeFactCheck      = "factcheck"
	TypeTravelPlanner  = "ai-travel-planner"
	factCheckModeText  = "text"
	factCheckModeURL   = "url"
	maxInputTextLength = 20000
)

// Input is the validated payload of a task. Each agent accepts its own
// variants; the JSON form matches the task's input_data column.
type Input interface {
	AgentType() string
	Validate() error
	// Summary is a one line description for task lists.
	Summary() string
}

// FactCheckText asks the fact-check agent to verify free text.
type FactCheckText struct {
	Text string
}

// FactCheckURL asks the fact-check agent to verify the page at URL.
type FactCheckURL struct {
	URL string
}

// TravelRequest is a natural language travel planning request.
type TravelRequest struct {
	Text string
}

func (FactCheckText) AgentType() string { return TypeFactCheck }
func (FactCheckURL) AgentType() string  { return TypeFactCheck }
func (TravelRequest) AgentType() string { return TypeTravelPlanner }

func (in FactCheckText) Validate() error { return validateText("text", in.Text) }
func (in TravelRequest) Validate() error { return validateText("text", in.Text) }

func (in FactCheckURL) Validate() error {
	raw := strings.TrimSpace(in.URL)
	if raw == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "url must be an absolute http(s) address")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return xerrors.New(xerrors.CodeInvalidArgument, "url must be an absolute http(s) address")
	}
	return nil
}

func validateText(field, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, field+" is required")
	}
	if len(value) > maxInputTextLength {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s exceeds %d characters", field, maxInputTextLength))
	}
	return nil
}

func (in FactCheckText) Summary() string { return summarize(in.Text) }
func (in FactCheckURL) Summary() string  { return strings.TrimSpace(in.URL) }
func (in TravelRequest) Summary() string { return summarize(in.Text) }

func summarize(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if runes := []rune(text); len(runes) > 80 {
		return string(runes[:80]) + "..."
	}
	return text
}

func (in FactCheckText) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"mode": factCheckModeText, "text": in.Text})
}

func (in FactCheckURL) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"mode": factCheckModeURL, "url": in.URL})
}

func (in TravelRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"text": in.Text})
}

type rawInput struct {
	Mode    string `json:"mode"`
	Text    string `json:"text"`
	URL     string `json:"url"`
	Message string `json:"message"`
}

// DecodeInput parses input_data for agentType into its variant. It does
// not validate; call Validate on the result.
func DecodeInput(agentType string, data []byte) (Input, error) {
	var raw rawInput
	if len(data) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "input_data must be a JSON object")
		}
	}
	switch agentType {
	case TypeFactCheck:
		switch raw.Mode {
		case "", factCheckModeText:
			return FactCheckText{Text: raw.Text}, nil
		case factCheckModeURL:
			return FactCheckURL{URL: raw.URL}, nil
		default:
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported factcheck mode %q", raw.Mode))
		}
	case TypeTravelPlanner:
		text := raw.Text
		if strings.TrimSpace(text) == "" {
			text = raw.Message
		}
		return TravelRequest{Text: text}, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown agent type %q", agentType))
	}
}

// ParseInput decodes and validates in one step.
func ParseInput(agentType string, data []byte) (Input, error) {
	in, err := DecodeInput(agentType, data)
	if err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return in, nil
}
