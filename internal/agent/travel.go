package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	xerrors "AgentBounty/internal/errors"
	"AgentBounty/internal/llm"
)

const travelBaseCost = 0.002

const travelSystemPrompt = `You are a travel search specialist.
Find flight and hotel options for the request and present them in clean markdown.
Flights: airline, departure and arrival times, duration, price, booking URL.
Hotels: name, location, rating, price per night, amenities, booking URL.
Do not invent placeholder data; say clearly when information is unavailable.`

// TravelPlanner turns a natural language request into a flight and hotel
// itinerary.
type TravelPlanner struct {
	llm llm.Client
	now func() time.Time
}

// NewTravelPlanner wires the agent.
func NewTravelPlanner(client llm.Client) *TravelPlanner {
	return &TravelPlanner{llm: client, now: time.Now}
}

func (t *TravelPlanner) Type() string { return TypeTravelPlanner }

func (t *TravelPlanner) Descriptor() Descriptor {
	return Descriptor{
		Name:        "AI Travel Planner",
		Description: "Find flights and hotels for your travel plans",
		BaseCost:    travelBaseCost,
		InputModes:  []string{factCheckModeText},
	}
}

func (t *TravelPlanner) EstimateCost(Input) float64 { return travelBaseCost }

// Execute implements Agent.
func (t *TravelPlanner) Execute(ctx context.Context, req Request) (*Result, error) {
	if t.llm == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "travel planner has no language model")
	}
	in, ok := req.Input.(TravelRequest)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("travel planner cannot handle %T", req.Input))
	}
	message := strings.TrimSpace(in.Text)

	req.report("Searching flights and hotels...")
	resp, err := t.llm.Generate(ctx, llm.Request{
		Name:   "travel.plan",
		System: travelSystemPrompt,
		Prompt: fmt.Sprintf("Current date: %s\n\nSearch for flights and hotels for this request: %q\n\nPresent the options you find.",
			t.now().UTC().Format("2006-01-02"), message),
	})
	if err != nil {
		return nil, ClassifyError(err)
	}

	return &Result{
		ResultType: "text",
		Content:    strings.TrimSpace(resp.Content),
		ActualCost: travelBaseCost,
		Metadata:   map[string]any{"message": llm.Truncate(message, 200)},
	}, nil
}
