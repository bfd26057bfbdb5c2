package demo

import (
	"encoding/json"
	"time"

	"AgentBounty/internal/agent"
	"AgentBounty/internal/auth"
	"AgentBounty/internal/task"
)

// Fixed identities of the demo session.
const (
	UserID        = "demo|user_12345"
	WalletAddress = "0x5A0b54D5dc17e0AadC383d2db43B0a0D3E029c4c"
	WalletBalance = 50.25
	TxHash        = "0x9c1f2e6a4b7d8c3e5f0a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60"

	paidTaskID   = "demo_task_001"
	lockedTaskID = "demo_task_002"
	newTaskID    = "demo_task_003"
)

// Profile is the canned demo user.
func Profile() *auth.Profile {
	return &auth.Profile{Sub: UserID, Email: "demo@agentbounty.dev", Name: "Demo User", Demo: true}
}

// Agents returns the catalogue shown in demo mode.
func Agents() map[string]agent.Descriptor {
	return agent.NewRegistry(agent.NewFactCheck(nil, nil, nil), agent.NewTravelPlanner(nil)).Descriptors()
}

func cost(v float64) *float64 { return &v }

func at(now time.Time, ago time.Duration) *time.Time {
	t := now.Add(-ago).UTC()
	return &t
}

// Tasks returns fresh copies of the canned tasks, timed relative to now.
func Tasks(now time.Time) []*task.Task {
	return []*task.Task{
		{
			ID:            paidTaskID,
			UserID:        UserID,
			AgentType:     agent.TypeFactCheck,
			InputData:     json.RawMessage(`{"mode":"text","text":"The Great Wall of China is visible from the Moon with the naked eye."}`),
			Status:        task.StatusCompleted,
			EstimatedCost: 0.001,
			ActualCost:    cost(0.001),
			PaymentStatus: task.PaymentPaid,
			PaymentTxHash: TxHash,
			Metadata:      map[string]any{"verdict": "FALSE", "confidence": 92},
			Attempts:      1,
			CreatedAt:     *at(now, 2*time.Hour),
			StartedAt:     at(now, 2*time.Hour-time.Minute),
			CompletedAt:   at(now, 2*time.Hour-3*time.Minute),
			UpdatedAt:     *at(now, 2*time.Hour-3*time.Minute),
		},
		{
			ID:            lockedTaskID,
			UserID:        UserID,
			AgentType:     agent.TypeTravelPlanner,
			InputData:     json.RawMessage(`{"text":"A long weekend from Lisbon to Porto by train, leaving on a Friday morning."}`),
			Status:        task.StatusCompleted,
			EstimatedCost: 0.002,
			ActualCost:    cost(0.002),
			PaymentStatus: task.PaymentUnpaid,
			Metadata:      map[string]any{"origin": "Lisbon", "destination": "Porto"},
			Attempts:      1,
			CreatedAt:     *at(now, 45*time.Minute),
			StartedAt:     at(now, 44*time.Minute),
			CompletedAt:   at(now, 42*time.Minute),
			UpdatedAt:     *at(now, 42*time.Minute),
		},
	}
}

// NewTask is what a create request answers with in demo mode.
func NewTask(now time.Time, agentType string, input json.RawMessage) *task.Task {
	if agentType == "" {
		agentType = agent.TypeFactCheck
	}
	estimate := 0.001
	if d, ok := Agents()[agentType]; ok {
		estimate = d.BaseCost
	}
	return &task.Task{
		ID:            newTaskID,
		UserID:        UserID,
		AgentType:     agentType,
		InputData:     input,
		Status:        task.StatusPending,
		EstimatedCost: estimate,
		PaymentStatus: task.PaymentUnpaid,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
}

var results = map[string]string{
	paidTaskID: `## Claim

"The Great Wall of China is visible from the Moon with the naked eye."

## Verification

### Distance
The Moon orbits roughly 384,000 km from Earth. At that range the wall, at most
about 9 metres wide, would subtend an angle far below what a human eye can
resolve.

### Astronaut accounts
Crews of the lunar missions reported seeing continents, clouds and oceans but
no individual structures. Even from low Earth orbit the wall is hard to pick
out without optical aid because its colour matches the surrounding terrain.

## Final Verdict

**VERDICT: FALSE**
**Confidence Score: 92%**

The claim is a long-lived myth. No human-made structure is visible to the
naked eye from the Moon.
`,
	lockedTaskID: `## Trains from Lisbon to Porto (Friday morning)

**Alfa Pendular**
- **Departure:** Lisboa Santa Apolónia 07:39, arrival Porto Campanhã 10:28
- **Price:** from EUR 25.20 in second class
- **Booking:** cp.pt

**Intercidades**
- **Departure:** Lisboa Oriente 08:09, arrival Porto Campanhã 11:15
- **Price:** from EUR 19.80

---

## Where to stay in Porto

**Riverside guesthouse, Ribeira**
- **Price:** around EUR 110 per night
- **Notes:** walking distance to the Dom Luís I bridge

**Boutique hotel, Cedofeita**
- **Price:** around EUR 140 per night
- **Notes:** quiet street, breakfast included

---
*Timetables and prices change often. Check the operator before booking.*
`,
}

// Result returns the canned result of a demo task.
func Result(taskID string, now time.Time) (*task.Result, bool) {
	content, ok := results[taskID]
	if !ok {
		return nil, false
	}
	res := &task.Result{TaskID: taskID, ResultType: "text", Content: content, CreatedAt: now.UTC()}
	for _, t := range Tasks(now) {
		if t.ID == taskID {
			res.ActualCost = t.Cost()
			res.Metadata = t.Metadata
			res.CreatedAt = *t.CompletedAt
		}
	}
	return res, true
}
