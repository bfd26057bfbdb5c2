package agent

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	xerrors "AgentBounty/internal/errors"
	"AgentBounty/internal/knowledge"
	"AgentBounty/internal/llm"
)

const factCheckBaseCost = 0.001

var (
	verdictPattern    = regexp.MustCompile(`(?i)\*\*Verdict:\*\*\s*(TRUE|FALSE|MISLEADING|INSUFFICIENT_EVIDENCE|NEEDS_REVIEW)`)
	confidencePattern = regexp.MustCompile(`\*\*Confidence:\*\*\s*(\d+)%`)
)

const claimSystemPrompt = `You identify factual claims that can be verified.
Ignore opinions, jokes, satire and subjective statements.
Extract key facts: statistics, events, quotes, dates, locations.
Prioritise the most important and checkable claims and format each claim clearly with context.`

const crossReferenceSystemPrompt = `You are a fact verification specialist.
For each claim, reason about what authoritative sources (news agencies, fact-checking sites,
government and academic sources) report, noting credibility, publication dates and consensus.`

const verdictSystemPrompt = `You analyse all evidence and deliver a final fact-check verdict.
Structure the answer with these markdown sections:
## Post Summary
## Claims Identified
## Verification Results
## Citations
## Context & Analysis
## Final Verdict
In the final section write "**Verdict:** " followed by one of TRUE, FALSE, MISLEADING or
INSUFFICIENT_EVIDENCE, and "**Confidence:** " followed by a percentage.
Be conservative: if evidence is weak, say so clearly.`

// FactCheck verifies claims in free text or in the page behind a URL. It
// runs content extraction (URL mode only), claim identification,
// cross-referencing and verdict synthesis.
type FactCheck struct {
	llm     llm.Client
	fetcher PageFetcher
	sources knowledge.Provider
	now     func() time.Time
}

// NewFactCheck wires the agent. fetcher and sources may be nil; URL mode then
// fails and cross-referencing proceeds without reference sources.
func NewFactCheck(client llm.Client, fetcher PageFetcher, sources knowledge.Provider) *FactCheck {
	return &FactCheck{llm: client, fetcher: fetcher, sources: sources, now: time.Now}
}

func (f *FactCheck) Type() string { return TypeFactCheck }

func (f *FactCheck) Descriptor() Descriptor {
	return Descriptor{
		Name:        "FactCheck Agent",
		Description: "Multi-stage fact-checking for social media posts and claims",
		BaseCost:    factCheckBaseCost,
		InputModes:  []string{factCheckModeText, factCheckModeURL},
	}
}

func (f *FactCheck) EstimateCost(Input) float64 { return factCheckBaseCost }

// Execute implements Agent.
func (f *FactCheck) Execute(ctx context.Context, req Request) (*Result, error) {
	if f.llm == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "fact-check agent has no language model")
	}

	var (
		subject  string
		label    string
		metadata = map[string]any{}
		stages   int
	)
	switch in := req.Input.(type) {
	case FactCheckText:
		subject = strings.TrimSpace(in.Text)
		label = "Original Text"
		metadata["mode"] = factCheckModeText
	case FactCheckURL:
		if f.fetcher == nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "URL fact-checking is not available. Please use text mode.")
		}
		req.report("Extracting content from " + in.URL)
		page, err := f.fetcher.Fetch(ctx, in.URL)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "Could not read the page at the provided URL.")
		}
		stages++
		subject = page.Markdown()
		label = "Extracted Content"
		metadata["mode"] = factCheckModeURL
		metadata["url"] = in.URL
		metadata["platform"] = DetectPlatform(in.URL)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("fact-check agent cannot handle %T", req.Input))
	}

	req.report("Identifying verifiable claims...")
	claims, err := f.generate(ctx, "factcheck.claims", claimSystemPrompt,
		"Analyze the following content and identify all verifiable factual claims:\n\n"+subject)
	if err != nil {
		return nil, err
	}
	stages++

	req.report("Cross-referencing claims against sources...")
	verification, err := f.generate(ctx, "factcheck.crossref", crossReferenceSystemPrompt, f.crossReferencePrompt(claims))
	if err != nil {
		return nil, err
	}
	stages++

	req.report("Synthesizing verdict...")
	report, err := f.generate(ctx, "factcheck.verdict", verdictSystemPrompt, fmt.Sprintf(
		"Current date: %s\n\n%s:\n%s\n\nClaims Identified:\n%s\n\nVerification Results:\n%s\n\nSynthesize a comprehensive fact-check report.",
		f.now().UTC().Format("2006-01-02"), label, subject, claims, verification))
	if err != nil {
		return nil, err
	}
	stages++

	verdict, confidence := ParseVerdict(report)
	metadata["verdict"] = verdict
	metadata["confidence"] = confidence
	metadata["stages_completed"] = stages

	return &Result{
		ResultType: "text",
		Content:    report,
		ActualCost: factCheckBaseCost,
		Metadata:   metadata,
	}, nil
}

func (f *FactCheck) crossReferencePrompt(claims string) string {
	var b strings.Builder
	b.WriteString("Verify these claims using authoritative sources:\n\n")
	b.WriteString(claims)
	if f.sources != nil {
		if refs := f.sources.Lookup(claims); len(refs) > 0 {
			b.WriteString("\n\nReference sources to consult:\n")
			for i, src := range refs {
				fmt.Fprintf(&b, "%d. %s (%s) credibility=%s: %s\n", i+1, src.Title, src.URL, src.Credibility, src.Summary)
			}
		}
	}
	return b.String()
}

func (f *FactCheck) generate(ctx context.Context, name, system, prompt string) (string, error) {
	resp, err := f.llm.Generate(ctx, llm.Request{Name: name, System: system, Prompt: prompt})
	if err != nil {
		return "", ClassifyError(err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// ParseVerdict extracts the verdict and confidence from a report, defaulting
// to UNKNOWN and 50.
func ParseVerdict(report string) (string, int) {
	verdict := "UNKNOWN"
	if m := verdictPattern.FindStringSubmatch(report); m != nil {
		verdict = strings.ToUpper(m[1])
	}
	confidence := 50
	if m := confidencePattern.FindStringSubmatch(report); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			confidence = n
		}
	}
	return verdict, confidence
}
