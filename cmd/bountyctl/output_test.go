package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"AgentBounty/internal/agent"
	"AgentBounty/internal/ui"
)

func TestHTMLTextDropsControlsAndContent(t *testing.T) {
	html := ui.RenderResult(&ui.Panel{Kind: ui.PanelPayment, TaskID: "t1", Amount: 0.0015, Preview: "The sky"})
	require.Equal(t, "The sky", htmlText(html))

	html = ui.RenderResult(&ui.Panel{Kind: ui.PanelContent, TaskID: "t1", Content: "# Verdict", Paid: true})
	require.Equal(t, "Payment confirmed.", htmlText(html))
}

func TestTerminalScreenPrintsChangesOnce(t *testing.T) {
	var out bytes.Buffer
	s := newTerminalScreen(&out)

	s.Replace(ui.ContainerNotice, `<div class="notice">Payment failed. Please try again.</div>`)
	s.Replace(ui.ContainerNotice, `<div class="notice">Payment failed. Please try again.</div>`)
	s.Replace(ui.ContainerTasks, `<section>ignored</section>`)

	require.Equal(t, 1, bytes.Count(out.Bytes(), []byte("Payment failed.")))
	require.NotContains(t, out.String(), "ignored")
}

func TestBuildInput(t *testing.T) {
	in, err := buildInput(agent.TypeFactCheck, "", "https://example.com")
	require.NoError(t, err)
	require.Equal(t, agent.FactCheckURL{URL: "https://example.com"}, in)

	in, err = buildInput(agent.TypeTravelPlanner, "Lisbon in May", "")
	require.NoError(t, err)
	require.Equal(t, agent.TravelRequest{Text: "Lisbon in May"}, in)

	_, err = buildInput("poet", "roses", "")
	require.Error(t, err)
}
