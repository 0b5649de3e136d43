// Package investigation drives the bounded agent loop that turns a
// security finding into a narrative remediation report.
package investigation

import (
	"context"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/posturewatch/posturewatch/internal/ai/providers"
	"github.com/posturewatch/posturewatch/internal/ai/tools"
	"github.com/posturewatch/posturewatch/internal/models"
	"github.com/posturewatch/posturewatch/internal/toolclient"
)

const (
	// maxToolTurns bounds how many times the model may request tools
	// before it is forced to answer.
	maxToolTurns = 5

	// maxResultChars bounds each serialized tool result fed back to the
	// model, keeping context growth linear in the number of calls.
	maxResultChars = 1800

	// summaryChars is how much of each result survives into the
	// tool-call log.
	summaryChars = 200
)

// ToolInvoker executes one security tool call. Satisfied by
// *toolclient.Pool.
type ToolInvoker interface {
	Invoke(ctx context.Context, tool string, args map[string]interface{}, creds *toolclient.Credentials) (toolclient.Result, error)
}

// Result is the outcome of one investigation run.
type Result struct {
	// RunID correlates the run's log lines with its returned report.
	RunID     string                  `json:"runId"`
	Narrative string                  `json:"narrative"`
	ToolCalls []models.ToolCallRecord `json:"toolCalls"`
	ToolsUsed []string                `json:"toolsUsed"`
	// Degraded is set when the turn limit ran out and the narrative came
	// from a forced final answer rather than a natural completion.
	Degraded bool `json:"degraded,omitempty"`
}

// Orchestrator runs investigations against a completion endpoint.
type Orchestrator struct {
	provider  providers.Provider
	invoker   ToolInvoker
	maxTokens int
}

// NewOrchestrator creates an orchestrator using the given completion
// provider and tool invoker.
func NewOrchestrator(provider providers.Provider, invoker ToolInvoker, maxTokens int) *Orchestrator {
	if maxTokens <= 0 {
		maxTokens = 1500
	}
	return &Orchestrator{
		provider:  provider,
		invoker:   invoker,
		maxTokens: maxTokens,
	}
}

// Investigate runs the agent loop for one finding. The transcript is
// append-only: each turn either adds an assistant message plus one
// tool-result message per requested call, or ends the run with the
// model's final text. A completion-endpoint failure aborts the run; the
// returned Result still carries the tool-call log accumulated so far.
func (o *Orchestrator) Investigate(ctx context.Context, tenantID string, finding models.Finding, creds *toolclient.Credentials) (*Result, error) {
	runID := uuid.NewString()
	selected := SelectTools(finding, tools.Names())
	byName := tools.ByName()
	toolDefs := make([]providers.Tool, 0, len(selected))
	for _, name := range selected {
		toolDefs = append(toolDefs, byName[name])
	}

	log.Debug().
		Str("runId", runID).
		Str("tenantId", models.RedactTenantID(tenantID)).
		Str("findingType", finding.Type).
		Strs("tools", selected).
		Msg("Starting investigation")

	transcript := []providers.Message{
		{Role: "user", Content: buildUserPrompt(tenantID, finding)},
	}

	var callLog []models.ToolCallRecord
	used := newOrderedSet()

	for turn := 0; turn < maxToolTurns; turn++ {
		resp, err := o.provider.Chat(ctx, providers.ChatRequest{
			System:    systemPrompt,
			Messages:  transcript,
			Tools:     toolDefs,
			MaxTokens: o.maxTokens,
		})
		if err != nil {
			return &Result{RunID: runID, ToolCalls: callLog, ToolsUsed: used.items},
				fmt.Errorf("completion call failed on turn %d: %w", turn+1, err)
		}

		if !resp.WantsTools() {
			narrative := resp.Content
			if narrative == "" {
				narrative = "No analysis produced."
			}
			return &Result{
				RunID:     runID,
				Narrative: narrative,
				ToolCalls: callLog,
				ToolsUsed: used.items,
			}, nil
		}

		transcript = append(transcript, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		results := o.executeCalls(ctx, tenantID, resp.ToolCalls, creds)
		for i, tc := range resp.ToolCalls {
			used.addAll([]string{tc.Name})
			callLog = append(callLog, models.ToolCallRecord{
				Tool:    tc.Name,
				Args:    tc.Input,
				Summary: truncate(results[i], summaryChars),
			})
			transcript = append(transcript, providers.Message{
				Role: "tool",
				ToolResult: &providers.ToolResult{
					ToolCallID: tc.ID,
					Content:    truncateMarked(results[i], maxResultChars),
				},
			})
		}
	}

	// Turn limit reached. One last call, without tools, to force an answer.
	transcript = append(transcript, providers.Message{Role: "user", Content: finalAnswerPrompt})
	final, err := o.provider.Chat(ctx, providers.ChatRequest{
		System:    systemPrompt,
		Messages:  transcript,
		MaxTokens: o.maxTokens,
	})
	if err != nil {
		return &Result{RunID: runID, ToolCalls: callLog, ToolsUsed: used.items, Degraded: true},
			fmt.Errorf("final completion call failed: %w", err)
	}

	narrative := final.Content
	if narrative == "" {
		narrative = "Investigation incomplete: turn limit reached."
	}
	return &Result{
		RunID:     runID,
		Narrative: narrative,
		ToolCalls: callLog,
		ToolsUsed: used.items,
		Degraded:  true,
	}, nil
}

// executeCalls runs one turn's tool calls concurrently and returns the
// rendered results in call order. Failures become error strings the model
// can reason about; they never abort the run.
func (o *Orchestrator) executeCalls(ctx context.Context, tenantID string, calls []providers.ToolCall, creds *toolclient.Credentials) []string {
	results := make([]string, len(calls))

	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(i int, tc providers.ToolCall) {
			defer wg.Done()

			args := make(map[string]interface{}, len(tc.Input)+1)
			for k, v := range tc.Input {
				args[k] = v
			}
			if _, ok := args["tenantId"]; !ok {
				args["tenantId"] = tenantID
			}

			res, err := o.invoker.Invoke(ctx, tc.Name, args, creds)
			if err != nil {
				log.Warn().
					Err(err).
					Str("tool", tc.Name).
					Msg("Tool call failed during investigation")
				results[i] = "Error: " + err.Error()
				return
			}
			results[i] = res.String()
		}(i, tc)
	}
	wg.Wait()

	return results
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back off to a rune boundary so the cut never splits a UTF-8 sequence.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func truncateMarked(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return truncate(s, n) + "\n...(truncated)"
}
