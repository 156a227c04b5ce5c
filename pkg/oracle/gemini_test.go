package oracle

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/flowmend/flowmend/pkg/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

// mockGenerator records prompts and replies with fixed text.
type mockGenerator struct {
	reply  string
	err    error
	model  string
	prompt string
	config *genai.GenerateContentConfig
}

func (m *mockGenerator) GenerateContent(ctx context.Context, model string, contents []*genai.Content,
	config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	m.model = model
	m.config = config
	for _, c := range contents {
		for _, p := range c.Parts {
			m.prompt += p.Text
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: genai.NewContentFromText(m.reply, genai.RoleModel)}},
	}, nil
}

func repairRequest() engine.RepairRequest {
	node := testNode()
	node.History = []engine.RepairPatch{{ID: "p-1", NodeID: "gen", Changes: []engine.Change{
		{Op: engine.OpSet, Key: "Batch Size", New: engine.Str("1")},
	}}}
	return engine.RepairRequest{
		SessionID: "s-1",
		Node:      node,
		History:   node.History,
		Rejection: engine.RejectionDetail{
			Field:   "File Size",
			Message: "'File Size' validated against 'huge' is invalid because Must be of format <Data Size> <Data Unit>",
		},
		Attempt: 2,
	}
}

func TestNewGemini_RequiresKey(t *testing.T) {
	_, err := NewGemini(context.Background(), GeminiConfig{}, nil)
	require.Error(t, err)
}

func TestGemini_ProposeFix(t *testing.T) {
	gen := &mockGenerator{reply: "```json\n" + `{"changes":[{"op":"set","key":"File Size","old":"huge","new":"1 KB"}]}` + "\n```"}
	g := newGemini(gen, GeminiConfig{APIKey: "k"}, nil)

	patch, err := g.ProposeFix(context.Background(), repairRequest())
	require.NoError(t, err)
	assert.Equal(t, "gen", patch.NodeID)
	assert.Equal(t, "gemini", patch.Provenance.Source)
	require.Len(t, patch.Changes, 1)
	assert.Equal(t, "1 KB", *patch.Changes[0].New)

	assert.Equal(t, DefaultModel, gen.model)
	assert.Equal(t, "application/json", gen.config.ResponseMIMEType)
	require.NotNil(t, gen.config.SystemInstruction)
	assert.Contains(t, gen.prompt, `"File Size": "huge"`)
	assert.Contains(t, gen.prompt, "field: File Size")
	assert.Contains(t, gen.prompt, "validated against 'huge'")
	assert.Contains(t, gen.prompt, `"id": "p-1"`)
	assert.Contains(t, gen.prompt, "repair attempt 2")
}

func TestGemini_PromptKeepsPropertyOrder(t *testing.T) {
	prompt, err := buildPrompt(repairRequest())
	require.NoError(t, err)

	fileSize := strings.Index(prompt, `"File Size"`)
	batchSize := strings.Index(prompt, `"Batch Size"`)
	custom := strings.Index(prompt, `"custom.attr"`)
	assert.True(t, fileSize < batchSize && batchSize < custom, prompt)
	assert.NotContains(t, prompt, "patch_history", "history is listed once, separately")
}

func TestGemini_RequestFailure(t *testing.T) {
	gen := &mockGenerator{err: errors.New("Error 429, Message: Resource has been exhausted")}
	g := newGemini(gen, GeminiConfig{Model: "gemini-custom"}, nil)

	_, err := g.ProposeFix(context.Background(), repairRequest())
	require.Error(t, err)
	assert.True(t, engine.IsKind(err, engine.KindOracle))
	assert.ErrorIs(t, err, gen.err)
	assert.Equal(t, "gemini-custom", gen.model)
}

func TestGemini_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	gen := &mockGenerator{err: context.Canceled}
	g := newGemini(gen, GeminiConfig{}, nil)

	_, err := g.ProposeFix(ctx, repairRequest())
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, engine.IsKind(err, engine.KindOracle))
}

func TestGemini_UnusableReply(t *testing.T) {
	gen := &mockGenerator{reply: "Sorry, I cannot help with that."}
	g := newGemini(gen, GeminiConfig{}, nil)

	_, err := g.ProposeFix(context.Background(), repairRequest())
	require.Error(t, err)
	assert.True(t, engine.IsKind(err, engine.KindOracle))
}

func TestGemini_NoNode(t *testing.T) {
	g := newGemini(&mockGenerator{}, GeminiConfig{}, nil)
	_, err := g.ProposeFix(context.Background(), engine.RepairRequest{})
	assert.True(t, engine.IsKind(err, engine.KindOracle))
}
