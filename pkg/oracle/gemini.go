package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flowmend/flowmend/pkg/engine"
	"github.com/flowmend/flowmend/pkg/telemetry"
	"google.golang.org/genai"
)

// DefaultModel is the Gemini model used when none is configured.
const DefaultModel = "gemini-2.0-flash"

const systemPrompt = `You are an Apache NiFi expert. A processor configuration was rejected by NiFi.
Propose the smallest change that fixes the rejection.
Rules:
1. Return ONLY a JSON object, no markdown and no explanations.
2. The object has one key "changes", a list of changes.
3. A change has "op" (set, add, rename, remove), "key", and "new" for set and add.
   "target" is "property" (default), "service", "scheduling", "relationship" or "type".
   Renames carry "new_key". Include "old" with the value you expect to replace.
4. Scheduling keys are strategy, period and concurrent_tasks. CRON_DRIVEN periods
   are 6-field Quartz expressions such as "0 */15 * * * ?".
5. Auto-terminate relationships that are not meant to be connected with a
   relationship add.
6. Do not repeat a change that is already in the patch history.`

// contentGenerator is the part of the genai client the oracle uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content,
		config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiConfig configures the Gemini advisor.
type GeminiConfig struct {
	APIKey          string
	Model           string
	Temperature     float32
	MaxOutputTokens int32
}

// Gemini proposes repairs with a Gemini model.
type Gemini struct {
	models contentGenerator
	cfg    GeminiConfig
	logger *telemetry.Logger
}

var _ engine.Oracle = (*Gemini)(nil)

// NewGemini creates a Gemini advisor for the Gemini API.
func NewGemini(ctx context.Context, cfg GeminiConfig, logger *telemetry.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return newGemini(client.Models, cfg, logger), nil
}

func newGemini(models contentGenerator, cfg GeminiConfig, logger *telemetry.Logger) *Gemini {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxOutputTokens == 0 {
		cfg.MaxOutputTokens = 2048
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Gemini{
		models: models,
		cfg:    cfg,
		logger: logger.NewComponentLogger("oracle.gemini").WithField("model", cfg.Model),
	}
}

// ProposeFix asks the model for a patch.
func (g *Gemini) ProposeFix(ctx context.Context, req engine.RepairRequest) (*engine.RepairPatch, error) {
	if req.Node == nil {
		return nil, engine.NewOracleError("repair request has no node", nil)
	}

	prompt, err := buildPrompt(req)
	if err != nil {
		return nil, engine.NewOracleError("failed to build prompt", err).WithResource(req.Node.ID)
	}

	temperature := g.cfg.Temperature
	resp, err := g.models.GenerateContent(ctx, g.cfg.Model, genai.Text(prompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		Temperature:       &temperature,
		MaxOutputTokens:   g.cfg.MaxOutputTokens,
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, engine.NewOracleError("gemini request failed", err).WithResource(req.Node.ID)
	}
	if resp == nil {
		return nil, engine.NewOracleError("gemini returned no response", nil).WithResource(req.Node.ID)
	}

	text := resp.Text()
	g.logger.WithNodeID(req.Node.ID).Debugf("Reply for attempt %d: %s", req.Attempt, truncate(text, 500))
	return parseReply(req.Node, text, "gemini")
}

// promptNode is the node as the model sees it.
type promptNode struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	Type          string             `json:"type"`
	Properties    engine.Properties  `json:"properties"`
	Scheduling    *engine.Scheduling `json:"scheduling,omitempty"`
	AutoTerminate []string           `json:"auto_terminated_relationships,omitempty"`
}

func buildPrompt(req engine.RepairRequest) (string, error) {
	n := req.Node
	node, err := json.MarshalIndent(promptNode{
		ID:            n.ID,
		Name:          n.Name,
		Type:          n.Type,
		Properties:    n.Properties,
		Scheduling:    n.Scheduling,
		AutoTerminate: n.AutoTerminate,
	}, "", "  ")
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("Processor configuration:\n")
	b.Write(node)
	b.WriteString("\n\nRejection:\n")
	if req.Rejection.Field != "" {
		fmt.Fprintf(&b, "field: %s\n", req.Rejection.Field)
	}
	fmt.Fprintf(&b, "message: %s\n", req.Rejection.Message)

	if len(req.History) > 0 {
		history, err := json.MarshalIndent(req.History, "", "  ")
		if err != nil {
			return "", err
		}
		b.WriteString("\nPatch history (already applied, oldest first):\n")
		b.Write(history)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nThis is repair attempt %d. Reply with the changes JSON.\n", req.Attempt)
	return b.String(), nil
}
