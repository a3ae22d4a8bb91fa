package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	DefaultModel     = "claude-sonnet-4-5"
	DefaultMaxTokens = 1024

	// keeps prompts small for large repositories
	maxTreeChars     = 8000
	maxManifestChars = 6000
)

const systemPrompt = `You prepare software projects to run on a fresh Linux VM.
Given a file listing and the project's manifest, answer with ONE JSON object and nothing else:
{"project_type": "node|python|go|java|rust|ruby|html",
 "framework": "<framework or empty>",
 "install_commands": ["<shell command>", ...],
 "run_commands": ["<shell command>", ...],
 "dependencies": ["<name>", ...],
 "ports": {"frontend": <int>, "backend": <int or 0>}}
Commands run from the project root with sh. The last run command must start the long-running server in the
foreground, listening on 0.0.0.0. Do not install system packages. If you cannot tell how to run the project,
return an empty run_commands list.`

// messageCreator is the part of the Anthropic client the analyzer uses.
type messageCreator interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// ClaudeConfig configures the Anthropic-backed analyzer.
type ClaudeConfig struct {
	APIKey    string
	Model     string
	MaxTokens int64
	// BaseURL overrides the API endpoint, mainly for tests and proxies.
	BaseURL string
}

// Claude asks an Anthropic model for the analysis.
type Claude struct {
	messages  messageCreator
	model     string
	maxTokens int64
	logger    *slog.Logger
}

// NewClaude creates an analyzer using the Messages API.
func NewClaude(cfg ClaudeConfig, logger *slog.Logger) (*Claude, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	return newClaude(&client.Messages, cfg, logger), nil
}

func newClaude(m messageCreator, cfg ClaudeConfig, logger *slog.Logger) *Claude {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	return &Claude{messages: m, model: cfg.Model, maxTokens: cfg.MaxTokens, logger: logger}
}

func (c *Claude) Analyze(ctx context.Context, fileTree, manifest string) (Analysis, error) {
	prompt := "File tree:\n" + truncate(fileTree, maxTreeChars) +
		"\n\nManifest:\n" + truncate(manifest, maxManifestChars)

	msg, err := c.messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return Analysis{}, fmt.Errorf("%w: anthropic request: %w", ErrAnalysisFailed, err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	c.logger.Debug("analysis received", "model", c.model, "chars", text.Len())

	a, err := ParseAnalysis(text.String())
	if err != nil {
		return Analysis{}, err
	}
	if a.Ports.Frontend == 0 {
		a.Ports.Frontend = DetectPortConfig(a.StartCommand(), a.ProjectType).Port
	}
	return a, nil
}

// ParseAnalysis extracts the JSON object from a model reply. Markdown fences
// and surrounding prose are ignored.
func ParseAnalysis(reply string) (Analysis, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return Analysis{}, fmt.Errorf("%w: reply contains no JSON object", ErrAnalysisFailed)
	}

	var a Analysis
	if err := json.Unmarshal([]byte(reply[start:end+1]), &a); err != nil {
		return Analysis{}, fmt.Errorf("%w: decode reply: %w", ErrAnalysisFailed, err)
	}
	a.ProjectType = strings.ToLower(strings.TrimSpace(a.ProjectType))
	a.InstallCommands = compact(a.InstallCommands)
	a.RunCommands = compact(a.RunCommands)
	if err := a.Validate(); err != nil {
		return Analysis{}, err
	}
	return a, nil
}

func compact(cmds []string) []string {
	out := cmds[:0]
	for _, c := range cmds {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}
