package litellm

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/oleksiy-perepelytsya/ids-ai/internal/adapter/persona"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/domain/deliberation"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/port/reviewer"
)

//go:embed templates/review_prompt.tmpl
var reviewPromptTmpl string

var reviewTmpl = template.Must(template.New("review_prompt").Parse(reviewPromptTmpl))

// Completer is the part of Client a Reviewer needs.
type Completer interface {
	ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ReviewerConfig binds a persona to a model.
type ReviewerConfig struct {
	ID          string
	Role        deliberation.Role
	Model       string
	Temperature float64
	MaxTokens   int
}

// Reviewer is a reviewer backed by a chat completion through LiteLLM. Every
// reviewer is the same type; the persona's system prompt sets it apart.
type Reviewer struct {
	cfg     ReviewerConfig
	persona persona.Persona
	llm     Completer
	parser  reviewer.ScoreParser
	now     func() time.Time
}

var _ reviewer.Reviewer = (*Reviewer)(nil)

// NewReviewer creates a Reviewer.
func NewReviewer(cfg ReviewerConfig, p persona.Persona, llm Completer, parser reviewer.ScoreParser) (*Reviewer, error) {
	if cfg.ID == "" {
		return nil, errors.New("reviewer id is required")
	}
	if !cfg.Role.Valid() {
		return nil, fmt.Errorf("reviewer %s: unknown role %q", cfg.ID, cfg.Role)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("reviewer %s: model is required", cfg.ID)
	}
	return &Reviewer{cfg: cfg, persona: p, llm: llm, parser: parser, now: time.Now}, nil
}

// ID returns the configured reviewer identifier.
func (r *Reviewer) ID() string { return r.cfg.ID }

// Role returns the reviewer's role.
func (r *Reviewer) Role() deliberation.Role { return r.cfg.Role }

// Invoke renders the prompt, calls the model and parses the reply.
func (r *Reviewer) Invoke(ctx context.Context, req reviewer.Request) (deliberation.ReviewerResponse, error) {
	prompt, err := BuildPrompt(req)
	if err != nil {
		return deliberation.ReviewerResponse{}, fmt.Errorf("%w: %w", deliberation.ErrReviewerBackend, err)
	}

	resp, err := r.llm.ChatCompletion(ctx, ChatRequest{
		Model: r.cfg.Model,
		Messages: []Message{
			{Role: "system", Content: r.persona.SystemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: r.cfg.Temperature,
		MaxTokens:   r.cfg.MaxTokens,
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return deliberation.ReviewerResponse{}, fmt.Errorf("%w: %s: %w", deliberation.ErrReviewerTimeout, r.cfg.ID, err)
		}
		return deliberation.ReviewerResponse{}, fmt.Errorf("%w: %s: %w", deliberation.ErrReviewerBackend, r.cfg.ID, err)
	}

	raw := strings.TrimSpace(resp.Content())
	out, err := r.parser.Parse(raw)
	if err != nil {
		return deliberation.ReviewerResponse{}, fmt.Errorf("%s: %w", r.cfg.ID, err)
	}
	out.ReviewerID = r.cfg.ID
	out.RoleName = r.persona.RoleName
	out.CreatedAt = r.now()
	return out, nil
}

// BuildPrompt renders the user message for one invocation.
func BuildPrompt(req reviewer.Request) (string, error) {
	var buf bytes.Buffer
	if err := reviewTmpl.Execute(&buf, req); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}
