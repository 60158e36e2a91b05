package narrative

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/hazyhaar/talegate/internal/llm"
	"github.com/hazyhaar/talegate/internal/store"
)

// GiveUpSentinel is what the model emits when it cannot produce options.
const GiveUpSentinel = "GIVE_UP"

// ErrProposalGaveUp means the model explicitly declined; terminal, no retry.
var ErrProposalGaveUp = errors.New("choice proposal gave up")

const defaultProposalAttempts = 5

const proposalSystemPrompt = `You write branching options for an interactive story.
Given the story so far, propose exactly three distinct actions the player could take next.
Return ONLY a JSON object with the keys choice1, choice2, choice3, each a short action phrase.
If the story offers no meaningful continuation, return the single word ` + GiveUpSentinel + `.`

// Proposer drives the text-generation service to produce a scene's choice
// set and persists it as the scene's outgoing edges.
type Proposer struct {
	Graph    *Graph
	Client   *llm.Client
	Attempts int // completion attempts before giving up; 0 = default
}

// Propose asks the model for three options for targetKey, retrying until the
// reply parses as exactly three option fields or the model gives up. On
// success three sequential ids are allocated — floored by the highest edge id
// in the namespace and by targetKey's own numeric value — and the edge set is
// persisted under targetKey.
func (p *Proposer) Propose(ctx context.Context, targetKey string) ([]ChoiceEdge, error) {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = defaultProposalAttempts
	}

	prompt, err := p.contextPrompt(ctx, targetKey)
	if err != nil {
		return nil, err
	}

	var texts []string
	var lastErr error
	for i := 0; i < attempts; i++ {
		resp, err := p.Client.Complete(ctx, llm.Request{
			Messages: []llm.Message{
				{Role: "system", Content: proposalSystemPrompt},
				{Role: "user", Content: prompt},
			},
			Temperature: 0.8,
			MaxTokens:   512,
		})
		if err != nil {
			lastErr = err
			continue
		}
		content := stripFences(resp.Content)
		if strings.Contains(content, GiveUpSentinel) {
			return nil, fmt.Errorf("%w: scene %s", ErrProposalGaveUp, targetKey)
		}
		texts, lastErr = parseProposal(content)
		if lastErr == nil {
			break
		}
		slog.Warn("unparseable choice proposal, retrying",
			"scene", targetKey, "attempt", i+1, "error", lastErr)
	}
	if texts == nil {
		return nil, fmt.Errorf("proposing choices for %s: %w", targetKey, lastErr)
	}

	cm, err := p.Graph.Choices(ctx)
	if err != nil {
		return nil, err
	}
	floor := maxEdgeID(cm)
	if n, err := strconv.ParseInt(targetKey, 10, 64); err == nil && n > floor {
		floor = n
	}

	edges := make([]ChoiceEdge, len(texts))
	for i, t := range texts {
		edges[i] = ChoiceEdge{ID: strconv.FormatInt(floor+int64(i)+1, 10), Text: t}
	}
	cm[targetKey] = edges
	if err := p.Graph.saveChoices(ctx, cm); err != nil {
		return nil, err
	}
	return edges, nil
}

// contextPrompt feeds the model the merged transcript when one exists.
func (p *Proposer) contextPrompt(ctx context.Context, targetKey string) (string, error) {
	v, err := p.Graph.store.Get(ctx, p.Graph.namespace, MergeTextKey(targetKey))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "Scene " + targetKey + " (no transcript yet). Propose opening options.", nil
		}
		return "", err
	}
	return v.Text(), nil
}

// parseProposal requires a JSON object holding exactly the three option
// fields, every one of them a non-empty string.
func parseProposal(content string) ([]string, error) {
	var obj map[string]string
	if err := json.Unmarshal([]byte(content), &obj); err != nil {
		return nil, err
	}
	if len(obj) != 3 {
		return nil, fmt.Errorf("expected 3 option fields, got %d", len(obj))
	}
	texts := make([]string, 3)
	for i := 0; i < 3; i++ {
		t, ok := obj["choice"+strconv.Itoa(i+1)]
		if !ok || t == "" {
			return nil, fmt.Errorf("missing option field choice%d", i+1)
		}
		texts[i] = t
	}
	return texts, nil
}

// stripFences removes a surrounding markdown code fence from model output.
func stripFences(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	var cleaned []string
	for _, l := range strings.Split(content, "\n") {
		if strings.HasPrefix(l, "```") {
			continue
		}
		cleaned = append(cleaned, l)
	}
	return strings.Join(cleaned, "\n")
}
