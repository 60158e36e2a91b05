package narrative

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/hazyhaar/talegate/internal/store"
)

// Script directives understood by the game runtime.
const (
	openingDirective = "bgm:opening.mp3;"
	manualOptionText = "自由行动"
	manualLabel      = "free"
	inputPrompt      = "getUserInput:userInput -title=接下来发生什么？ -buttonText=确定;"
)

// Synthesizer renders stored scene documents into the runtime's scripted
// scene format.
type Synthesizer struct {
	store *store.Store
}

func NewSynthesizer(s *store.Store) *Synthesizer {
	return &Synthesizer{store: s}
}

// Generate renders sceneKey's script. The conversations always come from the
// key's base scene document — that document must exist, callers pre-check —
// while the branch block is looked up under the full key, so a compound key
// replays its base scene with its own choice set. Beyond the two reads the
// function is pure in its inputs.
func (g *Synthesizer) Generate(ctx context.Context, sceneKey, namespace string) (string, error) {
	base := BaseID(sceneKey)

	var doc SceneDocument
	if err := g.store.GetJSON(ctx, namespace, StoryKey(base), &doc); err != nil {
		return "", fmt.Errorf("scene %s: %w", sceneKey, err)
	}

	var cm ChoiceMap
	if err := g.store.GetJSON(ctx, namespace, ChoiceKey, &cm); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("no choice record for namespace", "namespace", namespace)
		} else {
			slog.Warn("reading choice record failed", "namespace", namespace, "error", err)
		}
		cm = ChoiceMap{}
	}

	var lines []string
	if base == RootSceneKey {
		lines = append(lines, openingDirective)
	}

	prevPlace := ""
	prevChar := ""
	for _, c := range doc.Conversations {
		if c.Place != "" && c.Place != prevPlace {
			lines = append(lines, fmt.Sprintf("changeBg:%s.png -next;", url.PathEscape(c.Place)))
			prevPlace = c.Place
		}
		if c.Character != prevChar {
			figure := "none"
			if c.Character != "" {
				figure = url.PathEscape(c.Character) + ".png"
			}
			lines = append(lines, fmt.Sprintf("changeFigure:%s -next;", figure))
			prevChar = c.Character
		}
		line := c.Character + ":" + c.Text
		if c.Character != "" && c.ID != nil {
			line += fmt.Sprintf(" -%s.%d.wav", base, *c.ID)
		}
		lines = append(lines, line+";")
	}

	// Branch block keys off the full scene key: compound keys carry their
	// own independently addressable choice sets.
	if edges := cm[sceneKey]; len(edges) > 0 {
		opts := make([]string, 0, len(edges)+1)
		for _, e := range edges {
			opts = append(opts, fmt.Sprintf("%s:choice-%s-%s.txt", e.Text, base, e.ID))
		}
		opts = append(opts, manualOptionText+":label:"+manualLabel)
		lines = append(lines,
			"choose:"+strings.Join(opts, "|")+";",
			"label:"+manualLabel+";",
			inputPrompt,
			fmt.Sprintf("changeScene:%s-{userInput}.txt;", base),
		)
	}

	return strings.Join(lines, "\n"), nil
}
