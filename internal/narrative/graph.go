package narrative

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/hazyhaar/talegate/internal/store"
)

// ErrUnknownParent means a choice id was requested under a parent that has no
// edges at all; there is no floor to allocate against.
var ErrUnknownParent = errors.New("unknown parent scene, cannot allocate choice id")

// Graph resolves and mutates the branching-choice graph of one namespace.
type Graph struct {
	store     *store.Store
	namespace string
}

func NewGraph(s *store.Store, namespace string) *Graph {
	return &Graph{store: s, namespace: namespace}
}

// Choices loads the namespace's full choice record. A record that was never
// written reads as an empty map.
func (g *Graph) Choices(ctx context.Context) (ChoiceMap, error) {
	var cm ChoiceMap
	if err := g.store.GetJSON(ctx, g.namespace, ChoiceKey, &cm); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ChoiceMap{}, nil
		}
		return nil, err
	}
	if cm == nil {
		cm = ChoiceMap{}
	}
	return cm, nil
}

func (g *Graph) saveChoices(ctx context.Context, cm ChoiceMap) error {
	return g.store.PutJSON(ctx, g.namespace, ChoiceKey, cm, true)
}

// TraceIDChain walks parent links from leaf back to the root scene "0" and
// returns every key on the way, sorted ascending by numeric value. Scene ids
// grow with narrative progress and merge ordering depends on exactly this
// sort. A broken or cyclic parent link yields an empty chain, not an error.
func (g *Graph) TraceIDChain(ctx context.Context, leaf string) ([]string, error) {
	if leaf == RootSceneKey {
		return []string{RootSceneKey}, nil
	}

	cm, err := g.Choices(ctx)
	if err != nil {
		return nil, err
	}

	chain := []string{leaf}
	current := leaf
	// One hop per parent key is the longest possible honest chain; anything
	// past that is a cycle.
	for hop := 0; hop <= len(cm); hop++ {
		parent, ok := g.findParent(cm, current)
		if !ok {
			return nil, nil
		}
		chain = append(chain, parent)
		if parent == RootSceneKey {
			sortSceneKeys(chain)
			return chain, nil
		}
		current = parent
	}
	slog.Warn("choice graph parent links do not terminate", "leaf", leaf)
	return nil, nil
}

// findParent scans every edge under every parent key for one targeting id.
// Parents are scanned in sorted order so a duplicate target always resolves
// the same way: the first writer wins, the rest are logged as inconsistent.
func (g *Graph) findParent(cm ChoiceMap, id string) (string, bool) {
	parents := make([]string, 0, len(cm))
	for p := range cm {
		parents = append(parents, p)
	}
	sort.Strings(parents)

	found := ""
	for _, p := range parents {
		for _, e := range cm[p] {
			if e.ID != id {
				continue
			}
			if found != "" {
				slog.Warn("duplicate choice edge target", "target", id, "kept", found, "ignored", p)
				continue
			}
			found = p
		}
	}
	return found, found != ""
}

// sortSceneKeys orders keys ascending by numeric value; compound keys sort by
// their numeric base, ties broken on the full key.
func sortSceneKeys(keys []string) {
	sort.SliceStable(keys, func(i, j int) bool {
		a, b := sceneKeyNum(keys[i]), sceneKeyNum(keys[j])
		if a != b {
			return a < b
		}
		return keys[i] < keys[j]
	})
}

func sceneKeyNum(key string) int64 {
	n, err := strconv.ParseInt(BaseID(key), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// MergeOutcome reports how a merge ended.
type MergeOutcome int

const (
	MergeFailed MergeOutcome = iota
	Merged
	MergedWithoutTarget
)

func (o MergeOutcome) String() string {
	switch o {
	case Merged:
		return "merged"
	case MergedWithoutTarget:
		return "merged_without_target"
	}
	return "failed"
}

// MergeStory concatenates every scene document along the target's chain into
// one flat document. Scene-local conversation ids are stripped; a place equal
// to the previously emitted one is cleared so playback does not repeat the
// scene change. Every chain scene before the target must exist; the target's
// own document is optional and its absence downgrades the outcome rather
// than failing the merge. Results are persisted as a structured document, a
// plain-text transcript and a side-list of places the target introduced.
func (g *Graph) MergeStory(ctx context.Context, target string) (MergeOutcome, error) {
	chain, err := g.TraceIDChain(ctx, target)
	if err != nil {
		return MergeFailed, err
	}
	if len(chain) == 0 {
		return MergeFailed, fmt.Errorf("merge %s: chain does not reach root", target)
	}

	var merged []Conversation
	seenPlaces := map[string]bool{}
	outcome := Merged
	var newPlaces []string

	for _, key := range chain {
		var doc SceneDocument
		err := g.store.GetJSON(ctx, g.namespace, StoryKey(key), &doc)
		if err != nil {
			if key == target && errors.Is(err, store.ErrNotFound) {
				outcome = MergedWithoutTarget
				continue
			}
			if errors.Is(err, store.ErrNotFound) {
				return MergeFailed, fmt.Errorf("merge %s: scene %s has no story document", target, key)
			}
			return MergeFailed, err
		}
		for _, c := range doc.Conversations {
			if key == target && c.Place != "" && !seenPlaces[c.Place] {
				newPlaces = append(newPlaces, c.Place)
			}
			if c.Place != "" {
				seenPlaces[c.Place] = true
			}
			c.ID = nil
			merged = append(merged, c)
		}
	}

	dedupePlaces(merged)

	if err := g.store.PutJSON(ctx, g.namespace, MergeKey(target), SceneDocument{Conversations: merged}, true); err != nil {
		return MergeFailed, err
	}
	if err := g.store.Put(ctx, g.namespace, MergeTextKey(target), store.NewText(Transcript(merged)), true); err != nil {
		return MergeFailed, err
	}
	if outcome == Merged {
		if newPlaces == nil {
			newPlaces = []string{}
		}
		if err := g.store.PutJSON(ctx, g.namespace, MergePlacesKey(target), newPlaces, true); err != nil {
			return MergeFailed, err
		}
	}
	return outcome, nil
}

// dedupePlaces clears any place equal to the previously emitted one, in
// place. Clearing does not advance the tracked place, so A,A,A collapses to
// one occurrence and the pass is idempotent.
func dedupePlaces(convs []Conversation) {
	last := ""
	for i := range convs {
		if convs[i].Place == "" {
			continue
		}
		if convs[i].Place == last {
			convs[i].Place = ""
			continue
		}
		last = convs[i].Place
	}
}

// Transcript renders conversations as the flat text form consumed by the
// generation pipeline, one line per conversation.
func Transcript(convs []Conversation) string {
	var b strings.Builder
	for _, c := range convs {
		name := c.Character
		if name == "" {
			name = "旁白"
		}
		fmt.Fprintf(&b, "%s：%s[%s]\n", name, c.Text, c.Place)
	}
	return b.String()
}

// ResolveOrAllocateChoiceID returns the id of the edge under parent whose
// option text matches, allocating and persisting a new edge when no text
// matches. The allocation side effect is the point: requesting a previously
// unseen option text mints the id the rest of the flow navigates by. A parent
// with no edges at all cannot allocate.
func (g *Graph) ResolveOrAllocateChoiceID(ctx context.Context, parent, text string) (string, error) {
	cm, err := g.Choices(ctx)
	if err != nil {
		return "", err
	}
	edges, ok := cm[parent]
	if !ok || len(edges) == 0 {
		return "", fmt.Errorf("%w: %s", ErrUnknownParent, parent)
	}
	for _, e := range edges {
		if e.Text == text {
			return e.ID, nil
		}
	}

	id := strconv.FormatInt(maxEdgeID(cm)+1, 10)
	cm[parent] = append(edges, ChoiceEdge{ID: id, Text: text})
	if err := g.saveChoices(ctx, cm); err != nil {
		return "", err
	}
	slog.Info("allocated choice id", "namespace", g.namespace, "parent", parent, "id", id)
	return id, nil
}

// maxEdgeID is the highest numeric edge id across the whole namespace.
func maxEdgeID(cm ChoiceMap) int64 {
	var max int64
	for _, edges := range cm {
		for _, e := range edges {
			if n, err := strconv.ParseInt(e.ID, 10, 64); err == nil && n > max {
				max = n
			}
		}
	}
	return max
}
