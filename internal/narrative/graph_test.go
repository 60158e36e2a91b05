package narrative

import (
	"context"
	"encoding/json"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/hazyhaar/talegate/internal/store"
)

const testNS = "teststory"

func testGraph(t *testing.T) (*Graph, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "content.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewGraph(s, testNS), s
}

func putChoices(t *testing.T, s *store.Store, cm ChoiceMap) {
	t.Helper()
	if err := s.PutJSON(context.Background(), testNS, ChoiceKey, cm, true); err != nil {
		t.Fatalf("writing choice record: %v", err)
	}
}

func putScene(t *testing.T, s *store.Store, key string, doc SceneDocument) {
	t.Helper()
	if err := s.PutJSON(context.Background(), testNS, StoryKey(key), doc, true); err != nil {
		t.Fatalf("writing scene %s: %v", key, err)
	}
}

func intp(n int) *int { return &n }

func TestTraceIDChainRoot(t *testing.T) {
	g, _ := testGraph(t)

	// Root traces trivially for any graph state, including an empty store.
	chain, err := g.TraceIDChain(context.Background(), RootSceneKey)
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	if !reflect.DeepEqual(chain, []string{"0"}) {
		t.Fatalf("chain = %v, want [0]", chain)
	}
}

func TestTraceIDChainWellFormed(t *testing.T) {
	g, s := testGraph(t)
	putChoices(t, s, ChoiceMap{
		"0": {{ID: "1", Text: "go"}},
		"1": {{ID: "2", Text: "deeper"}},
		"2": {{ID: "5", Text: "deeper still"}},
	})

	chain, err := g.TraceIDChain(context.Background(), "5")
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	// Edge chain of length 3 yields 4 keys, ascending numerically, ending
	// in the leaf — the sort order is the contract, not parent-to-root.
	if !reflect.DeepEqual(chain, []string{"0", "1", "2", "5"}) {
		t.Fatalf("chain = %v, want [0 1 2 5]", chain)
	}
}

func TestTraceIDChainSortsNumerically(t *testing.T) {
	g, s := testGraph(t)
	// 10 > 9 numerically but "10" < "9" lexically; the numeric order must win.
	putChoices(t, s, ChoiceMap{
		"0": {{ID: "9", Text: "a"}},
		"9": {{ID: "10", Text: "b"}},
	})

	chain, err := g.TraceIDChain(context.Background(), "10")
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	if !reflect.DeepEqual(chain, []string{"0", "9", "10"}) {
		t.Fatalf("chain = %v, want [0 9 10]", chain)
	}
}

func TestTraceIDChainBroken(t *testing.T) {
	g, s := testGraph(t)
	// 7's parent 3 is reachable from nothing: the walk cannot reach the root.
	putChoices(t, s, ChoiceMap{
		"3": {{ID: "7", Text: "orphaned"}},
	})

	chain, err := g.TraceIDChain(context.Background(), "7")
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	if len(chain) != 0 {
		t.Fatalf("broken chain = %v, want empty", chain)
	}
}

func TestTraceIDChainCycle(t *testing.T) {
	g, s := testGraph(t)
	putChoices(t, s, ChoiceMap{
		"1": {{ID: "2", Text: "a"}},
		"2": {{ID: "1", Text: "b"}},
	})

	chain, err := g.TraceIDChain(context.Background(), "2")
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	if len(chain) != 0 {
		t.Fatalf("cyclic chain = %v, want empty", chain)
	}
}

func TestResolveOrAllocateChoiceID(t *testing.T) {
	g, s := testGraph(t)
	ctx := context.Background()
	putChoices(t, s, ChoiceMap{
		"0": {{ID: "1", Text: "left"}, {ID: "2", Text: "right"}},
		"2": {{ID: "6", Text: "onward"}},
	})

	t.Run("ExistingText", func(t *testing.T) {
		id, err := g.ResolveOrAllocateChoiceID(ctx, "0", "right")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if id != "2" {
			t.Fatalf("id = %q, want 2", id)
		}
	})

	t.Run("AllocatesOnMiss", func(t *testing.T) {
		id, err := g.ResolveOrAllocateChoiceID(ctx, "0", "sneak past")
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		// One past the maximum id across the whole namespace, not the parent.
		if id != "7" {
			t.Fatalf("allocated id = %q, want 7", id)
		}

		// Second identical call resolves the persisted edge, no duplicate.
		again, err := g.ResolveOrAllocateChoiceID(ctx, "0", "sneak past")
		if err != nil {
			t.Fatalf("re-resolve: %v", err)
		}
		if again != id {
			t.Fatalf("second call id = %q, want %q", again, id)
		}
		cm, err := g.Choices(ctx)
		if err != nil {
			t.Fatalf("choices: %v", err)
		}
		if len(cm["0"]) != 3 {
			t.Fatalf("edges under 0 = %d, want 3", len(cm["0"]))
		}
	})

	t.Run("UnknownParent", func(t *testing.T) {
		if _, err := g.ResolveOrAllocateChoiceID(ctx, "42", "anything"); err == nil {
			t.Fatal("expected error for unknown parent")
		}
	})
}

func TestMergeStory(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Graph, *store.Store) {
		g, s := testGraph(t)
		putChoices(t, s, ChoiceMap{
			"0": {{ID: "1", Text: "go"}},
			"1": {{ID: "2", Text: "on"}},
		})
		putScene(t, s, "0", SceneDocument{Conversations: []Conversation{
			{ID: intp(1), Character: "", Text: "It was a dark night.", Place: "forest"},
			{ID: intp(2), Character: "A", Text: "Who goes there?", Place: "forest"},
		}})
		putScene(t, s, "1", SceneDocument{Conversations: []Conversation{
			{ID: intp(1), Character: "A", Text: "Follow me.", Place: "forest"},
			{ID: intp(2), Character: "B", Text: "Fine.", Place: "cave"},
		}})
		return g, s
	}

	t.Run("Merged", func(t *testing.T) {
		g, s := setup(t)
		putScene(t, s, "2", SceneDocument{Conversations: []Conversation{
			{ID: intp(1), Character: "B", Text: "We made it.", Place: "summit"},
		}})

		outcome, err := g.MergeStory(ctx, "2")
		if err != nil {
			t.Fatalf("merge: %v", err)
		}
		if outcome != Merged {
			t.Fatalf("outcome = %v, want Merged", outcome)
		}

		var merged SceneDocument
		if err := s.GetJSON(ctx, testNS, MergeKey("2"), &merged); err != nil {
			t.Fatalf("reading merged doc: %v", err)
		}
		if len(merged.Conversations) != 5 {
			t.Fatalf("merged %d conversations, want 5", len(merged.Conversations))
		}
		lastPlace := ""
		for i, c := range merged.Conversations {
			if c.ID != nil {
				t.Errorf("conversation %d kept its id", i)
			}
			if c.Place != "" && c.Place == lastPlace {
				t.Errorf("conversation %d repeats place %q", i, c.Place)
			}
			if c.Place != "" {
				lastPlace = c.Place
			}
		}
		// forest appears once, at its first occurrence.
		if merged.Conversations[0].Place != "forest" || merged.Conversations[1].Place != "" || merged.Conversations[2].Place != "" {
			t.Errorf("place dedup wrong: %+v", merged.Conversations[:3])
		}

		var places []string
		if err := s.GetJSON(ctx, testNS, MergePlacesKey("2"), &places); err != nil {
			t.Fatalf("reading places: %v", err)
		}
		if !reflect.DeepEqual(places, []string{"summit"}) {
			t.Fatalf("new places = %v, want [summit]", places)
		}
	})

	t.Run("MergedWithoutTarget", func(t *testing.T) {
		g, s := setup(t)

		outcome, err := g.MergeStory(ctx, "2")
		if err != nil {
			t.Fatalf("merge: %v", err)
		}
		if outcome != MergedWithoutTarget {
			t.Fatalf("outcome = %v, want MergedWithoutTarget", outcome)
		}
		var merged SceneDocument
		if err := s.GetJSON(ctx, testNS, MergeKey("2"), &merged); err != nil {
			t.Fatalf("reading merged doc: %v", err)
		}
		if len(merged.Conversations) != 4 {
			t.Fatalf("merged %d conversations, want 4", len(merged.Conversations))
		}
	})

	t.Run("FailsOnMissingChainScene", func(t *testing.T) {
		g, s := testGraph(t)
		putChoices(t, s, ChoiceMap{
			"0": {{ID: "1", Text: "go"}},
			"1": {{ID: "2", Text: "on"}},
		})
		putScene(t, s, "0", SceneDocument{Conversations: []Conversation{
			{Text: "start"},
		}})
		// story/1.json deliberately absent: a non-target hole is fatal.

		outcome, err := g.MergeStory(ctx, "2")
		if err == nil {
			t.Fatal("expected error for missing chain scene")
		}
		if outcome != MergeFailed {
			t.Fatalf("outcome = %v, want MergeFailed", outcome)
		}
	})

	t.Run("FailsOnBrokenChain", func(t *testing.T) {
		g, _ := testGraph(t)
		outcome, err := g.MergeStory(ctx, "99")
		if err == nil {
			t.Fatal("expected error for unreachable target")
		}
		if outcome != MergeFailed {
			t.Fatalf("outcome = %v, want MergeFailed", outcome)
		}
	})
}

func TestTranscript(t *testing.T) {
	got := Transcript([]Conversation{
		{Character: "A", Text: "hello", Place: "forest"},
		{Character: "", Text: "night fell"},
	})
	want := "A：hello[forest]\n旁白：night fell[]\n"
	if got != want {
		t.Fatalf("transcript = %q, want %q", got, want)
	}
}

func TestChoiceEdgeDecoding(t *testing.T) {
	// The propose pipeline writes option text under choice1..choice3.
	raw := `{"5": [{"id":"6","choice1":"go left"},{"id":"7","choice2":"go right"}]}`
	var cm ChoiceMap
	if err := jsonUnmarshal(raw, &cm); err != nil {
		t.Fatalf("decode: %v", err)
	}
	edges := cm["5"]
	if len(edges) != 2 {
		t.Fatalf("edges = %d, want 2", len(edges))
	}
	if edges[0].ID != "6" || edges[0].Text != "go left" {
		t.Errorf("edge 0 = %+v", edges[0])
	}
	if edges[1].ID != "7" || edges[1].Text != "go right" {
		t.Errorf("edge 1 = %+v", edges[1])
	}

	// Numeric ids are normalized to strings.
	var e ChoiceEdge
	if err := jsonUnmarshal(`{"id":3,"text":"run"}`, &e); err != nil {
		t.Fatalf("decode numeric id: %v", err)
	}
	if e.ID != "3" || e.Text != "run" {
		t.Errorf("edge = %+v", e)
	}
}

func jsonUnmarshal(raw string, out any) error {
	return json.Unmarshal([]byte(raw), out)
}
