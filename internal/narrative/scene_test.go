package narrative

import (
	"context"
	"strings"
	"testing"
)

func TestGenerateRootScene(t *testing.T) {
	_, s := testGraph(t)
	putScene(t, s, "0", SceneDocument{Conversations: []Conversation{
		{ID: intp(1), Character: "", Text: "Night falls over the harbor.", Place: "harbor"},
		{ID: intp(2), Character: "A", Text: "We sail at dawn.", Place: "harbor"},
	}})

	out, err := NewSynthesizer(s).Generate(context.Background(), "0", testNS)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	want := strings.Join([]string{
		"bgm:opening.mp3;",
		"changeBg:harbor.png -next;",
		":Night falls over the harbor.;",
		"changeFigure:A.png -next;",
		"A:We sail at dawn. -0.2.wav;",
	}, "\n")
	if out != want {
		t.Fatalf("script mismatch\ngot:\n%s\nwant:\n%s", out, want)
	}
}

func TestGenerateBranchBlock(t *testing.T) {
	_, s := testGraph(t)
	putScene(t, s, "5", SceneDocument{Conversations: []Conversation{
		{Character: "A", Text: "The road forks here."},
	}})
	putChoices(t, s, ChoiceMap{
		"5": {{ID: "6", Text: "go left"}, {ID: "7", Text: "go right"}},
	})

	out, err := NewSynthesizer(s).Generate(context.Background(), "5", testNS)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	wantTail := strings.Join([]string{
		"choose:go left:choice-5-6.txt|go right:choice-5-7.txt|自由行动:label:free;",
		"label:free;",
		"getUserInput:userInput -title=接下来发生什么？ -buttonText=确定;",
		"changeScene:5-{userInput}.txt;",
	}, "\n")
	if !strings.HasSuffix(out, wantTail) {
		t.Fatalf("branch block mismatch\ngot:\n%s\nwant suffix:\n%s", out, wantTail)
	}
	if strings.HasPrefix(out, "bgm:") {
		t.Fatal("non-root scene must not emit the opening music directive")
	}
}

func TestGenerateCompoundKey(t *testing.T) {
	_, s := testGraph(t)
	putScene(t, s, "5", SceneDocument{Conversations: []Conversation{
		{Character: "A", Text: "The road forks here."},
	}})
	putChoices(t, s, ChoiceMap{
		"5":   {{ID: "6", Text: "go left"}},
		"5-9": {{ID: "10", Text: "climb"}},
	})

	// A compound key replays the base scene but with its own choice set.
	out, err := NewSynthesizer(s).Generate(context.Background(), "5-9", testNS)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(out, "A:The road forks here.;") {
		t.Fatalf("base conversations missing:\n%s", out)
	}
	if !strings.Contains(out, "climb:choice-5-10.txt") {
		t.Fatalf("compound key's own choices missing:\n%s", out)
	}
	if strings.Contains(out, "go left") {
		t.Fatalf("base key's choices leaked in:\n%s", out)
	}
}

func TestGenerateNoChoicesNoBranch(t *testing.T) {
	_, s := testGraph(t)
	putScene(t, s, "3", SceneDocument{Conversations: []Conversation{
		{Character: "A", Text: "A dead end."},
	}})

	out, err := NewSynthesizer(s).Generate(context.Background(), "3", testNS)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if strings.Contains(out, "choose:") || strings.Contains(out, "getUserInput") {
		t.Fatalf("unexpected branch directives:\n%s", out)
	}
}

func TestGenerateMissingScene(t *testing.T) {
	_, s := testGraph(t)
	if _, err := NewSynthesizer(s).Generate(context.Background(), "404", testNS); err == nil {
		t.Fatal("expected error for missing story document")
	}
}

func TestGenerateNarratorReturn(t *testing.T) {
	_, s := testGraph(t)
	putScene(t, s, "8", SceneDocument{Conversations: []Conversation{
		{Character: "A", Text: "Listen."},
		{Character: "", Text: "Silence answered."},
	}})

	out, err := NewSynthesizer(s).Generate(context.Background(), "8", testNS)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	// Switching from a named character back to the narrator clears the sprite.
	if !strings.Contains(out, "changeFigure:none -next;") {
		t.Fatalf("expected sprite clear on narrator return:\n%s", out)
	}
}
