// Package narrative owns the branching-story data model: scene documents,
// the choice graph stored in choice.json, chain tracing and merging, and the
// scripted-scene synthesizer consumed by the game runtime.
package narrative

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Well-known store keys shared between the gateway and the external
// generation pipeline.
const (
	RootSceneKey = "0"

	ChoiceKey   = "choice.json"
	ContinueKey = "continue"
	StatusKey   = "status"

	SystemNamespace = "system"
	TitleKey        = "title"
)

// StoryKey is the store key holding one scene's document.
func StoryKey(sceneKey string) string { return "story/" + sceneKey + ".json" }

// MergeKey / MergeTextKey / MergePlacesKey hold a merge result: the
// structured document, the flattened transcript, and the side-list of places
// first introduced by the target scene.
func MergeKey(target string) string       { return "merge/" + target + ".json" }
func MergeTextKey(target string) string   { return "merge/" + target + ".txt" }
func MergePlacesKey(target string) string { return "merge/" + target + ".places.json" }

// BaseID returns the portion of a scene key before its first hyphen, or the
// whole key when there is none.
func BaseID(sceneKey string) string {
	if i := strings.IndexByte(sceneKey, '-'); i >= 0 {
		return sceneKey[:i]
	}
	return sceneKey
}

// Conversation is one playback line. ID is a 1-based sequence number local to
// its scene; it addresses the line's voice file and is stripped on merge.
type Conversation struct {
	ID        *int   `json:"id,omitempty"`
	Character string `json:"character,omitempty"`
	Text      string `json:"text"`
	Place     string `json:"place,omitempty"`
}

// SceneDocument is the stored form of one scene, at story/{sceneKey}.json.
// Conversation order is playback order.
type SceneDocument struct {
	Conversations []Conversation `json:"conversations"`
}

// ChoiceEdge is one option leading away from a parent scene. The propose
// pipeline writes its option text under choice1/choice2/choice3, manual
// allocation writes it under text; decoding accepts any single non-id string
// field, encoding always writes id + text.
type ChoiceEdge struct {
	ID   string
	Text string
}

func (e ChoiceEdge) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	}{e.ID, e.Text})
}

func (e *ChoiceEdge) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch id := raw["id"].(type) {
	case string:
		e.ID = id
	case float64:
		e.ID = strconv.FormatInt(int64(id), 10)
	default:
		return fmt.Errorf("choice edge missing id: %s", data)
	}

	// Deterministic pick when several text-bearing fields are present:
	// "text" wins, otherwise the lexically smallest key.
	keys := make([]string, 0, len(raw))
	for k := range raw {
		if k == "id" {
			continue
		}
		if _, ok := raw[k].(string); ok {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("choice edge has no option text: %s", data)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "text" {
			e.Text = raw[k].(string)
			return nil
		}
	}
	e.Text = raw[keys[0]].(string)
	return nil
}

// ChoiceMap is the whole namespace's choice record: parent scene key to its
// ordered outgoing edges. Stored as a single choice.json entry.
type ChoiceMap map[string][]ChoiceEdge
