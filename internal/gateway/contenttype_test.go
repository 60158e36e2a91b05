package gateway

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/hazyhaar/talegate/internal/store"
)

func TestResolveContent(t *testing.T) {
	cases := []struct {
		name     string
		value    store.Value
		path     string
		wantMIME string
		wantBody string
	}{
		{
			"PlainText",
			store.NewText("hello"),
			"/game/scene/1.txt",
			"text/plain; charset=utf-8", "hello",
		},
		{
			"TextKeepsExtensionGuess",
			store.NewText(`{"a":1}`),
			"/data/ns/thing.json",
			"application/json", `{"a":1}`,
		},
		{
			"DataURIText",
			store.NewText("data:text/css,body%20%7B%7D"),
			"/game/style.css",
			"text/css", "body {}",
		},
		{
			"DataURIBase64",
			store.NewText("data:image/png;base64,aGk="),
			"/game/background/x.png",
			"image/png", "hi",
		},
		{
			"DataURINoType",
			store.NewText("data:,plain"),
			"/x",
			"text/plain; charset=utf-8", "plain",
		},
		{
			"BlobDeclaredType",
			store.NewBlob("audio/wav", []byte{1, 2}),
			"/game/vocal/0.1.wav",
			"audio/wav", "\x01\x02",
		},
		{
			"BlobGuessedType",
			store.NewBlob("", []byte{1}),
			"/game/bgm/opening.mp3",
			"audio/mpeg", "\x01",
		},
		{
			"BytesGuessed",
			store.NewBytes([]byte{9}),
			"/game/figure/a.png",
			"image/png", "\x09",
		},
		{
			"BytesUnknownExtension",
			store.NewBytes([]byte{9}),
			"/game/thing.bin",
			"application/octet-stream", "\x09",
		},
		{
			"Null",
			store.Null,
			"/x",
			"text/plain; charset=utf-8", "",
		},
		{
			"JSONObject",
			store.NewJSON([]byte("{\n  \"a\": 1\n}")),
			"/data/ns/k",
			"application/json", `{"a":1}`,
		},
		{
			"JSONPrimitiveNumber",
			store.NewJSON([]byte("42")),
			"/data/ns/k",
			"text/plain; charset=utf-8", "42",
		},
		{
			"JSONPrimitiveString",
			store.NewJSON([]byte(`"ready"`)),
			"/data/ns/status.txt",
			"text/plain; charset=utf-8", "ready",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mime, body, err := ResolveContent(tc.value, tc.path)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if mime != tc.wantMIME {
				t.Errorf("mime = %q, want %q", mime, tc.wantMIME)
			}
			if string(body) != tc.wantBody {
				t.Errorf("body = %q, want %q", body, tc.wantBody)
			}
		})
	}
}

// A structured record written then read back re-serializes to exactly the
// bytes a direct marshal of the in-memory record produces.
func TestResolveContentJSONRoundTrip(t *testing.T) {
	rec := map[string]any{"title": "night voyage", "count": 3, "tags": []string{"a", "b"}}
	direct, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}

	// Stored form may carry whitespace; compaction must erase the difference.
	pretty, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	mime, body, err := ResolveContent(store.NewJSON(pretty), "/data/ns/rec")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if mime != "application/json" {
		t.Fatalf("mime = %q", mime)
	}
	if !bytes.Equal(body, direct) {
		t.Fatalf("round trip diverged\ngot:  %s\nwant: %s", body, direct)
	}
}

func TestResolveContentMalformedDataURI(t *testing.T) {
	if _, _, err := ResolveContent(store.NewText("data:no-comma"), "/x"); err == nil {
		t.Fatal("expected error for data URI without payload separator")
	}
}
