// Package gateway turns the content store into a virtual asset server for
// the game runtime: it routes virtual paths to store entries, synthesizes
// scene scripts, bridges missing scenes to the out-of-band generation
// pipeline via a polling protocol, and falls back to the network for media
// the store does not hold.
package gateway

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/hazyhaar/talegate/internal/narrative"
	"github.com/hazyhaar/talegate/internal/store"
	"github.com/hazyhaar/talegate/pkg/audit"
)

// ErrTitleMissing means the active-title marker was never written; nothing
// namespace-scoped can be served without it.
var ErrTitleMissing = errors.New("title configuration missing")

// Options configures the gateway surface.
type Options struct {
	AssetRoot string        // first path segment for runtime assets, default "game"
	Upstream  string        // base URL for network fallback; empty disables it
	PollDelay time.Duration // fixed delay applied to each status poll
}

// Gateway owns all per-instance state the interception layer needs: the
// store handle, the cached active title, and the synthesizer. Restarting the
// layer means constructing a new Gateway, which resets every cache.
type Gateway struct {
	store  *store.Store
	synth  *narrative.Synthesizer
	logger audit.Logger
	http   *http.Client
	opts   Options

	mu    sync.Mutex
	title string // cached active namespace, "" = not yet read
}

func New(s *store.Store, logger audit.Logger, opts Options) *Gateway {
	if opts.AssetRoot == "" {
		opts.AssetRoot = "game"
	}
	if opts.PollDelay == 0 {
		opts.PollDelay = 2 * time.Second
	}
	return &Gateway{
		store:  s,
		synth:  narrative.NewSynthesizer(s),
		logger: logger,
		http:   &http.Client{Timeout: 30 * time.Second},
		opts:   opts,
	}
}

func (g *Gateway) RegisterRoutes(mux *http.ServeMux) {
	root := g.opts.AssetRoot
	wrap := func(action string, h http.HandlerFunc) http.HandlerFunc {
		return audit.Middleware(g.logger, action, h)
	}

	mux.HandleFunc("GET /"+root+"/vocal/{file}", wrap("asset_vocal", g.handleVocal))
	mux.HandleFunc("GET /"+root+"/figure/{name}", wrap("asset_figure", g.mediaHandler("images/")))
	mux.HandleFunc("GET /"+root+"/background/{name}", wrap("asset_background", g.mediaHandler("images/")))
	mux.HandleFunc("GET /"+root+"/bgm/{name}", wrap("asset_bgm", g.mediaHandler("music/")))
	mux.HandleFunc("GET /"+root+"/scene/{file}", wrap("scene", g.handleScene))
	mux.HandleFunc("GET /"+root+"/config.txt", wrap("game_config", g.handleGameConfig))
	mux.HandleFunc("GET /read/{namespace}/{key...}", wrap("read", g.handleRead))
	mux.HandleFunc("GET /data/", wrap("data_get", g.handleDataGet))
	mux.HandleFunc("PUT /data/", wrap("data_put", g.handleDataPut))
}

// Title returns the active namespace, read once from the title marker and
// cached for the gateway's lifetime.
func (g *Gateway) Title(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.title != "" {
		return g.title, nil
	}
	v, err := g.store.Get(ctx, narrative.SystemNamespace, narrative.TitleKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrTitleMissing
		}
		return "", err
	}
	title := strings.TrimSpace(v.Text())
	if title == "" {
		return "", ErrTitleMissing
	}
	g.title = title
	return title, nil
}

// --- Media assets (store-miss-then-network-fallback) ---

func (g *Gateway) handleVocal(w http.ResponseWriter, r *http.Request) {
	file := r.PathValue("file") // {sceneId}.{lineId}.wav
	trimmed := strings.TrimSuffix(file, ".wav")
	sceneID, lineID, ok := strings.Cut(trimmed, ".")
	if !ok || sceneID == "" || lineID == "" {
		textError(w, "malformed vocal path: "+file, http.StatusBadRequest)
		return
	}
	g.serveStored(w, r, fmt.Sprintf("audio/%s/%s.wav", sceneID, lineID), true)
}

func (g *Gateway) mediaHandler(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.serveStored(w, r, prefix+r.PathValue("name"), true)
	}
}

// serveStored serves (active namespace, key), optionally falling back to the
// upstream network when the store misses.
func (g *Gateway) serveStored(w http.ResponseWriter, r *http.Request, key string, fallback bool) {
	ns, err := g.Title(r.Context())
	if err != nil {
		g.writeError(w, r.URL.Path, err)
		return
	}
	v, err := g.store.Get(r.Context(), ns, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) && fallback {
			g.fallbackFetch(w, r)
			return
		}
		g.writeError(w, r.URL.Path, err)
		return
	}
	g.serveValue(w, r.URL.Path, v)
}

func (g *Gateway) serveValue(w http.ResponseWriter, virtualPath string, v store.Value) {
	mime, body, err := ResolveContent(v, virtualPath)
	if err != nil {
		g.writeError(w, virtualPath, err)
		return
	}
	w.Header().Set("Content-Type", mime)
	w.Write(body)
}

func (g *Gateway) fallbackFetch(w http.ResponseWriter, r *http.Request) {
	if g.opts.Upstream == "" {
		textError(w, "not found", http.StatusNotFound)
		return
	}
	req, err := http.NewRequestWithContext(r.Context(), "GET", g.opts.Upstream+r.URL.Path, nil)
	if err != nil {
		g.writeError(w, r.URL.Path, err)
		return
	}
	resp, err := g.http.Do(req)
	if err != nil {
		slog.Warn("network fallback failed", "path", r.URL.Path, "error", err)
		textError(w, "upstream fetch failed, transient network condition", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		textError(w, "upstream fetch failed, transient network condition", http.StatusBadGateway)
		return
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	io.Copy(w, resp.Body)
}

// --- Scenes ---

func (g *Gateway) handleScene(w http.ResponseWriter, r *http.Request) {
	file := r.PathValue("file")
	switch {
	case file == "start.txt":
		g.serveSceneKey(w, r, narrative.RootSceneKey)
	case strings.HasPrefix(file, "read-status-"):
		key := strings.TrimSuffix(strings.TrimPrefix(file, "read-status-"), ".txt")
		g.handleReadStatus(w, r, key)
	case strings.HasPrefix(file, "choice-"):
		// Pure redirect, no store access.
		target := strings.TrimPrefix(file, "choice-")
		writeScript(w, "changeScene:"+target+";")
	default:
		g.serveSceneKey(w, r, strings.TrimSuffix(file, ".txt"))
	}
}

func (g *Gateway) serveSceneKey(w http.ResponseWriter, r *http.Request, key string) {
	ctx := r.Context()
	ns, err := g.Title(ctx)
	if err != nil {
		g.writeError(w, r.URL.Path, err)
		return
	}

	base := narrative.BaseID(key)
	ok, err := g.store.Exists(ctx, ns, narrative.StoryKey(base))
	if err != nil {
		g.writeError(w, r.URL.Path, err)
		return
	}
	if !ok {
		g.requestGeneration(w, r, ns, key)
		return
	}

	script, err := g.synth.Generate(ctx, key, ns)
	if err != nil {
		// The pre-check passed, so this read should not have failed.
		slog.Error("story data inconsistency", "namespace", ns, "scene", key, "error", err)
		textError(w, "story data inconsistent for scene "+key, http.StatusInternalServerError)
		return
	}
	writeScript(w, script)
}

// requestGeneration records the scene key in the continue marker for the
// external pipeline and answers with the polling placeholder. Re-requests
// before the pipeline finishes rewrite the same marker value, so the
// operation is idempotent and never re-triggers a running job. A compound
// key whose suffix is free text first mints a choice id for it, so the
// pipeline always sees id-addressed keys.
func (g *Gateway) requestGeneration(w http.ResponseWriter, r *http.Request, ns, key string) {
	ctx := r.Context()
	requestKey := key
	base := narrative.BaseID(key)
	if suffix := strings.TrimPrefix(key, base+"-"); suffix != key && suffix != "" {
		if _, err := strconv.Atoi(suffix); err != nil {
			graph := narrative.NewGraph(g.store, ns)
			id, allocErr := graph.ResolveOrAllocateChoiceID(ctx, base, suffix)
			if allocErr != nil {
				slog.Warn("choice allocation for free input failed",
					"scene", key, "error", allocErr)
			} else {
				requestKey = base + "-" + id
			}
		}
	}

	if err := g.store.Put(ctx, ns, narrative.ContinueKey, store.NewText(requestKey), true); err != nil {
		g.writeError(w, r.URL.Path, err)
		return
	}
	slog.Info("scene generation requested", "namespace", ns, "scene", requestKey)
	writeScript(w,
		":正在生成后续剧情，请稍候…;\n"+
			"changeScene:read-status-"+requestKey+".txt;")
}

// handleReadStatus is the polling half of the generation protocol. The fixed
// delay up front rate-limits clients that hammer the shared status marker; a
// poll racing a marker write just sees stale state and re-polls.
func (g *Gateway) handleReadStatus(w http.ResponseWriter, r *http.Request, key string) {
	select {
	case <-time.After(g.opts.PollDelay):
	case <-r.Context().Done():
		return
	}

	ns, err := g.Title(r.Context())
	if err != nil {
		g.writeError(w, r.URL.Path, err)
		return
	}

	raw := ""
	if v, err := g.store.Get(r.Context(), ns, narrative.StatusKey); err == nil {
		raw = v.Text()
	} else if !errors.Is(err, store.ErrNotFound) {
		g.writeError(w, r.URL.Path, err)
		return
	}

	status, err := narrative.ParseStatus(raw)
	if err != nil {
		g.writeError(w, r.URL.Path, err)
		return
	}

	repoll := "changeScene:read-status-" + key + ".txt;"
	switch status.Kind {
	case narrative.StatusTextFail:
		writeScript(w, ":剧情生成失败了，请重新开始。;\nend;")
	case narrative.StatusTextSuccess:
		writeScript(w, ":文字已生成，正在绘制画面…;\n"+repoll)
	case narrative.StatusEnd:
		writeScript(w, "changeScene:"+status.FinalID+".txt;")
	default:
		writeScript(w, ":生成中，请稍候…;\n"+repoll)
	}
}

// --- Game config ---

// handleGameConfig derives the fixed-format runtime configuration from the
// title marker, including a deterministic short hash of the title as the
// game key.
func (g *Gateway) handleGameConfig(w http.ResponseWriter, r *http.Request) {
	title, err := g.Title(r.Context())
	if err != nil {
		g.writeError(w, r.URL.Path, err)
		return
	}
	sum := blake2b.Sum256([]byte(title))
	gameKey := hex.EncodeToString(sum[:8])

	writeScript(w, strings.Join([]string{
		"Game_name:" + title + ";",
		"Game_key:" + gameKey + ";",
		"Title_img:title.png;",
		"Title_bgm:opening.mp3;",
	}, "\n"))
}

// --- Generic store access ---

func (g *Gateway) handleRead(w http.ResponseWriter, r *http.Request) {
	ns := r.PathValue("namespace")
	key := r.PathValue("key")
	if ns == "" || key == "" {
		textError(w, "namespace and key are required", http.StatusBadRequest)
		return
	}
	v, err := g.store.Get(r.Context(), ns, key)
	if err != nil {
		g.writeError(w, r.URL.Path, err)
		return
	}
	g.serveValue(w, r.URL.Path, v)
}

func (g *Gateway) handleDataGet(w http.ResponseWriter, r *http.Request) {
	ns, key, err := ParseDataPath(r.URL.Path)
	if err != nil {
		g.writeError(w, r.URL.Path, err)
		return
	}
	if key == "" {
		textError(w, "key is required", http.StatusBadRequest)
		return
	}
	v, err := g.store.Get(r.Context(), ns, key)
	if err != nil {
		g.writeError(w, r.URL.Path, err)
		return
	}
	g.serveValue(w, r.URL.Path, v)
}

func (g *Gateway) handleDataPut(w http.ResponseWriter, r *http.Request) {
	ns, key, err := ParseDataPath(r.URL.Path)
	if err != nil {
		g.writeError(w, r.URL.Path, err)
		return
	}
	if key == "" {
		textError(w, "key is required", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 32<<20))
	if err != nil {
		textError(w, "reading request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	var v store.Value
	ct := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "application/json"):
		v = store.NewJSON(body)
	case strings.HasPrefix(ct, "text/") || ct == "":
		v = store.NewText(string(body))
	default:
		v = store.NewBlob(ct, body)
	}

	if err := g.store.Put(r.Context(), ns, key, v, true); err != nil {
		g.writeError(w, r.URL.Path, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Error mapping ---

// writeError maps the error taxonomy onto user-visible responses. Blocked
// databases and network failures get distinct actionable messages; anything
// unexpected is wrapped with the offending path.
func (g *Gateway) writeError(w http.ResponseWriter, path string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		textError(w, "not found: "+path, http.StatusNotFound)
	case errors.Is(err, store.ErrBlocked):
		textError(w, "storage is blocked by another session, close other sessions and retry", http.StatusServiceUnavailable)
	case errors.Is(err, ErrInvalidPath):
		textError(w, err.Error(), http.StatusBadRequest)
	case isDecodeError(err):
		textError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrTitleMissing):
		textError(w, "no active title configured", http.StatusServiceUnavailable)
	default:
		slog.Error("request failed", "path", path, "error", err)
		textError(w, fmt.Sprintf("internal error handling %s: %v", path, err), http.StatusInternalServerError)
	}
}

func isDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

func writeScript(w http.ResponseWriter, script string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, script)
}

func textError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, msg)
}
