package gateway

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/hazyhaar/talegate/internal/store"
)

const octetStream = "application/octet-stream"

// extTypes is the fixed extension-to-MIME table. Anything unlisted serves as
// opaque binary.
var extTypes = map[string]string{
	".json": "application/json",
	".txt":  "text/plain; charset=utf-8",
	".html": "text/html; charset=utf-8",
	".css":  "text/css",
	".js":   "text/javascript",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".zip":  "application/zip",
	".gz":   "application/gzip",
}

func guessByExt(p string) string {
	if t, ok := extTypes[strings.ToLower(path.Ext(p))]; ok {
		return t
	}
	return octetStream
}

// ResolveContent shapes a stored value into (MIME type, response body) for
// the original virtual path. Precedence: data-URI text, typed blob, raw
// bytes, absence marker, structured record, then primitive coercion —
// primitives are never served as opaque binary.
func ResolveContent(v store.Value, virtualPath string) (string, []byte, error) {
	switch v.Kind {
	case store.KindText:
		if strings.HasPrefix(v.Text(), "data:") {
			return decodeDataURI(v.Text())
		}
		return coercePrimitive(v.Text(), virtualPath), v.Data, nil

	case store.KindBlob:
		mime := v.MIME
		if mime == "" {
			mime = guessByExt(virtualPath)
		}
		return mime, v.Data, nil

	case store.KindBytes:
		return guessByExt(virtualPath), v.Data, nil

	case store.KindNull:
		return "text/plain; charset=utf-8", nil, nil

	case store.KindJSON:
		trimmed := bytes.TrimSpace(v.Data)
		if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
			var buf bytes.Buffer
			if err := json.Compact(&buf, trimmed); err != nil {
				return "text/plain; charset=utf-8", v.Data, nil
			}
			return "application/json", buf.Bytes(), nil
		}
		var prim any
		if err := json.Unmarshal(trimmed, &prim); err != nil {
			return "text/plain; charset=utf-8", v.Data, nil
		}
		s := fmt.Sprint(prim)
		return coercePrimitive(s, virtualPath), []byte(s), nil
	}
	return "", nil, fmt.Errorf("unhandled value kind %s for %s", v.Kind, virtualPath)
}

// coercePrimitive picks the type for a string-coerced value: the extension
// guess, unless that guess is the opaque-binary default.
func coercePrimitive(_ string, virtualPath string) string {
	if t := guessByExt(virtualPath); t != octetStream {
		return t
	}
	return "text/plain; charset=utf-8"
}

// decodeDataURI splits data:[mediatype][;base64],payload. A base64 flag
// yields a binary body; otherwise the payload is percent-decoded text.
func decodeDataURI(s string) (string, []byte, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(s, "data:"), ",")
	if !ok {
		return "", nil, fmt.Errorf("malformed data URI")
	}
	mime := meta
	isBase64 := false
	if strings.HasSuffix(meta, ";base64") {
		isBase64 = true
		mime = strings.TrimSuffix(meta, ";base64")
	}
	if mime == "" {
		mime = "text/plain; charset=utf-8"
	}

	if isBase64 {
		body, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return "", nil, fmt.Errorf("decoding data URI: %w", err)
		}
		return mime, body, nil
	}
	text, err := url.PathUnescape(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decoding data URI: %w", err)
	}
	return mime, []byte(text), nil
}
