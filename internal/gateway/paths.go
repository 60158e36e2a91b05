package gateway

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidPath means a data path is missing the /data/ prefix or the
// namespace segment. Rejected immediately, never retried.
var ErrInvalidPath = errors.New("invalid data path format")

// DecodeError wraps a percent-decoding failure for one path segment.
type DecodeError struct {
	Segment string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding path segment %q: %v", e.Segment, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

const dataPrefix = "/data/"

// ParseDataPath splits a virtual data path /data/{namespace}/{key...} into
// its namespace and key. Each part is percent-decoded independently, and only
// when it actually contains a '%' — already-decoded input must not be decoded
// twice. The key may be empty, which is invalid for entry get/put but legal
// grammar for namespace-root operations.
func ParseDataPath(path string) (namespace, key string, err error) {
	if !strings.HasPrefix(path, dataPrefix) {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidPath, path)
	}
	rest := path[len(dataPrefix):]

	namespace, key, _ = strings.Cut(rest, "/")
	if namespace == "" {
		return "", "", fmt.Errorf("%w: missing namespace in %s", ErrInvalidPath, path)
	}

	if namespace, err = decodeSegment(namespace); err != nil {
		return "", "", err
	}
	if key, err = decodeSegment(key); err != nil {
		return "", "", err
	}
	return namespace, key, nil
}

func decodeSegment(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	decoded, err := url.PathUnescape(s)
	if err != nil {
		return "", &DecodeError{Segment: s, Err: err}
	}
	return decoded, nil
}
