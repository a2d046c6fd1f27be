package routepath

import (
	"errors"
	"strings"
)

// Rejection reasons for hostile or malformed request paths.
var (
	ErrBackslashInPath      = errors.New("path contains backslash")
	ErrNullByteInPath       = errors.New("path contains null byte")
	ErrInvalidPercentEscape = errors.New("invalid percent escape sequence")
	ErrPathEscapesRoot      = errors.New("path escapes root via ..")
)

// Canonicalize normalises a request pathname and rejects hostile
// inputs before they reach the session and auth layers.
//
// Normalisation: a leading slash is ensured, repeated slashes collapse,
// "." segments drop, ".." segments resolve, and a trailing slash is
// removed except on the root. Rejected outright: backslashes, NUL bytes
// (literal or %00), malformed percent escapes, and ".." sequences that
// would climb above the root.
func Canonicalize(path string) (string, error) {
	if path == "" {
		return "/", nil
	}

	if strings.Contains(path, "\\") {
		return "", ErrBackslashInPath
	}
	if strings.Contains(path, "\x00") || strings.Contains(strings.ToUpper(path), "%00") {
		return "", ErrNullByteInPath
	}
	if strings.Contains(path, "%") {
		if err := checkPercentEscapes(path); err != nil {
			return "", err
		}
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var kept []string
	for _, seg := range strings.Split(path, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(kept) == 0 {
				return "", ErrPathEscapesRoot
			}
			kept = kept[:len(kept)-1]
		default:
			kept = append(kept, seg)
		}
	}
	return "/" + strings.Join(kept, "/"), nil
}

// checkPercentEscapes verifies every % in the path starts a two-digit
// hex escape.
func checkPercentEscapes(path string) error {
	for i := 0; i < len(path); i++ {
		if path[i] != '%' {
			continue
		}
		if i+2 >= len(path) || !isHexDigit(path[i+1]) || !isHexDigit(path[i+2]) {
			return ErrInvalidPercentEscape
		}
		i += 2
	}
	return nil
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
