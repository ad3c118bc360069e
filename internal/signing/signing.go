// Package signing produces the time-stamped HMAC tokens that grant
// temporary read access to private media through the delivery edge, and
// encodes/decodes the private storage references stored on media records.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const privateRefPrefix = "private:"

// ErrInvalidPrivateRef reports a storage reference that does not match the
// private:<file-id>:<path> format.
var ErrInvalidPrivateRef = errors.New("invalid private storage reference")

// SignToken returns "<unix-time>.<signature>" where the signature is the
// URL-safe, unpadded base64 of HMAC-SHA256(secret, unix-time + "." + path).
// The token is a pure function of its inputs; the edge enforces expiry.
func SignToken(path, secret string, issuedAt time.Time) string {
	ts := strconv.FormatInt(issuedAt.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "." + path))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return ts + "." + sig
}

// BuildSignedURL normalizes path to a leading slash, percent-encodes each
// path segment, signs the encoded path with the current time and returns
// baseURL + encodedPath + "?token=" + token.
func BuildSignedURL(baseURL, path, secret string) string {
	encoded := EncodePath(path)
	token := SignToken(encoded, secret, time.Now())
	return strings.TrimSuffix(baseURL, "/") + encoded + "?token=" + token
}

// EncodePath percent-encodes every segment of path, preserving the segment
// boundaries, and guarantees a leading slash. The token is always computed
// against the encoded form so the edge can verify without re-encoding.
func EncodePath(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

// IsPrivateRef reports whether ref is a private storage reference rather
// than a directly fetchable URL.
func IsPrivateRef(ref string) bool {
	return strings.HasPrefix(ref, privateRefPrefix)
}

// EncodePrivateRef builds "private:<fileID>:<path>" with a normalized path.
func EncodePrivateRef(fileID, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return privateRefPrefix + fileID + ":" + path
}

// DecodePrivateRef extracts the provider file id and the path from a
// private reference. The returned path always starts with a slash.
func DecodePrivateRef(ref string) (fileID, path string, err error) {
	parts := strings.SplitN(ref, ":", 3)
	if len(parts) != 3 || parts[0]+":" != privateRefPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPrivateRef, ref)
	}
	path = parts[2]
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return parts[1], path, nil
}
