// Package identity extracts the token identity the admission engine keys
// its per-identity counters on. spec.md treats identity resolution as an
// external collaborator's concern, but a runnable proxy needs a concrete,
// deterministic implementation to sit in that slot.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/mtreilly/ratelimitproxy/internal/apierrors"
)

// Identity is the opaque, hashed form of a caller's credential used as the
// Redis hash-tag for every key scoped to that caller (spec.md §4.2).
type Identity string

// FromAuthorizationHeader derives an Identity from the inbound request's
// Authorization header. The proxy never needs the raw token past this
// point, so it is hashed immediately rather than carried in plaintext
// through logs, metrics labels, or Redis keys.
func FromAuthorizationHeader(header string) (Identity, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", apierrors.BadAuth
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", apierrors.BadAuth
	}
	scheme, token := parts[0], strings.TrimSpace(parts[1])
	if token == "" {
		return "", apierrors.BadAuth
	}

	switch strings.ToLower(scheme) {
	case "bot", "bearer":
	default:
		return "", apierrors.BadAuth
	}

	sum := sha256.Sum256([]byte(strings.ToLower(scheme) + ":" + token))
	return Identity(hex.EncodeToString(sum[:16])), nil
}

// Tag returns the Redis hash-tag form of the identity, e.g. "{abcd1234}",
// so that every key for a given caller lands on the same cluster slot
// (spec.md §4.2).
func (id Identity) Tag() string {
	return "{" + string(id) + "}"
}

func (id Identity) String() string {
	return string(id)
}
