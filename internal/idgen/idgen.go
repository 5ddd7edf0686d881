// Package idgen produces the identifiers used by the server: time-ordered
// ULIDs for persisted records, KSUIDs for connections and 4-digit channel codes.
package idgen

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/segmentio/ksuid"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a lexicographically time-ordered id for messages and
// emergency audit entries.
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String()
}

// NewConnectionID returns the opaque id bound to one live connection.
func NewConnectionID() string {
	return ksuid.New().String()
}

var codeSpace = big.NewInt(10000)

// NewChannelCode returns four random decimal digits.
func NewChannelCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("generate channel code: %w", err)
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}
