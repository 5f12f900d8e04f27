/*
Package randx provides functions for generating random identifiers.

Canonical message ids and connection ids are UUID v4 strings. Correlation ids are
generated client-side from a random Base62 session prefix and a counter, which keeps
them unique within a session and distinct across tabs of the same user.
*/
package randx

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

const (
	// Base62Chars defines the character set used for Base62 encoding (0-9, A-Z, a-z).
	Base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	// Base62Len is the total number of characters in the Base62 character set (62).
	Base62Len = int64(len(Base62Chars))

	// SessionPrefixLength is the length of the random prefix of correlation ids.
	SessionPrefixLength = 8
)

// Base62 returns a random Base62 string of the given length using crypto/rand.
func Base62(length int) (string, error) {
	result := make([]byte, length)

	for i := range length {
		num, err := rand.Int(rand.Reader, big.NewInt(Base62Len))
		if err != nil {
			return "", fmt.Errorf("failed to generate random base62 character: %w", err)
		}

		result[i] = Base62Chars[num.Int64()]
	}

	return string(result), nil
}

// MessageID generates a standard UUID v4 string to serve as a canonical message id.
func MessageID() string {
	return uuid.New().String()
}

// ConnectionID generates a UUID v4 string identifying one server-side connection.
func ConnectionID() string {
	return uuid.New().String()
}

// CorrelationSource hands out correlation ids of the form "<prefix>-<n>".
// It is safe for concurrent use.
type CorrelationSource struct {
	prefix string
	next   atomic.Uint64
}

// NewCorrelationSource creates a source with a random session prefix.
// If the random generator fails, the prefix falls back to a UUID fragment.
func NewCorrelationSource() *CorrelationSource {
	prefix, err := Base62(SessionPrefixLength)
	if err != nil {
		prefix = strings.ReplaceAll(uuid.New().String(), "-", "")[:SessionPrefixLength]
	}

	return &CorrelationSource{prefix: prefix}
}

// Prefix returns the session prefix shared by every id from this source.
func (s *CorrelationSource) Prefix() string {
	return s.prefix
}

// Next returns the next correlation id.
func (s *CorrelationSource) Next() string {
	return s.prefix + "-" + strconv.FormatUint(s.next.Add(1), 10)
}
