// Package credential hashes and checks operator tokens.
package credential

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    uint32 = 1
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 4
	argonKeyLen  uint32 = 32
	argonSaltLen        = 16
)

var ErrEmptyToken = errors.New("empty_token")

// Hash returns the argon2id encoding of token in the PHC string format.
func Hash(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", ErrEmptyToken
	}
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(token), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

type params struct {
	memory  uint32
	time    uint32
	threads uint8
	salt    []byte
	key     []byte
}

func decode(encoded string) (params, bool) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" || parts[2] != fmt.Sprintf("v=%d", argon2.Version) {
		return params{}, false
	}

	var p params
	for _, field := range strings.Split(parts[3], ",") {
		name, raw, ok := strings.Cut(field, "=")
		if !ok {
			return params{}, false
		}
		switch name {
		case "m":
			v, err := strconv.ParseUint(raw, 10, 32)
			if err != nil {
				return params{}, false
			}
			p.memory = uint32(v)
		case "t":
			v, err := strconv.ParseUint(raw, 10, 32)
			if err != nil {
				return params{}, false
			}
			p.time = uint32(v)
		case "p":
			v, err := strconv.ParseUint(raw, 10, 8)
			if err != nil {
				return params{}, false
			}
			p.threads = uint8(v)
		default:
			return params{}, false
		}
	}
	if p.memory == 0 || p.time == 0 || p.threads == 0 {
		return params{}, false
	}

	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return params{}, false
	}
	if p.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(p.key) == 0 {
		return params{}, false
	}
	return p, true
}

// Verify checks token against an encoding produced by Hash. Malformed
// encodings never match.
func Verify(token, encoded string) bool {
	p, ok := decode(strings.TrimSpace(encoded))
	if !ok {
		return false
	}
	check := argon2.IDKey([]byte(token), p.salt, p.time, p.memory, p.threads, uint32(len(p.key)))
	return subtle.ConstantTimeCompare(p.key, check) == 1
}

// Matcher checks presented tokens against either a plain token or an argon2id
// hash. The hash wins when both are set.
type Matcher struct {
	plain string
	hash  string
}

func NewMatcher(plain, hash string) *Matcher {
	return &Matcher{plain: strings.TrimSpace(plain), hash: strings.TrimSpace(hash)}
}

// Configured reports whether any credential is set.
func (m *Matcher) Configured() bool {
	return m != nil && (m.plain != "" || m.hash != "")
}

func (m *Matcher) Match(token string) bool {
	if !m.Configured() || token == "" {
		return false
	}
	if m.hash != "" {
		return Verify(token, m.hash)
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(m.plain)) == 1
}
