package v2

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"hash"
	"strings"
)

var (
	errInvalidChecksum     = errors.New("invalid checksum format")
	errUnsupportedChecksum = errors.New("unsupported checksum algorithm")
)

// checksum is a parsed Upload-Checksum header: "<algorithm> <base64 digest>".
type checksum struct {
	Algorithm string
	Value     string
}

func newChecksum(value string) (checksum, error) {
	if value == "" {
		return checksum{}, nil
	}
	algo, digest, ok := strings.Cut(value, " ")
	if !ok || algo == "" || digest == "" {
		return checksum{}, errInvalidChecksum
	}
	if algo != "md5" && algo != "sha1" {
		return checksum{}, errUnsupportedChecksum
	}
	return checksum{Algorithm: algo, Value: digest}, nil
}

func (c checksum) enabled() bool { return c.Algorithm != "" }

func (c checksum) hash() hash.Hash {
	switch c.Algorithm {
	case "sha1":
		return sha1.New()
	default:
		return md5.New()
	}
}

func (c checksum) matches(h hash.Hash) bool {
	return base64.StdEncoding.EncodeToString(h.Sum(nil)) == c.Value
}
