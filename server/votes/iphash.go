package votes

import (
	"encoding/hex"
	"net"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// HashIP returns a keyed BLAKE2b-256 digest of the client address with the
// port stripped. Raw addresses are never stored.
func HashIP(key []byte, remoteAddr string) string {
	host := strings.TrimSpace(remoteAddr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if len(key) > blake2b.Size {
		key = key[:blake2b.Size]
	}
	h, err := blake2b.New256(key)
	if err != nil {
		sum := blake2b.Sum256([]byte(host))
		return hex.EncodeToString(sum[:])
	}
	h.Write([]byte(host))
	return hex.EncodeToString(h.Sum(nil))
}
