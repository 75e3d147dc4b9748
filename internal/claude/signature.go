package claude

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

const signatureLen = 48

// GenerateSignature derives the integrity stamp attached to a completed
// thinking block: a truncated hash over the accumulated text, its length,
// and a generation timestamp. Empty thinking content yields no signature so
// a close that races ahead of the first delta stays silent.
func GenerateSignature(text string) string {
	if text == "" {
		return ""
	}
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte(strconv.Itoa(len(text))))
	h.Write([]byte(strconv.FormatInt(time.Now().UnixNano(), 10)))
	sum := hex.EncodeToString(h.Sum(nil))
	if len(sum) > signatureLen {
		sum = sum[:signatureLen]
	}
	return sum
}
