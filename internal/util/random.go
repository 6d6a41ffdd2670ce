// Package util holds small helpers shared across FlowPipe components.
package util

import (
	"math/rand/v2"
	"strings"
)

// GenerateRandomID returns prefix followed by hexLength random hex characters.
// Not suitable for secrets.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex returns a random lowercase hex string of the given length.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}
	const hexChars = "0123456789abcdef"
	var b strings.Builder
	b.Grow(length)
	for range length {
		b.WriteByte(hexChars[rand.IntN(len(hexChars))])
	}
	return b.String()
}

// GenerateMessageSid returns an identifier shaped like a Twilio message SID.
func GenerateMessageSid() string {
	return GenerateRandomID("SM", 32)
}
