// Package xrand generates random test inputs.
package xrand

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// Bytes generates random bytes with length n.
func Bytes(n int) []byte {
	b := make([]byte, n)
	_, err := rand.Reader.Read(b)
	if err != nil {
		panic(fmt.Sprintf("failed to generate rand bytes: %v", err))
	}
	return b
}

// String generates a random valid UTF-8 string with length n in bytes.
func String(n int) string {
	s := strings.ToValidUTF8(string(Bytes(n)), "_")
	if len(s) > n {
		s = strings.ToValidUTF8(s[:n], "")
	}
	if len(s) < n {
		s += strings.Repeat("=", n-len(s))
	}
	return s
}

// Bool returns a randomly generated boolean.
func Bool() bool {
	return Int(2) == 1
}

// Int returns a randomly generated integer between [0, max).
func Int(max int) int {
	return int(Int64(int64(max)))
}

// Int64 returns a randomly generated integer between [0, max).
func Int64(max int64) int64 {
	x, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		panic(fmt.Sprintf("failed to get random int: %v", err))
	}
	return x.Int64()
}

// Uint32 returns a random uint32.
func Uint32() uint32 {
	return uint32(Int64(1 << 32))
}
