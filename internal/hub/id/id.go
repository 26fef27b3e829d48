// Package id generates the identifier formats used across the hub.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const hexAlphabet = "0123456789abcdef"

// hexID returns an n-character lowercase hexadecimal nanoid.
func hexID(n int) string {
	id, err := gonanoid.Generate(hexAlphabet, n)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}

// Message returns a 16-character hex message identifier.
func Message() string {
	return hexID(16)
}

// Goal returns a goal identifier of the form "goal-<16 hex>".
func Goal() string {
	return "goal-" + hexID(16)
}

// Task returns a task identifier of the form "task-<16 hex>".
func Task() string {
	return "task-" + hexID(16)
}

// Token returns 32 random bytes rendered as lowercase hexadecimal,
// suitable for use as a bearer token.
func Token() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("generate token: %v", err))
	}
	return hex.EncodeToString(b)
}
