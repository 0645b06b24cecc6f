package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(b))
}

// InstanceID names this process among the clients sharing a relay.
func InstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "meetclient"
	}
	return GenerateID(fmt.Sprintf("%s-%d", host, os.Getpid()))
}
