// Package identity generates the process-unique identifiers the broker
// uses to tell itself apart from its peers: the NodeId advertised in
// every envelope, and the InstanceId that lets a peer notice a restart.
package identity

import (
	"crypto/rand"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

const alphanumeric = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewNodeID returns "<hostname>.<pid>-<6 random alphanumeric chars>",
// lowercased, the default identity scheme when no nodeID is configured.
func NewNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	suffix := randomSuffix(6)
	id := fmt.Sprintf("%s.%d-%s", host, os.Getpid(), suffix)
	return strings.ToLower(id)
}

func randomSuffix(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the platform is unusable; fall back
		// to a fixed suffix rather than panicking the caller.
		for i := range b {
			b[i] = alphanumeric[0]
		}
		return string(b)
	}
	for i, v := range b {
		b[i] = alphanumeric[int(v)%len(alphanumeric)]
	}
	return string(b)
}

// NewInstanceID returns a fresh UUID v4, regenerated every process start
// so peers can distinguish a restart from a long-lived node.
func NewInstanceID() string {
	return uuid.New().String()
}

// GoRuntimeVersion reports the Go runtime version string used to
// populate an outbound INFO envelope's client.langVersion field.
func GoRuntimeVersion() string {
	return runtime.Version()
}
