package maildir

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

var (
	// deliveryCounter ensures unique filenames even within the same microsecond.
	deliveryCounter uint64
	// cachedHostname is set once at startup.
	cachedHostname string
)

func init() {
	cachedHostname = getHostname()
}

// generateFilename creates a unique filename for maildir delivery.
// Format: <unix>.M<usec>P<pid>Q<counter>R<random>.<hostname>
// Example: 1705678901.M123456P12345Q7R0a1b2c3d4e5f.mail.example.com
func generateFilename() string {
	return formatFilename(time.Now(), os.Getpid(), atomic.AddUint64(&deliveryCounter, 1), cachedHostname)
}

func formatFilename(now time.Time, pid int, counter uint64, hostname string) string {
	randomBytes := make([]byte, 6)
	if _, err := rand.Read(randomBytes); err != nil {
		// The counter alone keeps names unique within this process.
		return fmt.Sprintf("%d.M%dP%dQ%d.%s", now.Unix(), now.Nanosecond()/1000, pid, counter, hostname)
	}
	return fmt.Sprintf("%d.M%dP%dQ%dR%s.%s",
		now.Unix(),
		now.Nanosecond()/1000,
		pid,
		counter,
		hex.EncodeToString(randomBytes),
		hostname,
	)
}

// getHostname returns the escaped system hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	return escapeHostname(hostname)
}

// escapeHostname replaces the characters maildir readers treat specially:
// "/" becomes \057 and ":" becomes \072.
func escapeHostname(hostname string) string {
	hostname = strings.ReplaceAll(hostname, "/", `\057`)
	hostname = strings.ReplaceAll(hostname, ":", `\072`)
	return strings.ReplaceAll(hostname, "\x00", "")
}
