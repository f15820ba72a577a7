// ABOUTME: Formatting utilities for client UIs
// ABOUTME: Shared functions for displaying byte counts, timestamps and chat lines
package client

import (
	"fmt"
	"strings"
	"time"

	"github.com/aeolun/meshchat/pkg/protocol"
)

// FormatBytes formats bytes into human-readable form (B, KB, MB, etc.)
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%dB", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatRelativeTime formats a timestamp relative to now
// Returns strings like "just now", "5m ago", "2h ago", "3d ago"
func FormatRelativeTime(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}

// FormatMessage renders a chat message as a single line:
// "[15:04] #channel alice: content" or "[15:04] alice -> bob: content".
// Audio messages carry a marker with the file name so it can be downloaded.
func FormatMessage(msg protocol.ChatMessage) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(msg.Timestamp.Local().Format("15:04"))
	b.WriteString("] ")

	if protocol.IsChannelName(msg.Recipient) {
		fmt.Fprintf(&b, "%s %s: ", msg.Recipient, msg.Sender)
	} else {
		fmt.Fprintf(&b, "%s -> %s: ", msg.Sender, msg.Recipient)
	}

	b.WriteString(strings.ReplaceAll(msg.Content, "\n", " "))
	if msg.IsAudio && msg.AudioFileName != "" {
		fmt.Fprintf(&b, " (audio: %s)", msg.AudioFileName)
	}
	return b.String()
}
