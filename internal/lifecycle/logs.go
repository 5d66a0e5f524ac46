// logs.go handles the raw byte streams Docker hands back: multiplexed
// container logs (for the readiness sentinel) and the JSON message stream
// from an image build.

package lifecycle

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// stripLogHeaders removes the 8-byte multiplexing headers Docker prepends to
// log frames: [stream_type(1)][0(3)][size(4)][payload].
func stripLogHeaders(data []byte) string {
	var result strings.Builder
	for len(data) > 0 {
		if len(data) >= 8 && (data[0] == 0 || data[0] == 1 || data[0] == 2) {
			size := int(data[4])<<24 | int(data[5])<<16 | int(data[6])<<8 | int(data[7])
			data = data[8:]
			if size > 0 && size <= len(data) {
				result.Write(data[:size])
				data = data[size:]
			} else {
				result.Write(data)
				break
			}
		} else {
			result.Write(data)
			break
		}
	}
	return result.String()
}

// containsLine reports whether any log line contains the needle.
func containsLine(logs, needle string) bool {
	for _, line := range strings.Split(logs, "\n") {
		if strings.Contains(line, needle) {
			return true
		}
	}
	return false
}

// drainBuildOutput consumes the image build response stream. Build failures
// are reported inside the JSON stream rather than as a transport error, so
// each message is checked for an error payload.
func drainBuildOutput(r io.Reader) error {
	type buildMessage struct {
		Stream string `json:"stream"`
		Error  string `json:"error"`
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg buildMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			return fmt.Errorf("image build failed: %s", strings.TrimSpace(msg.Error))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read build output: %w", err)
	}
	return nil
}
