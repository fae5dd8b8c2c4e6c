package ollama

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/remimikalsen/local-image-description-ha/internal/vision"
)

const (
	dataPrefix = "data:"
	doneMarker = "[DONE]"
	// A single chunk line never legitimately approaches this size.
	maxLineSize = 1 << 20
)

// collectStream concatenates the response fields of a generate stream. It
// accepts SSE "data:" lines and bare NDJSON lines, skips anything else, and
// stops at [DONE] or a chunk with done set. Malformed chunks are skipped.
// A read error after some text was collected returns that text.
func collectStream(r io.Reader, logger *slog.Logger) (string, error) {
	var out strings.Builder

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		data, ok := streamPayload(scanner.Text())
		if !ok {
			continue
		}
		if data == doneMarker {
			break
		}

		var chunk generateChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			logger.Warn("received non-JSON data in stream", "data", data, "error", err)
			continue
		}

		out.WriteString(chunk.Response)
		if chunk.Done {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		if out.Len() == 0 {
			return "", fmt.Errorf("%w: failed to read stream: %w", vision.ErrGenerate, err)
		}
		logger.Warn("stream ended early, keeping partial output", "chars", out.Len(), "error", err)
	}

	return out.String(), nil
}

// streamPayload extracts the JSON (or [DONE]) part of a stream line.
func streamPayload(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, dataPrefix) {
		return strings.TrimSpace(line[len(dataPrefix):]), true
	}
	if strings.HasPrefix(line, "{") {
		return line, true
	}
	return "", false
}
