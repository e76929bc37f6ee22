package openai_compat

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"quackchat/internal/providers"
)

const (
	dataPrefix = "data: "
	doneLine   = "data: [DONE]"
)

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// decodeEvents reads a chat completions event stream line by line and emits
// every delta in order. It returns nil on "data: [DONE]" or a clean EOF.
func decodeEvents(r io.Reader, emit func(string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		line := strings.TrimSuffix(sc.Text(), "\r")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if line == doneLine {
			return nil
		}
		delta, err := parseEventLine(line)
		if err != nil {
			return err
		}
		if delta == "" {
			continue
		}
		if err := emit(delta); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return nil
}

func parseEventLine(line string) (string, error) {
	if !strings.HasPrefix(line, dataPrefix) {
		return "", fmt.Errorf("%w: unexpected event line %q", providers.ErrProtocol, line)
	}
	var chunk streamChunk
	if err := json.Unmarshal([]byte(line[len(dataPrefix):]), &chunk); err != nil {
		return "", fmt.Errorf("%w: decode event: %w", providers.ErrProtocol, err)
	}
	if len(chunk.Choices) == 0 {
		return "", fmt.Errorf("%w: event without choices: %q", providers.ErrProtocol, line)
	}
	if chunk.Choices[0].Delta.Content == nil {
		return "", nil
	}
	return *chunk.Choices[0].Delta.Content, nil
}
