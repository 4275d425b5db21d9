package chunker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	shellwords "github.com/mattn/go-shellwords"
)

// ErrEmptyCommand means the delegate command string parsed to nothing.
var ErrEmptyCommand = errors.New("empty delegate command")

// delegateRequest is the JSON document an external splitter reads on stdin.
type delegateRequest struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// Command builds a Delegate that runs an external sentence splitter. The
// command string is parsed shell-style. The splitter reads a JSON document
// {"text", "language"} on stdin and prints a JSON array of sentence strings
// on stdout.
func Command(command string, timeout time.Duration) (Delegate, error) {
	argv, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse delegate command: %w", err)
	}

	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}

	delegate := func(ctx context.Context, text, language string) ([]string, error) {
		if timeout > 0 {
			var cancel context.CancelFunc

			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		payload, marshalErr := json.Marshal(delegateRequest{Text: text, Language: language})
		if marshalErr != nil {
			return nil, fmt.Errorf("encode delegate request: %w", marshalErr)
		}

		var stdout, stderr bytes.Buffer

		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Stdin = bytes.NewReader(payload)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if runErr := cmd.Run(); runErr != nil {
			detail := strings.TrimSpace(stderr.String())
			if detail != "" {
				return nil, fmt.Errorf("run sentence delegate: %w: %s", runErr, detail)
			}

			return nil, fmt.Errorf("run sentence delegate: %w", runErr)
		}

		var sentences []string
		if decodeErr := json.Unmarshal(stdout.Bytes(), &sentences); decodeErr != nil {
			return nil, fmt.Errorf("decode delegate output: %w", decodeErr)
		}

		return sentences, nil
	}

	return delegate, nil
}
