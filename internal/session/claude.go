package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rookdaemon/substrate/internal/hostio"
)

// Claude runs the `claude` CLI in streaming JSON mode (adapted from the
// teacher's internal/agent.Claude). stdin stays open for the lifetime
// of the subprocess: the first line written is the initial prompt;
// subsequent lines are injected text forwarded from RunOpts.Injections,
// each wrapped as a stream-json user turn, so injection happens over
// the protocol the CLI already speaks rather than a side channel.
type Claude struct {
	runner        hostio.ProcessRunner
	contextWindow int
}

func NewClaude(runner hostio.ProcessRunner, contextWindow int) *Claude {
	if contextWindow <= 0 {
		contextWindow = 200000
	}
	return &Claude{runner: runner, contextWindow: contextWindow}
}

func (c *Claude) ContextWindow() int { return c.contextWindow }

func (c *Claude) Health() error {
	proc, err := c.runner.Start(context.Background(), "claude", []string{"--version"})
	if err != nil {
		return fmt.Errorf("claude health check: %w", err)
	}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("claude health check: %w", err)
	}
	return proc.Wait()
}

func (c *Claude) Run(ctx context.Context, prompt string, opts RunOpts) (_ *Stream, err error) {
	args := []string{"--output-format", "stream-json", "--input-format", "stream-json", "--verbose"}
	if opts.SystemPrompt != "" {
		if opts.ReplaceSystemPrompt {
			args = append(args, "--system-prompt", opts.SystemPrompt)
		} else {
			args = append(args, "--append-system-prompt", opts.SystemPrompt)
		}
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}

	proc, err := c.runner.Start(ctx, "claude", args)
	if err != nil {
		return nil, fmt.Errorf("start claude: %w", err)
	}
	stdout, err := proc.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stdin, err := proc.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	if err := proc.Start(); err != nil {
		return nil, fmt.Errorf("start claude: %w", err)
	}
	if err := writeUserTurn(stdin, prompt); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("write initial prompt: %w", err)
	}

	stream := NewStream(ctx, func(graceful bool) {
		if graceful {
			proc.Signal(hostio.SignalTerm)
		} else {
			proc.Signal(hostio.SignalKill)
		}
	})

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if text, ok := parseStreamEvent(line); ok {
				stream.Send(Chunk{Text: text})
			}
			if input, output, ok := parseResultTokens(line); ok {
				stream.SetTokens(input, output)
			}
		}
		waitErr := proc.Wait()
		if scanErr := scanner.Err(); scanErr != nil && waitErr == nil {
			waitErr = scanErr
		}
		stream.Close(waitErr)
	}()

	go forwardInjections(ctx, stdin, opts.Injections)

	return stream, nil
}

// streamUserTurn is one line of the `--input-format stream-json`
// protocol: a user message carrying a single text content block.
type streamUserTurn struct {
	Type    string         `json:"type"`
	Message streamUserBody `json:"message"`
}

type streamUserBody struct {
	Role    string               `json:"role"`
	Content []streamContentBlock `json:"content"`
}

type streamContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func writeUserTurn(w io.Writer, text string) error {
	turn := streamUserTurn{
		Type: "user",
		Message: streamUserBody{
			Role:    "user",
			Content: []streamContentBlock{{Type: "text", Text: text}},
		},
	}
	line, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal user turn: %w", err)
	}
	line = append(line, '\n')
	_, err = w.Write(line)
	return err
}

// forwardInjections keeps the subprocess's stdin open for the lifetime
// of the session, writing each injected string as a stream-json user
// turn so mid-session injection rides the same protocol as the initial
// prompt. Closes stdin once the session ends (ctx cancelled, or the
// orchestrator closes the injection channel).
func forwardInjections(ctx context.Context, stdin io.WriteCloser, injections <-chan string) {
	defer stdin.Close()
	if injections == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-injections:
			if !ok {
				return
			}
			if err := writeUserTurn(stdin, text); err != nil {
				return
			}
		}
	}
}

type streamEvent struct {
	Type    string       `json:"type"`
	Message *messageBody `json:"message,omitempty"`
	Delta   *deltaBody   `json:"delta,omitempty"`
}

type messageBody struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type deltaBody struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type resultEvent struct {
	Type         string `json:"type"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

func parseResultTokens(line string) (input, output int, ok bool) {
	var ev resultEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return 0, 0, false
	}
	if ev.Type != "result" {
		return 0, 0, false
	}
	return ev.InputTokens, ev.OutputTokens, true
}

func parseStreamEvent(line string) (string, bool) {
	var ev streamEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return "", false
	}
	switch ev.Type {
	case "assistant":
		if ev.Message != nil {
			for _, block := range ev.Message.Content {
				if block.Type == "text" && block.Text != "" {
					return block.Text, true
				}
			}
		}
	case "content_block_delta":
		if ev.Delta != nil && ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
			return ev.Delta.Text, true
		}
	}
	return "", false
}
