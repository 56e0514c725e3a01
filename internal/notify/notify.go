// Package notify tells someone when a task run fails, either by calling a
// webhook or by running a shell command.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"al.essio.dev/pkg/shellescape"
)

// Placeholder is replaced with the failure message in a webhook's URL and
// body and in a notify command.
const Placeholder = "{{message}}"

// maxMessage caps the failure text before the signature is appended.
const maxMessage = 150

const signature = " -- cadence"

// Event describes a failed run.
type Event struct {
	Task     string
	RunID    string
	Trigger  string
	Status   string
	ExitCode int
	// Message is the run's error text or the tail of its stderr.
	Message string
}

// Notifier delivers failure events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Message is the text substituted for Placeholder: the task name and
// failure, cut to a short line, followed by a signature.
func Message(ev Event) string {
	text := ev.Task + ": " + strings.TrimSpace(ev.Message)
	if len(text) > maxMessage {
		text = text[:maxMessage]
		for !utf8.ValidString(text) {
			text = text[:len(text)-1]
		}
	}
	return text + signature
}

var jsonEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`, "\t", `\t`, `"`, `\"`)

// Webhook sends an HTTP request per event. The message is escaped for a
// JSON string in Body and query-escaped in URL.
type Webhook struct {
	URL     string
	Method  string // defaults to POST with a body and GET without
	Headers map[string]string
	Body    string
	Client  *http.Client
}

// NewWebhook returns a Webhook whose client gives up after timeout.
func NewWebhook(rawURL, method string, headers map[string]string, body string, timeout time.Duration) *Webhook {
	return &Webhook{
		URL:     rawURL,
		Method:  method,
		Headers: headers,
		Body:    body,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (w *Webhook) Notify(ctx context.Context, ev Event) error {
	msg := Message(ev)
	target := strings.ReplaceAll(w.URL, Placeholder, url.QueryEscape(msg))

	method := w.Method
	if method == "" {
		method = http.MethodGet
		if w.Body != "" {
			method = http.MethodPost
		}
	}
	var body io.Reader
	if w.Body != "" {
		body = strings.NewReader(strings.ReplaceAll(w.Body, Placeholder, jsonEscaper.Replace(msg)))
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("notify: building request: %w", err)
	}
	req.Header.Set("User-Agent", "cadence")
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: %s %s: status %d: %s", method, redact(target), resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

// redact drops the query, which often carries a token.
func redact(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return "webhook"
	}
	u.RawQuery = ""
	return u.String()
}

// Command runs a shell command per event. Placeholder is replaced with the
// shell-quoted message, which is also set as CADENCE_NOTIFY_MESSAGE.
type Command struct {
	Command string
	Shell   string // defaults to sh
	Timeout time.Duration
}

func (c *Command) Notify(ctx context.Context, ev Event) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	shell := c.Shell
	if shell == "" {
		shell = "sh"
	}
	msg := Message(ev)
	line := strings.ReplaceAll(c.Command, Placeholder, shellescape.Quote(msg))

	cmd := exec.CommandContext(ctx, shell, "-c", line)
	cmd.WaitDelay = time.Second
	cmd.Env = append(os.Environ(),
		"CADENCE_NOTIFY_MESSAGE="+msg,
		"CADENCE_TASK="+ev.Task,
		"CADENCE_RUN_ID="+ev.RunID,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("notify: command timed out after %s", c.Timeout)
		}
		return fmt.Errorf("notify: command: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
