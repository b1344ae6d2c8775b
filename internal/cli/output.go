package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/roach88/matchsync/internal/engine"
	"github.com/roach88/matchsync/internal/outbox"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Outbox has failed entries, or the entry is not in a retryable state
	ExitCommandError = 2 // Command error (bad flags, config, database, unknown entry)
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// TextRenderer is implemented by command results that have a human-readable
// form. Success uses it in text mode; JSON mode encodes the value as is.
type TextRenderer interface {
	RenderText(w io.Writer)
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // "E001", "E002", etc.
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	if r, ok := data.(TextRenderer); ok {
		r.RenderText(f.Writer)
		return nil
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	// Human-readable error
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}

// StateReport is the aggregate outbox state as printed by status.
type StateReport outbox.State

func (r StateReport) RenderText(w io.Writer) {
	fmt.Fprintf(w, "%-13s%s\n", "status:", r.Status)
	fmt.Fprintf(w, "%-13s%d\n", "pending:", r.PendingCount)
	fmt.Fprintf(w, "%-13s%d (conflict %d, validation %d, exhausted %d)\n", "failed:",
		r.FailedCount, r.ConflictCount, r.ValidationCount, r.ExhaustedCount)
	synced := "never"
	if r.LastSyncedAt != nil {
		synced = formatTime(*r.LastSyncedAt)
	}
	fmt.Fprintf(w, "%-13s%s\n", "last synced:", synced)
	if r.LastError != "" {
		fmt.Fprintf(w, "%-13s%s\n", "last error:", r.LastError)
	}
}

// EntryList is the queue as printed by list, oldest first.
type EntryList []outbox.Entry

func (l EntryList) RenderText(w io.Writer) {
	if len(l) == 0 {
		fmt.Fprintln(w, "No queued entries.")
		return
	}
	width := 0
	for _, e := range l {
		width = max(width, len(e.ID))
	}
	for _, e := range l {
		fmt.Fprintf(w, "%-*s  %-10s  attempts=%d  records=%d", width, e.ID, entryLabel(e), e.Attempts, len(e.Payload))
		if e.NextAttemptAt != nil {
			fmt.Fprintf(w, "  next=%s", formatTime(*e.NextAttemptAt))
		}
		if e.LastError != "" {
			fmt.Fprintf(w, "  error=%q", e.LastError)
		}
		fmt.Fprintln(w)
	}
}

// FlushResult is the payload of flush and retry.
type FlushResult struct {
	Pass  engine.PassStats `json:"pass"`
	State outbox.State     `json:"state"`
}

func (r FlushResult) RenderText(w io.Writer) {
	fmt.Fprintf(w, "Attempted %d: %d delivered, %d failed\n", r.Pass.Attempted, r.Pass.Delivered, r.Pass.Failed)
	fmt.Fprintf(w, "Outbox: %s\n", stateSummary(r.State))
}

// EnqueueResult is the payload of a successful enqueue.
type EnqueueResult struct {
	EntryID string       `json:"entry_id"`
	Records int          `json:"records"`
	State   outbox.State `json:"state"`
	Pass    *passSummary `json:"pass,omitempty"`
}

type passSummary struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

func (r EnqueueResult) RenderText(w io.Writer) {
	fmt.Fprintf(w, "Queued %s (%d match(es))\n", r.EntryID, r.Records)
	if r.Pass != nil {
		fmt.Fprintf(w, "Flushed: %d delivered, %d failed\n", r.Pass.Delivered, r.Pass.Failed)
	}
	fmt.Fprintf(w, "Outbox: %s\n", stateSummary(r.State))
}

// DiscardResult is the payload of discard.
type DiscardResult struct {
	Discarded string       `json:"discarded"`
	State     outbox.State `json:"state"`
}

func (r DiscardResult) RenderText(w io.Writer) {
	fmt.Fprintf(w, "Discarded %s\n", r.Discarded)
	fmt.Fprintf(w, "Outbox: %s\n", stateSummary(r.State))
}

// ServeInfo is printed once serve is accepting connections.
type ServeInfo struct {
	Listen string `json:"listen"`
	DB     string `json:"db"`
}

func (i ServeInfo) RenderText(w io.Writer) {
	fmt.Fprintf(w, "Listening on http://%s\n", i.Listen)
}

func entryLabel(e outbox.Entry) string {
	switch e.ErrorKind {
	case outbox.KindNone:
		return "pending"
	case outbox.KindTransient:
		return "retrying"
	default:
		return string(e.ErrorKind)
	}
}

func stateSummary(st outbox.State) string {
	switch st.Status {
	case outbox.StatusFailed:
		return fmt.Sprintf("%s (%d failed, %d pending)", st.Status, st.FailedCount, st.PendingCount)
	case outbox.StatusPending:
		return fmt.Sprintf("%s (%d pending)", st.Status, st.PendingCount)
	default:
		return string(st.Status)
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
