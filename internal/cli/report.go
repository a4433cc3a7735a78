package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/wics-uw/weo/internal/identity"
)

// Report collects the outcome of one command. Any recorded failure makes the
// command fail, even if later steps succeed.
type Report struct {
	stdout io.Writer
	stderr io.Writer
	errs   *multierror.Error
}

func newReport(stdout, stderr io.Writer) *Report {
	return &Report{stdout: stdout, stderr: stderr}
}

// Progressf prints a status line to stdout.
func (r *Report) Progressf(format string, args ...any) {
	fmt.Fprintf(r.stdout, format+"\n", args...)
}

// Fail logs err, prints it as one line on stderr and records it.
func (r *Report) Fail(ctx context.Context, err error) {
	if err == nil {
		return
	}

	tflog.SubsystemError(ctx, SubsystemCLI, "Command step failed", map[string]any{
		"error": err.Error(),
		"kind":  identity.KindOf(err).String(),
	})

	fmt.Fprintf(r.stderr, "Error: %s\n", oneLine(err.Error()))
	r.errs = multierror.Append(r.errs, err)
}

// Failed reports whether any failure was recorded.
func (r *Report) Failed() bool {
	return r.errs != nil && len(r.errs.Errors) > 0
}

// Finish prints the summary line and returns the aggregate failure, if any.
func (r *Report) Finish(onFailure, onSuccess string) error {
	if !r.Failed() {
		fmt.Fprintln(r.stdout, onSuccess)
		return nil
	}

	fmt.Fprintln(r.stderr, onFailure)
	r.errs.ErrorFormat = func(errs []error) string {
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		return strings.Join(msgs, "; ")
	}
	return &reportedError{err: r.errs}
}

// reportedError marks a failure that has already been printed.
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }

func (e *reportedError) Unwrap() error { return e.err }

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
