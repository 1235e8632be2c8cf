package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// RunSafeMode serves a minimal inspection loop on in/out until ctx ends, the
// input closes, or the operator types "exit". It recognises a fixed set of
// words and never executes, evaluates or echoes what it reads.
func RunSafeMode(ctx context.Context, in io.Reader, out io.Writer, domain, reason string) error {
	fmt.Fprintf(out, "phoenix safe mode: domain %s\n", domain)
	fmt.Fprintf(out, "reason: %s\n", reason)
	fmt.Fprintf(out, "the agent will not be restarted; run `phoenix reset --domain %s` after fixing the cause\n", domain)
	fmt.Fprintln(out, "commands: status, help, exit")

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		fmt.Fprint(out, "safe> ")
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case err := <-readErr:
			fmt.Fprintln(out)
			return err
		case line := <-lines:
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "":
			case "status":
				fmt.Fprintf(out, "domain=%s phase=%s reason=%s\n", domain, PhaseSafeMode, reason)
			case "help":
				fmt.Fprintln(out, "commands: status, help, exit")
			case "exit", "quit":
				return nil
			default:
				fmt.Fprintf(out, "ignored: input is never executed in safe mode (%d bytes)\n", len(line))
			}
		}
	}
}
