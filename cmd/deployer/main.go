package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/krystofrezac/deployer/internal/deployer"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute runs the command tree and maps the outcome to an exit code:
// 0 healthy, 1 fatal error, 2 health check timed out.
func execute(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer) int {
	cmd := NewCmdRoot()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return deployer.ExitHealthy
	}

	p := newPrinter(stderr, noColor)
	p.Error("Error: %s", err)
	if hint := deployer.Hint(err); hint != "" {
		p.Plain("Hint: %s", hint)
	}
	return deployer.ExitCode(err)
}
