// Command nox-runner loads a local GGUF model and serves prompts over
// stdio: a single prompt and exit by default, or a long-lived loop over
// successive framed prompts under -serve.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	"github.com/noctics/nox-runner/internal/backend/llamacpp"
	"github.com/noctics/nox-runner/internal/config"
	"github.com/noctics/nox-runner/internal/session"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Parse(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logrus.SetFormatter(&logrus.TextFormatter{DisableColors: true})
	logrus.SetOutput(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctl := &session.Controller{
		Cfg:    cfg,
		Loader: llamacpp.Loader{},
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		IsTTY:  func() bool { return isatty.IsTerminal(os.Stdin.Fd()) },
	}

	res, restored, err := ctl.Load()
	if err != nil {
		return reportAndExit(err)
	}
	defer func() {
		if cerr := res.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("error releasing model resources")
		}
	}()

	if cfg.Serve {
		if err := ctl.RunServe(ctx, res, restored); err != nil {
			return reportAndExit(err)
		}
		return 0
	}

	if err := ctl.RunSingleShot(ctx, res, restored); err != nil {
		return reportAndExit(err)
	}
	return 0
}

// reportAndExit prints a failing error and maps it to the runner's only
// non-zero exit code: every failure, from a bad flag to a model load error
// to no prompt being given, is reported on stderr and exits 1.
func reportAndExit(err error) int {
	fmt.Fprintln(os.Stderr, err)
	return 1
}
