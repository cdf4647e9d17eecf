package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cronrunner/internal/app"
)

func main() {
	var (
		cfgPath string
		envPath string
		check   bool
	)
	flag.StringVar(&cfgPath, "config", "", "path to config file (json or yaml, optional)")
	flag.StringVar(&envPath, "env", "", "path to .env file (default ./.env when present)")
	flag.BoolVar(&check, "check", false, "parse the job specification, print the result and exit")
	flag.Parse()

	opts := app.Options{ConfigPath: cfgPath, EnvFile: envPath}

	if check {
		if err := app.Check(os.Stdout, opts); err != nil {
			fatal(err)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(opts)
	if err != nil {
		fatal(err)
	}
	if err := a.Start(ctx); err != nil {
		fatal(err)
	}

	reason := app.StopAppStop
	select {
	case <-ctx.Done():
		reason = app.StopSignal
	case <-a.Done():
		switch {
		case a.Exhausted():
			reason = app.StopAllExhausted
		case a.Err() != nil:
			reason = app.StopFatalError
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "fatal:", err)
	os.Exit(1)
}
