package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tncl-dev/tncl/internal/function"
	"github.com/tncl-dev/tncl/internal/log"
	"github.com/tncl-dev/tncl/internal/model"
)

var (
	flagInvokeName       string
	flagReadyTimeout     string
	flagExecutionTimeout string
)

var invokeCmd = &cobra.Command{
	Use:   "invoke IMAGE [PAYLOAD...]",
	Short: "start IMAGE and call it with each payload, payloads are read from stdin lines when none are given",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doInvoke,
}

func doInvoke(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("tncl",
		slog.String("cmd", "invoke"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	fnCfg := config.Function
	fnCfg.Image = args[0]
	fnCfg.Name = args[0]
	if flagInvokeName != "" {
		fnCfg.Name = flagInvokeName
	}
	if flagReadyTimeout != "" {
		fnCfg.ReadyTimeout = flagReadyTimeout
	}
	if flagExecutionTimeout != "" {
		fnCfg.ExecutionTimeout = flagExecutionTimeout
	}

	fn, err := newFunction(config.Engine, fnCfg)
	if err != nil {
		return err
	}
	if err := fn.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := fn.Stop(context.WithoutCancel(ctx)); err != nil {
			slog.ErrorContext(ctx, "stopping function failed", "error", err)
		}
	}()

	payloads := args[1:]
	if len(payloads) > 0 {
		for _, payload := range payloads {
			if err := call(ctx, fn, []byte(payload), cmd.OutOrStdout()); err != nil {
				return err
			}
		}
		return nil
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		if err := call(ctx, fn, scanner.Bytes(), cmd.OutOrStdout()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func newFunction(eng model.Engine, cfg model.Function) (*function.Function, error) {
	ready, execution, err := cfg.Timeouts()
	if err != nil {
		return nil, err
	}
	return function.New(cfg.Name, cfg.Image,
		function.WithEngine(engineFromConfig(eng)),
		function.WithReadyTimeout(ready),
		function.WithExecutionTimeout(execution),
	), nil
}

func call(ctx context.Context, fn *function.Function, payload []byte, out io.Writer) error {
	resp, err := fn.Call(ctx, payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s\n", resp)
	return err
}
