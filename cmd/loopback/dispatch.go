package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/loopback/internal/dispatch"
	"github.com/mattjoyce/loopback/internal/log"
	"github.com/mattjoyce/loopback/internal/nonce"
	"github.com/mattjoyce/loopback/internal/protocol"
	"github.com/mattjoyce/loopback/internal/task"
)

func newDispatchCmd(configPath *string) *cobra.Command {
	var (
		blocking bool
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "dispatch <task> [json-arg...]",
		Short: "Send a task to a running loopback server",
		Long: `Send a task to the configured endpoint. Each argument is parsed as JSON;
anything that is not valid JSON is sent as a string.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *configPath)
			if err != nil {
				return err
			}
			log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

			reg, err := newRegistry()
			if err != nil {
				return err
			}
			w, err := newWorker(cfg, reg, nil)
			if err != nil {
				return err
			}

			identifier, taskArgs := args[0], parseArgs(args[1:])
			ctx := cmd.Context()

			if !blocking {
				if err := w.Dispatch(ctx, identifier, taskArgs...); err != nil {
					return describeDispatchError(err)
				}
				w.Wait()
				fmt.Fprintf(cmd.OutOrStdout(), "dispatched %s\n", identifier)
				return nil
			}

			res, err := w.DispatchBlockingTimeout(ctx, timeout, identifier, taskArgs...)
			if err != nil {
				return describeDispatchError(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(res.Payload))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&blocking, "blocking", "b", false, "Wait for the task and print its result")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Blocking timeout (default dispatch.blocking_timeout)")
	return cmd
}

func newTokenCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "token <task> [json-arg...]",
		Short: "Print the request token for a task reference",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *configPath)
			if err != nil {
				return err
			}

			signer, err := nonce.NewSigner([]byte(cfg.Nonce.Secret), nonce.WithLifetime(cfg.Nonce.Lifetime))
			if err != nil {
				return err
			}

			data, err := protocol.EncodeArgs(parseArgs(args[1:]))
			if err != nil {
				return err
			}
			raw, err := protocol.DecodeArgs(data)
			if err != nil {
				return err
			}
			canonical, err := protocol.Canonical(raw)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s=%s\n", protocol.FieldClass, args[0])
			fmt.Fprintf(out, "%s=%s\n", protocol.FieldData, data)
			fmt.Fprintf(out, "%s=%s\n", protocol.FieldNonce, signer.Create(args[0], canonical))
			fmt.Fprintf(out, "tick=%d\n", signer.Tick(time.Now()))
			return nil
		},
	}
}

// parseArgs decodes each CLI argument as JSON, falling back to the raw string.
func parseArgs(args []string) []any {
	out := make([]any, 0, len(args))
	for _, a := range args {
		var v any
		dec := json.NewDecoder(strings.NewReader(a))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil || dec.More() {
			out = append(out, a)
			continue
		}
		out = append(out, v)
	}
	return out
}

// describeDispatchError adds a hint to the dispatch error kinds.
func describeDispatchError(err error) error {
	var te *task.Error
	var transport *dispatch.TransportError
	switch {
	case errors.Is(err, dispatch.ErrInvalidTaskKind):
		return fmt.Errorf("%w (is the task registered on both sides?)", err)
	case errors.Is(err, dispatch.ErrRejected):
		return fmt.Errorf("%w (check nonce.secret, site.base_url and the server clock)", err)
	case errors.As(err, &transport) && transport.Timeout():
		return fmt.Errorf("timed out waiting for the task: %w", err)
	case errors.As(err, &te):
		return fmt.Errorf("task failed: %w", err)
	}
	return err
}
