package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/danmuck/torctl/internal/protocol"
	"github.com/danmuck/torctl/internal/tor"
	"github.com/spf13/cobra"
)

func newInfoCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info KEY...",
		Short: "Query GETINFO keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.commandContext(cmd.Context())
			defer cancel()
			ctrl, _, err := opts.connect(ctx)
			if err != nil {
				return err
			}
			defer ctrl.Close()

			values, err := tor.NewClient(ctrl).GetInfo(ctx, args...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, key := range args {
				fmt.Fprintf(out, "%s=%s\n", key, values[key])
			}
			return nil
		},
	}
}

func newSocksCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "socks",
		Short: "Print the first SOCKS listener",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.commandContext(cmd.Context())
			defer cancel()
			ctrl, _, err := opts.connect(ctx)
			if err != nil {
				return err
			}
			defer ctrl.Close()

			host, port, err := tor.NewClient(ctrl).SocksListener(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), net.JoinHostPort(host, strconv.Itoa(port)))
			return nil
		},
	}
}

func newSignalCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "signal NAME",
		Short: "Send a SIGNAL (RELOAD, NEWNYM, SHUTDOWN, ...)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.commandContext(cmd.Context())
			defer cancel()
			ctrl, _, err := opts.connect(ctx)
			if err != nil {
				return err
			}
			defer ctrl.Close()

			name := strings.ToUpper(args[0])
			if err := tor.NewClient(ctrl).Signal(ctx, name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s OK\n", name)
			return nil
		},
	}
}

func newEventsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events [CATEGORY...]",
		Short: "Stream notifications as JSON lines until interrupted",
		Long:  "Subscribes to the given categories, or the profile's session.events, and writes each parsed notification to stdout.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			connectCtx, cancel := opts.commandContext(ctx)
			ctrl, p, err := opts.connect(connectCtx)
			cancel()
			if err != nil {
				return err
			}
			defer ctrl.Close()

			categories := args
			if len(categories) == 0 {
				categories = p.Session.Events
			}
			if len(categories) == 0 {
				return fmt.Errorf("no event categories given")
			}

			var mu sync.Mutex
			enc := json.NewEncoder(cmd.OutOrStdout())
			emit := func(ev protocol.Event) {
				mu.Lock()
				defer mu.Unlock()
				_ = enc.Encode(ev)
			}
			for _, category := range categories {
				subCtx, cancel := opts.commandContext(ctx)
				err := ctrl.Subscribe(subCtx, category, emit)
				cancel()
				if err != nil {
					return fmt.Errorf("subscribe %s: %w", category, err)
				}
			}
			<-ctx.Done()
			return nil
		},
	}
}
