package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"i4.energy/across/atclient/at"
	"i4.energy/across/atclient/modem"
)

const eventHistory = 100

var (
	rawSuccess = at.MustPattern("OK", at.OK+at.CRLF, at.Exact)
	rawErrors  = []at.Pattern{
		at.MustPattern("ERROR", at.ERROR+at.CRLF, at.Exact),
		at.MustPattern("CME ERROR", `\+CME ERROR: [^\r\n]*\r\n`, at.Regex),
		at.MustPattern("CMS ERROR", `\+CMS ERROR: [^\r\n]*\r\n`, at.Regex),
	}
)

// rawCommand wraps an ad-hoc command line. It succeeds on OK and fails on
// ERROR, +CME ERROR or +CMS ERROR.
func rawCommand(line string, timeout time.Duration) (*at.Command, error) {
	line = strings.TrimRight(line, at.CRLF)
	if strings.TrimSpace(line) == "" {
		return nil, fmt.Errorf("%w: empty command line", at.ErrInvalidCommand)
	}
	return at.NewCommand(line, []byte(line+at.CRLF), rawSuccess, rawErrors, timeout)
}

func printResolution(w io.Writer, r modem.Resolution) {
	fmt.Fprintf(w, "%-12s %-8s %6dms %q\n", r.Command.Name, r.Outcome, r.Elapsed().Milliseconds(), r.Text)
}

func newPortsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := modem.ListPorts()
			if err != nil {
				return err
			}
			for _, p := range ports {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}

func newSendCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "send NAME...",
		Short: "Send catalog commands in order and print their outcomes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmds := make([]*at.Command, 0, len(args))
			for _, name := range args {
				c, err := a.catalog.Command(name)
				if err != nil {
					return err
				}
				cmds = append(cmds, c)
			}
			return a.execAll(cmd.Context(), cmd.OutOrStdout(), cmds)
		},
	}
}

func newRawCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "raw TEXT",
		Short: "Send an ad-hoc command line (CRLF appended)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rawCommand(args[0], a.config.CommandTimeout)
			if err != nil {
				return err
			}
			return a.execAll(cmd.Context(), cmd.OutOrStdout(), []*at.Command{c})
		},
	}
	cmd.Flags().Duration("timeout", 0, "Command timeout (default 5s)")
	return cmd
}

// execAll runs cmds one after the other and fails if any did not succeed.
func (a *app) execAll(ctx context.Context, out io.Writer, cmds []*at.Command) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := a.startClient(ctx, nil)
	if err != nil {
		return err
	}
	defer a.stopClient(c)

	failed := 0
	for _, cmd := range cmds {
		r, err := c.Exec(ctx, cmd)
		if err != nil {
			return err
		}
		printResolution(out, r)
		if r.Outcome != at.Success {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d commands did not succeed", failed, len(cmds))
	}
	return nil
}

func newListenCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "listen [EVENT...]",
		Short: "Print catalog events as they arrive (all events by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			names := args
			if len(names) == 0 {
				names = a.catalog.EventNames()
			}

			c, err := a.startClient(ctx, nil)
			if err != nil {
				return err
			}
			defer a.stopClient(c)

			out := cmd.OutOrStdout()
			for _, name := range names {
				ev, err := a.catalog.Event(name, func(e *at.Event, match string) {
					a.logger.Info("Event received", "event", e.Name, "match", match)
					fmt.Fprintf(out, "%s %-8s %q\n", time.Now().Format(time.RFC3339), e.Name, match)
				}, at.Reoccurring)
				if err != nil {
					return err
				}
				if err := c.RegisterEvent(ev); err != nil {
					return err
				}
			}

			a.logger.Info("Listening for events", "events", names)
			<-ctx.Done()
			return nil
		},
	}
}

func newSMSCommand(a *app) *cobra.Command {
	var setup bool
	cmd := &cobra.Command{
		Use:   "sms RECIPIENT TEXT",
		Short: "Send a text message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := a.startClient(ctx, nil)
			if err != nil {
				return err
			}
			defer a.stopClient(c)

			if setup {
				if err := a.setup(ctx, c); err != nil {
					return err
				}
			}

			ref, err := modem.SendSMS(ctx, c, args[0], args[1], a.config.CommandTimeout)
			if err != nil {
				a.logger.Error("Failed to send SMS", "error", err, "to", args[0])
				return err
			}
			a.logger.Info("SMS sent successfully", "to", args[0], "message_length", len(args[1]), "reference", ref)
			fmt.Fprintln(cmd.OutOrStdout(), ref)
			return nil
		},
	}
	cmd.Flags().BoolVar(&setup, "setup", false, "Run the modem bring-up sequence first")
	cmd.Flags().Duration("timeout", 0, "Timeout of each command (default 5s)")
	return cmd
}

func (a *app) setup(ctx context.Context, c *modem.Client) error {
	a.logger.Info("Setting up modem")
	err := modem.Setup(ctx, c, modem.SetupOptions{
		PIN:            a.config.SimPIN,
		CommandTimeout: a.config.CommandTimeout,
	})
	if err != nil {
		a.logger.Error("Modem setup failed", "error", err)
		return fmt.Errorf("setup: %w", err)
	}
	return nil
}

func newServeCommand(a *app) *cobra.Command {
	var setup bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose the device over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context(), setup)
		},
	}
	cmd.Flags().String("bind-address", "0.0.0.0:8080", "Bind address for the HTTP server")
	cmd.Flags().StringSlice("events", nil, "Catalog events to record (default RING,CMTI)")
	cmd.Flags().Duration("timeout", 0, "Timeout of raw and SMS commands (default 5s)")
	cmd.Flags().BoolVar(&setup, "setup", false, "Run the modem bring-up sequence before serving")
	return cmd
}

func (a *app) serve(ctx context.Context, setup bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := a.startClient(ctx, nil)
	if err != nil {
		return err
	}

	if setup {
		if err := a.setup(ctx, c); err != nil {
			a.stopClient(c)
			return err
		}
	}

	events := newEventLog(eventHistory)
	for _, name := range a.config.Events {
		ev, err := a.catalog.Event(name, events.Record, at.Reoccurring)
		if err == nil {
			err = c.RegisterEvent(ev)
		}
		if err != nil {
			a.stopClient(c)
			return err
		}
	}

	logger := a.logger.With("component", "server")
	httpServer := &http.Server{
		Addr:              a.config.BindAddress,
		Handler:           NewServer(logger, c, a.catalog, events, a.config.CommandTimeout),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	a.notify(daemon.SdNotifyReady)

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Received shutdown signal")
	case serveErr = <-errc:
		a.logger.Error("HTTP server failed", "error", serveErr)
	}

	a.notify(daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a.logger.Info("Closing HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("Failed to gracefully shutdown server", "error", err)
	}

	a.logger.Info("Closing device connection")
	a.stopClient(c)
	return serveErr
}

// notify reports state to systemd when running under it.
func (a *app) notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		a.logger.Warn("Failed to notify systemd", "state", state, "error", err)
	case sent:
		a.logger.Debug("Notified systemd", "state", state)
	}
}
