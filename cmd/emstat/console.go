package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/banshee-data/emstat/internal/serialmux"
)

var consoleSimulate bool

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Raw serial console",
	Long: `Prints every line the device sends and writes each line typed on stdin
as a command, e.g. "t" for the version query or "Z" to abort. No session
logic is applied.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var mux serialmux.SerialMuxInterface
		if consoleSimulate {
			m := serialmux.NewSerialMux[serialmux.SerialPorter](serialmux.NewSimulatedDevice())
			mux = m
		} else {
			if cfg.GetPort() == "" {
				return errNoPort
			}
			m, err := serialmux.NewRealSerialMux(cfg.GetPort(), cfg.SerialOptions())
			if err != nil {
				return err
			}
			mux = m
		}
		defer mux.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return consoleLoop(ctx, mux, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := serialmux.ListPorts()
		if err != nil {
			return err
		}
		for _, p := range ports {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
		return nil
	},
}

func init() {
	consoleCmd.Flags().BoolVar(&consoleSimulate, "simulate", false, "Talk to a simulated device")
	rootCmd.AddCommand(consoleCmd, portsCmd)
}

// consoleLoop copies device lines to out and input lines to the device until
// ctx is done or the port fails.
func consoleLoop(ctx context.Context, mux serialmux.SerialMuxInterface, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	id, lines := mux.SubscribeLossless()
	defer mux.Unsubscribe(id)

	monitorErr := make(chan error, 1)
	go func() { monitorErr <- mux.Monitor(ctx) }()

	inputErr := make(chan error, 1)
	go func(errc chan<- error) {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			if err := mux.SendCommand(sc.Text()); err != nil {
				errc <- err
				return
			}
		}
		errc <- sc.Err()
	}(inputErr)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			fmt.Fprint(out, line)
		case err := <-inputErr:
			if err != nil {
				return err
			}
			// Keep printing replies after the input ends.
			inputErr = nil
		case err := <-monitorErr:
			if err == nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("serial read failed: %w", err)
		}
	}
}
