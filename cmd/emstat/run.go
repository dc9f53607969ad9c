package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/emstat/internal/db"
	"github.com/banshee-data/emstat/internal/export"
	"github.com/banshee-data/emstat/internal/fsutil"
	"github.com/banshee-data/emstat/internal/monitoring"
	"github.com/banshee-data/emstat/internal/recorder"
	"github.com/banshee-data/emstat/internal/session"
)

var (
	runCSV      string
	runRecord   bool
	runSimulate bool
	runTimeout  time.Duration
)

// abortGrace bounds the wait for the abort acknowledgement after an
// interrupt.
const abortGrace = 3 * time.Second

var runCmd = &cobra.Command{
	Use:   "run <script.mscr | ->",
	Short: "Run one MethodSCRIPT and print the readings",
	Long: `Connects to the device, verifies it, sends the script and prints every
reading once the script ends. Interrupting the command aborts the script.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runCSV, "csv", "", "Also write the readings to this CSV file")
	runCmd.Flags().BoolVar(&runRecord, "record", false, "Record the run to the database")
	runCmd.Flags().BoolVar(&runSimulate, "simulate", false, "Use a simulated device instead of the serial port")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Abort the script after this long (0 waits forever)")
	rootCmd.AddCommand(runCmd)
}

func readScript(path string, stdin io.Reader) ([]byte, string, error) {
	if path == "-" {
		b, err := io.ReadAll(stdin)
		return b, "stdin", err
	}
	b, err := os.ReadFile(path)
	return b, filepath.Base(path), err
}

func runRun(cmd *cobra.Command, args []string) error {
	script, name, err := readScript(args[0], cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("failed to read script: %w", err)
	}

	d, err := newDialer(cfg, runSimulate)
	if err != nil {
		return err
	}

	var observe func(session.Event)
	if runRecord {
		store, err := db.NewDB(cfg.GetDBPath())
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer store.Close()
		rec := recorder.New(store, nil)
		rec.SetScriptName(name)
		observe = rec.Handle
		defer func() {
			// The closing events of the session are not consumed here, so
			// a run left open by a failed abort is closed explicitly.
			rec.Handle(session.StateChanged{From: session.StateIdleConnected, To: session.StateIdle})
		}()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	res, err := execute(ctx, session.New(d.Dial, cfg.SessionOptions()), script, observe)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if err := readingTable(out, res.Readings); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%s: %d readings from %s\n", res.Outcome, len(res.Readings), res.Device)

	if runCSV != "" {
		rows := make([]db.Reading, len(res.Readings))
		for i, r := range res.Readings {
			rows[i] = db.NewReading(r.Index, r.Voltage, r.Current, r.Status, r.Range)
		}
		err := export.SaveFile(fsutil.OSFileSystem{}, runCSV, func(w io.Writer) error {
			return export.WriteCSV(w, rows)
		})
		if err != nil {
			return fmt.Errorf("failed to write csv: %w", err)
		}
	}
	return nil
}

// result is the outcome of one script execution.
type result struct {
	Device   string
	Outcome  db.Outcome
	Readings []session.Reading
}

var errRejected = errors.New("device rejected")

// execute connects sess, runs script and waits for it to end. Cancelling ctx
// aborts the script; the abort acknowledgement is awaited for abortGrace.
// observe, when set, sees every event.
func execute(ctx context.Context, sess *session.Session, script []byte, observe func(session.Event)) (result, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sess.Run(runCtx) }()
	defer func() {
		if err := sess.Disconnect(context.Background()); err != nil {
			monitoring.Logf("disconnect: %v", err)
		}
		cancel()
		<-done
	}()

	if err := sess.Connect(ctx); err != nil {
		return result{}, fmt.Errorf("failed to connect: %w", err)
	}

	var (
		res      result
		ended    bool
		sent     bool
		aborting <-chan time.Time
		ctxDone  = ctx.Done()
	)
	for {
		select {
		case <-ctxDone:
			ctxDone = nil
			if !sent {
				return res, ctx.Err()
			}
			monitoring.Logf("aborting script")
			if err := sess.Abort(context.Background()); err != nil {
				return res, fmt.Errorf("failed to abort: %w", err)
			}
			aborting = time.After(abortGrace)

		case <-aborting:
			res.Outcome = db.OutcomeAborted
			return res, errors.New("device did not acknowledge the abort")

		case ev, ok := <-sess.Events():
			if !ok {
				return res, session.ErrNotRunning
			}
			logEvent(ev)
			if observe != nil {
				observe(ev)
			}
			switch ev := ev.(type) {
			case session.DeviceVerified:
				res.Device = ev.Version
				if err := sess.SendScript(ctx, bytes.NewReader(script)); err != nil {
					return res, fmt.Errorf("failed to send script: %w", err)
				}
				sent = true
			case session.DeviceRejected:
				return res, fmt.Errorf("%w: %v", errRejected, ev.Err)
			case session.ReadingAdded:
				res.Readings = append(res.Readings, ev.Reading)
			case session.MeasurementEnded:
				ended = true
			case session.MeasurementAborted:
				res.Outcome = db.OutcomeAborted
				return res, nil
			case session.StateChanged:
				switch {
				case ev.To == session.StateIdle:
					res.Outcome = db.OutcomeDisconnected
					return res, errors.New("device disconnected")
				case ended && ev.From == session.StateScriptRunning:
					res.Outcome = db.OutcomeCompleted
					return res, nil
				}
			}
		}
	}
}
