package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rastro/internal/audit"
	"github.com/smallbiznis/rastro/internal/clock"
	"github.com/smallbiznis/rastro/internal/config"
	"github.com/smallbiznis/rastro/internal/ledger"
	obscontext "github.com/smallbiznis/rastro/internal/observability/context"
	"github.com/smallbiznis/rastro/internal/ticketcounter"
	ticketdomain "github.com/smallbiznis/rastro/internal/ticketcounter/domain"
	"github.com/smallbiznis/rastro/pkg/db"
	"github.com/smallbiznis/rastro/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const usage = `usage: ticketctl <command> [flags]

commands:
  inspect -location ID                 show the counter state of a location
  reset   -location ID -actor NAME -confirm [-reason TEXT]
                                       start a manual epoch at zero
  clear   -confirm                     return every manual epoch to reconciliation
`

var errUsage = errors.New("usage")

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var svc ticketdomain.Service
	app := fx.New(
		fx.NopLogger,
		config.Module,
		fx.Provide(newCLILogger),
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ledger.Module,
		audit.Module,
		ticketcounter.Module,
		fx.Populate(&svc),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		fmt.Fprintf(os.Stderr, "start: %v\n", err)
		os.Exit(1)
	}

	ctx := correlation.ContextWithRemoteSpan(context.Background(), os.Getenv("TICKETCTL_TRACE_ID"), os.Getenv("TICKETCTL_SPAN_ID"))
	ctx, runID := correlation.EnsureCorrelationID(ctx)
	ctx = obscontext.WithRequestID(ctx, runID)
	ctx = obscontext.WithActor(ctx, "operator", "ticketctl")
	err := run(ctx, os.Args[1:], svc, os.Stdout)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = app.Stop(stopCtx)

	if err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "ticketctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, svc ticketdomain.Service, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	cmd := args[0]
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	locationID := fs.Int64("location", 0, "location id")
	actor := fs.String("actor", "", "operator recorded in the audit trail")
	reason := fs.String("reason", "", "why the counter is being reset")
	confirm := fs.Bool("confirm", false, "required for reset and clear")
	if err := fs.Parse(args[1:]); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	switch cmd {
	case "inspect":
		if *locationID <= 0 {
			return fmt.Errorf("-location is required")
		}
		counter, err := svc.GetCounter(ctx, *locationID)
		if err != nil {
			return err
		}
		return writeJSON(out, counter)

	case "reset":
		if *locationID <= 0 {
			return fmt.Errorf("-location is required")
		}
		if strings.TrimSpace(*actor) == "" {
			return fmt.Errorf("-actor is required")
		}
		if !*confirm {
			return fmt.Errorf("reset discards reconciliation for location %d, pass -confirm to proceed", *locationID)
		}
		err := svc.ResetCounter(ctx, ticketdomain.ResetCounterRequest{
			LocationID: *locationID,
			ActorID:    strings.TrimSpace(*actor),
			Reason:     strings.TrimSpace(*reason),
		})
		if err != nil {
			return err
		}
		counter, err := svc.GetCounter(ctx, *locationID)
		if err != nil {
			return err
		}
		return writeJSON(out, counter)

	case "clear":
		if !*confirm {
			return fmt.Errorf("clear touches every manually reset location, pass -confirm to proceed")
		}
		cleared, err := svc.ClearManualResetFlags(ctx)
		if err != nil {
			return fmt.Errorf("cleared %d before failing: %w", cleared, err)
		}
		return writeJSON(out, map[string]int64{"cleared": cleared})

	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newCLILogger keeps stdout for command output.
func newCLILogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(4)
	if err != nil {
		panic(err)
	}
	return node
}
