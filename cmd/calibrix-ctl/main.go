// Command calibrix-ctl drives a running calibrix service from the shell.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/banshee-data/calibrix/internal/api"
	"github.com/banshee-data/calibrix/internal/units"
	"github.com/banshee-data/calibrix/internal/version"
)

var (
	server      = flag.String("server", "http://localhost:8080", "Base URL of the calibrix service")
	unitsFlag   = flag.String("units", units.MM, "Length unit of the accuracy report ("+units.GetValidUnitsString()+")")
	versionFlag = flag.Bool("version", false, "Print the version and exit")
)

const usage = `usage: calibrix-ctl [-server URL] [-units UNIT] <command> [args]

commands:
  status              show the acquisition state
  groups              dump the recorded groups
  accuracy            print the accuracy report
  commit              record one measurement now
  start               start automatic acquisition
  stop                stop automatic acquisition
  save NAME [NOTES]   persist the recorded groups
  send COMMAND        send a raw sensor command
`

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if *versionFlag {
		fmt.Println("calibrix-ctl", version.String())
		return
	}
	if !units.IsValid(*unitsFlag) {
		fmt.Fprintf(os.Stderr, "calibrix-ctl: invalid units %q, expected one of %s\n", *unitsFlag, units.GetValidUnitsString())
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := api.NewClient(*server, nil)
	if err := run(ctx, c, flag.Args(), *unitsFlag, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "calibrix-ctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *api.Client, args []string, unit string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("missing command\n%s", usage)
	}
	var (
		v   interface{}
		err error
	)
	switch args[0] {
	case "status":
		v, err = c.Status(ctx)
	case "groups":
		v, err = c.Groups(ctx)
	case "accuracy":
		var rows []api.AccuracyAPI
		if rows, err = c.Accuracy(ctx); err == nil {
			printAccuracy(out, rows, unit)
			return nil
		}
	case "commit":
		v, err = c.Commit(ctx)
	case "start":
		v, err = c.StartAuto(ctx)
	case "stop":
		v, err = c.StopAuto(ctx)
	case "save":
		if len(args) < 2 {
			return fmt.Errorf("save needs a run name")
		}
		var id string
		if id, err = c.SaveRun(ctx, args[1], strings.Join(args[2:], " ")); err == nil {
			fmt.Fprintln(out, id)
			return nil
		}
	case "send":
		if len(args) < 2 {
			return fmt.Errorf("send needs a command")
		}
		return c.SendCommand(ctx, strings.Join(args[1:], " "))
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printAccuracy(out io.Writer, rows []api.AccuracyAPI, unit string) {
	fmtOpt := func(v *float64) string {
		if v == nil {
			return "-"
		}
		return fmt.Sprintf("%.4f", units.ConvertLength(*v, unit))
	}
	fmt.Fprintf(out, "all lengths in %s\n", unit)
	fmt.Fprintf(out, "%-6s %-6s %12s %12s %12s %12s\n", "group", "step", "expected", "mean", "reversal", "repeat")
	for _, r := range rows {
		if r.Aggregate {
			fmt.Fprintf(out, "%-6d %-6s  E=%s  M=%s  A=%s  R=%s\n", r.GroupID, "total",
				fmtOpt(r.SystematicError), fmtOpt(r.MeanRange), fmtOpt(r.PositioningAccuracy), fmtOpt(r.RepeatabilityBidirectional))
			continue
		}
		fmt.Fprintf(out, "%-6d %-6d %12s %12s %12s %12s\n", r.GroupID, r.StepNumber,
			fmtOpt(r.ExpectedPosition), fmtOpt(r.MeanBidirectional), fmtOpt(r.ReversalError), fmtOpt(r.RepeatabilityBidirectional))
	}
}
