package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/railsim/internal/scenario"
	"github.com/ChuLiYu/railsim/internal/server"
	"github.com/ChuLiYu/railsim/pkg/types"
)

const (
	defaultGRPCAddr = "localhost:50051"
	rpcTimeout      = 10 * time.Second
)

func buildSimulateCommand() *cobra.Command {
	var ticks int

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the scenario offline for a number of ticks and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ticks <= 0 {
				return fmt.Errorf("--ticks must be positive, got %d", ticks)
			}
			return simulate(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), ticks)
		},
	}

	cmd.Flags().IntVarP(&ticks, "ticks", "n", 1000, "maximum number of ticks to run")
	return cmd
}

// simulate steps the engine without pacing until every train finishes or the
// tick limit is reached.
func simulate(ctx context.Context, out, logOut io.Writer, maxTicks int) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, logOut)
	if err != nil {
		return err
	}
	sc, err := loadScenario(cfg)
	if err != nil {
		return err
	}
	e, err := newEngine(ctx, cfg, sc, log, nil)
	if err != nil {
		return err
	}
	defer e.Stop()

	var (
		snap      types.Snapshot
		conflicts int
		fallbacks int
	)
	for i := 0; i < maxTicks; i++ {
		snap = e.Step()
		conflicts += len(snap.Conflicts)
		if snap.Decision.Fallback {
			fallbacks++
		}
		if allFinished(snap) {
			break
		}
	}

	fmt.Fprintf(out, "Scenario:   %s\n", sc.Name)
	fmt.Fprintf(out, "Mode:       %s\n", cfg.Optimizer.Mode)
	fmt.Fprintf(out, "Ticks:      %d (%.0fs simulated)\n", snap.Tick, snap.SimTime)
	fmt.Fprintf(out, "Conflicts:  %d\n", conflicts)
	fmt.Fprintf(out, "Fallbacks:  %d\n", fallbacks)
	fmt.Fprintln(out)
	return printTrains(out, snap)
}

func allFinished(snap types.Snapshot) bool {
	for _, v := range snap.Trains {
		if v.Status != types.StatusFinished {
			return false
		}
	}
	return true
}

func buildPlanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print the rolling-horizon plan for the scenario's initial state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return plan(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func plan(ctx context.Context, out, logOut io.Writer) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, logOut)
	if err != nil {
		return err
	}
	sc, err := loadScenario(cfg)
	if err != nil {
		return err
	}
	e, err := newEngine(ctx, cfg, sc, log, nil)
	if err != nil {
		return err
	}
	defer e.Stop()

	p, err := e.RequestPlan(ctx)
	if err != nil {
		return fmt.Errorf("failed to plan: %w", err)
	}

	order := make([]string, len(p.Order))
	for i, id := range p.Order {
		order[i] = string(id)
	}
	fmt.Fprintf(out, "Order:      %s\n", strings.Join(order, " > "))
	fmt.Fprintf(out, "Objective:  lateness=%.1fs makespan=%.1fs weighted=%.1fs\n",
		p.Objective.Lateness, p.Objective.Makespan, p.Objective.Weighted)
	fmt.Fprintf(out, "Evaluated:  %d schedules\n", p.Evaluated)
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TRAIN\tSEGMENT\tSTART(s)\tDURATION(s)\tFIXED")
	for _, a := range p.Admissions {
		fmt.Fprintf(tw, "%s\t%s\t%.1f\t%.1f\t%t\n", a.Train, a.Segment, a.Start, a.Duration, a.Fixed)
	}
	return tw.Flush()
}

func buildValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and the scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validate(cmd.OutOrStdout())
		},
	}
}

func validate(out io.Writer) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Config:     ok (%s)\n", configFile)

	sc, err := loadScenario(cfg)
	if err != nil {
		return err
	}
	tracks, err := sc.Build()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Scenario:   ok (%s: %d nodes, %d edges, %d trains)\n",
		sc.Name, len(tracks.Nodes()), len(tracks.Edges()), len(sc.Trains))
	return nil
}

func buildStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.Context(), cmd.OutOrStdout(), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", defaultGRPCAddr, "gRPC address of the engine")
	return cmd
}

func showStatus(ctx context.Context, out io.Writer, addr string) error {
	client, closeFn, err := dial(addr)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	snap, err := client.State(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch state from %s: %w", addr, err)
	}

	fmt.Fprintf(out, "Tick:       %d\n", snap.Tick)
	fmt.Fprintf(out, "Sim time:   %.0fs\n", snap.SimTime)
	fmt.Fprintf(out, "Mode:       %s\n", snap.Decision.Mode)
	fmt.Fprintf(out, "Conflicts:  %d\n", len(snap.Conflicts))
	fmt.Fprintln(out)
	return printTrains(out, snap)
}

func buildCommandCommand() *cobra.Command {
	var (
		addr  string
		cmdv  types.Command
		kind  string
		train string
		route []string
	)

	cmd := &cobra.Command{
		Use:   "command",
		Short: "Send a command to a running engine",
		Long: `Send one command to a running engine and wait until it is applied.

Types: delay (--amount), hold (--ticks), reroute (--route),
set_speed (--speed), breakdown, remove_train.`,
		Example: `  railsim command --type hold --train DLF1 --ticks 3
  railsim command --type reroute --train DLG1 --route NDLS,NZM,ANVT`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdv.ID = uuid.NewString()
			cmdv.Kind = types.CommandKind(kind)
			cmdv.Train = types.TrainID(train)
			cmdv.Route = route
			return sendCommand(cmd.Context(), cmd.OutOrStdout(), addr, cmdv)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", defaultGRPCAddr, "gRPC address of the engine")
	cmd.Flags().StringVarP(&kind, "type", "t", "", "command type")
	cmd.Flags().StringVar(&train, "train", "", "target train id")
	cmd.Flags().Float64Var(&cmdv.Amount, "amount", 0, "delay in simulated seconds")
	cmd.Flags().IntVar(&cmdv.Ticks, "ticks", 0, "hold length in ticks")
	cmd.Flags().Float64Var(&cmdv.Speed, "speed", 0, "new maximum speed in m/s")
	cmd.Flags().StringSliceVar(&route, "route", nil, "new route as comma-separated node ids")
	cmd.MarkFlagRequired("type")
	cmd.MarkFlagRequired("train")

	return cmd
}

func sendCommand(ctx context.Context, out io.Writer, addr string, c types.Command) error {
	client, closeFn, err := dial(addr)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	if err := client.Command(ctx, c); err != nil {
		return fmt.Errorf("command %s on %s: %w", c.Kind, c.Train, err)
	}
	fmt.Fprintf(out, "Command %s applied (%s %s)\n", c.ID, c.Kind, c.Train)
	return nil
}

func dial(addr string) (*server.Client, func() error, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return server.NewClient(conn), conn.Close, nil
}

func buildScenarioCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Scenario file helpers",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write the demo corridor scenario (.json, .yaml or .yml)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return initScenario(cmd.OutOrStdout(), args[0], force)
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	var out string
	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of scenario files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeSchema(cmd.OutOrStdout(), out)
		},
	}
	schemaCmd.Flags().StringVarP(&out, "out", "o", "", "write to a file instead of stdout")

	cmd.AddCommand(initCmd, schemaCmd)
	return cmd
}

func writeSchema(w io.Writer, path string) error {
	data, err := scenario.MarshalSchema()
	if err != nil {
		return err
	}
	if path == "" {
		_, err = w.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write schema: %w", err)
	}
	fmt.Fprintf(w, "Wrote scenario schema to %s\n", path)
	return nil
}

func initScenario(out io.Writer, path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	sc := scenario.Demo()
	if err := scenario.Write(path, sc); err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote scenario %q with %d trains to %s\n", sc.Name, len(sc.Trains), path)
	return nil
}

func printTrains(out io.Writer, snap types.Snapshot) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "TRAIN\tCLASS\tSTATUS\tSEGMENT\tDELAY(%s)\tPROGRESS\n", snap.TimeUnit)
	for _, v := range snap.Trains {
		segment := "-"
		if v.Segment != nil {
			segment = string(v.Segment.Key())
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.1f\t%.0f%%\n",
			v.ID, v.Class, v.Status, segment, v.Delay, v.RouteProgress*100)
	}
	return tw.Flush()
}
