// Command controlplane runs (or talks to) the power-grid co-simulation
// control plane: the websocket query/publish servers, every simulator, and a
// thin CLI front-end built on the programmatic client for status, event, and
// shutdown operations against an already-running instance.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	wclient "github.com/fkie-cad/wattson-controlplane/controlplane/client"
	"github.com/fkie-cad/wattson-controlplane/controlplane/config"
	"github.com/fkie-cad/wattson-controlplane/controlplane/logging"
	"github.com/fkie-cad/wattson-controlplane/controlplane/protocol"
)

var (
	flagQueryAddr     string
	flagPublishAddr   string
	flagQueryURL      string
	flagPublishURL    string
	flagScenario      string
	flagDevelopment   bool
	flagTimeout       time.Duration
	flagTraceEndpoint string
)

var rootCmd = &cobra.Command{
	Use:   "controlplane",
	Short: "Power-grid co-simulation control plane",
	Long: `controlplane hosts the query/publish websocket protocol that ties
together the grid, network, time, and data point simulators, and doubles as
a CLI client against an already-running instance.

Examples:
  controlplane run --scenario ./scenarios/substation
  controlplane status
  controlplane event wait go --timeout 30s
  controlplane event set go
  controlplane shutdown`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagQueryURL, "query-url", "ws://127.0.0.1:9090/query", "query websocket URL of a running controller (client subcommands)")
	rootCmd.PersistentFlags().StringVar(&flagPublishURL, "publish-url", "ws://127.0.0.1:9091/publish", "publish websocket URL of a running controller (client subcommands)")
	rootCmd.PersistentFlags().DurationVar(&flagTimeout, "timeout", 10*time.Second, "client operation timeout")

	runCmd.Flags().StringVar(&flagQueryAddr, "query-addr", ":9090", "address the query websocket listens on")
	runCmd.Flags().StringVar(&flagPublishAddr, "publish-addr", ":9091", "address the publish websocket listens on")
	runCmd.Flags().StringVar(&flagScenario, "scenario", "", "path to a scenario YAML file to load at startup")
	runCmd.Flags().BoolVar(&flagDevelopment, "development", false, "use a development (console) logger instead of production JSON")
	runCmd.Flags().StringVar(&flagTraceEndpoint, "trace-collector", "", "OTLP/gRPC collector endpoint for tracing (tracing disabled if empty)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(eventCmd)
	rootCmd.AddCommand(shutdownCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a controller instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}

		cfg := config.Default()
		cfg.QueryAddr = flagQueryAddr
		cfg.PublishAddr = flagPublishAddr

		s, err := newServer(cfg, logger, flagTraceEndpoint)
		if err != nil {
			return fmt.Errorf("build server: %w", err)
		}
		if err := s.LoadScenario(flagScenario); err != nil {
			return fmt.Errorf("load scenario: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			logger.Info("signal_received", "signal", sig.String())
			cancel()
		}()

		return s.Run(ctx)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query registry and simulator status from a running controller",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient("status-cli")
		if err := connectAndRegister(c); err != nil {
			return err
		}
		defer c.Close()

		simResp, err := c.Query(protocol.QueryGetSimulators, nil)
		if err != nil {
			return err
		}
		fmt.Printf("simulators: %v\n", simResp.Payload["simulators"])

		echoResp, err := c.Query(protocol.QueryEcho, nil)
		if err != nil {
			return err
		}
		fmt.Printf("reachable: %v\n", echoResp.OK)
		return nil
	},
}

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Get, set, clear, or wait on a named event",
}

var eventGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Print whether an event is currently set",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient("event-cli")
		if err := connectAndRegister(c); err != nil {
			return err
		}
		defer c.Close()

		resp, err := c.Query(protocol.QueryGetEventState, map[string]any{"name": args[0]})
		if err != nil {
			return err
		}
		fmt.Printf("%s: %v\n", args[0], resp.Payload["state"])
		return nil
	},
}

var eventSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Set a named event, waking every waiter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient("event-cli")
		if err := connectAndRegister(c); err != nil {
			return err
		}
		defer c.Close()

		_, err := c.Query(protocol.QuerySetEvent, map[string]any{"name": args[0]})
		return err
	},
}

var eventClearCmd = &cobra.Command{
	Use:   "clear <name>",
	Short: "Clear a named event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient("event-cli")
		if err := connectAndRegister(c); err != nil {
			return err
		}
		defer c.Close()

		_, err := c.Query(protocol.QueryClearEvent, map[string]any{"name": args[0]})
		return err
	},
}

var eventWaitCmd = &cobra.Command{
	Use:   "wait <name>",
	Short: "Block until a named event is set or the timeout elapses",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient("event-cli")
		if err := connectAndRegister(c); err != nil {
			return err
		}
		defer c.Close()

		fired, err := c.EventWait(args[0], flagTimeout)
		if err != nil {
			return err
		}
		if !fired {
			return fmt.Errorf("event %q was not set within %s", args[0], flagTimeout)
		}
		fmt.Printf("%s: set\n", args[0])
		return nil
	},
}

func init() {
	eventCmd.AddCommand(eventGetCmd, eventSetCmd, eventClearCmd, eventWaitCmd)
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Request a graceful shutdown of a running controller",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient("shutdown-cli")
		if err := connectAndRegister(c); err != nil {
			return err
		}
		defer c.Close()

		resp, err := c.Query(protocol.QueryRequestShutdown, nil)
		if err != nil {
			return err
		}
		if !resp.OK {
			return fmt.Errorf("shutdown refused: %v", resp.Payload["error"])
		}
		fmt.Println("shutdown requested")
		return nil
	},
}

func newLogger() (logging.Logger, error) {
	if flagDevelopment {
		return logging.NewDevelopment()
	}
	return logging.New()
}

func newClient(name string) *wclient.Client {
	return wclient.New(wclient.Config{
		QueryURL:   flagQueryURL,
		PublishURL: flagPublishURL,
		Name:       name,
	})
}

func connectAndRegister(c *wclient.Client) error {
	if err := c.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := c.RequireConnection(flagTimeout); err != nil {
		return fmt.Errorf("require connection: %w", err)
	}
	if err := c.Register(); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
