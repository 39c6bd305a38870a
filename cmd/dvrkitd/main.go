package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/netplane/dvrkit/log"
	"github.com/netplane/dvrkit/manager"
	"github.com/netplane/dvrkit/manager/notifier"
	"github.com/netplane/dvrkit/manager/resolver"
	"github.com/netplane/dvrkit/manager/scheduler"
	"github.com/netplane/dvrkit/version"
)

func main() {
	if err := mainCmd.Execute(); err != nil {
		log.L.Fatal(err)
	}
}

var mainCmd = &cobra.Command{
	Use:          os.Args[0],
	Short:        "Run the distributed router control process",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		logrus.SetOutput(os.Stderr)
		flag, err := cmd.Flags().GetString("log-level")
		if err != nil {
			log.L.Fatal(err)
		}
		level, err := logrus.ParseLevel(flag)
		if err != nil {
			log.L.Fatal(err)
		}
		logrus.SetLevel(level)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		natsAddr, err := cmd.Flags().GetString("nats-addr")
		if err != nil {
			return err
		}
		downTime, err := cmd.Flags().GetDuration("agent-down-time")
		if err != nil {
			return err
		}
		reconcile, err := cmd.Flags().GetDuration("reconcile-interval")
		if err != nil {
			return err
		}
		maxAgents, err := cmd.Flags().GetInt("max-agents-per-router")
		if err != nil {
			return err
		}
		strategyName, err := cmd.Flags().GetString("scheduling-strategy")
		if err != nil {
			return err
		}
		extraOwners, err := cmd.Flags().GetString("serviceable-owners")
		if err != nil {
			return err
		}

		conn, err := nats.Connect(natsAddr,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return err
		}
		defer conn.Close()

		resolverConfig := resolver.DefaultConfig()
		if extraOwners != "" {
			resolverConfig.ExtraServiceableOwners = strings.Split(extraOwners, ",")
		}

		schedConfig := scheduler.DefaultConfig()
		schedConfig.MaxAgentsPerRouter = maxAgents
		schedConfig.AgentDownTime = downTime
		schedConfig.Strategy = scheduler.StrategyByName(strategyName)

		m := manager.New(manager.Config{
			Caster:            notifier.NewNATSCaster(conn),
			Resolver:          resolverConfig,
			Scheduler:         schedConfig,
			ReconcileInterval: reconcile,
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigChan
			log.G(ctx).Info("shutting down")
			m.Stop()
		}()

		return m.Run(ctx)
	},
}

func init() {
	mainCmd.PersistentFlags().StringP("log-level", "l", "info", "Log level (options \"debug\", \"info\", \"warn\", \"error\", \"fatal\", \"panic\")")
	mainCmd.Flags().String("nats-addr", nats.DefaultURL, "NATS server address for agent notifications")
	mainCmd.Flags().Duration("agent-down-time", 75*time.Second, "Heartbeat staleness after which an agent is considered dead")
	mainCmd.Flags().Duration("reconcile-interval", time.Minute, "How often routers are evacuated from dead agents (0 disables)")
	mainCmd.Flags().Int("max-agents-per-router", 1, "Number of L3 agents a legacy router is scheduled onto")
	mainCmd.Flags().String("scheduling-strategy", "least_routers", "Agent selection strategy (least_routers, chance, az_spread)")
	mainCmd.Flags().String("serviceable-owners", "", "Comma-separated extra device owners treated as DVR-serviceable")

	mainCmd.AddCommand(version.Cmd)
}
