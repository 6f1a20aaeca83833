package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/courier/internal/dispatcher"
	"github.com/zulandar/courier/internal/producer"
)

func newProduceCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Ask the agent once and store the answer as PENDING",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProduce(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runProduce(cmd *cobra.Command, configPath string) error {
	cfg, s, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	p, err := newProducer(cfg, s, nil, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, err := p.RunOnce(ctx)
	if err != nil {
		return err
	}
	if out.Kind == producer.AgentFailed {
		return fmt.Errorf("agent call failed: %w", out.AgentErr)
	}
	return nil
}

func newDispatchCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Deliver the oldest PENDING result(s) once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runDispatch(cmd *cobra.Command, configPath string) error {
	cfg, s, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	d, err := newDispatcher(cfg, s, nil, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, err := d.RunOnce(ctx)
	if err != nil {
		return err
	}
	if out.Kind == dispatcher.Idle {
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing pending.")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent %d, failed %d, skipped %d\n", out.Sent, out.Failed, out.LostRaces)
	return nil
}
