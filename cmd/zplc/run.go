package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/zplc/zplc/internal/fault"
)

func newRunCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "run <image.zplc>",
		Short: "Load a bytecode image and run it to completion or interruption",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine(args[0], cfgPath)
			if err != nil {
				if _, ok := err.(*loaderError); ok {
					fmt.Fprintln(os.Stderr, err)
					os.Exit(exitLoader)
				}
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			os.Exit(runToCompletion(ctx, eng))
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "path to a TOML config file")
	return cmd
}

// runToCompletion drives the scheduler until every task has halted or
// faulted, the operator interrupts (ctx cancelled), or nothing is ready
// anymore, returning the §6 exit code that best summarizes the run.
func runToCompletion(ctx context.Context, eng *engine) int {
	for {
		select {
		case <-ctx.Done():
			eng.log.Infof("operator stop")
			return exitOperator
		default:
		}

		if !eng.sch.Tick() {
			return summarizeExit(eng)
		}
	}
}

func summarizeExit(eng *engine) int {
	for _, t := range eng.sch.Tasks() {
		if !t.Faulted() {
			continue
		}
		f := t.FaultInfo()
		eng.log.Errorf("task %d faulted: %s", t.ID, f.Error())
		if f.Code == fault.WatchdogExpired {
			return exitWatchdog
		}
		return exitFault
	}
	return exitClean
}
