package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/zplc/zplc/internal/debugchan"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var addr string

	cmd := &cobra.Command{
		Use:   "serve <image.zplc>",
		Short: "Load a bytecode image and serve the debug channel while it runs",
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

			listenAddr := addr
			if listenAddr == "" {
				listenAddr = eng.cfg.DebugChannel.ListenAddr
			}

			srv := debugchan.NewServer(eng.mem, eng.sch, eng.hal, eng.log)
			go func() {
				if err := srv.ListenAndServe(listenAddr); err != nil {
					eng.log.Errorf("debug channel stopped: %v", err)
				}
			}()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			eng.sch.Pause() // wait for an operator 'start' over the debug channel
			eng.sch.RunForever(ctx)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "path to a TOML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "debug channel listen address (overrides config)")
	return cmd
}
