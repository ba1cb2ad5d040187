package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zplc/zplc/internal/config"
	"github.com/zplc/zplc/internal/loader"
)

func newLoadCmd() *cobra.Command {
	var cfgPath string
	var check bool

	cmd := &cobra.Command{
		Use:   "load <image.zplc>",
		Short: "Validate a bytecode image without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !check {
				return fmt.Errorf("load currently only supports --check; use 'run' to execute an image")
			}

			cfg := config.Defaults
			if cfgPath != "" {
				loaded, err := config.Load(cfgPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}

			buf, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			img, f := loader.Parse(buf, cfg.Memory.ToSpaceConfig().CodeSize)
			if f != nil {
				fmt.Fprintln(os.Stderr, f.Error())
				os.Exit(exitLoader)
			}

			fmt.Printf("OK: %d bytes of CODE, entry_point=%d, %d task(s)\n", len(img.Code), img.EntryPoint, len(img.Tasks))
			for _, t := range img.Tasks {
				fmt.Printf("  task %d: priority=%d interval_us=%d entry_point=%d stack_size=%d\n",
					t.ID, t.Priority, t.IntervalUs, t.EntryPoint, t.StackSize)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "path to a TOML config file")
	cmd.Flags().BoolVar(&check, "check", false, "validate the image and print a summary without running it")
	return cmd
}
