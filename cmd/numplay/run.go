package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/caffeineduck/numplay/playground"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run a program in a fresh playground",
	Long: `Load the runtime, run one program and stream its output.

Code can be provided via:
  - File argument: numplay run model.star
  - Inline flag: numplay run -c 'print(np.zeros(3))'
  - Stdin: echo 'print(1+1)' | numplay run
  - Neither: the playground's default program runs (see --preset)`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("code", "c", "", "Code to execute")
	cmd.Flags().StringP("preset", "p", "scratch", "Playground whose default program and messages to use")
}

var errRunFaulted = errors.New("run faulted")

func runRun(cmd *cobra.Command, args []string) error {
	code, _ := cmd.Flags().GetString("code")
	presetName, _ := cmd.Flags().GetString("preset")

	preset, err := playground.Lookup(presetName)
	if err != nil {
		return err
	}
	source, err := readSource(cmd, code, args)
	if err != nil {
		return err
	}
	if source != "" {
		preset.Source = source
	}

	a, err := setup(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	view := playground.New(preset, a.factory, a.viewOptions()...)
	defer view.Unmount(context.Background())

	out := cmd.OutOrStdout()
	view.Mount(ctx)
	err = view.WaitLoaded(ctx)
	printLines(out, view)
	if err != nil {
		return fmt.Errorf("runtime failed to load: %w", err)
	}

	streamCtx, stopStream := context.WithCancel(ctx)
	follower := view.Follow()
	var wg sync.WaitGroup
	wg.Go(func() {
		streamRun(streamCtx, follower, out)
	})

	res, err := view.Run(ctx)
	stopStream()
	wg.Wait()
	if err != nil {
		return err
	}

	footer := fmt.Sprintf("● done in %v (%d lines)", res.Duration.Round(time.Millisecond), res.Lines)
	if res.Fault != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), errorStyle.Render(footer))
		return fmt.Errorf("%w: %v", errRunFaulted, res.Fault)
	}
	fmt.Fprintln(cmd.ErrOrStderr(), systemStyle.Render(footer))
	return nil
}

// readSource returns the program to run, or "" for the preset default.
func readSource(cmd *cobra.Command, code string, args []string) (string, error) {
	switch {
	case code != "":
		return code, nil
	case len(args) > 0:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", err
		}
		return string(data), nil
	}

	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok {
		// Only read piped input, never wait on a terminal.
		stat, err := f.Stat()
		if err != nil || stat.Mode()&os.ModeCharDevice != 0 {
			return "", nil
		}
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
