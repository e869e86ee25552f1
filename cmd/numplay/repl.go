package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/caffeineduck/numplay/executor"
	"github.com/caffeineduck/numplay/playground"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive playground session",
	Long: `Start an interactive session on one playground.

Each entry runs as a fresh program against the already loaded runtime, the
way the Run button does. Packages loaded at startup stay available.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)

Commands:
  :run      run the playground's current program
  :source   print the current program
  :reset    restore the default program (asks first)
  :status   show the run status

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
	Args: cobra.NoArgs,
	RunE: runRepl,
}

func init() {
	replCmd.Flags().StringP("preset", "p", "scratch", "Playground to start from")
	replCmd.Flags().String("history", "", "History file path (default: ~/.numplay_history)")
	rootCmd.AddCommand(replCmd)
}

const (
	promptMain = ">>> "
	promptCont = "... "
)

func runRepl(cmd *cobra.Command, args []string) error {
	presetName, _ := cmd.Flags().GetString("preset")
	historyFile, _ := cmd.Flags().GetString("history")

	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".numplay_history")
	}

	preset, err := playground.Lookup(presetName)
	if err != nil {
		return err
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
	if err := view.WaitLoaded(ctx); err != nil {
		printLines(out, view)
		return fmt.Errorf("runtime failed to load: %w", err)
	}
	printLines(out, view)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            promptMain,
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		Stdout:            out,
		Stderr:            cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(cmd.ErrOrStderr(), "numplay %s REPL (type 'exit' to quit, Ctrl+D to exit)\n", preset.Name)

	confirm := executor.ConfirmFunc(func(prompt string) bool {
		rl.SetPrompt(prompt + " [y/N] ")
		defer rl.SetPrompt(promptMain)
		answer, err := rl.Readline()
		if err != nil {
			return false
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		return answer == "y" || answer == "yes"
	})

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt(promptMain)
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(out)
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		// Handle multi-line input
		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt(promptCont)
			continue
		}

		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt(promptMain)
		}

		if strings.TrimSpace(line) == "" {
			continue
		}

		switch strings.TrimSpace(line) {
		case "exit", "quit":
			return nil
		case ":source":
			fmt.Fprint(out, view.Snapshot().Source)
			continue
		case ":status":
			fmt.Fprintln(out, view.Snapshot().StatusLabel)
			continue
		case ":reset":
			outcome := view.Reset(confirm)
			fmt.Fprintln(out, systemStyle.Render("reset "+outcome.String()))
			continue
		case ":run":
		default:
			view.Edit(line)
		}

		if _, err := view.Run(ctx); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %v\n", errorStyle.Render("Error:"), err)
			continue
		}
		printLines(out, view)
	}
}

func printLines(w io.Writer, view *playground.View) {
	for _, line := range view.Output() {
		fmt.Fprintln(w, renderLine(line))
	}
}
