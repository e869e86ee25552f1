package main

import (
	"fmt"
	"strings"

	"github.com/caffeineduck/numplay/playground"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the built-in playgrounds",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tbl := newTable(cmd.OutOrStdout(), "NAME", "TITLE", "BADGE", "LINES")
		for _, p := range playground.Presets() {
			tbl.AddRow(p.Name, p.Title, p.Badge, strings.Count(p.Source, "\n"))
		}
		tbl.Print()
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <playground>",
	Short: "Print a playground's default program",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := playground.Lookup(args[0])
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), p.Source)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd, showCmd)
}
