// ABOUTME: init command writing the commented default config file
// ABOUTME: Refuses to overwrite an existing file unless --force is given

package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-stream/internal/config"
)

var initForce bool

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented default config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := config.ResolvePath(configFlag)
		if err := config.WriteDefault(path, initForce); err != nil {
			return err
		}

		green := color.New(color.FgGreen)
		green.Fprint(cmd.OutOrStdout(), "✓ ")
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}
