package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"movecheck/internal/loader"
)

var disasmCmd = &cobra.Command{
	Use:   "disasm <manifest.toml>...",
	Short: "Print assembled modules with resolved operands",
	Long: `Disasm loads the given module manifests together, so cross-module
calls resolve, and prints every module with its structs, constants and code.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := loader.NewRegistry()
		mods, err := reg.LoadFiles(args...)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for i, m := range mods {
			if i > 0 {
				fmt.Fprintln(out)
			}
			if err := reg.Disasm(out, m); err != nil {
				return err
			}
		}
		return nil
	},
}
