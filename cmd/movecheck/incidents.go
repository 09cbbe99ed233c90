package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"movecheck/internal/incident"
	"movecheck/internal/paranoid"
)

var incidentsCmd = &cobra.Command{
	Use:   "incidents [DIR]",
	Short: "List incidents captured by replay",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runIncidents,
}

func init() {
	incidentsCmd.Flags().String("id", "", "show one incident in full")
	incidentsCmd.Flags().String("code", "", "only list incidents with this error code (e.g. TypeMismatch)")
}

func runIncidents(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	dir := cfg.incidentDir()
	if len(args) == 1 {
		dir = args[0]
	}
	id, err := cmd.Flags().GetString("id")
	if err != nil {
		return fmt.Errorf("failed to get id flag: %w", err)
	}
	codeName, err := cmd.Flags().GetString("code")
	if err != nil {
		return fmt.Errorf("failed to get code flag: %w", err)
	}

	store, err := incident.OpenStore(dir)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if id != "" {
		in, ok, err := store.Get(id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("incident %s not found in %s", id, dir)
		}
		printIncident(out, in)
		return nil
	}

	var filter *paranoid.Code
	if codeName != "" {
		code, err := paranoid.ParseCode(codeName)
		if err != nil {
			return err
		}
		filter = &code
	}
	list, err := store.List()
	if err != nil {
		return err
	}
	shown := 0
	for _, in := range list {
		if filter != nil && in.Code != int(*filter) {
			continue
		}
		scenario := in.Scenario
		if scenario == "" {
			scenario = "-"
		}
		fmt.Fprintf(out, "%s  %s  %-20s %s\n", in.ID, in.Time.Local().Format(time.DateTime), scenario, in.Summary())
		shown++
	}
	if shown == 0 {
		fmt.Fprintf(out, "no incidents in %s\n", dir)
	}
	return nil
}

func printIncident(out io.Writer, in *incident.Incident) {
	fmt.Fprintf(out, "id:       %s\n", in.ID)
	fmt.Fprintf(out, "time:     %s\n", in.Time.Local().Format(time.RFC3339))
	if in.Scenario != "" {
		fmt.Fprintf(out, "scenario: %s\n", in.Scenario)
	}
	fmt.Fprintf(out, "phase:    %s\n", in.Phase)
	fmt.Fprintf(out, "error:    PTC%d (%s): %s\n", in.Code, in.CodeName, in.Message)
	if in.Function != "" {
		fmt.Fprintf(out, "function: %s\n", in.Function)
	}
	if in.Offset >= 0 {
		fmt.Fprintf(out, "offset:   %d\n", in.Offset)
	}
	if in.Instr != "" {
		fmt.Fprintf(out, "instr:    %s\n", in.Instr)
	}
	if len(in.TyArgs) > 0 {
		fmt.Fprintf(out, "ty_args:  <%s>\n", strings.Join(in.TyArgs, ", "))
	}
	fmt.Fprintln(out, "stack (top first):")
	if len(in.Stack) == 0 {
		fmt.Fprintln(out, "  <empty>")
	}
	for i := len(in.Stack) - 1; i >= 0; i-- {
		fmt.Fprintf(out, "  %s\n", in.Stack[i])
	}
}
