package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	catlog "github.com/tombee/catalyst/internal/log"
	"github.com/tombee/catalyst/internal/cliutil"
	"github.com/tombee/catalyst/pkg/engine"
)

func newRunCommand(flags *globalFlags) *cobra.Command {
	var actor string
	var inputsJSON string

	cmd := &cobra.Command{
		Use:   "run <playbook-id>",
		Short: "Run a playbook from the start",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			playbookID := args[0]

			reg, err := flags.newRegistry()
			if err != nil {
				return err
			}
			if err := engine.RegisterBuiltinActions(reg); err != nil {
				return err
			}
			store, err := flags.newStateStore()
			if err != nil {
				return err
			}
			locks, err := flags.newLockManager()
			if err != nil {
				return err
			}

			logger := catlog.New(flags.logConfig())
			orch := engine.New(reg, store, locks, engine.WithLogger(logger))

			inputs := map[string]interface{}{}
			if inputsJSON != "" {
				if err := json.Unmarshal([]byte(inputsJSON), &inputs); err != nil {
					return err
				}
			}
			if actor == "" {
				actor = defaultActor()
			}

			result, err := orch.Run(cmd.Context(), playbookID, actor, inputs)
			if result != nil {
				cliutil.PrintResult(os.Stdout, result, flags.jsonOutput)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "Identity to record as the run's actor (default: current OS user)")
	cmd.Flags().StringVar(&inputsJSON, "inputs", "", "JSON object of input values")

	return cmd
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}
