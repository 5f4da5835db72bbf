package main

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/spf13/cobra"

	catlog "github.com/tombee/catalyst/internal/log"
	"github.com/tombee/catalyst/internal/cliutil"
	"github.com/tombee/catalyst/pkg/engine"
	"github.com/tombee/catalyst/pkg/registry"
)

// addDynamicCommands discovers *.yaml/*.yml files in flags.commandsDir
// and exposes each as a subcommand named after its file stem, running
// the playbook it defines. This is a minimal, real instance of dynamic
// command discovery: the full YAML-to-playbook transformation/discovery
// layer (shared fixture loading, nested command trees, completion
// generation) is out of scope, this only wires file stem -> run.
func addDynamicCommands(root *cobra.Command, flags *globalFlags) {
	if flags.commandsDir == "" {
		return
	}

	entries, err := os.ReadDir(flags.commandsDir)
	if err != nil {
		return
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		stem := strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		root.AddCommand(newDynamicCommand(flags, stem))
	}
}

func newDynamicCommand(flags *globalFlags, playbookID string) *cobra.Command {
	var inputsJSON string

	cmd := &cobra.Command{
		Use:   playbookID,
		Short: "Run the " + playbookID + " playbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := registry.New()
			if err := reg.AddLoader(registry.NewFileLoader(flags.commandsDir)); err != nil {
				return err
			}
			if flags.playbookDir != flags.commandsDir {
				if err := reg.AddLoader(registry.NewFileLoader(flags.playbookDir)); err != nil {
					return err
				}
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

			result, err := orch.Run(cmd.Context(), playbookID, defaultActor(), inputs)
			if result != nil {
				cliutil.PrintResult(os.Stdout, result, flags.jsonOutput)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&inputsJSON, "inputs", "", "JSON object of input values")
	return cmd
}
