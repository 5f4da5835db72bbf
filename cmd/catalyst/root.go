// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	catlog "github.com/tombee/catalyst/internal/log"
	"github.com/tombee/catalyst/pkg/lock"
	"github.com/tombee/catalyst/pkg/registry"
	"github.com/tombee/catalyst/pkg/state"
)

// globalFlags holds the persistent flag values shared by every subcommand.
type globalFlags struct {
	verbose    bool
	quiet      bool
	jsonOutput bool
	stateDir   string
	playbookDir string
	commandsDir string
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "catalyst",
		Short: "Catalyst - playbook execution engine",
		Long: `Catalyst runs declarative playbooks: named sequences of steps with
typed inputs/outputs, nested conditionals and loops, child-playbook
composition, and crash-safe resumable state.

Run 'catalyst run <playbook>' to execute a playbook.
Run 'catalyst resume <run-id>' to continue a suspended or crashed run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVarP(&flags.quiet, "quiet", "q", false, "Suppress non-error output")
	cmd.PersistentFlags().BoolVar(&flags.jsonOutput, "json", false, "Output results as JSON")
	cmd.PersistentFlags().StringVar(&flags.stateDir, "state-dir", defaultStateDir(), "Directory for run state and locks")
	cmd.PersistentFlags().StringVar(&flags.playbookDir, "playbook-dir", ".", "Directory to search for playbook YAML files")
	cmd.PersistentFlags().StringVar(&flags.commandsDir, "commands-dir", "", "Directory of YAML files to expose as dynamic subcommands")

	cmd.AddCommand(newRunCommand(flags))
	cmd.AddCommand(newResumeCommand(flags))
	cmd.AddCommand(newApproveCommand(flags))
	cmd.AddCommand(newAbandonCommand(flags))
	cmd.AddCommand(newCleanupCommand(flags))

	addDynamicCommands(cmd, flags)

	return cmd
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".catalyst")
	}
	return filepath.Join(home, ".catalyst")
}

func (f *globalFlags) logConfig() *catlog.Config {
	cfg := catlog.FromEnv()
	if f.verbose {
		cfg.Level = "debug"
	}
	if f.quiet {
		cfg.Level = "error"
	}
	return cfg
}

func (f *globalFlags) newRegistry() (*registry.Registry, error) {
	reg := registry.New()
	if err := reg.AddLoader(registry.NewFileLoader(f.playbookDir)); err != nil {
		return nil, err
	}
	return reg, nil
}

func (f *globalFlags) newStateStore() (*state.Store, error) {
	return state.NewStore(filepath.Join(f.stateDir, "runs"))
}

func (f *globalFlags) newLockManager() (*lock.Manager, error) {
	return lock.NewManager(filepath.Join(f.stateDir, "locks"))
}

func handleExitError(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
