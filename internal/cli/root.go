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

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion sets the version information (called from main).
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// GetVersion returns version information.
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// NewRootCommand creates the root Cobra command. Its own flags cover only
// argument parsing and config-file location; everything it dispatches to
// (the DAG runner, validator, trace store) lives outside this package.
func NewRootCommand() *cobra.Command {
	var (
		interactive bool
		configPath  string
	)

	cmd := &cobra.Command{
		Use:   "nika [flags] <file.yaml>",
		Short: "nika - declarative DAG workflow engine for AI tasks",
		Long: `nika runs declarative workflows that compose LLM calls, shell commands,
HTTP fetches and MCP tool invocations into a directed acyclic graph.

Run 'nika check <file.yaml>' to validate a workflow without executing it.
Run 'nika trace list' to see recorded traces from prior runs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return runWorkflow(cmd, args[0], interactive, configPath, nil)
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: ~/.config/nika/config.yaml)")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Run with the interactive observer UI")

	cmd.AddCommand(newCheckCommand())
	cmd.AddCommand(newTraceCommand())
	cmd.AddCommand(newTUICommand(&configPath))
	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newServeMetricsCommand(&configPath))
	cmd.AddCommand(newMCPDoctorCommand())
	cmd.AddCommand(newProviderCommand(&configPath))

	return cmd
}

// HandleExitError prints a top-level error and exits non-zero.
func HandleExitError(err error) {
	fmt.Fprintf(os.Stderr, "nika: %v\n", err)
	os.Exit(1)
}
