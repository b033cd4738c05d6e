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
	"time"

	"github.com/spf13/cobra"

	"github.com/nikaeng/nika/internal/cli/format"
	"github.com/nikaeng/nika/internal/flow"
	"github.com/nikaeng/nika/internal/mcp"
)

// newMCPDoctorCommand starts every MCP server declared in a workflow's mcp:
// block under a supervising Manager, waits for each to report healthy (or
// fail out its restart budget), prints a status table, then tears everything
// down. Unlike the per-run MCPPool a normal workflow execution uses (a
// minimal lazy get-or-start cache with a bounded 3-retry connect), this
// exercises the Manager's full restart-with-backoff supervision loop as a
// standalone preflight check: "will these servers actually come up?"
// before committing to a full run.
func newMCPDoctorCommand() *cobra.Command {
	var waitTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "mcp-doctor <file.yaml>",
		Short: "Start a workflow's MCP servers under supervision and report their health",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}
			wf, err := flow.Parse(raw)
			if err != nil {
				return err
			}
			if len(wf.MCPServers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), format.RenderLabel("workflow declares no mcp servers"))
				return nil
			}

			mgr := mcp.NewManager(mcp.ManagerConfig{})
			defer mgr.Close()

			for name, sc := range wf.MCPServers {
				env := make([]string, 0, len(sc.Env))
				for k, v := range sc.Env {
					env = append(env, k+"="+v)
				}
				if err := mgr.Start(mcp.ServerConfig{
					Name:               name,
					Command:            sc.Command,
					Args:               sc.Args,
					Env:                env,
					RestartPolicy:      "on-failure",
					MaxRestartAttempts: 3,
				}); err != nil {
					return fmt.Errorf("starting %s: %w", name, err)
				}
			}

			deadline := time.Now().Add(waitTimeout)
			for time.Now().Before(deadline) {
				settled := true
				for name := range wf.MCPServers {
					status, err := mgr.GetStatus(name)
					if err != nil {
						return err
					}
					if status.State != mcp.ServerStateRunning && status.State != mcp.ServerStateError {
						settled = false
					}
				}
				if settled {
					break
				}
				time.Sleep(100 * time.Millisecond)
			}

			failed := false
			for name := range wf.MCPServers {
				status, err := mgr.GetStatus(name)
				if err != nil {
					return err
				}
				line := fmt.Sprintf("%-20s %-10s", name, status.State)
				if status.ToolCount != nil {
					line += fmt.Sprintf("  tools=%d", *status.ToolCount)
				}
				if status.FailureCount > 0 {
					line += fmt.Sprintf("  failures=%d (%s)", status.FailureCount, status.LastError)
				}
				if status.State == mcp.ServerStateRunning {
					fmt.Fprintln(cmd.OutOrStdout(), format.RenderOK(line))
				} else {
					failed = true
					fmt.Fprintln(cmd.OutOrStdout(), format.RenderError(line))
				}
			}
			if failed {
				return fmt.Errorf("one or more mcp servers failed to come up within %s", waitTimeout)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&waitTimeout, "wait", 10*time.Second, "How long to wait for servers to settle")
	return cmd
}
