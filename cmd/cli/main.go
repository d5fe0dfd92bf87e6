// Copyright 2026 fanjia1024
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
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"fanout-platform/pkg/client"
)

const version = "0.1.0"

// rootOptions 全局参数，均可由环境变量提供默认值
type rootOptions struct {
	apiURL  string
	token   string
	tenant  string
	role    string
	timeout time.Duration
}

func (o *rootOptions) client() *client.Client {
	return client.New(client.Options{
		BaseURL:  o.apiURL,
		Token:    o.token,
		TenantID: o.tenant,
		Role:     o.role,
		Timeout:  o.timeout,
	})
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// newRootCmd 创建根命令
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "fanout",
		Short:         "Fan-out job platform command line client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.apiURL, "api-url", envOr("FANOUT_API_URL", "http://localhost:8080"), "control plane base URL")
	pf.StringVar(&opts.token, "token", os.Getenv("FANOUT_TOKEN"), "JWT bearer token")
	pf.StringVar(&opts.tenant, "tenant", envOr("FANOUT_TENANT", ""), "tenant id sent as X-Tenant-ID when auth is disabled")
	pf.StringVar(&opts.role, "role", os.Getenv("FANOUT_ROLE"), "role sent as X-Role when auth is disabled")
	pf.DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	rootCmd.AddCommand(
		newJobsCommand(opts),
		newBalanceCommand(opts),
		newInstancesCommand(opts),
		newSweepCommand(opts),
		newHealthCommand(opts),
		newVersionCommand(),
	)
	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fanout cli %s\n", version)
		},
	}
}

func newHealthCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check control plane health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().Health(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func newSweepCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Mark silent instances stale and reclaim their items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client().Sweep(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
