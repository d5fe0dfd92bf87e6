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
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"fanout-platform/internal/liveness"
)

func newBalanceCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Inspect and top up tenant credits",
		Args:  cobra.NoArgs,
	}
	var (
		jobID string
		limit int
	)
	ledgerCmd := &cobra.Command{
		Use:   "ledger <tenant_id>",
		Short: "List ledger entries of a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := opts.client().Ledger(cmd.Context(), args[0], jobID, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, entries)
		},
	}
	ledgerCmd.Flags().StringVar(&jobID, "job", "", "only entries of this job")
	ledgerCmd.Flags().IntVar(&limit, "limit", 100, "maximum number of entries")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <tenant_id>",
			Short: "Show the balance of a tenant",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				b, err := opts.client().GetBalance(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, b)
			},
		},
		&cobra.Command{
			Use:   "set <tenant_id> <total>",
			Short: "Set the total credits of a tenant",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				total, err := strconv.ParseInt(args[1], 10, 64)
				if err != nil || total < 0 {
					return fmt.Errorf("total must be a non-negative integer: %q", args[1])
				}
				b, err := opts.client().SetBalance(cmd.Context(), args[0], total)
				if err != nil {
					return err
				}
				return printJSON(cmd, b)
			},
		},
		ledgerCmd,
	)
	return cmd
}

func newInstancesCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "instances",
		Aliases: []string{"inst"},
		Short:   "Manage worker instances",
		Args:    cobra.NoArgs,
	}

	var req liveness.RegisterRequest
	register := &cobra.Command{
		Use:   "register",
		Short: "Register a worker instance and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := opts.client().Register(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	register.Flags().StringVar(&req.InstanceID, "id", "", "instance id; generated when empty")
	register.Flags().StringVar(&req.AgentType, "agent-type", "", "agent type")
	register.Flags().StringSliceVar(&req.Capabilities, "capability", nil, "capabilities")
	_ = register.MarkFlagRequired("agent-type")

	// okOrMissing 将 false 结果转为错误，保证非零退出码
	okOrMissing := func(ok bool, err error, id string) error {
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("instance %s not found", id)
		}
		return nil
	}

	cmd.AddCommand(
		register,
		&cobra.Command{
			Use:   "heartbeat <instance_id>",
			Short: "Send a heartbeat for an instance",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ok, err := opts.client().Heartbeat(cmd.Context(), args[0])
				if err := okOrMissing(ok, err, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return nil
			},
		},
		&cobra.Command{
			Use:   "stale <instance_id>",
			Short: "Mark an instance stale so its items can be reclaimed",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ok, err := opts.client().MarkStale(cmd.Context(), args[0])
				if err := okOrMissing(ok, err, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return nil
			},
		},
		&cobra.Command{
			Use:   "release <instance_id>",
			Short: "Release every item held by an instance without counting a retry",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := opts.client().ReleaseAll(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "released %d\n", n)
				return nil
			},
		},
	)
	return cmd
}
