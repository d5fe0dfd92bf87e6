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

	"github.com/spf13/cobra"

	"fanout-platform/internal/job"
)

func newJobsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "jobs",
		Aliases: []string{"j"},
		Short:   "Create, inspect and cancel jobs",
		Args:    cobra.NoArgs,
	}
	cmd.AddCommand(
		newJobsCreateCommand(opts),
		newJobsListCommand(opts),
		&cobra.Command{
			Use:   "get <job_id>",
			Short: "Show a job with its progress",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := opts.client().GetJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, v)
			},
		},
		&cobra.Command{
			Use:   "items <job_id>",
			Short: "List the items of a job",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				items, err := opts.client().ListItems(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, items)
			},
		},
		newJobsCancelCommand(opts),
	)
	return cmd
}

func newJobsCreateCommand(opts *rootOptions) *cobra.Command {
	var (
		req          job.CreateRequest
		orchestrator string
		rawItems     []string
		itemsFile    string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job from items given inline or in a JSON array file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := collectItems(rawItems, itemsFile)
			if err != nil {
				return err
			}
			req.Items = items
			j, err := opts.client().CreateJob(cmd.Context(), req, orchestrator)
			if err != nil {
				return err
			}
			return printJSON(cmd, j)
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Task, "task", "", "task description")
	f.StringVar(&req.Config.WorkerType, "worker-type", "", "worker type that processes the items")
	f.IntVar(&req.Config.Parallelism, "parallelism", 1, "desired number of concurrent workers")
	f.IntVar(&req.Config.MaxRetries, "max-retries", 3, "retry budget per item")
	f.IntVar(&req.Config.ItemTimeoutSec, "item-timeout", 0, "per-item timeout in seconds, 0 for none")
	f.Int64Var(&req.Config.IncidentalBudget, "incidental-budget", 0, "job-level budget for incidental operations")
	f.StringVar(&orchestrator, "orchestrator", "", "orchestrator instance id")
	f.StringArrayVar(&rawItems, "item", nil, "item payload; JSON values are sent as-is, other text as a JSON string")
	f.StringVar(&itemsFile, "items-file", "", "path to a JSON array of item payloads")
	_ = cmd.MarkFlagRequired("worker-type")
	return cmd
}

// collectItems 合并 --item 与 --items-file；非合法 JSON 的 --item 按字符串编码
func collectItems(raw []string, file string) ([]json.RawMessage, error) {
	var items []json.RawMessage
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read items file: %w", err)
		}
		if err := json.Unmarshal(b, &items); err != nil {
			return nil, fmt.Errorf("items file must contain a JSON array: %w", err)
		}
	}
	for _, s := range raw {
		if json.Valid([]byte(s)) {
			items = append(items, json.RawMessage(s))
			continue
		}
		b, _ := json.Marshal(s)
		items = append(items, b)
	}
	return items, nil
}

func newJobsListCommand(opts *rootOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs of the current tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := opts.client().ListJobs(cmd.Context(), "", job.JobStatus(status))
			if err != nil {
				return err
			}
			return printJSON(cmd, list)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (running|completed|failed|cancelled)")
	return cmd
}

func newJobsCancelCommand(opts *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <job_id>",
		Short: "Cancel a running job and refund unsettled items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client().CancelJob(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}
