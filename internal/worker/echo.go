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

package worker

import (
	"context"
	"encoding/json"

	"fanout-platform/internal/job"
)

// Echo 将条目输入原样作为输出
func Echo(instanceID string) ProcessFunc {
	return func(ctx context.Context, j *job.Job, c *job.Claimed) (json.RawMessage, json.RawMessage, error) {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		meta, _ := json.Marshal(map[string]any{
			"instance_id":      instanceID,
			"retry_count":      c.Item.RetryCount,
			"incidental_share": c.IncidentalShare,
		})
		return c.Item.Input, meta, nil
	}
}
