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

package auth

// Permission 控制面操作权限
type Permission string

const (
	PermissionJobCreate      Permission = "job:create"
	PermissionJobView        Permission = "job:view"
	PermissionJobCancel      Permission = "job:cancel"
	PermissionItemWork       Permission = "item:work" // claim/start/complete/fail/release
	PermissionInstanceManage Permission = "instance:manage"
	PermissionLedgerView     Permission = "ledger:view"
	PermissionLedgerAdmin    Permission = "ledger:admin" // 设置余额
	PermissionSweep          Permission = "sweep:run"
)

// Role 调用方角色
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator" // 作业管理 + 查看账本
	RoleWorker   Role = "worker"   // 领取与上报条目
	RoleUser     Role = "user"     // 创建与查看作业
)

// RolePermissions 角色到权限的映射
var RolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermissionJobCreate, PermissionJobView, PermissionJobCancel,
		PermissionItemWork, PermissionInstanceManage,
		PermissionLedgerView, PermissionLedgerAdmin, PermissionSweep,
	},
	RoleOperator: {
		PermissionJobCreate, PermissionJobView, PermissionJobCancel,
		PermissionInstanceManage, PermissionLedgerView, PermissionSweep,
	},
	RoleWorker: {
		PermissionJobView, PermissionItemWork, PermissionInstanceManage,
	},
	RoleUser: {
		PermissionJobCreate, PermissionJobView, PermissionJobCancel, PermissionLedgerView,
	},
}

// HasPermission 判断角色是否拥有权限
func HasPermission(role Role, permission Permission) bool {
	for _, p := range RolePermissions[role] {
		if p == permission {
			return true
		}
	}
	return false
}

// ParseRole 解析角色字符串，未知值返回 RoleUser
func ParseRole(s string) Role {
	switch r := Role(s); r {
	case RoleAdmin, RoleOperator, RoleWorker, RoleUser:
		return r
	default:
		return RoleUser
	}
}
