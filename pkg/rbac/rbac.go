package rbac

import "slices"

// 权限常量
const (
	PermissionLoyaltySweep  = "loyalty:sweep"
	PermissionLoyaltyScan   = "loyalty:scan"
	PermissionLoyaltyRedeem = "loyalty:redeem"
	PermissionLoyaltyRead   = "loyalty:read"

	PermissionNotifySend    = "notify:send"
	PermissionNotifyHistory = "notify:history"
	PermissionOutboxReplay  = "outbox:replay"

	PermissionPushSubscribe = "push:subscribe"
)

// 角色常量
const (
	RoleCustomer = "customer"
	RoleBarber   = "barber"
	RoleAdmin    = "admin"
	// 内部调用方（cron、其他服务）
	RoleService = "service"
)

// 角色权限映射
var rolePermissions = map[string][]string{
	RoleCustomer: {
		PermissionPushSubscribe,
		PermissionLoyaltyRead,
	},
	RoleBarber: {
		PermissionLoyaltyScan,
		PermissionLoyaltyRedeem,
		PermissionLoyaltyRead,
		PermissionPushSubscribe,
	},
	RoleAdmin: {
		PermissionLoyaltySweep,
		PermissionLoyaltyScan,
		PermissionLoyaltyRedeem,
		PermissionLoyaltyRead,
		PermissionNotifySend,
		PermissionNotifyHistory,
		PermissionOutboxReplay,
		PermissionPushSubscribe,
	},
	RoleService: {
		PermissionLoyaltySweep,
		PermissionNotifySend,
	},
}

// HasPermission 检查角色是否有指定权限
func HasPermission(role, permission string) bool {
	permissions, ok := rolePermissions[role]
	if !ok {
		return false
	}
	return slices.Contains(permissions, permission)
}

// KnownRole reports whether role appears in the permission table.
func KnownRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

// CheckPermission 检查权限（返回错误而不是布尔值，便于处理）
func CheckPermission(role, permission string) error {
	if !HasPermission(role, permission) {
		return &PermissionDeniedError{
			Role:       role,
			Permission: permission,
		}
	}
	return nil
}

// PermissionDeniedError 表示权限不足的错误
type PermissionDeniedError struct {
	Role       string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return "insufficient permissions"
}
