package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role, perm string
		want       bool
	}{
		{RoleAdmin, PermissionLoyaltySweep, true},
		{RoleService, PermissionLoyaltySweep, true},
		{RoleService, PermissionLoyaltyScan, false},
		{RoleBarber, PermissionLoyaltyScan, true},
		{RoleBarber, PermissionNotifySend, false},
		{RoleCustomer, PermissionPushSubscribe, true},
		{RoleCustomer, PermissionLoyaltyRedeem, false},
		{"ghost", PermissionPushSubscribe, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HasPermission(tt.role, tt.perm), "%s/%s", tt.role, tt.perm)
	}
}

func TestCheckPermission(t *testing.T) {
	assert.NoError(t, CheckPermission(RoleAdmin, PermissionOutboxReplay))

	err := CheckPermission(RoleCustomer, PermissionOutboxReplay)
	var denied *PermissionDeniedError
	assert.ErrorAs(t, err, &denied)
	assert.Equal(t, RoleCustomer, denied.Role)
}
