package policy

import "winedispense-backend/internal/model"

// Action names a capability checked at the HTTP boundary.
type Action string

const (
	ActionViewSelf          Action = "self:view"
	ActionManageCatalog     Action = "catalog:manage"
	ActionManageStock       Action = "stock:manage"
	ActionManageTerminals   Action = "terminals:manage"
	ActionManageOrders      Action = "orders:manage"
	ActionViewUsage         Action = "usage:view"
	ActionManagePush        Action = "push:manage"
	ActionListUsers         Action = "users:list"
	ActionEditUser          Action = "users:edit"
	ActionChangeRole        Action = "users:role"
	ActionBlockUser         Action = "users:block"
	ActionVerifyUser        Action = "users:verify"
	ActionPromoteSuperadmin Action = "users:promote"
)

// Actor is the authenticated caller.
type Actor struct {
	ID          int64
	Role        model.Role
	IsSuperuser bool
	IsActive    bool
	IsVerified  bool
}

// ActorFromUser builds an Actor from a stored user.
func ActorFromUser(u model.User) Actor {
	return Actor{
		ID:          u.ID,
		Role:        u.Role,
		IsSuperuser: u.IsSuperuser,
		IsActive:    u.IsActive,
		IsVerified:  u.IsVerified,
	}
}

func (a Actor) isAdmin() bool {
	return a.Role == model.RoleAdmin || a.isSuperadmin()
}

func (a Actor) isSuperadmin() bool {
	return a.Role == model.RoleSuperadmin && a.IsSuperuser
}

// Allowed decides whether actor may perform action on target.
// target is nil for actions that do not address a user.
func Allowed(actor Actor, action Action, target *model.User) bool {
	if !actor.IsActive {
		return false
	}
	if action == ActionViewSelf {
		return true
	}
	if !actor.IsVerified && !actor.isSuperadmin() {
		return false
	}

	switch action {
	case ActionManageCatalog, ActionManageStock, ActionManageTerminals,
		ActionManageOrders, ActionViewUsage, ActionManagePush, ActionListUsers:
		return actor.isAdmin()

	case ActionEditUser, ActionChangeRole, ActionBlockUser:
		if !actor.isAdmin() || target == nil {
			return false
		}
		if target.ID == actor.ID && action != ActionEditUser {
			return false
		}
		// superusers are only managed by a superadmin
		if target.IsSuperuser || target.Role == model.RoleSuperadmin {
			return actor.isSuperadmin()
		}
		return true

	case ActionVerifyUser, ActionPromoteSuperadmin:
		return actor.isSuperadmin() && target != nil
	}
	return false
}

// RoleAssignable reports whether actor may set a target's role to role.
// Granting superadmin goes through ActionPromoteSuperadmin instead.
func RoleAssignable(actor Actor, role model.Role) bool {
	switch role {
	case model.RoleUser:
		return actor.isAdmin()
	case model.RoleAdmin:
		return actor.isSuperadmin()
	}
	return false
}
