package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"winedispense-backend/internal/apperr"
	"winedispense-backend/internal/model"
	"winedispense-backend/internal/mw"
	"winedispense-backend/internal/policy"
	"winedispense-backend/internal/store"
)

type adminUsersQuery struct {
	pageQuery
	Filter store.UserFilter `form:"filter" binding:"omitempty,oneof=all blocked unblocked unverified"`
}

type editUserRequest struct {
	Email       *string `json:"email" binding:"omitempty,email,max=320"`
	FirstName   *string `json:"first_name" binding:"omitempty,max=128"`
	LastName    *string `json:"last_name" binding:"omitempty,max=128"`
	MiddleName  *string `json:"middle_name" binding:"omitempty,max=128"`
	PhoneNumber *string `json:"phone_number" binding:"omitempty,max=32"`
}

type roleRequest struct {
	Role model.Role `json:"role" binding:"required"`
}

// mutateTarget loads the addressed user, checks that the caller may perform
// action on them, applies fn and writes an audit line.
func (h *Handler) mutateTarget(c *gin.Context, action policy.Action, audit string, fn func(actor policy.Actor, u *model.User) error) {
	id, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	current, _ := mw.CurrentUser(c)
	actor := policy.ActorFromUser(current)

	target, err := h.store.GetUser(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !policy.Allowed(actor, action, &target) {
		h.fail(c, apperr.New(apperr.CodeForbidden, "insufficient permissions"))
		return
	}

	before, after, err := h.store.MutateUser(c.Request.Context(), id, func(u *model.User) error {
		return fn(actor, u)
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	h.log.Audit(c.Request.Context(), audit, before, after)
	c.JSON(http.StatusOK, after)
}

// AdminListUsers lists users narrowed by the filter query parameter.
func (h *Handler) AdminListUsers(c *gin.Context) {
	var q adminUsersQuery
	if err := h.bindQuery(c, &q); err != nil {
		h.fail(c, err)
		return
	}
	if q.Filter == "" {
		q.Filter = store.UsersAll
	}
	users, err := h.store.ListUsers(c.Request.Context(), q.Filter, q.page())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

func (h *Handler) AdminGetUser(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	user, err := h.store.GetUser(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *Handler) AdminEditUser(c *gin.Context) {
	var req editUserRequest
	if err := h.bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	h.mutateTarget(c, policy.ActionEditUser, "user.edit", func(_ policy.Actor, u *model.User) error {
		setIf(&u.Email, req.Email)
		setIf(&u.FirstName, req.FirstName)
		setIf(&u.LastName, req.LastName)
		setIf(&u.MiddleName, req.MiddleName)
		setIf(&u.PhoneNumber, req.PhoneNumber)
		return nil
	})
}

// AdminChangeRole sets a user's role to user or admin.
func (h *Handler) AdminChangeRole(c *gin.Context) {
	var req roleRequest
	if err := h.bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	if !req.Role.Valid() {
		h.fail(c, apperr.Newf(apperr.CodeValidation, "unknown role %q", req.Role))
		return
	}
	h.mutateTarget(c, policy.ActionChangeRole, "user.role", func(actor policy.Actor, u *model.User) error {
		if !policy.RoleAssignable(actor, req.Role) {
			return apperr.Newf(apperr.CodeForbidden, "cannot assign role %s", req.Role)
		}
		u.Role = req.Role
		u.IsSuperuser = false
		return nil
	})
}

func (h *Handler) AdminBlockUser(c *gin.Context) {
	h.mutateTarget(c, policy.ActionBlockUser, "user.block", func(_ policy.Actor, u *model.User) error {
		if u.Blocked() {
			return apperr.Newf(apperr.CodePrecondition, "user %d is already blocked", u.ID)
		}
		now := h.now()
		u.IsActive = false
		u.BlockDate = &now
		return nil
	})
}

func (h *Handler) AdminUnblockUser(c *gin.Context) {
	h.mutateTarget(c, policy.ActionBlockUser, "user.unblock", func(_ policy.Actor, u *model.User) error {
		if !u.Blocked() {
			return apperr.Newf(apperr.CodePrecondition, "user %d is not blocked", u.ID)
		}
		u.IsActive = true
		u.BlockDate = nil
		return nil
	})
}

func (h *Handler) SuperadminVerify(c *gin.Context) {
	h.mutateTarget(c, policy.ActionVerifyUser, "user.verify", func(_ policy.Actor, u *model.User) error {
		u.IsVerified = true
		return nil
	})
}

func (h *Handler) SuperadminReject(c *gin.Context) {
	h.mutateTarget(c, policy.ActionVerifyUser, "user.reject", func(actor policy.Actor, u *model.User) error {
		if u.ID == actor.ID {
			return apperr.New(apperr.CodeForbidden, "cannot reject yourself")
		}
		u.IsVerified = false
		return nil
	})
}

// SuperadminPromote grants the superadmin role.
func (h *Handler) SuperadminPromote(c *gin.Context) {
	h.mutateTarget(c, policy.ActionPromoteSuperadmin, "user.promote", func(_ policy.Actor, u *model.User) error {
		u.Role = model.RoleSuperadmin
		u.IsSuperuser = true
		u.IsVerified = true
		return nil
	})
}
