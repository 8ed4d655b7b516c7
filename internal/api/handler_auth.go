package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"winedispense-backend/internal/apperr"
	"winedispense-backend/internal/model"
	"winedispense-backend/internal/mw"
	"winedispense-backend/internal/store"
)

type registerUserRequest struct {
	Email       string `json:"email" binding:"required,email,max=320"`
	Password    string `json:"password" binding:"required,min=8,max=128"`
	FirstName   string `json:"first_name" binding:"max=128"`
	LastName    string `json:"last_name" binding:"max=128"`
	MiddleName  string `json:"middle_name" binding:"max=128"`
	PhoneNumber string `json:"phone_number" binding:"max=32"`
}

// loginRequest accepts JSON or the OAuth2 password form, where the email
// travels as "username".
type loginRequest struct {
	Email    string `json:"email" form:"username" binding:"required"`
	Password string `json:"password" form:"password" binding:"required"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" binding:"required"`
	NewPassword     string `json:"new_password" binding:"required,min=8,max=128"`
}

// RegisterUser creates an operator account. The configured bootstrap address
// becomes a verified superadmin; everyone else waits for verification.
func (h *Handler) RegisterUser(c *gin.Context) {
	var req registerUserRequest
	if err := h.bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	hashed, err := h.hasher.Hash(req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}

	user := model.User{
		Email:          req.Email,
		HashedPassword: hashed,
		Role:           model.RoleUser,
		IsActive:       true,
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		MiddleName:     req.MiddleName,
		PhoneNumber:    req.PhoneNumber,
	}
	bootstrap := h.cfg.Auth.BootstrapSuperadminEmail
	if bootstrap != "" && strings.EqualFold(strings.TrimSpace(req.Email), strings.TrimSpace(bootstrap)) {
		user.Role = model.RoleSuperadmin
		user.IsSuperuser = true
		user.IsVerified = true
	}

	if err := h.store.CreateUser(c.Request.Context(), &user); err != nil {
		h.fail(c, err)
		return
	}
	h.log.Audit(c.Request.Context(), "user.register", nil, user)
	c.JSON(http.StatusCreated, user)
}

// Login checks credentials, sets the session cookie and returns the token.
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := h.bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	invalid := apperr.New(apperr.CodeUnauthorized, "incorrect email or password")

	user, err := h.store.GetUserByEmail(c.Request.Context(), req.Email)
	if apperr.Is(err, apperr.CodeNotFound) {
		h.fail(c, invalid)
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	ok, err := h.hasher.Verify(req.Password, user.HashedPassword)
	if err != nil || !ok {
		h.fail(c, invalid)
		return
	}
	if user.Blocked() {
		h.fail(c, apperr.New(apperr.CodeForbidden, "account is blocked"))
		return
	}

	signed, expiry, err := h.signer.IssueSession(user)
	if err != nil {
		h.fail(c, err)
		return
	}
	maxAge := int(expiry.Sub(h.now()).Seconds())
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cfg.Auth.CookieName, signed, maxAge, "/", "", h.cfg.Auth.CookieSecure, true)

	ctx := h.log.WithActor(c.Request.Context(), "user", user.ID)
	h.log.Info(ctx, "user logged in")
	c.JSON(http.StatusOK, gin.H{
		"access_token": signed,
		"token_type":   "bearer",
		"expires_at":   expiry.UTC(),
	})
}

// Logout drops the session cookie.
func (h *Handler) Logout(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cfg.Auth.CookieName, "", -1, "/", "", h.cfg.Auth.CookieSecure, true)
	c.Status(http.StatusNoContent)
}

func (h *Handler) Me(c *gin.Context) {
	user, _ := mw.CurrentUser(c)
	c.JSON(http.StatusOK, user)
}

func (h *Handler) ChangePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := h.bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	current, _ := mw.CurrentUser(c)
	ok, err := h.hasher.Verify(req.CurrentPassword, current.HashedPassword)
	if err != nil || !ok {
		h.fail(c, apperr.New(apperr.CodeValidation, "current password is incorrect"))
		return
	}
	hashed, err := h.hasher.Hash(req.NewPassword)
	if err != nil {
		h.fail(c, err)
		return
	}

	_, _, err = h.store.MutateUser(c.Request.Context(), current.ID, func(u *model.User) error {
		u.HashedPassword = hashed
		return nil
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	h.log.Info(c.Request.Context(), "password changed")
	c.Status(http.StatusNoContent)
}

// ListUsers is the plain paginated user listing.
func (h *Handler) ListUsers(c *gin.Context) {
	var q pageQuery
	if err := h.bindQuery(c, &q); err != nil {
		h.fail(c, err)
		return
	}
	users, err := h.store.ListUsers(c.Request.Context(), store.UsersAll, q.page())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}
