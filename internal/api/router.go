package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"winedispense-backend/internal/mw"
	"winedispense-backend/internal/policy"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(d Deps) *gin.Engine {
	registerValidators()

	handler := NewHandler(d)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mw.RequestContext(handler.log, d.Metrics))

	authenticate := mw.Authenticate(d.Signer, d.Store, handler.log, handler.cfg.Auth.CookieName)
	limit := func(c *gin.Context) { c.Next() }
	if d.Limiter != nil {
		limit = mw.RateLimit(d.Limiter, mw.ByClientIP)
	}
	caching := func(c *gin.Context) { c.Next() }
	if d.Catalog != nil {
		caching = d.Catalog.Middleware()
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if d.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(d.MetricsHandler))
	}
	r.GET("/vapid_public_key", handler.GetVAPIDPublicKey)

	// Terminal-facing endpoints authenticate with the terminal token in the body.
	terminals := r.Group("/terminals", limit)
	{
		terminals.POST("/register", handler.RegisterTerminal)
		terminals.POST("/use", handler.UseTerminal)
		terminals.POST("/ping", handler.PingTerminal)
		terminals.POST("/reset-bottles", handler.ResetTerminalBottles)
		terminals.GET("/:id/bottles", handler.GetTerminalBottles)
	}
	r.GET("/rfid/validate/:code", limit, handler.ValidateRFID)

	// Slot administration.
	slots := r.Group("/terminals", authenticate, mw.Require(policy.ActionManageTerminals))
	{
		slots.GET("", handler.ListTerminals)
		slots.GET("/:id", handler.GetTerminal)
		slots.PUT("/:id/status", handler.SetTerminalStatus)
		slots.POST("/add-bottle-to-terminal", handler.AddBottleToTerminal)
		slots.POST("/:id/update-bottle", handler.UpdateTerminalBottles)
		slots.POST("/:id/:slot/clear", handler.ClearSlot)
		slots.POST("/:id/:slot/replace", handler.ReplaceSlot)
		slots.POST("/:id/:slot/update", handler.UpdateSlot)
	}

	orders := r.Group("/orders", authenticate, mw.Require(policy.ActionManageOrders))
	{
		orders.GET("", handler.ListOrders)
		orders.GET("/:id", handler.GetOrder)
		orders.POST("/create", handler.CreateOrder)
		orders.POST("/rfid/check", handler.CheckRFID)
		orders.POST("/:id/add", handler.AddRFIDToOrder)
		orders.POST("/:id/complete", handler.CompleteOrder)
	}

	warehouse := r.Group("/warehouse", authenticate, mw.Require(policy.ActionManageStock))
	{
		warehouse.GET("", handler.ListWarehouse)
		warehouse.POST("", handler.ProvisionStock)
		warehouse.POST("/update-stock", handler.UpdateStock)
	}

	bottles := r.Group("/bottles")
	{
		bottles.GET("", caching, handler.ListBottles)
		bottles.GET("/usages", authenticate, mw.Require(policy.ActionViewUsage), handler.ListUsage)
		bottles.GET("/:id", caching, handler.GetBottle)
		bottles.POST("/create-bottle", authenticate, mw.Require(policy.ActionManageCatalog), handler.CreateBottle)
		bottles.PUT("/:id", authenticate, mw.Require(policy.ActionManageCatalog), handler.UpdateBottle)
	}

	auth := r.Group("/auth", limit)
	{
		auth.POST("/register", handler.RegisterUser)
		auth.POST("/login", handler.Login)
		auth.POST("/logout", handler.Logout)
	}

	users := r.Group("/users", authenticate)
	{
		users.GET("", mw.Require(policy.ActionListUsers), handler.ListUsers)
		users.GET("/me", mw.Require(policy.ActionViewSelf), handler.Me)
		users.POST("/me/change-password", mw.Require(policy.ActionViewSelf), handler.ChangePassword)
	}

	// Target-specific permission checks happen inside the handlers.
	admin := r.Group("/admin", authenticate)
	{
		admin.GET("/users", mw.Require(policy.ActionListUsers), handler.AdminListUsers)
		admin.GET("/user/:id", mw.Require(policy.ActionListUsers), handler.AdminGetUser)
		admin.PUT("/user/:id", handler.AdminEditUser)
		admin.PUT("/role/:id", handler.AdminChangeRole)
		admin.PUT("/block/:id", handler.AdminBlockUser)
		admin.PUT("/unblock/:id", handler.AdminUnblockUser)
	}

	superadmin := r.Group("/superadmin", authenticate)
	{
		superadmin.PUT("/verify/:id", handler.SuperadminVerify)
		superadmin.PUT("/reject/:id", handler.SuperadminReject)
		superadmin.PUT("/superadmin/:id", handler.SuperadminPromote)
	}

	subscriptions := r.Group("/subscriptions", authenticate, mw.Require(policy.ActionManagePush))
	{
		subscriptions.GET("", handler.GetSubscription)
		subscriptions.PUT("", handler.PutSubscription)
		subscriptions.DELETE("", handler.DeleteSubscription)
	}

	return r
}
