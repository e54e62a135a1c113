package server

import (
	"net/http"

	"chanhub/internal/auth"
	"chanhub/internal/config"
	clog "chanhub/internal/log"
	"chanhub/internal/metrics"
	"chanhub/internal/mw"
	"chanhub/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps 是路由需要的全部依赖。
type Deps struct {
	Handler *Handler
	Tokens  *auth.TokenService
	Gateway *ws.Gateway
	Limiter *mw.Limiter
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(clog.Requests())
	r.Use(mw.CORS(cfg.Env, cfg.AllowedOrigins))
	if d.Limiter != nil {
		r.Use(d.Limiter.Handler())
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", d.Gateway.Serve())

	h := d.Handler
	api := r.Group("/api")

	users := api.Group("/users")
	users.POST("/register", h.Register)
	users.POST("/login", h.Login)
	users.POST("/refresh", h.Refresh)
	// 除注册、登录、刷新外都需要 Bearer Token。
	users.POST("/logout", auth.AuthMiddleware(d.Tokens), h.Logout)
	users.PUT("/update/:id", auth.AuthMiddleware(d.Tokens), h.UpdateUser)

	// 频道接口都需要 Bearer Token。
	channels := api.Group("/channels")
	channels.Use(auth.AuthMiddleware(d.Tokens))
	channels.POST("", h.CreateChannel)
	channels.DELETE("", h.DeleteChannel)
	channels.GET("/search", h.SearchChannels)
	channels.GET("/user/:userId", h.ListUserChannels)
	channels.GET("/:id/members", h.ChannelMembers)
	channels.PUT("/:id", h.UpdateChannel)
	channels.POST("/:id/addMember", h.AddMember)
	channels.POST("/:id/addMemberPrivate", h.AddMemberPrivate)

	return r
}
