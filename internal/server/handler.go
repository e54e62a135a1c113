package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"chanhub/internal/auth"
	"chanhub/internal/config"
	"chanhub/internal/events"
	"chanhub/internal/models"
	"chanhub/internal/service"
	"chanhub/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const refreshCookie = "refreshToken"

// Handler 聚合所有 HTTP handler，依赖注入 service 层与实时网关。
type Handler struct {
	cfg      config.Config
	users    *service.UserService
	channels *service.ChannelService
	gateway  *ws.Gateway
	events   events.Publisher
}

func NewHandler(cfg config.Config, users *service.UserService, channels *service.ChannelService, gateway *ws.Gateway, pub events.Publisher) *Handler {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Handler{cfg: cfg, users: users, channels: channels, gateway: gateway, events: pub}
}

// statusFor 把错误类别映射为 HTTP 状态码。
func statusFor(err error) int {
	switch service.Kind(err) {
	case "invalid_argument":
		return http.StatusBadRequest
	case "unauthorized", "unauthenticated":
		return http.StatusUnauthorized
	case "not_found":
		return http.StatusNotFound
	case "conflict":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("op", op).Uint("user_id", auth.GetUserID(c)).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": service.Message(err)})
}

func invalidPayload(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
}

func paramID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid %s", name)})
		return 0, false
	}
	return uint(id), true
}

func (h *Handler) setRefreshCookie(c *gin.Context, value string, maxAge int) {
	prod := h.cfg.Env == "prod" || h.cfg.Env == "production"
	domain := ""
	if prod {
		domain = h.cfg.CookieDomain
		c.SetSameSite(http.SameSiteNoneMode)
	} else {
		c.SetSameSite(http.SameSiteLaxMode)
	}
	c.SetCookie(refreshCookie, value, maxAge, "/", domain, prod, true)
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidPayload(c)
		return
	}
	user, err := h.users.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		writeError(c, "register", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "user registered", "user": user})
}

// Login 校验密码，refresh token 只通过 httpOnly cookie 下发。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidPayload(c)
		return
	}
	res, err := h.users.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		writeError(c, "login", err)
		return
	}
	h.setRefreshCookie(c, res.RefreshToken, int(h.cfg.RefreshTokenTTL.Seconds()))
	c.JSON(http.StatusOK, gin.H{
		"access_token":  res.AccessToken,
		"user_id":       res.User.ID,
		"profile_image": res.User.ProfileImage,
	})
}

// UpdateUser 只允许修改自己的资料。
func (h *Handler) UpdateUser(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Username     *string `json:"username"`
		Password     *string `json:"password"`
		ProfileImage *string `json:"profile_image"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidPayload(c)
		return
	}
	user, err := h.users.Update(c.Request.Context(), id, auth.GetUserID(c), service.UserPatch{
		Username:     req.Username,
		Password:     req.Password,
		ProfileImage: req.ProfileImage,
	})
	if err != nil {
		writeError(c, "update user", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "user updated", "user": user})
}

// Logout 撤销 cookie 中的 refresh token 并清除 cookie，没有 cookie 也返回成功。
func (h *Handler) Logout(c *gin.Context) {
	token, _ := c.Cookie(refreshCookie)
	if err := h.users.Logout(c.Request.Context(), token); err != nil {
		writeError(c, "logout", err)
		return
	}
	h.setRefreshCookie(c, "", -1)
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// Refresh 用 cookie 中的 refresh token 换发 access token。
func (h *Handler) Refresh(c *gin.Context) {
	token, _ := c.Cookie(refreshCookie)
	at, err := h.users.Refresh(c.Request.Context(), token)
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": at})
}

type channelRequest struct {
	Name        *string            `json:"name"`
	Description *string            `json:"description"`
	OwnerID     uint               `json:"owner_id"`
	Visibility  *models.Visibility `json:"visibility"`
	Password    *string            `json:"password"`
	Length      *int               `json:"length"`
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// CreateChannel 处理创建频道请求，owner 固定为当前用户。
func (h *Handler) CreateChannel(c *gin.Context) {
	var req channelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidPayload(c)
		return
	}
	uid := auth.GetUserID(c)
	if req.OwnerID != 0 && req.OwnerID != uid {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "owner must be the caller"})
		return
	}
	ch, err := h.channels.Create(c.Request.Context(), service.CreateInput{
		Name:        deref(req.Name),
		Description: deref(req.Description),
		OwnerID:     uid,
		Visibility:  deref(req.Visibility),
		Password:    deref(req.Password),
		LengthHint:  deref(req.Length),
	})
	if err != nil {
		writeError(c, "create channel", err)
		return
	}
	events.Emit(c.Request.Context(), h.events, events.Event{Name: events.ChannelCreated, ChannelID: ch.ID, UserID: uid, Channel: ch.Name})
	c.JSON(http.StatusCreated, ch)
}

// DeleteChannel 删除频道并通知在线连接。
func (h *Handler) DeleteChannel(c *gin.Context) {
	var req struct {
		ChannelID uint `json:"channel_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ChannelID == 0 {
		invalidPayload(c)
		return
	}
	uid := auth.GetUserID(c)
	if err := h.channels.Remove(c.Request.Context(), req.ChannelID, uid); err != nil {
		writeError(c, "delete channel", err)
		return
	}
	h.gateway.NotifyDeleted(req.ChannelID)
	events.Emit(c.Request.Context(), h.events, events.Event{Name: events.ChannelDeleted, ChannelID: req.ChannelID, UserID: uid})
	c.Status(http.StatusNoContent)
}

// SearchChannels 按名称搜索 public 频道，默认 page=1 limit=10。
func (h *Handler) SearchChannels(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil {
		invalidPayload(c)
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if err != nil {
		invalidPayload(c)
		return
	}
	res, err := h.channels.Search(c.Request.Context(), c.Query("query"), page, limit)
	if err != nil {
		writeError(c, "search channels", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListUserChannels 返回用户拥有或加入的频道，只能查询自己。
func (h *Handler) ListUserChannels(c *gin.Context) {
	id, ok := paramID(c, "userId")
	if !ok {
		return
	}
	if id != auth.GetUserID(c) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "cannot list another user's channels"})
		return
	}
	chs, err := h.channels.ListForUser(c.Request.Context(), id)
	if err != nil {
		writeError(c, "list user channels", err)
		return
	}
	c.JSON(http.StatusOK, chs)
}

// ChannelMembers 返回频道成员，owner 在末尾。
func (h *Handler) ChannelMembers(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	members, err := h.channels.Members(c.Request.Context(), id)
	if err != nil {
		writeError(c, "channel members", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

// UpdateChannel 只允许 owner 修改频道。
func (h *Handler) UpdateChannel(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req channelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidPayload(c)
		return
	}
	ctx := c.Request.Context()
	ch, err := h.channels.GetByID(ctx, id)
	if err != nil {
		writeError(c, "update channel", err)
		return
	}
	if ch.Owner.ID != auth.GetUserID(c) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "only the owner can update the channel"})
		return
	}
	ch, err = h.channels.Update(ctx, id, service.Patch{
		Name:        req.Name,
		Description: req.Description,
		Visibility:  req.Visibility,
		Password:    req.Password,
		LengthHint:  req.Length,
	})
	if err != nil {
		writeError(c, "update channel", err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

// AddMember 把当前用户加入频道，成功后写入并广播系统消息。
func (h *Handler) AddMember(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			invalidPayload(c)
			return
		}
	}
	uid := auth.GetUserID(c)
	ch, err := h.channels.AddMember(c.Request.Context(), id, uid, req.Password)
	if err != nil {
		writeError(c, "add member", err)
		return
	}
	h.gateway.Announce(context.WithoutCancel(c.Request.Context()), ch.ID, uid)
	c.JSON(http.StatusOK, ch)
}

// AddMemberPrivate 按名称加入 private 频道。路由参数与其他频道路由共用 :id，这里取的是频道名。
func (h *Handler) AddMemberPrivate(c *gin.Context) {
	name := c.Param("id")
	var req struct {
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidPayload(c)
		return
	}
	uid := auth.GetUserID(c)
	ch, err := h.channels.JoinPrivateByName(c.Request.Context(), name, req.Password, uid)
	if err != nil {
		writeError(c, "add member private", err)
		return
	}
	h.gateway.Announce(context.WithoutCancel(c.Request.Context()), ch.ID, uid)
	c.JSON(http.StatusOK, ch)
}
