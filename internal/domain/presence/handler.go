package presence

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/telecare/relay/internal/platform/auth"
)

// StatusSource answers whether a user is connected anywhere in the cluster.
type StatusSource interface {
	IsOnline(userID string) bool
}

// Handler exposes presence over REST. Routes must sit behind
// auth.JWTMiddleware.
type Handler struct {
	registry *Registry
	status   StatusSource
}

func NewHandler(registry *Registry, status StatusSource) *Handler {
	if status == nil {
		status = registry
	}
	return &Handler{registry: registry, status: status}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/presence", h.HandleList, auth.RequireRole(auth.RoleDoctor))
	g.GET("/presence/:id", h.HandleStatus)
}

type listResponse struct {
	OnlineUsers []string `json:"onlineUsers"`
	Count       int      `json:"count"`
}

// HandleList handles GET /presence. The list covers this instance only.
func (h *Handler) HandleList(c echo.Context) error {
	users := h.registry.SnapshotOnlineUsers()
	if users == nil {
		users = []string{}
	}
	return c.JSON(http.StatusOK, listResponse{OnlineUsers: users, Count: len(users)})
}

type statusResponse struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

// HandleStatus handles GET /presence/:id.
func (h *Handler) HandleStatus(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user id is required")
	}
	return c.JSON(http.StatusOK, statusResponse{UserID: id, IsOnline: h.status.IsOnline(id)})
}
