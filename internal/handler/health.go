package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"oidc-redirect-proxy/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HookLister reports the names of the registered response hooks.
type HookLister interface {
	HookNames() []string
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	hooks   HookLister
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, hooks HookLister) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, hooks: hooks}
}

type statusResponse struct {
	Status    string   `json:"status"`
	Version   string   `json:"version"`
	ProxyAddr string   `json:"proxy_addr"`
	MITMHosts []string `json:"mitm_hosts"`
	Hooks     []string `json:"hooks"`
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Status:    "ok",
		Version:   string(h.version),
		ProxyAddr: h.cfg.Proxy.Addr(),
		MITMHosts: h.cfg.MITM.Hosts,
		Hooks:     []string{},
	}
	if resp.MITMHosts == nil {
		resp.MITMHosts = []string{}
	}
	if h.hooks != nil {
		resp.Hooks = append(resp.Hooks, h.hooks.HookNames()...)
	}
	return c.JSON(http.StatusOK, resp)
}
