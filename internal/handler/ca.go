package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"oidc-redirect-proxy/internal/mitm"
)

// CAHandler serves the proxy's root certificate so clients can trust it.
type CAHandler struct {
	ca *mitm.Authority
}

// NewCAHandler creates a CAHandler.
func NewCAHandler(ca *mitm.Authority) *CAHandler {
	return &CAHandler{ca: ca}
}

// PEM returns the CA certificate in PEM form. The private key is never served.
func (h *CAHandler) PEM(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="oidc-redirect-proxy-ca.pem"`)
	return c.Blob(http.StatusOK, "application/x-pem-file", h.ca.CertPEM)
}

// Info returns the CA fingerprint and where the certificate lives on disk.
func (h *CAHandler) Info(c echo.Context) error {
	leaf := h.ca.Cert.Leaf
	resp := map[string]string{
		"fingerprint_sha256": h.ca.Fingerprint(),
		"cert_path":          h.ca.CertPath,
		"key_path":           h.ca.KeyPath,
	}
	if leaf != nil {
		resp["subject"] = leaf.Subject.CommonName
		resp["not_after"] = leaf.NotAfter.UTC().Format(http.TimeFormat)
	}
	return c.JSON(http.StatusOK, resp)
}
