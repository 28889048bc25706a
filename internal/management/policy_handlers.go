package management

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/pkifoundry/internal/storage"
)

// policyList binds one allow-list (domains or suffixes) to its storage operations.
type policyList struct {
	name   string
	add    func(storage.Storage, context.Context, string) error
	list   func(storage.Storage, context.Context) ([]string, error)
	delete func(storage.Storage, context.Context, string) error
}

var (
	domainPolicy = policyList{
		name:   "domain",
		add:    storage.Storage.AddAllowedDomain,
		list:   storage.Storage.ListAllowedDomains,
		delete: storage.Storage.DeleteAllowedDomain,
	}
	suffixPolicy = policyList{
		name:   "suffix",
		add:    storage.Storage.AddAllowedSuffix,
		list:   storage.Storage.ListAllowedSuffixes,
		delete: storage.Storage.DeleteAllowedSuffix,
	}
)

// addPolicyEntryRequest is the body of POST /policy/domains and /policy/suffixes.
type addPolicyEntryRequest struct {
	Domain string `json:"domain"`
	Suffix string `json:"suffix"`
}

func (r addPolicyEntryRequest) value(name string) string {
	if name == "suffix" {
		return strings.TrimSpace(r.Suffix)
	}
	return strings.TrimSpace(r.Domain)
}

func (p policyList) handleAdd(c echo.Context) error {
	reqLogger := loggerFrom(c, "HandleAdd"+p.title())

	var req addPolicyEntryRequest
	if err := c.Bind(&req); err != nil {
		reqLogger.Warn("Failed to bind request body", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
	}
	value := req.value(p.name)
	if value == "" {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s cannot be empty", p.title()))
	}

	// Storage normalizes case and leading dots.
	if err := p.add(storeFrom(c), c.Request().Context(), value); err != nil {
		reqLogger.Error("Failed to add policy entry", zap.String(p.name, value), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("Failed to save %s", p.name))
	}
	reqLogger.Info("Added allowed "+p.name, zap.String(p.name, value))
	return c.NoContent(http.StatusCreated)
}

func (p policyList) handleList(c echo.Context) error {
	values, err := p.list(storeFrom(c), c.Request().Context())
	if err != nil {
		loggerFrom(c, "HandleList"+p.title()).Error("Failed to list policy entries", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve %s entries", p.name))
	}
	return c.JSON(http.StatusOK, values)
}

func (p policyList) handleDelete(c echo.Context) error {
	reqLogger := loggerFrom(c, "HandleDelete"+p.title())

	param := c.Param(p.name)
	value, err := url.PathUnescape(param)
	if err != nil {
		reqLogger.Warn("Failed to unescape path parameter", zap.String("param", param), zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid %s parameter encoding: %v", p.name, err))
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s parameter cannot be empty", p.title()))
	}

	if err := p.delete(storeFrom(c), c.Request().Context(), value); err != nil {
		reqLogger.Error("Failed to delete policy entry", zap.String(p.name, value), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("Failed to delete %s", p.name))
	}
	reqLogger.Info("Deleted allowed "+p.name, zap.String(p.name, value))
	return c.NoContent(http.StatusNoContent)
}

func (p policyList) title() string {
	return strings.ToUpper(p.name[:1]) + p.name[1:]
}

// HandleAddDomain handles POST /policy/domains.
func HandleAddDomain(c echo.Context) error { return domainPolicy.handleAdd(c) }

// HandleListDomains handles GET /policy/domains.
func HandleListDomains(c echo.Context) error { return domainPolicy.handleList(c) }

// HandleDeleteDomain handles DELETE /policy/domains/:domain.
func HandleDeleteDomain(c echo.Context) error { return domainPolicy.handleDelete(c) }

// HandleAddSuffix handles POST /policy/suffixes.
func HandleAddSuffix(c echo.Context) error { return suffixPolicy.handleAdd(c) }

// HandleListSuffixes handles GET /policy/suffixes.
func HandleListSuffixes(c echo.Context) error { return suffixPolicy.handleList(c) }

// HandleDeleteSuffix handles DELETE /policy/suffixes/:suffix.
func HandleDeleteSuffix(c echo.Context) error { return suffixPolicy.handleDelete(c) }

type saveAPIKeyRequest struct {
	Key   string   `json:"key"`
	Roles []string `json:"roles"`
}

// HandleSaveAPIKey handles PUT /keys: creates or replaces a stored API key.
func HandleSaveAPIKey(c echo.Context) error {
	reqLogger := loggerFrom(c, "HandleSaveAPIKey")

	var req saveAPIKeyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
	}
	req.Key = strings.TrimSpace(req.Key)
	if len(req.Key) < 16 {
		return echo.NewHTTPError(http.StatusBadRequest, "API key must be at least 16 characters")
	}
	if len(req.Roles) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "At least one role is required")
	}
	if err := storeFrom(c).SaveAPIKey(c.Request().Context(), req.Key, req.Roles); err != nil {
		reqLogger.Error("Failed to save API key", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to save API key")
	}
	reqLogger.Info("API key saved", zap.Strings("roles", req.Roles))
	return c.NoContent(http.StatusNoContent)
}
