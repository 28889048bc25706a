package acme

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/pkifoundry/internal/model"
	"github.com/blockadesystems/pkifoundry/internal/storage"
)

// HandleDirectory serves the directory object.
func HandleDirectory(c echo.Context) error {
	cfg := configFrom(c)
	dir := Directory{
		NewNonce:   baseURL(cfg) + "/new-nonce",
		NewAccount: baseURL(cfg) + "/new-account",
		NewOrder:   baseURL(cfg) + "/new-order",
		RevokeCert: baseURL(cfg) + "/revoke-cert",
		Meta: &DirectoryMeta{
			TermsOfService: cfg.TermsOfServiceURL,
			Website:        cfg.ExternalURL,
		},
	}
	return c.JSON(http.StatusOK, dir)
}

// HandleNewAccount registers a new account or returns the one bound to the
// request's key.
func HandleNewAccount(c echo.Context) error {
	reqLogger := loggerFrom(c, "HandleNewAccount")
	ctx := c.Request().Context()
	store := storeFrom(c)
	cfg := configFrom(c)

	req, err := validatePOST(c)
	if err != nil {
		return err
	}
	if req.Account != nil || req.Header.JWK == nil {
		return MalformedError("new-account requests must be signed with an embedded jwk")
	}
	var payload NewAccountPayload
	if err := decodePayload(req.Payload, &payload); err != nil {
		return err
	}

	thumbprint, err := Thumbprint(req.Key)
	if err != nil {
		return err
	}
	existing, err := store.GetAccountByThumbprint(ctx, thumbprint)
	if err != nil {
		return err
	}
	if existing != nil {
		return returnExistingAccount(c, existing)
	}
	if payload.OnlyReturnExisting {
		return AccountDoesNotExistError("no account exists with the provided key")
	}
	if cfg.TermsOfServiceURL != "" && !payload.TermsOfServiceAgreed {
		return MalformedError("must agree to terms of service")
	}
	if err := validateContacts(payload.Contact); err != nil {
		return err
	}

	jwkJSON, err := req.Key.Public().MarshalJSON()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	acct := &model.Account{
		ID:                   uuid.NewString(),
		Status:               model.StatusValid,
		Contact:              payload.Contact,
		TermsOfServiceAgreed: payload.TermsOfServiceAgreed,
		KeyThumbprint:        thumbprint,
		PublicKeyJWK:         string(jwkJSON),
		CreatedAt:            now,
		LastModifiedAt:       now,
	}
	if payload.TermsOfServiceAgreed {
		acct.TermsAgreedAt = &now
	}
	if err := store.CreateAccount(ctx, acct); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			// Lost a race with another registration of the same key.
			existing, gErr := store.GetAccountByThumbprint(ctx, thumbprint)
			if gErr == nil && existing != nil {
				return returnExistingAccount(c, existing)
			}
		}
		return err
	}

	reqLogger.Info("Created ACME account", zap.String("account_id", acct.ID), zap.Strings("contact", acct.Contact))
	c.Response().Header().Set(echo.HeaderLocation, accountURL(cfg, acct.ID))
	if cfg.TermsOfServiceURL != "" {
		c.Response().Header().Add("Link", link(cfg.TermsOfServiceURL, "terms-of-service"))
	}
	return c.JSON(http.StatusCreated, accountResponse(cfg, acct))
}

func returnExistingAccount(c echo.Context, acct *model.Account) error {
	if acct.Status != model.StatusValid {
		return UnauthorizedError("an account with the provided key exists but is %s", acct.Status)
	}
	cfg := configFrom(c)
	c.Response().Header().Set(echo.HeaderLocation, accountURL(cfg, acct.ID))
	return c.JSON(http.StatusOK, accountResponse(cfg, acct))
}

// HandleAccount returns or updates the account. Supported updates are a new
// contact list and deactivation.
func HandleAccount(c echo.Context) error {
	reqLogger := loggerFrom(c, "HandleAccount")
	cfg := configFrom(c)
	id := c.Param("accountID")

	req, err := validateAccountPOST(c)
	if err != nil {
		return err
	}
	if req.Account.ID != id {
		return UnauthorizedError("request signed by account %s cannot access account %s", req.Account.ID, id)
	}
	if req.IsPostAsGet() {
		return c.JSON(http.StatusOK, accountResponse(cfg, req.Account))
	}

	var payload AccountUpdatePayload
	if err := decodePayload(req.Payload, &payload); err != nil {
		return err
	}
	if payload.Status != "" && payload.Status != model.StatusDeactivated {
		return MalformedError("account status can only be changed to %q", model.StatusDeactivated)
	}
	if payload.Contact != nil {
		if err := validateContacts(*payload.Contact); err != nil {
			return err
		}
	}

	acct, err := updateAccount(c.Request().Context(), storeFrom(c), id, func(acct *model.Account) error {
		if payload.Contact == nil && payload.Status == "" {
			return errUnchanged
		}
		if payload.Contact != nil {
			acct.Contact = *payload.Contact
		}
		if payload.Status == model.StatusDeactivated {
			acct.Status = model.StatusDeactivated
		}
		acct.LastModifiedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return err
	}
	reqLogger.Info("Updated ACME account", zap.String("account_id", acct.ID), zap.String("status", acct.Status))
	return c.JSON(http.StatusOK, accountResponse(cfg, acct))
}

// HandleAccountOrders lists the URLs of the account's orders.
func HandleAccountOrders(c echo.Context) error {
	cfg := configFrom(c)
	id := c.Param("accountID")

	req, err := validateAccountPOST(c)
	if err != nil {
		return err
	}
	if req.Account.ID != id {
		return UnauthorizedError("request signed by account %s cannot list orders of account %s", req.Account.ID, id)
	}
	orders, err := storeFrom(c).ListOrdersByAccount(c.Request().Context(), id)
	if err != nil {
		return err
	}
	resp := OrdersListResponse{Orders: make([]string, 0, len(orders))}
	for _, o := range orders {
		resp.Orders = append(resp.Orders, orderURL(cfg, o.ID))
	}
	return c.JSON(http.StatusOK, resp)
}

func validateContacts(contacts []string) error {
	for _, contact := range contacts {
		addr, ok := strings.CutPrefix(contact, "mailto:")
		if !ok {
			return InvalidContactError("contact %q must be a mailto: URL", contact)
		}
		at := strings.LastIndex(addr, "@")
		if at <= 0 || at == len(addr)-1 || strings.ContainsAny(addr, " ,?") {
			return InvalidContactError("contact %q is not a valid email address", contact)
		}
	}
	return nil
}
