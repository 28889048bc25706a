package acme

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/blockadesystems/pkifoundry/internal/model"
	"github.com/blockadesystems/pkifoundry/internal/storage"
)

const (
	joseContentType = "application/jose+json"
	maxBodySize     = 1 << 20
	maxSaveAttempts = 3
)

// errUnchanged makes update callbacks skip the save.
var errUnchanged = errors.New("acme: resource unchanged")

// requestURL is the URL the client must have put in the JWS url header.
func requestURL(c echo.Context) string {
	return configFrom(c).ExternalURL + c.Request().URL.EscapedPath()
}

// validatePOST reads and authenticates the JWS body of the request.
func validatePOST(c echo.Context) (*ValidatedRequest, error) {
	ct := c.Request().Header.Get(echo.HeaderContentType)
	if !strings.HasPrefix(ct, joseContentType) {
		e := MalformedError("Content-Type must be %s", joseContentType)
		e.Status = http.StatusUnsupportedMediaType
		return nil, e
	}
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodySize+1))
	if err != nil {
		return nil, MalformedError("failed to read request body: %v", err)
	}
	if len(body) > maxBodySize {
		return nil, MalformedError("request body too large")
	}
	jws, err := ParseJWS(body)
	if err != nil {
		return nil, err
	}
	cfg := configFrom(c)
	v := &RequestValidator{
		Store:            storeFrom(c),
		Nonces:           noncesFrom(c),
		AccountURLPrefix: accountURL(cfg, ""),
	}
	return v.ValidateRequest(c.Request().Context(), jws, requestURL(c))
}

// validateAccountPOST additionally requires the request to be signed by an
// existing account.
func validateAccountPOST(c echo.Context) (*ValidatedRequest, error) {
	req, err := validatePOST(c)
	if err != nil {
		return nil, err
	}
	if req.Account == nil {
		return nil, MalformedError("this resource requires a kid-signed request")
	}
	return req, nil
}

// decodePayload unmarshals a JSON payload, rejecting unknown garbage.
func decodePayload(payload []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(v); err != nil {
		return MalformedError("payload is not valid JSON: %v", err)
	}
	return nil
}

// loadOwnedOrder loads an order and checks it belongs to acct.
func loadOwnedOrder(ctx context.Context, store storage.Storage, id string, acct *model.Account) (*model.Order, error) {
	order, err := store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, NotFoundError("order %s not found", id)
	}
	if order.AccountID != acct.ID {
		return nil, UnauthorizedError("order %s does not belong to the requesting account", id)
	}
	return order, nil
}

// updateOrder reloads the order, applies fn and saves it, retrying when a
// concurrent writer got there first.
func updateOrder(ctx context.Context, store storage.Storage, id string, acct *model.Account, fn func(*model.Order) error) (*model.Order, error) {
	for attempt := 1; ; attempt++ {
		order, err := loadOwnedOrder(ctx, store, id, acct)
		if err != nil {
			return nil, err
		}
		if err := fn(order); err != nil {
			if errors.Is(err, errUnchanged) {
				return order, nil
			}
			return nil, err
		}
		err = store.SaveOrder(ctx, order)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, storage.ErrConcurrency) || attempt == maxSaveAttempts {
			return nil, err
		}
	}
}

// updateAccount is updateOrder for accounts.
func updateAccount(ctx context.Context, store storage.Storage, id string, fn func(*model.Account) error) (*model.Account, error) {
	for attempt := 1; ; attempt++ {
		acct, err := store.GetAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		if acct == nil {
			return nil, AccountDoesNotExistError("account %s does not exist", id)
		}
		if err := fn(acct); err != nil {
			if errors.Is(err, errUnchanged) {
				return acct, nil
			}
			return nil, err
		}
		err = store.SaveAccount(ctx, acct)
		if err == nil {
			return acct, nil
		}
		if !errors.Is(err, storage.ErrConcurrency) || attempt == maxSaveAttempts {
			return nil, err
		}
	}
}
