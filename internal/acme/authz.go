package acme

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/pkifoundry/internal/model"
)

// HandleAuthorization returns an authorization, or deactivates it when the
// payload asks for that (RFC 8555 Section 7.5.2).
func HandleAuthorization(c echo.Context) error {
	reqLogger := loggerFrom(c, "HandleAuthorization")
	cfg := configFrom(c)
	orderID, authzID := c.Param("orderID"), c.Param("authzID")

	req, err := validateAccountPOST(c)
	if err != nil {
		return err
	}

	if req.IsPostAsGet() {
		order, err := loadOwnedOrder(c.Request().Context(), storeFrom(c), orderID, req.Account)
		if err != nil {
			return err
		}
		authz := order.Authorization(authzID)
		if authz == nil {
			return NotFoundError("authorization %s not found", authzID)
		}
		return c.JSON(http.StatusOK, authorizationResponse(cfg, orderID, authz))
	}

	var payload AuthorizationUpdatePayload
	if err := decodePayload(req.Payload, &payload); err != nil {
		return err
	}
	if payload.Status != model.StatusDeactivated {
		return MalformedError("authorization status can only be changed to %q", model.StatusDeactivated)
	}

	var authz *model.Authorization
	_, err = updateOrder(c.Request().Context(), storeFrom(c), orderID, req.Account, func(o *model.Order) error {
		authz = o.Authorization(authzID)
		if authz == nil {
			return NotFoundError("authorization %s not found", authzID)
		}
		if authz.Status != model.StatusPending && authz.Status != model.StatusValid {
			return MalformedError("authorization %s is %s and cannot be deactivated", authzID, authz.Status)
		}
		authz.Status = model.StatusDeactivated
		now := time.Now().UTC()
		o.Refresh(now)
		o.LastModifiedAt = now
		return nil
	})
	if err != nil {
		return err
	}
	reqLogger.Info("Authorization deactivated", zap.String("order_id", orderID), zap.String("authz_id", authzID))
	return c.JSON(http.StatusOK, authorizationResponse(cfg, orderID, authz))
}

// HandleChallenge returns a challenge, or asks the server to validate it.
// Responding to a challenge that is no longer pending leaves it unchanged.
func HandleChallenge(c echo.Context) error {
	reqLogger := loggerFrom(c, "HandleChallenge")
	cfg := configFrom(c)
	orderID, authzID, challengeID := c.Param("orderID"), c.Param("authzID"), c.Param("challengeID")

	req, err := validateAccountPOST(c)
	if err != nil {
		return err
	}
	respond := !req.IsPostAsGet()
	if respond {
		var payload map[string]interface{}
		if err := decodePayload(req.Payload, &payload); err != nil {
			return err
		}
	}

	var (
		authz     *model.Authorization
		challenge *model.Challenge
	)
	_, err = updateOrder(c.Request().Context(), storeFrom(c), orderID, req.Account, func(o *model.Order) error {
		authz = o.Authorization(authzID)
		if authz == nil {
			return NotFoundError("authorization %s not found", authzID)
		}
		challenge = authz.Challenge(challengeID)
		if challenge == nil {
			return NotFoundError("challenge %s not found", challengeID)
		}
		if !respond || challenge.Status != model.StatusPending || authz.IsFinal() {
			return errUnchanged
		}
		now := time.Now().UTC()
		if authz.ExpireIfStale(now) {
			o.Refresh(now)
			o.LastModifiedAt = now
			return nil
		}
		if err := challenge.Transition(model.StatusProcessing); err != nil {
			return err
		}
		o.Refresh(now)
		o.LastModifiedAt = now
		return nil
	})
	if err != nil {
		return err
	}
	if challenge == nil || authz.Challenge(challengeID) == nil {
		return MalformedError("authorization %s expired", authzID)
	}

	if respond {
		reqLogger.Info("Challenge submitted for validation",
			zap.String("order_id", orderID),
			zap.String("challenge_id", challengeID),
			zap.String("type", challenge.Type),
			zap.String("status", challenge.Status))
	}
	c.Response().Header().Add("Link", link(authzURL(cfg, orderID, authzID), "up"))
	return c.JSON(http.StatusOK, challengeResponse(cfg, orderID, authzID, challenge))
}
