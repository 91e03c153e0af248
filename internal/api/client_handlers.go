package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/relay-billing-go/internal/models"
)

func (h *Handlers) ClientRegister(c *fiber.Ctx) error {
	var req models.RegisterRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	profile, err := h.clientAuth.Register(c.UserContext(), &req)
	if err != nil {
		return err
	}
	return created(c, profile)
}

func (h *Handlers) ClientLogin(c *fiber.Ctx) error {
	var req models.ClientLoginRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	token, profile, err := h.clientAuth.Login(c.UserContext(), req.Identifier, req.Password)
	if err != nil {
		return err
	}

	c.Cookie(&fiber.Cookie{
		Name:     clientSessionCookie,
		Value:    token,
		Expires:  time.Now().Add(h.config.ClientSessionTTL),
		HTTPOnly: true,
		Secure:   h.config.IsProduction(),
		SameSite: "Lax",
	})
	return ok(c, models.LoginResponse{Token: token, User: profile})
}

// ClientRefresh extends the caller's session by a full TTL
func (h *Handlers) ClientRefresh(c *fiber.Ctx) error {
	refresh, err := h.clientAuth.RefreshSession(c.UserContext(), clientToken(c))
	if err != nil {
		return err
	}
	c.Cookie(&fiber.Cookie{
		Name:     clientSessionCookie,
		Value:    refresh.Token,
		Expires:  refresh.ExpiresAt,
		HTTPOnly: true,
		Secure:   h.config.IsProduction(),
		SameSite: "Lax",
	})
	return ok(c, refresh)
}

func (h *Handlers) ClientLogout(c *fiber.Ctx) error {
	if err := h.clientAuth.Logout(c.UserContext(), clientToken(c)); err != nil {
		return err
	}
	c.ClearCookie(clientSessionCookie)
	return c.JSON(models.SuccessResponse{Success: true})
}

func (h *Handlers) ClientProfile(c *fiber.Ctx) error {
	profile, err := h.clientAuth.GetProfile(c.UserContext(), currentIdentity(c).ID)
	if err != nil {
		return err
	}
	return ok(c, profile)
}

// ClientPlans lists purchasable plans
func (h *Handlers) ClientPlans(c *fiber.Ctx) error {
	plans, err := h.planService.ListPlans(c.UserContext(), false)
	if err != nil {
		return err
	}
	return ok(c, plans)
}

func (h *Handlers) ClientCreateOrder(c *fiber.Ctx) error {
	var req models.CreateOrderRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	user := currentIdentity(c)
	order, err := h.orderService.CreateOrder(c.UserContext(), user.ID, user.Username, req.PlanID)
	if err != nil {
		return err
	}
	return created(c, order)
}

func (h *Handlers) ClientOrders(c *fiber.Ctx) error {
	orders, err := h.orderService.GetUserOrders(c.UserContext(), currentIdentity(c).ID)
	if err != nil {
		return err
	}
	return ok(c, orders)
}

// ClientOrder returns one of the caller's own orders
func (h *Handlers) ClientOrder(c *fiber.Ctx) error {
	order, err := h.orderService.GetOrder(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	if order.UserID != currentIdentity(c).ID {
		return fiber.NewError(fiber.StatusForbidden, "Access denied")
	}
	return ok(c, order)
}

func (h *Handlers) ClientActivateRedeem(c *fiber.Ctx) error {
	var req models.ActivateRedeemRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	result, err := h.redeemService.ActivateRedeem(c.UserContext(), req.Code, *currentIdentity(c))
	if err != nil {
		return err
	}
	return ok(c, result)
}

func (h *Handlers) ClientRedeems(c *fiber.Ctx) error {
	redeems, err := h.redeemService.GetUserRedeems(c.UserContext(), currentIdentity(c).ID)
	if err != nil {
		return err
	}
	return ok(c, redeems)
}
