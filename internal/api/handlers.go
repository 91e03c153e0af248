package api

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/relay-billing-go/internal/config"
	"github.com/relay-billing-go/internal/models"
	"github.com/relay-billing-go/internal/services"
	"go.uber.org/zap"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	authService     *services.AuthService
	clientAuth      *services.ClientAuthService
	planService     *services.PlanService
	templateService *services.TemplateService
	orderService    *services.OrderService
	redeemService   *services.RedeemService
	apiKeyService   *services.APIKeyService
	userService     *services.UserService
	transferService *services.TransferService
	workerPool      *services.WorkerPool
	config          *config.Config
	log             *zap.SugaredLogger
}

// Services bundles what the handlers depend on
type Services struct {
	Auth       *services.AuthService
	ClientAuth *services.ClientAuthService
	Plans      *services.PlanService
	Templates  *services.TemplateService
	Orders     *services.OrderService
	Redeems    *services.RedeemService
	APIKeys    *services.APIKeyService
	Users      *services.UserService
	Transfer   *services.TransferService
	Pool       *services.WorkerPool
}

// NewHandlers creates new handlers
func NewHandlers(svc Services, cfg *config.Config, log *zap.SugaredLogger) *Handlers {
	return &Handlers{
		authService:     svc.Auth,
		clientAuth:      svc.ClientAuth,
		planService:     svc.Plans,
		templateService: svc.Templates,
		orderService:    svc.Orders,
		redeemService:   svc.Redeems,
		apiKeyService:   svc.APIKeys,
		userService:     svc.Users,
		transferService: svc.Transfer,
		workerPool:      svc.Pool,
		config:          cfg,
		log:             log,
	}
}

func ok(c *fiber.Ctx, data interface{}) error {
	return c.JSON(models.SuccessResponse{Success: true, Data: data})
}

func created(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusCreated).JSON(models.SuccessResponse{Success: true, Data: data})
}

func parseBody(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	return nil
}

// Health check endpoint
func (h *Handlers) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "healthy",
		"time":    time.Now().Format(time.RFC3339),
		"version": "1.0.0",
	})
}

// Login handles admin authentication
func (h *Handlers) Login(c *fiber.Ctx) error {
	var req models.LoginRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	sessionID, token, err := h.authService.Login(c.UserContext(), req.Password)
	if err != nil {
		return err
	}

	c.Cookie(&fiber.Cookie{
		Name:     adminSessionCookie,
		Value:    sessionID,
		Expires:  time.Now().Add(h.config.SessionTTL),
		HTTPOnly: true,
		Secure:   h.config.IsProduction(),
		SameSite: "Lax",
	})

	return ok(c, models.LoginResponse{Token: token})
}

// Logout handles admin logout
func (h *Handlers) Logout(c *fiber.Ctx) error {
	if sessionID := c.Cookies(adminSessionCookie); sessionID != "" {
		_ = h.authService.DeleteSession(c.UserContext(), sessionID)
	}

	c.Cookie(&fiber.Cookie{
		Name:     adminSessionCookie,
		Value:    "",
		Expires:  time.Now().Add(-time.Hour),
		HTTPOnly: true,
		Secure:   h.config.IsProduction(),
		SameSite: "Lax",
	})

	return c.JSON(models.SuccessResponse{Success: true})
}

// Stats reports fan-out pool counters
func (h *Handlers) Stats(c *fiber.Ctx) error {
	return ok(c, h.workerPool.GetStats())
}

// Plans

func (h *Handlers) ListPlans(c *fiber.Ctx) error {
	plans, err := h.planService.ListPlans(c.UserContext(), c.QueryBool("includeInactive", true))
	if err != nil {
		return err
	}
	return ok(c, plans)
}

func (h *Handlers) GetPlan(c *fiber.Ctx) error {
	plan, err := h.planService.GetPlan(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return ok(c, plan)
}

func (h *Handlers) CreatePlan(c *fiber.Ctx) error {
	var in models.PlanInput
	if err := parseBody(c, &in); err != nil {
		return err
	}
	plan, err := h.planService.CreatePlan(c.UserContext(), &in)
	if err != nil {
		return err
	}
	return created(c, plan)
}

func (h *Handlers) UpdatePlan(c *fiber.Ctx) error {
	var upd models.PlanUpdate
	if err := parseBody(c, &upd); err != nil {
		return err
	}
	plan, err := h.planService.UpdatePlan(c.UserContext(), c.Params("id"), &upd)
	if err != nil {
		return err
	}
	return ok(c, plan)
}

func (h *Handlers) DeletePlan(c *fiber.Ctx) error {
	if err := h.planService.DeletePlan(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.JSON(models.SuccessResponse{Success: true, Message: "Plan deleted"})
}

// Templates

func (h *Handlers) ListTemplates(c *fiber.Ctx) error {
	templates, err := h.templateService.ListTemplates(c.UserContext())
	if err != nil {
		return err
	}
	return ok(c, templates)
}

func (h *Handlers) GetTemplate(c *fiber.Ctx) error {
	tmpl, err := h.templateService.GetTemplate(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return ok(c, tmpl)
}

func (h *Handlers) GetTemplateByPlan(c *fiber.Ctx) error {
	tmpl, err := h.templateService.GetTemplateByPlanID(c.UserContext(), c.Params("planId"))
	if err != nil {
		return err
	}
	return ok(c, tmpl)
}

func (h *Handlers) CreateTemplate(c *fiber.Ctx) error {
	var in models.APIKeyTemplate
	if err := parseBody(c, &in); err != nil {
		return err
	}
	tmpl, err := h.templateService.CreateTemplate(c.UserContext(), &in)
	if err != nil {
		return err
	}
	return created(c, tmpl)
}

func (h *Handlers) UpdateTemplate(c *fiber.Ctx) error {
	var upd models.APIKeyTemplateUpdate
	if err := parseBody(c, &upd); err != nil {
		return err
	}
	tmpl, err := h.templateService.UpdateTemplate(c.UserContext(), c.Params("id"), &upd)
	if err != nil {
		return err
	}
	return ok(c, tmpl)
}

func (h *Handlers) DeleteTemplate(c *fiber.Ctx) error {
	if err := h.templateService.DeleteTemplate(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.JSON(models.SuccessResponse{Success: true, Message: "Template deleted"})
}

func (h *Handlers) GenerateFromTemplate(c *fiber.Ctx) error {
	var req models.GenerateKeyRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	key, err := h.templateService.GenerateFromTemplate(c.UserContext(), c.Params("id"), req.UserID, req.UserUsername, req.Overrides)
	if err != nil {
		return err
	}
	return created(c, key)
}

// Orders

func (h *Handlers) ListOrders(c *fiber.Ctx) error {
	orders, err := h.orderService.GetAllOrders(c.UserContext(), models.OrderStatus(c.Query("status")))
	if err != nil {
		return err
	}
	return ok(c, orders)
}

func (h *Handlers) GetOrder(c *fiber.Ctx) error {
	order, err := h.orderService.GetOrder(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return ok(c, order)
}

// CreateOrder places an order on behalf of the user named by username or email
func (h *Handlers) CreateOrder(c *fiber.Ctx) error {
	var req models.CreateOrderRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	user, err := h.clientAuth.FindUser(c.UserContext(), req.User)
	if err != nil {
		return err
	}
	order, err := h.orderService.CreateOrder(c.UserContext(), user.ID, user.Username, req.PlanID)
	if err != nil {
		return err
	}
	return created(c, order)
}

func (h *Handlers) ActivateOrder(c *fiber.Ctx) error {
	order, err := h.orderService.ActivateOrder(c.UserContext(), c.Params("id"), "admin")
	if err != nil {
		return err
	}
	return ok(c, order)
}

func (h *Handlers) DeleteOrder(c *fiber.Ctx) error {
	if err := h.orderService.DeleteOrder(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.JSON(models.SuccessResponse{Success: true, Message: "Order deleted"})
}

func (h *Handlers) CheckOrderExpiration(c *fiber.Ctx) error {
	count, err := h.orderService.CheckOrderExpiration(c.UserContext())
	if err != nil {
		return err
	}
	return ok(c, fiber.Map{"expired": count})
}

// Redeem codes

func (h *Handlers) CreateRedeem(c *fiber.Ctx) error {
	var opts models.RedeemOptions
	if err := parseBody(c, &opts); err != nil {
		return err
	}
	if opts.AdminID == "" {
		opts.AdminID = "admin"
	}
	result, err := h.redeemService.CreateRedeem(c.UserContext(), &opts)
	if err != nil {
		return err
	}
	return created(c, result)
}

func (h *Handlers) ListRedeems(c *fiber.Ctx) error {
	redeems, err := h.redeemService.ListRedeems(c.UserContext())
	if err != nil {
		return err
	}
	return ok(c, redeems)
}

func (h *Handlers) GetRedeem(c *fiber.Ctx) error {
	redeem, err := h.redeemService.GetRedeem(c.UserContext(), c.Params("code"))
	if err != nil {
		return err
	}
	return ok(c, redeem)
}

func (h *Handlers) UpdateRedeem(c *fiber.Ctx) error {
	var upd models.RedeemUpdate
	if err := parseBody(c, &upd); err != nil {
		return err
	}
	redeem, err := h.redeemService.UpdateRedeem(c.UserContext(), c.Params("code"), &upd)
	if err != nil {
		return err
	}
	return ok(c, redeem)
}

func (h *Handlers) DeleteRedeem(c *fiber.Ctx) error {
	if err := h.redeemService.DeleteRedeem(c.UserContext(), c.Params("code")); err != nil {
		return err
	}
	return c.JSON(models.SuccessResponse{Success: true, Message: "Redeem code deleted"})
}

// API keys

func (h *Handlers) GetAPIKey(c *fiber.Ctx) error {
	key, err := h.apiKeyService.GetAPIKeyByID(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	if key == nil {
		return fiber.NewError(fiber.StatusNotFound, "API key not found")
	}
	return ok(c, key)
}

func (h *Handlers) LookupAPIKey(c *fiber.Ctx) error {
	var req models.LookupKeyRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if req.APIKey == "" {
		return fiber.NewError(fiber.StatusBadRequest, "apiKey is required")
	}
	key, err := h.apiKeyService.LookupByPlaintext(c.UserContext(), req.APIKey)
	if err != nil {
		return err
	}
	if key == nil {
		return fiber.NewError(fiber.StatusNotFound, "API key not found")
	}
	return ok(c, key)
}

// Users

func (h *Handlers) ListUsers(c *fiber.Ctx) error {
	var active *bool
	if raw := c.Query("isActive"); raw != "" {
		v := c.QueryBool("isActive")
		active = &v
	}
	users, err := h.userService.ListUsers(c.UserContext(), active)
	if err != nil {
		return err
	}
	return ok(c, users)
}

func (h *Handlers) GetUser(c *fiber.Ctx) error {
	user, err := h.userService.GetUser(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return ok(c, user)
}

func (h *Handlers) SetUserStatus(c *fiber.Ctx) error {
	var req models.UserStatusRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if req.IsActive == nil {
		return fiber.NewError(fiber.StatusBadRequest, "isActive is required")
	}
	user, err := h.userService.SetUserStatus(c.UserContext(), c.Params("id"), *req.IsActive)
	if err != nil {
		return err
	}
	return ok(c, user)
}

func (h *Handlers) DeleteUser(c *fiber.Ctx) error {
	if err := h.userService.DeleteUser(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.JSON(models.SuccessResponse{Success: true, Message: "User deleted"})
}

func (h *Handlers) UserOrders(c *fiber.Ctx) error {
	if _, err := h.userService.GetUser(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	orders, err := h.orderService.GetUserOrders(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return ok(c, orders)
}

func (h *Handlers) UserRedeems(c *fiber.Ctx) error {
	if _, err := h.userService.GetUser(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	redeems, err := h.redeemService.GetUserRedeems(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return ok(c, redeems)
}

// Data transfer

// transferTypes reads the comma separated ?types= filter
func transferTypes(c *fiber.Ctx) []string {
	var types []string
	for _, t := range strings.Split(c.Query("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	return types
}

func (h *Handlers) ExportData(c *fiber.Ctx) error {
	bundle, err := h.transferService.Export(c.UserContext(), models.ExportOptions{
		Types:    transferTypes(c),
		Sanitize: c.QueryBool("sanitize", false),
	})
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="relay-billing-export.json"`)
	return ok(c, bundle)
}

func (h *Handlers) PreviewExport(c *fiber.Ctx) error {
	preview, err := h.transferService.Preview(c.UserContext())
	if err != nil {
		return err
	}
	return ok(c, preview)
}

func (h *Handlers) ImportData(c *fiber.Ctx) error {
	var bundle models.ExportBundle
	if err := parseBody(c, &bundle); err != nil {
		return err
	}
	result, err := h.transferService.Import(c.UserContext(), &bundle, models.ImportOptions{
		Types:     transferTypes(c),
		Overwrite: c.QueryBool("overwrite", false),
	})
	if err != nil {
		return err
	}
	return ok(c, result)
}
