package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/relay-billing-go/internal/models"
	"github.com/relay-billing-go/internal/storage"
	"go.uber.org/zap"
)

const exportVersion = "1.0"

// keyCache drops locally cached copies of an API key
type keyCache interface {
	Forget(id string)
}

// TransferService exports and imports the billing data set
type TransferService struct {
	store *storage.Storage
	keys  keyCache
	log   *zap.SugaredLogger
	now   func() time.Time
}

// NewTransferService creates a new transfer service. keys may be nil when
// no process-local key cache exists.
func NewTransferService(store *storage.Storage, keys keyCache, log *zap.SugaredLogger) *TransferService {
	return &TransferService{store: store, keys: keys, log: log, now: time.Now}
}

var transferKinds = []string{
	models.TransferPlans,
	models.TransferTemplates,
	models.TransferOrders,
	models.TransferRedeems,
	models.TransferAPIKeys,
	models.TransferUsers,
}

// kindSet resolves a types filter; empty or "all" selects every kind
func kindSet(types []string) (map[string]bool, error) {
	set := make(map[string]bool, len(transferKinds))
	if len(types) == 0 {
		types = []string{models.TransferAll}
	}
	for _, t := range types {
		t = strings.TrimSpace(t)
		if t == models.TransferAll {
			for _, k := range transferKinds {
				set[k] = true
			}
			continue
		}
		known := false
		for _, k := range transferKinds {
			if k == t {
				known = true
				break
			}
		}
		if !known {
			return nil, invalid("unknown data type %q", t)
		}
		set[t] = true
	}
	return set, nil
}

// Export collects the selected record kinds. Redeem payloads stay
// encrypted; a sanitized export drops them along with key and password
// hashes.
func (s *TransferService) Export(ctx context.Context, opts models.ExportOptions) (*models.ExportBundle, error) {
	kinds, err := kindSet(opts.Types)
	if err != nil {
		return nil, err
	}

	bundle := &models.ExportBundle{
		Version:    exportVersion,
		ExportedAt: s.now(),
		Sanitized:  opts.Sanitize,
		Types:      opts.Types,
		Plans:      []*models.Plan{},
		Templates:  []*models.APIKeyTemplate{},
		Orders:     []*models.Order{},
		Redeems:    []*models.RedeemExport{},
		APIKeys:    []*models.APIKeyExport{},
		Users:      []*models.ClientUser{},
	}

	if kinds[models.TransferPlans] {
		if bundle.Plans, err = s.store.GetAllPlans(ctx); err != nil {
			return nil, fmt.Errorf("export plans: %w", err)
		}
	}
	if kinds[models.TransferTemplates] {
		if bundle.Templates, err = s.store.GetAllTemplates(ctx); err != nil {
			return nil, fmt.Errorf("export templates: %w", err)
		}
	}
	if kinds[models.TransferOrders] {
		if bundle.Orders, err = s.store.GetAllOrders(ctx); err != nil {
			return nil, fmt.Errorf("export orders: %w", err)
		}
	}
	if kinds[models.TransferRedeems] {
		redeems, err := s.store.GetAllRedeems(ctx)
		if err != nil {
			return nil, fmt.Errorf("export redeems: %w", err)
		}
		for _, r := range redeems {
			enc := r.PlaintextKeyEnc
			if opts.Sanitize {
				enc = ""
			}
			bundle.Redeems = append(bundle.Redeems, &models.RedeemExport{Redeem: r, PlaintextKeyEnc: enc})
		}
	}
	if kinds[models.TransferAPIKeys] {
		keys, err := s.store.GetAllAPIKeys(ctx)
		if err != nil {
			return nil, fmt.Errorf("export api keys: %w", err)
		}
		for _, k := range keys {
			hashed := k.HashedKey
			if opts.Sanitize {
				hashed = ""
			}
			bundle.APIKeys = append(bundle.APIKeys, &models.APIKeyExport{APIKey: k, HashedKey: hashed})
		}
	}
	if kinds[models.TransferUsers] {
		if bundle.Users, err = s.store.GetAllClientUsers(ctx); err != nil {
			return nil, fmt.Errorf("export users: %w", err)
		}
		if opts.Sanitize {
			for _, u := range bundle.Users {
				u.PasswordHash = ""
			}
		}
	}

	s.log.Infow("data exported",
		"plans", len(bundle.Plans),
		"templates", len(bundle.Templates),
		"orders", len(bundle.Orders),
		"redeems", len(bundle.Redeems),
		"api_keys", len(bundle.APIKeys),
		"users", len(bundle.Users),
		"sanitized", opts.Sanitize,
	)
	return bundle, nil
}

// Preview counts what a full export would return
func (s *TransferService) Preview(ctx context.Context) (*models.ExportPreview, error) {
	plans, err := s.store.GetAllPlans(ctx)
	if err != nil {
		return nil, fmt.Errorf("count plans: %w", err)
	}
	templates, err := s.store.GetAllTemplates(ctx)
	if err != nil {
		return nil, fmt.Errorf("count templates: %w", err)
	}
	orders, err := s.store.GetAllOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("count orders: %w", err)
	}
	redeems, err := s.store.CountRedeems(ctx)
	if err != nil {
		return nil, fmt.Errorf("count redeems: %w", err)
	}
	apiKeys, err := s.store.CountAPIKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("count api keys: %w", err)
	}
	users, err := s.store.GetAllClientUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}

	return &models.ExportPreview{
		Plans:     len(plans),
		Templates: len(templates),
		Orders:    len(orders),
		Redeems:   redeems,
		APIKeys:   apiKeys,
		Users:     len(users),
	}, nil
}

// Import writes the selected kinds of a bundle back. Users and API keys go
// first so that imported orders and redeems point at records that exist.
func (s *TransferService) Import(ctx context.Context, bundle *models.ExportBundle, opts models.ImportOptions) (*models.ImportResult, error) {
	if bundle == nil {
		return nil, invalid("import data is required")
	}
	kinds, err := kindSet(opts.Types)
	if err != nil {
		return nil, err
	}
	overwrite := opts.Overwrite

	result := &models.ImportResult{}
	tally := func(kind, id string, imported bool, err error) {
		switch {
		case err != nil:
			result.Failed++
			s.log.Warnw("import record failed", "kind", kind, "id", id, "error", err)
		case imported:
			result.Imported++
		default:
			result.Skipped++
		}
	}

	if kinds[models.TransferUsers] {
		for _, u := range bundle.Users {
			if u == nil {
				continue
			}
			ok, err := s.importUser(ctx, u, overwrite)
			tally("user", u.ID, ok, err)
		}
	}
	if kinds[models.TransferAPIKeys] {
		for _, k := range bundle.APIKeys {
			if k == nil || k.APIKey == nil {
				continue
			}
			ok, err := s.importAPIKey(ctx, k, bundle.Sanitized, overwrite)
			tally("api_key", k.ID, ok, err)
		}
	}
	if kinds[models.TransferPlans] {
		for _, p := range bundle.Plans {
			if p == nil {
				continue
			}
			ok, err := s.importPlan(ctx, p, overwrite)
			tally("plan", p.ID, ok, err)
		}
	}
	if kinds[models.TransferTemplates] {
		for _, t := range bundle.Templates {
			if t == nil {
				continue
			}
			ok, err := s.importTemplate(ctx, t, overwrite)
			tally("template", t.ID, ok, err)
		}
	}
	if kinds[models.TransferOrders] {
		for _, o := range bundle.Orders {
			if o == nil {
				continue
			}
			ok, err := s.importOrder(ctx, o, overwrite)
			tally("order", o.ID, ok, err)
		}
	}
	if kinds[models.TransferRedeems] {
		for _, r := range bundle.Redeems {
			if r == nil || r.Redeem == nil {
				continue
			}
			ok, err := s.importRedeem(ctx, r, overwrite)
			tally("redeem", r.Code, ok, err)
		}
	}

	s.log.Infow("data imported", "imported", result.Imported, "skipped", result.Skipped, "failed", result.Failed, "overwrite", overwrite)
	return result, nil
}

func (s *TransferService) importUser(ctx context.Context, u *models.ClientUser, overwrite bool) (bool, error) {
	if u.ID == "" || u.Username == "" || u.Email == "" {
		return false, invalid("user needs an id, a username and an email")
	}
	existing, err := s.store.GetClientUser(ctx, u.ID)
	if err != nil {
		return false, err
	}
	if existing != nil && !overwrite {
		return false, nil
	}

	user := *u
	user.Username = strings.ToLower(user.Username)
	user.Email = strings.ToLower(user.Email)
	for _, claim := range []struct {
		value string
		fn    func(context.Context, string, string) (bool, error)
	}{
		{user.Username, s.store.ClaimUsername},
		{user.Email, s.store.ClaimEmail},
	} {
		claimed, err := claim.fn(ctx, claim.value, user.ID)
		if err != nil {
			return false, err
		}
		if claimed {
			continue
		}
		holder, err := s.store.ResolveUserID(ctx, claim.value)
		if err != nil {
			return false, err
		}
		if holder != user.ID {
			return false, conflict("%s belongs to another user", claim.value)
		}
	}
	return true, s.store.SaveClientUser(ctx, &user)
}

// importAPIKey restores a key and, unless the bundle was sanitized, its
// hash index entry
func (s *TransferService) importAPIKey(ctx context.Context, k *models.APIKeyExport, sanitized, overwrite bool) (bool, error) {
	if k.ID == "" {
		return false, invalid("api key needs an id")
	}
	existing, err := s.store.GetAPIKey(ctx, k.ID)
	if err != nil {
		return false, err
	}
	if existing != nil && !overwrite {
		return false, nil
	}

	key := *k.APIKey
	key.HashedKey = k.HashedKey
	if sanitized {
		key.HashedKey = ""
	}
	if key.HashedKey == "" && existing != nil {
		key.HashedKey = existing.HashedKey
	}
	if err := s.store.SaveAPIKey(ctx, &key); err != nil {
		return false, err
	}
	if s.keys != nil {
		s.keys.Forget(key.ID)
	}
	return true, nil
}

func (s *TransferService) importPlan(ctx context.Context, p *models.Plan, overwrite bool) (bool, error) {
	if p.ID == "" || !p.Type.Valid() {
		return false, invalid("plan needs an id and a known type")
	}
	existing, err := s.store.GetPlan(ctx, p.ID)
	if err != nil {
		return false, err
	}
	if existing != nil && !overwrite {
		return false, nil
	}
	return true, s.store.SavePlan(ctx, p)
}

func (s *TransferService) importTemplate(ctx context.Context, t *models.APIKeyTemplate, overwrite bool) (bool, error) {
	if t.ID == "" {
		return false, invalid("template needs an id")
	}
	existing, err := s.store.GetTemplate(ctx, t.ID)
	if err != nil {
		return false, err
	}
	previousPlanID := ""
	if existing != nil {
		if !overwrite {
			return false, nil
		}
		previousPlanID = existing.PlanID
	}
	return true, s.store.SaveTemplate(ctx, t, previousPlanID)
}

func (s *TransferService) importOrder(ctx context.Context, o *models.Order, overwrite bool) (bool, error) {
	if o.ID == "" || o.UserID == "" || o.PlanID == "" {
		return false, invalid("order needs an id, a user and a plan")
	}
	existing, err := s.store.GetOrder(ctx, o.ID)
	if err != nil {
		return false, err
	}
	if existing != nil && !overwrite {
		return false, nil
	}
	if err := s.store.SaveOrder(ctx, o); err != nil {
		return false, err
	}

	if o.Status == models.OrderStatusPending {
		if holder, claimed, err := s.store.ClaimPendingOrder(ctx, o.UserID, o.PlanID, o.ID); err != nil {
			s.log.Warnw("failed to index imported pending order", "order_id", o.ID, "error", err)
		} else if !claimed && holder != o.ID {
			s.log.Warnw("imported pending order shadowed by existing one", "order_id", o.ID, "holder", holder)
		}
	}
	return true, nil
}

func (s *TransferService) importRedeem(ctx context.Context, r *models.RedeemExport, overwrite bool) (bool, error) {
	if r.Code == "" {
		return false, invalid("redeem needs a code")
	}
	redeem := *r.Redeem
	redeem.PlaintextKeyEnc = r.PlaintextKeyEnc

	if redeem.PlaintextKeyEnc == "" {
		existing, err := s.store.GetRedeem(ctx, redeem.Code)
		if err != nil {
			return false, err
		}
		if existing != nil {
			redeem.PlaintextKeyEnc = existing.PlaintextKeyEnc
		} else if redeem.Status == models.RedeemStatusUnused {
			return false, invalid("unused redeem %s carries no key payload", redeem.Code)
		}
	}

	if !overwrite {
		created, err := s.store.CreateRedeem(ctx, &redeem)
		if err != nil || !created {
			return false, err
		}
		if redeem.UserID != "" {
			if err := s.store.AddUserRedeem(ctx, redeem.UserID, redeem.Code); err != nil {
				return true, err
			}
		}
		return true, nil
	}
	return true, s.store.SaveRedeem(ctx, &redeem)
}
