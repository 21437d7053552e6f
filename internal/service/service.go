package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"possale/backend/internal/cache"
	"possale/backend/internal/domain"
	"possale/backend/internal/metrics"
	"possale/backend/internal/qrpay"
	"possale/backend/internal/store"
	"possale/backend/internal/xid"
)

const DefaultLowStockThreshold = 5

var ErrAdminRequired = errors.New("admin role required")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	LowStockThreshold int
	Location          *time.Location
	QRTracker         *qrpay.Tracker
	QRRenderer        qrpay.Renderer
	ReportCache       cache.ReportCache
	ReportCacheTTL    time.Duration
	Metrics           *metrics.Metrics
}

type Service struct {
	repo              store.Repository
	tracker           *qrpay.Tracker
	renderer          qrpay.Renderer
	reports           cache.ReportCache
	reportTTL         time.Duration
	loc               *time.Location
	lowStockThreshold int
	metrics           *metrics.Metrics
	now               func() time.Time
	logger            *zap.Logger
}

func New(repo store.Repository, opts Options) *Service {
	if opts.LowStockThreshold <= 0 {
		opts.LowStockThreshold = DefaultLowStockThreshold
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.QRTracker == nil {
		opts.QRTracker = qrpay.NewTracker(repo, qrpay.DefaultTTL, opts.Metrics)
	}
	if opts.QRRenderer == nil {
		opts.QRRenderer = qrpay.NewPNGRenderer()
	}
	if opts.ReportCache == nil {
		opts.ReportCache = cache.NoopReportCache{}
	}
	if opts.ReportCacheTTL <= 0 {
		opts.ReportCacheTTL = 20 * time.Second
	}

	return &Service{
		repo:              repo,
		tracker:           opts.QRTracker,
		renderer:          opts.QRRenderer,
		reports:           opts.ReportCache,
		reportTTL:         opts.ReportCacheTTL,
		loc:               opts.Location,
		lowStockThreshold: opts.LowStockThreshold,
		metrics:           opts.Metrics,
		now:               func() time.Time { return time.Now().UTC() },
		logger:            zap.L().Named("service"),
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

// SearchProducts matches names by case-insensitive prefix.
func (s *Service) SearchProducts(ctx context.Context, query string, limit int) ([]domain.Product, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []domain.Product{}, nil
	}
	if limit < 1 {
		limit = 10
	}
	if limit > 50 {
		limit = 50
	}
	return s.repo.SearchProducts(ctx, query, limit)
}

func (s *Service) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	product := domain.Product{Name: strings.TrimSpace(req.Name)}
	if product.Name == "" {
		return domain.Product{}, invalidInput("name is required")
	}
	if req.Description != nil {
		product.Description = strings.TrimSpace(*req.Description)
	}
	if req.Price == nil || req.Price.IsNegative() {
		return domain.Product{}, invalidInput("price is required and must not be negative")
	}
	product.Price = *req.Price
	if req.Quantity == nil || *req.Quantity < 0 {
		return domain.Product{}, invalidInput("quantity is required and must not be negative")
	}
	product.Quantity = *req.Quantity

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", fmt.Sprint(created.ID),
		fmt.Sprintf("name=%s,price=%s,quantity=%d", created.Name, created.Price.String(), created.Quantity))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id int64, req domain.ProductUpdateRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	existing, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, invalidInput("name must not be empty")
		}
		updated.Name = name
	}
	if req.Description != nil {
		updated.Description = strings.TrimSpace(*req.Description)
	}
	if req.Price != nil {
		if req.Price.IsNegative() {
			return domain.Product{}, invalidInput("price must not be negative")
		}
		updated.Price = *req.Price
	}
	if req.Quantity != nil {
		if *req.Quantity < 0 {
			return domain.Product{}, invalidInput("quantity must not be negative")
		}
		updated.Quantity = *req.Quantity
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_update", "product", fmt.Sprint(saved.ID),
		fmt.Sprintf("price=%s,quantity=%d", saved.Price.String(), saved.Quantity))
	return *saved, nil
}

// DeleteProduct refuses products that appear on ledger lines so that
// historical receipts and reports keep resolving.
func (s *Service) DeleteProduct(ctx context.Context, id int64) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	if err := s.repo.DeleteProduct(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "product_delete", "product", fmt.Sprint(id), "")
	return nil
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	return s.repo.ListAuditLogs(ctx, limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		zap.L().Named("audit").Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err))
	}
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return ErrAdminRequired
	}
	return nil
}

func invalidInput(detail string) *domain.SaleError {
	return &domain.SaleError{Code: domain.CodeInvalidInput, Detail: detail}
}
