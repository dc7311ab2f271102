package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tollgate-ai/tollgate/internal/config"
	"github.com/tollgate-ai/tollgate/internal/models"
	"github.com/tollgate-ai/tollgate/internal/services/providers"
)

// ErrInsufficientBudget is returned when a reservation would exhaust the
// total budget or push spend past a daily or monthly cap. The HTTP layer
// maps it to 402.
var ErrInsufficientBudget = errors.New("insufficient budget")

// Service is the token budget manager. It owns estimation, the
// reserve/settle/release cycle, threshold alerts, and the background
// maintenance tasks. Money is decimal end to end; reservations live in
// Redis so they expire on their own if a request is abandoned.
type Service struct {
	db     *gorm.DB
	redis  *redis.Client
	logger *zap.Logger
	cfg    config.BudgetConfig

	mu     sync.Mutex
	cache  map[string]*cachedBudget
	userMu map[string]*sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
}

// cachedBudget tracks outstanding reservations on top of the persisted
// budget row, so concurrent requests cannot collectively overshoot a cap.
type cachedBudget struct {
	budget   models.TokenBudget
	reserved decimal.Decimal
	loadedAt time.Time
}

func NewService(db *gorm.DB, redisClient *redis.Client, cfg config.BudgetConfig, logger *zap.Logger) *Service {
	return &Service{
		db:     db,
		redis:  redisClient,
		logger: logger,
		cfg:    cfg,
		cache:  make(map[string]*cachedBudget),
		userMu: make(map[string]*sync.Mutex),
		stopCh: make(chan struct{}),
	}
}

// Start launches the cache reload, budget reset, and usage aggregation
// loops.
func (s *Service) Start() {
	go s.cacheReloadLoop()
	go s.resetLoop()
	go s.aggregationLoop()
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Reserve places a hold for the estimated cost of a request. It fails
// with ErrInsufficientBudget when the amount, on top of settled spend and
// outstanding reservations, would exhaust the total budget or cross the
// daily or monthly cap. The total is checked first; period caps are
// secondary and a zero cap is treated as uncapped.
func (s *Service) Reserve(ctx context.Context, tenantID, userID, requestID string, amount decimal.Decimal) error {
	lock := s.lockFor(tenantID, userID)
	lock.Lock()
	defer lock.Unlock()

	cached, err := s.getBudgetLocked(ctx, tenantID, userID)
	if err != nil {
		return err
	}

	committed := cached.reserved.Add(amount)
	if !cached.budget.TotalBudget.IsZero() &&
		cached.budget.UsedBudget.Add(committed).GreaterThan(cached.budget.TotalBudget) {
		return fmt.Errorf("%w: total budget $%s exhausted", ErrInsufficientBudget, cached.budget.TotalBudget.StringFixed(2))
	}
	if !cached.budget.DailyLimit.IsZero() &&
		cached.budget.UsedDaily.Add(committed).GreaterThan(cached.budget.DailyLimit) {
		return fmt.Errorf("%w: daily limit $%s reached", ErrInsufficientBudget, cached.budget.DailyLimit.StringFixed(2))
	}
	if !cached.budget.MonthlyLimit.IsZero() &&
		cached.budget.UsedMonthly.Add(committed).GreaterThan(cached.budget.MonthlyLimit) {
		return fmt.Errorf("%w: monthly limit $%s reached", ErrInsufficientBudget, cached.budget.MonthlyLimit.StringFixed(2))
	}

	key := reservationKey(tenantID, userID, requestID)
	ttl := s.cfg.ReservationTTL
	if ttl == 0 {
		ttl = 300 * time.Second
	}
	if err := s.redis.SetEx(ctx, key, amount.String(), ttl).Err(); err != nil {
		return fmt.Errorf("failed to store reservation: %w", err)
	}

	cached.reserved = cached.reserved.Add(amount)

	s.logger.Debug("Budget reserved",
		zap.String("tenant_id", tenantID),
		zap.String("user_id", userID),
		zap.String("request_id", requestID),
		zap.String("amount", amount.String()))

	return nil
}

// SettleParams carries the actual outcome of a completed request.
type SettleParams struct {
	TenantID  string
	UserID    string
	RequestID string
	Model     string
	Provider  string
	Usage     providers.Usage
	Cost      decimal.Decimal
	LatencyMs int64
}

// Settle converts a reservation into settled spend: the reservation is
// deleted, a usage row inserted, and the budget counters advanced, all
// under the per-user critical section. Settling the same request twice is
// a no-op thanks to the request_id unique index.
func (s *Service) Settle(ctx context.Context, p SettleParams) error {
	lock := s.lockFor(p.TenantID, p.UserID)
	lock.Lock()
	defer lock.Unlock()

	reserved := s.takeReservation(ctx, p.TenantID, p.UserID, p.RequestID)

	usage := models.TokenUsage{
		RequestID:        p.RequestID,
		TenantID:         p.TenantID,
		UserID:           p.UserID,
		Model:            p.Model,
		Provider:         p.Provider,
		PromptTokens:     p.Usage.PromptTokens,
		CompletionTokens: p.Usage.CompletionTokens,
		TotalTokens:      p.Usage.TotalTokens,
		CostUSD:          p.Cost,
		LatencyMs:        p.LatencyMs,
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "request_id"}}, DoNothing: true}).
		Create(&usage)
	if result.Error != nil {
		return fmt.Errorf("failed to record usage: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// Already settled by an earlier attempt.
		return nil
	}

	if err := s.db.WithContext(ctx).Model(&models.TokenBudget{}).
		Where("tenant_id = ? AND user_id = ?", p.TenantID, p.UserID).
		UpdateColumns(map[string]any{
			"used_budget":  gorm.Expr("used_budget + ?", p.Cost),
			"used_daily":   gorm.Expr("used_daily + ?", p.Cost),
			"used_monthly": gorm.Expr("used_monthly + ?", p.Cost),
			"updated_at":   time.Now(),
		}).Error; err != nil {
		return fmt.Errorf("failed to update budget: %w", err)
	}

	cached, err := s.getBudgetLocked(ctx, p.TenantID, p.UserID)
	if err == nil {
		before := cached.budget
		cached.budget.UsedBudget = cached.budget.UsedBudget.Add(p.Cost)
		cached.budget.UsedDaily = cached.budget.UsedDaily.Add(p.Cost)
		cached.budget.UsedMonthly = cached.budget.UsedMonthly.Add(p.Cost)
		cached.reserved = cached.reserved.Sub(reserved)
		if cached.reserved.IsNegative() {
			cached.reserved = decimal.Zero
		}
		s.checkAlerts(ctx, &before, &cached.budget)
	}

	s.logger.Debug("Budget settled",
		zap.String("tenant_id", p.TenantID),
		zap.String("user_id", p.UserID),
		zap.String("request_id", p.RequestID),
		zap.String("cost", p.Cost.String()))

	return nil
}

// Release drops a reservation without settling, refunding the held
// amount. Releasing an unknown or expired reservation is a no-op.
func (s *Service) Release(ctx context.Context, tenantID, userID, requestID string) {
	lock := s.lockFor(tenantID, userID)
	lock.Lock()
	defer lock.Unlock()

	reserved := s.takeReservation(ctx, tenantID, userID, requestID)
	if reserved.IsZero() {
		return
	}

	if cached, ok := s.cache[cacheKey(tenantID, userID)]; ok {
		cached.reserved = cached.reserved.Sub(reserved)
		if cached.reserved.IsNegative() {
			cached.reserved = decimal.Zero
		}
	}

	s.logger.Debug("Budget released",
		zap.String("tenant_id", tenantID),
		zap.String("user_id", userID),
		zap.String("request_id", requestID),
		zap.String("amount", reserved.String()))
}

// GetBudget returns the current budget row for a user, creating the
// default one on first sight.
func (s *Service) GetBudget(ctx context.Context, tenantID, userID string) (models.TokenBudget, error) {
	lock := s.lockFor(tenantID, userID)
	lock.Lock()
	defer lock.Unlock()

	cached, err := s.getBudgetLocked(ctx, tenantID, userID)
	if err != nil {
		return models.TokenBudget{}, err
	}
	return cached.budget, nil
}

// takeReservation atomically fetches and deletes a reservation, returning
// the held amount or zero.
func (s *Service) takeReservation(ctx context.Context, tenantID, userID, requestID string) decimal.Decimal {
	key := reservationKey(tenantID, userID, requestID)
	val, err := s.redis.GetDel(ctx, key).Result()
	if err != nil {
		return decimal.Zero
	}
	amount, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero
	}
	return amount
}

// getBudgetLocked resolves a budget through the cache, loading or
// creating the row as needed. Caller holds the per-user lock.
func (s *Service) getBudgetLocked(ctx context.Context, tenantID, userID string) (*cachedBudget, error) {
	key := cacheKey(tenantID, userID)

	s.mu.Lock()
	cached, ok := s.cache[key]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	var budget models.TokenBudget
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		First(&budget).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		budget = s.defaultBudget(tenantID, userID)
		if err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&budget).Error; err != nil {
			return nil, fmt.Errorf("failed to create default budget: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to load budget: %w", err)
	}

	cached = &cachedBudget{budget: budget, reserved: decimal.Zero, loadedAt: time.Now()}
	s.mu.Lock()
	s.cache[key] = cached
	s.mu.Unlock()
	return cached, nil
}

// defaultBudget builds the budget for a user seen for the first time:
// the configured amount as the lifetime total, with a matching daily cap
// and a 30x monthly cap as secondary guards.
func (s *Service) defaultBudget(tenantID, userID string) models.TokenBudget {
	base := decimal.NewFromFloat(s.cfg.DefaultBudget)
	if base.IsZero() {
		base = decimal.NewFromInt(10)
	}
	now := time.Now()
	return models.TokenBudget{
		TenantID:         tenantID,
		UserID:           userID,
		TotalBudget:      base,
		UsedBudget:       decimal.Zero,
		DailyLimit:       base,
		MonthlyLimit:     base.Mul(decimal.NewFromInt(30)),
		UsedDaily:        decimal.Zero,
		UsedMonthly:      decimal.Zero,
		LastDailyReset:   now,
		LastMonthlyReset: now,
	}
}

// lockFor returns the mutex serializing budget operations for one user.
func (s *Service) lockFor(tenantID, userID string) *sync.Mutex {
	key := cacheKey(tenantID, userID)

	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.userMu[key]
	if !ok {
		lock = &sync.Mutex{}
		s.userMu[key] = lock
	}
	return lock
}

func cacheKey(tenantID, userID string) string {
	return tenantID + ":" + userID
}

func reservationKey(tenantID, userID, requestID string) string {
	return fmt.Sprintf("budget_reservation:%s:%s:%s", tenantID, userID, requestID)
}
