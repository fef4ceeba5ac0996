package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"voucher-system/internal/apperror"
	"voucher-system/internal/config"
	"voucher-system/internal/logger"
	"voucher-system/internal/models"
	"voucher-system/internal/redis"

	"github.com/google/uuid"
)

// VoucherStore — контракт хранилища ваучеров и журнала использований.
// Продакшн-реализация живет в internal/store; в тестах подставляется фейк.
type VoucherStore interface {
	FindByShopID(ctx context.Context, shopID uuid.UUID, filter models.VoucherListFilter) ([]*models.Voucher, error)
	// FindByID возвращает (nil, nil), если ваучер не найден.
	FindByID(ctx context.Context, voucherID uuid.UUID) (*models.Voucher, error)
	// FindByShopAndCode не возвращает мягко удаленные ваучеры.
	FindByShopAndCode(ctx context.Context, shopID uuid.UUID, code string) (*models.Voucher, error)
	Create(ctx context.Context, voucher *models.Voucher) (*models.Voucher, error)
	Update(ctx context.Context, voucherID uuid.UUID, patch *models.VoucherPatch) error
	Delete(ctx context.Context, voucherID uuid.UUID) error
	CountUsageByUser(ctx context.Context, voucherID, userID uuid.UUID) (int, error)
	CountUsageByUserBatch(ctx context.Context, voucherIDs []uuid.UUID, userID uuid.UUID) (map[uuid.UUID]int, error)
	ApplyVoucherAtomic(ctx context.Context, voucherID, userID, orderID uuid.UUID, discountAmount float64) (*models.Voucher, error)
	GetUsageHistory(ctx context.Context, userID uuid.UUID, filter models.UsageHistoryFilter, page, limit int) ([]*models.VoucherUsage, int, error)
	GetVoucherUsageByVoucherID(ctx context.Context, voucherID uuid.UUID, page, limit int, from, to *time.Time) ([]*models.VoucherUsage, int, error)
	GetVoucherStats(ctx context.Context, voucherID uuid.UUID) (*models.VoucherStats, error)
	ExpireVouchersBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// voucherCache — подмножество операций Redis, нужное сервису.
type voucherCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPrefix(ctx context.Context, prefix string) error
}

// VoucherService управляет жизненным циклом ваучеров: CRUD владельца,
// проверка и расчет скидки, атомарное списание, история и статистика.
type VoucherService struct {
	store        VoucherStore
	cache        voucherCache
	log          *logger.Logger
	cacheTTL     time.Duration
	defaultLimit int
	maxLimit     int

	// подменяется в тестах для проверки границ окна действия
	now func() time.Time
}

// NewVoucherService создает сервис ваучеров. cache может быть nil —
// тогда публичные списки читаются напрямую из хранилища.
func NewVoucherService(store VoucherStore, cache *redis.Client, log *logger.Logger, cfg *config.VoucherConfig) *VoucherService {
	cacheTTL := 60 * time.Second
	defaultLimit := 20
	maxLimit := 100

	if cfg != nil {
		if cfg.ListCacheTTLSeconds > 0 {
			cacheTTL = time.Duration(cfg.ListCacheTTLSeconds) * time.Second
		}
		if cfg.DefaultPageLimit > 0 {
			defaultLimit = cfg.DefaultPageLimit
		}
		if cfg.MaxPageLimit > 0 {
			maxLimit = cfg.MaxPageLimit
		}
	}

	s := &VoucherService{
		store:        store,
		log:          log,
		cacheTTL:     cacheTTL,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
		now:          time.Now,
	}
	if cache != nil {
		s.cache = cache
	}
	return s
}

// CreateVoucher создает ваучер магазина.
func (s *VoucherService) CreateVoucher(ctx context.Context, shopID uuid.UUID, req *models.CreateVoucherRequest) (*models.Voucher, error) {
	existing, err := s.store.FindByShopAndCode(ctx, shopID, req.Code)
	if err != nil {
		return nil, fmt.Errorf("failed to check voucher code: %w", err)
	}
	if existing != nil {
		return nil, apperror.ConflictCode(apperror.CodeVoucherCodeExists, "voucher code already exists", nil)
	}

	if !req.ValidTo.After(req.ValidFrom) {
		return nil, apperror.ValidationCode(apperror.CodeVoucherInvalidDateRange, "valid_to must be after valid_from", nil)
	}

	if err := validateVoucherPayload(req.Type, req.Value, req.MaxDiscount); err != nil {
		return nil, apperror.Validation(err.Error(), err)
	}

	voucher := &models.Voucher{
		ShopID:            shopID,
		Code:              req.Code,
		Name:              req.Name,
		Description:       req.Description,
		Type:              req.Type,
		Value:             req.Value,
		MaxDiscount:       normalizeMaxDiscount(req.Type, req.MaxDiscount),
		MinOrderAmount:    req.MinOrderAmount,
		UsageLimit:        req.UsageLimit,
		UsageLimitPerUser: req.UsageLimitPerUser,
		ValidFrom:         req.ValidFrom,
		ValidTo:           req.ValidTo,
		IsActive:          req.IsActive,
	}

	created, err := s.store.Create(ctx, voucher)
	if err != nil {
		return nil, fmt.Errorf("failed to create voucher: %w", err)
	}

	s.invalidateShopCache(ctx, shopID)
	s.log.WithFields(map[string]interface{}{
		"voucher_id": created.ID,
		"shop_id":    shopID,
		"code":       created.Code,
	}).Info("Voucher created")

	return created, nil
}

// GetShopVouchers возвращает ваучеры магазина для владельца.
// isActive — тристейт фильтр: nil = без фильтра.
func (s *VoucherService) GetShopVouchers(ctx context.Context, shopID uuid.UUID, isActive *bool) ([]*models.Voucher, error) {
	vouchers, err := s.store.FindByShopID(ctx, shopID, models.VoucherListFilter{
		IsActive:  isActive,
		OrderBy:   "created_at",
		OrderDesc: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list vouchers: %w", err)
	}
	return vouchers, nil
}

// UpdateVoucher обновляет параметры ваучера. validFrom после создания не меняется;
// новый validTo проверяется относительно сохраненного validFrom.
func (s *VoucherService) UpdateVoucher(ctx context.Context, shopID, voucherID uuid.UUID, req *models.UpdateVoucherRequest) error {
	voucher, err := s.findOwnedVoucher(ctx, shopID, voucherID)
	if err != nil {
		return err
	}

	if req.ValidTo != nil && !req.ValidTo.After(voucher.ValidFrom) {
		return apperror.ValidationCode(apperror.CodeVoucherInvalidDateRange, "valid_to must be after valid_from", nil)
	}

	effType := voucher.Type
	if req.Type != nil {
		effType = *req.Type
	}
	effValue := voucher.Value
	if req.Value != nil {
		effValue = *req.Value
	}
	effMaxDiscount := voucher.MaxDiscount
	if req.MaxDiscount != nil {
		effMaxDiscount = req.MaxDiscount
	}
	if err := validateVoucherPayload(effType, effValue, effMaxDiscount); err != nil {
		return apperror.Validation(err.Error(), err)
	}

	patch := &models.VoucherPatch{
		Name:              req.Name,
		Description:       req.Description,
		Type:              req.Type,
		Value:             req.Value,
		MinOrderAmount:    req.MinOrderAmount,
		UsageLimit:        req.UsageLimit,
		UsageLimitPerUser: req.UsageLimitPerUser,
		ValidTo:           req.ValidTo,
	}
	if effType == models.VoucherTypePercentage {
		patch.MaxDiscount = req.MaxDiscount
	} else {
		// для fixed_amount и free_ship max_discount смысла не имеет
		patch.ClearMaxDiscount = true
	}

	if err := s.store.Update(ctx, voucherID, patch); err != nil {
		return fmt.Errorf("failed to update voucher: %w", err)
	}

	s.invalidateShopCache(ctx, shopID)
	return nil
}

// UpdateVoucherStatus переключает флаг активности ваучера.
func (s *VoucherService) UpdateVoucherStatus(ctx context.Context, shopID, voucherID uuid.UUID, isActive bool) error {
	if _, err := s.findOwnedVoucher(ctx, shopID, voucherID); err != nil {
		return err
	}

	if err := s.store.Update(ctx, voucherID, &models.VoucherPatch{IsActive: &isActive}); err != nil {
		return fmt.Errorf("failed to update voucher status: %w", err)
	}

	s.invalidateShopCache(ctx, shopID)
	return nil
}

// DeleteVoucher мягко удаляет ваучер.
func (s *VoucherService) DeleteVoucher(ctx context.Context, shopID, voucherID uuid.UUID) error {
	if _, err := s.findOwnedVoucher(ctx, shopID, voucherID); err != nil {
		return err
	}

	if err := s.store.Delete(ctx, voucherID); err != nil {
		return fmt.Errorf("failed to delete voucher: %w", err)
	}

	s.invalidateShopCache(ctx, shopID)
	s.log.WithField("voucher_id", voucherID).Info("Voucher deleted")
	return nil
}

// GetAvailableVouchers возвращает действующие ваучеры магазина для покупателя.
// Фильтр по окну действия и общему лимиту выполняется в памяти и является
// авторитетным даже при отставшем флаге is_active. Для анонимного запроса
// (userID == nil) персональная статистика не запрашивается вовсе; иначе
// выполняется ровно один батч-запрос независимо от размера списка.
func (s *VoucherService) GetAvailableVouchers(ctx context.Context, shopID uuid.UUID, userID *uuid.UUID) ([]*models.AvailableVoucher, error) {
	vouchers, err := s.loadActiveVouchers(ctx, shopID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	available := make([]*models.AvailableVoucher, 0, len(vouchers))
	for _, v := range vouchers {
		if now.Before(v.ValidFrom) || now.After(v.ValidTo) {
			continue
		}
		if v.CurrentUsage >= v.UsageLimit {
			continue
		}
		// копия: объекты из хранилища не мутируются
		available = append(available, &models.AvailableVoucher{Voucher: *v})
	}

	if userID == nil {
		return available, nil
	}

	ids := make([]uuid.UUID, len(available))
	for i, av := range available {
		ids[i] = av.ID
	}

	counts, err := s.store.CountUsageByUserBatch(ctx, ids, *userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count voucher usage: %w", err)
	}

	for _, av := range available {
		count := counts[av.ID]
		usage := count
		av.MyUsageCount = &usage
		if av.UsageLimitPerUser != nil {
			remaining := *av.UsageLimitPerUser - count
			if remaining < 0 {
				remaining = 0
			}
			av.MyRemainingUses = &remaining
		}
	}

	return available, nil
}

// ValidateVoucher проверяет применимость ваучера и рассчитывает скидку.
// Бизнес-отказы возвращаются в результате, а не ошибкой; метод только
// читает и безопасен для повторных вызовов.
func (s *VoucherService) ValidateVoucher(ctx context.Context, userID uuid.UUID, req *models.ValidateVoucherRequest) (*models.ValidationResult, error) {
	voucher, err := s.store.FindByShopAndCode(ctx, req.ShopID, req.Code)
	if err != nil {
		return nil, fmt.Errorf("failed to find voucher: %w", err)
	}
	if voucher == nil {
		return invalidResult(uuid.Nil, apperror.CodeVoucherNotFound, "voucher not found"), nil
	}

	if !voucher.IsActive {
		return invalidResult(voucher.ID, apperror.CodeVoucherInactive, "voucher is not active"), nil
	}

	now := s.now()
	if now.Before(voucher.ValidFrom) {
		return invalidResult(voucher.ID, apperror.CodeVoucherNotStarted, "voucher is not valid yet"), nil
	}
	// верхняя граница включительно: now == validTo еще действует
	if now.After(voucher.ValidTo) {
		return invalidResult(voucher.ID, apperror.CodeVoucherExpired, "voucher has expired"), nil
	}

	if voucher.CurrentUsage >= voucher.UsageLimit {
		return invalidResult(voucher.ID, apperror.CodeVoucherTotalLimitReached, "voucher usage limit reached"), nil
	}

	if voucher.UsageLimitPerUser != nil {
		used, err := s.store.CountUsageByUser(ctx, voucher.ID, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to count user voucher usage: %w", err)
		}
		if used >= *voucher.UsageLimitPerUser {
			return invalidResult(voucher.ID, apperror.CodeVoucherUserLimitReached, "voucher usage limit for this user reached"), nil
		}
	}

	if voucher.MinOrderAmount != nil && req.Subtotal < *voucher.MinOrderAmount {
		msg := fmt.Sprintf("minimum order amount is %.2f", *voucher.MinOrderAmount)
		return invalidResult(voucher.ID, apperror.CodeVoucherMinOrderNotMet, msg), nil
	}

	var discount float64
	switch voucher.Type {
	case models.VoucherTypeFixedAmount:
		discount = voucher.Value
	case models.VoucherTypePercentage:
		discount = round2(req.Subtotal * voucher.Value / 100.0)
		if voucher.MaxDiscount != nil && discount > *voucher.MaxDiscount {
			discount = *voucher.MaxDiscount
		}
	case models.VoucherTypeFreeShip:
		if req.ShipFee == nil {
			return invalidResult(voucher.ID, apperror.CodeVoucherNotApplicable, "ship fee is required for free shipping voucher"), nil
		}
		discount = round2(*req.ShipFee * voucher.Value / 100.0)
	default:
		return invalidResult(voucher.ID, apperror.CodeVoucherNotApplicable, "unsupported voucher type"), nil
	}

	return &models.ValidationResult{
		Valid:          true,
		VoucherID:      voucher.ID,
		DiscountAmount: discount,
	}, nil
}

// ApplyVoucherAtomic — единственный мутирующий путь списания. Атомарность
// (инкремент счетчика + запись в журнал) гарантируется хранилищем; вызывается
// сервисом заказов в рамках оформления заказа.
func (s *VoucherService) ApplyVoucherAtomic(ctx context.Context, voucherID, userID, orderID uuid.UUID, discountAmount float64) (*models.Voucher, error) {
	voucher, err := s.store.ApplyVoucherAtomic(ctx, voucherID, userID, orderID, discountAmount)
	if err != nil {
		return nil, err
	}

	s.invalidateShopCache(ctx, voucher.ShopID)
	s.log.WithFields(map[string]interface{}{
		"voucher_id":      voucherID,
		"order_id":        orderID,
		"discount_amount": discountAmount,
		"current_usage":   voucher.CurrentUsage,
	}).Info("Voucher applied")

	return voucher, nil
}

// GetMyUsageHistory возвращает историю использований пользователя.
// Total приходит из хранилища после фильтрации и восстановления shop_id
// на старых записях; сервис добавляет только поля пагинации.
func (s *VoucherService) GetMyUsageHistory(ctx context.Context, userID uuid.UUID, filter models.UsageHistoryFilter, page, limit int) (*models.UsageHistoryPage, error) {
	page, limit = s.normalizePaging(page, limit)

	items, total, err := s.store.GetUsageHistory(ctx, userID, filter, page, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage history: %w", err)
	}

	return buildUsagePage(items, total, page, limit), nil
}

// GetVoucherUsageRecords возвращает журнал использований одного ваучера (для владельца).
func (s *VoucherService) GetVoucherUsageRecords(ctx context.Context, shopID, voucherID uuid.UUID, page, limit int, from, to *time.Time) (*models.UsageHistoryPage, error) {
	if _, err := s.findOwnedVoucher(ctx, shopID, voucherID); err != nil {
		return nil, err
	}

	page, limit = s.normalizePaging(page, limit)

	items, total, err := s.store.GetVoucherUsageByVoucherID(ctx, voucherID, page, limit, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to get voucher usage records: %w", err)
	}

	return buildUsagePage(items, total, page, limit), nil
}

// GetVoucherStatistics возвращает агрегированную статистику ваучера.
func (s *VoucherService) GetVoucherStatistics(ctx context.Context, shopID, voucherID uuid.UUID) (*models.VoucherStatistics, error) {
	voucher, err := s.findOwnedVoucher(ctx, shopID, voucherID)
	if err != nil {
		return nil, err
	}

	stats, err := s.store.GetVoucherStats(ctx, voucherID)
	if err != nil {
		return nil, fmt.Errorf("failed to get voucher stats: %w", err)
	}

	// процент не ограничивается сверху: лимит могли снизить после списаний
	var usagePercentage float64
	if voucher.UsageLimit > 0 {
		usagePercentage = float64(stats.TotalUses) / float64(voucher.UsageLimit) * 100
	}

	var averageDiscount float64
	if stats.TotalUses > 0 {
		averageDiscount = stats.TotalDiscountAmount / float64(stats.TotalUses)
	}

	return &models.VoucherStatistics{
		VoucherID:           voucherID,
		TotalUses:           stats.TotalUses,
		TotalDiscountAmount: stats.TotalDiscountAmount,
		UniqueUsers:         stats.UniqueUsers,
		LastUsedAt:          stats.LastUsedAt,
		UsagePercentage:     usagePercentage,
		AverageDiscount:     averageDiscount,
	}, nil
}

// ExpireVouchers снимает флаг активности со всех действующих ваучеров,
// чье окно закончилось до asOf. Идемпотентна: повторный запуск с тем же
// или более поздним порогом вернет 0. Проверка окна в ValidateVoucher и
// GetAvailableVouchers от этой очистки не зависит.
func (s *VoucherService) ExpireVouchers(ctx context.Context, asOf time.Time) (*models.ExpireResult, error) {
	count, err := s.store.ExpireVouchersBefore(ctx, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to expire vouchers: %w", err)
	}

	if count > 0 {
		if s.cache != nil {
			if err := s.cache.DeleteByPrefix(ctx, redis.KeyPrefixShopVouchers+":"); err != nil {
				s.log.WithError(err).Warn("Failed to invalidate voucher list cache after sweep")
			}
		}
		s.log.WithField("updated_count", count).Info("Expired vouchers deactivated")
	}

	return &models.ExpireResult{UpdatedCount: count}, nil
}

// findOwnedVoucher ищет ваучер владельца. Отсутствие, мягкое удаление и
// чужой магазин неразличимы снаружи — всегда один и тот же not found.
func (s *VoucherService) findOwnedVoucher(ctx context.Context, shopID, voucherID uuid.UUID) (*models.Voucher, error) {
	voucher, err := s.store.FindByID(ctx, voucherID)
	if err != nil {
		return nil, fmt.Errorf("failed to find voucher: %w", err)
	}
	if voucher == nil || voucher.IsDeleted || voucher.ShopID != shopID {
		return nil, apperror.NotFoundCode(apperror.CodeVoucherNotFound, "voucher not found", nil)
	}
	return voucher, nil
}

// loadActiveVouchers читает активные ваучеры магазина, при наличии кеша —
// через него. Кешируется только сырой список; авторитетный фильтр по окну
// и лимиту всегда выполняется заново.
func (s *VoucherService) loadActiveVouchers(ctx context.Context, shopID uuid.UUID) ([]*models.Voucher, error) {
	active := true
	cacheKey := redis.GenerateKey(redis.KeyPrefixShopVouchers, shopID.String())

	if s.cache != nil {
		var cached []*models.Voucher
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			return cached, nil
		}
	}

	vouchers, err := s.store.FindByShopID(ctx, shopID, models.VoucherListFilter{
		IsActive:  &active,
		OrderBy:   "valid_to",
		OrderDesc: false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list available vouchers: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, vouchers, s.cacheTTL); err != nil {
			s.log.WithError(err).WithField("key", cacheKey).Warn("Failed to cache voucher list")
		}
	}

	return vouchers, nil
}

func (s *VoucherService) invalidateShopCache(ctx context.Context, shopID uuid.UUID) {
	if s.cache == nil {
		return
	}
	key := redis.GenerateKey(redis.KeyPrefixShopVouchers, shopID.String())
	if err := s.cache.DeleteByPrefix(ctx, key); err != nil {
		s.log.WithError(err).WithField("shop_id", shopID).Warn("Failed to invalidate voucher list cache")
	}
}

func (s *VoucherService) normalizePaging(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = s.defaultLimit
	}
	if limit > s.maxLimit {
		limit = s.maxLimit
	}
	return page, limit
}

func buildUsagePage(items []*models.VoucherUsage, total, page, limit int) *models.UsageHistoryPage {
	pages := 0
	if total > 0 {
		pages = (total + limit - 1) / limit
	}
	if items == nil {
		items = []*models.VoucherUsage{}
	}
	return &models.UsageHistoryPage{
		Items:   items,
		Total:   total,
		Page:    page,
		Limit:   limit,
		Pages:   pages,
		HasMore: page < pages,
	}
}

func invalidResult(voucherID uuid.UUID, code, msg string) *models.ValidationResult {
	return &models.ValidationResult{
		Valid:        false,
		VoucherID:    voucherID,
		ErrorCode:    code,
		ErrorMessage: msg,
	}
}

// validateVoucherPayload проверяет согласованность типа и параметров скидки.
func validateVoucherPayload(voucherType models.VoucherType, value float64, maxDiscount *float64) error {
	switch voucherType {
	case models.VoucherTypeFixedAmount:
		if value <= 0 {
			return fmt.Errorf("value must be positive for fixed amount voucher")
		}
	case models.VoucherTypePercentage:
		if value <= 0 || value > 100 {
			return fmt.Errorf("percent value must be between 0 and 100")
		}
		if maxDiscount == nil || *maxDiscount <= 0 {
			return fmt.Errorf("max_discount must be positive for percentage voucher")
		}
	case models.VoucherTypeFreeShip:
		if value <= 0 || value > 100 {
			return fmt.Errorf("percent value must be between 0 and 100")
		}
	default:
		return fmt.Errorf("invalid voucher type")
	}
	return nil
}

// normalizeMaxDiscount отбрасывает max_discount у типов, где он не применяется.
func normalizeMaxDiscount(voucherType models.VoucherType, maxDiscount *float64) *float64 {
	if voucherType != models.VoucherTypePercentage {
		return nil
	}
	return maxDiscount
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
