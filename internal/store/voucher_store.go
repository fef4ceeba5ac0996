package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"voucher-system/internal/apperror"
	"voucher-system/internal/database"
	"voucher-system/internal/logger"
	"voucher-system/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// VoucherStore — реализация хранилища ваучеров поверх PostgreSQL.
type VoucherStore struct {
	db  *database.DB
	log *logger.Logger
}

// NewVoucherStore создает хранилище ваучеров.
func NewVoucherStore(db *database.DB, log *logger.Logger) *VoucherStore {
	return &VoucherStore{
		db:  db,
		log: log,
	}
}

const voucherColumns = `id, shop_id, code, name, description, type, value, max_discount, min_order_amount,
		usage_limit, current_usage, usage_limit_per_user, valid_from, valid_to, is_active, is_deleted, created_at, updated_at`

// FindByShopID возвращает ваучеры магазина без мягко удаленных.
func (s *VoucherStore) FindByShopID(ctx context.Context, shopID uuid.UUID, filter models.VoucherListFilter) ([]*models.Voucher, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM vouchers
		WHERE shop_id = $1 AND is_deleted = FALSE
	`, voucherColumns)

	args := []interface{}{shopID}
	if filter.IsActive != nil {
		query += fmt.Sprintf(" AND is_active = $%d", len(args)+1)
		args = append(args, *filter.IsActive)
	}

	orderBy := "created_at"
	if filter.OrderBy == "valid_to" {
		orderBy = "valid_to"
	}
	dir := "ASC"
	if filter.OrderDesc {
		dir = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s", orderBy, dir)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list vouchers: %w", err)
	}
	defer rows.Close()

	var vouchers []*models.Voucher
	for rows.Next() {
		voucher, err := scanVoucher(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan voucher: %w", err)
		}
		vouchers = append(vouchers, voucher)
	}

	return vouchers, rows.Err()
}

// FindByID возвращает ваучер по идентификатору, (nil, nil) если не найден.
// Мягко удаленные записи возвращаются: решение принимает вызывающий код.
func (s *VoucherStore) FindByID(ctx context.Context, voucherID uuid.UUID) (*models.Voucher, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM vouchers
		WHERE id = $1
	`, voucherColumns)

	voucher, err := scanVoucher(s.db.QueryRowContext(ctx, query, voucherID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get voucher: %w", err)
	}
	return voucher, nil
}

// FindByShopAndCode возвращает не удаленный ваучер по коду магазина, (nil, nil) если не найден.
func (s *VoucherStore) FindByShopAndCode(ctx context.Context, shopID uuid.UUID, code string) (*models.Voucher, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM vouchers
		WHERE shop_id = $1 AND code = $2 AND is_deleted = FALSE
	`, voucherColumns)

	voucher, err := scanVoucher(s.db.QueryRowContext(ctx, query, shopID, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get voucher by code: %w", err)
	}
	return voucher, nil
}

// Create сохраняет новый ваучер.
func (s *VoucherStore) Create(ctx context.Context, voucher *models.Voucher) (*models.Voucher, error) {
	created := *voucher
	created.ID = uuid.New()
	created.CurrentUsage = 0
	created.CreatedAt = time.Now()
	created.UpdatedAt = created.CreatedAt

	query := `
		INSERT INTO vouchers (id, shop_id, code, name, description, type, value, max_discount, min_order_amount,
			usage_limit, current_usage, usage_limit_per_user, valid_from, valid_to, is_active, is_deleted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, $12, $13, $14, FALSE, $15, $16)
	`

	_, err := s.db.ExecContext(ctx, query,
		created.ID, created.ShopID, created.Code, created.Name, created.Description,
		created.Type, created.Value, nullFloat(created.MaxDiscount), nullFloat(created.MinOrderAmount),
		created.UsageLimit, nullInt(created.UsageLimitPerUser), created.ValidFrom, created.ValidTo,
		created.IsActive, created.CreatedAt, created.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, apperror.ConflictCode(apperror.CodeVoucherCodeExists, "voucher code already exists", err)
		}
		return nil, fmt.Errorf("failed to create voucher: %w", err)
	}

	return &created, nil
}

// Update применяет частичное обновление к не удаленному ваучеру.
func (s *VoucherStore) Update(ctx context.Context, voucherID uuid.UUID, patch *models.VoucherPatch) error {
	var set []string
	var args []interface{}

	add := func(column string, value interface{}) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.Description != nil {
		add("description", *patch.Description)
	}
	if patch.Type != nil {
		add("type", *patch.Type)
	}
	if patch.Value != nil {
		add("value", *patch.Value)
	}
	if patch.ClearMaxDiscount {
		set = append(set, "max_discount = NULL")
	} else if patch.MaxDiscount != nil {
		add("max_discount", *patch.MaxDiscount)
	}
	if patch.MinOrderAmount != nil {
		add("min_order_amount", *patch.MinOrderAmount)
	}
	if patch.UsageLimit != nil {
		add("usage_limit", *patch.UsageLimit)
	}
	if patch.UsageLimitPerUser != nil {
		add("usage_limit_per_user", *patch.UsageLimitPerUser)
	}
	if patch.ValidTo != nil {
		add("valid_to", *patch.ValidTo)
	}
	if patch.IsActive != nil {
		add("is_active", *patch.IsActive)
	}
	add("updated_at", time.Now())

	args = append(args, voucherID)
	query := fmt.Sprintf(`
		UPDATE vouchers
		SET %s
		WHERE id = $%d AND is_deleted = FALSE
	`, strings.Join(set, ", "), len(args))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update voucher: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return apperror.NotFoundCode(apperror.CodeVoucherNotFound, "voucher not found", nil)
	}
	return nil
}

// Delete выполняет мягкое удаление ваучера.
func (s *VoucherStore) Delete(ctx context.Context, voucherID uuid.UUID) error {
	query := `
		UPDATE vouchers
		SET is_deleted = TRUE, is_active = FALSE, updated_at = $1
		WHERE id = $2 AND is_deleted = FALSE
	`

	result, err := s.db.ExecContext(ctx, query, time.Now(), voucherID)
	if err != nil {
		return fmt.Errorf("failed to delete voucher: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return apperror.NotFoundCode(apperror.CodeVoucherNotFound, "voucher not found", nil)
	}
	return nil
}

// CountUsageByUser возвращает число использований ваучера пользователем.
func (s *VoucherStore) CountUsageByUser(ctx context.Context, voucherID, userID uuid.UUID) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM voucher_usages WHERE voucher_id = $1 AND user_id = $2`
	if err := s.db.QueryRowContext(ctx, query, voucherID, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count voucher usage: %w", err)
	}
	return count, nil
}

// CountUsageByUserBatch возвращает число использований каждого ваучера
// пользователем одним запросом. Отсутствующие в результате ваучеры не
// использовались ни разу.
func (s *VoucherStore) CountUsageByUserBatch(ctx context.Context, voucherIDs []uuid.UUID, userID uuid.UUID) (map[uuid.UUID]int, error) {
	counts := make(map[uuid.UUID]int, len(voucherIDs))
	if len(voucherIDs) == 0 {
		return counts, nil
	}

	ids := make([]string, len(voucherIDs))
	for i, id := range voucherIDs {
		ids[i] = id.String()
	}

	query := `
		SELECT voucher_id, COUNT(*)
		FROM voucher_usages
		WHERE user_id = $1 AND voucher_id = ANY($2)
		GROUP BY voucher_id
	`

	rows, err := s.db.QueryContext(ctx, query, userID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to count voucher usage batch: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var voucherID uuid.UUID
		var count int
		if err := rows.Scan(&voucherID, &count); err != nil {
			return nil, fmt.Errorf("failed to scan usage count: %w", err)
		}
		counts[voucherID] = count
	}

	return counts, rows.Err()
}

// ApplyVoucherAtomic атомарно списывает одно использование: блокирует строку
// ваучера, проверяет общий лимит, увеличивает счетчик и пишет запись журнала.
// Единственная точка сериализации конкурирующих списаний одного ваучера.
func (s *VoucherStore) ApplyVoucherAtomic(ctx context.Context, voucherID, userID, orderID uuid.UUID, discountAmount float64) (*models.Voucher, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`
		SELECT %s
		FROM vouchers
		WHERE id = $1 AND is_deleted = FALSE
		FOR UPDATE
	`, voucherColumns)

	voucher, err := scanVoucher(tx.QueryRowContext(ctx, query, voucherID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFoundCode(apperror.CodeVoucherNotFound, "voucher not found", err)
		}
		return nil, fmt.Errorf("failed to lock voucher: %w", err)
	}

	if voucher.CurrentUsage >= voucher.UsageLimit {
		return nil, apperror.ConflictCode(apperror.CodeVoucherTotalLimitReached, "voucher usage limit reached", nil)
	}

	now := time.Now()
	updateQuery := `
		UPDATE vouchers
		SET current_usage = current_usage + 1, updated_at = $1
		WHERE id = $2
	`
	if _, err := tx.ExecContext(ctx, updateQuery, now, voucherID); err != nil {
		return nil, fmt.Errorf("failed to increment voucher usage: %w", err)
	}

	usageQuery := `
		INSERT INTO voucher_usages (id, voucher_id, shop_id, user_id, order_id, discount_amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := tx.ExecContext(ctx, usageQuery, uuid.New(), voucherID, voucher.ShopID, userID, orderID, discountAmount, now); err != nil {
		return nil, fmt.Errorf("failed to record voucher usage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit voucher application: %w", err)
	}

	voucher.CurrentUsage++
	voucher.UpdatedAt = now
	return voucher, nil
}

// GetUsageHistory возвращает страницу истории пользователя и общее число
// записей после фильтрации. shop_id старых записей восстанавливается по
// ваучеру, поэтому фильтр по магазину и total считаются здесь, а не движком.
func (s *VoucherStore) GetUsageHistory(ctx context.Context, userID uuid.UUID, filter models.UsageHistoryFilter, page, limit int) ([]*models.VoucherUsage, int, error) {
	where := []string{"u.user_id = $1"}
	args := []interface{}{userID}

	if filter.ShopID != nil {
		args = append(args, *filter.ShopID)
		where = append(where, fmt.Sprintf("COALESCE(u.shop_id, v.shop_id) = $%d", len(args)))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		where = append(where, fmt.Sprintf("u.created_at >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		where = append(where, fmt.Sprintf("u.created_at <= $%d", len(args)))
	}

	return s.queryUsagePage(ctx, strings.Join(where, " AND "), args, page, limit)
}

// GetVoucherUsageByVoucherID возвращает страницу журнала одного ваучера.
func (s *VoucherStore) GetVoucherUsageByVoucherID(ctx context.Context, voucherID uuid.UUID, page, limit int, from, to *time.Time) ([]*models.VoucherUsage, int, error) {
	where := []string{"u.voucher_id = $1"}
	args := []interface{}{voucherID}

	if from != nil {
		args = append(args, *from)
		where = append(where, fmt.Sprintf("u.created_at >= $%d", len(args)))
	}
	if to != nil {
		args = append(args, *to)
		where = append(where, fmt.Sprintf("u.created_at <= $%d", len(args)))
	}

	return s.queryUsagePage(ctx, strings.Join(where, " AND "), args, page, limit)
}

func (s *VoucherStore) queryUsagePage(ctx context.Context, where string, args []interface{}, page, limit int) ([]*models.VoucherUsage, int, error) {
	countQuery := fmt.Sprintf(`
		SELECT COUNT(*)
		FROM voucher_usages u
		JOIN vouchers v ON v.id = u.voucher_id
		WHERE %s
	`, where)

	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count usage records: %w", err)
	}

	offset := (page - 1) * limit
	pageArgs := append(args, limit, offset)
	query := fmt.Sprintf(`
		SELECT u.id, u.voucher_id, COALESCE(u.shop_id, v.shop_id), u.user_id, u.order_id, u.discount_amount, u.created_at
		FROM voucher_usages u
		JOIN vouchers v ON v.id = u.voucher_id
		WHERE %s
		ORDER BY u.created_at DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2)

	rows, err := s.db.QueryContext(ctx, query, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list usage records: %w", err)
	}
	defer rows.Close()

	var items []*models.VoucherUsage
	for rows.Next() {
		u := &models.VoucherUsage{}
		var shopID uuid.UUID
		if err := rows.Scan(&u.ID, &u.VoucherID, &shopID, &u.UserID, &u.OrderID, &u.DiscountAmount, &u.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan usage record: %w", err)
		}
		u.ShopID = &shopID
		items = append(items, u)
	}

	return items, total, rows.Err()
}

// GetVoucherStats возвращает агрегаты журнала по одному ваучеру.
func (s *VoucherStore) GetVoucherStats(ctx context.Context, voucherID uuid.UUID) (*models.VoucherStats, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(discount_amount), 0), COUNT(DISTINCT user_id), MAX(created_at)
		FROM voucher_usages
		WHERE voucher_id = $1
	`

	stats := &models.VoucherStats{}
	var lastUsedAt sql.NullTime
	if err := s.db.QueryRowContext(ctx, query, voucherID).Scan(
		&stats.TotalUses, &stats.TotalDiscountAmount, &stats.UniqueUsers, &lastUsedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to get voucher stats: %w", err)
	}
	if lastUsedAt.Valid {
		stats.LastUsedAt = &lastUsedAt.Time
	}
	return stats, nil
}

// ExpireVouchersBefore снимает флаг активности с просроченных ваучеров
// и возвращает число обновленных строк.
func (s *VoucherStore) ExpireVouchersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE vouchers
		SET is_active = FALSE, updated_at = $1
		WHERE is_active = TRUE AND is_deleted = FALSE AND valid_to < $2
	`

	result, err := s.db.ExecContext(ctx, query, time.Now(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire vouchers: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanVoucher(row rowScanner) (*models.Voucher, error) {
	v := &models.Voucher{}
	var maxDiscount, minOrderAmount sql.NullFloat64
	var usageLimitPerUser sql.NullInt64

	err := row.Scan(
		&v.ID, &v.ShopID, &v.Code, &v.Name, &v.Description, &v.Type, &v.Value,
		&maxDiscount, &minOrderAmount, &v.UsageLimit, &v.CurrentUsage, &usageLimitPerUser,
		&v.ValidFrom, &v.ValidTo, &v.IsActive, &v.IsDeleted, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if maxDiscount.Valid {
		v.MaxDiscount = &maxDiscount.Float64
	}
	if minOrderAmount.Valid {
		v.MinOrderAmount = &minOrderAmount.Float64
	}
	if usageLimitPerUser.Valid {
		limit := int(usageLimitPerUser.Int64)
		v.UsageLimitPerUser = &limit
	}
	return v, nil
}

func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
