package models

import (
	"time"

	"github.com/google/uuid"
)

// VoucherType описывает тип скидки ваучера.
type VoucherType string

const (
	VoucherTypePercentage  VoucherType = "percentage"
	VoucherTypeFixedAmount VoucherType = "fixed_amount"
	VoucherTypeFreeShip    VoucherType = "free_ship"
)

// Voucher представляет ваучер магазина.
type Voucher struct {
	ID                uuid.UUID   `json:"id" db:"id"`
	ShopID            uuid.UUID   `json:"shop_id" db:"shop_id"`
	Code              string      `json:"code" db:"code"`
	Name              string      `json:"name,omitempty" db:"name"`
	Description       string      `json:"description,omitempty" db:"description"`
	Type              VoucherType `json:"type" db:"type"`
	Value             float64     `json:"value" db:"value"`
	MaxDiscount       *float64    `json:"max_discount,omitempty" db:"max_discount"`
	MinOrderAmount    *float64    `json:"min_order_amount,omitempty" db:"min_order_amount"`
	UsageLimit        int         `json:"usage_limit" db:"usage_limit"`
	CurrentUsage      int         `json:"current_usage" db:"current_usage"`
	UsageLimitPerUser *int        `json:"usage_limit_per_user,omitempty" db:"usage_limit_per_user"` // nil = без лимита на пользователя
	ValidFrom         time.Time   `json:"valid_from" db:"valid_from"`
	ValidTo           time.Time   `json:"valid_to" db:"valid_to"`
	IsActive          bool        `json:"is_active" db:"is_active"`
	IsDeleted         bool        `json:"-" db:"is_deleted"`
	CreatedAt         time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at" db:"updated_at"`
}

// AvailableVoucher — ваучер из публичного списка, опционально обогащенный
// персональной статистикой использования.
type AvailableVoucher struct {
	Voucher
	MyUsageCount    *int `json:"my_usage_count,omitempty"`
	MyRemainingUses *int `json:"my_remaining_uses,omitempty"` // nil при отсутствии лимита на пользователя
}

// CreateVoucherRequest описывает запрос на создание ваучера.
type CreateVoucherRequest struct {
	Code              string      `json:"code"`
	Name              string      `json:"name,omitempty"`
	Description       string      `json:"description,omitempty"`
	Type              VoucherType `json:"type"`
	Value             float64     `json:"value"`
	MaxDiscount       *float64    `json:"max_discount,omitempty"`
	MinOrderAmount    *float64    `json:"min_order_amount,omitempty"`
	UsageLimit        int         `json:"usage_limit"`
	UsageLimitPerUser *int        `json:"usage_limit_per_user,omitempty"`
	ValidFrom         time.Time   `json:"valid_from"`
	ValidTo           time.Time   `json:"valid_to"`
	IsActive          bool        `json:"is_active"`
}

// UpdateVoucherRequest описывает частичное обновление ваучера.
// validFrom обновлению не подлежит.
type UpdateVoucherRequest struct {
	Name              *string      `json:"name,omitempty"`
	Description       *string      `json:"description,omitempty"`
	Type              *VoucherType `json:"type,omitempty"`
	Value             *float64     `json:"value,omitempty"`
	MaxDiscount       *float64     `json:"max_discount,omitempty"`
	MinOrderAmount    *float64     `json:"min_order_amount,omitempty"`
	UsageLimit        *int         `json:"usage_limit,omitempty"`
	UsageLimitPerUser *int         `json:"usage_limit_per_user,omitempty"`
	ValidTo           *time.Time   `json:"valid_to,omitempty"`
}

// VoucherListFilter — параметры выборки ваучеров магазина.
type VoucherListFilter struct {
	IsActive  *bool  // nil = без фильтра по активности
	OrderBy   string // created_at | valid_to
	OrderDesc bool
}

// VoucherPatch — частичное обновление записи ваучера в хранилище.
// Ненулевые поля записываются; ClearMaxDiscount сбрасывает max_discount в NULL.
type VoucherPatch struct {
	Name              *string
	Description       *string
	Type              *VoucherType
	Value             *float64
	MaxDiscount       *float64
	ClearMaxDiscount  bool
	MinOrderAmount    *float64
	UsageLimit        *int
	UsageLimitPerUser *int
	ValidTo           *time.Time
	IsActive          *bool
}

// UpdateVoucherStatusRequest переключает флаг активности.
type UpdateVoucherStatusRequest struct {
	IsActive *bool `json:"is_active"`
}

// ValidateVoucherRequest описывает запрос проверки ваучера перед оформлением заказа.
type ValidateVoucherRequest struct {
	ShopID   uuid.UUID `json:"shop_id"`
	Code     string    `json:"code"`
	Subtotal float64   `json:"subtotal"`
	ShipFee  *float64  `json:"ship_fee,omitempty"`
}

// ValidationResult — результат проверки ваучера. Бизнес-отказы возвращаются
// данными, а не ошибками: Valid=false с кодом и сообщением.
type ValidationResult struct {
	Valid          bool      `json:"valid"`
	VoucherID      uuid.UUID `json:"voucher_id,omitempty"`
	DiscountAmount float64   `json:"discount_amount"`
	ErrorCode      string    `json:"error_code,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

// ApplyVoucherRequest описывает запрос на списание использования ваучера.
// Вызывается сервисом заказов в рамках оформления заказа.
type ApplyVoucherRequest struct {
	VoucherID      uuid.UUID `json:"voucher_id"`
	UserID         uuid.UUID `json:"user_id"`
	OrderID        uuid.UUID `json:"order_id"`
	DiscountAmount float64   `json:"discount_amount"`
}

// VoucherStats — агрегаты по журналу использований, получаемые из хранилища.
type VoucherStats struct {
	TotalUses           int        `json:"total_uses"`
	TotalDiscountAmount float64    `json:"total_discount_amount"`
	UniqueUsers         int        `json:"unique_users"`
	LastUsedAt          *time.Time `json:"last_used_at,omitempty"`
}

// VoucherStatistics — статистика ваучера для владельца магазина.
type VoucherStatistics struct {
	VoucherID           uuid.UUID  `json:"voucher_id"`
	TotalUses           int        `json:"total_uses"`
	TotalDiscountAmount float64    `json:"total_discount_amount"`
	UniqueUsers         int        `json:"unique_users"`
	LastUsedAt          *time.Time `json:"last_used_at,omitempty"`
	UsagePercentage     float64    `json:"usage_percentage"` // может превышать 100, если лимит снижали
	AverageDiscount     float64    `json:"average_discount"`
}

// ExpireResult — результат работы очистки просроченных ваучеров.
type ExpireResult struct {
	UpdatedCount int64 `json:"updated_count"`
}
