package models

import (
	"time"

	"github.com/google/uuid"
)

// VoucherUsage — запись журнала использований. Неизменяема после создания.
// ShopID может отсутствовать на старых записях и восстанавливается хранилищем
// по ваучеру при фильтрации.
type VoucherUsage struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	VoucherID      uuid.UUID  `json:"voucher_id" db:"voucher_id"`
	ShopID         *uuid.UUID `json:"shop_id,omitempty" db:"shop_id"`
	UserID         uuid.UUID  `json:"user_id" db:"user_id"`
	OrderID        uuid.UUID  `json:"order_id" db:"order_id"`
	DiscountAmount float64    `json:"discount_amount" db:"discount_amount"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// UsageHistoryFilter — фильтры истории использований пользователя.
type UsageHistoryFilter struct {
	ShopID *uuid.UUID `json:"shop_id,omitempty"`
	From   *time.Time `json:"from,omitempty"`
	To     *time.Time `json:"to,omitempty"`
}

// UsageHistoryPage — страница истории использований.
// Total приходит из хранилища после применения фильтров; движок
// добавляет только вычисляемые поля пагинации.
type UsageHistoryPage struct {
	Items   []*VoucherUsage `json:"items"`
	Total   int             `json:"total"`
	Page    int             `json:"page"`
	Limit   int             `json:"limit"`
	Pages   int             `json:"pages"`
	HasMore bool            `json:"has_more"`
}
