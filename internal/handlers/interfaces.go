package handlers

import (
	"context"
	"time"

	"voucher-system/internal/models"

	"github.com/google/uuid"
)

// ----- Vouchers -----

type VoucherService interface {
	CreateVoucher(ctx context.Context, shopID uuid.UUID, req *models.CreateVoucherRequest) (*models.Voucher, error)
	GetShopVouchers(ctx context.Context, shopID uuid.UUID, isActive *bool) ([]*models.Voucher, error)
	UpdateVoucher(ctx context.Context, shopID, voucherID uuid.UUID, req *models.UpdateVoucherRequest) error
	UpdateVoucherStatus(ctx context.Context, shopID, voucherID uuid.UUID, isActive bool) error
	DeleteVoucher(ctx context.Context, shopID, voucherID uuid.UUID) error
	GetAvailableVouchers(ctx context.Context, shopID uuid.UUID, userID *uuid.UUID) ([]*models.AvailableVoucher, error)
	ValidateVoucher(ctx context.Context, userID uuid.UUID, req *models.ValidateVoucherRequest) (*models.ValidationResult, error)
	ApplyVoucherAtomic(ctx context.Context, voucherID, userID, orderID uuid.UUID, discountAmount float64) (*models.Voucher, error)
	GetMyUsageHistory(ctx context.Context, userID uuid.UUID, filter models.UsageHistoryFilter, page, limit int) (*models.UsageHistoryPage, error)
	GetVoucherUsageRecords(ctx context.Context, shopID, voucherID uuid.UUID, page, limit int, from, to *time.Time) (*models.UsageHistoryPage, error)
	GetVoucherStatistics(ctx context.Context, shopID, voucherID uuid.UUID) (*models.VoucherStatistics, error)
	ExpireVouchers(ctx context.Context, asOf time.Time) (*models.ExpireResult, error)
}

// ----- Events -----

type EventProducer interface {
	PublishVoucherCreated(voucher *models.Voucher) error
	PublishVoucherRedeemed(voucherID, userID, orderID uuid.UUID, discountAmount float64) error
	PublishVouchersExpired(updatedCount int64, asOf time.Time) error
}

// ----- Health -----

type DBHealth interface {
	Health() error
}

type RedisHealth interface {
	Health(ctx context.Context) error
}
