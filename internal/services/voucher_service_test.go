package services

import (
	"context"
	"testing"
	"time"

	"voucher-system/internal/apperror"
	"voucher-system/internal/config"
	"voucher-system/internal/logger"
	"voucher-system/internal/models"

	"github.com/google/uuid"
)

func newTestLogger() *logger.Logger {
	return logger.New(&config.LoggerConfig{Level: "debug", Format: "json"})
}

// fakeVoucherStore is an in-memory VoucherStore that records batch calls
// so tests can assert how the service talks to the storage layer.
type fakeVoucherStore struct {
	vouchers map[uuid.UUID]*models.Voucher

	userCounts map[uuid.UUID]int

	batchCalls   int
	lastBatchIDs []uuid.UUID

	usages     []*models.VoucherUsage
	usageTotal int

	expirable int64

	lastPatch *models.VoucherPatch
}

func newFakeStore() *fakeVoucherStore {
	return &fakeVoucherStore{
		vouchers:   make(map[uuid.UUID]*models.Voucher),
		userCounts: make(map[uuid.UUID]int),
	}
}

func (f *fakeVoucherStore) add(v *models.Voucher) *models.Voucher {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	f.vouchers[v.ID] = v
	return v
}

func (f *fakeVoucherStore) FindByShopID(_ context.Context, shopID uuid.UUID, filter models.VoucherListFilter) ([]*models.Voucher, error) {
	var out []*models.Voucher
	for _, v := range f.vouchers {
		if v.ShopID != shopID || v.IsDeleted {
			continue
		}
		if filter.IsActive != nil && v.IsActive != *filter.IsActive {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (f *fakeVoucherStore) FindByID(_ context.Context, voucherID uuid.UUID) (*models.Voucher, error) {
	return f.vouchers[voucherID], nil
}

func (f *fakeVoucherStore) FindByShopAndCode(_ context.Context, shopID uuid.UUID, code string) (*models.Voucher, error) {
	for _, v := range f.vouchers {
		if v.ShopID == shopID && v.Code == code && !v.IsDeleted {
			return v, nil
		}
	}
	return nil, nil
}

func (f *fakeVoucherStore) Create(_ context.Context, voucher *models.Voucher) (*models.Voucher, error) {
	created := *voucher
	created.ID = uuid.New()
	created.CreatedAt = time.Now()
	created.UpdatedAt = created.CreatedAt
	f.vouchers[created.ID] = &created
	return &created, nil
}

func (f *fakeVoucherStore) Update(_ context.Context, voucherID uuid.UUID, patch *models.VoucherPatch) error {
	f.lastPatch = patch
	v, ok := f.vouchers[voucherID]
	if !ok || v.IsDeleted {
		return apperror.NotFoundCode(apperror.CodeVoucherNotFound, "voucher not found", nil)
	}
	if patch.IsActive != nil {
		v.IsActive = *patch.IsActive
	}
	if patch.ValidTo != nil {
		v.ValidTo = *patch.ValidTo
	}
	return nil
}

func (f *fakeVoucherStore) Delete(_ context.Context, voucherID uuid.UUID) error {
	v, ok := f.vouchers[voucherID]
	if !ok || v.IsDeleted {
		return apperror.NotFoundCode(apperror.CodeVoucherNotFound, "voucher not found", nil)
	}
	v.IsDeleted = true
	v.IsActive = false
	return nil
}

func (f *fakeVoucherStore) CountUsageByUser(_ context.Context, voucherID, _ uuid.UUID) (int, error) {
	return f.userCounts[voucherID], nil
}

func (f *fakeVoucherStore) CountUsageByUserBatch(_ context.Context, voucherIDs []uuid.UUID, _ uuid.UUID) (map[uuid.UUID]int, error) {
	f.batchCalls++
	f.lastBatchIDs = voucherIDs
	counts := make(map[uuid.UUID]int, len(voucherIDs))
	for _, id := range voucherIDs {
		if c, ok := f.userCounts[id]; ok {
			counts[id] = c
		}
	}
	return counts, nil
}

func (f *fakeVoucherStore) ApplyVoucherAtomic(_ context.Context, voucherID, userID, orderID uuid.UUID, discountAmount float64) (*models.Voucher, error) {
	v, ok := f.vouchers[voucherID]
	if !ok || v.IsDeleted {
		return nil, apperror.NotFoundCode(apperror.CodeVoucherNotFound, "voucher not found", nil)
	}
	if v.CurrentUsage >= v.UsageLimit {
		return nil, apperror.ConflictCode(apperror.CodeVoucherTotalLimitReached, "voucher usage limit reached", nil)
	}
	v.CurrentUsage++
	shopID := v.ShopID
	f.usages = append(f.usages, &models.VoucherUsage{
		ID:             uuid.New(),
		VoucherID:      voucherID,
		ShopID:         &shopID,
		UserID:         userID,
		OrderID:        orderID,
		DiscountAmount: discountAmount,
		CreatedAt:      time.Now(),
	})
	return v, nil
}

func (f *fakeVoucherStore) GetUsageHistory(_ context.Context, _ uuid.UUID, _ models.UsageHistoryFilter, _, _ int) ([]*models.VoucherUsage, int, error) {
	return f.usages, f.usageTotal, nil
}

func (f *fakeVoucherStore) GetVoucherUsageByVoucherID(_ context.Context, _ uuid.UUID, _, _ int, _, _ *time.Time) ([]*models.VoucherUsage, int, error) {
	return f.usages, f.usageTotal, nil
}

func (f *fakeVoucherStore) GetVoucherStats(_ context.Context, voucherID uuid.UUID) (*models.VoucherStats, error) {
	stats := &models.VoucherStats{}
	for _, u := range f.usages {
		if u.VoucherID != voucherID {
			continue
		}
		stats.TotalUses++
		stats.TotalDiscountAmount += u.DiscountAmount
	}
	return stats, nil
}

func (f *fakeVoucherStore) ExpireVouchersBefore(_ context.Context, _ time.Time) (int64, error) {
	count := f.expirable
	f.expirable = 0
	return count, nil
}

func newTestVoucherService(store VoucherStore) *VoucherService {
	return NewVoucherService(store, nil, newTestLogger(), &config.VoucherConfig{
		ListCacheTTLSeconds: 60,
		DefaultPageLimit:    20,
		MaxPageLimit:        100,
	})
}

func intPtr(v int) *int             { return &v }
func floatPtr(v float64) *float64   { return &v }
func timeAt(s string) time.Time     { t, _ := time.Parse(time.RFC3339, s); return t }

func activeVoucher(shopID uuid.UUID, code string) *models.Voucher {
	return &models.Voucher{
		ShopID:     shopID,
		Code:       code,
		Name:       "Test voucher",
		Type:       models.VoucherTypePercentage,
		Value:      10,
		MaxDiscount: floatPtr(50),
		UsageLimit: 100,
		ValidFrom:  timeAt("2026-01-01T00:00:00Z"),
		ValidTo:    timeAt("2026-12-31T23:59:59Z"),
		IsActive:   true,
	}
}

func fixedClock(s *VoucherService, at time.Time) {
	s.now = func() time.Time { return at }
}

func TestCreateVoucher_DuplicateCode(t *testing.T) {
	store := newFakeStore()
	service := newTestVoucherService(store)
	shopID := uuid.New()
	store.add(activeVoucher(shopID, "SUMMER10"))

	_, err := service.CreateVoucher(context.Background(), shopID, &models.CreateVoucherRequest{
		Code:        "SUMMER10",
		Name:        "Duplicate",
		Type:        models.VoucherTypePercentage,
		Value:       10,
		MaxDiscount: floatPtr(50),
		UsageLimit:  10,
		ValidFrom:   timeAt("2026-01-01T00:00:00Z"),
		ValidTo:     timeAt("2026-02-01T00:00:00Z"),
	})
	if err == nil {
		t.Fatalf("expected conflict error")
	}
	if apperror.Code(err) != apperror.CodeVoucherCodeExists {
		t.Fatalf("expected %s, got %s", apperror.CodeVoucherCodeExists, apperror.Code(err))
	}
	if !apperror.Is(err, apperror.KindConflict) {
		t.Fatalf("expected conflict kind, got %v", err)
	}
}

func TestCreateVoucher_SameCodeDifferentShops(t *testing.T) {
	store := newFakeStore()
	service := newTestVoucherService(store)
	store.add(activeVoucher(uuid.New(), "SHARED"))

	created, err := service.CreateVoucher(context.Background(), uuid.New(), &models.CreateVoucherRequest{
		Code:        "SHARED",
		Name:        "Other shop",
		Type:        models.VoucherTypeFixedAmount,
		Value:       15,
		UsageLimit:  10,
		ValidFrom:   timeAt("2026-01-01T00:00:00Z"),
		ValidTo:     timeAt("2026-02-01T00:00:00Z"),
		IsActive:    true,
	})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if created.Code != "SHARED" {
		t.Fatalf("unexpected voucher: %+v", created)
	}
}

func TestCreateVoucher_EqualDatesRejected(t *testing.T) {
	store := newFakeStore()
	service := newTestVoucherService(store)
	same := timeAt("2026-06-01T00:00:00Z")

	_, err := service.CreateVoucher(context.Background(), uuid.New(), &models.CreateVoucherRequest{
		Code:       "ZERO",
		Type:       models.VoucherTypeFixedAmount,
		Value:      5,
		UsageLimit: 10,
		ValidFrom:  same,
		ValidTo:    same,
	})
	if err == nil {
		t.Fatalf("expected date range error")
	}
	if apperror.Code(err) != apperror.CodeVoucherInvalidDateRange {
		t.Fatalf("expected %s, got %s", apperror.CodeVoucherInvalidDateRange, apperror.Code(err))
	}
}

func TestCreateVoucher_StripsMaxDiscountForFixedAmount(t *testing.T) {
	store := newFakeStore()
	service := newTestVoucherService(store)

	created, err := service.CreateVoucher(context.Background(), uuid.New(), &models.CreateVoucherRequest{
		Code:        "FIX20",
		Type:        models.VoucherTypeFixedAmount,
		Value:       20,
		MaxDiscount: floatPtr(100),
		UsageLimit:  10,
		ValidFrom:   timeAt("2026-01-01T00:00:00Z"),
		ValidTo:     timeAt("2026-02-01T00:00:00Z"),
	})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if created.MaxDiscount != nil {
		t.Fatalf("expected max_discount stripped for fixed amount voucher")
	}
}

func TestCreateVoucher_PercentageRequiresMaxDiscount(t *testing.T) {
	store := newFakeStore()
	service := newTestVoucherService(store)

	_, err := service.CreateVoucher(context.Background(), uuid.New(), &models.CreateVoucherRequest{
		Code:       "PCT",
		Type:       models.VoucherTypePercentage,
		Value:      10,
		UsageLimit: 10,
		ValidFrom:  timeAt("2026-01-01T00:00:00Z"),
		ValidTo:    timeAt("2026-02-01T00:00:00Z"),
	})
	if err == nil {
		t.Fatalf("expected validation error for missing max_discount")
	}
}

func TestUpdateVoucher_OwnershipIndistinguishableFromMissing(t *testing.T) {
	store := newFakeStore()
	service := newTestVoucherService(store)
	voucher := store.add(activeVoucher(uuid.New(), "MINE"))
	name := "Renamed"

	errForeign := service.UpdateVoucher(context.Background(), uuid.New(), voucher.ID, &models.UpdateVoucherRequest{Name: &name})
	errMissing := service.UpdateVoucher(context.Background(), uuid.New(), uuid.New(), &models.UpdateVoucherRequest{Name: &name})

	if errForeign == nil || errMissing == nil {
		t.Fatalf("expected not found for both cases")
	}
	if apperror.Code(errForeign) != apperror.Code(errMissing) {
		t.Fatalf("foreign shop and missing voucher must look identical: %v vs %v", errForeign, errMissing)
	}
	if apperror.Code(errForeign) != apperror.CodeVoucherNotFound {
		t.Fatalf("expected %s, got %s", apperror.CodeVoucherNotFound, apperror.Code(errForeign))
	}
}

func TestUpdateVoucher_ValidToCheckedAgainstStoredValidFrom(t *testing.T) {
	store := newFakeStore()
	service := newTestVoucherService(store)
	shopID := uuid.New()
	voucher := store.add(activeVoucher(shopID, "WINDOW"))

	before := voucher.ValidFrom.Add(-time.Hour)
	err := service.UpdateVoucher(context.Background(), shopID, voucher.ID, &models.UpdateVoucherRequest{ValidTo: &before})
	if err == nil {
		t.Fatalf("expected date range error")
	}
	if apperror.Code(err) != apperror.CodeVoucherInvalidDateRange {
		t.Fatalf("expected %s, got %s", apperror.CodeVoucherInvalidDateRange, apperror.Code(err))
	}
}

func TestUpdateVoucher_ClearsMaxDiscountOnTypeChange(t *testing.T) {
	store := newFakeStore()
	service := newTestVoucherService(store)
	shopID := uuid.New()
	voucher := store.add(activeVoucher(shopID, "SWITCH"))

	newType := models.VoucherTypeFixedAmount
	newValue := 30.0
	err := service.UpdateVoucher(context.Background(), shopID, voucher.ID, &models.UpdateVoucherRequest{
		Type:  &newType,
		Value: &newValue,
	})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if store.lastPatch == nil || !store.lastPatch.ClearMaxDiscount {
		t.Fatalf("expected max_discount cleared when switching to fixed amount")
	}
}

func TestDeleteVoucher_SoftDeletedInvisible(t *testing.T) {
	store := newFakeStore()
	service := newTestVoucherService(store)
	shopID := uuid.New()
	voucher := store.add(activeVoucher(shopID, "GONE"))

	if err := service.DeleteVoucher(context.Background(), shopID, voucher.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	// Second delete must behave as if the voucher never existed.
	err := service.DeleteVoucher(context.Background(), shopID, voucher.ID)
	if err == nil || apperror.Code(err) != apperror.CodeVoucherNotFound {
		t.Fatalf("expected not found for deleted voucher, got %v", err)
	}

	result, err := service.ValidateVoucher(context.Background(), uuid.New(), &models.ValidateVoucherRequest{
		ShopID:   shopID,
		Code:     "GONE",
		Subtotal: 100,
	})
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if result.Valid || result.ErrorCode != apperror.CodeVoucherNotFound {
		t.Fatalf("deleted voucher must validate as not found, got %+v", result)
	}
}

func TestValidateVoucher_UnknownCodeIsResultNotError(t *testing.T) {
	store := newFakeStore()
	service := newTestVoucherService(store)

	result, err := service.ValidateVoucher(context.Background(), uuid.New(), &models.ValidateVoucherRequest{
		ShopID:   uuid.New(),
		Code:     "NOPE",
		Subtotal: 100,
	})
	if err != nil {
		t.Fatalf("business rejection must not be an error: %v", err)
	}
	if result.Valid || result.ErrorCode != apperror.CodeVoucherNotFound {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestValidateVoucher_GateOrder(t *testing.T) {
	store := newFakeStore()
	service := newTestVoucherService(store)
	shopID := uuid.New()

	// Inactive voucher that is also expired: the inactive gate fires first.
	voucher := activeVoucher(shopID, "ORDER")
	voucher.IsActive = false
	store.add(voucher)
	fixedClock(service, timeAt("2027-06-01T00:00:00Z"))

	result, err := service.ValidateVoucher(context.Background(), uuid.New(), &models.ValidateVoucherRequest{
		ShopID:   shopID,
		Code:     "ORDER",
		Subtotal: 100,
	})
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if result.ErrorCode != apperror.CodeVoucherInactive {
		t.Fatalf("expected inactive before expired, got %s", result.ErrorCode)
	}
}

func TestValidateVoucher_WindowBoundaries(t *testing.T) {
	store := newFakeStore()
	service := newTestVoucherService(store)
	shopID := uuid.New()
	voucher := activeVoucher(shopID, "EDGE")
	voucher.Type = models.VoucherTypeFixedAmount
	voucher.Value = 10
	voucher.MaxDiscount = nil
	store.add(voucher)

	req := &models.ValidateVoucherRequest{ShopID: shopID, Code: "EDGE", Subtotal: 100}

	cases := []struct {
		name string
		at   time.Time
		code string
	}{
		{"before window", voucher.ValidFrom.Add(-time.Millisecond), apperror.CodeVoucherNotStarted},
		{"at validFrom", voucher.ValidFrom, ""},
		{"at validTo inclusive", voucher.ValidTo, ""},
		{"just past validTo", voucher.ValidTo.Add(time.Millisecond), apperror.CodeVoucherExpired},
	}

	for _, tc := range cases {
		fixedClock(service, tc.at)
		result, err := service.ValidateVoucher(context.Background(), uuid.New(), req)
		if err != nil {
			t.Fatalf("%s: validate failed: %v", tc.name, err)
		}
		if tc.code == "" {
			if !result.Valid {
				t.Fatalf("%s: expected valid, got %s", tc.name, result.ErrorCode)
			}
		} else if result.Valid || result.ErrorCode != tc.code {
			t.Fatalf("%s: expected %s, got valid=%v code=%s", tc.name, tc.code, result.Valid, result.ErrorCode)
		}
	}
}

func TestValidateVoucher_TotalLimitReached(t *testing.T) {
	store := newFakeStore()
	service := newTestVoucherService(store)
	shopID := uuid.New()
	voucher := activeVoucher(shopID, "FULL")
	voucher.CurrentUsage = voucher.UsageLimit
	store.add(voucher)
	fixedClock(service, timeAt("2026-06-01T00:00:00Z"))

	result, err := service.ValidateVoucher(context.Background(), uuid.New(), &models.ValidateVoucherRequest{
		ShopID:   shopID,
		Code:     "FULL",
		Subtotal: 100,
	})
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if result.ErrorCode != apperror.CodeVoucherTotalLimitReached {
		t.Fatalf("expected total limit code, got %s", result.ErrorCode)
	}
}

func TestValidateVoucher_UserLimit(t *testing.T) {
	store := newFakeStore()
	service := newTestVoucherService(store)
	shopID := uuid.New()
	voucher := activeVoucher(shopID, "PERUSER")
	voucher.UsageLimitPerUser = intPtr(2)
	added := store.add(voucher)
	store.userCounts[added.ID] = 2
	fixedClock(service, timeAt("2026-06-01T00:00:00Z"))

	result, err := service.ValidateVoucher(context.Background(), uuid.New(), &models.ValidateVoucherRequest{
		ShopID:   shopID,
		Code:     "PERUSER",
		Subtotal: 100,
	})
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if result.ErrorCode != apperror.CodeVoucherUserLimitReached {
		t.Fatalf("expected user limit code, got %s", result.ErrorCode)
	}
}

func TestValidateVoucher_NoUserLimitSkipsCheck(t *testing.T) {
	store := newFakeStore()
	service := newTestVoucherService(store)
	shopID := uuid.New()
	voucher := activeVoucher(shopID, "NOLIMIT")
	added := store.add(voucher)
	store.userCounts[added.ID] = 1000
	fixedClock(service, timeAt("2026-06-01T00:00:00Z"))

	result, err := service.ValidateVoucher(context.Background(), uuid.New(), &models.ValidateVoucherRequest{
		ShopID:   shopID,
		Code:     "NOLIMIT",
		Subtotal: 100,
	})
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid with unlimited per-user usage, got %s", result.ErrorCode)
	}
}

func TestValidateVoucher_MinOrderNotMet(t *testing.T) {
	store := newFakeStore()
	service := newTestVoucherService(store)
	shopID := uuid.New()
	voucher := activeVoucher(shopID, "MIN50")
	voucher.MinOrderAmount = floatPtr(50)
	store.add(voucher)
	fixedClock(service, timeAt("2026-06-01T00:00:00Z"))

	result, err := service.ValidateVoucher(context.Background(), uuid.New(), &models.ValidateVoucherRequest{
		ShopID:   shopID,
		Code:     "MIN50",
		Subtotal: 49.99,
	})
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if result.ErrorCode != apperror.CodeVoucherMinOrderNotMet {
		t.Fatalf("expected min order code, got %s", result.ErrorCode)
	}
	if result.ErrorMessage != "minimum order amount is 50.00" {
		t.Fatalf("unexpected message: %q", result.ErrorMessage)
	}
}

func TestValidateVoucher_PercentageCapped(t *testing.T) {
	store := newFakeStore()
	service := newTestVoucherService(store)
	shopID := uuid.New()
	voucher := activeVoucher(shopID, "PCT20")
	voucher.Value = 20
	voucher.MaxDiscount = floatPtr(10000)
	store.add(voucher)
	fixedClock(service, timeAt("2026-06-01T00:00:00Z"))

	result, err := service.ValidateVoucher(context.Background(), uuid.New(), &models.ValidateVoucherRequest{
		ShopID:   shopID,
		Code:     "PCT20",
		Subtotal: 100000,
	})
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !result.Valid || result.DiscountAmount != 10000 {
		t.Fatalf("expected capped discount 10000, got %+v", result)
	}
}

func TestValidateVoucher_FreeShipRequiresShipFee(t *testing.T) {
	store := newFakeStore()
	service := newTestVoucherService(store)
	shopID := uuid.New()
	voucher := activeVoucher(shopID, "SHIP")
	voucher.Type = models.VoucherTypeFreeShip
	voucher.Value = 100
	voucher.MaxDiscount = nil
	store.add(voucher)
	fixedClock(service, timeAt("2026-06-01T00:00:00Z"))

	req := &models.ValidateVoucherRequest{ShopID: shopID, Code: "SHIP", Subtotal: 100}
	result, err := service.ValidateVoucher(context.Background(), uuid.New(), req)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if result.Valid || result.ErrorCode != apperror.CodeVoucherNotApplicable {
		t.Fatalf("expected not applicable without ship fee, got %+v", result)
	}

	req.ShipFee = floatPtr(35)
	result, err = service.ValidateVoucher(context.Background(), uuid.New(), req)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !result.Valid || result.DiscountAmount != 35 {
		t.Fatalf("expected full ship fee discount, got %+v", result)
	}
}

func TestValidateVoucher_ReadOnly(t *testing.T) {
	store := newFakeStore()
	service := newTestVoucherService(store)
	shopID := uuid.New()
	voucher := store.add(activeVoucher(shopID, "IDEM"))
	fixedClock(service, timeAt("2026-06-01T00:00:00Z"))

	req := &models.ValidateVoucherRequest{ShopID: shopID, Code: "IDEM", Subtotal: 100}
	first, err := service.ValidateVoucher(context.Background(), uuid.New(), req)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	second, err := service.ValidateVoucher(context.Background(), uuid.New(), req)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}

	if first.DiscountAmount != second.DiscountAmount || first.Valid != second.Valid {
		t.Fatalf("repeated validation differs: %+v vs %+v", first, second)
	}
	if voucher.CurrentUsage != 0 {
		t.Fatalf("validation must not consume usage, got %d", voucher.CurrentUsage)
	}
}

func TestGetAvailableVouchers_AnonymousNeverBatches(t *testing.T) {
	store := newFakeStore()
	service := newTestVoucherService(store)
	shopID := uuid.New()
	store.add(activeVoucher(shopID, "A"))
	store.add(activeVoucher(shopID, "B"))
	fixedClock(service, timeAt("2026-06-01T00:00:00Z"))

	available, err := service.GetAvailableVouchers(context.Background(), shopID, nil)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(available) != 2 {
		t.Fatalf("expected 2 vouchers, got %d", len(available))
	}
	if store.batchCalls != 0 {
		t.Fatalf("anonymous request must not query usage, got %d calls", store.batchCalls)
	}
	for _, av := range available {
		if av.MyUsageCount != nil || av.MyRemainingUses != nil {
			t.Fatalf("anonymous voucher must have no personal fields: %+v", av)
		}
	}
}

func TestGetAvailableVouchers_SingleBatchCall(t *testing.T) {
	store := newFakeStore()
	service := newTestVoucherService(store)
	shopID := uuid.New()
	userID := uuid.New()
	fixedClock(service, timeAt("2026-06-01T00:00:00Z"))

	for i := 0; i < 50; i++ {
		store.add(activeVoucher(shopID, "C"+uuid.NewString()))
	}

	available, err := service.GetAvailableVouchers(context.Background(), shopID, &userID)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(available) != 50 {
		t.Fatalf("expected 50 vouchers, got %d", len(available))
	}
	if store.batchCalls != 1 {
		t.Fatalf("expected exactly one batch call, got %d", store.batchCalls)
	}
	if len(store.lastBatchIDs) != 50 {
		t.Fatalf("expected all 50 ids in one batch, got %d", len(store.lastBatchIDs))
	}
}

func TestGetAvailableVouchers_EmptyListStillOneBatch(t *testing.T) {
	store := newFakeStore()
	service := newTestVoucherService(store)
	userID := uuid.New()
	fixedClock(service, timeAt("2026-06-01T00:00:00Z"))

	available, err := service.GetAvailableVouchers(context.Background(), uuid.New(), &userID)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(available) != 0 {
		t.Fatalf("expected empty list, got %d", len(available))
	}
	if store.batchCalls != 1 {
		t.Fatalf("batch must be called once even for an empty list, got %d", store.batchCalls)
	}
	if len(store.lastBatchIDs) != 0 {
		t.Fatalf("expected empty id list, got %v", store.lastBatchIDs)
	}
}

func TestGetAvailableVouchers_FiltersWindowAndLimit(t *testing.T) {
	store := newFakeStore()
	service := newTestVoucherService(store)
	shopID := uuid.New()
	fixedClock(service, timeAt("2026-06-01T00:00:00Z"))

	store.add(activeVoucher(shopID, "OK"))

	future := activeVoucher(shopID, "FUTURE")
	future.ValidFrom = timeAt("2026-07-01T00:00:00Z")
	store.add(future)

	past := activeVoucher(shopID, "PAST")
	past.ValidTo = timeAt("2026-05-01T00:00:00Z")
	store.add(past)

	// is_active still true, sweep has not caught up yet
	exhausted := activeVoucher(shopID, "USED")
	exhausted.CurrentUsage = exhausted.UsageLimit
	store.add(exhausted)

	available, err := service.GetAvailableVouchers(context.Background(), shopID, nil)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(available) != 1 || available[0].Code != "OK" {
		t.Fatalf("expected only the in-window voucher, got %+v", available)
	}
}

func TestGetAvailableVouchers_EnrichmentClampsRemaining(t *testing.T) {
	store := newFakeStore()
	service := newTestVoucherService(store)
	shopID := uuid.New()
	userID := uuid.New()
	fixedClock(service, timeAt("2026-06-01T00:00:00Z"))

	limited := activeVoucher(shopID, "LIMITED")
	limited.UsageLimitPerUser = intPtr(3)
	added := store.add(limited)
	// limit was lowered after the user already redeemed five times
	store.userCounts[added.ID] = 5

	unlimited := store.add(activeVoucher(shopID, "OPEN"))

	available, err := service.GetAvailableVouchers(context.Background(), shopID, &userID)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	byCode := map[string]*models.AvailableVoucher{}
	for _, av := range available {
		byCode[av.Code] = av
	}

	lim := byCode["LIMITED"]
	if lim == nil || lim.MyUsageCount == nil || *lim.MyUsageCount != 5 {
		t.Fatalf("expected usage count 5, got %+v", lim)
	}
	if lim.MyRemainingUses == nil || *lim.MyRemainingUses != 0 {
		t.Fatalf("remaining uses must clamp to zero, got %+v", lim.MyRemainingUses)
	}

	open := byCode["OPEN"]
	if open == nil || open.MyUsageCount == nil || *open.MyUsageCount != 0 {
		t.Fatalf("expected zero usage count, got %+v", open)
	}
	if open.MyRemainingUses != nil {
		t.Fatalf("unlimited voucher must have nil remaining uses")
	}

	// Enrichment works on copies, stored objects stay untouched.
	if unlimited.CurrentUsage != 0 {
		t.Fatalf("store object mutated: %+v", unlimited)
	}
}

func TestApplyVoucherAtomic_ConsumesUsage(t *testing.T) {
	store := newFakeStore()
	service := newTestVoucherService(store)
	shopID := uuid.New()
	voucher := store.add(activeVoucher(shopID, "APPLY"))

	updated, err := service.ApplyVoucherAtomic(context.Background(), voucher.ID, uuid.New(), uuid.New(), 12.5)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if updated.CurrentUsage != 1 {
		t.Fatalf("expected usage 1, got %d", updated.CurrentUsage)
	}
	if len(store.usages) != 1 || store.usages[0].DiscountAmount != 12.5 {
		t.Fatalf("expected one ledger record, got %+v", store.usages)
	}
}

func TestGetMyUsageHistory_Pagination(t *testing.T) {
	store := newFakeStore()
	service := newTestVoucherService(store)
	store.usageTotal = 45

	page, err := service.GetMyUsageHistory(context.Background(), uuid.New(), models.UsageHistoryFilter{}, 2, 20)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if page.Pages != 3 {
		t.Fatalf("expected 3 pages for 45/20, got %d", page.Pages)
	}
	if !page.HasMore {
		t.Fatalf("expected has_more on page 2 of 3")
	}
	if page.Total != 45 || page.Page != 2 || page.Limit != 20 {
		t.Fatalf("unexpected page meta: %+v", page)
	}
}

func TestGetMyUsageHistory_EmptyTotal(t *testing.T) {
	store := newFakeStore()
	service := newTestVoucherService(store)

	page, err := service.GetMyUsageHistory(context.Background(), uuid.New(), models.UsageHistoryFilter{}, 1, 20)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if page.Pages != 0 || page.HasMore {
		t.Fatalf("empty history must have zero pages and no more, got %+v", page)
	}
	if page.Items == nil {
		t.Fatalf("items must be an empty slice, not nil")
	}
}

func TestGetMyUsageHistory_LimitClamped(t *testing.T) {
	store := newFakeStore()
	service := newTestVoucherService(store)
	store.usageTotal = 10

	page, err := service.GetMyUsageHistory(context.Background(), uuid.New(), models.UsageHistoryFilter{}, 0, 1000)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if page.Page != 1 {
		t.Fatalf("page below 1 must normalize to 1, got %d", page.Page)
	}
	if page.Limit != 100 {
		t.Fatalf("limit must clamp to max, got %d", page.Limit)
	}
}

func TestGetVoucherStatistics_NeverUsed(t *testing.T) {
	store := newFakeStore()
	service := newTestVoucherService(store)
	shopID := uuid.New()
	voucher := store.add(activeVoucher(shopID, "STATS"))

	stats, err := service.GetVoucherStatistics(context.Background(), shopID, voucher.ID)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if stats.AverageDiscount != 0 || stats.UsagePercentage != 0 {
		t.Fatalf("never used voucher must have zero averages, got %+v", stats)
	}
}

func TestGetVoucherStatistics_UnclampedPercentage(t *testing.T) {
	store := newFakeStore()
	service := newTestVoucherService(store)
	shopID := uuid.New()
	voucher := activeVoucher(shopID, "OVER")
	voucher.UsageLimit = 100
	added := store.add(voucher)

	for i := 0; i < 150; i++ {
		shop := shopID
		store.usages = append(store.usages, &models.VoucherUsage{
			VoucherID:      added.ID,
			ShopID:         &shop,
			DiscountAmount: 10,
		})
	}

	stats, err := service.GetVoucherStatistics(context.Background(), shopID, added.ID)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if stats.UsagePercentage != 150 {
		t.Fatalf("expected 150%% usage, got %.2f", stats.UsagePercentage)
	}
	if stats.AverageDiscount != 10 {
		t.Fatalf("expected average discount 10, got %.2f", stats.AverageDiscount)
	}
}

func TestExpireVouchers_Idempotent(t *testing.T) {
	store := newFakeStore()
	service := newTestVoucherService(store)
	store.expirable = 7
	asOf := timeAt("2026-06-01T00:00:00Z")

	first, err := service.ExpireVouchers(context.Background(), asOf)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if first.UpdatedCount != 7 {
		t.Fatalf("expected 7 expired, got %d", first.UpdatedCount)
	}

	second, err := service.ExpireVouchers(context.Background(), asOf)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if second.UpdatedCount != 0 {
		t.Fatalf("second sweep must expire nothing, got %d", second.UpdatedCount)
	}
}

func TestValidateVoucherPayload(t *testing.T) {
	if err := validateVoucherPayload(models.VoucherTypeFixedAmount, -1, nil); err == nil {
		t.Fatalf("expected error for negative amount")
	}
	if err := validateVoucherPayload("unknown", 10, nil); err == nil {
		t.Fatalf("expected error for invalid type")
	}
	if err := validateVoucherPayload(models.VoucherTypePercentage, 150, floatPtr(10)); err == nil {
		t.Fatalf("expected error for >100 percent")
	}
	if err := validateVoucherPayload(models.VoucherTypePercentage, 50, floatPtr(10)); err != nil {
		t.Fatalf("expected valid percent, got %v", err)
	}
	if err := validateVoucherPayload(models.VoucherTypeFreeShip, 100, nil); err != nil {
		t.Fatalf("expected valid free ship, got %v", err)
	}
}
