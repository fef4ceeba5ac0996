package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"voucher-system/internal/logger"
	"voucher-system/internal/models"

	"github.com/google/uuid"
)

// VoucherHandler обрабатывает запросы владельца магазина к его ваучерам.
type VoucherHandler struct {
	voucherService VoucherService
	producer       EventProducer
	log            *logger.Logger
}

// NewVoucherHandler создает новый обработчик ваучеров.
func NewVoucherHandler(voucherService VoucherService, producer EventProducer, log *logger.Logger) *VoucherHandler {
	return &VoucherHandler{
		voucherService: voucherService,
		producer:       producer,
		log:            log,
	}
}

// HandleShopVouchers маршрутизирует запросы вида
// /api/shops/{shopID}/vouchers[/{voucherID}[/status|/usages|/statistics]].
func (h *VoucherHandler) HandleShopVouchers(w http.ResponseWriter, r *http.Request) {
	shopID, voucherID, suffix, err := parseShopVoucherPath(r.URL.Path)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	switch {
	case voucherID == nil:
		switch r.Method {
		case http.MethodPost:
			h.createVoucher(w, r, shopID)
		case http.MethodGet:
			h.listVouchers(w, r, shopID)
		default:
			writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	case suffix == "":
		switch r.Method {
		case http.MethodPut:
			h.updateVoucher(w, r, shopID, *voucherID)
		case http.MethodDelete:
			h.deleteVoucher(w, r, shopID, *voucherID)
		default:
			writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	case suffix == "status":
		if r.Method != http.MethodPut {
			writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		h.updateVoucherStatus(w, r, shopID, *voucherID)
	case suffix == "usages":
		if r.Method != http.MethodGet {
			writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		h.voucherUsages(w, r, shopID, *voucherID)
	case suffix == "statistics":
		if r.Method != http.MethodGet {
			writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		h.voucherStatistics(w, r, shopID, *voucherID)
	default:
		writeErrorResponse(w, http.StatusNotFound, "Unknown voucher resource")
	}
}

// createVoucher создает ваучер магазина.
func (h *VoucherHandler) createVoucher(w http.ResponseWriter, r *http.Request, shopID uuid.UUID) {
	var req models.CreateVoucherRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := validateCreateVoucherRequest(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	voucher, err := h.voucherService.CreateVoucher(r.Context(), shopID, &req)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to create voucher")
		return
	}

	// Публикация события в Kafka; ваучер уже создан, клиенту ошибку не возвращаем
	if err := h.producer.PublishVoucherCreated(voucher); err != nil {
		h.log.WithError(err).Error("Failed to publish voucher created event")
	}

	writeJSONResponse(w, http.StatusCreated, voucher)
}

// listVouchers возвращает ваучеры магазина с тристейт-фильтром is_active.
func (h *VoucherHandler) listVouchers(w http.ResponseWriter, r *http.Request, shopID uuid.UUID) {
	var isActive *bool
	if raw := r.URL.Query().Get("is_active"); raw != "" {
		switch raw {
		case "true":
			v := true
			isActive = &v
		case "false":
			v := false
			isActive = &v
		default:
			writeErrorResponse(w, http.StatusBadRequest, "is_active must be true or false")
			return
		}
	}

	vouchers, err := h.voucherService.GetShopVouchers(r.Context(), shopID, isActive)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to list vouchers")
		return
	}

	if vouchers == nil {
		vouchers = []*models.Voucher{}
	}
	writeJSONResponse(w, http.StatusOK, vouchers)
}

// updateVoucher обновляет параметры ваучера.
func (h *VoucherHandler) updateVoucher(w http.ResponseWriter, r *http.Request, shopID, voucherID uuid.UUID) {
	var req models.UpdateVoucherRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.voucherService.UpdateVoucher(r.Context(), shopID, voucherID, &req); err != nil {
		writeServiceError(w, h.log, err, "Failed to update voucher")
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]string{"message": "Voucher updated successfully"})
}

// updateVoucherStatus переключает флаг активности ваучера.
func (h *VoucherHandler) updateVoucherStatus(w http.ResponseWriter, r *http.Request, shopID, voucherID uuid.UUID) {
	var req models.UpdateVoucherStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.IsActive == nil {
		writeErrorResponse(w, http.StatusBadRequest, "is_active is required")
		return
	}

	if err := h.voucherService.UpdateVoucherStatus(r.Context(), shopID, voucherID, *req.IsActive); err != nil {
		writeServiceError(w, h.log, err, "Failed to update voucher status")
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]string{"message": "Voucher status updated successfully"})
}

// deleteVoucher мягко удаляет ваучер.
func (h *VoucherHandler) deleteVoucher(w http.ResponseWriter, r *http.Request, shopID, voucherID uuid.UUID) {
	if err := h.voucherService.DeleteVoucher(r.Context(), shopID, voucherID); err != nil {
		writeServiceError(w, h.log, err, "Failed to delete voucher")
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]string{"message": "Voucher deleted"})
}

// voucherUsages возвращает журнал использований ваучера владельцу.
func (h *VoucherHandler) voucherUsages(w http.ResponseWriter, r *http.Request, shopID, voucherID uuid.UUID) {
	from, err := parseTimeParam(r, "from")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	page := parseIntParam(r, "page")
	limit := parseIntParam(r, "limit")

	usagePage, err := h.voucherService.GetVoucherUsageRecords(r.Context(), shopID, voucherID, page, limit, from, to)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to get voucher usage records")
		return
	}

	writeJSONResponse(w, http.StatusOK, usagePage)
}

// voucherStatistics возвращает агрегированную статистику ваучера.
func (h *VoucherHandler) voucherStatistics(w http.ResponseWriter, r *http.Request, shopID, voucherID uuid.UUID) {
	stats, err := h.voucherService.GetVoucherStatistics(r.Context(), shopID, voucherID)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to get voucher statistics")
		return
	}

	writeJSONResponse(w, http.StatusOK, stats)
}

// validateCreateVoucherRequest валидирует запрос на создание ваучера
func validateCreateVoucherRequest(req *models.CreateVoucherRequest) error {
	if strings.TrimSpace(req.Code) == "" {
		return fmt.Errorf("voucher code is required")
	}
	if len(req.Code) > 64 {
		return fmt.Errorf("voucher code is too long")
	}
	if req.Name == "" {
		return fmt.Errorf("voucher name is required")
	}
	if req.UsageLimit <= 0 {
		return fmt.Errorf("usage_limit must be positive")
	}
	if req.UsageLimitPerUser != nil && *req.UsageLimitPerUser <= 0 {
		return fmt.Errorf("usage_limit_per_user must be positive")
	}
	if req.MinOrderAmount != nil && *req.MinOrderAmount < 0 {
		return fmt.Errorf("min_order_amount cannot be negative")
	}
	if req.ValidFrom.IsZero() || req.ValidTo.IsZero() {
		return fmt.Errorf("valid_from and valid_to are required")
	}
	return nil
}

// parseShopVoucherPath разбирает путь /api/shops/{shopID}/vouchers[/{voucherID}[/{suffix}]]
func parseShopVoucherPath(path string) (uuid.UUID, *uuid.UUID, string, error) {
	if !strings.HasPrefix(path, "/api/shops/") {
		return uuid.Nil, nil, "", fmt.Errorf("invalid path format")
	}

	parts := strings.Split(strings.Trim(strings.TrimPrefix(path, "/api/shops/"), "/"), "/")
	if len(parts) < 2 || parts[1] != "vouchers" {
		return uuid.Nil, nil, "", fmt.Errorf("invalid path format")
	}

	shopID, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, nil, "", fmt.Errorf("invalid shop ID")
	}

	if len(parts) == 2 {
		return shopID, nil, "", nil
	}

	voucherID, err := uuid.Parse(parts[2])
	if err != nil {
		return uuid.Nil, nil, "", fmt.Errorf("invalid voucher ID")
	}

	suffix := ""
	if len(parts) > 3 {
		suffix = parts[3]
	}
	if len(parts) > 4 {
		return uuid.Nil, nil, "", fmt.Errorf("invalid path format")
	}

	return shopID, &voucherID, suffix, nil
}
