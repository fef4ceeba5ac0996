package handlers

import (
	"encoding/json"
	"net/http"

	"voucher-system/internal/logger"
	"voucher-system/internal/models"
)

// CustomerVoucherHandler обрабатывает покупательские запросы к ваучерам.
type CustomerVoucherHandler struct {
	voucherService VoucherService
	log            *logger.Logger
}

// NewCustomerVoucherHandler создает новый покупательский обработчик.
func NewCustomerVoucherHandler(voucherService VoucherService, log *logger.Logger) *CustomerVoucherHandler {
	return &CustomerVoucherHandler{
		voucherService: voucherService,
		log:            log,
	}
}

// AvailableVouchers возвращает действующие ваучеры магазина. Запрос может быть
// анонимным; с заголовком X-User-ID каждый ваучер дополняется персональной
// статистикой использования.
func (h *CustomerVoucherHandler) AvailableVouchers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	shopID, err := parseUUIDParam(r, "shop_id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if shopID == nil {
		writeErrorResponse(w, http.StatusBadRequest, "shop_id is required")
		return
	}

	userID, err := userIDFromRequest(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	vouchers, err := h.voucherService.GetAvailableVouchers(r.Context(), *shopID, userID)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to get available vouchers")
		return
	}

	if vouchers == nil {
		vouchers = []*models.AvailableVoucher{}
	}
	writeJSONResponse(w, http.StatusOK, vouchers)
}

// ValidateVoucher проверяет применимость ваучера к корзине и возвращает
// рассчитанную скидку. Бизнес-отказ — это ответ 200 с valid=false, а не ошибка.
func (h *CustomerVoucherHandler) ValidateVoucher(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	userID, err := userIDFromRequest(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if userID == nil {
		writeErrorResponse(w, http.StatusBadRequest, "X-User-ID header is required")
		return
	}

	var req models.ValidateVoucherRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Code == "" {
		writeErrorResponse(w, http.StatusBadRequest, "code is required")
		return
	}
	if req.Subtotal < 0 {
		writeErrorResponse(w, http.StatusBadRequest, "subtotal cannot be negative")
		return
	}

	result, err := h.voucherService.ValidateVoucher(r.Context(), *userID, &req)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to validate voucher")
		return
	}

	writeJSONResponse(w, http.StatusOK, result)
}

// UsageHistory возвращает историю использований текущего пользователя.
func (h *CustomerVoucherHandler) UsageHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	userID, err := userIDFromRequest(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if userID == nil {
		writeErrorResponse(w, http.StatusBadRequest, "X-User-ID header is required")
		return
	}

	shopID, err := parseUUIDParam(r, "shop_id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
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

	filter := models.UsageHistoryFilter{
		ShopID: shopID,
		From:   from,
		To:     to,
	}

	page := parseIntParam(r, "page")
	limit := parseIntParam(r, "limit")

	history, err := h.voucherService.GetMyUsageHistory(r.Context(), *userID, filter, page, limit)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to get usage history")
		return
	}

	writeJSONResponse(w, http.StatusOK, history)
}
