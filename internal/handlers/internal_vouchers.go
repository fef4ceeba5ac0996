package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"voucher-system/internal/logger"
	"voucher-system/internal/models"

	"github.com/google/uuid"
)

// InternalVoucherHandler обрабатывает внутренние запросы других сервисов:
// списание ваучера при оформлении заказа и деактивацию просроченных.
type InternalVoucherHandler struct {
	voucherService VoucherService
	producer       EventProducer
	log            *logger.Logger
}

// NewInternalVoucherHandler создает новый внутренний обработчик.
func NewInternalVoucherHandler(voucherService VoucherService, producer EventProducer, log *logger.Logger) *InternalVoucherHandler {
	return &InternalVoucherHandler{
		voucherService: voucherService,
		producer:       producer,
		log:            log,
	}
}

// ApplyVoucher атомарно списывает одно использование ваучера. Вызывается
// сервисом заказов; лимиты и окно действия проверяются заново внутри
// транзакции, поэтому списание не может превысить лимит при гонке.
func (h *InternalVoucherHandler) ApplyVoucher(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req models.ApplyVoucherRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.VoucherID == uuid.Nil || req.UserID == uuid.Nil || req.OrderID == uuid.Nil {
		writeErrorResponse(w, http.StatusBadRequest, "voucher_id, user_id and order_id are required")
		return
	}
	if req.DiscountAmount < 0 {
		writeErrorResponse(w, http.StatusBadRequest, "discount_amount cannot be negative")
		return
	}

	voucher, err := h.voucherService.ApplyVoucherAtomic(r.Context(), req.VoucherID, req.UserID, req.OrderID, req.DiscountAmount)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to apply voucher")
		return
	}

	if err := h.producer.PublishVoucherRedeemed(req.VoucherID, req.UserID, req.OrderID, req.DiscountAmount); err != nil {
		h.log.WithError(err).Error("Failed to publish voucher redeemed event")
	}

	writeJSONResponse(w, http.StatusOK, voucher)
}

// ExpireVouchers запускает деактивацию просроченных ваучеров. Повторный
// запуск безопасен и вернет нулевой счетчик.
func (h *InternalVoucherHandler) ExpireVouchers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	asOf := time.Now()
	result, err := h.voucherService.ExpireVouchers(r.Context(), asOf)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to expire vouchers")
		return
	}

	if result.UpdatedCount > 0 {
		if err := h.producer.PublishVouchersExpired(result.UpdatedCount, asOf); err != nil {
			h.log.WithError(err).Error("Failed to publish vouchers expired event")
		}
	}

	writeJSONResponse(w, http.StatusOK, result)
}
