package handlers

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/schoolpay/backend/internal/config"
	"github.com/schoolpay/backend/internal/models"
	"github.com/schoolpay/backend/internal/services"
	"github.com/shopspring/decimal"
)

// M-Pesa C2B result codes
const (
	c2bAccepted          = "C2B00000"
	c2bSystemError       = "C2B00011"
	c2bInvalidData       = "C2B00012"
	c2bInvalidShortCode  = "C2B00013"
	c2bAmountTooSmall    = "C2B00014"
	mpesaTransTimeLayout = "20060102150405"
)

// MpesaHandler adapts the M-Pesa gateway callbacks to the intake pipeline.
// Validation is a pre-settlement gate with no persistence; confirmation and
// the STK callback normalize the payload and hand it to the payment service.
type MpesaHandler struct {
	cfg      *config.MpesaConfig
	payments *services.PaymentService
}

func NewMpesaHandler(cfg *config.MpesaConfig, payments *services.PaymentService) *MpesaHandler {
	return &MpesaHandler{cfg: cfg, payments: payments}
}

type mpesaResult struct {
	ResultCode string `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// c2bPayload is the shape M-Pesa posts to both the validation and the
// confirmation URLs.
type c2bPayload struct {
	TransactionType   string `json:"TransactionType"`
	TransID           string `json:"TransID"`
	TransTime         string `json:"TransTime"`
	TransAmount       string `json:"TransAmount"`
	BusinessShortCode string `json:"BusinessShortCode"`
	BillRefNumber     string `json:"BillRefNumber"`
	InvoiceNumber     string `json:"InvoiceNumber"`
	OrgAccountBalance string `json:"OrgAccountBalance"`
	ThirdPartyTransID string `json:"ThirdPartyTransID"`
	MSISDN            string `json:"MSISDN"`
	FirstName         string `json:"FirstName"`
	MiddleName        string `json:"MiddleName"`
	LastName          string `json:"LastName"`
}

func (p *c2bPayload) payerName() string {
	parts := []string{}
	for _, s := range []string{p.FirstName, p.MiddleName, p.LastName} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

func (p *c2bPayload) occurredAt() time.Time {
	if len(p.TransTime) >= 14 {
		if t, err := time.Parse(mpesaTransTimeLayout, p.TransTime[:14]); err == nil {
			return t
		}
	}
	return time.Now()
}

func writeMpesaResult(w http.ResponseWriter, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(mpesaResult{ResultCode: code, ResultDesc: desc})
}

// C2BValidation is the pre-settlement gate
// @Summary M-Pesa C2B validation callback
// @Description Accept or reject a payment before the gateway settles it. No persistence.
// @Tags mpesa
// @Accept json
// @Produce json
// @Success 200 {object} mpesaResult
// @Router /mpesa/c2b/validation [post]
func (h *MpesaHandler) C2BValidation(w http.ResponseWriter, r *http.Request) {
	var payload c2bPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		log.Printf("[MPESA] Malformed validation payload: %v", err)
		writeMpesaResult(w, c2bSystemError, "System error occurred")
		return
	}

	if payload.TransID == "" || payload.TransAmount == "" || payload.BillRefNumber == "" {
		log.Printf("[MPESA] Validation rejecting %s: missing fields", payload.TransID)
		writeMpesaResult(w, c2bInvalidData, "Invalid payment data")
		return
	}

	if payload.BusinessShortCode != h.cfg.BusinessShortCode {
		log.Printf("[MPESA] Validation rejecting %s: short code %s", payload.TransID, payload.BusinessShortCode)
		writeMpesaResult(w, c2bInvalidShortCode, "Invalid business short code")
		return
	}

	amount, err := decimal.NewFromString(payload.TransAmount)
	if err != nil || amount.LessThan(decimal.NewFromFloat(h.cfg.MinAmount)) {
		log.Printf("[MPESA] Validation rejecting %s: amount %q", payload.TransID, payload.TransAmount)
		writeMpesaResult(w, c2bAmountTooSmall, "Amount too small")
		return
	}

	// Matching happens at confirmation; validation only gates the obvious.
	writeMpesaResult(w, c2bAccepted, "Accept the service request successfully.")
}

// C2BConfirmation receives the settled payment
// @Summary M-Pesa C2B confirmation callback
// @Description Process a settled C2B payment. Always acknowledges success so the gateway stops retrying.
// @Tags mpesa
// @Accept json
// @Produce json
// @Success 200 {object} mpesaResult
// @Router /mpesa/c2b/confirmation [post]
func (h *MpesaHandler) C2BConfirmation(w http.ResponseWriter, r *http.Request) {
	var payload c2bPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		log.Printf("[MPESA] Malformed confirmation payload: %v", err)
		writeMpesaResult(w, c2bAccepted, "Payment received")
		return
	}

	if payload.TransID == "" || payload.TransAmount == "" || payload.BillRefNumber == "" || payload.MSISDN == "" {
		log.Printf("[MPESA] Confirmation missing required fields (TransID %q)", payload.TransID)
		writeMpesaResult(w, c2bInvalidData, "Invalid payment data")
		return
	}

	amount, err := decimal.NewFromString(payload.TransAmount)
	if err != nil {
		log.Printf("[MPESA] Confirmation %s: bad amount %q", payload.TransID, payload.TransAmount)
		writeMpesaResult(w, c2bInvalidData, "Invalid payment data")
		return
	}

	notification := &models.PaymentNotification{
		ExternalTransactionID: payload.TransID,
		Amount:                amount,
		RawReference:          strings.TrimSpace(payload.BillRefNumber),
		PayerPhone:            payload.MSISDN,
		PayerName:             payload.payerName(),
		Method:                "MPESA",
		OccurredAt:            payload.occurredAt(),
	}

	result, err := h.payments.Ingest(notification)
	if err != nil {
		// The money has already moved; a retry from the gateway cannot help.
		// Acknowledge and handle internally.
		log.Printf("[MPESA] Confirmation %s failed internally: %v", payload.TransID, err)
		writeMpesaResult(w, c2bAccepted, "Payment received")
		return
	}

	log.Printf("[MPESA] Confirmation %s processed: %s", payload.TransID, result.Outcome)
	writeMpesaResult(w, c2bAccepted, "Payment processed successfully")
}

// stkCallbackEnvelope is the STK push settlement callback.
type stkCallbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string      `json:"Name"`
					Value interface{} `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

func (e *stkCallbackEnvelope) metadata() map[string]interface{} {
	m := make(map[string]interface{})
	for _, item := range e.Body.StkCallback.CallbackMetadata.Item {
		m[item.Name] = item.Value
	}
	return m
}

func metadataString(m map[string]interface{}, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return decimal.NewFromFloat(val).String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

func metadataAmount(m map[string]interface{}) (decimal.Decimal, error) {
	v, ok := m["Amount"]
	if !ok {
		return decimal.Zero, fmt.Errorf("missing Amount")
	}
	switch val := v.(type) {
	case float64:
		return decimal.NewFromFloat(val), nil
	case string:
		return decimal.NewFromString(val)
	default:
		return decimal.Zero, fmt.Errorf("unexpected Amount type %T", v)
	}
}

// STKCallback settles a push-initiated payment
// @Summary M-Pesa STK push callback
// @Description Confirm or fail a push-initiated payment from the gateway callback
// @Tags mpesa
// @Accept json
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 400 {object} map[string]string
// @Router /mpesa/callback [post]
func (h *MpesaHandler) STKCallback(w http.ResponseWriter, r *http.Request) {
	var envelope stkCallbackEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		http.Error(w, `{"error":"Invalid callback format"}`, http.StatusBadRequest)
		return
	}

	cb := envelope.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		http.Error(w, `{"error":"Invalid callback format"}`, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if cb.ResultCode != 0 {
		log.Printf("[MPESA] STK push %s failed: %s", cb.CheckoutRequestID, cb.ResultDesc)
		if err := h.payments.FailPendingPayment(cb.CheckoutRequestID, cb.ResultDesc); err != nil {
			log.Printf("[MPESA] Could not mark %s failed: %v", cb.CheckoutRequestID, err)
		}
		json.NewEncoder(w).Encode(map[string]string{"message": "Payment failed", "resultDesc": cb.ResultDesc})
		return
	}

	meta := envelope.metadata()
	amount, err := metadataAmount(meta)
	receipt := metadataString(meta, "MpesaReceiptNumber")
	if err != nil || receipt == "" {
		log.Printf("[MPESA] STK callback %s missing payment data", cb.CheckoutRequestID)
		http.Error(w, `{"error":"Missing required payment data"}`, http.StatusBadRequest)
		return
	}

	notification := &models.PaymentNotification{
		ExternalTransactionID: cb.CheckoutRequestID,
		Amount:                amount,
		RawReference:          receipt,
		PayerPhone:            metadataString(meta, "PhoneNumber"),
		Method:                "MPESA_STK",
		OccurredAt:            time.Now(),
	}

	result, err := h.payments.Ingest(notification)
	if err != nil {
		log.Printf("[MPESA] STK callback %s failed internally: %v", cb.CheckoutRequestID, err)
		http.Error(w, `{"error":"Internal server error"}`, http.StatusInternalServerError)
		return
	}

	log.Printf("[MPESA] STK callback %s processed: %s", cb.CheckoutRequestID, result.Outcome)
	json.NewEncoder(w).Encode(map[string]string{"message": "Payment processed", "outcome": result.Outcome})
}
