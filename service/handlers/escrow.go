package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/antinvestor/service-escrow/service/business"
	"github.com/antinvestor/service-escrow/service/gateway"
	"github.com/antinvestor/service-escrow/service/models"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	profileHeader   = "X-Profile-ID"
	signatureHeader = "X-Signature"
)

// EscrowServer exposes the escrow engine over REST. Caller identity comes
// from the upstream auth layer in the X-Profile-ID header.
type EscrowServer struct {
	Escrow      business.EscrowBusiness
	Coordinator business.Coordinator
	Reconciler  business.Reconciler
	Log         logrus.FieldLogger
}

type createTransactionRequest struct {
	ListingID        string             `json:"listing_id"`
	SellerID         string             `json:"seller_id"`
	AgreedPrice      decimal.Decimal    `json:"agreed_price"`
	Currency         string             `json:"currency"`
	PlotCount        int                `json:"plot_count"`
	PaymentType      models.PaymentType `json:"payment_type"`
	InstallmentCount int                `json:"installment_count"`
}

type initiatePaymentRequest struct {
	Amount       decimal.Decimal `json:"amount"`
	Channel      string          `json:"channel"`
	MobileNumber string          `json:"mobile_number"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type resolveRequest struct {
	Resolution models.DisputeResolution `json:"resolution"`
	Note       string                   `json:"note"`
}

type TransactionResponse struct {
	ID                   string                   `json:"id"`
	ListingID            string                   `json:"listing_id"`
	BuyerID              string                   `json:"buyer_id"`
	SellerID             string                   `json:"seller_id"`
	AgreedPrice          decimal.Decimal          `json:"agreed_price"`
	Currency             string                   `json:"currency"`
	PlotCount            int                      `json:"plot_count"`
	PaymentType          models.PaymentType       `json:"payment_type"`
	InstallmentCount     int                      `json:"installment_count"`
	Status               models.TransactionState  `json:"status"`
	EscrowStatus         models.EscrowState       `json:"escrow_status"`
	VerificationDeadline *time.Time               `json:"verification_deadline,omitempty"`
	DisputeResolution    models.DisputeResolution `json:"dispute_resolution,omitempty"`
	RefundRequested      bool                     `json:"refund_requested"`
	IntegrityHold        bool                     `json:"integrity_hold"`
	CreatedAt            time.Time                `json:"created_at"`

	TotalPaid     *decimal.Decimal         `json:"total_paid,omitempty"`
	Outstanding   *decimal.Decimal         `json:"outstanding,omitempty"`
	Schedule      []business.ScheduleEntry `json:"schedule,omitempty"`
	NextDue       *business.ScheduleEntry  `json:"next_due,omitempty"`
	NextDueAmount *decimal.Decimal         `json:"next_due_amount,omitempty"`
}

type PaymentResponse struct {
	Reference         string              `json:"reference"`
	TransactionID     string              `json:"transaction_id"`
	Amount            decimal.Decimal     `json:"amount"`
	Currency          string              `json:"currency"`
	Channel           string              `json:"channel"`
	Status            models.PaymentState `json:"status"`
	CheckoutReference string              `json:"checkout_reference,omitempty"`
	RedirectURL       string              `json:"redirect_url,omitempty"`
}

type HistoryResponse struct {
	From   models.TransactionState `json:"from,omitempty"`
	To     models.TransactionState `json:"to"`
	Escrow models.EscrowState      `json:"escrow_status"`
	Actor  string                  `json:"actor"`
	Reason string                  `json:"reason,omitempty"`
	At     time.Time               `json:"at"`
}

func transactionResponse(transaction *models.Transaction) *TransactionResponse {
	return &TransactionResponse{
		ID:                   transaction.GetID(),
		ListingID:            transaction.ListingID,
		BuyerID:              transaction.BuyerID,
		SellerID:             transaction.SellerID,
		AgreedPrice:          transaction.AgreedPrice,
		Currency:             transaction.Currency,
		PlotCount:            transaction.PlotCount,
		PaymentType:          transaction.PaymentType,
		InstallmentCount:     transaction.InstallmentCount,
		Status:               transaction.Status,
		EscrowStatus:         transaction.EscrowStatus,
		VerificationDeadline: transaction.VerificationDeadline,
		DisputeResolution:    transaction.DisputeResolution,
		RefundRequested:      transaction.RefundRequested,
		IntegrityHold:        transaction.IntegrityHold,
		CreatedAt:            transaction.CreatedAt,
	}
}

func viewResponse(view *business.TransactionView) *TransactionResponse {
	response := transactionResponse(view.Transaction)
	response.TotalPaid = &view.TotalPaid
	response.Outstanding = &view.Outstanding
	response.Schedule = view.Schedule
	if view.NextDue != nil {
		response.NextDue = view.NextDue
		response.NextDueAmount = &view.NextDueAmount
	}
	return response
}

func profileID(r *http.Request) string {
	return r.Header.Get(profileHeader)
}

// caller returns the identity of the requesting profile, answering 401
// itself when there is none.
func (es *EscrowServer) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller := profileID(r)
	if caller == "" {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Code: "unauthenticated", Message: profileHeader + " header is required"})
		return "", false
	}
	return caller, true
}

func (es *EscrowServer) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	caller, ok := es.caller(w, r)
	if !ok {
		return
	}
	var request createTransactionRequest
	if err := decodeJSON(w, r, &request); err != nil {
		es.badRequest(w, r, err)
		return
	}

	view, err := es.Escrow.Create(r.Context(), business.CreateRequest{
		ListingID:        request.ListingID,
		BuyerID:          caller,
		SellerID:         request.SellerID,
		AgreedPrice:      request.AgreedPrice,
		Currency:         request.Currency,
		PlotCount:        request.PlotCount,
		PaymentType:      request.PaymentType,
		InstallmentCount: request.InstallmentCount,
	})
	if err != nil {
		es.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewResponse(view))
}

func (es *EscrowServer) ListTransactions(w http.ResponseWriter, r *http.Request) {
	caller, ok := es.caller(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	views, err := es.Escrow.List(r.Context(), caller, limit)
	if err != nil {
		es.writeError(w, r, err)
		return
	}

	response := make([]*TransactionResponse, 0, len(views))
	for _, view := range views {
		response = append(response, viewResponse(view))
	}
	writeJSON(w, http.StatusOK, response)
}

func (es *EscrowServer) GetTransaction(w http.ResponseWriter, r *http.Request) {
	caller, ok := es.caller(w, r)
	if !ok {
		return
	}
	view, err := es.Escrow.Get(r.Context(), mux.Vars(r)["id"], caller)
	if err != nil {
		es.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewResponse(view))
}

func (es *EscrowServer) TransactionHistory(w http.ResponseWriter, r *http.Request) {
	caller, ok := es.caller(w, r)
	if !ok {
		return
	}
	entries, err := es.Escrow.History(r.Context(), mux.Vars(r)["id"], caller)
	if err != nil {
		es.writeError(w, r, err)
		return
	}

	response := make([]HistoryResponse, 0, len(entries))
	for _, entry := range entries {
		response = append(response, HistoryResponse{
			From:   entry.FromState,
			To:     entry.ToState,
			Escrow: entry.EscrowStatus,
			Actor:  entry.Actor,
			Reason: entry.Reason,
			At:     entry.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, response)
}

func (es *EscrowServer) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	caller, ok := es.caller(w, r)
	if !ok {
		return
	}
	var request initiatePaymentRequest
	if err := decodeJSON(w, r, &request); err != nil && !errors.Is(err, io.EOF) {
		es.badRequest(w, r, err)
		return
	}
	if request.Channel == "" {
		request.Channel = gateway.ChannelMpesa
	}

	initiation, err := es.Escrow.InitiatePayment(r.Context(), business.PaymentRequest{
		TransactionID: mux.Vars(r)["id"],
		ProfileID:     caller,
		Amount:        request.Amount,
		Channel:       request.Channel,
		MobileNumber:  request.MobileNumber,
	})
	if err != nil {
		es.writeError(w, r, err)
		return
	}

	payment := initiation.Payment
	response := PaymentResponse{
		Reference:     payment.ProviderReference,
		TransactionID: payment.TransactionID,
		Amount:        payment.Amount,
		Currency:      payment.Currency,
		Channel:       payment.Channel,
		Status:        payment.Status,
	}
	if initiation.Checkout != nil {
		response.CheckoutReference = initiation.Checkout.CheckoutReference
		response.RedirectURL = initiation.Checkout.RedirectTarget
	}
	writeJSON(w, http.StatusCreated, response)
}

func (es *EscrowServer) Confirm(w http.ResponseWriter, r *http.Request) {
	caller, ok := es.caller(w, r)
	if !ok {
		return
	}
	transaction, err := es.Escrow.Confirm(r.Context(), mux.Vars(r)["id"], caller)
	es.respondTransaction(w, r, transaction, err)
}

func (es *EscrowServer) Dispute(w http.ResponseWriter, r *http.Request) {
	caller, ok := es.caller(w, r)
	if !ok {
		return
	}
	var request reasonRequest
	if err := decodeJSON(w, r, &request); err != nil {
		es.badRequest(w, r, err)
		return
	}
	transaction, err := es.Escrow.Dispute(r.Context(), mux.Vars(r)["id"], caller, request.Reason)
	es.respondTransaction(w, r, transaction, err)
}

func (es *EscrowServer) Cancel(w http.ResponseWriter, r *http.Request) {
	caller, ok := es.caller(w, r)
	if !ok {
		return
	}
	var request reasonRequest
	if err := decodeJSON(w, r, &request); err != nil && !errors.Is(err, io.EOF) {
		es.badRequest(w, r, err)
		return
	}
	transaction, err := es.Escrow.Cancel(r.Context(), mux.Vars(r)["id"], caller, request.Reason)
	es.respondTransaction(w, r, transaction, err)
}

func (es *EscrowServer) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	caller, ok := es.caller(w, r)
	if !ok {
		return
	}
	var request resolveRequest
	if err := decodeJSON(w, r, &request); err != nil {
		es.badRequest(w, r, err)
		return
	}
	transaction, err := es.Escrow.ResolveDispute(r.Context(), mux.Vars(r)["id"], caller, request.Resolution, request.Note)
	es.respondTransaction(w, r, transaction, err)
}

// Refund flags the transaction for refund and tries the refund right away.
// A refund the gateway does not take now stays flagged for the sweeper.
func (es *EscrowServer) Refund(w http.ResponseWriter, r *http.Request) {
	caller, ok := es.caller(w, r)
	if !ok {
		return
	}
	var request reasonRequest
	if err := decodeJSON(w, r, &request); err != nil && !errors.Is(err, io.EOF) {
		es.badRequest(w, r, err)
		return
	}

	id := mux.Vars(r)["id"]
	flagged, err := es.Escrow.FlagRefund(r.Context(), id, caller, request.Reason)
	if err != nil {
		es.writeError(w, r, err)
		return
	}
	if flagged.Status == models.StateRefunded {
		writeJSON(w, http.StatusOK, transactionResponse(flagged))
		return
	}

	refunded, err := es.Coordinator.Refund(r.Context(), id, caller)
	if err != nil && business.IsRetryable(err) {
		es.Log.WithError(err).WithField("transaction", id).Warn("refund flagged, gateway call will be retried")
		writeJSON(w, http.StatusAccepted, transactionResponse(flagged))
		return
	}
	es.respondTransaction(w, r, refunded, err)
}

func (es *EscrowServer) Release(w http.ResponseWriter, r *http.Request) {
	caller, ok := es.caller(w, r)
	if !ok {
		return
	}
	transaction, err := es.Coordinator.Release(r.Context(), mux.Vars(r)["id"], caller)
	es.respondTransaction(w, r, transaction, err)
}

func (es *EscrowServer) ClearHold(w http.ResponseWriter, r *http.Request) {
	caller, ok := es.caller(w, r)
	if !ok {
		return
	}
	var request reasonRequest
	if err := decodeJSON(w, r, &request); err != nil && !errors.Is(err, io.EOF) {
		es.badRequest(w, r, err)
		return
	}
	transaction, err := es.Escrow.ClearHold(r.Context(), mux.Vars(r)["id"], caller, request.Reason)
	es.respondTransaction(w, r, transaction, err)
}

// HandleCallback authenticates and applies a gateway notification. The body
// is read raw so the signature covers exactly what the gateway sent.
func (es *EscrowServer) HandleCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		es.badRequest(w, r, err)
		return
	}

	result, err := es.Reconciler.HandleCallback(r.Context(), body, r.Header.Get(signatureHeader))
	if err != nil {
		es.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (es *EscrowServer) PollPayment(w http.ResponseWriter, r *http.Request) {
	if _, ok := es.caller(w, r); !ok {
		return
	}
	result, err := es.Reconciler.PollPayment(r.Context(), mux.Vars(r)["reference"])
	if err != nil {
		es.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (es *EscrowServer) respondTransaction(w http.ResponseWriter, r *http.Request, transaction *models.Transaction, err error) {
	if err != nil {
		es.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transactionResponse(transaction))
}
