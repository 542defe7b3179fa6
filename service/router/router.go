package router

import (
	"net/http"

	"github.com/antinvestor/service-escrow/service/handlers"
	"github.com/gorilla/mux"
)

// NewRouter wires the REST surface. operator guards the routes that move
// money on an operator's say; nil leaves them open.
func NewRouter(es *handlers.EscrowServer, operator mux.MiddlewareFunc) *mux.Router {
	router := mux.NewRouter().StrictSlash(true)
	router.HandleFunc("/health", handlers.HealthHandler).Methods("GET")

	// gateway facing
	router.HandleFunc("/payments/callback", es.HandleCallback).Methods("POST")
	router.HandleFunc("/payments/{reference}/poll", es.PollPayment).Methods("POST")

	router.HandleFunc("/transactions", es.CreateTransaction).Methods("POST")
	router.HandleFunc("/transactions", es.ListTransactions).Methods("GET")
	router.HandleFunc("/transactions/{id}", es.GetTransaction).Methods("GET")
	router.HandleFunc("/transactions/{id}/history", es.TransactionHistory).Methods("GET")
	router.HandleFunc("/transactions/{id}/payments", es.InitiatePayment).Methods("POST")
	router.HandleFunc("/transactions/{id}/confirm", es.Confirm).Methods("POST")
	router.HandleFunc("/transactions/{id}/dispute", es.Dispute).Methods("POST")
	router.HandleFunc("/transactions/{id}/cancel", es.Cancel).Methods("POST")

	if operator == nil {
		operator = func(next http.Handler) http.Handler { return next }
	}
	router.Handle("/transactions/{id}/dispute/resolve", operator(http.HandlerFunc(es.ResolveDispute))).Methods("POST")
	router.Handle("/transactions/{id}/refund", operator(http.HandlerFunc(es.Refund))).Methods("POST")
	router.Handle("/transactions/{id}/release", operator(http.HandlerFunc(es.Release))).Methods("POST")
	router.Handle("/transactions/{id}/hold/clear", operator(http.HandlerFunc(es.ClearHold))).Methods("POST")
	return router
}
