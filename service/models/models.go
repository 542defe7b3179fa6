package models

import (
	"time"

	"github.com/pitabwire/frame"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Transaction is one buyer to seller agreement over a listing. Identity,
// price, plot count and payment type never change after creation; Status is
// only written by the escrow state machine.
type Transaction struct {
	frame.BaseModel

	ListingID string `gorm:"type:varchar(50);index"`
	BuyerID   string `gorm:"type:varchar(50);index"`
	SellerID  string `gorm:"type:varchar(50);index"`

	AgreedPrice      decimal.Decimal `gorm:"type:numeric" json:"agreed_price"`
	Currency         string          `gorm:"type:varchar(10)"`
	PlotCount        int
	PaymentType      PaymentType `gorm:"type:varchar(20)"`
	InstallmentCount int

	Status               TransactionState `gorm:"type:varchar(30);index"`
	EscrowStatus         EscrowState      `gorm:"type:varchar(20)"`
	VerificationDeadline *time.Time       `gorm:"index"`
	BuyerConfirmedAt     *time.Time

	DisputedBy        string            `gorm:"type:varchar(50)"`
	DisputeReason     string            `gorm:"type:text"`
	DisputeResolution DisputeResolution `gorm:"type:varchar(10)"`

	CancelReason    string `gorm:"type:text"`
	RefundRequested bool   `gorm:"index"`
	// RefundReference and PendingRefund describe the refund handed to the
	// gateway and not yet accepted. RefundedAmount sums accepted refunds.
	RefundReference string          `gorm:"type:varchar(100)"`
	PendingRefund   decimal.Decimal `gorm:"type:numeric" json:"pending_refund"`
	RefundedAmount  decimal.Decimal `gorm:"type:numeric" json:"refunded_amount"`
	RefundCount     int

	IntegrityHold bool   `gorm:"index"`
	HoldReason    string `gorm:"type:text"`
}

// IsParty reports whether the profile is the buyer or the seller.
func (model *Transaction) IsParty(profileID string) bool {
	return profileID != "" && (profileID == model.BuyerID || profileID == model.SellerID)
}

func (model *Transaction) IsInstallment() bool {
	return model.PaymentType == PaymentTypeInstallment
}

// Payment is one attempt to move money toward a transaction. Rows are
// append only apart from the single PENDING -> terminal finalization.
type Payment struct {
	frame.BaseModel

	TransactionID     string          `gorm:"type:varchar(50);index"`
	Amount            decimal.Decimal `gorm:"type:numeric" json:"amount"`
	ConfirmedAmount   decimal.Decimal `gorm:"type:numeric" json:"confirmed_amount"`
	Currency          string          `gorm:"type:varchar(10)"`
	ProviderReference string          `gorm:"type:varchar(100);uniqueIndex"`
	Channel           string          `gorm:"type:varchar(50)"`
	Status            PaymentState    `gorm:"type:varchar(20);index"`
	FinalizedAt       *time.Time

	// NeedsReconciliation marks payments an operator has to look at, such as
	// an overpayment beyond the installment schedule.
	NeedsReconciliation bool
	Extra               datatypes.JSONMap `json:"extra"`
}

// Installment is one row of an installment schedule.
type Installment struct {
	frame.BaseModel

	TransactionID string          `gorm:"type:varchar(50);index"`
	Sequence      int
	DueDate       time.Time
	Amount        decimal.Decimal `gorm:"type:numeric" json:"amount"`
}

// TransactionStatus is the append-only history of applied transitions.
type TransactionStatus struct {
	frame.BaseModel

	TransactionID string           `gorm:"type:varchar(50);index"`
	FromState     TransactionState `gorm:"type:varchar(30)"`
	ToState       TransactionState `gorm:"type:varchar(30)"`
	EscrowStatus  EscrowState      `gorm:"type:varchar(20)"`
	Actor         string           `gorm:"type:varchar(50)"`
	Reason        string           `gorm:"type:text"`
	Extra         datatypes.JSONMap `json:"extra"`
}

// Settlement is the bookkeeping produced by a release: platform fee and the
// net payout owed to the seller.
type Settlement struct {
	frame.BaseModel

	TransactionID string          `gorm:"type:varchar(50);uniqueIndex"`
	SellerID      string          `gorm:"type:varchar(50)"`
	Gross         decimal.Decimal `gorm:"type:numeric" json:"gross"`
	Fee           decimal.Decimal `gorm:"type:numeric" json:"fee"`
	Net           decimal.Decimal `gorm:"type:numeric" json:"net"`
	Currency      string          `gorm:"type:varchar(10)"`
	DispatchedAt  *time.Time
}

func (model *Settlement) IsDispatched() bool {
	return model.DispatchedAt != nil && !model.DispatchedAt.IsZero()
}
