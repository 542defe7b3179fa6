package models

// TransactionState is the lifecycle state of an escrow transaction.
type TransactionState string

const (
	StateCreated            TransactionState = "CREATED"
	StateEscrowFunded       TransactionState = "ESCROW_FUNDED"
	StateVerificationPeriod TransactionState = "VERIFICATION_PERIOD"
	StateReadyToRelease     TransactionState = "READY_TO_RELEASE"
	StateReleased           TransactionState = "RELEASED"
	StateCompleted          TransactionState = "COMPLETED"
	StateCancelled          TransactionState = "CANCELLED"
	StateDisputed           TransactionState = "DISPUTED"
	StateRefunded           TransactionState = "REFUNDED"
)

// EscrowState tracks where the buyer's money is. It is derived from the
// transaction state and never set on its own.
type EscrowState string

const (
	EscrowNotFunded EscrowState = "NOT_FUNDED"
	EscrowHeld      EscrowState = "HELD"
	EscrowReleased  EscrowState = "RELEASED"
	EscrowRefunded  EscrowState = "REFUNDED"
)

type PaymentType string

const (
	PaymentTypeFull        PaymentType = "FULL"
	PaymentTypeInstallment PaymentType = "INSTALLMENT"
)

func (p PaymentType) Valid() bool {
	return p == PaymentTypeFull || p == PaymentTypeInstallment
}

type PaymentState string

const (
	PaymentPending   PaymentState = "PENDING"
	PaymentCompleted PaymentState = "COMPLETED"
	PaymentFailed    PaymentState = "FAILED"
)

func (p PaymentState) IsTerminal() bool {
	return p == PaymentCompleted || p == PaymentFailed
}

type DisputeResolution string

const (
	ResolutionNone   DisputeResolution = ""
	ResolutionSeller DisputeResolution = "SELLER"
	ResolutionBuyer  DisputeResolution = "BUYER"
)

var transitions = map[TransactionState][]TransactionState{
	StateCreated:            {StateEscrowFunded, StateCancelled},
	StateEscrowFunded:       {StateVerificationPeriod, StateDisputed, StateRefunded},
	StateVerificationPeriod: {StateReadyToRelease, StateDisputed, StateRefunded},
	StateReadyToRelease:     {StateReleased, StateDisputed, StateRefunded},
	StateReleased:           {StateCompleted},
	StateDisputed:           {StateReadyToRelease, StateRefunded},
	StateCancelled:          {StateRefunded},
}

// CanTransition reports whether the edge from -> to exists in the escrow
// state graph.
func CanTransition(from, to TransactionState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition may leave the state.
func (s TransactionState) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// IsFunded reports whether buyer money is held in escrow in this state.
func (s TransactionState) IsFunded() bool {
	switch s {
	case StateEscrowFunded, StateVerificationPeriod, StateReadyToRelease, StateDisputed:
		return true
	}
	return false
}

// IsReleased reports whether the release decision has been recorded.
func (s TransactionState) IsReleased() bool {
	return s == StateReleased || s == StateCompleted
}

// EscrowFor derives the escrow flag of a transaction state. fundsHeld only
// matters for CANCELLED and REFUNDED, where payments that completed before
// or after closing stay in escrow until refunded.
func EscrowFor(s TransactionState, fundsHeld bool) EscrowState {
	switch s {
	case StateCancelled:
		if fundsHeld {
			return EscrowHeld
		}
		return EscrowNotFunded
	case StateEscrowFunded, StateVerificationPeriod, StateReadyToRelease, StateDisputed:
		return EscrowHeld
	case StateReleased, StateCompleted:
		return EscrowReleased
	case StateRefunded:
		if fundsHeld {
			return EscrowHeld
		}
		return EscrowRefunded
	}
	return EscrowNotFunded
}
