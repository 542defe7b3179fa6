package gateway

import "github.com/shopspring/decimal"

// Wire types of the mobile-money provider API.

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
	IssuedAt     string `json:"issuedAt"`
	TokenType    string `json:"tokenType"`
}

type merchant struct {
	AccountNumber string `json:"accountNumber"`
	CountryCode   string `json:"countryCode"`
	Name          string `json:"name"`
}

type stkPayment struct {
	Ref          string `json:"ref"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	Telco        string `json:"telco"`
	MobileNumber string `json:"mobileNumber"`
	Date         string `json:"date"`
	CallBackURL  string `json:"callBackUrl"`
	PushType     string `json:"pushType"`
}

type stkPushRequest struct {
	Merchant merchant   `json:"merchant"`
	Payment  stkPayment `json:"payment"`
}

type stkPushResponse struct {
	Status        bool   `json:"status"`
	Code          int    `json:"code"`
	Message       string `json:"message"`
	Reference     string `json:"reference"`
	TransactionID string `json:"transactionId"`
}

type paymentLink struct {
	ExpiryDate      string `json:"expiryDate"`
	SaleDate        string `json:"saleDate"`
	PaymentLinkType string `json:"paymentLinkType"`
	SaleType        string `json:"saleType"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	ExternalRef     string `json:"externalRef"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	AmountOption    string `json:"amountOption"`
	CallbackURL     string `json:"callbackUrl"`
}

type paymentLinkRequest struct {
	PaymentLink paymentLink `json:"paymentLink"`
}

type paymentLinkResponse struct {
	Status  bool   `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		PaymentLinkRef string `json:"paymentLinkRef"`
		DateCreated    string `json:"dateCreated"`
		Link           string `json:"link"`
	} `json:"data"`
}

type statusResponse struct {
	Status  bool   `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		TransactionReference string          `json:"transactionReference"`
		State                string          `json:"state"`
		Amount               decimal.Decimal `json:"amount"`
		Currency             string          `json:"currency"`
	} `json:"data"`
}

type refundRequest struct {
	MerchantCode       string   `json:"merchantCode"`
	Reference          string   `json:"reference"`
	OriginalReferences []string `json:"originalReferences"`
	Amount             string   `json:"amount"`
	Currency           string   `json:"currency"`
}

type refundResponse struct {
	Status    bool   `json:"status"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Reference string `json:"reference"`
	State     string `json:"state"`
}

// stkCallback is the body the provider posts to the callback URL.
type stkCallback struct {
	Status        bool            `json:"status"`
	Code          int             `json:"code"`
	Message       string          `json:"message"`
	Transaction   string          `json:"transactionReference"`
	Telco         string          `json:"telcoReference"`
	MobileNumber  string          `json:"mobileNumber"`
	Currency      string          `json:"currency"`
	RequestAmount decimal.Decimal `json:"requestAmount"`
	DebitedAmount decimal.Decimal `json:"debitedAmount"`
	Charge        decimal.Decimal `json:"charge"`
	TelcoName     string          `json:"telco"`
}
