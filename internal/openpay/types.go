// Package openpay is a client for the wallet network's grant and resource
// servers: wallet address documents, GNAP grants, incoming payments, quotes
// and outgoing payments.
package openpay

import "time"

// Resource types used in grant access requests.
const (
	ResourceIncomingPayment = "incoming-payment"
	ResourceOutgoingPayment = "outgoing-payment"
	ResourceQuote           = "quote"
)

// Actions used in grant access requests.
const (
	ActionCreate   = "create"
	ActionRead     = "read"
	ActionList     = "list"
	ActionComplete = "complete"
)

// Lifecycle states reported by the resource server. Either resource may omit
// its state entirely.
const (
	StatePending   = "pending"
	StateCompleted = "completed"
	StateExpired   = "expired"
	StateFailed    = "failed"
)

// MethodILP is the settlement method sent with quotes and receiver-direct payments.
const MethodILP = "ilp"

// Amount is a value in minor units of the given asset.
type Amount struct {
	Value      string `json:"value"`
	AssetCode  string `json:"assetCode"`
	AssetScale int    `json:"assetScale"`
}

// WalletAddress is the public wallet document served at the wallet URL.
type WalletAddress struct {
	ID             string `json:"id"`
	PublicName     string `json:"publicName,omitempty"`
	AssetCode      string `json:"assetCode"`
	AssetScale     int    `json:"assetScale"`
	AuthServer     string `json:"authServer"`
	ResourceServer string `json:"resourceServer"`
}

type AccessItem struct {
	Type       string   `json:"type"`
	Actions    []string `json:"actions"`
	Identifier string   `json:"identifier,omitempty"`
	Limits     *Limits  `json:"limits,omitempty"`
}

type Limits struct {
	Receiver      string  `json:"receiver,omitempty"`
	DebitAmount   *Amount `json:"debitAmount,omitempty"`
	ReceiveAmount *Amount `json:"receiveAmount,omitempty"`
}

type AccessTokenRequest struct {
	Access []AccessItem `json:"access"`
}

type InteractFinish struct {
	Method string `json:"method"`
	URI    string `json:"uri"`
	Nonce  string `json:"nonce"`
}

type InteractRequest struct {
	Start  []string        `json:"start"`
	Finish *InteractFinish `json:"finish,omitempty"`
}

// GrantRequest is posted to a wallet's auth server.
type GrantRequest struct {
	AccessToken AccessTokenRequest `json:"access_token"`
	Client      string             `json:"client"`
	Interact    *InteractRequest   `json:"interact,omitempty"`
}

type AccessToken struct {
	Value     string       `json:"value"`
	Manage    string       `json:"manage,omitempty"`
	ExpiresIn int          `json:"expires_in,omitempty"`
	Access    []AccessItem `json:"access,omitempty"`
}

type ContinueToken struct {
	Value string `json:"value"`
}

type Continue struct {
	AccessToken ContinueToken `json:"access_token"`
	URI         string        `json:"uri"`
	Wait        int           `json:"wait,omitempty"`
}

type InteractResponse struct {
	Redirect string `json:"redirect"`
	Finish   string `json:"finish"`
}

// GrantResponse covers both finalized and pending grants: a finalized grant
// carries AccessToken, a pending one carries Interact and Continue.
type GrantResponse struct {
	AccessToken *AccessToken      `json:"access_token,omitempty"`
	Continue    *Continue         `json:"continue,omitempty"`
	Interact    *InteractResponse `json:"interact,omitempty"`
}

// ContinueGrantRequest is posted to a pending grant's continue URI.
type ContinueGrantRequest struct {
	InteractRef string `json:"interact_ref"`
	Hash        string `json:"hash,omitempty"`
}

type IncomingPayment struct {
	ID             string            `json:"id"`
	WalletAddress  string            `json:"walletAddress"`
	IncomingAmount *Amount           `json:"incomingAmount,omitempty"`
	ReceivedAmount *Amount           `json:"receivedAmount,omitempty"`
	State          string            `json:"state,omitempty"`
	Completed      bool              `json:"completed,omitempty"`
	ExpiresAt      *time.Time        `json:"expiresAt,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      *time.Time        `json:"createdAt,omitempty"`
}

type CreateIncomingPaymentRequest struct {
	WalletAddress  string            `json:"walletAddress"`
	IncomingAmount *Amount           `json:"incomingAmount,omitempty"`
	ExpiresAt      *time.Time        `json:"expiresAt,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type Quote struct {
	ID            string     `json:"id"`
	WalletAddress string     `json:"walletAddress"`
	Receiver      string     `json:"receiver"`
	DebitAmount   Amount     `json:"debitAmount"`
	ReceiveAmount Amount     `json:"receiveAmount"`
	Fee           *Amount    `json:"fee,omitempty"`
	Method        string     `json:"method,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

type CreateQuoteRequest struct {
	WalletAddress string `json:"walletAddress"`
	Receiver      string `json:"receiver"`
	Method        string `json:"method"`
}

type OutgoingPayment struct {
	ID            string            `json:"id"`
	WalletAddress string            `json:"walletAddress"`
	Receiver      string            `json:"receiver,omitempty"`
	QuoteID       string            `json:"quoteId,omitempty"`
	DebitAmount   *Amount           `json:"debitAmount,omitempty"`
	SentAmount    *Amount           `json:"sentAmount,omitempty"`
	ReceiveAmount *Amount           `json:"receiveAmount,omitempty"`
	State         string            `json:"state,omitempty"`
	Failed        bool              `json:"failed,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     *time.Time        `json:"createdAt,omitempty"`
}

// CreateOutgoingPaymentRequest is sent in one of three shapes: with QuoteID,
// with IncomingPayment and Method, or with IncomingPayment only.
type CreateOutgoingPaymentRequest struct {
	WalletAddress   string            `json:"walletAddress"`
	QuoteID         string            `json:"quoteId,omitempty"`
	IncomingPayment string            `json:"incomingPayment,omitempty"`
	Method          string            `json:"method,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}
