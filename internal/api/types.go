package api

import "github.com/ethereum/go-ethereum/common"

const Version = "v1"

type ErrorResponse struct {
	Version string `json:"version"`
	Error   string `json:"error"`
}

type ConfigResponse struct {
	WithdrawFee string `json:"withdraw_fee"`
}

// AccountResponse reports provisioning state. Address is set only when ready.
type AccountResponse struct {
	UserID  string `json:"user_id"`
	State   string `json:"state"`
	Address string `json:"address,omitempty"`
}

type BalanceResponse struct {
	UserID  string `json:"user_id"`
	Balance string `json:"balance"`
	Pending string `json:"pending"`
}

type AcknowledgeRequest struct {
	Username string `json:"username,omitempty"`
}

type NoticeResponse struct {
	UserID       string `json:"user_id"`
	Acknowledged bool   `json:"acknowledged"`
}

// TipRequest is the request body for POST /v1/tips. Amount is per receiver.
type TipRequest struct {
	SenderID  string   `json:"sender_id"`
	Receivers []string `json:"receivers"`
	Amount    string   `json:"amount"`
}

type TipResponse struct {
	SenderID   string   `json:"sender_id"`
	Receivers  []string `json:"receivers"`
	AmountEach string   `json:"amount_each"`
}

// WithdrawRequest is the request body for POST /v1/withdrawals. An empty Amount withdraws
// the whole balance minus the fee.
type WithdrawRequest struct {
	UserID string `json:"user_id"`
	To     string `json:"to"`
	Amount string `json:"amount,omitempty"`
}

type WithdrawResponse struct {
	ID     string `json:"id"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Fee    string `json:"fee"`
}

func accountResponse(user, state string, addr common.Address) AccountResponse {
	out := AccountResponse{UserID: user, State: state}
	if addr != (common.Address{}) {
		out.Address = addr.Hex()
	}
	return out
}
