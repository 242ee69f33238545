package model

import (
	"encoding/json"
	"strings"
)

// TxDescriptor is an unsigned call for an external signer.
type TxDescriptor struct {
	To    string `json:"to"`
	Data  string `json:"data"`
	Value string `json:"value"`
}

// ApprovalTx must be mined before the main transaction.
type ApprovalTx struct {
	To          string `json:"to"`
	Data        string `json:"data"`
	Value       string `json:"value"`
	Description string `json:"description"`
}

// TokenAmount identifies a token leg of an operation.
type TokenAmount struct {
	Token    string `json:"token"`
	Address  string `json:"address"`
	Amount   string `json:"amount"`
	Decimals int    `json:"decimals"`
}

// Operation is one step of a simulated transaction.
type Operation struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// OperationResponse is returned by every transaction-building endpoint.
// Simulation is protocol specific.
type OperationResponse struct {
	TransactionData      TxDescriptor `json:"transactionData"`
	ApprovalTransactions []ApprovalTx `json:"approvalTransactions,omitempty"`
	Simulation           any          `json:"simulation"`
	ChainID              int64        `json:"chainId"`
}

// Amount is a human-readable decimal amount. JSON numbers and strings are
// both accepted so that large values survive without float rounding.
type Amount string

// UnmarshalJSON implements json.Unmarshaler.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*a = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*a = Amount(strings.TrimSpace(str))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return InvalidInput("amount must be a number or numeric string")
	}
	*a = Amount(n.String())
	return nil
}

// String returns the raw amount text.
func (a Amount) String() string { return string(a) }
