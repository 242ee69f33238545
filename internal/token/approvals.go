package token

import (
	"context"

	"defi-aggregator/internal/model"
	"defi-aggregator/internal/onchain"
)

// ApprovalTx is an unsigned ERC-20 approve call.
type ApprovalTx struct {
	ChainID int64  `json:"chainId"`
	From    string `json:"from"`
	To      string `json:"to"`
	Data    string `json:"data"`
	Value   string `json:"value"`
}

// Approvals builds approve transactions for directory tokens.
type Approvals struct {
	directory *Directory
}

// NewApprovals wires the approval builder.
func NewApprovals(directory *Directory) *Approvals {
	return &Approvals{directory: directory}
}

// Build encodes approve(spender, amount) for the token on chainID.
// amount is in human units.
func (a *Approvals) Build(ctx context.Context, chainID, owner, identifier, spender, amount string) (ApprovalTx, error) {
	from, err := onchain.ParseAddress("owner", owner)
	if err != nil {
		return ApprovalTx{}, err
	}
	to, err := onchain.ParseAddress("spender", spender)
	if err != nil {
		return ApprovalTx{}, err
	}
	info, err := a.directory.FindOnChain(ctx, chainID, identifier)
	if err != nil {
		return ApprovalTx{}, err
	}
	raw, err := model.ParseUnits(amount, info.Decimals)
	if err != nil {
		return ApprovalTx{}, err
	}
	data, err := onchain.EncodeApprove(to, raw)
	if err != nil {
		return ApprovalTx{}, err
	}
	return ApprovalTx{
		ChainID: info.ChainID,
		From:    from.Hex(),
		To:      info.Address,
		Data:    data,
		Value:   "0",
	}, nil
}
