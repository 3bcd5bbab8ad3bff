package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/mbd888/assetescrow/internal/amount"
	"github.com/shopspring/decimal"
)

// Error codes returned by the ledger gateway's JSON-RPC interface.
const (
	codeRejectedSignature   = -32010
	codeInsufficientBalance = -32011
	codeAlreadyAssociated   = -32012
	codeTokenNotFound       = -32013
	codeNotOwner            = -32014
	codeNotAssociated       = -32015
	codeTimeout             = -32016
)

// RPCClient talks to a ledger gateway over JSON-RPC. The gateway holds the
// signing keys and submits transactions to the network on our behalf.
type RPCClient struct {
	rpc     *rpc.Client
	timeout time.Duration
}

// DialRPC connects to the ledger gateway at url.
func DialRPC(ctx context.Context, url string) (*RPCClient, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("ledger: dial %s: %w", url, err)
	}
	return NewRPCClient(c), nil
}

// NewRPCClient wraps an existing rpc client.
func NewRPCClient(c *rpc.Client) *RPCClient {
	return &RPCClient{rpc: c, timeout: 30 * time.Second}
}

// Close releases the underlying connection.
func (c *RPCClient) Close() {
	c.rpc.Close()
}

type rpcReceipt struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	ConsensusAt   int64  `json:"consensusTimestamp"` // unix nanos
}

func (r *rpcReceipt) toReceipt() *Receipt {
	return &Receipt{
		TransactionID: r.TransactionID,
		Status:        r.Status,
		ConsensusAt:   time.Unix(0, r.ConsensusAt).UTC(),
	}
}

type rpcTransfer struct {
	TransactionID string `json:"transactionId"`
	Sender        string `json:"senderAccountId"`
	Receiver      string `json:"receiverAccountId"`
	ConsensusAt   int64  `json:"consensusTimestamp"`
}

type rpcNFT struct {
	TokenID string `json:"tokenId"`
	Serial  int64  `json:"serialNumber"`
}

func (c *RPCClient) TransferFungible(ctx context.Context, t FungibleTransfer) (*Receipt, error) {
	units, err := amount.ToUnits(t.Amount)
	if err != nil {
		return nil, &Error{Op: OpTransferFungible, Err: err}
	}
	var out rpcReceipt
	err = c.call(ctx, OpTransferFungible, &out, "ledger_transferFungible", map[string]any{
		"tokenId": t.TokenID,
		"from":    t.From,
		"to":      t.To,
		"amount":  units.String(),
		"memo":    t.Memo,
	})
	if err != nil {
		return nil, err
	}
	return out.toReceipt(), nil
}

func (c *RPCClient) TransferNonFungible(ctx context.Context, t NFTTransfer) (*Receipt, error) {
	var out rpcReceipt
	err := c.call(ctx, OpTransferNonFungible, &out, "ledger_transferNonFungible", map[string]any{
		"tokenId":      t.Token.TokenID,
		"serialNumber": t.Token.Serial,
		"from":         t.From,
		"to":           t.To,
		"memo":         t.Memo,
	})
	if err != nil {
		return nil, err
	}
	return out.toReceipt(), nil
}

func (c *RPCClient) AssociateToken(ctx context.Context, account, tokenID string) (*Receipt, error) {
	var out rpcReceipt
	if err := c.call(ctx, OpAssociateToken, &out, "ledger_associateToken", account, tokenID); err != nil {
		return nil, err
	}
	return out.toReceipt(), nil
}

func (c *RPCClient) GetHolder(ctx context.Context, ref TokenRef) (string, error) {
	var holder string
	if err := c.call(ctx, OpGetHolder, &holder, "ledger_getHolder", ref.TokenID, ref.Serial); err != nil {
		return "", err
	}
	return holder, nil
}

func (c *RPCClient) GetTransferHistory(ctx context.Context, ref TokenRef, limit int) ([]TransferRecord, error) {
	var raw []rpcTransfer
	if err := c.call(ctx, OpGetTransferHistory, &raw, "ledger_getTransferHistory", ref.TokenID, ref.Serial, limit); err != nil {
		return nil, err
	}
	out := make([]TransferRecord, len(raw))
	for i, r := range raw {
		out[i] = TransferRecord{
			TransactionID: r.TransactionID,
			From:          r.Sender,
			To:            r.Receiver,
			ConsensusAt:   time.Unix(0, r.ConsensusAt).UTC(),
		}
	}
	return out, nil
}

func (c *RPCClient) GetAccountNonFungibleHoldings(ctx context.Context, account string) ([]TokenRef, error) {
	var raw []rpcNFT
	if err := c.call(ctx, OpGetHoldings, &raw, "ledger_getAccountNfts", account); err != nil {
		return nil, err
	}
	out := make([]TokenRef, len(raw))
	for i, n := range raw {
		out[i] = TokenRef{TokenID: n.TokenID, Serial: n.Serial}
	}
	return out, nil
}

func (c *RPCClient) GetBalance(ctx context.Context, account, tokenID string) (decimal.Decimal, error) {
	var units string
	if err := c.call(ctx, OpGetBalance, &units, "ledger_getTokenBalance", account, tokenID); err != nil {
		return decimal.Zero, err
	}
	n, ok := new(big.Int).SetString(units, 10)
	if !ok {
		return decimal.Zero, &Error{Op: OpGetBalance, Err: fmt.Errorf("malformed balance %q", units)}
	}
	return amount.FromUnits(n), nil
}

func (c *RPCClient) call(ctx context.Context, op string, result any, method string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.rpc.CallContext(ctx, result, method, args...); err != nil {
		return &Error{Op: op, Err: classifyRPCError(err)}
	}
	return nil
}

// classifyRPCError maps gateway error codes onto the typed ledger errors.
// Anything that is not a JSON-RPC error object is a transport failure.
func classifyRPCError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var sentinel error
	switch rpcErr.ErrorCode() {
	case codeRejectedSignature:
		sentinel = ErrRejectedSignature
	case codeInsufficientBalance:
		sentinel = ErrInsufficientBalance
	case codeAlreadyAssociated:
		sentinel = ErrAlreadyAssociated
	case codeTokenNotFound:
		sentinel = ErrTokenNotFound
	case codeNotOwner:
		sentinel = ErrNotOwner
	case codeNotAssociated:
		sentinel = ErrNotAssociated
	case codeTimeout:
		sentinel = ErrTimeout
	default:
		sentinel = ErrUnavailable
	}
	return fmt.Errorf("%w: %s", sentinel, rpcErr.Error())
}
