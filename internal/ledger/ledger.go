// Package ledger is the adapter to the distributed ledger that holds asset
// tokens and the settlement currency.
//
// Every mutating call returns a Receipt once the transaction reaches
// consensus. Submitted transactions cannot be recalled: cancelling ctx after
// a transfer was submitted only stops the caller from waiting for it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Operation names, used for errors, metrics and circuit breaker keys.
const (
	OpTransferFungible    = "transfer_fungible"
	OpTransferNonFungible = "transfer_non_fungible"
	OpAssociateToken      = "associate_token"
	OpGetHolder           = "get_holder"
	OpGetTransferHistory  = "get_transfer_history"
	OpGetHoldings         = "get_holdings"
	OpGetBalance          = "get_balance"
)

var (
	ErrRejectedSignature   = errors.New("ledger: signature rejected")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrAlreadyAssociated   = errors.New("ledger: token already associated")
	ErrNotAssociated       = errors.New("ledger: receiver not associated with token")
	ErrNotOwner            = errors.New("ledger: sender does not hold token")
	ErrTokenNotFound       = errors.New("ledger: token not found")
	ErrTimeout             = errors.New("ledger: operation timed out")
	ErrUnavailable         = errors.New("ledger: unavailable")
)

// Error wraps a ledger failure with the operation that produced it.
type Error struct {
	Op   string
	TxID string // set when the transaction was submitted before failing
	Err  error
}

func (e *Error) Error() string {
	if e.TxID != "" {
		return fmt.Sprintf("ledger: %s failed (tx: %s): %v", e.Op, e.TxID, e.Err)
	}
	return fmt.Sprintf("ledger: %s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transport-level failure the caller may
// retry (after re-resolving state, for transfers).
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsRejection reports whether the ledger refused the transaction outright.
func IsRejection(err error) bool {
	return errors.Is(err, ErrRejectedSignature) || errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrNotAssociated) || errors.Is(err, ErrNotOwner) ||
		errors.Is(err, ErrTokenNotFound)
}

// TokenRef identifies one non-fungible token: a collection and a serial.
type TokenRef struct {
	TokenID string `json:"tokenId"`
	Serial  int64  `json:"serial"`
}

func (r TokenRef) String() string {
	return r.TokenID + "/" + strconv.FormatInt(r.Serial, 10)
}

// ParseTokenRef parses "shard.realm.num/serial".
func ParseTokenRef(s string) (TokenRef, error) {
	tokenID, serial, ok := strings.Cut(s, "/")
	if !ok {
		return TokenRef{}, fmt.Errorf("ledger: malformed token reference %q", s)
	}
	return NewTokenRef(tokenID, serial)
}

// NewTokenRef validates a collection ID and serial string.
func NewTokenRef(tokenID, serial string) (TokenRef, error) {
	if !ValidEntityID(tokenID) {
		return TokenRef{}, fmt.Errorf("ledger: malformed token id %q", tokenID)
	}
	n, err := strconv.ParseInt(serial, 10, 64)
	if err != nil || n <= 0 {
		return TokenRef{}, fmt.Errorf("ledger: malformed serial %q", serial)
	}
	return TokenRef{TokenID: tokenID, Serial: n}, nil
}

// ValidEntityID reports whether id has the shard.realm.num form used for
// accounts and token collections.
func ValidEntityID(id string) bool {
	parts := strings.Split(id, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		if _, err := strconv.ParseUint(p, 10, 64); err != nil {
			return false
		}
	}
	return true
}

// Receipt confirms a transaction reached consensus.
type Receipt struct {
	TransactionID string    `json:"transactionId"`
	Status        string    `json:"status"`
	ConsensusAt   time.Time `json:"consensusAt"`
}

// TransferRecord is one entry of a token's custody history.
type TransferRecord struct {
	TransactionID string    `json:"transactionId"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	ConsensusAt   time.Time `json:"consensusAt"`
}

// FungibleTransfer moves settlement currency between two accounts.
type FungibleTransfer struct {
	TokenID string
	From    string
	To      string
	Amount  decimal.Decimal
	Memo    string
}

// NFTTransfer moves custody of one token.
type NFTTransfer struct {
	Token TokenRef
	From  string
	To    string
	Memo  string
}

// Client is the full ledger surface the marketplace depends on.
type Client interface {
	TransferFungible(ctx context.Context, t FungibleTransfer) (*Receipt, error)
	TransferNonFungible(ctx context.Context, t NFTTransfer) (*Receipt, error)
	AssociateToken(ctx context.Context, account, tokenID string) (*Receipt, error)

	// GetHolder returns the account currently holding ref.
	GetHolder(ctx context.Context, ref TokenRef) (string, error)
	// GetTransferHistory returns at most limit custody transfers of ref,
	// most recent first.
	GetTransferHistory(ctx context.Context, ref TokenRef, limit int) ([]TransferRecord, error)
	GetAccountNonFungibleHoldings(ctx context.Context, account string) ([]TokenRef, error)
	GetBalance(ctx context.Context, account, tokenID string) (decimal.Decimal, error)
}

// Admitter is implemented by clients that can tell, without calling the
// ledger, that a call of op would be refused right now.
type Admitter interface {
	Admits(op string) error
}
