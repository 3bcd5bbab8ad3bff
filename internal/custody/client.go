package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/assetescrow/internal/circuitbreaker"
	"github.com/mbd888/assetescrow/internal/idgen"
	"github.com/mbd888/assetescrow/internal/ledger"
)

// CircuitRemote is the breaker key for calls to a remote custodian.
const CircuitRemote = CircuitScope + ".remote"

// Client calls a remote custodian, co-signing each request with the
// operator key.
type Client struct {
	baseURL string
	signer  *Signer
	http    *http.Client
	breaker *circuitbreaker.Breaker
	now     func() time.Time
}

// NewClient creates a client for the custodian at baseURL.
func NewClient(baseURL string, signer *Signer) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
		http:    &http.Client{Timeout: 30 * time.Second},
		now:     time.Now,
	}
}

// WithBreaker counts unreachable-custodian failures under CircuitRemote and
// fails fast while that circuit is open.
func (c *Client) WithBreaker(b *circuitbreaker.Breaker) *Client {
	c.breaker = b
	return c
}

// Ready reports whether the remote custodian's circuit is open.
func (c *Client) Ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.breaker == nil {
		return nil
	}
	if wait, ok := c.breaker.Ready(CircuitRemote); !ok {
		return fmt.Errorf("%w: circuit open, retry in %s", ErrUnavailable, wait.Round(time.Second))
	}
	return nil
}

// WithHTTPClient overrides the HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

type errorBody struct {
	Error   string `json:"error"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Release signs req and submits it. A transport failure leaves the outcome
// unknown; callers must re-resolve before asking again.
func (c *Client) Release(ctx context.Context, req ReleaseRequest) (*ledger.Receipt, error) {
	if c.breaker == nil {
		return c.release(ctx, req)
	}
	var rcpt *ledger.Receipt
	err := c.breaker.Execute(CircuitRemote, func() error {
		r, err := c.release(ctx, req)
		rcpt = r
		return err
	}, func(err error) bool { return errors.Is(err, ErrUnavailable) })
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return rcpt, err
}

func (c *Client) release(ctx context.Context, req ReleaseRequest) (*ledger.Receipt, error) {
	req.IssuedAt = c.now().Unix()
	req.Nonce = idgen.Hex(16)

	sig, err := c.signer.Sign(req)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(SignedRelease{Request: req, Signature: sig})
	if err != nil {
		return nil, fmt.Errorf("custody: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/custody/release", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("custody: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode == http.StatusOK {
		var ok struct {
			Receipt *ledger.Receipt `json:"receipt"`
		}
		if err := json.Unmarshal(body, &ok); err != nil || ok.Receipt == nil {
			return nil, fmt.Errorf("%w: malformed receipt", ErrUnavailable)
		}
		return ok.Receipt, nil
	}

	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	return nil, remoteError(resp.StatusCode, eb)
}

func remoteError(status int, eb errorBody) error {
	switch eb.Error {
	case "invalid_request":
		return fmt.Errorf("%w: %s", ErrInvalidRequest, eb.Message)
	case "bad_signature":
		return fmt.Errorf("%w: %s", ErrBadSignature, eb.Message)
	case "stale_request":
		return fmt.Errorf("%w: %s", ErrStaleRequest, eb.Message)
	case "not_in_escrow":
		return fmt.Errorf("%w: %s", ErrNotInEscrow, eb.Message)
	case "listing_changed":
		return fmt.Errorf("%w: %s", ErrListingChanged, eb.Message)
	case "ledger_rejected":
		if sentinel, ok := ledgerReasons[eb.Reason]; ok {
			return &ledger.Error{Op: ledger.OpTransferNonFungible, Err: fmt.Errorf("%w: %s", sentinel, eb.Message)}
		}
	}
	return fmt.Errorf("%w: status %d: %s", ErrUnavailable, status, eb.Message)
}
