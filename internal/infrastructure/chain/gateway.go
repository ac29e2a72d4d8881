package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"milestone-escrow/internal/application/ledger"

	"github.com/google/uuid"
)

// GatewayLedger talks JSON over HTTP to the chain gateway that custodies escrow funds.
// 4xx answers on mutations are definite rejections; transport errors and 5xx are ambiguous.
type GatewayLedger struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// StatusError is a non-2xx answer the gateway did not describe as a rejection.
type StatusError struct {
	Path       string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ledger gateway %s: status %d", e.Path, e.StatusCode)
}

func (g *GatewayLedger) client() *http.Client {
	if g.Client == nil {
		g.Client = &http.Client{Timeout: 15 * time.Second}
	}
	return g.Client
}

func (g *GatewayLedger) do(ctx context.Context, method, path string, in, out interface{}) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(g.BaseURL, "/")+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.APIKey)
	}
	resp, err := g.client().Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
			}
		}
		return resp.StatusCode, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests:
		var te ledger.TransferError
		if json.Unmarshal(raw, &te) == nil && te.Code != "" {
			return resp.StatusCode, &te
		}
	}
	return resp.StatusCode, &StatusError{Path: path, StatusCode: resp.StatusCode}
}

func (g *GatewayLedger) Fund(ctx context.Context, req ledger.FundRequest) (ledger.Receipt, error) {
	var rec ledger.Receipt
	_, err := g.do(ctx, http.MethodPost, "/v1/fundings", req, &rec)
	return rec, err
}

func (g *GatewayLedger) ReadBalances(ctx context.Context, projectID uuid.UUID) (ledger.Balances, error) {
	var b ledger.Balances
	code, err := g.do(ctx, http.MethodGet, "/v1/projects/"+projectID.String()+"/balances", nil, &b)
	if code == http.StatusNotFound {
		return ledger.Balances{}, nil
	}
	return b, err
}

func (g *GatewayLedger) Transfer(ctx context.Context, req ledger.TransferRequest) (ledger.Receipt, error) {
	var rec ledger.Receipt
	_, err := g.do(ctx, http.MethodPost, "/v1/transfers", req, &rec)
	if err == nil && rec.Status == ledger.StatusFailed {
		return rec, &ledger.TransferError{Code: "failed", Message: "gateway reported failure for " + req.IdempotencyKey}
	}
	return rec, err
}

func (g *GatewayLedger) TransferStatus(ctx context.Context, key string) (ledger.Receipt, error) {
	var rec ledger.Receipt
	code, err := g.do(ctx, http.MethodGet, "/v1/transfers/"+url.PathEscape(key), nil, &rec)
	if code == http.StatusNotFound {
		return ledger.Receipt{}, fmt.Errorf("%w: %s", ledger.ErrUnknownTransfer, key)
	}
	return rec, err
}

// Now uses the local clock; the gateway stamps its own transfers.
func (g *GatewayLedger) Now() time.Time {
	return time.Now()
}

// Ping checks the gateway health endpoint.
func (g *GatewayLedger) Ping(ctx context.Context) error {
	_, err := g.do(ctx, http.MethodGet, "/health", nil, nil)
	return err
}
