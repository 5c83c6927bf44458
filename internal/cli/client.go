package cli

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

	"github.com/ChuLiYu/beaver-query/internal/server"
	"github.com/ChuLiYu/beaver-query/pkg/types"
)

// ErrAPI HTTP API 回傳非 2xx
var ErrAPI = errors.New("api error")

// Client HTTP API 的精簡客戶端
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient 建立客戶端，baseURL 例如 http://localhost:8080
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// do 送出請求；2xx 時解碼到 out，否則回傳包裝 ErrAPI 的錯誤
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var apiErr server.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Code == "" {
			return fmt.Errorf("%w: %s %s: %s", ErrAPI, method, path, resp.Status)
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return fmt.Errorf("%w: %s (%s), retry after %ss", ErrAPI, apiErr.Code, apiErr.Error, ra)
		}
		return fmt.Errorf("%w: %s (%s)", ErrAPI, apiErr.Code, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Submit POST /api/v1/queries
func (c *Client) Submit(ctx context.Context, req server.SubmitRequest) (*server.SubmitResponse, error) {
	var out server.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/queries", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QueueStats GET /api/v1/queues
func (c *Client) QueueStats(ctx context.Context) ([]types.WorkerPoolStats, error) {
	var out []types.WorkerPoolStats
	if err := c.do(ctx, http.MethodGet, "/api/v1/queues", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetBudget PUT /api/v1/budgets/{tenant}
func (c *Client) SetBudget(ctx context.Context, tenantID string, tier types.Tier) (*types.ExecutionBudget, error) {
	var out types.ExecutionBudget
	if err := c.do(ctx, http.MethodPut, "/api/v1/budgets/"+tenantID, server.BudgetRequest{Tier: tier}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBudget GET /api/v1/budgets/{tenant}
func (c *Client) GetBudget(ctx context.Context, tenantID string) (*types.ExecutionBudget, error) {
	var out types.ExecutionBudget
	if err := c.do(ctx, http.MethodGet, "/api/v1/budgets/"+tenantID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResetBudget POST /api/v1/budgets/{tenant}/reset
func (c *Client) ResetBudget(ctx context.Context, tenantID string) (*types.ExecutionBudget, error) {
	var out types.ExecutionBudget
	if err := c.do(ctx, http.MethodPost, "/api/v1/budgets/"+tenantID+"/reset", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
