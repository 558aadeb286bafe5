package client

import "context"

// LedgerClient 账本服务客户端
type LedgerClient struct {
	baseClient
}

func NewLedgerClient(baseURL, token string) *LedgerClient {
	return &LedgerClient{baseClient: newBaseClient("ledger-service", baseURL, token)}
}

type LedgerEntryRequest struct {
	TransactionID string `json:"transactionId"`
	CustomerID    string `json:"customerId"`
	MerchantID    string `json:"merchantId"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Type          string `json:"type"`
}

// CreateEntry 记录支付双分录
func (c *LedgerClient) CreateEntry(ctx context.Context, req *LedgerEntryRequest) error {
	if req.Type == "" {
		req.Type = "PAYMENT"
	}
	_, err := c.post(ctx, "/api/ledger/entries", req)
	return err
}

// ReverseEntry 冲正账本分录（补偿）
func (c *LedgerClient) ReverseEntry(ctx context.Context, transactionID string) error {
	_, err := c.post(ctx, "/api/ledger/entries/"+transactionID+"/reverse", nil)
	return err
}
