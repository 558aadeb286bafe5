package client

import "context"

// MerchantClient 商户账户服务客户端
type MerchantClient struct {
	baseClient
}

func NewMerchantClient(baseURL, token string) *MerchantClient {
	return &MerchantClient{baseClient: newBaseClient("merchant-service", baseURL, token)}
}

type CreditRequest struct {
	TransactionID string `json:"transactionId"`
	MerchantID    string `json:"merchantId"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
}

type DebitRequest struct {
	TransactionID string `json:"transactionId"`
	MerchantID    string `json:"merchantId"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
}

// Credit 商户账户入账
func (c *MerchantClient) Credit(ctx context.Context, req *CreditRequest) error {
	_, err := c.post(ctx, "/api/merchants/credit", req)
	return err
}

// Debit 商户账户出账（补偿）
func (c *MerchantClient) Debit(ctx context.Context, req *DebitRequest) error {
	_, err := c.post(ctx, "/api/merchants/debit", req)
	return err
}
