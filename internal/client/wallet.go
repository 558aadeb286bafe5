package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ewallet/payment/pkg/decimal"
)

// WalletClient 钱包服务客户端
type WalletClient struct {
	baseClient
}

func NewWalletClient(baseURL, token string) *WalletClient {
	return &WalletClient{baseClient: newBaseClient("wallet-service", baseURL, token)}
}

type ReserveRequest struct {
	TransactionID string `json:"transactionId"`
	CustomerID    string `json:"customerId"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
}

type CollectFeeRequest struct {
	TransactionID string `json:"transactionId"`
	CustomerID    string `json:"customerId"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
}

// GetBalance 查询客户可用余额。下游返回裸 JSON 数字。
func (c *WalletClient) GetBalance(ctx context.Context, customerID string) (*decimal.Decimal, error) {
	respBody, err := c.get(ctx, "/api/wallets/"+customerID+"/balance")
	if err != nil {
		return nil, err
	}

	var raw json.Number
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, fmt.Errorf("decode balance: %w", err)
	}
	balance, err := decimal.New(raw.String())
	if err != nil {
		return nil, fmt.Errorf("parse balance %q: %w", raw.String(), err)
	}
	return balance, nil
}

// Reserve 预留客户钱包资金
func (c *WalletClient) Reserve(ctx context.Context, req *ReserveRequest) error {
	_, err := c.post(ctx, "/api/wallets/reserve", req)
	return err
}

// ConfirmReservation 确认预留（实际扣款）
func (c *WalletClient) ConfirmReservation(ctx context.Context, transactionID string) error {
	_, err := c.post(ctx, "/api/wallets/confirm/"+transactionID, nil)
	return err
}

// ReleaseReservation 释放预留（补偿）
func (c *WalletClient) ReleaseReservation(ctx context.Context, transactionID string) error {
	_, err := c.post(ctx, "/api/wallets/release/"+transactionID, nil)
	return err
}

// CollectFee 收取平台手续费
func (c *WalletClient) CollectFee(ctx context.Context, req *CollectFeeRequest) error {
	_, err := c.post(ctx, "/api/wallets/collect-fee", req)
	return err
}
