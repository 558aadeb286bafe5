// Package saga 支付 saga 状态机与步骤执行器
package saga

// Status 支付事务的逻辑状态
type Status string

const (
	StatusInitiated        Status = "INITIATED"
	StatusWalletReserved   Status = "WALLET_RESERVED"
	StatusMerchantCredited Status = "MERCHANT_CREDITED"
	StatusLedgerUpdated    Status = "LEDGER_UPDATED"
	StatusNotificationSent Status = "NOTIFICATION_SENT"
	StatusFeeCollected     Status = "FEE_COLLECTED"
	StatusCompleted        Status = "COMPLETED"
	StatusFailed           Status = "FAILED"
)

// forwardRank 前向状态的全序。与常量声明顺序解耦：
// 插入或重排状态常量不会改变补偿判定。
var forwardRank = map[Status]int{
	StatusInitiated:        0,
	StatusWalletReserved:   1,
	StatusMerchantCredited: 2,
	StatusLedgerUpdated:    3,
	StatusNotificationSent: 4,
	StatusFeeCollected:     5,
}

// Terminal 是否为终态
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Reached 判断状态是否已到达 target（按前向序）。
// COMPLETED 视为超过所有前向状态；FAILED 不参与前向序。
func (s Status) Reached(target Status) bool {
	targetRank, ok := forwardRank[target]
	if !ok {
		return false
	}
	if s == StatusCompleted {
		return true
	}
	rank, ok := forwardRank[s]
	if !ok {
		return false
	}
	return rank >= targetRank
}

// Valid 是否为已知状态
func (s Status) Valid() bool {
	if s.Terminal() {
		return true
	}
	_, ok := forwardRank[s]
	return ok
}

// StepStatus saga 步骤状态
type StepStatus string

const (
	StepPending      StepStatus = "PENDING"
	StepCompleted    StepStatus = "COMPLETED"
	StepCompensating StepStatus = "COMPENSATING"
	StepCompensated  StepStatus = "COMPENSATED"
	StepFailed       StepStatus = "FAILED"
)

// 前向步骤名（审计动作前缀与步骤台账记录共用）
const (
	StepValidateBalance   = "VALIDATE_BALANCE"
	StepReserveWallet     = "RESERVE_WALLET"
	StepCreditMerchant    = "CREDIT_MERCHANT"
	StepUpdateLedger      = "UPDATE_LEDGER"
	StepSendNotifications = "SEND_NOTIFICATIONS"
	StepCollectFee        = "COLLECT_FEE"

	// 收尾动作：预留确认不重试
	StepConfirmReservation = "CONFIRM_RESERVATION"
)

// 补偿动作名
const (
	ActionDebitMerchant      = "DEBIT_MERCHANT"
	ActionReverseLedger      = "REVERSE_LEDGER"
	ActionReleaseReservation = "RELEASE_RESERVATION"
)
