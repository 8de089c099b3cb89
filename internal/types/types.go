package types

type Account string

type Tier string

type Direction string

type PositionStatus string

type TxnKind string

type TxnStatus string

const (
	AccountDemo Account = "demo"
	AccountReal Account = "real"
)

const (
	TierStandard   Tier = "standard"
	TierPrivileged Tier = "privileged"
	TierMarketer   Tier = "marketer"
)

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

const (
	TxnKindDeposit    TxnKind = "deposit"
	TxnKindWithdrawal TxnKind = "withdrawal"
	TxnKindTradeOpen  TxnKind = "trade_open"
	TxnKindTradeClose TxnKind = "trade_close"
	TxnKindBotTrade   TxnKind = "bot_trade"
)

const (
	TxnStatusPending   TxnStatus = "pending"
	TxnStatusCompleted TxnStatus = "completed"
	TxnStatusFailed    TxnStatus = "failed"
)

func ValidAccount(a Account) bool {
	return a == AccountDemo || a == AccountReal
}

func ValidTier(t Tier) bool {
	return t == TierStandard || t == TierPrivileged || t == TierMarketer
}

func ValidDirection(d Direction) bool {
	return d == DirectionBuy || d == DirectionSell
}
