package tx

// TxStats 汇总符合过滤条件的交易数量与时间范围。
type TxStats struct {
	Total           int64 `json:"total"`
	Pending         int64 `json:"pending"`
	Queued          int64 `json:"queued"`
	Executing       int64 `json:"executing"`
	Submitted       int64 `json:"submitted"`
	Confirmed       int64 `json:"confirmed"`
	Failed          int64 `json:"failed"`
	Cancelled       int64 `json:"cancelled"`
	Expired         int64 `json:"expired"`
	OldestCreatedAt int64 `json:"oldest_created_at"`
	NewestCreatedAt int64 `json:"newest_created_at"`
}
