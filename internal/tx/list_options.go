package tx

import "time"

// SortOrder defines how results should be ordered when listing transactions.
type SortOrder int

const (
	// SortByCreatedDesc orders transactions by CreatedAt descending (most recent first).
	SortByCreatedDesc SortOrder = iota
	// SortByCreatedAsc orders transactions by CreatedAt ascending (oldest first).
	SortByCreatedAsc
)

// ListOptions controls how transactions are selected when querying the store.
type ListOptions struct {
	Limit      int
	Offset     int
	WalletID   string
	Chain      string
	Statuses   []Status
	Tiers      []Tier
	CreatedGTE int64
	CreatedLTE int64
	Order      SortOrder
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 200 {
		opts.Limit = 200
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Order != SortByCreatedAsc {
		opts.Order = SortByCreatedDesc
	}
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of transactions returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching transactions before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithWallet filters transactions by wallet.
func WithWallet(walletID string) ListOption {
	return func(opts *ListOptions) {
		opts.WalletID = walletID
	}
}

// WithChain filters transactions by network name.
func WithChain(chain string) ListOption {
	return func(opts *ListOptions) {
		opts.Chain = chain
	}
}

// WithStatuses filters transactions by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithTiers filters transactions by authorization tier.
func WithTiers(tiers ...Tier) ListOption {
	return func(opts *ListOptions) {
		opts.Tiers = append(opts.Tiers[:0], tiers...)
	}
}

// WithCreatedSince filters transactions created after the provided instant (inclusive).
func WithCreatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.CreatedGTE = 0
			return
		}
		opts.CreatedGTE = ts.Unix()
	}
}

// WithCreatedUntil filters transactions created before the provided instant (inclusive).
func WithCreatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.CreatedLTE = 0
			return
		}
		opts.CreatedLTE = ts.Unix()
	}
}

// WithSortOrder changes the returned order of transactions.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// buildListOptions applies option functions on top of defaults.
func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
