package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type seedMovement struct {
	amount string
	date   string
}

type seedAccount struct {
	owner    string
	pin      int
	rate     string
	currency string
	locale   string
	moves    []seedMovement
}

// The second 1300 deposit of the first account is intentional input data.
var seedData = []seedAccount{
	{
		owner:    "Jonas Schmedtmann",
		pin:      1111,
		rate:     "1.2",
		currency: "EUR",
		locale:   "pt-PT",
		moves: []seedMovement{
			{"200", "2020-11-18T21:31:17.178Z"},
			{"455.23", "2020-12-23T07:42:02.383Z"},
			{"-306.5", "2021-01-28T09:15:04.904Z"},
			{"25000", "2021-04-01T10:17:24.185Z"},
			{"-642.21", "2021-05-08T14:11:59.604Z"},
			{"-133.9", "2021-05-27T17:01:17.194Z"},
			{"79.97", "2022-02-13T23:36:17.929Z"},
			{"1300", "2022-02-15T01:51:36.790Z"},
			{"1300", "2022-02-15T07:51:36.790Z"},
		},
	},
	{
		owner:    "Jessica Davis",
		pin:      2222,
		rate:     "1.5",
		currency: "USD",
		locale:   "en-US",
		moves: []seedMovement{
			{"5000", "2020-11-01T13:15:33.035Z"},
			{"3400", "2020-11-30T09:48:16.867Z"},
			{"-150", "2020-12-25T06:04:23.907Z"},
			{"-790", "2021-01-25T14:18:46.235Z"},
			{"-3210", "2021-02-05T16:33:06.386Z"},
			{"-1000", "2021-04-10T14:43:26.374Z"},
			{"8500", "2021-06-25T18:49:59.371Z"},
			{"-30", "2021-07-26T12:01:20.894Z"},
		},
	},
}

// SeedAccounts returns fresh copies of the built-in demo accounts.
func SeedAccounts() []Account {
	out := make([]Account, 0, len(seedData))
	for i, sa := range seedData {
		acc := Account{
			Owner:        sa.owner,
			Username:     Username(sa.owner),
			PIN:          sa.pin,
			InterestRate: decimal.RequireFromString(sa.rate),
			Currency:     sa.currency,
			Locale:       sa.locale,
			Movements:    make([]Movement, 0, len(sa.moves)),
		}
		for j, m := range sa.moves {
			at, err := time.Parse(time.RFC3339Nano, m.date)
			if err != nil {
				panic(fmt.Sprintf("seed %d movement %d: %v", i, j, err))
			}
			acc.Movements = append(acc.Movements, Movement{
				ID:     fmt.Sprintf("seed-%s-%02d", acc.Username, j+1),
				Amount: decimal.RequireFromString(m.amount),
				At:     at,
			})
		}
		out = append(out, acc)
	}
	return out
}

// Seed adds accounts to the ledger in order.
func (s *InMemory) Seed(ctx context.Context, accounts []Account) error {
	for _, acc := range accounts {
		if _, err := s.AddAccount(ctx, acc); err != nil {
			return fmt.Errorf("seed %q: %w", acc.Owner, err)
		}
	}
	return nil
}

// NewSeeded returns an InMemory ledger populated with SeedAccounts.
func NewSeeded(opts ...Option) *InMemory {
	s := NewInMemory(opts...)
	if err := s.Seed(context.Background(), SeedAccounts()); err != nil {
		panic(err)
	}
	return s
}
