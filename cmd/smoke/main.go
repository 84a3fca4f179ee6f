package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"bankist.org/internal/bank/remote"
)

func main() {
	addr := os.Getenv("BANKIST_GRPC_ADDR")
	if addr == "" {
		addr = "localhost:9090"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	client, err := remote.Dial(ctx, addr)
	cancel()
	if err != nil {
		log.Fatalf("dial bankist at %s: %v", addr, err)
	}
	defer client.Close()

	ctxOp, cancelOp := remote.WithTimeout(context.Background(), 15*time.Second)
	defer cancelOp()

	info, err := client.Info(ctxOp)
	if err != nil {
		log.Fatalf("info: %v", err)
	}

	before, err := client.Login(ctxOp, "jd", 2222)
	if err != nil {
		log.Fatalf("login: %v", err)
	}

	amount := decimal.NewFromInt(42)
	after, err := client.Transfer(ctxOp, "js", amount)
	if err != nil {
		log.Fatalf("transfer: %v", err)
	}
	if !before.Balance.Sub(amount).Equal(after.Balance) {
		log.Fatalf("unexpected balance: before=%s after=%s", before.Balance, after.Balance)
	}

	_, loan, err := client.RequestLoan(ctxOp, decimal.NewFromInt(100))
	if err != nil {
		log.Fatalf("loan: %v", err)
	}
	wait := time.Duration(info.LoanDelaySeconds*float64(time.Second)) + 500*time.Millisecond
	time.Sleep(wait)

	credited, err := client.View(ctxOp)
	if err != nil {
		log.Fatalf("view: %v", err)
	}
	if !after.Balance.Add(loan.Amount).Equal(credited.Balance) {
		log.Fatalf("loan not credited: balance=%s", credited.Balance)
	}

	if _, err := client.Logout(ctxOp); err != nil {
		log.Fatalf("logout: %v", err)
	}

	fmt.Printf("✅ bankist smoke test passed: %s %s, loan=%s, balance=%s\n", info.Name, info.Version, loan.ID, credited.Balance)
}
