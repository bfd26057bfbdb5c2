// Command examples runs a task end to end against an AgentBounty server:
// log in, create a fact-check task, wait for it and unlock the result.
//
//	AGENTBOUNTY_URL=http://localhost:8000 AGENTBOUNTY_EMAIL=... \
//	AGENTBOUNTY_PASSWORD=... AGENTBOUNTY_PAYER_KEY=0x... go run ./sdk/go/examples
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"AgentBounty/sdk/go/agentbounty"
)

func main() {
	baseURL := envOr("AGENTBOUNTY_URL", "http://localhost:8000")
	client, err := agentbounty.NewClient(baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	user, err := client.Login(ctx, os.Getenv("AGENTBOUNTY_EMAIL"), os.Getenv("AGENTBOUNTY_PASSWORD"))
	if err != nil {
		log.Fatalf("login: %v", err)
	}
	fmt.Printf("logged in as %s\n", user.Email)

	t, err := client.CreateTask(ctx, "factcheck", map[string]string{"mode": "text", "text": "Lightning never strikes the same place twice."})
	if err != nil {
		log.Fatalf("create task: %v", err)
	}
	if _, err := client.StartTask(ctx, t.ID); err != nil {
		log.Fatalf("start task: %v", err)
	}
	t, err = client.WaitForTask(ctx, t.ID, 3*time.Second)
	if err != nil {
		log.Fatalf("wait: %v", err)
	}
	fmt.Printf("task %s finished with status %s\n", t.ID, t.Status)
	if t.Status != "completed" {
		return
	}

	rawKey := strings.TrimPrefix(os.Getenv("AGENTBOUNTY_PAYER_KEY"), "0x")
	if rawKey == "" {
		log.Fatal("AGENTBOUNTY_PAYER_KEY is required to pay for the result")
	}
	key, err := crypto.HexToECDSA(rawKey)
	if err != nil {
		log.Fatalf("payer key: %v", err)
	}
	if _, err := client.ConnectKey(ctx, key); err != nil {
		log.Fatalf("connect wallet: %v", err)
	}

	res, err := client.Unlock(ctx, t.ID, key)
	if errors.Is(err, agentbounty.ErrApprovalPending) {
		fmt.Printf("approval %s pending, check your e-mail\n", res.ApprovalRequestID)
		return
	}
	if err != nil {
		log.Fatalf("unlock: %v", err)
	}
	fmt.Println(res.Content)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
