package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"IntentMesh/sdk/go/intentmesh"
)

// 向运行中的节点提交意图，等待撮合后确认成交并打印结算引用。
func main() {
	baseURL := flag.String("url", "http://localhost:8080", "node control API")
	token := flag.String("token", os.Getenv("INTENTMESH_TOKEN"), "bearer token")
	payload := flag.String("payload", "buy 10 units under price 95", "intent description")
	bid := flag.Int64("bid", 90, "bid, 0 asks the node to recommend one")
	accept := flag.Bool("accept", true, "accept the negotiated deal")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client, err := intentmesh.NewClient(*baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}
	client.SetAccessToken(*token)

	created, err := client.Submit(ctx, intentmesh.Submission{Payload: *payload, Bid: *bid})
	if err != nil {
		log.Fatalf("submit: %v", err)
	}
	fmt.Printf("submitted intent %s (bid=%d, state=%s)\n", created.ID, created.Bid, created.State)

	current, err := client.WaitFor(ctx, created.ID, time.Second, func(i intentmesh.Intent) bool {
		return i.State == "Deciding"
	})
	if err != nil {
		log.Fatalf("wait for match: %v", err)
	}
	if current.Terminal() {
		fmt.Printf("intent ended in %s: %s %s\n", current.State, current.Reason, current.Detail)
		return
	}
	fmt.Printf("matched with %s at price %d\n", current.Negotiation.Counterparty, current.Negotiation.AgreedPrice)

	if !*accept {
		if _, err := client.Reject(ctx, created.ID, "declined from example"); err != nil {
			log.Fatalf("reject: %v", err)
		}
		fmt.Println("deal rejected")
		return
	}
	if _, err := client.Accept(ctx, created.ID); err != nil {
		log.Fatalf("accept: %v", err)
	}

	final, err := client.WaitFor(ctx, created.ID, time.Second, func(intentmesh.Intent) bool { return false })
	if err != nil {
		log.Fatalf("wait for settlement: %v", err)
	}
	if final.State != "Settled" {
		fmt.Printf("intent failed: %s %s\n", final.Reason, final.Detail)
		return
	}
	fmt.Printf("settled: transfer=%s commitment=%s\n", final.Settlement.TransferRef, final.Settlement.CommitmentRef)
}
