package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"TrustNet-Chain/sdk/go/trustnet"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/session", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(trustnet.OperatorHeader) != "demo-operator" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(trustnet.Session{
			Address:   "0x00000000000000000000000000000000000000a1",
			ChainID:   "1337",
			IssuedAt:  time.Now().UTC(),
			ExpiresAt: time.Now().Add(time.Hour).UTC(),
			Token:     "demo-token",
		})
	})
	mux.HandleFunc("/api/v1/evidence/document", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"operation": trustnet.Operation{
			ID: "op-demo", Kind: "score_run", Status: "pending", MaxRetries: 1,
		}})
	})
	mux.HandleFunc("/api/v1/operations/op-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"operation": trustnet.Operation{
			ID: "op-demo", Kind: "score_run", Status: "succeeded", Attempts: 1, MaxRetries: 1,
			Result: &trustnet.OperationResult{Scores: &trustnet.Scores{Overall: 72, Financial: 60, Professional: 85, Social: 71}},
		}})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := trustnet.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client.SetOperatorToken("demo-operator")
	sess, err := client.BeginSession(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("session opened for %s on chain %s\n", sess.Address, sess.ChainID)

	op, err := client.SubmitDocument(ctx, "resume.txt", strings.NewReader("ten years of distributed systems"))
	if err != nil {
		panic(err)
	}
	fmt.Printf("queued operation %s (status=%s)\n", op.ID, op.Status)

	done, err := client.WaitForOperation(ctx, op.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("operation %s finished with overall score %d\n", done.ID, done.Result.Scores.Overall)
}
