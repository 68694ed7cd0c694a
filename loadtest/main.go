package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

var (
	baseURL   = flag.String("base", "http://localhost:8080", "gateway base URL")
	pairCount = flag.Int("pairs", 50, "participant pairs, each sharing one room")
	msgCount  = flag.Int("messages", 20, "messages per participant")
	settle    = flag.Duration("settle", 5*time.Second, "how long to wait for views to converge")
)

type authResponse struct {
	Token string `json:"access_token"`
	ID    string `json:"id"`
}

type view struct {
	Conversation struct {
		ID       string `json:"id"`
		Messages []struct {
			ID   string `json:"id"`
			Body struct {
				Text string `json:"text"`
			} `json:"body"`
		} `json:"messages"`
	} `json:"conversation"`
}

var converged, diverged atomic.Int64

func main() {
	flag.Parse()
	log.Printf("🔥 STARTING STRESS TEST: %d participants, %d messages each...", *pairCount*2, *msgCount)

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(64)
	for i := 0; i < *pairCount; i++ {
		pairID := i
		g.Go(func() error { return runPair(ctx, pairID) })
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("❌ LOAD TEST FAILED: %v", err)
	}
	log.Printf("✅ LOAD TEST COMPLETE: %d rooms converged, %d diverged", converged.Load(), diverged.Load())
}

func runPair(ctx context.Context, pairID int) error {
	run := uuid.NewString()[:8]
	userA := fmt.Sprintf("u_%s_%d_a", run, pairID)
	userB := fmt.Sprintf("u_%s_%d_b", run, pairID)
	pass := "password123"

	a, err := authenticate(userA, pass)
	if err != nil {
		return err
	}
	b, err := authenticate(userB, pass)
	if err != nil {
		return err
	}

	// Both join before anyone speaks so every message is inside both horizons.
	roomID := "load-" + run + "-" + fmt.Sprint(pairID)
	room := map[string]any{"id": roomID, "title": "Load " + fmt.Sprint(pairID), "kind": "shared-room", "participants": []string{a.ID, b.ID}}
	if err := call(http.MethodPost, "/api/conversations", a.Token, room, nil); err != nil {
		return fmt.Errorf("open room: %w", err)
	}
	if err := call(http.MethodPost, "/api/conversations", b.Token, map[string]any{"id": roomID}, nil); err != nil {
		return fmt.Errorf("join room: %w", err)
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { return spamChat(a.Token, roomID, userA) })
	g.Go(func() error { return spamChat(b.Token, roomID, userB) })
	if err := g.Wait(); err != nil {
		return err
	}

	want := 2 * *msgCount
	deadline := time.Now().Add(*settle)
	for {
		na, errA := countLoad(a.Token, roomID)
		nb, errB := countLoad(b.Token, roomID)
		if errA == nil && errB == nil && na == want && nb == want {
			converged.Add(1)
			return nil
		}
		if time.Now().After(deadline) {
			log.Printf("⚠️ room %s did not converge: a=%d b=%d want=%d", roomID, na, nb, want)
			diverged.Add(1)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// authenticate registers (ignores error if exists) and logs in.
func authenticate(username, password string) (authResponse, error) {
	creds := map[string]string{"username": username, "password": password}
	_ = call(http.MethodPost, "/register", "", creds, nil)

	var res authResponse
	if err := call(http.MethodPost, "/login", "", creds, &res); err != nil {
		return authResponse{}, fmt.Errorf("login %s: %w", username, err)
	}
	return res, nil
}

func spamChat(token, roomID, user string) error {
	u := strings.Replace(*baseURL, "http", "ws", 1) + "/ws?" + url.Values{"token": {token}, "conversation": {roomID}}.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		return fmt.Errorf("ws connect %s: %w", user, err)
	}
	defer conn.Close()

	// Drain view frames so the server never blocks on us.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for i := 0; i < *msgCount; i++ {
		cmd := map[string]any{"type": "message", "text": fmt.Sprintf("LoadTest Msg %d from %s", i, user)}
		if err := conn.WriteJSON(cmd); err != nil {
			return fmt.Errorf("send %s: %w", user, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	log.Printf("✅ %s finished sending %d msgs", user, *msgCount)
	return nil
}

func countLoad(token, roomID string) (int, error) {
	var v view
	if err := call(http.MethodGet, "/api/conversations/"+roomID, token, nil, &v); err != nil {
		return 0, err
	}
	n := 0
	for _, m := range v.Conversation.Messages {
		if strings.HasPrefix(m.Body.Text, "LoadTest Msg") {
			n++
		}
	}
	return n, nil
}

func call(method, path, token string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, *baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
