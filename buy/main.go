package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"flash-queue/handler"
	"flash-queue/logger"
	"flash-queue/model"
	"flash-queue/service"

	"github.com/spf13/pflag"
)

// buy floods one item with joins from distinct users, polls every ticket
// until it is decided, and prints how the sale went.
func main() {
	baseURL := pflag.String("url", "http://localhost:8080", "flash-sale api base url")
	itemID := pflag.Int64("item", 1, "item to buy")
	users := pflag.Int("users", 5000, "number of concurrent users")
	poll := pflag.Duration("poll", time.Second, "status poll interval")
	pflag.Parse()

	log := logger.Init("buy", "info", "text")
	client := &http.Client{
		Timeout:   10 * time.Second,
		Transport: &http.Transport{MaxIdleConnsPerHost: 1000},
	}

	var (
		mu       sync.Mutex
		outcomes = map[model.Status]int{}
		winners  []int64
		wg       sync.WaitGroup
	)
	start := time.Now()

	for i := 0; i < *users; i++ {
		wg.Add(1)
		go func(user int) {
			defer wg.Done()

			status, snap := buyOnce(client, *baseURL, *itemID, fmt.Sprintf("user_%d", user), *poll, log)

			mu.Lock()
			defer mu.Unlock()
			outcomes[status]++
			if status == model.StatusSuccess && snap != nil && snap.EnqueueSeq != nil {
				winners = append(winners, *snap.EnqueueSeq)
			}
		}(i)
	}
	wg.Wait()

	sort.Slice(winners, func(i, j int) bool { return winners[i] < winners[j] })
	fmt.Printf("%d users in %s\n", *users, time.Since(start).Round(time.Millisecond))
	for _, st := range []model.Status{model.StatusSuccess, model.StatusSoldOut, model.StatusError, model.StatusExpired, ""} {
		if n := outcomes[st]; n > 0 {
			label := string(st)
			if label == "" {
				label = "REQUEST_FAILED"
			}
			fmt.Printf("  %-14s %d\n", label, n)
		}
	}
	if len(winners) > 0 {
		fmt.Printf("  winning enqueue seqs: %d..%d\n", winners[0], winners[len(winners)-1])
	}
}

// buyOnce joins and polls until the ticket is terminal. An empty status
// means a request failed.
func buyOnce(client *http.Client, baseURL string, itemID int64, userID string, poll time.Duration, log *slog.Logger) (model.Status, *service.StatusSnapshot) {
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/flashsale/items/%d/join", baseURL, itemID), nil)
	if err != nil {
		return "", nil
	}
	req.Header.Set(handler.UserHeader, userID)

	var joined service.JoinResult
	if err := do(client, req, http.StatusAccepted, &joined); err != nil {
		log.Warn("join failed", "user", userID, "error", err)
		return "", nil
	}

	statusURL := fmt.Sprintf("%s/flashsale/tickets/%s", baseURL, joined.TicketID)
	for {
		time.Sleep(poll)

		req, err := http.NewRequest(http.MethodGet, statusURL, nil)
		if err != nil {
			return "", nil
		}
		var snap service.StatusSnapshot
		if err := do(client, req, http.StatusOK, &snap); err != nil {
			log.Warn("status failed", "user", userID, "ticket", joined.TicketID, "error", err)
			return "", nil
		}
		if snap.Status.IsTerminal() {
			return snap.Status, &snap
		}
	}
}

func do(client *http.Client, req *http.Request, want int, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var e handler.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("http %d: %s %s", resp.StatusCode, e.Code, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
