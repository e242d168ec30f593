package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/reviewzone/reward-fulfillment/internal/config"
	"github.com/reviewzone/reward-fulfillment/internal/database"
	"github.com/reviewzone/reward-fulfillment/internal/model"
	"github.com/reviewzone/reward-fulfillment/internal/repository"
)

// stressResult gathers aggregated counters for the run. Atomics avoid
// lock contention on the hot path.
type stressResult struct {
	TotalRequests int64
	Fulfilled     int64
	Exhausted     int64
	OtherFailed   int64
	LatencySum    int64 // nanoseconds
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Fulfillment service base URL")
	reviews := flag.Int("reviews", 500, "Number of reviews to seed and fulfill")
	units := flag.Int("units", 250, "Number of reward units to seed (less than reviews forces exhaustion)")
	workers := flag.Int("workers", 50, "Concurrent workers")
	rps := flag.Int("rps", 200, "Target requests per second")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := database.NewDB(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	reviewIDs, giveaway, err := seed(ctx, db, *reviews, *units)
	if err != nil {
		log.Fatalf("Failed to seed data: %v", err)
	}
	log.Printf("Seeded %d reviews and %d reward units for giveaway %s", *reviews, *units, giveaway)

	transport := &http.Transport{
		MaxIdleConns:        *workers * 4,
		MaxIdleConnsPerHost: *workers * 4,
		IdleConnTimeout:     90 * time.Second,
	}
	httpClient := &http.Client{
		Transport: transport,
		Timeout:   30 * time.Second,
	}

	limiter := rate.NewLimiter(rate.Limit(*rps), *workers)
	jobs := make(chan string, len(reviewIDs))
	for _, id := range reviewIDs {
		jobs <- id
	}
	close(jobs)

	var result stressResult
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for reviewID := range jobs {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				fulfillOne(httpClient, *baseURL, reviewID, &result)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	consumed, err := countConsumed(ctx, db, giveaway)
	if err != nil {
		log.Fatalf("Failed to count consumed units: %v", err)
	}

	total := atomic.LoadInt64(&result.TotalRequests)
	fulfilled := atomic.LoadInt64(&result.Fulfilled)
	avgLatency := time.Duration(0)
	if total > 0 {
		avgLatency = time.Duration(atomic.LoadInt64(&result.LatencySum) / total)
	}

	fmt.Println("==========================================")
	fmt.Println("Reward fulfillment stress run")
	fmt.Println("==========================================")
	fmt.Printf("Requests      : %d in %v (%.1f rps)\n", total, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds())
	fmt.Printf("Fulfilled     : %d\n", fulfilled)
	fmt.Printf("Exhausted     : %d\n", atomic.LoadInt64(&result.Exhausted))
	fmt.Printf("Other failures: %d\n", atomic.LoadInt64(&result.OtherFailed))
	fmt.Printf("Avg latency   : %v\n", avgLatency.Round(time.Microsecond))
	fmt.Printf("Units consumed: %d\n", consumed)

	// Every fulfilled request must map to exactly one consumed unit.
	if consumed != fulfilled {
		fmt.Printf("MISMATCH: %d fulfilled but %d units consumed\n", fulfilled, consumed)
		os.Exit(1)
	}
	fmt.Println("OK: consumed units match fulfilled requests")
}

// seed provisions a product, reviews, and a reward pool for one fresh
// giveaway. Half the units are coupons pre-assigned to review owners, the
// rest shared vouchers.
func seed(ctx context.Context, db *database.DB, reviewCount, unitCount int) ([]string, string, error) {
	reviewRepo := repository.NewReviewRepository()
	rewardRepo := repository.NewRewardRepository()

	giveaway := "stress-" + uuid.NewString()[:8]
	product := &model.Product{
		ID:       uuid.NewString(),
		Name:     "Stress Product",
		Giveaway: giveaway,
	}
	if err := reviewRepo.CreateProduct(ctx, db.Conn, product); err != nil {
		return nil, "", err
	}

	reviewIDs := make([]string, 0, reviewCount)
	userIDs := make([]string, 0, reviewCount)
	for i := 0; i < reviewCount; i++ {
		review := &model.Review{
			ID:        uuid.NewString(),
			UserID:    uuid.NewString(),
			Email:     fmt.Sprintf("user%d@example.com", i),
			ProductID: product.ID,
		}
		if err := reviewRepo.CreateReview(ctx, db.Conn, review); err != nil {
			return nil, "", err
		}
		reviewIDs = append(reviewIDs, review.ID)
		userIDs = append(userIDs, review.UserID)
	}

	for i := 0; i < unitCount; i++ {
		unit := &model.RewardUnit{
			ID:       uuid.NewString(),
			Pool:     model.PoolVoucher,
			Code:     "STRESS-" + uuid.NewString()[:8],
			Giveaway: giveaway,
		}
		if i%2 == 0 && i < len(userIDs) {
			unit.Pool = model.PoolCoupon
			unit.UserID = &userIDs[i]
		}
		if err := rewardRepo.CreateUnit(ctx, db.Conn, unit); err != nil {
			return nil, "", err
		}
	}

	return reviewIDs, giveaway, nil
}

func fulfillOne(client *http.Client, baseURL, reviewID string, result *stressResult) {
	payload, _ := json.Marshal(map[string]string{"review_id": reviewID})

	start := time.Now()
	resp, err := client.Post(baseURL+"/fulfill", "application/json", bytes.NewReader(payload))
	atomic.AddInt64(&result.LatencySum, int64(time.Since(start)))
	atomic.AddInt64(&result.TotalRequests, 1)

	if err != nil {
		atomic.AddInt64(&result.OtherFailed, 1)
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		atomic.AddInt64(&result.Fulfilled, 1)
	case http.StatusConflict:
		atomic.AddInt64(&result.Exhausted, 1)
	default:
		atomic.AddInt64(&result.OtherFailed, 1)
	}
}

func countConsumed(ctx context.Context, db *database.DB, giveaway string) (int64, error) {
	query := db.Conn.Rebind(`
		SELECT COUNT(*) FROM reward_units WHERE giveaway = ? AND status = ?
	`)

	var count int64
	if err := db.Conn.GetContext(ctx, &count, query, giveaway, model.UnitConsumed); err != nil {
		return 0, err
	}
	return count, nil
}
