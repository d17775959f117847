package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-dex/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	minOrders = 15
	maxOrders = 150
)

var (
	serverAddress = flag.String("addr", "http://localhost:8080", "exchange API address")
	numWorkers    = flag.Int("workers", 2, "concurrent traders")
	opsKey        = flag.String("ops-key", "ops", "admin api key")
	opsSecret     = flag.String("ops-secret", "ops-secret", "admin api secret")

	// mid prices the random book is built around, with base display decimals
	pairs = map[string]struct {
		mid    decimal.Decimal
		places int32
	}{
		"AVAX-USDC": {decimal.NewFromInt(30), 3},
		"BTC-USDC":  {decimal.NewFromInt(60000), 5},
	}
	traders = [][2]string{{"trader-1", "trader-1-secret"}, {"trader-2", "trader-2-secret"}}
	sides   = []types.Side{types.SideBuy, types.SideSell}
)

func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks latency for one API route. Workers share it.
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) record(d time.Duration, err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if err != nil {
		rs.failures++
	}
}

// calculate returns min, max, mean, median, p95 and p99.
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]
	return
}

// apiError is a rejection carrying the exchange outcome code.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d: %s %s", e.Status, e.Code, e.Message)
}

// simulationClient talks to the exchange as one account.
type simulationClient struct {
	baseURL   string
	account   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

func newStats() map[string]*routeStats {
	return map[string]*routeStats{
		"auth":    {name: "Authentication"},
		"deposit": {name: "Deposit"},
		"submit":  {name: "Submit Order"},
		"list":    {name: "Order List"},
		"cancel":  {name: "Cancel Order"},
		"cancels": {name: "Cancel List"},
		"get":     {name: "Get Order"},
		"book":    {name: "Book Depth"},
	}
}

func newSimulationClient(account, secret string, stats map[string]*routeStats) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: *serverAddress,
		account: account,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats:   stats,
	}

	token, err := sc.authenticate(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate %s: %w", account, err)
	}
	sc.authToken = token
	return sc, nil
}

// call performs one request, timing it under route and decoding the data
// field of the envelope into out.
func (sc *simulationClient) call(route, method, path string, body, out any) (err error) {
	start := time.Now()
	defer func() {
		sc.stats[route].record(time.Since(start), err)
	}()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sc.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+sc.authToken)
	}
	if method == http.MethodPost {
		req.Header.Set("Idempotency-Key", uuid.New().String())
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("route", route).Str("response", string(respBody)).Msg("API response")

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &envelope); err != nil {
			return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
		}
	}
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if envelope.Error != nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil && len(envelope.Data) > 0 {
		return json.Unmarshal(envelope.Data, out)
	}
	return nil
}

func (sc *simulationClient) authenticate(secret string) (string, error) {
	var result struct {
		Token string `json:"jwt_token"`
	}
	err := sc.call("auth", http.MethodPost, "/api/v1/auth/token", map[string]string{
		"api_key":    sc.account,
		"api_secret": secret,
	}, &result)
	return result.Token, err
}

func (sc *simulationClient) deposit(trader, currency string, amount decimal.Decimal) error {
	return sc.call("deposit", http.MethodPost, "/api/v1/internal/balances/deposit", map[string]any{
		"trader_id": trader,
		"currency":  currency,
		"amount":    amount,
	}, nil)
}

func (sc *simulationClient) submit(order types.NewOrder) (types.Order, error) {
	var result types.Order
	err := sc.call("submit", http.MethodPost, "/api/v1/orders", order, &result)
	return result, err
}

func (sc *simulationClient) submitList(orders []types.NewOrder) ([]types.Order, error) {
	var result []types.Order
	err := sc.call("list", http.MethodPost, "/api/v1/orders/list", map[string]any{"orders": orders}, &result)
	return result, err
}

func (sc *simulationClient) cancel(orderID string) error {
	return sc.call("cancel", http.MethodDelete, "/api/v1/orders/"+orderID, nil, nil)
}

func (sc *simulationClient) cancelList(orderIDs []string) error {
	return sc.call("cancels", http.MethodPost, "/api/v1/orders/cancel-list", map[string]any{"order_ids": orderIDs}, nil)
}

func (sc *simulationClient) getOrder(orderID string) (types.Order, error) {
	var result types.Order
	err := sc.call("get", http.MethodGet, "/api/v1/orders/"+orderID, nil, &result)
	return result, err
}

func (sc *simulationClient) book(pairID string, side types.Side) error {
	path := fmt.Sprintf("/api/v1/pairs/%s/book?side=%s&depth=10", url.PathEscape(pairID), side)
	return sc.call("book", http.MethodGet, path, nil, nil)
}

// tally aggregates order outcomes across workers.
type tally struct {
	mu       sync.Mutex
	statuses map[types.Status]int
	codes    map[string]int
	pairs    map[string]int
	filled   decimal.Decimal
}

func (t *tally) add(o types.Order) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statuses[o.Status]++
	t.pairs[o.PairID]++
	if o.Code != "" {
		t.codes[string(o.Code)]++
	}
	t.filled = t.filled.Add(o.FilledNotional)
}

func (t *tally) reject(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Code != "" {
		t.codes[apiErr.Code]++
		return
	}
	t.codes["transport"]++
}

func randomOrder(trader string) types.NewOrder {
	pairIDs := make([]string, 0, len(pairs))
	for id := range pairs {
		pairIDs = append(pairIDs, id)
	}
	sort.Strings(pairIDs)
	pairID := pairIDs[rand.Intn(len(pairIDs))]
	mid, places := pairs[pairID].mid, pairs[pairID].places
	side := sides[rand.Intn(len(sides))]

	// Bids rest below mid and asks above, with enough overlap to trade.
	offset := decimal.NewFromFloat(rand.Float64()*0.04 - 0.01)
	if side == types.SideSell {
		offset = offset.Neg()
	}
	price := mid.Mul(decimal.NewFromInt(1).Sub(offset)).Round(2)
	notional := decimal.NewFromInt(int64(rand.Intn(500) + 20))
	quantity := notional.Div(price).Round(places)

	order := types.NewOrder{
		ClientOrderID: uuid.New().String(),
		TraderID:      trader,
		PairID:        pairID,
		Side:          side,
		Kind:          types.KindLimit,
		TimeInForce:   types.GTC,
		STP:           types.CancelTaker,
		Price:         price,
		Quantity:      quantity,
	}
	switch r := rand.Intn(10); {
	case r == 0:
		order.TimeInForce = types.IOC
	case r == 1:
		order.TimeInForce = types.PostOnly
	case r == 2:
		order.TimeInForce = types.FOK
	}
	return order
}

// trade runs one trader's share of the load. Resting orders are
// occasionally canceled singly or as a list.
func trade(workerID, numOrders int, sc *simulationClient, t *tally) {
	var resting []string
	for i := 0; i < numOrders; i++ {
		logger := log.With().Int("worker_id", workerID).Str("trader", sc.account).Logger()

		var placed []types.Order
		if rand.Intn(5) == 0 {
			orders, err := sc.submitList([]types.NewOrder{randomOrder(sc.account), randomOrder(sc.account)})
			if err != nil {
				logger.Warn().Err(err).Msg("order list rejected")
				t.reject(err)
				continue
			}
			placed = orders
		} else {
			order, err := sc.submit(randomOrder(sc.account))
			if err != nil {
				logger.Warn().Err(err).Msg("order rejected")
				t.reject(err)
				continue
			}
			placed = []types.Order{order}
		}

		for _, o := range placed {
			t.add(o)
			if o.Status == types.StatusNew || o.Status == types.StatusPartial {
				resting = append(resting, o.ID)
			}
			logger.Info().
				Str("order_id", o.ID).
				Str("pair_id", o.PairID).
				Str("side", string(o.Side)).
				Str("status", string(o.Status)).
				Str("filled", o.FilledQuantity.String()).
				Msg("Order placed")
		}

		switch {
		case len(resting) > 4:
			if err := sc.cancelList(resting); err != nil {
				logger.Warn().Err(err).Msg("cancel list failed")
			}
			resting = resting[:0]
		case len(resting) > 0 && rand.Intn(4) == 0:
			id := resting[0]
			resting = resting[1:]
			if _, err := sc.getOrder(id); err != nil {
				logger.Warn().Err(err).Str("order_id", id).Msg("get order failed")
			}
			if err := sc.cancel(id); err != nil {
				logger.Debug().Err(err).Str("order_id", id).Msg("cancel failed")
			}
		}

		if i%10 == 0 {
			for id := range pairs {
				_ = sc.book(id, sides[rand.Intn(len(sides))])
			}
		}

		time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
	}
}

func printPerformanceStats(stats map[string]*routeStats) {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s := stats[k]
		min, max, mean, median, p95, p99 := s.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			s.name,
			s.totalCalls,
			s.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

func printCounts(title string, counts map[string]int) {
	fmt.Printf("\n%s\n%s\n", title, strings.Repeat("-", len(title)))
	largest := 0
	keys := make([]string, 0, len(counts))
	for k, v := range counts {
		keys = append(keys, k)
		if v > largest {
			largest = v
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		bar := strings.Repeat("#", int(float64(counts[k])/float64(largest)*20))
		fmt.Printf("%-16s: %s (%d)\n", k, bar, counts[k])
	}
}

// main drives a running exchange with random trading from several accounts.
func main() {
	flag.Parse()
	stats := newStats()

	ops, err := newSimulationClient(*opsKey, *opsSecret, stats)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize admin client")
	}

	clients := make([]*simulationClient, 0, len(traders))
	for _, cred := range traders {
		sc, err := newSimulationClient(cred[0], cred[1], stats)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize trader client")
		}
		clients = append(clients, sc)

		for currency, amount := range map[string]int64{"USDC": 10_000_000, "AVAX": 100_000, "BTC": 100} {
			if err := ops.deposit(cred[0], currency, decimal.NewFromInt(amount)); err != nil {
				log.Fatal().Err(err).Str("trader", cred[0]).Msg("Failed to fund trader")
			}
		}
	}

	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Int("workers", *numWorkers).Msg("Starting simulation")

	t := &tally{
		statuses: make(map[types.Status]int),
		codes:    make(map[string]int),
		pairs:    make(map[string]int),
	}
	start := time.Now()

	perWorker := targetOrders / *numWorkers
	var wg sync.WaitGroup
	for i := 0; i < *numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			trade(workerID, perWorker, clients[workerID%len(clients)], t)
		}(i)
	}
	wg.Wait()

	duration := time.Since(start)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("TRADING SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration:         %v\nFilled Notional:  %s\n", duration.Round(time.Millisecond), t.filled.StringFixed(2))

	statuses := make(map[string]int, len(t.statuses))
	total := 0
	for s, n := range t.statuses {
		statuses[string(s)] = n
		total += n
	}
	printCounts("Order Status", statuses)
	printCounts("Pair Distribution", t.pairs)
	if len(t.codes) > 0 {
		printCounts("Outcome Codes", t.codes)
	}
	fmt.Println("\n" + strings.Repeat("=", 80))

	log.Info().
		Int("orders", total).
		Int("filled", t.statuses[types.StatusFilled]).
		Str("filled_notional", t.filled.String()).
		Dur("duration", duration).
		Msg("Simulation completed")

	printPerformanceStats(stats)
}
