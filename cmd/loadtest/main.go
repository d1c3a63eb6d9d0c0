package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type User struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	// client carries the user's session cookie
	client *http.Client
	// chats this user belongs to, filled in during setup
	Chats []string `json:"-"`
}

type OperationType int

const (
	WriteOperation OperationType = iota
	ReadOperation
)

const password = "testpass123"

type Stats struct {
	sync.Mutex
	totalRequests     int64
	successRequests   int64
	failedRequests    int64
	totalLatency      time.Duration
	maxLatency        time.Duration
	minLatency        time.Duration
	requestsPerSecond float64
	writeLatencies    []time.Duration
	readLatencies     []time.Duration
}

func (s *Stats) recordSuccess(latency time.Duration, opType OperationType) {
	s.Lock()
	defer s.Unlock()
	s.totalRequests++
	s.successRequests++
	s.totalLatency += latency
	if latency > s.maxLatency {
		s.maxLatency = latency
	}
	if s.minLatency == 0 || latency < s.minLatency {
		s.minLatency = latency
	}

	switch opType {
	case WriteOperation:
		s.writeLatencies = append(s.writeLatencies, latency)
	case ReadOperation:
		s.readLatencies = append(s.readLatencies, latency)
	}
}

func (s *Stats) recordError() {
	s.Lock()
	defer s.Unlock()
	s.totalRequests++
	s.failedRequests++
}

func (s *Stats) calculateStats(duration time.Duration) {
	s.Lock()
	defer s.Unlock()
	s.requestsPerSecond = float64(s.totalRequests) / duration.Seconds()
}

func (s *Stats) getP99Latency(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	p99Index := int(float64(len(sorted)) * 0.99)
	if p99Index >= len(sorted) {
		p99Index = len(sorted) - 1
	}
	return sorted[p99Index]
}

func (s *Stats) getP99WriteLatency() time.Duration {
	s.Lock()
	defer s.Unlock()
	return s.getP99Latency(s.writeLatencies)
}

func (s *Stats) getP99ReadLatency() time.Duration {
	s.Lock()
	defer s.Unlock()
	return s.getP99Latency(s.readLatencies)
}

type runner struct {
	baseURL string
	runID   string
}

func (r *runner) newClient() *http.Client {
	jar, _ := cookiejar.New(nil)
	return &http.Client{Timeout: 5 * time.Second, Jar: jar}
}

// call sends a JSON request and decodes a JSON response into out when it is non-nil.
func (r *runner) call(ctx context.Context, client *http.Client, method, path string, body, out any) (int, error) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (r *runner) registerUser(ctx context.Context, id int) (*User, error) {
	name := fmt.Sprintf("lt_%s_%d", r.runID, id)
	client := r.newClient()
	status, err := r.call(ctx, client, "POST", "/session/signup", map[string]string{
		"username":        name,
		"email":           name + "@loadtest.local",
		"password":        password,
		"confirmPassword": password,
	}, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated {
		return nil, fmt.Errorf("signup failed with status: %d", status)
	}

	var login struct {
		User User `json:"user"`
	}
	status, err = r.call(ctx, client, "POST", "/session/login", map[string]string{
		"email":    name + "@loadtest.local",
		"password": password,
	}, &login)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("login failed with status: %d", status)
	}

	login.User.client = client
	return &login.User, nil
}

// pairUsers opens a chat between each user and the next one, wrapping around.
func (r *runner) pairUsers(ctx context.Context, users []*User, concurrency int) error {
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i := range users {
		a, b := users[i], users[(i+1)%len(users)]
		if a == b {
			continue
		}
		g.Go(func() error {
			var resp struct {
				ChatID string `json:"chatId"`
			}
			status, err := r.call(ctx, a.client, "POST", "/chats", map[string]string{
				"userId":  b.ID,
				"message": "hello from " + a.Username,
			}, &resp)
			if err != nil {
				return err
			}
			if status != http.StatusCreated && status != http.StatusOK {
				return fmt.Errorf("chat creation failed with status: %d", status)
			}
			mu.Lock()
			a.Chats = append(a.Chats, resp.ChatID)
			b.Chats = append(b.Chats, resp.ChatID)
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (r *runner) simulateUser(ctx context.Context, logger zerolog.Logger, user *User, rate int, stats *Stats) {
	if len(user.Chats) == 0 {
		return
	}

	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		chatID := user.Chats[rand.Intn(len(user.Chats))]
		isWrite := rand.Float32() < 0.5

		var (
			status int
			err    error
			op     OperationType
		)
		start := time.Now()
		if isWrite {
			op = WriteOperation
			status, err = r.call(ctx, user.client, "POST", "/messages?chatId="+chatID, map[string]string{
				"message": fmt.Sprintf("message from %s at %s", user.Username, time.Now().Format(time.RFC3339)),
			}, nil)
		} else {
			op = ReadOperation
			status, err = r.call(ctx, user.client, "GET", "/messages?chatId="+chatID+"&limit=50", nil, nil)
		}
		latency := time.Since(start)

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			stats.recordError()
			logger.Debug().Err(err).Msg("request failed")
			continue
		}
		if status != http.StatusOK && status != http.StatusCreated {
			stats.recordError()
			logger.Debug().Int("status", status).Msg("error response")
			continue
		}
		stats.recordSuccess(latency, op)
	}
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Server base URL")
	numUsers := flag.Int("users", 1000, "Number of simulated users")
	rate := flag.Int("rate", 1, "Requests per second per user")
	duration := flag.Duration("duration", 60*time.Second, "Simulation time")
	concurrency := flag.Int("concurrency", 50, "Parallel requests during setup")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()

	logger.Info().
		Int("users", *numUsers).
		Int("rate", *rate).
		Dur("duration", *duration).
		Msg("starting load test; run the server with -loadtest to use a separate database")

	r := &runner{
		baseURL: *baseURL,
		runID:   fmt.Sprintf("%x", time.Now().Unix()),
	}
	ctx := context.Background()

	users := make([]*User, *numUsers)
	var failures int
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(*concurrency)

	startTime := time.Now()
	for i := 0; i < *numUsers; i++ {
		i := i
		g.Go(func() error {
			user, err := r.registerUser(ctx, i)
			if err != nil {
				mu.Lock()
				failures++
				if failures <= 10 {
					logger.Warn().Err(err).Int("user", i).Msg("failed to register user")
				}
				mu.Unlock()
				return nil
			}
			users[i] = user
			return nil
		})
	}
	g.Wait()

	registration := time.Since(startTime)
	logger.Info().
		Dur("elapsed", registration).
		Float64("users_per_sec", float64(*numUsers)/registration.Seconds()).
		Int("failed", failures).
		Msg("user registration completed")

	registered := make([]*User, 0, len(users))
	for _, u := range users {
		if u != nil {
			registered = append(registered, u)
		}
	}
	if len(registered) < *numUsers/2 || len(registered) < 2 {
		logger.Fatal().Int("registered", len(registered)).Msg("too many registration failures, aborting load test")
	}

	if err := r.pairUsers(ctx, registered, *concurrency); err != nil {
		logger.Warn().Err(err).Msg("some chats could not be created")
	}
	logger.Info().Int("users", len(registered)).Msg("chats created")

	stats := &Stats{}
	runCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	var wg sync.WaitGroup
	start := time.Now()
	for _, user := range registered {
		wg.Add(1)
		go func(u *User) {
			defer wg.Done()
			r.simulateUser(runCtx, logger, u, *rate, stats)
		}(user)
	}
	wg.Wait()
	elapsed := time.Since(start)

	stats.calculateStats(elapsed)

	var avg time.Duration
	if stats.successRequests > 0 {
		avg = stats.totalLatency / time.Duration(stats.successRequests)
	}
	logger.Info().
		Int64("total", stats.totalRequests).
		Int64("succeeded", stats.successRequests).
		Int64("failed", stats.failedRequests).
		Dur("avg_latency", avg).
		Dur("min_latency", stats.minLatency).
		Dur("max_latency", stats.maxLatency).
		Dur("p99_write", stats.getP99WriteLatency()).
		Dur("p99_read", stats.getP99ReadLatency()).
		Float64("rps", stats.requestsPerSecond).
		Dur("elapsed", elapsed).
		Msg("load test results")
}
