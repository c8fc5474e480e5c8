package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-queue/internal/logging"
)

type SimConfig struct {
	APIBaseURL    string
	Duration      time.Duration
	ClinicID      string
	Departments   []string
	FrontDesk     int
	Staff         int
	Readers       int
	UrgentRatio   float64
	NoAnswerRatio float64
	CancelRatio   float64
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, pct int) int {
	idx := n * pct / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	CheckIn    OperationMetrics
	CallNext   OperationMetrics
	Start      OperationMetrics
	Finish     OperationMetrics
	Requeue    OperationMetrics
	ListQueue  OperationMetrics
	EmptyCalls int64
}

type entryResponse struct {
	ID      uuid.UUID `json:"id"`
	Version int64     `json:"version"`
	Ticket  int64     `json:"ticketNumber"`
}

type Simulator struct {
	config  SimConfig
	client  *http.Client
	metrics Metrics
	logger  zerolog.Logger
}

func main() {
	_ = godotenv.Load()
	logger := logging.New(getEnv("APP_ENV", "dev"), getEnv("LOG_LEVEL", "info"))

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	logger.Info().
		Dur("duration", cfg.Duration).
		Str("clinic", cfg.ClinicID).
		Strs("departments", cfg.Departments).
		Int("front_desk", cfg.FrontDesk).
		Int("staff", cfg.Staff).
		Int("readers", cfg.Readers).
		Msg("simulator starting")

	sim := &Simulator{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	return SimConfig{
		APIBaseURL:    getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:      envOr("SIM_DURATION", 30*time.Second, time.ParseDuration),
		ClinicID:      getEnv("SIM_CLINIC_ID", "clinic-sim"),
		Departments:   strings.Split(getEnv("SIM_DEPARTMENTS", "general,lab,pharmacy"), ","),
		FrontDesk:     envOr("SIM_FRONT_DESK", 4, strconv.Atoi),
		Staff:         envOr("SIM_STAFF", 6, strconv.Atoi),
		Readers:       envOr("SIM_READERS", 2, strconv.Atoi),
		UrgentRatio:   envOr("SIM_URGENT_RATIO", 0.1, parseFloat),
		NoAnswerRatio: envOr("SIM_NO_ANSWER_RATIO", 0.1, parseFloat),
		CancelRatio:   envOr("SIM_CANCEL_RATIO", 0.05, parseFloat),
	}
}

func validateConfig(cfg SimConfig) error {
	if cfg.FrontDesk <= 0 || cfg.Staff <= 0 {
		return fmt.Errorf("SIM_FRONT_DESK and SIM_STAFF must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.ClinicID == "" || len(cfg.Departments) == 0 {
		return fmt.Errorf("SIM_CLINIC_ID and SIM_DEPARTMENTS are required")
	}
	return nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	spawn := func(n int, fn func(ctx context.Context, id int)) {
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				fn(ctx, id)
			}(i)
		}
	}

	spawn(s.config.FrontDesk, s.frontDesk)
	spawn(s.config.Staff, s.staff)
	spawn(s.config.Readers, s.reader)

	wg.Wait()
	s.logger.Info().Msg("simulation complete")
}

// frontDesk checks in fake patients at a steady pace.
func (s *Simulator) frontDesk(ctx context.Context, id int) {
	faker := gofakeit.New(0)
	actor := fmt.Sprintf("desk-%d", id)

	for ctx.Err() == nil {
		dept := s.config.Departments[faker.Number(0, len(s.config.Departments)-1)]
		priority := "normal"
		if faker.Float64() < s.config.UrgentRatio {
			priority = faker.RandomString([]string{"urgent", "emergency"})
		}

		body := map[string]string{
			"patient_ref": "patient-" + faker.Regex("[0-9]{8}"),
			"priority":    priority,
		}
		path := fmt.Sprintf("/clinics/%s/departments/%s/queue", s.config.ClinicID, dept)
		status, _, latency := s.post(ctx, actor, path, body)
		if ctx.Err() != nil {
			return
		}
		s.metrics.CheckIn.Record(latency, status == http.StatusCreated, status == http.StatusConflict)

		sleep(ctx, time.Duration(faker.Number(20, 120))*time.Millisecond)
	}
}

// staff drives one room through call, start and finish.
func (s *Simulator) staff(ctx context.Context, id int) {
	faker := gofakeit.New(0)
	actor := fmt.Sprintf("staff-%d", id)
	dept := s.config.Departments[id%len(s.config.Departments)]
	room := fmt.Sprintf("%s-room-%d", dept, id)

	for ctx.Err() == nil {
		path := fmt.Sprintf("/clinics/%s/departments/%s/queue/call-next", s.config.ClinicID, dept)
		status, entry, latency := s.post(ctx, actor, path, map[string]string{"room": room})
		if ctx.Err() != nil {
			return
		}
		if status == http.StatusNotFound {
			atomic.AddInt64(&s.metrics.EmptyCalls, 1)
			sleep(ctx, 100*time.Millisecond)
			continue
		}
		s.metrics.CallNext.Record(latency, status == http.StatusOK, status == http.StatusConflict)
		if status != http.StatusOK {
			continue
		}

		if faker.Float64() < s.config.NoAnswerRatio {
			status, _, latency = s.post(ctx, actor, entryPath(entry.ID, "requeue"), map[string]any{"version": entry.Version})
			s.metrics.Requeue.Record(latency, status == http.StatusOK, status == http.StatusConflict)
			continue
		}

		status, entry, latency = s.post(ctx, actor, entryPath(entry.ID, "start"), map[string]any{"version": entry.Version, "room": room})
		s.metrics.Start.Record(latency, status == http.StatusOK, status == http.StatusConflict)
		if status != http.StatusOK {
			continue
		}

		sleep(ctx, time.Duration(faker.Number(10, 80))*time.Millisecond)

		action := "complete"
		if faker.Float64() < s.config.CancelRatio {
			action = "cancel"
		}
		status, _, latency = s.post(ctx, actor, entryPath(entry.ID, action), map[string]any{"version": entry.Version})
		s.metrics.Finish.Record(latency, status == http.StatusOK, status == http.StatusConflict)
	}
}

func (s *Simulator) reader(ctx context.Context, id int) {
	actor := fmt.Sprintf("display-%d", id)
	for ctx.Err() == nil {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/clinics/%s/queue", s.config.APIBaseURL, s.config.ClinicID), nil)
		s.identify(req, actor)

		start := time.Now()
		resp, err := s.client.Do(req)
		latency := time.Since(start)
		if ctx.Err() != nil {
			return
		}

		success := false
		if err == nil {
			success = resp.StatusCode == http.StatusOK
			resp.Body.Close()
		}
		s.metrics.ListQueue.Record(latency, success, false)

		sleep(ctx, 250*time.Millisecond)
	}
}

func (s *Simulator) post(ctx context.Context, actor, path string, payload any) (int, entryResponse, time.Duration) {
	body, _ := json.Marshal(payload)
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.identify(req, actor)

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, entryResponse{}, latency
	}
	defer resp.Body.Close()

	var entry entryResponse
	if resp.StatusCode < 300 {
		_ = json.NewDecoder(resp.Body).Decode(&entry)
	}
	return resp.StatusCode, entry, latency
}

func (s *Simulator) identify(req *http.Request, actor string) {
	req.Header.Set("X-Actor-ID", actor)
	req.Header.Set("X-Clinic-ID", s.config.ClinicID)
	req.Header.Set("X-Department-Scope", "*")
}

func entryPath(id uuid.UUID, action string) string {
	return fmt.Sprintf("/entries/%s/%s", id, action)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Front desk: %d  Staff: %d  Readers: %d\n", s.config.FrontDesk, s.config.Staff, s.config.Readers)
	fmt.Printf("Empty call-next: %d\n", atomic.LoadInt64(&s.metrics.EmptyCalls))
	fmt.Println()

	printOperationReport("Check-in", &s.metrics.CheckIn)
	printOperationReport("Call next", &s.metrics.CallNext)
	printOperationReport("Start service", &s.metrics.Start)
	printOperationReport("Complete/cancel", &s.metrics.Finish)
	printOperationReport("Requeue", &s.metrics.Requeue)
	printOperationReport("List queue", &s.metrics.ListQueue)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func envOr[T any](key string, def T, parse func(string) (T, error)) T {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := parse(v)
	if err != nil {
		return def
	}
	return parsed
}

func getEnv(key, fallback string) string {
	return envOr(key, fallback, func(v string) (string, error) { return v, nil })
}

func parseFloat(v string) (float64, error) {
	return strconv.ParseFloat(v, 64)
}
