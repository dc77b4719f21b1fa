package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type options struct {
	baseURL        string
	userID         string
	location       string
	turns          int
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
}

type createSessionRequest struct {
	UserID   string `json:"user_id"`
	Location string `json:"location"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type turnFrame struct {
	TurnNumber int    `json:"turn_number"`
	UserInput  string `json:"user_input"`
}

type replyFrame struct {
	Type   string `json:"type"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
	Result *struct {
		TurnNumber      int     `json:"turn_number"`
		PartnerResponse string  `json:"partner_response"`
		CurrentPhase    int     `json:"current_phase"`
		CoachFeedback   *string `json:"coach_feedback"`
	} `json:"result,omitempty"`
}

type report struct {
	SessionID string
	Latencies []time.Duration
	Coached   bool
}

var defaultLines = []string{
	"Captain, the map is upside down.",
	"I told you not to trust the parrot.",
	"Fine, but then who steered us into the volcano?",
	"Hand me the spoon, we're digging out.",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfscene: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()
	rep, err := run(ctx, cfg, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfscene: %v\n", err)
		os.Exit(1)
	}
	p50, p95, max := summarize(rep.Latencies)
	fmt.Printf("perfscene: session=%s turns=%d p50=%s p95=%s max=%s coached=%t\n",
		rep.SessionID, len(rep.Latencies), p50, p95, max, rep.Coached)
}

func parseFlags() (options, error) {
	var cfg options
	var textsRaw string
	var interTurnMS int
	var turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "improvstage base URL")
	flag.StringVar(&cfg.userID, "user-id", "perf-replay", "user_id for the synthetic session")
	flag.StringVar(&cfg.location, "location", "a pirate ship", "scene location")
	flag.IntVar(&cfg.turns, "turns", 15, "number of turns to play")
	flag.IntVar(&interTurnMS, "inter-turn-ms", 0, "delay between turns in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 65000, "timeout waiting for each turn result in milliseconds")
	flag.StringVar(&textsRaw, "texts", "", "scene lines separated by '|' (optional)")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	cfg.texts = splitTexts(textsRaw)
	return cfg, nil
}

func splitTexts(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), defaultLines...)
	}
	return out
}

// run plays one scene over the session stream and records per-turn latency.
func run(ctx context.Context, cfg options, progress io.Writer) (report, error) {
	httpClient := &http.Client{Timeout: 45 * time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return report{}, fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = closeSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()
	rep := report{SessionID: sessionID}
	if cfg.verbose {
		fmt.Fprintf(progress, "perfscene: session=%s turns=%d\n", sessionID, cfg.turns)
	}

	wsURL, err := streamURL(cfg.baseURL, sessionID)
	if err != nil {
		return rep, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return rep, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	texts := cfg.texts
	if len(texts) == 0 {
		texts = defaultLines
	}
	for i := 0; i < cfg.turns; i++ {
		line := texts[i%len(texts)]
		started := time.Now()
		if err := conn.WriteJSON(turnFrame{TurnNumber: i + 1, UserInput: line}); err != nil {
			return rep, fmt.Errorf("turn %d send: %w", i+1, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(cfg.turnTimeout))
		var reply replyFrame
		if err := conn.ReadJSON(&reply); err != nil {
			return rep, fmt.Errorf("turn %d await result: %w", i+1, err)
		}
		if reply.Type != "turn_result" || reply.Result == nil {
			return rep, fmt.Errorf("turn %d: %s (%s)", i+1, reply.Error, reply.Code)
		}
		elapsed := time.Since(started)
		rep.Latencies = append(rep.Latencies, elapsed)
		if reply.Result.CoachFeedback != nil {
			rep.Coached = true
		}
		if cfg.verbose {
			fmt.Fprintf(progress, "perfscene: turn %d/%d phase=%d latency=%s partner=%q\n",
				i+1, cfg.turns, reply.Result.CurrentPhase, elapsed.Round(time.Millisecond), reply.Result.PartnerResponse)
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}
	return rep, nil
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(createSessionRequest{UserID: cfg.userID, Location: cfg.location})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/sessions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func closeSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/sessions/"+url.PathEscape(sessionID)+"/close", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func streamURL(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/sessions/" + url.PathEscape(sessionID) + "/stream"
	return u.String(), nil
}

func summarize(latencies []time.Duration) (p50, p95, max time.Duration) {
	if len(latencies) == 0 {
		return 0, 0, 0
	}
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	at := func(q float64) time.Duration {
		idx := int(q*float64(len(sorted)-1) + 0.5)
		return sorted[idx]
	}
	return at(0.50), at(0.95), sorted[len(sorted)-1]
}
