package httpapi

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type statusCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type statusResponse struct {
	AgentRuntime     string        `json:"agent_runtime"`
	SessionStore     string        `json:"session_store"`
	AgentTimeoutMS   int64         `json:"agent_timeout_ms"`
	Phase2TurnCount  int           `json:"phase2_turn_count"`
	CoachTurn        int           `json:"coach_turn"`
	TokenCeiling     int           `json:"token_ceiling"`
	SummaryThreshold int           `json:"summary_threshold"`
	Checks           []statusCheck `json:"checks"`
}

// handleStatus reports how the agent runtime and session store are wired and
// whether the remote runtime answers on its port.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	checks := make([]statusCheck, 0, 4)
	checks = append(checks, s.runtimeChecks()...)
	checks = append(checks, s.storeCheck())

	respondJSON(w, http.StatusOK, statusResponse{
		AgentRuntime:     s.runtimeName,
		SessionStore:     s.cfg.StoreBackend,
		AgentTimeoutMS:   s.cfg.AgentTimeout.Milliseconds(),
		Phase2TurnCount:  s.cfg.Phase2TurnCount,
		CoachTurn:        s.cfg.CoachTurn,
		TokenCeiling:     s.cfg.TokenCeiling,
		SummaryThreshold: s.cfg.SummaryThreshold,
		Checks:           checks,
	})
}

func (s *Server) runtimeChecks() []statusCheck {
	mode := strings.ToLower(strings.TrimSpace(s.cfg.RuntimeMode))
	if mode == "" {
		mode = "auto"
	}
	var out []statusCheck
	probe := func(id, label, raw string) {
		if err := probeRuntimePort(raw); err != nil {
			out = append(out, statusCheck{
				ID:     id,
				Status: "warn",
				Label:  label,
				Detail: fmt.Sprintf("not reachable (%s)", raw),
				Fix:    "Start the agent runtime or set AGENT_RUNTIME_MODE=mock.",
			})
			return
		}
		out = append(out, statusCheck{ID: id, Status: "ok", Label: label, Detail: "reachable"})
	}

	switch mode {
	case "mock":
		out = append(out, statusCheck{
			ID:     "agent_mock",
			Status: "warn",
			Label:  "Agent runtime (mock)",
			Detail: "Scene replies are canned.",
			Fix:    "Set OPENAI_API_KEY or AGENT_RUNTIME_HTTP_URL and use AGENT_RUNTIME_MODE=auto.",
		})
	case "openai":
		out = append(out, s.openAIKeyCheck("error"))
	case "http":
		probe("agent_http", "Agent runtime (HTTP)", s.cfg.RuntimeHTTPURL)
	case "ws":
		probe("agent_ws", "Agent runtime (WebSocket)", s.cfg.RuntimeWSURL)
	default:
		switch {
		case strings.TrimSpace(s.cfg.OpenAIAPIKey) != "":
			out = append(out, s.openAIKeyCheck("warn"))
		case strings.TrimSpace(s.cfg.RuntimeWSURL) != "":
			probe("agent_ws", "Agent runtime (WebSocket)", s.cfg.RuntimeWSURL)
		case strings.TrimSpace(s.cfg.RuntimeHTTPURL) != "":
			probe("agent_http", "Agent runtime (HTTP)", s.cfg.RuntimeHTTPURL)
		default:
			out = append(out, statusCheck{
				ID:     "agent_mock",
				Status: "warn",
				Label:  "Agent runtime (mock)",
				Detail: "No remote runtime configured.",
				Fix:    "Set OPENAI_API_KEY, AGENT_RUNTIME_WS_URL or AGENT_RUNTIME_HTTP_URL.",
			})
		}
	}
	return out
}

func (s *Server) openAIKeyCheck(missing string) statusCheck {
	if strings.TrimSpace(s.cfg.OpenAIAPIKey) == "" {
		return statusCheck{
			ID:     "openai_key",
			Status: missing,
			Label:  "OpenAI API key",
			Detail: "OPENAI_API_KEY is not set",
		}
	}
	return statusCheck{ID: "openai_key", Status: "ok", Label: "OpenAI API key", Detail: "present"}
}

func (s *Server) storeCheck() statusCheck {
	backend := strings.ToLower(strings.TrimSpace(s.cfg.StoreBackend))
	switch {
	case backend == "postgres" || ((backend == "" || backend == "auto") && s.cfg.DatabaseURL != ""):
		return statusCheck{ID: "session_store", Status: "ok", Label: "Session persistence", Detail: "postgres"}
	case backend == "badger":
		return statusCheck{ID: "session_store", Status: "ok", Label: "Session persistence", Detail: "badger at " + s.cfg.BadgerPath}
	default:
		return statusCheck{
			ID:     "session_store",
			Status: "warn",
			Label:  "Session persistence",
			Detail: "in-memory only",
			Fix:    "Set DATABASE_URL or SESSION_STORE=badger to keep scenes across restarts.",
		}
	}
}

func probeRuntimePort(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	host := strings.TrimSpace(u.Host)
	if host == "" {
		return fmt.Errorf("host missing")
	}
	addr := host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" || u.Scheme == "wss" {
			port = "443"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}
	c, err := net.DialTimeout("tcp", addr, 250*time.Millisecond)
	if err != nil {
		return err
	}
	return c.Close()
}
