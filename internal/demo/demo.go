// Package demo serves a canned user, wallet and task history so the product
// can be explored without an account, a wallet or an LLM key. Demo mode is
// switched on per visitor by ?demo=true or the demo_mode cookie.
package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"AgentBounty/internal/auth"
	"AgentBounty/internal/payment"
	"AgentBounty/internal/task"
	"AgentBounty/internal/wallet"
	"AgentBounty/pkg/logger"
)

const (
	ModeCookie    = "demo_mode"
	SessionCookie = "demo_session"

	defaultTTL = time.Hour
)

// Config toggles demo mode.
type Config struct {
	Enabled    bool
	SessionTTL time.Duration
	Chain      wallet.Chain
	// Requirements builds the payment descriptor of a locked demo result.
	// When nil a Base Sepolia descriptor with fixed values is used.
	Requirements func(taskID string, amountUSD float64, payer string) payment.Requirements
}

// Handler intercepts API calls of demo visitors.
type Handler struct {
	cfg      Config
	sessions *sessions
	now      func() time.Time
}

func New(cfg Config) *Handler {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultTTL
	}
	if cfg.Chain.Name == "" {
		cfg.Chain = wallet.Chain{Name: "base-sepolia", ID: 84532}
	}
	return &Handler{cfg: cfg, sessions: newSessions(1024, cfg.SessionTTL), now: time.Now}
}

// Active reports whether r belongs to a demo visitor.
func Active(r *http.Request) bool {
	if r.URL.Query().Get("demo") == "true" {
		return true
	}
	c, err := r.Cookie(ModeCookie)
	return err == nil && c.Value == "true"
}

type originalKey struct{}
type sessionKey struct{}

// Middleware answers the demo routes for demo visitors and forwards every
// other request, with the demo user attached, to next.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	if h == nil || !h.cfg.Enabled {
		return next
	}

	passthrough := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orig, _ := r.Context().Value(originalKey{}).(*http.Request)
		if orig == nil {
			orig = r
		}
		next.ServeHTTP(w, orig)
	})

	mux := chi.NewRouter()
	mux.NotFound(passthrough)
	mux.MethodNotAllowed(passthrough)
	mux.Get("/auth/user", h.me)
	mux.Get("/api/me", h.me)
	mux.Get("/api/agents", h.agents)
	mux.Get("/api/wallet/info", h.walletInfo)
	mux.Get("/api/tasks", h.listTasks)
	mux.Get("/api/tasks/", h.listTasks)
	mux.Post("/api/tasks", h.createTask)
	mux.Post("/api/tasks/", h.createTask)
	mux.Get("/api/tasks/{id}", h.getTask(passthrough))
	mux.Post("/api/tasks/{id}/start", h.startTask(passthrough))
	mux.Get("/api/tasks/{id}/result", h.result(passthrough))
	mux.Post("/api/payments/authorize", h.authorize)
	mux.Post("/api/demo/exit", h.exit)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !Active(r) {
			next.ServeHTTP(w, r)
			return
		}
		var sid string
		if c, err := r.Cookie(SessionCookie); err == nil {
			sid = c.Value
		}
		sid, sess := h.sessions.get(sid)
		if r.URL.Path != "/api/demo/exit" {
			h.setCookies(w, sid)
		}

		ctx := auth.WithUser(r.Context(), Profile())
		ctx = context.WithValue(ctx, sessionKey{}, sessionRef{id: sid, s: sess})
		forwarded := r.WithContext(ctx)

		// A nil route context makes the inner router start a fresh match.
		inner := context.WithValue(context.WithValue(ctx, chi.RouteCtxKey, nil), originalKey{}, forwarded)
		mux.ServeHTTP(w, forwarded.WithContext(inner))
	})
}

type sessionRef struct {
	id string
	s  *session
}

func sessionFrom(r *http.Request) sessionRef {
	ref, _ := r.Context().Value(sessionKey{}).(sessionRef)
	return ref
}

func (h *Handler) setCookies(w http.ResponseWriter, sid string) {
	maxAge := int(h.cfg.SessionTTL / time.Second)
	http.SetCookie(w, &http.Cookie{Name: ModeCookie, Value: "true", Path: "/", MaxAge: maxAge, SameSite: http.SameSiteLaxMode})
	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: sid, Path: "/", MaxAge: maxAge, HttpOnly: true, SameSite: http.SameSiteLaxMode})
}

func (h *Handler) me(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"user": Profile(), "authenticated": true})
}

func (h *Handler) agents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": Agents()})
}

func (h *Handler) walletInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, wallet.Info{
		Address:     WalletAddress,
		Connected:   true,
		USDCBalance: WalletBalance,
		Chain:       h.cfg.Chain.Name,
		ChainID:     h.cfg.Chain.ID,
	})
}

func (h *Handler) tasks(r *http.Request) []*task.Task {
	tasks := Tasks(h.now())
	ref := sessionFrom(r)
	for _, t := range tasks {
		if ref.s != nil && ref.s.isPaid(t.ID) {
			t.PaymentStatus = task.PaymentPaid
			t.PaymentTxHash = TxHash
		}
	}
	return tasks
}

func (h *Handler) find(r *http.Request, id string) *task.Task {
	for _, t := range h.tasks(r) {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks := h.tasks(r)
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": len(tasks)})
}

func (h *Handler) createTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentType string          `json:"agent_type"`
		InputData json.RawMessage `json:"input_data"`
	}
	_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body)
	writeJSON(w, http.StatusCreated, NewTask(h.now(), body.AgentType, body.InputData))
}

func (h *Handler) getTask(fallback http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := h.find(r, chi.URLParam(r, "id"))
		if t == nil {
			fallback.ServeHTTP(w, r)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func (h *Handler) startTask(fallback http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := h.find(r, chi.URLParam(r, "id"))
		if t == nil {
			fallback.ServeHTTP(w, r)
			return
		}
		t.Status = task.StatusRunning
		writeJSON(w, http.StatusOK, t)
	}
}

func (h *Handler) result(fallback http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		t := h.find(r, id)
		if t == nil {
			if strings.HasPrefix(id, "demo_task_") {
				writeJSON(w, http.StatusNotFound, map[string]any{"error": "Task not found"})
				return
			}
			fallback.ServeHTTP(w, r)
			return
		}
		if t.Status != task.StatusCompleted {
			writeJSON(w, http.StatusOK, payment.StatusView{Status: t.Status,
				Message: "Task is " + string(t.Status) + ", result not available yet"})
			return
		}
		res, _ := Result(id, h.now())
		if t.PaymentStatus == task.PaymentPaid {
			writeJSON(w, http.StatusOK, res)
			return
		}
		preview := payment.Preview(res.Content)
		writeJSON(w, http.StatusPaymentRequired, payment.RequiredView{
			Error:      "Payment Required",
			StatusCode: http.StatusPaymentRequired,
			Payment:    h.requirements(id, t.Cost()),
			Preview:    &preview,
			Message:    paymentMessage(t.Cost()),
			Instructions: map[string]string{
				"1": "Click Pay to unlock; demo payments need no wallet",
			},
		})
	}
}

func (h *Handler) requirements(taskID string, amount float64) payment.Requirements {
	if h.cfg.Requirements != nil {
		return h.cfg.Requirements(taskID, amount, WalletAddress)
	}
	units := payment.ToUSDC(amount)
	nonce := payment.NewNonce(taskID, time.Unix(0, 0))
	const contract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	return payment.Requirements{
		PaymentRequired: true,
		Amount:          amount,
		AmountUSDC:      units,
		Currency:        "USDC",
		Chain:           h.cfg.Chain.Name,
		ChainID:         h.cfg.Chain.ID,
		Contract:        contract,
		ValidBefore:     2000000000,
		Nonce:           nonce,
		Domain:          payment.Domain{Name: "USDC", Version: "2", ChainID: h.cfg.Chain.ID, VerifyingContract: contract},
		Message: payment.Message{
			From:        WalletAddress,
			Value:       units,
			ValidBefore: 2000000000,
			Nonce:       nonce,
		},
		TaskID: taskID,
	}
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TaskID string `json:"task_id"`
	}
	_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body)
	if body.TaskID == "" {
		body.TaskID = lockedTaskID
	}
	if ref := sessionFrom(r); ref.s != nil {
		ref.s.markPaid(body.TaskID)
	}
	logger.L().Info("demo payment", slog.String("task_id", body.TaskID))
	amount := 0.0
	if t := h.find(r, body.TaskID); t != nil {
		amount = t.Cost()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"message":    "Demo payment processed",
		"tx_hash":    TxHash,
		"task_id":    body.TaskID,
		"amount_usd": amount,
	})
}

func (h *Handler) exit(w http.ResponseWriter, r *http.Request) {
	h.sessions.drop(sessionFrom(r).id)
	for _, name := range []string{ModeCookie, SessionCookie} {
		http.SetCookie(w, &http.Cookie{Name: name, Value: "", Path: "/", MaxAge: -1, SameSite: http.SameSiteLaxMode})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Exited demo mode"})
}

func paymentMessage(amount float64) string {
	return fmt.Sprintf("Payment of $%.4f USDC required to access result", amount)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L().Error("demo response encode failed", slog.Any("error", err))
	}
}
