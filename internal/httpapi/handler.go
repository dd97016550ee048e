package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qms/hospital-queue/internal/cache"
	"qms/hospital-queue/internal/models"
	"qms/hospital-queue/internal/queue"
)

// QueueService is the part of the queue core the HTTP surface drives.
type QueueService interface {
	Allocate(ctx context.Context, req queue.IssueRequest) (models.Ticket, error)
	TicketStatus(ctx context.Context, ticketID string) (queue.TicketView, error)
	Call(ctx context.Context, ticketID, actorID string) (models.Ticket, error)
	Serve(ctx context.Context, ticketID string) (models.Ticket, error)
	Complete(ctx context.Context, ticketID string, notes *string) (models.Ticket, error)
	Cancel(ctx context.Context, ticketID string, notes *string) (models.Ticket, error)
	Recall(ctx context.Context, ticketID string, actorID *string) (models.Ticket, error)
	CallNext(ctx context.Context, req queue.CallNextRequest) (models.Ticket, error)
	CurrentServing(ctx context.Context, counterID int64, date string) (models.Ticket, bool, error)
	Waiting(ctx context.Context, counterID int64, date string) ([]models.Ticket, error)
	Statistics(ctx context.Context, scope queue.StatsScope) (queue.Statistics, error)
	Today() string
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	svc      QueueService
	pinger   Pinger
	cache    *cache.Cache
	display  http.Handler
	logger   *slog.Logger
	validate *validator.Validate
}

type Options struct {
	Pinger Pinger
	// Cache fronts the display polling views; nil reads straight through.
	Cache *cache.Cache
	// Display is mounted under /display/ when set.
	Display http.Handler
	Logger  *slog.Logger
}

type createTicketRequest struct {
	CounterID int64  `json:"counter_id" validate:"required,gt=0"`
	RequestID string `json:"request_id" validate:"omitempty,max=128"`
	Date      string `json:"date" validate:"omitempty,datetime=2006-01-02"`
}

type ticketActionRequest struct {
	Notes *string `json:"notes" validate:"omitempty,max=1000"`
}

type currentView struct {
	Ticket *models.Ticket `json:"ticket"`
}

type waitingView struct {
	CounterID int64           `json:"counter_id"`
	Date      string          `json:"date"`
	Tickets   []models.Ticket `json:"tickets"`
}

func NewHandler(svc QueueService, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		svc:      svc,
		pinger:   opts.Pinger,
		cache:    opts.Cache,
		display:  opts.Display,
		logger:   logger.With("component", "httpapi"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/tickets", h.handleCreateTicket)
	mux.HandleFunc("GET /api/tickets/{ticket_id}", h.handleTicketStatus)
	mux.HandleFunc("POST /api/tickets/{ticket_id}/{action}", h.handleTicketAction)
	mux.HandleFunc("POST /api/counters/{counter_id}/call-next", h.handleCallNext)
	mux.HandleFunc("GET /api/counters/{counter_id}/current", h.handleCurrent)
	mux.HandleFunc("GET /api/counters/{counter_id}/waiting", h.handleWaiting)
	mux.HandleFunc("GET /api/statistics", h.handleStatistics)
	api := RequestIDMiddleware(LoggingMiddleware(h.logger, mux))
	if h.display == nil {
		return api
	}
	// Display sessions are long-lived streams; they skip the access log.
	root := http.NewServeMux()
	root.Handle("/display/", h.display)
	root.Handle("/", api)
	return root
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		if err := h.pinger.Ping(r.Context()); err != nil {
			h.logger.Warn("health check failed", "error", err)
			writeError(w, r, http.StatusServiceUnavailable, "unavailable", "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req createTicketRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)

	ticket, err := h.svc.Allocate(r.Context(), queue.IssueRequest{
		CounterID: req.CounterID,
		RequestID: req.RequestID,
		Date:      req.Date,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func (h *Handler) handleTicketStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.TicketStatus(r.Context(), r.PathValue("ticket_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleTicketAction(w http.ResponseWriter, r *http.Request) {
	ticketID := r.PathValue("ticket_id")
	var req ticketActionRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	actor := actorID(r)

	var (
		ticket models.Ticket
		err    error
	)
	switch r.PathValue("action") {
	case "call":
		ticket, err = h.svc.Call(r.Context(), ticketID, actor)
	case "serve":
		ticket, err = h.svc.Serve(r.Context(), ticketID)
	case "complete":
		ticket, err = h.svc.Complete(r.Context(), ticketID, req.Notes)
	case "cancel":
		ticket, err = h.svc.Cancel(r.Context(), ticketID, req.Notes)
	case "recall":
		var actorPtr *string
		if actor != "" {
			actorPtr = &actor
		}
		ticket, err = h.svc.Recall(r.Context(), ticketID, actorPtr)
	default:
		writeError(w, r, http.StatusNotFound, "not_found", "unknown ticket action")
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	counterID, ok := pathCounterID(w, r)
	if !ok {
		return
	}
	ticket, err := h.svc.CallNext(r.Context(), queue.CallNextRequest{
		CounterID: counterID,
		ActorID:   actorID(r),
		Date:      r.URL.Query().Get("date"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	counterID, ok := pathCounterID(w, r)
	if !ok {
		return
	}
	date := h.queryDate(r, "date")
	view, err := cache.Fetch(r.Context(), h.cache, "current", cache.CurrentKey(counterID, date),
		func(ctx context.Context) (currentView, error) {
			ticket, found, err := h.svc.CurrentServing(ctx, counterID, date)
			if err != nil || !found {
				return currentView{}, err
			}
			return currentView{Ticket: &ticket}, nil
		})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if view.Ticket == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, view.Ticket)
}

func (h *Handler) handleWaiting(w http.ResponseWriter, r *http.Request) {
	counterID, ok := pathCounterID(w, r)
	if !ok {
		return
	}
	date := h.queryDate(r, "date")
	view, err := cache.Fetch(r.Context(), h.cache, "waiting", cache.WaitingKey(counterID, date),
		func(ctx context.Context) (waitingView, error) {
			tickets, err := h.svc.Waiting(ctx, counterID, date)
			if err != nil {
				return waitingView{}, err
			}
			if tickets == nil {
				tickets = []models.Ticket{}
			}
			return waitingView{CounterID: counterID, Date: date, Tickets: tickets}, nil
		})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	roomID, err := optionalID(query.Get("room_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "room_id must be a positive integer")
		return
	}
	counterID, err := optionalID(query.Get("counter_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "counter_id must be a positive integer")
		return
	}
	from := h.queryDate(r, "from")
	to := strings.TrimSpace(query.Get("to"))
	if to == "" {
		to = from
	}

	stats, err := cache.Fetch(r.Context(), h.cache, "statistics", cache.StatisticsKey(roomID, counterID, from, to),
		func(ctx context.Context) (queue.Statistics, error) {
			return h.svc.Statistics(ctx, queue.StatsScope{
				RoomID:    roomID,
				CounterID: counterID,
				FromDate:  from,
				ToDate:    to,
			})
		})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// decode reads a JSON body into target and validates it. An empty body is
// accepted when required is false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target interface{}, required bool) bool {
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if !(errors.Is(err, io.EOF) && !required) {
			writeError(w, r, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return false
		}
	}
	if err := h.validate.Struct(target); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", validationMessage(err))
		return false
	}
	return true
}

// queryDate returns the named query parameter, or today when it is absent,
// so cache keys always carry a concrete date.
func (h *Handler) queryDate(r *http.Request, name string) string {
	if value := strings.TrimSpace(r.URL.Query().Get(name)); value != "" {
		return value
	}
	return h.svc.Today()
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "request_id", RequestIDFrom(r.Context()), "error", err)
	}
	writeError(w, r, status, code, msg)
}

func pathCounterID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("counter_id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "counter_id must be a positive integer")
		return 0, false
	}
	return id, true
}

func optionalID(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

func actorID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Actor-ID"))
}
