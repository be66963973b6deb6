package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"marketsim/internal/domain/account"
	"marketsim/internal/domain/market"
	"marketsim/internal/domain/settlement"
	"marketsim/internal/services/timeseries"
	"marketsim/pkg/errors"
	"marketsim/pkg/logger"
)

// MarketReader is the simulation surface served over HTTP
type MarketReader interface {
	market.Reader
	Tickers() []market.Ticker
	Countdown() (futures, options int)
	QueryRange(class market.InstrumentClass, tickers []market.Ticker, hours, minutes int) ([]timeseries.BucketView[float64], error)
	QueryOptions(tickers []market.Ticker, hours, minutes int) ([]timeseries.BucketView[market.OptionQuote], error)
	SetBigNews(enabled bool)
}

// Ledger is the settlement schedule
type Ledger interface {
	Upsert(ctx context.Context, id, subject string, obligation settlement.Obligation) (*settlement.Entry, error)
	Remove(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*settlement.Entry, error)
	List(ctx context.Context) ([]*settlement.Entry, error)
	State(id string) (settlement.State, bool)
}

// Accounts opens and reads account documents
type Accounts interface {
	Open(ctx context.Context, id string, balance decimal.Decimal) (*account.Account, error)
	Get(ctx context.Context, id string) (*account.Account, error)
}

// RateSetter publishes a new interest rate
type RateSetter interface {
	SetInterestRate(ctx context.Context, rate float64) error
}

// Deps are the handler's collaborators. Archive and Rates are optional.
type Deps struct {
	Market   MarketReader
	Ledger   Ledger
	Accounts Accounts
	Archive  market.Archive
	Rates    RateSetter
}

// Handler serves the JSON API under /api/
type Handler struct {
	deps Deps
	log  *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(deps Deps, log *logger.Logger) *Handler {
	return &Handler{deps: deps, log: log.With("component", "rest_api")}
}

// Register mounts every route on mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/market", h.status)
	mux.HandleFunc("PUT /api/market/big-news", h.setBigNews)
	mux.HandleFunc("PUT /api/market/interest-rate", h.setInterestRate)

	mux.HandleFunc("GET /api/spot", h.spotList)
	mux.HandleFunc("GET /api/spot/{ticker}", h.spotPrice)
	mux.HandleFunc("GET /api/futures/{ticker}", h.futuresPrice)
	mux.HandleFunc("GET /api/options/{ticker}", h.optionChain)
	mux.HandleFunc("GET /api/options/{ticker}/strikes/{strike}", h.strikeIndex)
	mux.HandleFunc("GET /api/history/{class}", h.history)
	mux.HandleFunc("GET /api/archive/{class}/{ticker}", h.archive)

	mux.HandleFunc("GET /api/ledger", h.listLedger)
	mux.HandleFunc("GET /api/ledger/{id}", h.getLedger)
	mux.HandleFunc("PUT /api/ledger/{id}", h.putLedger)
	mux.HandleFunc("DELETE /api/ledger/{id}", h.deleteLedger)

	mux.HandleFunc("POST /api/accounts", h.openAccount)
	mux.HandleFunc("GET /api/accounts/{id}", h.getAccount)
}

type statusResponse struct {
	Tickers       []market.Ticker `json:"tickers"`
	FuturesExpiry int             `json:"futures_expiry_hours"`
	OptionsExpiry int             `json:"options_expiry_hours"`
	ServerTimeUTC time.Time       `json:"server_time"`
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	futures, options := h.deps.Market.Countdown()
	writeJSON(w, http.StatusOK, statusResponse{
		Tickers:       h.deps.Market.Tickers(),
		FuturesExpiry: futures,
		OptionsExpiry: options,
		ServerTimeUTC: time.Now().UTC(),
	})
}

func (h *Handler) setBigNews(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, err)
		return
	}
	h.deps.Market.SetBigNews(body.Enabled)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setInterestRate(w http.ResponseWriter, r *http.Request) {
	if h.deps.Rates == nil {
		h.writeError(w, errors.Wrap(errors.ErrNotFound, "no rate authority configured"))
		return
	}
	var body struct {
		Rate *float64 `json:"rate"`
	}
	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, err)
		return
	}
	if body.Rate == nil || *body.Rate < 0 {
		h.writeError(w, errors.NewValidationError("rate", "must be a non-negative number", body.Rate))
		return
	}
	if err := h.deps.Rates.SetInterestRate(r.Context(), *body.Rate); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) spotList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Market.SpotList())
}

type priceResponse struct {
	Ticker market.Ticker `json:"ticker"`
	Price  float64       `json:"price"`
}

func (h *Handler) spotPrice(w http.ResponseWriter, r *http.Request) {
	ticker := market.Ticker(r.PathValue("ticker"))
	price, ok := h.deps.Market.SpotPrice(ticker)
	if !ok {
		h.writeError(w, errors.Wrapf(errors.ErrNotFound, "ticker %s", ticker))
		return
	}
	writeJSON(w, http.StatusOK, priceResponse{Ticker: ticker, Price: price})
}

func (h *Handler) futuresPrice(w http.ResponseWriter, r *http.Request) {
	ticker := market.Ticker(r.PathValue("ticker"))
	price, ok := h.deps.Market.FuturesPrice(ticker)
	if !ok {
		h.writeError(w, errors.Wrapf(errors.ErrNotFound, "futures %s", ticker))
		return
	}
	writeJSON(w, http.StatusOK, priceResponse{Ticker: ticker, Price: price})
}

func (h *Handler) optionChain(w http.ResponseWriter, r *http.Request) {
	ticker := market.Ticker(r.PathValue("ticker"))
	chain, ok := h.deps.Market.OptionPrices(ticker)
	if !ok {
		h.writeError(w, errors.Wrapf(errors.ErrNotFound, "options %s", ticker))
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

func (h *Handler) strikeIndex(w http.ResponseWriter, r *http.Request) {
	ticker := market.Ticker(r.PathValue("ticker"))
	strike, err := strconv.ParseFloat(r.PathValue("strike"), 64)
	if err != nil {
		h.writeError(w, errors.NewValidationError("strike", "must be a number", r.PathValue("strike")))
		return
	}
	idx, ok := h.deps.Market.StrikeIndex(ticker, strike)
	if !ok {
		h.writeError(w, errors.Wrapf(errors.ErrNotFound, "strike %v on %s", strike, ticker))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"index": idx})
}

type bucketResponse[T any] struct {
	Start      time.Time             `json:"start"`
	StepSecond int                   `json:"step_seconds"`
	Compressed bool                  `json:"compressed"`
	Buckets    map[market.Ticker][]T `json:"buckets"`
}

func toResponse[T any](views []timeseries.BucketView[T]) []bucketResponse[T] {
	out := make([]bucketResponse[T], len(views))
	for i, v := range views {
		out[i] = bucketResponse[T]{
			Start:      v.Start,
			StepSecond: int(v.Step / time.Second),
			Compressed: v.Compressed,
			Buckets:    v.Buckets,
		}
	}
	return out
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	class := market.InstrumentClass(r.PathValue("class"))
	if !class.Valid() {
		h.writeError(w, errors.NewValidationError("class", "must be spot, futures or options", class))
		return
	}
	hours, err := queryInt(r, "hours", 1)
	if err != nil {
		h.writeError(w, err)
		return
	}
	minutes, err := queryInt(r, "minutes", 0)
	if err != nil {
		h.writeError(w, err)
		return
	}
	tickers := queryTickers(r)
	if len(tickers) == 0 {
		tickers = h.deps.Market.Tickers()
	}

	if class == market.ClassOptions {
		views, err := h.deps.Market.QueryOptions(tickers, hours, minutes)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toResponse(views))
		return
	}

	views, err := h.deps.Market.QueryRange(class, tickers, hours, minutes)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(views))
}

type archiveResponse struct {
	Strike     float64   `json:"strike,omitempty"`
	Right      string    `json:"right,omitempty"`
	Timestamp  time.Time `json:"ts"`
	Price      float64   `json:"price"`
	NewsImpact float64   `json:"news_impact,omitempty"`
}

func (h *Handler) archive(w http.ResponseWriter, r *http.Request) {
	if h.deps.Archive == nil {
		h.writeError(w, errors.Wrap(errors.ErrNotFound, "archive disabled"))
		return
	}

	class := market.InstrumentClass(r.PathValue("class"))
	ticker := market.Ticker(r.PathValue("ticker"))

	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			h.writeError(w, errors.NewValidationError("from", "must be RFC3339", v))
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			h.writeError(w, errors.NewValidationError("to", "must be RFC3339", v))
			return
		}
	}

	rows, err := h.deps.Archive.QueryRange(r.Context(), ticker, class, from, to)
	if err != nil {
		h.writeError(w, err)
		return
	}

	out := make([]archiveResponse, len(rows))
	for i, row := range rows {
		out[i] = archiveResponse{
			Strike:     row.Strike,
			Right:      row.Right,
			Timestamp:  row.Timestamp,
			Price:      row.Price,
			NewsImpact: row.NewsImpact,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type ledgerResponse struct {
	*settlement.Entry
	State settlement.State `json:"state,omitempty"`
}

// MarshalJSON folds the live state into the stored record form
func (l ledgerResponse) MarshalJSON() ([]byte, error) {
	record, err := json.Marshal(l.Entry)
	if err != nil {
		return nil, err
	}
	if l.State == "" {
		return record, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(record, &fields); err != nil {
		return nil, err
	}
	fields["state"], _ = json.Marshal(l.State)
	return json.Marshal(fields)
}

func (h *Handler) withState(entry *settlement.Entry) ledgerResponse {
	state, _ := h.deps.Ledger.State(entry.ID)
	return ledgerResponse{Entry: entry, State: state}
}

func (h *Handler) listLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.deps.Ledger.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	subject := r.URL.Query().Get("subject")

	out := make([]ledgerResponse, 0, len(entries))
	for _, e := range entries {
		if subject != "" && e.Subject != subject {
			continue
		}
		out = append(out, h.withState(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getLedger(w http.ResponseWriter, r *http.Request) {
	entry, err := h.deps.Ledger.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.withState(entry))
}

func (h *Handler) putLedger(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Subject string          `json:"subject"`
		Command json.RawMessage `json:"command"`
	}
	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, err)
		return
	}
	obligation, err := settlement.DecodeObligation(body.Command)
	if err != nil {
		if errors.Is(err, errors.ErrUnknownObligation) {
			err = errors.Join(errors.ErrInvalidInput, err)
		}
		h.writeError(w, err)
		return
	}

	entry, err := h.deps.Ledger.Upsert(r.Context(), r.PathValue("id"), body.Subject, obligation)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.withState(entry))
}

func (h *Handler) deleteLedger(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Ledger.Remove(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) openAccount(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID      string          `json:"id"`
		Balance decimal.Decimal `json:"balance"`
	}
	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, err)
		return
	}
	acc, err := h.deps.Accounts.Open(r.Context(), body.ID, body.Balance)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := h.deps.Accounts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// writeError hides internals: only not-found, bad input and duplicates are
// reported as such, everything else is a generic 503
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errors.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, errors.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, errors.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "already exists"})
	default:
		h.log.Errorw("Request failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "try again later"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, dest any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return errors.Join(errors.ErrInvalidInput, err)
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.NewValidationError(name, "must be a non-negative integer", raw)
	}
	return v, nil
}

func queryTickers(r *http.Request) []market.Ticker {
	raw := r.URL.Query().Get("tickers")
	if raw == "" {
		return nil
	}
	var out []market.Ticker
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, market.Ticker(part))
		}
	}
	return out
}
