package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"agent-arena/server/auth"
	"agent-arena/server/errs"
	"agent-arena/server/feed"
	"agent-arena/server/matchmaking"
	"agent-arena/server/model"
	"agent-arena/server/settlement"
	"agent-arena/server/votes"
	"agent-arena/server/wager"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const voterCookie = "arena_voter"

// arenaReader is the read side the HTTP surface needs.
type arenaReader interface {
	GetMatch(ctx context.Context, id uuid.UUID) (model.Match, error)
	ListMatches(ctx context.Context, f model.MatchFilter) ([]model.Match, error)
	GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error)
	GetMemorial(ctx context.Context, agentID uuid.UUID) (model.Memorial, error)
	RecentEvents(ctx context.Context, limit int) ([]model.FeedEvent, error)
}

type settler interface {
	Settle(ctx context.Context, matchID uuid.UUID, outcome *model.Outcome) (settlement.Result, error)
}

type api struct {
	store     arenaReader
	votes     *votes.Aggregator
	settle    settler
	wagers    *wager.Service
	matchmake *matchmaking.Processor
	hub       *feed.Hub
	secret    []byte
	ipKey     []byte
	proxies   []netip.Prefix
	limit     func(int) int
}

func Router(a *api) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true})
	})
	r.Get("/ws", a.hub.HandleWS)

	// Public reads and voting
	r.Get("/api/matches", a.listMatches)
	r.Get("/api/matches/{id}", a.getMatch)
	r.Get("/api/matches/{id}/tally", a.getTally)
	r.Post("/api/matches/{id}/votes", a.castVote)
	r.Get("/api/agents/{id}", a.getAgent)
	r.Get("/api/feed", a.recentFeed)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(a.secret, jsonErr))
		r.Post("/api/matches/{id}/bets", a.placeBet)
		r.Post("/api/queue", a.enqueue)
		r.Post("/api/matches/{id}/settle", a.settleMatch)

		r.Group(func(r chi.Router) {
			r.Use(auth.AdminOnly(jsonErr))
			r.Post("/api/matches", a.createMatch)
		})
	})
	return r
}

/* ----- matches ----- */

func (a *api) listMatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.MatchFilter{Status: model.Status(q.Get("status"))}
	if s := q.Get("arena"); s != "" {
		arena, err := model.ParseArena(s)
		if err != nil {
			writeErr(w, err)
			return
		}
		f.Arena = arena
	}
	if s := q.Get("before"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			writeErr(w, errs.Validation(errs.CodeBadCursor, "before must be an RFC3339 timestamp"))
			return
		}
		f.Before = t
	}
	if s := q.Get("before_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil || f.Before.IsZero() {
			writeErr(w, errs.Validation(errs.CodeBadCursor, "before_id must be a match id and needs before"))
			return
		}
		f.BeforeID = id
	}
	n, _ := strconv.Atoi(q.Get("limit"))
	f.Limit = a.limit(n)

	rows, err := a.store.ListMatches(r.Context(), f)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := map[string]any{"rows": rows}
	if len(rows) == f.Limit {
		last := rows[len(rows)-1]
		out["next_before"] = last.CreatedAt.Format(time.RFC3339Nano)
		out["next_before_id"] = last.ID
	}
	writeJSON(w, out)
}

func (a *api) getMatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	m, err := a.store.GetMatch(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, m)
}

func (a *api) createMatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Arena        string      `json:"arena"`
		Participants []uuid.UUID `json:"participants"`
	}
	if !decode(w, r, &req) {
		return
	}
	arena, err := model.ParseArena(req.Arena)
	if err != nil {
		writeErr(w, err)
		return
	}
	m, err := a.matchmake.CreateMatch(r.Context(), arena, req.Participants)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, m)
}

func (a *api) settleMatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Outcome *model.Outcome `json:"outcome"`
	}
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	// a supplied outcome overrides the runtime
	if req.Outcome != nil && !auth.IsAdmin(r.Context()) {
		jsonErr(w, http.StatusForbidden, "admin only")
		return
	}
	res, err := a.settle.Settle(r.Context(), id, req.Outcome)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, res)
}

/* ----- votes ----- */

func (a *api) castVote(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Choice uuid.UUID `json:"choice"`
	}
	if !decode(w, r, &req) {
		return
	}
	token := voterToken(w, r)
	receipt, err := a.votes.RecordVote(r.Context(), id, token, req.Choice, votes.HashIP(a.ipKey, clientAddr(r, a.proxies)))
	if err != nil {
		writeErr(w, err)
		return
	}
	tally, err := a.votes.Tally(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"accepted": receipt.Accepted, "reason": receipt.Reason, "tally": tally})
}

func (a *api) getTally(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	t, err := a.votes.Tally(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, t)
}

// voterToken reads the voter header or cookie, issuing a cookie when neither
// is present.
func voterToken(w http.ResponseWriter, r *http.Request) string {
	if t := r.Header.Get("X-Voter-Token"); t != "" {
		return t
	}
	if c, err := r.Cookie(voterCookie); err == nil && c.Value != "" {
		return c.Value
	}
	t := uuid.NewString()
	http.SetCookie(w, &http.Cookie{Name: voterCookie, Value: t, Path: "/", HttpOnly: true, SameSite: http.SameSiteLaxMode, MaxAge: 30 * 24 * 3600})
	return t
}

// clientAddr is the transport peer, unless that peer is a trusted proxy. Then
// X-Forwarded-For is walked from the right and the first untrusted hop wins.
func clientAddr(r *http.Request, proxies []netip.Prefix) string {
	addr := r.RemoteAddr
	if !trusted(addr, proxies) {
		return addr
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !trusted(hop, proxies) {
			return hop
		}
		addr = hop
	}
	return addr
}

func trusted(addr string, proxies []netip.Prefix) bool {
	if len(proxies) == 0 {
		return false
	}
	if h, _, err := net.SplitHostPort(addr); err == nil {
		addr = h
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	for _, p := range proxies {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

/* ----- wagering & queue ----- */

func (a *api) placeBet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	wallet, ok := auth.SubjectID(r.Context())
	if !ok {
		jsonErr(w, http.StatusUnauthorized, "token subject is not a wallet")
		return
	}
	var req struct {
		Side  uuid.UUID       `json:"side"`
		Stake decimal.Decimal `json:"stake"`
	}
	if !decode(w, r, &req) {
		return
	}
	bet, err := a.wagers.PlaceBet(r.Context(), id, wallet, req.Side, req.Stake)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, bet)
}

func (a *api) enqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID uuid.UUID `json:"agent_id"`
		Arena   string    `json:"arena"`
	}
	if !decode(w, r, &req) {
		return
	}
	arena, err := model.ParseArena(req.Arena)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !auth.IsAdmin(r.Context()) {
		ag, err := a.store.GetAgent(r.Context(), req.AgentID)
		if err != nil {
			writeErr(w, err)
			return
		}
		if sub, _ := auth.SubjectID(r.Context()); sub != ag.WalletID && sub != ag.OwnerID {
			jsonErr(w, http.StatusForbidden, "not your agent")
			return
		}
	}
	e, err := a.matchmake.Enqueue(r.Context(), req.AgentID, arena)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, e)
}

/* ----- agents & feed ----- */

func (a *api) getAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ag, err := a.store.GetAgent(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := map[string]any{"agent": ag}
	if !ag.Active {
		if m, err := a.store.GetMemorial(r.Context(), id); err == nil {
			out["memorial"] = m
		}
	}
	writeJSON(w, out)
}

func (a *api) recentFeed(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := a.store.RecentEvents(r.Context(), a.limit(n))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"rows": events})
}

/* ----- helpers ----- */

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		jsonErr(w, http.StatusBadRequest, "bad id")
		return uuid.Nil, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) { writeJSONStatus(w, http.StatusOK, v) }

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeErr(w http.ResponseWriter, err error) {
	var code string
	if e, ok := errs.As(err); ok {
		code = string(e.Code)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errs.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(map[string]string{"error": errs.Reason(err), "code": code})
}
