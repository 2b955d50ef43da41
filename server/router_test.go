package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"agent-arena/server/auth"
	"agent-arena/server/config"
	"agent-arena/server/feed"
	"agent-arena/server/model"
	"agent-arena/server/store/memstore"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const testSecret = "router-test-secret-at-least-32-chars"

type fixture struct {
	srv    *httptest.Server
	st     *memstore.Store
	agents []model.Agent
	wallet model.Wallet
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:             testSecret,
		RatingK:               32,
		RatingPolicy:          "fixed",
		RatingFloor:           100,
		Rake:                  "0.05",
		MinStake:              "1",
		DrawPolicy:            "refund",
		VotesPerIP:            3,
		VoteWindow:            time.Hour,
		VotingWindow:          10 * time.Minute,
		VolatileArenas:        []string{"debate"},
		IPHashKey:             "k",
		QueueTTL:              time.Hour,
		EliminationThreshold:  800,
		EliminationMinMatches: 10,
		ResponseTimeout:       time.Second,
		PageLimit:             2,
		PageLimitMax:          5,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	cfg := testConfig()
	st := memstore.New()
	hub := feed.NewHub()
	a := wire(st, nil, cfg, hub)

	f := &fixture{st: st}
	for _, name := range []string{"Ada", "Bo"} {
		ag := model.Agent{ID: uuid.New(), Name: name, OwnerID: uuid.New(), Backend: model.BackendScripted,
			Rating: model.InitialRating, Active: true, CreatedAt: time.Now()}
		if err := st.CreateAgent(ctx, ag); err != nil {
			t.Fatalf("agent: %v", err)
		}
		f.agents = append(f.agents, ag)
	}
	f.wallet = model.Wallet{ID: uuid.New(), OwnerID: uuid.New(), Balance: decimal.NewFromInt(100)}
	if err := st.CreateWallet(ctx, f.wallet); err != nil {
		t.Fatalf("wallet: %v", err)
	}

	f.srv = httptest.NewServer(Router(&api{
		store:     st,
		votes:     a.votes,
		settle:    a.coordinator,
		wagers:    a.wagers,
		matchmake: a.processor,
		hub:       hub,
		secret:    []byte(testSecret),
		ipKey:     []byte(cfg.IPHashKey),
		limit:     cfg.ClampLimit,
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) match(t *testing.T, arena model.ArenaKind, status model.Status, created time.Time) model.Match {
	t.Helper()
	m, err := model.NewMatch(arena, []uuid.UUID{f.agents[0].ID, f.agents[1].ID}, created)
	if err != nil {
		t.Fatalf("new match: %v", err)
	}
	m.Status = status
	if status == model.StatusVoting {
		d := time.Now().Add(10 * time.Minute)
		m.VotingDeadline = &d
	}
	if err := f.st.CreateMatch(context.Background(), m, model.NewPool(m.ID, created)); err != nil {
		t.Fatalf("create match: %v", err)
	}
	return m
}

func (f *fixture) do(t *testing.T, method, path, token string, body any, hdr map[string]string) (int, map[string]any) {
	t.Helper()
	var rd *strings.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = strings.NewReader(string(b))
	} else {
		rd = strings.NewReader("")
	}
	req, _ := http.NewRequest(method, f.srv.URL+path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func token(t *testing.T, sub string, admin bool) string {
	t.Helper()
	tok, err := auth.Issue([]byte(testSecret), sub, admin, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok
}

func TestHealthAndNotFound(t *testing.T) {
	f := newFixture(t)
	if code, body := f.do(t, http.MethodGet, "/api/health", "", nil, nil); code != 200 || body["ok"] != true {
		t.Fatalf("expected ok health, got %d %v", code, body)
	}
	if code, body := f.do(t, http.MethodGet, "/api/matches/"+uuid.NewString(), "", nil, nil); code != 404 || body["code"] != "NOT_FOUND" {
		t.Fatalf("expected 404 NOT_FOUND, got %d %v", code, body)
	}
	if code, _ := f.do(t, http.MethodGet, "/api/matches/nope", "", nil, nil); code != 400 {
		t.Fatalf("expected 400 for bad id, got %d", code)
	}
}

func TestListMatchesCursor(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		f.match(t, model.ArenaRoast, model.StatusPaired, base.Add(time.Duration(i)*time.Minute))
	}

	code, body := f.do(t, http.MethodGet, "/api/matches?limit=2", "", nil, nil)
	if code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
	if rows := body["rows"].([]any); len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	next, _ := body["next_before"].(string)
	if next == "" {
		t.Fatalf("expected next_before on a full page")
	}
	_, body = f.do(t, http.MethodGet, "/api/matches?limit=2&before="+next, "", nil, nil)
	if rows := body["rows"].([]any); len(rows) != 1 {
		t.Fatalf("expected 1 row on the second page, got %d", len(rows))
	}
	if _, ok := body["next_before"]; ok {
		t.Fatalf("expected no cursor on the last page")
	}
	if code, body := f.do(t, http.MethodGet, "/api/matches?before_id="+uuid.NewString(), "", nil, nil); code != 400 || body["code"] != "BAD_CURSOR" {
		t.Fatalf("expected 400 BAD_CURSOR for before_id alone, got %d %v", code, body)
	}
	if code, body := f.do(t, http.MethodGet, "/api/matches?before=yesterday", "", nil, nil); code != 400 || body["code"] != "BAD_CURSOR" {
		t.Fatalf("expected 400 BAD_CURSOR, got %d %v", code, body)
	}
}

func TestListMatchesCursorKeepsTimestampTies(t *testing.T) {
	f := newFixture(t)
	same := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	want := map[string]bool{}
	for i := 0; i < 5; i++ {
		want[f.match(t, model.ArenaRoast, model.StatusPaired, same).ID.String()] = true
	}

	seen := map[string]bool{}
	path := "/api/matches?limit=2"
	for page := 0; page < 5; page++ {
		code, body := f.do(t, http.MethodGet, path, "", nil, nil)
		if code != 200 {
			t.Fatalf("page %d: expected 200, got %d %v", page, code, body)
		}
		for _, row := range body["rows"].([]any) {
			id := row.(map[string]any)["id"].(string)
			if seen[id] {
				t.Fatalf("match %s listed twice", id)
			}
			seen[id] = true
		}
		next, _ := body["next_before"].(string)
		if next == "" {
			break
		}
		path = "/api/matches?limit=2&before=" + url.QueryEscape(next) + "&before_id=" + body["next_before_id"].(string)
	}
	if len(seen) != len(want) {
		t.Fatalf("expected all %d tied matches across pages, got %d", len(want), len(seen))
	}
}

func TestVoteFlow(t *testing.T) {
	f := newFixture(t)
	m := f.match(t, model.ArenaRoast, model.StatusVoting, time.Now())
	path := "/api/matches/" + m.ID.String() + "/votes"
	hdr := map[string]string{"X-Voter-Token": "voter-1"}

	code, body := f.do(t, http.MethodPost, path, "", map[string]any{"choice": f.agents[0].ID}, hdr)
	if code != 200 || body["accepted"] != true {
		t.Fatalf("expected accepted vote, got %d %v", code, body)
	}
	_, body = f.do(t, http.MethodPost, path, "", map[string]any{"choice": f.agents[1].ID}, hdr)
	if body["accepted"] != false || body["reason"] != model.ReasonDuplicate {
		t.Fatalf("expected duplicate, got %v", body)
	}
	tally := body["tally"].(map[string]any)
	if tally["total"].(float64) != 1 {
		t.Fatalf("expected total 1, got %v", tally["total"])
	}

	code, body = f.do(t, http.MethodPost, path, "", map[string]any{"choice": uuid.New()}, map[string]string{"X-Voter-Token": "voter-2"})
	if code != 400 || body["code"] != "BAD_VOTE" {
		t.Fatalf("expected 400 BAD_VOTE for a non-participant, got %d %v", code, body)
	}
}

func TestVoteLimitIgnoresForwardedHeaders(t *testing.T) {
	f := newFixture(t)
	m := f.match(t, model.ArenaRoast, model.StatusVoting, time.Now())
	path := "/api/matches/" + m.ID.String() + "/votes"

	accepted := 0
	for i := 0; i < 6; i++ {
		hdr := map[string]string{
			"X-Voter-Token":   "v-" + strconv.Itoa(i),
			"X-Forwarded-For": "10.0.0." + strconv.Itoa(i),
			"X-Real-IP":       "10.0.1." + strconv.Itoa(i),
		}
		_, body := f.do(t, http.MethodPost, path, "", map[string]any{"choice": f.agents[i%2].ID}, hdr)
		if body["accepted"] == true {
			accepted++
		} else if body["reason"] != model.ReasonRateLimited {
			t.Fatalf("expected rate limited, got %v", body)
		}
	}
	if accepted != 3 {
		t.Fatalf("expected 3 of 6 votes from one client, got %d", accepted)
	}
}

func TestClientAddr(t *testing.T) {
	proxies := []netip.Prefix{netip.MustParsePrefix("10.1.0.0/16")}
	cases := []struct {
		name    string
		remote  string
		xff     string
		proxies []netip.Prefix
		want    string
	}{
		{"no proxies configured", "203.0.113.7:5000", "1.2.3.4", nil, "203.0.113.7:5000"},
		{"untrusted peer", "203.0.113.7:5000", "1.2.3.4", proxies, "203.0.113.7:5000"},
		{"trusted peer", "10.1.2.3:443", "198.51.100.9", proxies, "198.51.100.9"},
		{"spoofed left hop", "10.1.2.3:443", "1.2.3.4, 198.51.100.9", proxies, "198.51.100.9"},
		{"proxy chain", "10.1.2.3:443", "198.51.100.9, 10.1.9.9", proxies, "198.51.100.9"},
		{"no header", "10.1.2.3:443", "", proxies, "10.1.2.3:443"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			r.RemoteAddr = tc.remote
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}
			if got := clientAddr(r, tc.proxies); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestBetRequiresTokenAndLocksStake(t *testing.T) {
	f := newFixture(t)
	m := f.match(t, model.ArenaRoast, model.StatusPaired, time.Now())
	path := "/api/matches/" + m.ID.String() + "/bets"
	bet := map[string]any{"side": f.agents[0].ID, "stake": "10"}

	if code, _ := f.do(t, http.MethodPost, path, "", bet, nil); code != 401 {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	code, body := f.do(t, http.MethodPost, path, token(t, f.wallet.ID.String(), false), bet, nil)
	if code != 201 {
		t.Fatalf("expected 201, got %d %v", code, body)
	}
	w, _ := f.st.GetWallet(context.Background(), f.wallet.ID)
	if !w.Balance.Equal(decimal.NewFromInt(90)) || !w.Locked.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected 90/10, got %s/%s", w.Balance, w.Locked)
	}

	bet["stake"] = "0.5"
	if code, body := f.do(t, http.MethodPost, path, token(t, f.wallet.ID.String(), false), bet, nil); code != 400 || body["code"] != "STAKE_BELOW_MINIMUM" {
		t.Fatalf("expected 400 STAKE_BELOW_MINIMUM, got %d %v", code, body)
	}
}

func TestSettleAndCreateGuards(t *testing.T) {
	f := newFixture(t)
	m := f.match(t, model.ArenaRoast, model.StatusVoting, time.Now())
	path := "/api/matches/" + m.ID.String() + "/settle"
	user := token(t, f.wallet.ID.String(), false)

	override := map[string]any{"outcome": map[string]any{"winner_id": f.agents[0].ID}}
	if code, _ := f.do(t, http.MethodPost, path, user, override, nil); code != 403 {
		t.Fatalf("expected 403 for a user-supplied outcome, got %d", code)
	}
	if code, body := f.do(t, http.MethodPost, path, user, nil, nil); code != 409 || body["code"] != "VOTING_WINDOW_OPEN" {
		t.Fatalf("expected 409 while voting is open, got %d %v", code, body)
	}

	create := map[string]any{"arena": "chess", "participants": []uuid.UUID{f.agents[0].ID, f.agents[1].ID}}
	if code, _ := f.do(t, http.MethodPost, "/api/matches", user, create, nil); code != 403 {
		t.Fatalf("expected 403 for non-admin create, got %d", code)
	}
	code, body := f.do(t, http.MethodPost, "/api/matches", token(t, "ops", true), create, nil)
	if code != 201 || body["status"] != string(model.StatusPaired) {
		t.Fatalf("expected 201 paired match, got %d %v", code, body)
	}
	create["arena"] = "poker"
	if code, body := f.do(t, http.MethodPost, "/api/matches", token(t, "ops", true), create, nil); code != 400 || body["code"] != "UNKNOWN_ARENA" {
		t.Fatalf("expected 400 UNKNOWN_ARENA, got %d %v", code, body)
	}
}
