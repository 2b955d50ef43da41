package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"agent-arena/server/agent"
	"agent-arena/server/auth"
	"agent-arena/server/config"
	"agent-arena/server/elimination"
	"agent-arena/server/feed"
	"agent-arena/server/llm"
	"agent-arena/server/matchmaking"
	"agent-arena/server/model"
	"agent-arena/server/runtime"
	"agent-arena/server/settlement"
	"agent-arena/server/store"
	"agent-arena/server/store/memstore"
	"agent-arena/server/votes"
	"agent-arena/server/wager"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

//
// ===== pretty printing =====
//

var useColor bool

const (
	colReset  = "\033[0m"
	colBold   = "\033[1m"
	colDim    = "\033[2m"
	colGreen  = "\033[32m"
	colRed    = "\033[31m"
	colYellow = "\033[33m"
)

func c(code, s string) string {
	if !useColor {
		return s
	}
	return code + s + colReset
}

func bold(s string) string { return c(colBold, s) }
func dim(s string) string  { return c(colDim, s) }
func good(s string) string { return c(colGreen, s) }
func warn(s string) string { return c(colYellow, s) }
func bad(s string) string  { return c(colRed, s) }
func section(title string) { fmt.Printf("\n%s %s %s\n", dim("──"), bold(title), dim("──")) }
func sub(title string)     { fmt.Printf("%s %s\n", dim("•"), bold(title)) }

//
// ===== bootstrap =====
//

// Tries OPENAI_API_KEY_FILE, then the usual secret locations.
func loadAPIKeyFromSecret() {
	if os.Getenv("OPENAI_API_KEY") != "" || os.Getenv("OPENROUTER_API_KEY") != "" {
		return
	}
	var candidates []string
	if p := os.Getenv("OPENAI_API_KEY_FILE"); strings.TrimSpace(p) != "" {
		candidates = append(candidates, p)
	}
	candidates = append(candidates,
		"./secrets/openai_api_key.txt",
		"./server/openai_api_key.txt",
		"/run/secrets/openai_api_key",
	)
	for _, path := range candidates {
		if b, err := os.ReadFile(path); err == nil {
			if key := strings.TrimSpace(string(b)); key != "" {
				os.Setenv("OPENAI_API_KEY", key)
				return
			}
		}
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func atoiDef(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

type cliArgs struct {
	migrate, sweep, duel, admin bool
	play, token                 string
}

func parseArgs(args []string) cliArgs {
	var a cliArgs
	for i := 0; i < len(args); i++ {
		next := func() string {
			if i+1 < len(args) {
				i++
				return args[i]
			}
			return ""
		}
		switch args[i] {
		case "--migrate":
			a.migrate = true
		case "--sweep":
			a.sweep = true
		case "--duel":
			a.duel = true
		case "--admin":
			a.admin = true
		case "--play":
			a.play = next()
		case "--token":
			a.token = next()
		}
	}
	return a
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	loadAPIKeyFromSecret()
	useColor = os.Getenv("NO_COLOR") == "" && strings.TrimSpace(os.Getenv("USE_COLOR")) != "0"
	args := parseArgs(os.Args[1:])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watchSignals(cancel)

	switch {
	case args.token != "":
		tok, err := auth.Issue([]byte(cfg.JWTSecret), args.token, args.admin, 72*time.Hour)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(tok)
		return
	case args.duel:
		runDuel(ctx, cfg)
		return
	}

	if cfg.DatabaseURL == "" {
		log.Fatalf("Missing required env var DATABASE_URL. Put it in .env (dev) or set it on the host (prod).")
	}
	if args.migrate || cfg.AutoMigrate {
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			log.Fatal(err)
		}
		log.Println("migrated")
		if args.migrate {
			return
		}
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	hub := feed.NewHub()
	a := wire(db, db.Votes(), cfg, hub)

	switch {
	case args.sweep:
		rep, err := a.processor.Sweep(ctx)
		if err != nil {
			log.Fatal(err)
		}
		printJSON(rep)
		return
	case args.play != "":
		id, err := uuid.Parse(args.play)
		if err != nil {
			log.Fatalf("bad match id %q: %v", args.play, err)
		}
		rep, err := a.runner.Play(ctx, id)
		a.runner.Wait()
		if err != nil {
			log.Fatal(err)
		}
		printJSON(rep)
		return
	}

	serve(ctx, cfg, a, db, hub)
}

func serve(ctx context.Context, cfg config.Config, a *arena, db *store.DB, hub *feed.Hub) {
	// paired matches start playing as soon as they exist
	a.processor.OnPaired = func(m model.Match) {
		go func() {
			if _, err := a.runner.Play(context.Background(), m.ID); err != nil {
				log.Printf("[play] %s: %v", m.ID, err)
			}
		}()
	}
	sched, err := a.processor.StartScheduler(ctx, cfg.SweepInterval)
	if err != nil {
		log.Fatal(err)
	}
	defer sched.Shutdown()

	proxies, _ := cfg.Proxies() // checked by config.Load
	r := Router(&api{
		store:     db,
		votes:     a.votes,
		settle:    a.coordinator,
		wagers:    a.wagers,
		matchmake: a.processor,
		hub:       hub,
		secret:    []byte(cfg.JWTSecret),
		ipKey:     []byte(cfg.IPHashKey),
		proxies:   proxies,
		limit:     cfg.ClampLimit,
	})
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadTimeout: 15 * time.Second, WriteTimeout: 15 * time.Second}
	go func() {
		<-ctx.Done()
		shut, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shut)
	}()
	log.Printf("listening on http://localhost:%s (Ctrl+C to stop) %s", cfg.Port, cfg)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	a.runner.Wait()
}

func watchSignals(cancel context.CancelFunc) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	<-ch
	cancel()
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

//
// ===== wiring =====
//

// arenaStore is everything the engine persists. Both the Postgres store and
// the in-memory store satisfy it.
type arenaStore interface {
	settlement.Store
	runtime.Store
	matchmaking.Store
	elimination.Store
	wager.Ledger
	arenaReader
	feed.EventLog
}

type arena struct {
	votes       *votes.Aggregator
	wagers      *wager.Service
	coordinator *settlement.Coordinator
	processor   *matchmaking.Processor
	runner      *runtime.Runner
}

func wire(st arenaStore, durable votes.Store, cfg config.Config, pubs ...feed.Publisher) *arena {
	pub := feed.Multi(append([]feed.Publisher{feed.Recorder{Log: st}}, pubs...))

	agg := votes.NewAggregator(st, votes.NewMemoryStore(), durable, cfg.Volatile(), cfg.VoteLimits())
	wagers := wager.NewService(st, cfg.RakeRate(), cfg.MinStakeAmount(), wager.DrawPolicy(cfg.DrawPolicy))
	elim := elimination.NewChecker(st, pub, cfg.EliminationThreshold, cfg.EliminationMinMatches)
	coord := settlement.NewCoordinator(st, agg, wagers, elim, cfg.Calculator(), pub)

	client := llm.NewClient(cfg.ResponseTimeout)
	responder := agent.NewRegistry(st).
		Register(model.BackendOpenAI, client).
		Register(model.BackendOpenRouter, client)

	proc := matchmaking.NewProcessor(st, coord, pub, cfg.QueueTTL)
	if cfg.StaleSettling > 0 {
		proc.StaleAfter = cfg.StaleSettling
	}

	return &arena{
		votes:       agg,
		wagers:      wagers,
		coordinator: coord,
		processor:   proc,
		runner:      runtime.NewRunner(st, responder, coord, pub, cfg.Runtime()),
	}
}

//
// ===== console duel =====
//

// duelAgent builds a house agent for slot A or B. OPENAI_MODEL_A/B pick an
// LLM backend; without one the scripted bot plays.
func duelAgent(slot string) (model.Agent, model.Wallet) {
	w := model.Wallet{ID: uuid.New(), OwnerID: uuid.New(), Balance: decimal.NewFromInt(100)}
	a := model.Agent{
		ID:        uuid.New(),
		Name:      "Bot " + slot,
		OwnerID:   w.OwnerID,
		WalletID:  w.ID,
		Backend:   model.BackendScripted,
		Rating:    model.InitialRating,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if m := os.Getenv("OPENAI_MODEL_" + slot); m != "" {
		a.Name, a.Model = m, m
		a.Backend = model.BackendOpenAI
		if os.Getenv("OPENAI_API_KEY") == "" && os.Getenv("OPENROUTER_API_KEY") != "" {
			a.Backend = model.BackendOpenRouter
		}
	}
	return a, w
}

func runDuel(ctx context.Context, cfg config.Config) {
	st := memstore.New()
	a := wire(st, nil, cfg, feed.NewConsole(os.Stdout))

	players := make([]model.Agent, 0, 2)
	for _, slot := range []string{"A", "B"} {
		ag, w := duelAgent(slot)
		if err := st.CreateWallet(ctx, w); err != nil {
			log.Fatal(err)
		}
		if err := st.CreateAgent(ctx, ag); err != nil {
			log.Fatal(err)
		}
		players = append(players, ag)
	}

	games := atoiDef(getenv("DUEL_GAMES", "1"), 1)
	score := map[uuid.UUID]float64{}
	for g := 0; g < games && ctx.Err() == nil; g++ {
		// alternate white
		white, black := players[g%2], players[(g+1)%2]
		section(fmt.Sprintf("Game %d/%d  %s (white) vs %s (black)", g+1, games, white.Name, black.Name))
		m, err := a.processor.CreateMatch(ctx, model.ArenaChess, []uuid.UUID{white.ID, black.ID})
		if err != nil {
			log.Fatal(err)
		}
		rep, err := a.runner.Play(ctx, m.ID)
		if err != nil {
			log.Printf("[duel] game %d: %v", g+1, err)
			continue
		}
		if rep.Outcome == nil {
			continue
		}
		for _, p := range players {
			score[p.ID] += rep.Outcome.Score(p.ID)
		}
		switch {
		case rep.Outcome.Draw:
			fmt.Println(warn("draw: " + rep.Outcome.Reason))
		case rep.Outcome.WinnerID != nil && *rep.Outcome.WinnerID == white.ID:
			fmt.Println(good(white.Name+" wins") + dim(" ("+rep.Outcome.Reason+")"))
		default:
			fmt.Println(good(black.Name+" wins") + dim(" ("+rep.Outcome.Reason+")"))
		}
	}
	a.runner.Wait()

	section("Summary")
	for _, p := range players {
		cur, err := st.GetAgent(ctx, p.ID)
		if err != nil {
			continue
		}
		delta := cur.Rating - p.Rating
		d := fmt.Sprintf("%+d", delta)
		if delta < 0 {
			d = bad(d)
		} else {
			d = good(d)
		}
		sub(fmt.Sprintf("%-24s score=%.1f  elo=%d (%s)  W/L/D=%d/%d/%d", cur.Name, score[p.ID], cur.Rating, d, cur.Wins, cur.Losses, cur.Draws))
	}
}
