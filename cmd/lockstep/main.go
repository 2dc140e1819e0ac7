// Command lockstep runs a demo counter-game node:
// a full lockstep runtime (libp2p transport, ordering engine,
// counter reducer, action log kept in memory or, with --log-path,
// in a durable bbolt file) with a small HTTP surface
// for poking at it.
//
// The core deliberately has no CLI; this binary is embedding glue.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	petname "github.com/dustinkirkland/golang-petname"
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/lockstep-engine/lockstep/ls/lsaction"
	"github.com/lockstep-engine/lockstep/ls/lsclock"
	"github.com/lockstep-engine/lockstep/ls/lsengine"
	"github.com/lockstep-engine/lockstep/ls/lslog"
	"github.com/lockstep-engine/lockstep/ls/lslog/lsbolt"
	"github.com/lockstep-engine/lockstep/ls/lsnode"
	"github.com/lockstep-engine/lockstep/ls/lsorder"
	"github.com/lockstep-engine/lockstep/ls/lsp2p/lslibp2p"
)

type runConfig struct {
	Room       string `env:"LOCKSTEP_ROOM"`
	Listen     string `env:"LOCKSTEP_LISTEN"`
	HTTPAddr   string `env:"LOCKSTEP_HTTP"`
	T0Ms       int64  `env:"LOCKSTEP_T0_MS"`
	TickMs     int64  `env:"LOCKSTEP_TICK_MS"`
	InputDelay int64  `env:"LOCKSTEP_INPUT_DELAY"`
	LogPath    string `env:"LOCKSTEP_LOG_PATH"`

	dials []string
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lockstep",
		Short: "Demo node for the lockstep ordering engine",
	}
	root.AddCommand(runCmd())
	return root
}

func runCmd() *cobra.Command {
	cfg := runConfig{
		Room:       "demo",
		Listen:     "/ip4/0.0.0.0/tcp/0",
		HTTPAddr:   "127.0.0.1:8090",
		TickMs:     100,
		InputDelay: 2,
	}

	// Environment overrides the built-in defaults;
	// explicitly set flags win over both.
	// The flags below take the environment-adjusted values as their defaults.
	envErr := env.Parse(&cfg)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a counter-game node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return fmt.Errorf("failed to parse environment: %w", envErr)
			}
			return run(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&cfg.Room, "room", cfg.Room, "room identifier; all peers must match")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "libp2p listen multiaddr")
	fs.StringSliceVar(&cfg.dials, "dial", nil, "peer multiaddr to dial (repeatable)")
	fs.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "debug HTTP listen address")
	fs.Int64Var(&cfg.T0Ms, "t0-ms", cfg.T0Ms, "session start, unix milliseconds; all peers must match")
	fs.Int64Var(&cfg.TickMs, "tick-ms", cfg.TickMs, "tick duration in milliseconds")
	fs.Int64Var(&cfg.InputDelay, "input-delay", cfg.InputDelay, "input delay in ticks")
	fs.StringVar(&cfg.LogPath, "log-path", cfg.LogPath, "action log file; empty keeps it in memory")

	return cmd
}

type demoState struct {
	Total   int64                     `json:"total"`
	PerPeer map[lsaction.PeerID]int64 `json:"perPeer"`
}

type demoAction struct {
	Add int64 `json:"add"`
}

func demoEngine(log *slog.Logger) (*lsengine.Engine[demoState, demoAction], error) {
	return lsengine.New(log, lsengine.Config[demoState, demoAction]{
		InitialState: demoState{PerPeer: map[lsaction.PeerID]int64{}},
		Rule: lsengine.Rule[demoState, demoAction]{
			Apply: func(s demoState, a demoAction, m lsaction.Meta) demoState {
				perPeer := make(map[lsaction.PeerID]int64, len(s.PerPeer))
				for k, v := range s.PerPeer {
					perPeer[k] = v
				}
				perPeer[m.From] += a.Add
				return demoState{Total: s.Total + a.Add, PerPeer: perPeer}
			},
		},
		DecodeAction: func(payload json.RawMessage) (demoAction, error) {
			var a demoAction
			err := json.Unmarshal(payload, &a)
			return a, err
		},
		EncodeAction: func(a demoAction) (json.RawMessage, error) {
			return json.Marshal(a)
		},
	})
}

func run(ctx context.Context, cfg runConfig) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	name := petname.Generate(2, "-")
	log = log.With("name", name)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conn, err := lslibp2p.New(ctx, log.With("sys", "p2p"), lslibp2p.Config{
		ListenAddrs: []string{cfg.Listen},
		RoomID:      cfg.Room,
	})
	if err != nil {
		return err
	}

	engine, err := demoEngine(log.With("sys", "engine"))
	if err != nil {
		return err
	}

	ord, err := lsorder.New(log.With("sys", "order"), lsorder.Config{
		RoomID:          cfg.Room,
		Clock:           lsclock.Clock{T0Ms: cfg.T0Ms, TickMs: cfg.TickMs},
		InputDelayTicks: lsaction.Tick(cfg.InputDelay),
		Transport:       conn,
	})
	if err != nil {
		return err
	}

	var alog lslog.ActionLog = lslog.NewMemLog()
	if cfg.LogPath != "" {
		bl, err := lsbolt.NewLog(cfg.LogPath)
		if err != nil {
			return err
		}
		defer bl.Close()
		alog = bl
	}

	node, err := lsnode.New(log.With("sys", "node"), lsnode.Config[demoState, demoAction]{
		Engine:   engine,
		Ordering: ord,
		Log:      alog,
	})
	if err != nil {
		return err
	}

	if err := node.Start(ctx); err != nil {
		return err
	}
	defer node.Stop(context.Background())

	for _, addr := range cfg.dials {
		if err := conn.Connect(ctx, addr); err != nil {
			log.Warn("failed to dial peer", "addr", addr, "err", err)
		}
	}

	for _, a := range conn.Host().Addrs() {
		log.Info("listening", "addr", fmt.Sprintf("%s/p2p/%s", a, conn.Host().ID()))
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: newHandler(ctx, log, node, ord, alog),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("demo node up",
		"room", cfg.Room, "peer", conn.Self(), "http", cfg.HTTPAddr)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	node.Wait()
	return nil
}

func newHandler(
	ctx context.Context,
	log *slog.Logger,
	node *lsnode.Node[demoState, demoAction],
	ord *lsorder.Ordering,
	alog lslog.ActionLog,
) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		height, err := alog.LatestHeight(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{
			"self":          ord.Self(),
			"currentTick":   ord.CurrentTick(),
			"committedTick": ord.CommittedTick(),
			"height":        height,
			"pending":       node.PendingCount(),
			"state":         node.Optimistic(),
			"authoritative": node.Authoritative(),
			"err":           errString(node.Err()),
		})
	}).Methods(http.MethodGet)

	r.HandleFunc("/log", func(w http.ResponseWriter, req *http.Request) {
		from := queryUint(req, "from", 1)
		to := queryUint(req, "to", ^uint64(0))
		commits, err := alog.Range(req.Context(), from, to)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, commits)
	}).Methods(http.MethodGet)

	r.HandleFunc("/add", func(w http.ResponseWriter, req *http.Request) {
		n, err := strconv.ParseInt(req.URL.Query().Get("n"), 10, 64)
		if err != nil {
			http.Error(w, "query parameter n must be an integer", http.StatusBadRequest)
			return
		}
		if err := node.Submit(ctx, demoAction{Add: n}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"submitted": n})
	}).Methods(http.MethodPost)

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func queryUint(req *http.Request, key string, def uint64) uint64 {
	s := req.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return def
	}
	return v
}
