// Command reach-report runs the kinematic monitoring daemon for a
// reach-to-grasp session: it ingests the marker stream, drives the
// per-trial detection pipeline and goggle trigger, persists the kinematic
// records, and serves a read-only status API.
package main

import (
	"context"
	"flag"
	"log"
	"math"
	"net/http"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/grasplab/reach.report/internal/api"
	"github.com/grasplab/reach.report/internal/config"
	"github.com/grasplab/reach.report/internal/goggles"
	"github.com/grasplab/reach.report/internal/kinematics"
	"github.com/grasplab/reach.report/internal/natnet"
	"github.com/grasplab/reach.report/internal/trial"
	"github.com/grasplab/reach.report/internal/triallog"
	"github.com/grasplab/reach.report/internal/version"
)

var (
	configPath = flag.String("config", "session.json", "Session configuration file")
	devMode    = flag.Bool("dev", false, "Replay a recorded fixture instead of opening hardware")
	fixture    = flag.String("fixture", "fixtures/reach.bin", "Frame fixture for -dev mode")
	listen     = flag.String("listen", "", "Status API listen address (overrides config)")
)

func main() {
	flag.Parse()
	log.Printf("reach-report %s (%s)", version.Version, version.GitSHA)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load session config: %v", err)
	}
	apiAddr := cfg.GetAPIAddr()
	if *listen != "" {
		apiAddr = *listen
	}

	// Frame source: live UDP listener, or a recorded fixture in dev mode.
	var source natnet.Source
	if *devMode {
		frames, err := natnet.LoadFixtureFile(*fixture)
		if err != nil {
			log.Fatalf("failed to load fixture: %v", err)
		}
		source = natnet.NewReplayer(frames, nil, true)
	} else {
		source = natnet.NewListener(natnet.ListenerConfig{Address: cfg.GetListenAddr()})
	}
	defer source.Close()

	// Goggle link: real serial port, or a self-acknowledging stub.
	var port goggles.Porter
	if *devMode {
		stub := goggles.NewTestablePort()
		stub.AutoAck = true
		port = stub
	} else {
		port, err = goggles.SerialFactory{}.Open(cfg.GetGogglePort(), goggles.DefaultMode())
		if err != nil {
			// The goggle link is shared infrastructure: unreachable at
			// startup means no session, not a degraded one.
			log.Fatalf("failed to open goggle port: %v", err)
		}
	}
	ctrl := goggles.NewController(port, goggles.Config{}, nil)
	defer ctrl.Close()

	db, err := triallog.Open(cfg.GetDBPath())
	if err != nil {
		log.Fatalf("failed to open trial database: %v", err)
	}
	defer db.Close()
	writer := triallog.NewWriter(db, 0)

	sess := trial.NewSession(cfg.Session(), source, ctrl, writer, nil)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Drive the frame source.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := source.Monitor(ctx); err != nil && err != context.Canceled {
			log.Printf("frame source terminated: %v", err)
		}
		log.Print("ingest routine stopped")
	}()

	// Drive the goggle acknowledgement reader.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ctrl.Monitor(ctx); err != nil && err != context.Canceled {
			log.Printf("goggle monitor terminated: %v", err)
		}
		log.Print("goggle routine stopped")
	}()

	// A status-only subscriber keeps live counters for the API without
	// touching the trial-critical path.
	var framesIngested atomic.Int64
	var lastSpeed atomicFloat
	wg.Add(1)
	go func() {
		defer wg.Done()
		watchStream(ctx, source, cfg, &framesIngested, &lastSpeed)
		log.Print("status routine stopped")
	}()

	// Status API server.
	wg.Add(1)
	go func() {
		defer wg.Done()
		status := func() api.Status {
			sn := sess.Snapshot()
			return api.Status{
				State:          sn.State,
				CurrentTrialID: sn.CurrentTrialID,
				TrialsRun:      sn.TrialsRun,
				TrialsTotal:    sn.TrialsTotal,
				FramesIngested: int(framesIngested.Load()),
				LastSpeed:      lastSpeed.Load(),
			}
		}
		server := &http.Server{
			Addr:    apiAddr,
			Handler: api.NewServer(db, status).ServeMux(),
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start status server: %v", err)
			}
		}()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("status server shutdown error: %v", err)
		}
		log.Print("status server stopped")
	}()

	// The session runner owns the trial sequence.
	results, err := sess.Run(ctx, cfg.TrialConfigs())
	if err != nil {
		log.Printf("session ended early: %v", err)
	}
	completed := 0
	for _, t := range results {
		if t.Outcome == trial.Completed {
			completed++
		}
	}
	log.Printf("session done: %d/%d trials completed", completed, len(results))

	if err := writer.Close(); err != nil {
		log.Printf("trial writer close: %v", err)
	}

	stop()
	wg.Wait()
	log.Print("shutdown complete")
}

// watchStream tallies ingest volume and the current centroid speed for
// the status API.
func watchStream(ctx context.Context, source natnet.Source, cfg *config.SessionConfig, frames *atomic.Int64, speed *atomicFloat) {
	est, err := kinematics.NewEstimator(cfg.GetWindowFrames(), cfg.GetStaleLimit())
	if err != nil {
		log.Printf("status estimator unavailable: %v", err)
		return
	}
	id, events := source.Subscribe()
	defer source.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != natnet.EventFrame {
				continue
			}
			frames.Add(1)
			if s, err := est.Step(ev.Frame); err == nil && !s.Stale {
				speed.Store(s.Speed)
			}
		}
	}
}

// atomicFloat stores a float64 behind an atomic uint64.
type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) Store(v float64) { f.bits.Store(math.Float64bits(v)) }
func (f *atomicFloat) Load() float64   { return math.Float64frombits(f.bits.Load()) }
