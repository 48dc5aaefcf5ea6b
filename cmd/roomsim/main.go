// roomsim drives a handful of simulated players through the full session
// lifecycle against one shared in-memory store: connect, join the same room,
// spawn an avatar, stream transforms and chat RPCs, then leave. Useful for
// eyeballing logs and the worker/rpc counters.
//
// Usage:
//
//	go run ./cmd/roomsim/ [-players 4] [-duration 10s] [-config firenet.toml]
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Lewxa2011/FireNet/internal/config"
	"github.com/Lewxa2011/FireNet/internal/logging"
	"github.com/Lewxa2011/FireNet/internal/nmath"
	"github.com/Lewxa2011/FireNet/internal/replicate"
	"github.com/Lewxa2011/FireNet/internal/rpc"
	"github.com/Lewxa2011/FireNet/internal/session"
	"github.com/Lewxa2011/FireNet/internal/store"
)

const roomName = "sim-arena"

// avatar is the simulated network object; remote calls just count.
type avatar struct {
	id       string
	received int
}

func (a *avatar) NetworkID() string { return a.id }

func (a *avatar) OnRemoteCall(method string, params []any) {
	a.received++
	_ = method
	_ = params
}

func main() {
	players := flag.Int("players", 4, "simulated player count")
	duration := flag.Duration("duration", 10*time.Second, "simulation length")
	cfgPath := flag.String("config", "", "optional config file")
	flag.Parse()

	cfg := config.Defaults()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	shared := store.NewMemoryStore()
	g := new(errgroup.Group)
	for i := 0; i < *players; i++ {
		i := i
		g.Go(func() error {
			return runPlayer(cfg, shared.Client(), log.Named(fmt.Sprintf("p%d", i)), i, *duration)
		})
	}
	if err := g.Wait(); err != nil {
		log.Error("simulation failed", zap.Error(err))
		os.Exit(1)
	}
	log.Info("simulation done")
}

func runPlayer(cfg *config.Config, st store.Store, log *zap.Logger, idx int, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), duration+30*time.Second)
	defer cancel()

	sess := session.New(cfg, st, session.GuestAuthenticator{}, log)
	sess.Subscribe(session.Callbacks{
		OnPlayerEntered: func(p session.Player) {
			log.Info("peer entered", zap.String("userId", p.UserID))
		},
		OnPlayerLeft: func(p session.Player) {
			log.Info("peer left", zap.String("userId", p.UserID))
		},
	})

	nick := fmt.Sprintf("sim-%d", idx)
	if err := sess.ConnectToMaster(ctx, "", nick); err != nil {
		return fmt.Errorf("player %d connect: %w", idx, err)
	}
	if err := sess.JoinOrCreateRoom(ctx, roomName, session.RoomOptions{
		MaxPlayers: 0,
		IsOpen:     true,
		IsVisible:  true,
	}); err != nil {
		return fmt.Errorf("player %d join: %w", idx, err)
	}

	transport := sess.RPC()
	transport.RegisterFactory("avatar", func(info rpc.SpawnInfo) rpc.NetworkObject {
		return &avatar{id: info.ObjectID}
	})
	obj, err := transport.Spawn("avatar", nmath.Vector3{}, nmath.QuaternionIdentity, nick)
	if err != nil {
		return fmt.Errorf("player %d spawn: %w", idx, err)
	}

	sync := replicate.NewTransformSync(cfg.Replication, obj.NetworkID(), transport)

	// Walk a circle so the thresholds and the adaptive interval both engage.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.Now().Add(duration)
	angle := float64(idx)
	for time.Now().Before(deadline) {
		<-ticker.C
		angle += 0.05
		state := replicate.TransformState{
			Position: nmath.Vector3{
				X: float32(10 * math.Cos(angle)),
				Z: float32(10 * math.Sin(angle)),
			},
			Rotation: nmath.QuaternionIdentity,
			Velocity: nmath.Vector3{
				X: float32(-10 * math.Sin(angle)),
				Z: float32(10 * math.Cos(angle)),
			},
		}
		if err := sync.Update(time.Now(), state); err != nil {
			log.Warn("transform send failed", zap.Error(err))
		}
		if err := transport.Send("chat", rpc.TargetAll, nick, "ping"); err != nil {
			log.Warn("chat send failed", zap.Error(err))
		}
		sess.Tick()
	}

	if err := transport.Despawn(obj.NetworkID()); err != nil {
		log.Warn("despawn failed", zap.Error(err))
	}
	if err := sess.LeaveRoom(ctx); err != nil {
		log.Warn("leave failed", zap.Error(err))
	}
	sess.Disconnect(ctx)

	stats := sess.Worker().Stats()
	log.Info("player done",
		zap.Int64("opsProcessed", stats.Processed),
		zap.Int64("opsFailed", stats.Failed),
		zap.Int64("opsDropped", stats.Dropped))
	return nil
}
