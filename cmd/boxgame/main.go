package main

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"

	"github.com/donedgardo/rollback/pkg/config"
	"github.com/donedgardo/rollback/pkg/input"
	"github.com/donedgardo/rollback/pkg/logger"
	"github.com/donedgardo/rollback/pkg/monitoring"
	"github.com/donedgardo/rollback/pkg/os"
	"github.com/donedgardo/rollback/pkg/protocol"
	"github.com/donedgardo/rollback/pkg/session"
	"github.com/donedgardo/rollback/pkg/transport"
)

var Version = "?"

func main() {
	conf := config.App{}
	if err := config.LoadConfig(&conf, ""); err != nil {
		// No config file around; tag defaults plus the environment will do.
		if err := config.LoadConfigEnv(&conf); err != nil {
			panic(err)
		}
	}

	var (
		players    []string
		spectators []string
		spectate   string
		synctest   bool
		numPlayers int
		frames     int32
		debug      bool
	)
	fs := flag.CommandLine
	conf.WithFlags(fs)
	fs.StringSliceVar(&players, "players", nil,
		`Players in handle order: "localhost" for this process, "host:port" for remotes`)
	fs.StringSliceVar(&spectators, "spectators", nil, "Spectator addresses")
	fs.StringVar(&spectate, "spectate", "", "Follow the session hosted at host:port instead of playing")
	fs.BoolVar(&synctest, "synctest", false, "Run the offline determinism check instead of networking")
	fs.IntVar(&numPlayers, "num-players", 2, "Player count of the game (spectator and synctest modes)")
	fs.Int32Var(&frames, "frames", 0, "Stop after this many frames (0 = run until interrupted)")
	fs.BoolVar(&debug, "debug", false, "Verbose logs")
	flag.Parse()

	log := logger.NewConsole(debug, "box", false)
	log.Info().Msgf("version %s", Version)
	if debug {
		log.Debug().Msgf("config: %+v", conf)
	}

	switch {
	case synctest:
		runSyncTest(conf, log, numPlayers, frames)
	case spectate != "":
		runSpectator(conf, log, spectate, numPlayers, frames)
	default:
		runP2P(conf, log, players, spectators, frames)
	}
}

func builderFor(game *boxGame, players int, conf config.App, log *logger.Logger) *session.Builder {
	return session.NewBuilder(players, 1).
		WithLogger(log).
		WithSimulation(game).
		WithMaxPrediction(conf.Session.MaxPrediction).
		WithInputDelay(conf.Session.InputDelay).
		WithProtocolConfig(protocolConf(conf.Session.Protocol)).
		RegisterState("boxes", game.saveBoxes, game.loadBoxes).
		RegisterState("frame", game.saveFrame, game.loadFrame)
}

func protocolConf(p config.Protocol) protocol.Config {
	return protocol.Config{
		SyncRoundtrips:        p.SyncRoundtrips,
		SyncRetryInterval:     p.SyncRetryInterval,
		MaxSyncRetries:        p.MaxSyncRetries,
		QualityReportInterval: p.QualityReportInterval,
		KeepAliveInterval:     p.KeepAliveInterval,
		DisconnectTimeout:     p.DisconnectTimeout,
		DisconnectNotifyStart: p.DisconnectNotifyStart,
	}
}

func startMonitoring(conf config.App, log *logger.Logger) func() {
	mon := monitoring.New(conf.Monitoring, log)
	mon.Run()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := mon.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("monitoring shutdown")
		}
	}
}

func runP2P(conf config.App, log *logger.Logger, players, spectators []string, frames int32) {
	if len(players) == 0 {
		log.Fatal().Msg(`--players is required, e.g. --players localhost,127.0.0.1:7001`)
	}
	defer startMonitoring(conf, log)()

	game := newBoxGame(len(players), conf.Game.ArenaSize, conf.Game.Speed)
	b := builderFor(game, len(players), conf, log)
	localHandle := -1
	remotes := make(map[int]string)
	for h, p := range players {
		if strings.EqualFold(p, "localhost") {
			b.AddPlayer(session.Local(), h)
			localHandle = h
			continue
		}
		b.AddPlayer(session.Remote(p), h)
		remotes[h] = p
	}
	for i, addr := range spectators {
		b.AddPlayer(session.Spectator(addr), len(players)+i)
	}

	sock, err := transport.NewUDP(conf.Session.LocalPort, log)
	if err != nil {
		log.Fatal().Err(err).Msg("socket")
	}
	defer func() { _ = sock.Close() }()

	sess, err := b.StartP2P(sock)
	if err != nil {
		log.Fatal().Err(err).Msg("session")
	}
	metrics := monitoring.NewSessionMetrics(prometheus.DefaultRegisterer, sock.LocalAddr())

	term := os.ExpectTermination()
	ticker := time.NewTicker(time.Second / time.Duration(conf.Game.FPS))
	defer ticker.Stop()

	var skip int32
	nextStats := input.Frame(conf.Game.FPS)
	for {
		select {
		case <-term:
			log.Info().Msg("interrupted")
			return
		case <-ticker.C:
		}

		if skip > 0 {
			// Pacing: burn ticks so the lagging side catches up.
			skip--
			sess.PollRemoteClients()
			drainEvents(sess, log, metrics, &skip)
			continue
		}

		if localHandle >= 0 {
			if err := sess.AddLocalInput(localHandle, []byte{scriptedInput(game.frame)}); err != nil {
				if errors.Is(err, session.ErrNotSynchronized) {
					sess.PollRemoteClients()
					drainEvents(sess, log, metrics, &skip)
					continue
				}
				log.Fatal().Err(err).Msg("local input")
			}
		}
		if _, err := sess.AdvanceFrame(); err != nil {
			switch {
			case errors.Is(err, session.ErrPredictionThreshold):
				metrics.Stalls.Inc()
			case errors.Is(err, session.ErrNotSynchronized):
			case errors.Is(err, session.ErrDesync):
				log.Fatal().Err(err).Msg("simulation diverged beyond repair")
			default:
				log.Fatal().Err(err).Msg("advance")
			}
			drainEvents(sess, log, metrics, &skip)
			continue
		}
		metrics.Frames.Inc()
		metrics.ConfirmedFrame.Set(float64(sess.ConfirmedFrame()))
		drainEvents(sess, log, metrics, &skip)

		if sess.CurrentFrame() >= nextStats {
			nextStats += input.Frame(conf.Game.FPS)
			for h, addr := range remotes {
				stats, err := sess.NetworkStats(h)
				if err != nil {
					continue
				}
				metrics.ObservePeer(addr, stats.Ping, stats.SendQueueLen)
				log.Debug().
					Int("player", h).
					Dur("ping", stats.Ping).
					Int("queue", stats.SendQueueLen).
					Int("kbps", stats.KbpsSent).
					Msg("link")
			}
		}
		if frames > 0 && game.frame >= frames {
			log.Info().Int32("frame", game.frame).Msgf("done, boxes: %v", game.boxes)
			return
		}
	}
}

func drainEvents(sess *session.P2P, log *logger.Logger, metrics *monitoring.SessionMetrics, skip *int32) {
	for _, e := range sess.Events() {
		switch e.Kind {
		case session.EventRunning:
			log.Info().Msg("session running")
		case session.EventSynchronizing:
			log.Debug().Str("peer", e.Addr).Msgf("synchronizing %d/%d", e.Count, e.Total)
		case session.EventSynchronized:
			log.Info().Str("peer", e.Addr).Msg("peer synchronized")
		case session.EventWaitRecommendation:
			*skip = e.SkipFrames
			metrics.SkipFrames.Add(float64(e.SkipFrames))
			log.Debug().Int32("frames", e.SkipFrames).Msg("skipping ahead of peers")
		case session.EventMisprediction:
			metrics.Rollbacks.Inc()
			log.Debug().Int32("frame", e.Frame).Msg("rollback")
		case session.EventNetworkInterrupted:
			log.Warn().Int("player", e.Player).Dur("timeout", e.DisconnectTimeout).Msg("connection interrupted")
		case session.EventNetworkResumed:
			log.Info().Int("player", e.Player).Msg("connection resumed")
		case session.EventDisconnected:
			log.Warn().Int("player", e.Player).Msg("player disconnected")
		case session.EventDesync:
			log.Error().Int32("frame", e.Frame).Msg("desync detected")
		}
	}
}

func runSpectator(conf config.App, log *logger.Logger, host string, numPlayers int, frames int32) {
	defer startMonitoring(conf, log)()

	// The spectated input stream is numPlayers wide; the flag must match the
	// hosted game.
	game := newBoxGame(numPlayers, conf.Game.ArenaSize, conf.Game.Speed)
	sock, err := transport.NewUDP(conf.Session.LocalPort, log)
	if err != nil {
		log.Fatal().Err(err).Msg("socket")
	}
	defer func() { _ = sock.Close() }()

	sess, err := builderFor(game, numPlayers, conf, log).StartSpectator(sock, host)
	if err != nil {
		log.Fatal().Err(err).Msg("session")
	}

	term := os.ExpectTermination()
	ticker := time.NewTicker(time.Second / time.Duration(conf.Game.FPS))
	defer ticker.Stop()

	for {
		select {
		case <-term:
			log.Info().Msg("interrupted")
			return
		case <-ticker.C:
		}
		if _, err := sess.AdvanceFrame(); err != nil {
			switch {
			case errors.Is(err, session.ErrPredictionThreshold),
				errors.Is(err, session.ErrNotSynchronized):
				// Nothing to show yet.
			case errors.Is(err, session.ErrSpectatorTooFarBehind):
				log.Fatal().Err(err).Msg("lost the stream")
			case errors.Is(err, session.ErrNotConnected):
				log.Info().Msg("host is gone")
				return
			default:
				log.Fatal().Err(err).Msg("advance")
			}
		}
		for _, e := range sess.Events() {
			if e.Kind == session.EventRunning {
				log.Info().Msg("following the host stream")
			}
		}
		if frames > 0 && game.frame >= frames {
			log.Info().Int32("frame", game.frame).Msgf("done, boxes: %v", game.boxes)
			return
		}
	}
}

func runSyncTest(conf config.App, log *logger.Logger, numPlayers int, frames int32) {
	if frames <= 0 {
		frames = 600
	}
	game := newBoxGame(numPlayers, conf.Game.ArenaSize, conf.Game.Speed)
	sess, err := builderFor(game, numPlayers, conf, log).StartSyncTest(conf.Session.CheckDistance)
	if err != nil {
		log.Fatal().Err(err).Msg("session")
	}
	for game.frame < frames {
		for h := 0; h < numPlayers; h++ {
			if err := sess.AddLocalInput(h, []byte{scriptedInput(game.frame + input.Frame(h))}); err != nil {
				log.Fatal().Err(err).Msg("local input")
			}
		}
		if _, err := sess.AdvanceFrame(); err != nil {
			log.Fatal().Err(err).Int32("frame", game.frame).Msg("determinism check failed")
		}
	}
	log.Info().Int32("frames", frames).Msg("simulation is deterministic")
}
