package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/caredesk/telemed/internal/config"
	"github.com/caredesk/telemed/internal/media"
	"github.com/caredesk/telemed/internal/pipeline"
	"github.com/caredesk/telemed/internal/recording"
	"github.com/caredesk/telemed/internal/rtc"
	sig "github.com/caredesk/telemed/internal/signal"
	"github.com/caredesk/telemed/internal/signaling"
)

// Application holds the call-side components for one consultation.
type Application struct {
	cfg    *config.Config
	logger *zap.Logger

	capture  *media.Capture
	remote   *media.RemoteSource
	channel  *signaling.Channel
	session  *rtc.Session
	pipeline *pipeline.Client

	displayName  string
	summarize    bool
	transcript   string
	transcriptMu sync.Mutex

	mu       sync.Mutex
	recorder *recording.Controller
	detach   func()
}

func main() {
	cfg := config.Load()

	var (
		serverURL   = flag.String("server", cfg.Pipeline.BaseURL, "telemedicine server base URL")
		roomID      = flag.String("room", "", "room id or join code (required)")
		displayName = flag.String("name", "", "display name shown to the other participant")
		role        = flag.String("role", "patient", "participant role: doctor or patient")
		token       = flag.String("token", os.Getenv("TELEMED_TOKEN"), "identity token")
		reconnect   = flag.Bool("reconnect", false, "redial signaling automatically after drops")
		summarize   = flag.Bool("summarize", false, "generate a clinical summary note after the call (doctor only)")
	)
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *roomID == "" {
		logger.Fatal("-room is required")
	}
	peerRole := sig.Role(*role)
	if peerRole != sig.RoleDoctor && peerRole != sig.RolePatient {
		logger.Fatal("role must be doctor or patient", zap.String("role", *role))
	}

	cfg.Pipeline.BaseURL = *serverURL

	app, err := newApplication(cfg, peerRole, *roomID, *displayName, *token, *reconnect, *summarize, logger)
	if err != nil {
		var accessErr *media.MediaAccessError
		if errors.As(err, &accessErr) {
			logger.Fatal("camera or microphone unavailable; check device permissions",
				zap.Error(accessErr))
		}
		logger.Fatal("failed to start", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("call ended with error", zap.Error(err))
	}
}

func newApplication(cfg *config.Config, role sig.Role, roomID, displayName, token string, reconnect, summarize bool, logger *zap.Logger) (*Application, error) {
	capture, err := media.AcquireLocalMedia(cfg.Recording, logger)
	if err != nil {
		return nil, err
	}

	remote, err := media.NewRemoteSource(cfg.Recording.SampleRate, cfg.Recording.ChannelCount, logger)
	if err != nil {
		capture.Close()
		return nil, err
	}

	var opts []signaling.ChannelOption
	if reconnect {
		opts = append(opts, signaling.WithAutoReconnect(2*time.Minute, nil))
	}
	dialCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	channel, err := signaling.Dial(dialCtx, cfg.Pipeline.BaseURL, roomID, signaling.Identity{
		DisplayName: displayName,
		Role:        role,
		Token:       token,
	}, logger, opts...)
	if err != nil {
		capture.Close()
		return nil, err
	}

	app := &Application{
		cfg:         cfg,
		logger:      logger.Named("agent"),
		capture:     capture,
		remote:      remote,
		channel:     channel,
		pipeline:    pipeline.NewClient(cfg.Pipeline, logger),
		displayName: displayName,
		summarize:   summarize,
	}

	session, err := rtc.NewSession(role, cfg.ICE.STUNServers, capture, channel, rtc.Events{
		OnStateChange: app.onStateChange,
		OnRemoteAudio: app.onRemoteAudio,
		OnChat: func(msg sig.ChatMessage) {
			fmt.Printf("[%s] %s: %s\n", msg.SentAt.Local().Format("15:04"), msg.Sender, msg.Text)
		},
		OnPeerJoined: func(p sig.Participant) {
			app.logger.Info("peer joined", zap.String("name", p.DisplayName), zap.String("role", string(p.Role)))
		},
		OnPeerLeft: func(p sig.Participant) {
			app.logger.Info("peer left", zap.String("name", p.DisplayName))
		},
		OnError: func(err error) {
			app.logger.Error("session error", zap.Error(err))
		},
	}, logger)
	if err != nil {
		channel.Close()
		capture.Close()
		return nil, err
	}
	app.session = session
	session.SetBeforeClose(app.finalizeRecording)
	return app, nil
}

func (a *Application) run(ctx context.Context) error {
	a.capture.Start(ctx)

	runErr := a.session.Run(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.session.Close(closeCtx); err != nil {
		a.logger.Warn("session close failed", zap.Error(err))
	}

	if a.summarize {
		a.createSummaryNote()
	}
	return runErr
}

func (a *Application) onStateChange(prev, next rtc.State) {
	a.logger.Info("negotiation state changed",
		zap.String("from", prev.String()),
		zap.String("to", next.String()))

	switch next {
	case rtc.StateConnected:
		a.startRecording()
	case rtc.StateFailed:
		// A failed transport needs a full restart; stop cleanly so the
		// partial recording still gets processed on close.
		a.logger.Warn("connection failed; hang up and place the call again")
	}
}

func (a *Application) onRemoteAudio(track *webrtc.TrackRemote) {
	go func() {
		if err := a.remote.Consume(context.Background(), track); err != nil {
			a.logger.Warn("remote audio ended", zap.Error(err))
		}
	}()
}

// startRecording builds the mixed-audio graph and begins the chunked
// session. Runs once per call; reconnect cycles reuse the live recorder.
func (a *Application) startRecording() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.recorder != nil {
		return
	}

	ctrl, err := recording.NewController(a.cfg.Recording, a.channel.RoomID(), a.logger)
	if err != nil {
		a.logger.Error("recording unavailable for this call", zap.Error(err))
		return
	}

	_, detach, err := media.BuildMixedGraph(
		a.capture.LocalSource(), a.remote, a.capture.FrameSize(), ctrl.PushFrame)
	if err != nil {
		a.logger.Error("failed to build recording graph", zap.Error(err))
		return
	}

	ctrl.Start(context.Background())
	a.recorder = ctrl
	a.detach = detach
	a.logger.Info("recording started",
		zap.String("roomId", a.channel.RoomID()),
		zap.String("mimeType", ctrl.MimeType()))
}

// finalizeRecording stops the recorder and runs the pipeline. Registered as
// the session's before-close hook so hang-up always waits for the final
// flush before anything is concatenated or uploaded.
func (a *Application) finalizeRecording(ctx context.Context) {
	a.mu.Lock()
	recorder := a.recorder
	detach := a.detach
	a.recorder = nil
	a.detach = nil
	a.mu.Unlock()
	if recorder == nil {
		return
	}
	detach()

	blob, err := recorder.Stop(ctx)
	if err != nil {
		a.logger.Error("recording finalization failed", zap.Error(err))
	}
	if len(blob.Data) == 0 {
		a.logger.Warn("recording is empty, skipping pipeline")
		return
	}
	a.logger.Info("recording finalized",
		zap.Int("bytes", len(blob.Data)),
		zap.Duration("duration", blob.Duration),
		zap.Int("chunks", recorder.ChunkCount()))

	result, err := a.pipeline.ProcessRecording(ctx, blob, a.session.ChatHistory(), recorder.SetStatus)
	if err != nil {
		a.logger.Error("pipeline failed", zap.Error(err))
	}
	if result != nil {
		a.transcriptMu.Lock()
		a.transcript = result.Transcript
		a.transcriptMu.Unlock()
		if result.UsedFallback {
			a.logger.Warn("consultation note used the chat fallback transcript")
		}
		for _, d := range result.Degraded {
			a.logger.Warn("pipeline stage degraded", zap.String("stage", d))
		}
	}
}

// createSummaryNote generates the clinical summary, on explicit request
// only, from whatever transcript the pipeline produced.
func (a *Application) createSummaryNote() {
	a.transcriptMu.Lock()
	transcript := a.transcript
	a.transcriptMu.Unlock()
	if transcript == "" {
		a.logger.Warn("no transcript available, skipping clinical summary")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Pipeline.RequestTimeout)
	defer cancel()
	summary, err := a.pipeline.CreateMedicalNote(ctx, a.channel.RoomID(), transcript)
	if err != nil {
		a.logger.Error("clinical summary failed", zap.Error(err))
		return
	}
	a.logger.Info("clinical summary filed", zap.Int("length", len(summary)))
}
