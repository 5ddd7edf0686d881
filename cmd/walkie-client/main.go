package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/majackson2003/walkie-talkie-mvp/internal/cid"
	"github.com/majackson2003/walkie-talkie-mvp/internal/config"
	"github.com/majackson2003/walkie-talkie-mvp/pkg/client"
	"github.com/majackson2003/walkie-talkie-mvp/pkg/playback"
	"github.com/majackson2003/walkie-talkie-mvp/pkg/protocol"
)

var rootCmd = &cobra.Command{
	Use:   "walkie-client",
	Short: "Command line walkie-talkie client",
	Long: `walkie-client connects to a walkie-server, creates a channel or joins one
by its 4-digit code, optionally sends a voice clip or an emergency alert and
then logs the traffic it receives until interrupted.

Flags can also be set through WALKIE_CLIENT_* environment variables.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.String("server", "ws://localhost:8080/ws", "websocket endpoint of the server")
	f.String("nickname", "", "nickname shown to other members (required)")
	f.String("channel", "", "4-digit channel code to join; a new channel is created when empty")
	f.String("clip", "", "audio file to send after joining (.webm or .m4a/.mp4)")
	f.Duration("duration", 0, "duration of the clip")
	f.String("priority", string(protocol.PriorityRoutine), "clip priority: routine, important or urgent")
	f.String("emergency", "", "emergency message to broadcast after joining")
	f.Duration("listen", 0, "how long to keep listening; until interrupted when 0")
	f.String("log-level", "info", "log level: debug, info, warn, error")
	f.String("log-format", "text", "log format: text or json")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	v := viper.New()
	v.SetEnvPrefix("WALKIE_CLIENT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	logger := config.NewLogger(config.LogConfig{Level: v.GetString("log-level"), Format: v.GetString("log-format")}, os.Stderr)
	nickname, ok := protocol.NormalizeNickname(v.GetString("nickname"))
	if !ok {
		return errors.New("a nickname of 1 to 24 characters is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := playback.New(playback.DefaultConfig(), &playback.LogPlayer{Logger: logger}, nil, logger)
	defer sched.Close()

	cfg := client.DefaultConfig()
	cfg.CID = cid.New()
	h := &handler{DefaultEventHandler: client.DefaultEventHandler{Logger: logger}, sched: sched}
	m := client.New(cfg, &client.WSDialer{URL: v.GetString("server")}, h, logger)
	m.Connect()
	defer m.Disconnect()

	session, err := join(ctx, m, v.GetString("channel"), nickname)
	if err != nil {
		return err
	}
	logger.Info("walkie-client: joined", "channel", session.Channel.Code, "user_id", session.User.ID, "members", len(session.Members))

	if path := v.GetString("clip"); path != "" {
		req, err := loadClip(path, v.GetDuration("duration"), protocol.Priority(v.GetString("priority")))
		if err != nil {
			return err
		}
		req.ChannelCode = session.Channel.Code
		req.SenderID = session.User.ID
		req.SenderNickname = session.User.Nickname
		ack, err := m.SendAudio(ctx, req)
		switch {
		case errors.Is(err, client.ErrQueued):
			logger.Warn("walkie-client: offline, clip queued")
		case err != nil:
			return fmt.Errorf("send clip: %w", err)
		default:
			logger.Info("walkie-client: clip sent", "id", ack.ID)
		}
	}

	if msg := v.GetString("emergency"); msg != "" {
		b, err := m.Broadcast(ctx, msg)
		if err != nil {
			return fmt.Errorf("emergency broadcast: %w", err)
		}
		logger.Info("walkie-client: emergency sent", "id", b.ID)
	}

	if d := v.GetDuration("listen"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	<-ctx.Done()
	return nil
}

func join(ctx context.Context, m *client.Manager, code, nickname string) (protocol.JoinResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if code == "" {
		resp, err := m.CreateChannel(ctx, nickname)
		if err != nil {
			return resp, fmt.Errorf("create channel: %w", err)
		}
		return resp, nil
	}
	resp, err := m.JoinChannel(ctx, code, nickname)
	if err != nil {
		return resp, fmt.Errorf("join channel %s: %w", code, err)
	}
	return resp, nil
}

// loadClip reads an audio file into a request body. The mime type follows
// the file extension.
func loadClip(path string, d time.Duration, p protocol.Priority) (protocol.SendAudioRequest, error) {
	var mime string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".webm":
		mime = "audio/webm"
	case ".m4a", ".mp4":
		mime = "audio/mp4"
	default:
		return protocol.SendAudioRequest{}, fmt.Errorf("unsupported clip type %q", filepath.Ext(path))
	}
	if d <= 0 {
		return protocol.SendAudioRequest{}, errors.New("--duration is required with --clip")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return protocol.SendAudioRequest{}, fmt.Errorf("read clip: %w", err)
	}
	return protocol.SendAudioRequest{
		AudioBase64: base64.StdEncoding.EncodeToString(data),
		MimeType:    mime,
		DurationMs:  float64(d.Milliseconds()),
		Priority:    p,
		SizeBytes:   int64(len(data)),
	}, nil
}
