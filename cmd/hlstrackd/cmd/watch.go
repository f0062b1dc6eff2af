package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/hlstrack/internal/hlsbundle"
	"github.com/jmylchreest/hlstrack/internal/hlsclock"
	"github.com/jmylchreest/hlstrack/internal/hlsconfig"
	"github.com/jmylchreest/hlstrack/internal/hlsload"
	"github.com/jmylchreest/hlstrack/internal/hlsplaylist"
	"github.com/jmylchreest/hlstrack/internal/hlstrack"
	"github.com/jmylchreest/hlstrack/internal/observability"
)

var watchCmd = &cobra.Command{
	Use:   "watch <url>",
	Short: "Track a multivariant or media playlist and log every refresh",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

type logPrimaryListener struct {
	logger *slog.Logger
}

func (l *logPrimaryListener) OnPrimaryPlaylistRefreshed(snap *hlsplaylist.Snapshot) {
	l.logger.Info("primary playlist refreshed",
		slog.Uint64("media_sequence", snap.MediaSequence),
		slog.Int("segment_count", snap.SegmentCount()),
		slog.Bool("has_end_tag", snap.HasEndTag),
		slog.String("playlist_type", snap.PlaylistType.String()),
	)
}

type logEventListener struct {
	logger *slog.Logger
}

func (l *logEventListener) OnPlaylistChanged() {
	l.logger.Debug("a tracked playlist changed")
}

func (l *logEventListener) OnPlaylistError(url string, info hlsbundle.ErrorInfo, forceRetry bool) bool {
	l.logger.Warn("playlist error",
		slog.String("url", url),
		slog.String("error", info.Err.Error()),
		slog.Int("error_count", info.ErrorCount),
		slog.Int("http_status", info.HTTPStatus),
		slog.Bool("force_retry", forceRetry),
	)
	return false
}

func runWatch(cmd *cobra.Command, args []string) error {
	uri := args[0]
	logger := slog.Default()

	var cfg hlsconfig.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("unmarshaling config: %w", err)
	}

	source := hlsload.NewHTTPDataSource(logger)
	tracker := hlstrack.New(hlstrack.Config{
		Source: source,
		Policy: cfg.Retry.NewPolicy(),
		Clock:  hlsclock.NewSystem(),
		Parser: hlsplaylist.NewGohlslibParser(),
		Events: hlsload.NewSlogDispatcher(logger),
		Logger: logger,
	})
	tracker.AddPlaylistEventListener(&logEventListener{logger: logger})

	if err := tracker.Start(uri, &logPrimaryListener{logger: logger}); err != nil {
		return fmt.Errorf("starting tracker: %w", err)
	}
	defer tracker.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go reloadLogLevelOnSIGHUP(ctx, hup, logger)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// reloadLogLevelOnSIGHUP lets an operator bump verbosity on a running
// daemon without a restart: `kill -HUP <pid>` re-reads the config file (if
// one was loaded) and applies its logging.level to
// observability.GlobalLogLevel immediately.
func reloadLogLevelOnSIGHUP(ctx context.Context, hup <-chan os.Signal, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			before := observability.GetLogLevel()
			if viper.ConfigFileUsed() != "" {
				if err := viper.ReadInConfig(); err != nil {
					logger.Warn("SIGHUP config re-read failed", slog.String("error", err.Error()))
					continue
				}
			}
			var cfg hlsconfig.Config
			if err := viper.Unmarshal(&cfg); err != nil {
				logger.Warn("SIGHUP log level reload failed", slog.String("error", err.Error()))
				continue
			}
			observability.SetLogLevel(cfg.Logging.Level)
			logger.Info("log level reloaded",
				slog.String("previous", before),
				slog.String("current", observability.GetLogLevel()),
			)
		}
	}
}
