package cmds

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-go-golems/arbor/pkg/client"
	"github.com/go-go-golems/arbor/pkg/events"
	"github.com/go-go-golems/arbor/pkg/session"
	"github.com/go-go-golems/arbor/pkg/settings"
	"github.com/go-go-golems/arbor/pkg/store"
	"github.com/go-go-golems/arbor/pkg/stream"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// App is what one command invocation works with.
type App struct {
	Settings *settings.Settings
	Store    store.Store
	Bus      *events.Bus
	Session  *session.Session

	cancel  context.CancelFunc
	metrics *http.Server
}

// NewApp loads the settings from viper, opens the store and wires the
// session. Streamed events are printed to out.
func NewApp(ctx context.Context, out io.Writer) (*App, error) {
	s, err := settings.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	st, err := store.Open(s.Store.Driver, s.Store.Path)
	if err != nil {
		return nil, errors.Wrap(err, "could not open store")
	}

	bus, err := events.NewBus(events.WithVerbose(viper.GetBool("verbose")))
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	bus.AddHandler("log-conversation-updates", events.TopicConversationUpdated, func(n events.Notification) error {
		log.Debug().Str("chat_id", n.ChatID).Str("kind", string(n.Kind)).Msg("Conversation updated")
		return nil
	})

	busCtx, cancel := context.WithCancel(ctx)
	go func() {
		if err := bus.Run(busCtx); err != nil {
			log.Error().Err(err).Msg("Notification bus stopped")
		}
	}()
	<-bus.Running()

	ret := &App{
		Settings: s,
		Store:    st,
		Bus:      bus,
		cancel:   cancel,
	}

	metrics := stream.NewMetrics(prometheus.DefaultRegisterer)
	if addr := viper.GetString("metrics-addr"); addr != "" {
		ret.serveMetrics(addr)
	}

	coordinator := stream.NewCoordinator(
		client.NewClient(s.APIKey, s.BaseURL),
		st,
		stream.WithNotifier(bus),
		stream.WithMetrics(metrics),
		stream.WithTimeout(s.StreamTimeout),
	)
	printer := events.PrinterFunc(out)
	ret.Session = session.New(st, coordinator,
		session.WithSettings(s),
		session.WithBus(bus),
		session.WithEventHandler(func(chatID string, e events.Event) {
			if err := printer(e); err != nil {
				log.Warn().Err(err).Str("chat_id", chatID).Msg("Could not print event")
			}
		}),
	)
	return ret, nil
}

func (a *App) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metrics = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()
	log.Info().Str("addr", addr).Msg("Serving metrics")
}

// Close stops running generations, keeping what they streamed so far, and
// releases the store.
func (a *App) Close(ctx context.Context) error {
	var firstErr error
	if err := a.Session.Close(ctx); err != nil {
		firstErr = err
	}
	if a.metrics != nil {
		_ = a.metrics.Shutdown(ctx)
	}
	a.cancel()
	_ = a.Bus.Close()
	if err := a.Store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// openChat focuses chatID, or the most recently updated chat when empty.
// It returns false when there is no chat at all.
func (a *App) openChat(ctx context.Context, chatID string) (bool, error) {
	if chatID == "" {
		chats, err := a.Store.ListChats(ctx)
		if err != nil {
			return false, err
		}
		if len(chats) == 0 {
			return false, nil
		}
		chatID = chats[0].ID
	}
	if _, err := a.Session.OpenChat(ctx, chatID); err != nil {
		return false, err
	}
	return true, nil
}

// withApp runs f with a fresh App and always closes it.
func withApp(ctx context.Context, out io.Writer, f func(app *App) error) (err error) {
	app, err := NewApp(ctx, out)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return f(app)
}
