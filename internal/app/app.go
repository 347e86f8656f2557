package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"disputable-values-monitor/internal/alerting"
	"disputable-values-monitor/internal/chain"
	"disputable-values-monitor/internal/config"
	"disputable-values-monitor/internal/contractmon"
	"disputable-values-monitor/internal/disputer"
	"disputable-values-monitor/internal/monitor"
	"disputable-values-monitor/internal/reference"
	"disputable-values-monitor/internal/storage"
	"disputable-values-monitor/internal/tracker"
)

// runLockKey is the advisory lock guarding against two monitor processes
// writing to the same database.
const runLockKey int64 = 0x6476_6d01

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newChains() (*chain.Manager, error) {
	return chain.NewManager(a.Config.Chains, a.Config.Monitor.RequestTimeout, a.Logger)
}

func (a *App) newReference() reference.Source {
	return reference.NewHTTP(reference.HTTPOptions{
		BaseURL:   a.Config.Reference.BaseURL,
		Timeout:   a.Config.Reference.RequestTimeout,
		UserAgent: a.Config.Reference.UserAgent,
	}, a.Logger)
}

// newSenders builds one sender per configured channel. Channels flagged mock
// become no-ops so the rest of the pipeline can be exercised without
// credentials.
func (a *App) newSenders() map[string]alerting.Sender {
	cfg := a.Config
	senders := make(map[string]alerting.Sender)

	if cfg.ChannelEnabled("sms") {
		if cfg.Alerting.Twilio.Mock {
			senders["sms"] = alerting.NewNoop("sms", a.Logger)
		} else {
			senders["sms"] = alerting.NewTwilio(alerting.TwilioOptions{
				AccountSID: cfg.Alerting.Twilio.AccountSID,
				AuthToken:  cfg.Alerting.Twilio.AuthToken,
				From:       cfg.Alerting.Twilio.From,
				Recipients: cfg.Alerting.Twilio.Recipients,
				APIBase:    cfg.Alerting.Twilio.APIBase,
				AllValues:  cfg.Monitor.AllValues,
			}, a.Logger)
		}
	}

	if cfg.ChannelEnabled("email") {
		if cfg.Alerting.Email.Mock {
			senders["email"] = alerting.NewNoop("email", a.Logger)
		} else {
			senders["email"] = alerting.NewEmail(alerting.EmailOptions{
				Host:       cfg.Alerting.Email.Host,
				Port:       cfg.Alerting.Email.Port,
				Username:   cfg.Alerting.Email.Username,
				Password:   cfg.Alerting.Email.Password,
				From:       cfg.Alerting.Email.From,
				Recipients: cfg.Alerting.Email.Recipients,
				AllValues:  cfg.Monitor.AllValues,
			}, a.Logger)
		}
	}

	if cfg.ChannelEnabled("team_email") {
		if cfg.Alerting.Email.Mock {
			senders["team_email"] = alerting.NewNoop("team_email", a.Logger)
		} else {
			senders["team_email"] = alerting.NewEmail(alerting.EmailOptions{
				Host:       cfg.Alerting.Email.Host,
				Port:       cfg.Alerting.Email.Port,
				Username:   cfg.Alerting.Email.Username,
				Password:   cfg.Alerting.Email.Password,
				From:       cfg.Alerting.Email.From,
				Recipients: cfg.Alerting.Email.TeamRecipients,
				AllValues:  cfg.Monitor.AllValues,
				Team:       true,
			}, a.Logger)
		}
	}

	if cfg.ChannelEnabled("slack") {
		if cfg.Alerting.Slack.Mock {
			senders["slack"] = alerting.NewNoop("slack", a.Logger)
		} else {
			senders["slack"] = alerting.NewSlack(alerting.SlackOptions{
				WebhookHigh: cfg.Alerting.Slack.WebhookHigh,
				WebhookMid:  cfg.Alerting.Slack.WebhookMid,
				WebhookLow:  cfg.Alerting.Slack.WebhookLow,
				AllValues:   cfg.Monitor.AllValues,
			}, a.Logger)
		}
	}

	return senders
}

func (a *App) newDispatcher() *alerting.Dispatcher {
	return alerting.NewDispatcher(a.newSenders(), alerting.NewOutcomes(), a.Logger)
}

func (a *App) newTracker() *tracker.Tracker {
	profiles, _ := a.Config.Reporters.Profiles()
	return tracker.New(tracker.Options{
		WindowSize: a.Config.Monitor.DisplaySize,
		Margin:     a.Config.Reporters.TimeMargin,
		Reporters:  profiles,
		Silence:    a.Config.Reporters.Silence,
	})
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if store != nil {
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		unlock, acquired, lockErr := store.TryAdvisoryLock(ctx, runLockKey)
		if lockErr != nil {
			return lockErr
		}
		if !acquired {
			return errors.New("another monitor instance holds the database lock")
		}
		defer unlock()
	}

	chains, err := a.newChains()
	if err != nil {
		return err
	}
	defer chains.Close()

	var executor monitor.Executor
	if a.Config.Disputer.Enabled {
		d, disputerErr := disputer.New(a.Config.Disputer, chains, a.Logger)
		if disputerErr != nil {
			return disputerErr
		}
		executor = d
		a.Logger.Info().Str("account", d.Account().Hex()).Msg("on-chain dispute submission enabled")
	}

	var csvLog *storage.CSVLog
	if a.Config.Monitor.DisplayCSV != "" {
		csvLog = storage.NewCSVLog(a.Config.Monitor.DisplayCSV)
	}

	var reportStore storage.ReportStore
	var alertStore storage.AlertStore
	if store != nil {
		reportStore = store
		alertStore = store
	}

	sources := make([]monitor.LogSource, 0, len(chains.All()))
	for _, client := range chains.All() {
		sources = append(sources, client)
	}

	dispatcher := a.newDispatcher()

	mon := monitor.New(monitor.Options{
		Config:    a.Config,
		Sources:   sources,
		Reference: a.newReference(),
		Tracker:   a.newTracker(),
		Notifier:  dispatcher,
		Executor:  executor,
		CSVLog:    csvLog,
		Reports:   reportStore,
		Alerts:    alertStore,
	}, a.Logger)

	done := make(chan struct{})
	if a.Config.Contracts.Enabled {
		sweeper, sweepErr := a.newContractMonitor(chains, dispatcher)
		if sweepErr != nil {
			return sweepErr
		}
		go func() {
			defer close(done)
			if runErr := sweeper.Run(ctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
				a.Logger.Error().Err(runErr).Msg("contract monitor stopped with error")
			}
		}()
	} else {
		close(done)
	}

	a.Logger.Info().Msg("starting monitoring service")
	err = mon.Run(ctx)
	<-done
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

func (a *App) newContractMonitor(chains *chain.Manager, notifier contractmon.Notifier) (*contractmon.Monitor, error) {
	client, ok := chains.Client(a.Config.Contracts.ChainID)
	if !ok {
		return nil, errors.New("contract_monitor.chain_id does not match any configured chain")
	}
	return contractmon.New(a.Config.Contracts, client, notifier, a.Logger), nil
}

// ExportOptions hold parameters for exporting historical reports.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Alerts bool
}
