package start

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/alpacahq/replica/internal/di"
	"github.com/alpacahq/replica/metrics"
	"github.com/alpacahq/replica/replication"
	"github.com/alpacahq/replica/utils"
	"github.com/alpacahq/replica/utils/log"
)

const (
	usage                 = "start"
	short                 = "Start a replica"
	long                  = "This command starts a replica that follows the master's log"
	example               = "replica start --config <path>"
	defaultConfigFilePath = "./replica.yml"
	configDesc            = "set the path for the replica YAML configuration file"

	diskUsageMonitorInterval = 10 * time.Minute
	statusInterval           = 30 * time.Second
)

var (
	// Cmd is the start command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		Aliases:    []string{"s"},
		SuggestFor: []string{"boot", "up"},
		Example:    example,
		RunE:       executeStart,
	}
	// configFilePath set flag for a path to the config file.
	configFilePath string
)

// nolint:gochecknoinits // cobra's standard way to initialize flags
func init() {
	Cmd.Flags().StringVarP(&configFilePath, "config", "c", defaultConfigFilePath, configDesc)
}

// executeStart implements the start command.
func executeStart(cmd *cobra.Command, _ []string) error {
	globalCtx, globalCancel := context.WithCancel(context.Background())
	defer globalCancel()

	// Attempt to read config file.
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return fmt.Errorf("failed to read configuration file error: %w", err)
	}

	// Don't output command usage if args(=only the filepath to replica.yml at the moment) are correct
	cmd.SilenceUsage = true

	// Log config location.
	log.Info("using %v for configuration", configFilePath)

	// Attempt to set configuration.
	config, err := utils.ParseConfig(data)
	if err != nil {
		return fmt.Errorf("failed to parse configuration file error: %w", err)
	}
	log.SetLevel(config.LogLevel)

	c := di.NewContainer(config)
	defer func() {
		if err2 := c.Close(); err2 != nil {
			log.Error("failed to close the recovery store: %v", err2)
		}
	}()

	log.Info("initializing replica %s...", config.Replication.Identity)
	start := time.Now()

	session := c.GetSession()
	if err = session.Init(config.Replication.Identity); err != nil {
		return fmt.Errorf("failed to initialize replication: %w", err)
	}

	go metrics.StartDiskUsageMonitor(globalCtx, metrics.DiskUsage, c.GetAbsRootDir(), diskUsageMonitorInterval)

	startupTime := time.Since(start)
	metrics.StartupTime.Set(startupTime.Seconds())
	log.Info("startup time: %s", startupTime)

	if config.MetricsListenURL != "" {
		// Set monitoring handler.
		log.Info("launching prometheus metrics server...")
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: config.MetricsListenURL, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err2 := srv.ListenAndServe(); err2 != nil && !errors.Is(err2, http.ErrServerClosed) {
				log.Error("metrics server error: %v", err2)
			}
		}()
		defer srv.Close()
	}

	// Spawn a goroutine and listen for a signal.
	const defaultSignalChanLen = 10
	signalChan := make(chan os.Signal, defaultSignalChanLen)
	go func() {
		for s := range signalChan {
			switch s {
			case syscall.SIGUSR1:
				log.Info("dumping stack traces due to SIGUSR1 request")
				if err2 := pprof.Lookup("goroutine").WriteTo(os.Stdout, 1); err2 != nil {
					log.Error("failed to write goroutine pprof: %v", err2)
				}
			case syscall.SIGINT, syscall.SIGTERM:
				log.Info("initiating graceful shutdown due to '%v' request", s)
				globalCancel()
			}
		}
	}()
	signal.Notify(signalChan, syscall.SIGUSR1, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalChan)

	runErr := supervise(globalCtx, session, c.GetReplicationClientWithRetry())

	log.Info("shutting down replication...")
	finalErr := session.Final()
	if runErr != nil {
		return runErr
	}
	if finalErr != nil {
		return fmt.Errorf("replication ended with an error: %w", finalErr)
	}
	log.Info("exiting...")
	return nil
}

// supervise keeps the session connected until ctx is done or the session
// fails. A session that lost its master is reconnected through the retryer.
func supervise(ctx context.Context, session *replication.Session, retryer *replication.Retryer) error {
	t := time.NewTicker(statusInterval)
	defer t.Stop()
	reconnect := time.NewTicker(time.Second)
	defer reconnect.Stop()

	for {
		switch session.State() {
		case replication.SessionInitialized, replication.SessionDisconnected:
			if err := retryer.Run(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			log.Info("replica connected to the master")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-session.Done():
			return session.Err()
		case <-reconnect.C:
		case <-t.C:
			st := session.Status()
			log.Info("replication %s: state=%s write=%d applied=%d acked=%d",
				st.Identity, st.State, st.Write, st.Applied, st.Acked)
		}
	}
}
