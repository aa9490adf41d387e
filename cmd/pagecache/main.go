package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/always-cache/pagecache"
	"github.com/always-cache/pagecache/config"
	"github.com/always-cache/pagecache/sites"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

// this is set by goreleaser
var version string

func init() {
	if version == "" {
		version = "DEV"
	}
}

func flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("pagecache", pflag.ExitOnError)
	fs.String("config", "", "Path to config file")
	fs.String("origin", "", "Origin URL to proxy to")
	fs.String("host", "", "Hostname of origin, if the origin URL is an IP address")
	fs.Int("port", 8080, "Port to listen on")
	fs.String("redis", "", "Redis address (overrides config)")
	fs.String("prefix", "", "Key prefix in Redis (overrides config)")
	fs.String("sites-db", "", "SQLite site directory for multisite setups (overrides config)")
	fs.String("admin-token", "", "Bearer token for the admin routes (disabled if empty)")
	fs.String("log-file", "", "Log file to use (in addition to stdout)")
	fs.BoolP("verbose", "v", false, "Verbosity: debug logging")
	fs.Bool("vv", false, "Verbosity: trace logging")
	return fs
}

func main() {
	fs := flags()
	fs.Parse(os.Args[1:])

	// every flag can also be set as PAGECACHE_<FLAG>
	v := viper.New()
	v.SetEnvPrefix("pagecache")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		panic(err)
	}

	setupLogging(v)

	settings, err := loadSettings(v)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}

	if v.GetString("origin") == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originURL, err := url.Parse(v.GetString("origin"))
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin url")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     settings.Redis.Addr,
		Password: settings.Redis.Password,
		DB:       settings.Redis.DB,
	})
	defer client.Close()

	var directory sites.Directory
	if settings.SitesDB != "" {
		d, err := sites.NewSQLiteDirectory(settings.SitesDB)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not open site directory")
		}
		defer d.Close()
		directory = d
	}

	engine := pagecache.New(pagecache.Config{
		Settings:   settings,
		Client:     client,
		Sites:      directory,
		Logger:     &log.Logger,
		Registerer: prometheus.DefaultRegisterer,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Msg("Redis not reachable, serving uncached until it is")
	}
	cancel()

	r := chi.NewRouter()
	if token := v.GetString("admin-token"); token != "" {
		r.Mount("/.pagecache", adminRouter(engine, token))
	} else {
		log.Warn().Msg("No admin token set, admin routes are disabled")
	}
	r.Handle("/metrics", metricsHandler())
	r.Handle("/*", engine.Middleware(newProxy(*originURL, v.GetString("host"))))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", v.GetInt("port")),
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", v.GetInt("port"), originURL.String(), v.GetString("host"))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := engine.RunMaintenance(ctx, settings.MaintenanceInterval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		// let background regenerations finish their writes
		engine.Wait()
		return err
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
	log.Info().Msg("Server stopped")
}

func setupLogging(v *viper.Viper) {
	// set log level
	logLevel := zerolog.InfoLevel
	if v.GetBool("verbose") {
		logLevel = zerolog.DebugLevel
	}
	if v.GetBool("vv") {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilename := v.GetString("log-file"); logFilename != "" {
		if logFileOutput, err := os.OpenFile(logFilename, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
}

// loadSettings reads the config file, if any, and applies flag and env overrides.
func loadSettings(v *viper.Viper) (config.Settings, error) {
	settings := config.Default()
	if filename := v.GetString("config"); filename != "" {
		loaded, err := config.Load(filename)
		if err != nil {
			return settings, err
		}
		settings = loaded
	}
	if addr := v.GetString("redis"); addr != "" {
		settings.Redis.Addr = addr
	}
	if prefix := v.GetString("prefix"); prefix != "" {
		settings.Prefix = prefix
	}
	if db := v.GetString("sites-db"); db != "" {
		settings.SitesDB = db
	}
	return settings, settings.Validate()
}

func newProxy(origin url.URL, hostHeader string) *httputil.ReverseProxy {
	transport := http.DefaultTransport
	if hostHeader != "" {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: hostHeader,
			},
		}
	}
	return &httputil.ReverseProxy{
		Director:  createDirector(origin.Scheme, origin.Host, hostHeader),
		Transport: transport,
	}
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}
