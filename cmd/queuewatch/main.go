package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"qms/branch-queue/internal/client"
	"qms/branch-queue/internal/httpapi"
	"qms/branch-queue/internal/logger"
	"qms/branch-queue/internal/models"
)

type options struct {
	wsURL    string
	apiURL   string
	userID   string
	role     string
	tokenID  string
	attempts int
	delay    time.Duration
	poll     time.Duration
	logLevel string
}

func main() {
	opts := parseFlags(os.Args[1:])

	log, err := logger.New(logger.Config{Level: opts.logLevel, Encoding: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := watch(ctx, opts, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("queuewatch stopped", zap.Error(err))
		os.Exit(1)
	}
}

func parseFlags(args []string) options {
	var opts options
	fs := pflag.NewFlagSet("queuewatch", pflag.ExitOnError)
	fs.StringVar(&opts.wsURL, "url", "ws://localhost:8080/realtime/websocket", "realtime WebSocket endpoint")
	fs.StringVar(&opts.apiURL, "api", "http://localhost:8080", "REST base URL used for resync and polling")
	fs.StringVar(&opts.userID, "user-id", "", "identity asserted in X-User-ID")
	fs.StringVar(&opts.role, "role", models.RoleStaff, "customer, staff or admin")
	fs.StringVar(&opts.tokenID, "token", "", "token to follow when resyncing or polling")
	fs.IntVar(&opts.attempts, "attempts", 5, "reconnect attempts before falling back to polling")
	fs.DurationVar(&opts.delay, "delay", time.Second, "delay between reconnect attempts")
	fs.DurationVar(&opts.poll, "poll", 10*time.Second, "polling interval once the realtime session is lost, 0 to exit instead")
	fs.StringVar(&opts.logLevel, "log-level", "info", "log level")
	_ = fs.Parse(args)
	return opts
}

func watch(ctx context.Context, opts options, log *zap.Logger) error {
	header := http.Header{}
	header.Set(httpapi.HeaderUserID, opts.userID)
	header.Set(httpapi.HeaderUserRole, opts.role)

	api := &apiClient{base: strings.TrimRight(opts.apiURL, "/"), header: header, http: &http.Client{Timeout: 10 * time.Second}}

	c := client.New(client.Config{
		URL:         opts.wsURL,
		Header:      header,
		MaxAttempts: opts.attempts,
		Delay:       opts.delay,
		OnEvent: func(event models.Event) {
			fields := []zap.Field{
				zap.Int64("sequence", event.Sequence),
				zap.String("type", event.Type),
				zap.String("audience", event.Audience),
			}
			if event.TokenNumber != "" {
				fields = append(fields, zap.String("token", event.TokenNumber), zap.String("status", event.Status))
			}
			if event.CounterNumber != nil {
				fields = append(fields, zap.Int("counter", *event.CounterNumber))
			}
			log.Info("event", fields...)
		},
		OnResync: func(ctx context.Context) error {
			log.Warn("missed events, refetching state")
			return snapshot(ctx, api, opts, log)
		},
		OnStateChange: func(state client.State, attempts int) {
			log.Info("connection", zap.String("state", string(state)), zap.Int("attempts", attempts))
		},
		Logger: log.Named("client"),
	})

	err := c.Run(ctx)
	if !errors.Is(err, client.ErrSessionLost) {
		return err
	}
	if opts.poll <= 0 {
		return err
	}
	log.Warn("realtime unavailable, polling", zap.Duration("interval", opts.poll))
	return poll(ctx, api, opts, log)
}

func poll(ctx context.Context, api *apiClient, opts options, log *zap.Logger) error {
	ticker := time.NewTicker(opts.poll)
	defer ticker.Stop()
	for {
		if err := snapshot(ctx, api, opts, log); err != nil {
			log.Warn("poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// snapshot logs the followed token, or the waiting list when no token is set.
func snapshot(ctx context.Context, api *apiClient, opts options, log *zap.Logger) error {
	if opts.tokenID != "" {
		var token models.Token
		if err := api.get(ctx, "/api/tokens/"+url.PathEscape(opts.tokenID), &token); err != nil {
			return err
		}
		log.Info("token", zap.String("number", token.TokenNumber), zap.String("status", token.Status), zap.Intp("counter", token.CounterNumber))
		return nil
	}
	var waiting struct {
		Tokens []models.Token `json:"tokens"`
	}
	if err := api.get(ctx, "/api/tokens", &waiting); err != nil {
		return err
	}
	log.Info("waiting", zap.Int("count", len(waiting.Tokens)))
	return nil
}

type apiClient struct {
	base   string
	header http.Header
	http   *http.Client
}

func (a *apiClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+path, nil)
	if err != nil {
		return err
	}
	req.Header = a.header.Clone()
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
