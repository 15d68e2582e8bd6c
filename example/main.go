package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/poohvpn/gqlx"
)

const tokenEnv = "GQLX_TOKEN"

// envStore keeps the token in the environment; a refresh re-reads the .env file.
type envStore struct {
	mu    sync.Mutex
	token string
	files []string
}

func (s *envStore) AuthState() gqlx.AuthSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gqlx.AuthSnapshot{Token: s.token}
}

func (s *envStore) Refresh(context.Context) (bool, error) {
	if err := godotenv.Overload(s.files...); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = os.Getenv(tokenEnv)
	return s.token != "", nil
}

func (s *envStore) Logout(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	return nil
}

func main() {
	var (
		configPath  string
		envFile     string
		metricsAddr string
		verbose     bool
		variables   string
	)
	var client *gqlx.Client

	root := &cobra.Command{
		Use:          "gqlx",
		Short:        "Run GraphQL operations through the resilient transport",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger := zap.NewNop()
			if verbose {
				l, err := zap.NewDevelopment()
				if err != nil {
					return err
				}
				logger = l
			}
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			cfg, err := gqlx.LoadConfig(configPath)
			if err != nil {
				return err
			}
			reg := prometheus.NewRegistry()
			opt := cfg.Option(&envStore{token: os.Getenv(tokenEnv), files: []string{envFile}}, logger)
			opt.Registerer = reg
			client, err = gqlx.NewClient(cfg.Endpoint, opt)
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						logger.Error("metrics server", zap.Error(err))
					}
				}()
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if client == nil {
				return nil
			}
			return client.Close()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "gqlx.yaml", "client config file")
	root.PersistentFlags().StringVar(&envFile, "env", ".env", "dotenv file holding "+tokenEnv)
	root.PersistentFlags().StringVar(&metricsAddr, "metrics", "", "serve prometheus metrics on this address")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log transport activity")
	root.PersistentFlags().StringVar(&variables, "vars", "{}", "operation variables as JSON")

	parseVars := func() (map[string]interface{}, error) {
		vars := map[string]interface{}{}
		if err := json.Unmarshal([]byte(variables), &vars); err != nil {
			return nil, errors.Wrap(err, "--vars")
		}
		return vars, nil
	}

	run := func(kind gqlx.Kind) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			vars, err := parseVars()
			if err != nil {
				return err
			}
			op := gqlx.NewOperation(kind, args[0], gqlx.Request{Query: args[1], Variables: vars})
			var data json.RawMessage
			if err := client.Do(cmd.Context(), &data, op); err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}
	}

	root.AddCommand(&cobra.Command{
		Use:   "query NAME QUERY",
		Short: "Run a query",
		Args:  cobra.ExactArgs(2),
		RunE:  run(gqlx.KindQuery),
	}, &cobra.Command{
		Use:   "mutate NAME MUTATION",
		Short: "Run a mutation",
		Args:  cobra.ExactArgs(2),
		RunE:  run(gqlx.KindMutation),
	}, &cobra.Command{
		Use:   "subscribe NAME SUBSCRIPTION",
		Short: "Print subscription values until interrupted",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := parseVars()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			done := make(chan struct{})
			op := gqlx.NewOperation(gqlx.KindSubscription, args[0], gqlx.Request{Query: args[1], Variables: vars})
			_, err = client.Subscribe(ctx, op, func(data json.RawMessage, errs gqlx.GraphQLErrors, completed bool) error {
				switch {
				case completed:
					close(done)
				case errs != nil:
					fmt.Fprintln(os.Stderr, errs.Error())
				default:
					fmt.Println(string(data))
				}
				return nil
			})
			if err != nil {
				return err
			}
			select {
			case <-ctx.Done():
			case <-done:
			}
			return nil
		},
	})

	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
