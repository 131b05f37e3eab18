package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dealdesk/internal/app"
	"dealdesk/internal/config"
	"dealdesk/internal/db"
	"dealdesk/internal/domain"
	"dealdesk/internal/engine"
	"dealdesk/internal/engine/auth"
	"dealdesk/internal/logger"
	"dealdesk/internal/repo"
	"dealdesk/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dd",
	Short: "Dealdesk CLI",
	Long: `Dealdesk negotiates car sales within dealer policy.
Core concepts:
- Negotiation: one session per user, opened with a first offer and closed by accept, reject or expiry.
- Rounds: every counter moves to the next round; concessions grow by tier and stop at max_rounds.
- Policy: discount, trade-in, payment and price rules checked before any contract is issued.
- Repair: an accepted offer that breaks policy is regenerated with the violations as feedback.
- Contract: an approved acceptance writes a contract document under contracts.dir.
- Event log: every transition is appended, view it with 'dd events'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (defaults to <workspace>/dealdesk.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "cli", "actor identifier recorded in events")
	rootCmd.PersistentFlags().String("log-mode", "prod", "log mode: dev or prod")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "log-mode"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(negotiateCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(appraiseCmd())
	rootCmd.AddCommand(marketCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage dealdesk.yml",
		Long:  "Config holds the dealer id, concession tiers, policy limits, market inventory and generator settings.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var dealerID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default dealdesk.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !viper.GetBool("force") {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(dealerID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&dealerID, "dealer-id", "dealdesk", "dealer identifier")
	cmd.Flags().Bool("force", false, "overwrite an existing file")
	_ = viper.BindPFlag("force", cmd.Flags().Lookup("force"))
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(appOptions(nil))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(appOptions(nil))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "Session maintenance"}
	cmd.AddCommand(&cobra.Command{
		Use:   "reap",
		Short: "Expire every open negotiation past its TTL",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.ReapExpired(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"expired": n})
				}
				fmt.Printf("expired %d negotiation(s)\n", n)
				return nil
			})
		},
	})
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage service API keys",
		Long:  "API keys authenticate back-office services. A key may act for any user.",
	}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(apiKeyRevokeCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret := "dd_" + strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSON(map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": secret})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "service actor id")
	cmd.Flags().StringVar(&name, "name", "", "label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var subject, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(appOptions(nil))
			if err != nil {
				return err
			}
			tok, err := auth.IssueToken(tokenConfig(cfg), subject, role, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "user id or service name")
	cmd.Flags().StringVar(&role, "role", auth.RoleClient, "client or service")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func eventsCmd() *cobra.Command {
	var n int
	var evtType, entityID string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{Type: evtType, EntityID: entityID, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "session id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logger.New(viper.GetString("log-mode"))
			if err != nil {
				return err
			}
			a, err := app.Open(cmd.Context(), appOptions(log))
			if err != nil {
				return err
			}
			defer a.Close()
			tc := tokenConfig(a.Config)
			if tc.Secret == "" {
				return fmt.Errorf("auth.jwt_secret or DD_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth:     server.AuthConfig{Token: tc, AllowDevLogin: a.Config.Auth.AllowDevLogin},
				Log:      log,
			})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			server.StartWebhookDispatcher(ctx, a.Engine)
			server.StartReaper(ctx, a.Engine, a.Config.Negotiation.ReapInterval)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.Info("serving dealdesk api", "addr", addr, "base_path", basePath, "dealer_id", a.Config.Dealer.ID, "generator", a.Config.Generator.Provider)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret (overrides auth.jwt_secret)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

func appOptions(log *logger.Logger) app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		Log:        log,
	}
}

func tokenConfig(cfg *config.Config) auth.TokenConfig {
	tc := auth.TokenConfig{Secret: cfg.Auth.JWTSecret, Issuer: cfg.Auth.Issuer, Audience: cfg.Auth.Audience}
	if s := strings.TrimSpace(viper.GetString("jwt-secret")); s != "" {
		tc.Secret = s
	}
	return tc
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	log, err := logger.New(viper.GetString("log-mode"))
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, appOptions(log))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
