package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"relayboard/internal/config"
	"relayboard/internal/db"
	"relayboard/internal/domain"
	"relayboard/internal/engine"
	"relayboard/internal/migrate"
	"relayboard/internal/server"
	"relayboard/internal/ws"
)

var rootCmd = &cobra.Command{
	Use:   "rb",
	Short: "Relayboard CLI",
	Long: `Relayboard is a coordination backend for agent swarms.
Files carry append-only event logs; tasks and claims are derived from the
log at read time, never stored. Access goes through capability URLs at
three nested tiers (read, append, write).`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RELAYBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Bootstrap a workspace with one key per tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, secrets, err := e.InitWorkspace(ctx, "", name)
				if err != nil {
					return err
				}
				cfg := e.Config
				fmt.Printf("workspace %s (%s)\n", w.Name, w.ID)
				for _, tier := range []struct {
					perm   domain.Permission
					prefix string
				}{
					{domain.PermissionRead, "r"},
					{domain.PermissionAppend, "a"},
					{domain.PermissionWrite, "w"},
				} {
					fmt.Printf("  %-6s %s/%s/%s\n", tier.perm, cfg.Server.BaseURL, tier.prefix, secrets[tier.perm])
				}
				fmt.Println("store these URLs now; the raw keys are not recoverable")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "default", "workspace display name")
	return cmd
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "Manage capability keys"}
	key.AddCommand(keyIssueCmd())
	key.AddCommand(keyListCmd())
	key.AddCommand(keyRevokeCmd())
	return key
}

func keyIssueCmd() *cobra.Command {
	var perm, scopeType, scopePath, author string
	var wipLimit int
	var types []string
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a capability key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Repo.SingleWorkspace(ctx)
				if err != nil {
					return err
				}
				k := domain.CapabilityKey{
					WorkspaceID:  w.ID,
					Permission:   domain.Permission(perm),
					ScopeType:    domain.ScopeType(scopeType),
					ScopePath:    scopePath,
					AllowedTypes: types,
				}
				if author != "" {
					k.BoundAuthor = &author
				}
				if wipLimit > 0 {
					k.WipLimit = &wipLimit
				}
				created, raw, err := e.IssueKey(ctx, k)
				if err != nil {
					return err
				}
				prefix := map[domain.Permission]string{
					domain.PermissionRead:   "r",
					domain.PermissionAppend: "a",
					domain.PermissionWrite:  "w",
				}[created.Permission]
				fmt.Printf("key %s\n", created.ID)
				fmt.Printf("  %s/%s/%s\n", e.Config.Server.BaseURL, prefix, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&perm, "permission", "read", "read|append|write")
	cmd.Flags().StringVar(&scopeType, "scope", "workspace", "workspace|folder|file")
	cmd.Flags().StringVar(&scopePath, "path", "", "scope path for folder/file scopes")
	cmd.Flags().StringVar(&author, "author", "", "bind appends to this author")
	cmd.Flags().IntVar(&wipLimit, "wip-limit", 0, "max simultaneous active claims")
	cmd.Flags().StringSliceVar(&types, "types", nil, "allowed append types")
	return cmd
}

func keyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List capability keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Repo.SingleWorkspace(ctx)
				if err != nil {
					return err
				}
				keys, err := e.Repo.ListCapabilityKeys(ctx, w.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Tier", "Scope", "Author", "Revoked"})
				for _, k := range keys {
					scope := string(k.ScopeType)
					if k.ScopePath != "" {
						scope += " " + k.ScopePath
					}
					author := ""
					if k.BoundAuthor != nil {
						author = *k.BoundAuthor
					}
					revoked := ""
					if k.RevokedAt != nil {
						revoked = *k.RevokedAt
					}
					tw.AppendRow(table.Row{k.ID, k.Permission, scope, author, revoked})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func keyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke a capability key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
	return cmd
}

func boardCmd() *cobra.Command {
	var status, priority, agent, file, folder, since string
	var limit int
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Show the orchestration board",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Repo.SingleWorkspace(ctx)
				if err != nil {
					return err
				}
				result, err := e.Board(ctx, engine.BoardQuery{
					WorkspaceID: w.ID,
					Status:      splitCSV(status),
					Priority:    splitCSV(priority),
					Agent:       agent,
					File:        file,
					Folder:      folder,
					Since:       since,
					Limit:       limit,
					Admin:       true,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(result)
				}
				renderBoard(result)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter, comma-separated")
	cmd.Flags().StringVar(&priority, "priority", "", "priority filter, comma-separated")
	cmd.Flags().StringVar(&agent, "agent", "", "agent filter")
	cmd.Flags().StringVar(&file, "file", "", "file substring filter")
	cmd.Flags().StringVar(&folder, "folder", "", "folder prefix filter")
	cmd.Flags().StringVar(&since, "since", "", "created-at lower bound (RFC 3339)")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	return cmd
}

func renderBoard(result engine.BoardResult) {
	parts := make([]string, 0, len(result.Summary))
	for _, s := range []domain.TaskStatus{
		domain.TaskPending, domain.TaskClaimed, domain.TaskStalled,
		domain.TaskCompleted, domain.TaskCancelled,
	} {
		if n := result.Summary[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", s, n))
		}
	}
	fmt.Println("summary:", strings.Join(parts, " "))

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "File", "Status", "Author", "Priority", "Claimed By", "Expires"})
	for _, t := range result.Tasks {
		priority, claimedBy, expires := "", "", ""
		if t.Priority != nil {
			priority = *t.Priority
		}
		if t.Claim != nil {
			claimedBy = t.Claim.Author
			expires = t.Claim.ExpiresAt
		}
		tw.AppendRow(table.Row{t.ID, t.File, t.Status, t.Author, priority, claimedBy, expires})
	}
	tw.Render()

	if len(result.Agents) > 0 {
		aw := table.NewWriter()
		aw.SetOutputMirror(os.Stdout)
		aw.AppendHeader(table.Row{"Agent", "Status", "Task", "Last Seen", "Stale"})
		for _, a := range result.Agents {
			aw.AppendRow(table.Row{a.Author, a.Status, a.CurrentTask, a.LastSeenAt, a.Stale})
		}
		aw.Render()
	}
	if result.Pagination.HasMore {
		fmt.Println("more rows; cursor:", result.Pagination.Cursor)
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect file event logs"}
	var path string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show a file's append log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				return fmt.Errorf("--path required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Repo.SingleWorkspace(ctx)
				if err != nil {
					return err
				}
				key := domain.CapabilityKey{
					WorkspaceID: w.ID,
					Permission:  domain.PermissionRead,
					ScopeType:   domain.ScopeWorkspace,
				}
				appends, err := e.FileLog(ctx, key, path)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(appends)
				}
				for _, a := range appends {
					ref := ""
					if a.Ref != nil {
						ref = " ref=" + *a.Ref
					}
					fmt.Printf("%s  %-4s %-10s %s%s  %s\n", a.CreatedAt, a.AppendID, a.Type, a.Author, ref, a.ContentPreview)
				}
				return nil
			})
		},
	}
	tail.Flags().StringVar(&path, "path", "", "file path")
	lg.AddCommand(tail)
	return lg
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if secret := os.Getenv("RELAYBOARD_TOKEN_SECRET"); secret != "" {
				cfg.Auth.TokenSecret = secret
			}
			if cfg.Auth.TokenSecret == "" {
				return fmt.Errorf("auth.token_secret (or RELAYBOARD_TOKEN_SECRET) is required")
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			hub := ws.NewHub(nil)
			e.Events = hub
			limits := ws.NewLimits(cfg.WS.MaxKeyConnections, cfg.WS.MaxWorkspaceConnections, cfg.WS.TokensPerMinute)
			tokens := ws.NewTokenIssuer(cfg.Auth.TokenSecret, time.Duration(cfg.Auth.TokenTTLSeconds)*time.Second)
			handler, err := server.New(server.Config{
				Engine: e,
				Hub:    hub,
				Limits: limits,
				Tokens: tokens,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Relayboard API on %s (OpenAPI at /openapi.json)\n", cfg.Server.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
