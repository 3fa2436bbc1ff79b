// docatctl is the operator CLI for a docat server.
//
// Usage:
//
//	docatctl ls [--all]
//	docatctl search <query>
//	docatctl claim <project>
//	docatctl token [--subject ops] [--ttl 1h]
//	docatctl reindex [--project P] [--offline] [--wait]
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/fruitsalade/docat/internal/auth"
	"github.com/fruitsalade/docat/internal/config"
	"github.com/fruitsalade/docat/internal/docs"
	"github.com/fruitsalade/docat/internal/docstore"
	"github.com/fruitsalade/docat/internal/index"
	"github.com/fruitsalade/docat/internal/logging"
	"github.com/fruitsalade/docat/internal/search"
)

type rootOptions struct {
	server string
	secret string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "docatctl",
		Short:         "manage a docat documentation server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	server := os.Getenv("DOCAT_URL")
	if server == "" {
		server = "http://localhost:5000"
	}
	cmd.PersistentFlags().StringVarP(&opts.server, "server", "s", server, "docat server URL (env DOCAT_URL)")
	cmd.PersistentFlags().StringVar(&opts.secret, "secret", "", "admin JWT secret (default ADMIN_JWT_SECRET)")

	cmd.AddCommand(
		newLsCmd(opts),
		newSearchCmd(opts),
		newClaimCmd(opts),
		newTokenCmd(opts),
		newReindexCmd(opts),
	)
	return cmd
}

func newLsCmd(opts *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "list projects and versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Projects []docs.Project `json:"projects"`
			}
			query := url.Values{}
			if all {
				query.Set("include_hidden", "true")
			}
			if err := newClient(opts.server).do(cmd.Context(), http.MethodGet, "/api/projects", query, &resp); err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderProjects(opts.server, resp.Projects))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include hidden versions")
	return cmd
}

func newSearchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "search project, version and file names and file contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res search.Results
			query := url.Values{"query": {args[0]}}
			if err := newClient(opts.server).do(cmd.Context(), http.MethodGet, "/api/search", query, &res); err != nil {
				return err
			}
			renderResults(cmd.OutOrStdout(), res)
			return nil
		},
	}
}

func newClaimCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "claim <project>",
		Short: "claim a project and print its token",
		Long: `Claim a project. The printed token is shown only once and is required
to overwrite, hide, show, delete or rename the project's versions.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Message string `json:"message"`
				Token   string `json:"token"`
			}
			path := "/api/" + url.PathEscape(args[0]) + "/claim"
			if err := newClient(opts.server).do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), resp.Message)
			if resp.Token != "" {
				fmt.Fprintln(cmd.OutOrStdout(), resp.Token)
			}
			return nil
		},
	}
}

// adminSecret returns the flag, then ADMIN_JWT_SECRET, then prompts when
// stdin is a terminal.
func adminSecret(opts *rootOptions) (string, error) {
	if opts.secret != "" {
		return opts.secret, nil
	}
	if s := os.Getenv("ADMIN_JWT_SECRET"); s != "" {
		return s, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errors.New("no admin secret: set ADMIN_JWT_SECRET or pass --secret")
	}
	fmt.Fprint(os.Stderr, "Admin JWT secret: ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return string(b), nil
}

func mintToken(opts *rootOptions, subject string, ttl time.Duration) (string, time.Time, error) {
	secret, err := adminSecret(opts)
	if err != nil {
		return "", time.Time{}, err
	}
	return auth.NewAdminAuth(secret).IssueToken(subject, ttl)
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "mint an admin token for /api/admin endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, exp, err := mintToken(opts, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "docatctl", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func newReindexCmd(opts *rootOptions) *cobra.Command {
	var project string
	var offline, wait bool
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "rebuild the search index",
		Long: `Rebuild the whole search index, or recompute one project with --project.

By default the running server does the work. --offline opens the storage
directory from the server configuration (DOCAT_STORAGE_PATH) directly and
must only be used while the server is stopped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if offline {
				return reindexOffline(cmd, project)
			}

			token, _, err := mintToken(opts, "docatctl", 10*time.Minute)
			if err != nil {
				return err
			}
			c := newClient(opts.server)
			c.adminToken = token

			if project != "" {
				var resp struct {
					Message string `json:"message"`
				}
				path := "/api/admin/index/reconcile/" + url.PathEscape(project)
				if err := c.do(cmd.Context(), http.MethodPost, path, nil, &resp); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
				return nil
			}

			query := url.Values{}
			if wait {
				query.Set("wait", "true")
				var res index.RebuildResult
				if err := c.do(cmd.Context(), http.MethodPost, "/api/admin/index/rebuild", query, &res); err != nil {
					return err
				}
				printRebuild(cmd, res)
				return nil
			}
			var resp struct {
				Message string `json:"message"`
			}
			if err := c.do(cmd.Context(), http.MethodPost, "/api/admin/index/rebuild", query, &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "recompute only this project")
	cmd.Flags().BoolVar(&offline, "offline", false, "work on the storage directory instead of the server")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the rebuild to finish")
	return cmd
}

func reindexOffline(cmd *cobra.Command, project string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: "console", OutputPath: "stderr"}); err != nil {
		return err
	}
	defer logging.Sync()

	store, err := docstore.New(cfg.DocsPath())
	if err != nil {
		return err
	}
	idx, err := index.Open(cfg.IndexPath())
	if err != nil {
		return err
	}
	defer idx.Close()

	svc := docs.New(docs.Options{Store: store, Index: idx, RebuildWorkers: cfg.RebuildWorkers})
	ctx := cmd.Context()

	if project != "" {
		if err := svc.Reconcile(ctx, project); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Index of project %s reconciled\n", project)
		return nil
	}

	// the server is stopped, so any sentinel is a leftover
	if err := svc.Builder().CleanStale(); err != nil {
		return err
	}
	res, err := svc.RebuildIndex(ctx)
	if err != nil {
		logging.Error("offline rebuild failed", zap.Error(err))
		return err
	}
	printRebuild(cmd, res)
	return nil
}

func printRebuild(cmd *cobra.Command, res index.RebuildResult) {
	fmt.Fprintf(cmd.OutOrStdout(), "indexed %d projects, %d files in %s\n",
		res.Projects, res.Files, res.Duration.Round(time.Millisecond))
}
