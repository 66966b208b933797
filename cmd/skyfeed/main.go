package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackmichael/skyfeed/internal/auth"
	"github.com/blackmichael/skyfeed/internal/bluesky"
	"github.com/blackmichael/skyfeed/internal/config"
	"github.com/blackmichael/skyfeed/internal/domain"
	"github.com/blackmichael/skyfeed/internal/feed"
	"github.com/blackmichael/skyfeed/internal/memstore"
	"github.com/blackmichael/skyfeed/internal/sqlite"
	"github.com/blackmichael/skyfeed/internal/transport"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app is the engine wired for one CLI invocation.
type app struct {
	sessions *auth.Store
	engine   *feed.Service
	close    func()
}

// NewRootCmd constructs the root CLI command; exposed for unit testing.
func NewRootCmd() *cobra.Command {
	var (
		dbPath string
		pdsURL string
		debug  bool
		a      app
	)

	rootCmd := &cobra.Command{
		Use:          "skyfeed",
		Short:        "Ranked, time-windowed Bluesky feeds from the terminal",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("db") {
				dbPath = cfg.DBPath
			}
			if !cmd.Flags().Changed("pds") {
				pdsURL = cfg.PDSURL
			}

			level := slog.LevelWarn
			if debug || cfg.Debug {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

			wired, err := newApp(cfg, dbPath, pdsURL, debug, logger)
			if err != nil {
				return err
			}
			a = *wired
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.close != nil {
				a.close()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (default $SKYFEED_DB_PATH or skyfeed.db)")
	rootCmd.PersistentFlags().StringVar(&pdsURL, "pds", "", "PDS service URL (default $SKYFEED_PDS_URL or https://bsky.social)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Log every XRPC request")

	rootCmd.AddCommand(newLoginCmd(&a))
	rootCmd.AddCommand(newLogoutCmd(&a))
	rootCmd.AddCommand(newWhoamiCmd(&a))
	rootCmd.AddCommand(newFeedsCmd(&a))
	rootCmd.AddCommand(newFeedCmd(&a))
	rootCmd.AddCommand(newLikeCmd(&a))

	return rootCmd
}

func newApp(cfg *config.Config, dbPath, pdsURL string, debug bool, logger *slog.Logger) (*app, error) {
	var (
		kv      domain.KeyValueStore
		closeKV = func() {}
	)
	if dbPath == "" {
		kv = memstore.New()
	} else {
		repo, err := sqlite.Open(dbPath)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		kv = repo
		closeKV = func() { repo.Close() }
	}

	opts := []bluesky.Option{bluesky.WithHTTPTimeout(cfg.HTTPTimeout)}
	if debug || cfg.Debug {
		opts = append(opts, bluesky.WithDebugLogging(logger))
	}
	client := bluesky.NewClient(pdsURL, opts...)

	sessions := auth.NewStore(client, kv, logger)
	engine := feed.NewService(transport.New(client, sessions, logger), sessions, kv, logger, feed.WithCacheTTL(cfg.CacheTTL))
	sessions.OnChange(func(s *domain.Session) {
		if s == nil {
			engine.InvalidateSource(context.Background())
		}
	})

	return &app{sessions: sessions, engine: engine, close: closeKV}, nil
}

// resume restores the persisted session or fails with a hint to log in.
func (a *app) resume(ctx context.Context) (*domain.Session, error) {
	session, err := a.sessions.EnsureValid(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrSessionExpired) || errors.Is(err, auth.ErrNoSession) {
			return nil, fmt.Errorf("not logged in, run `skyfeed login`")
		}
		return nil, err
	}
	return session, nil
}

func newLoginCmd(a *app) *cobra.Command {
	var handle, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Connect an account with a handle and app password",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				password = os.Getenv("SKYFEED_APP_PASSWORD")
			}
			handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
			if handle == "" || password == "" {
				return fmt.Errorf("--handle and --password are required (or set SKYFEED_APP_PASSWORD)")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			session, err := a.sessions.Authenticate(ctx, handle, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as @%s (%s)\n", session.Handle, session.DID)
			return nil
		},
	}

	cmd.Flags().StringVar(&handle, "handle", "", "Handle or email (e.g. user.bsky.social)")
	cmd.Flags().StringVar(&password, "password", "", "App password")
	return cmd
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session and feed state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.sessions.Clear(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

func newWhoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the connected account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			session, err := a.resume(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "@%s (%s) on %s\n", session.Handle, session.DID, session.PDSURL)
			return nil
		},
	}
}

func newFeedsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "feeds",
		Short: "List saved feeds and lists",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := a.resume(cmd.Context()); err != nil {
				return err
			}
			current := a.engine.Preferences().Query(cmd.Context()).Source

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, e := range a.engine.Feeds(cmd.Context()) {
				marker := " "
				if e.URI == current {
					marker = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", marker, e.DisplayName, e.Kind, e.URI)
			}
			return tw.Flush()
		},
	}
}

func newFeedCmd(a *app) *cobra.Command {
	var (
		source   string
		window   string
		reposts  bool
		weighted bool
	)

	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Show the ranked feed; flags are remembered for next time",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if _, err := a.resume(ctx); err != nil {
				return err
			}

			prefs := a.engine.Preferences()
			q := prefs.Query(ctx)
			if cmd.Flags().Changed("source") {
				q.Source = source
			}
			if cmd.Flags().Changed("window") {
				w := domain.TimeWindow(window)
				if domain.ParseTimeWindow(window) != w {
					return fmt.Errorf("--window must be one of 24h, 7d, 30d")
				}
				q.Window = w
			}
			if cmd.Flags().Changed("reposts") {
				q.ShowReposts = reposts
			}
			if cmd.Flags().Changed("weighted") {
				q.Weighted = weighted
			}
			if err := prefs.Save(ctx, q); err != nil {
				return err
			}

			snap := a.engine.Load(ctx)
			printPosts(cmd.OutOrStdout(), snap.Posts)
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "timeline, or a feed generator or list URI")
	cmd.Flags().StringVar(&window, "window", "", "Time window: 24h, 7d or 30d")
	cmd.Flags().BoolVar(&reposts, "reposts", true, "Include reposts")
	cmd.Flags().BoolVar(&weighted, "weighted", false, "Rank by likes + 2×reposts + replies instead of likes")
	return cmd
}

func newLikeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "like <post-uri>",
		Short: "Toggle the like on a post in the current feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if _, err := a.resume(ctx); err != nil {
				return err
			}
			uri := args[0]

			a.engine.Load(ctx)
			before, ok := a.engine.State().Find(uri)
			if !ok {
				return fmt.Errorf("post %s is not in the current feed", uri)
			}

			a.engine.ToggleLike(ctx, uri)

			after, _ := a.engine.State().Find(uri)
			switch {
			case after.Liked() == before.Liked():
				return fmt.Errorf("like failed, nothing changed")
			case after.Liked():
				fmt.Fprintf(cmd.OutOrStdout(), "Liked (%d likes)\n", after.LikeCount)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "Unliked (%d likes)\n", after.LikeCount)
			}
			return nil
		},
	}
}

func printPosts(out io.Writer, posts []domain.Post) {
	if len(posts) == 0 {
		fmt.Fprintln(out, "No posts in this window.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, p := range posts {
		heart := " "
		if p.Liked() {
			heart = "♥"
		}
		text := strings.Join(strings.Fields(p.Text), " ")
		if len([]rune(text)) > 80 {
			text = string([]rune(text)[:80]) + "…"
		}
		by := "@" + p.Author.Handle
		if p.IsRepost() {
			by += " (via @" + p.Reason.By.Handle + ")"
		}
		fmt.Fprintf(tw, "%s %d\t%s\t%s\t%s\n", heart, p.LikeCount, by, text, p.URI)
	}
	tw.Flush()
}
