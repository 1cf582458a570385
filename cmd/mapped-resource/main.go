package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/blobid"
	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/server/httpapi"
	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/server/middleware"
	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/server/s3gw"
	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/storage"
	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/sweep"
	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/xerrors"
)

type app struct {
	ctx    context.Context
	engine *storage.Engine
}

func (a *app) ensureEngine() error {
	if a.engine != nil {
		return nil
	}
	cfg, err := engineConfig(engineSettings{
		Root:            viper.GetString("root"),
		MaxSizeMB:       viper.GetInt("max_size"),
		AllowedTypes:    viper.GetStringSlice("allowed_types"),
		DefaultTTL:      viper.GetDuration("default_ttl"),
		CleanupInterval: viper.GetDuration("cleanup_interval"),
		Dedupe:          viper.GetBool("dedupe"),
		IndexPath:       viper.GetString("index_path"),
		CacheSize:       viper.GetInt("cache_size"),
		CacheTTL:        viper.GetDuration("cache_ttl"),
	})
	if err != nil {
		return err
	}
	engine, err := storage.New(cfg)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	a.ctx = context.Background()
	a.engine = engine
	return nil
}

func (a *app) close() {
	if a.engine != nil {
		_ = a.engine.Close()
	}
}

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "mapped-resource",
		Short:         "Local content-addressed blob store CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.ensureEngine()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	defer application.close()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("mapped-resource")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "mapped-resource"))
		}
	}
	viper.SetEnvPrefix("MAPPED_RESOURCE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	rootCmd.PersistentFlags().String("root", ".blobstore", "blob storage root directory")
	rootCmd.PersistentFlags().Int("max-size", 0, "maximum payload size in MiB (0 means 100)")
	rootCmd.PersistentFlags().StringSlice("allowed-types", nil, "MIME allow list, e.g. image/*,application/pdf (empty allows all)")
	rootCmd.PersistentFlags().Duration("default-ttl", 0, "expiry applied when an upload has no explicit ttl (0 keeps blobs forever)")
	rootCmd.PersistentFlags().Duration("cleanup-interval", time.Hour, "minimum time between opportunistic expiry sweeps (0 disables)")
	rootCmd.PersistentFlags().Bool("dedupe", true, "reuse an existing blob when the same content is uploaded again")
	rootCmd.PersistentFlags().String("index-path", "", "dedupe index file (defaults to <root>/.dedupe.db)")
	rootCmd.PersistentFlags().Int("cache-size", 256, "metadata cache entries (0 disables)")
	rootCmd.PersistentFlags().Duration("cache-ttl", time.Minute, "metadata cache entry lifetime")

	bindConfig("root", rootCmd.PersistentFlags().Lookup("root"))
	bindConfig("max_size", rootCmd.PersistentFlags().Lookup("max-size"))
	bindConfig("allowed_types", rootCmd.PersistentFlags().Lookup("allowed-types"))
	bindConfig("default_ttl", rootCmd.PersistentFlags().Lookup("default-ttl"))
	bindConfig("cleanup_interval", rootCmd.PersistentFlags().Lookup("cleanup-interval"))
	bindConfig("dedupe", rootCmd.PersistentFlags().Lookup("dedupe"))
	bindConfig("index_path", rootCmd.PersistentFlags().Lookup("index-path"))
	bindConfig("cache_size", rootCmd.PersistentFlags().Lookup("cache-size"))
	bindConfig("cache_ttl", rootCmd.PersistentFlags().Lookup("cache-ttl"))
}

func initCommands() {
	rootCmd.AddCommand(
		newPutCmd(),
		newCatCmd(),
		newMetaCmd(),
		newPathCmd(),
		newLsCmd(),
		newRmCmd(),
		newSweepCmd(),
		newReindexCmd(),
		newServeHTTPCmd(),
		newServeS3Cmd(),
	)
}

type engineSettings struct {
	Root            string
	MaxSizeMB       int
	AllowedTypes    []string
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
	Dedupe          bool
	IndexPath       string
	CacheSize       int
	CacheTTL        time.Duration
}

func engineConfig(set engineSettings) (storage.Config, error) {
	if set.Root == "" {
		return storage.Config{}, errors.New("blob root is required")
	}
	if set.MaxSizeMB < 0 {
		return storage.Config{}, fmt.Errorf("max size %d MiB is negative", set.MaxSizeMB)
	}
	if set.DefaultTTL < 0 {
		return storage.Config{}, fmt.Errorf("default ttl %s is negative", set.DefaultTTL)
	}
	return storage.Config{
		Root:              set.Root,
		MaxSize:           int64(set.MaxSizeMB) << 20,
		AllowedTypes:      set.AllowedTypes,
		DefaultTTL:        set.DefaultTTL,
		CleanupInterval:   set.CleanupInterval,
		Dedupe:            set.Dedupe,
		IndexPath:         set.IndexPath,
		MetadataCacheSize: set.CacheSize,
		MetadataCacheTTL:  set.CacheTTL,
	}, nil
}

// normalizeID accepts a blob identifier with or without its scheme.
func normalizeID(arg string) (string, error) {
	id, err := blobid.ParseAny(arg)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put [file]",
		Short: "Store a file (or stdin) and print its metadata",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			var err error
			source := "-"
			if len(args) == 1 {
				source = args[0]
			}
			if source == "-" {
				payload, err = io.ReadAll(os.Stdin)
			} else {
				payload, err = os.ReadFile(source)
			}
			if err != nil {
				return err
			}

			opts := storage.UploadOptions{}
			opts.Filename, _ = cmd.Flags().GetString("filename")
			if opts.Filename == "" && source != "-" {
				opts.Filename = filepath.Base(source)
			}
			opts.MimeHint, _ = cmd.Flags().GetString("mime")
			opts.Tags, _ = cmd.Flags().GetStringArray("tag")
			if cmd.Flags().Changed("ttl") {
				ttl, _ := cmd.Flags().GetDuration("ttl")
				opts.TTL = &ttl
			}

			meta, err := application.engine.Upload(application.ctx, payload, opts)
			if err != nil {
				return err
			}
			return printJSON(meta)
		},
	}
	cmd.Flags().String("filename", "", "original filename recorded with the blob")
	cmd.Flags().String("mime", "", "MIME type override (skips content detection)")
	cmd.Flags().StringArray("tag", nil, "tag to attach (repeatable)")
	cmd.Flags().Duration("ttl", 0, "time to live; 0 expires immediately, omit for the store default")
	return cmd
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <id>",
		Short: "Print a blob's payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := normalizeID(args[0])
			if err != nil {
				return err
			}
			payload, _, err := application.engine.Open(application.ctx, id)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(payload)
			return err
		},
	}
}

func newMetaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "meta <id>",
		Short: "Print a blob's metadata as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := normalizeID(args[0])
			if err != nil {
				return err
			}
			meta, err := application.engine.GetMetadata(application.ctx, id)
			if err != nil {
				return err
			}
			return printJSON(meta)
		},
	}
}

func newPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path <id>",
		Short: "Print the payload path on disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := normalizeID(args[0])
			if err != nil {
				return err
			}
			p, err := application.engine.FilePath(application.ctx, id)
			if err != nil {
				return err
			}
			fmt.Println(p)
			return nil
		},
	}
}

func newLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List stored blobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := storage.ListQuery{}
			query.Mime, _ = cmd.Flags().GetString("mime")
			query.Tags, _ = cmd.Flags().GetStringArray("tag")
			query.Cursor, _ = cmd.Flags().GetString("cursor")
			query.Limit, _ = cmd.Flags().GetInt("limit")
			all, _ := cmd.Flags().GetBool("all")
			asJSON, _ := cmd.Flags().GetBool("json")
			return doList(application.ctx, application.engine, query, all, asJSON)
		},
	}
	cmd.Flags().String("mime", "", "filter by MIME type or wildcard, e.g. image/*")
	cmd.Flags().StringArray("tag", nil, "require a tag (repeatable; all must match)")
	cmd.Flags().String("cursor", "", "resume from a previous listing")
	cmd.Flags().Int("limit", 0, "page size (0 uses the store default)")
	cmd.Flags().Bool("all", false, "walk every page")
	cmd.Flags().Bool("json", false, "print raw page JSON")
	return cmd
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>...",
		Short: "Delete blobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, arg := range args {
				id, err := normalizeID(arg)
				if err != nil {
					return err
				}
				if err := application.engine.Delete(application.ctx, id); err != nil {
					return err
				}
				fmt.Println(id)
			}
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired blobs now",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := application.engine.Sweep(application.ctx)
			fmt.Printf("scanned=%d expired=%d removed=%d failed=%d\n",
				report.Scanned, report.Expired, report.Removed, report.Failed)
			if err != nil && xerrors.KindOf(err) == xerrors.KindPartialSweep {
				var partial *sweep.PartialError
				if errors.As(err, &partial) {
					for _, id := range partial.IDs() {
						fmt.Fprintf(os.Stderr, "failed: %s\n", id)
					}
				}
			}
			return err
		},
	}
}

func newReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the dedupe index from stored metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := application.engine.RebuildIndex(application.ctx)
			if err != nil {
				return err
			}
			fmt.Printf("indexed %d blobs\n", n)
			return nil
		},
	}
}

func newServeHTTPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-http",
		Short: "Expose the blob store over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := httpServeOptions{
				Addr:       viper.GetString("serve_http.addr"),
				APIKey:     viper.GetString("serve_http.api_key"),
				RateLimit:  viper.GetInt("serve_http.rate_limit"),
				RateWindow: viper.GetDuration("serve_http.rate_window"),
				Gzip:       viper.GetBool("serve_http.gzip"),
			}
			return runServeHTTP(application.ctx, application.engine, opts)
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("api-key", "", "require API key (X-API-Key or Bearer token)")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	cmd.Flags().Bool("gzip", false, "compress responses for clients that accept gzip")
	bindConfig("serve_http.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve_http.api_key", cmd.Flags().Lookup("api-key"))
	bindConfig("serve_http.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("serve_http.rate_window", cmd.Flags().Lookup("rate-window"))
	bindConfig("serve_http.gzip", cmd.Flags().Lookup("gzip"))
	return cmd
}

func newServeS3Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-s3",
		Short: "Expose an S3-compatible gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := s3ServeOptions{
				Addr:       viper.GetString("serve_s3.addr"),
				Bucket:     viper.GetString("serve_s3.bucket"),
				APIKey:     viper.GetString("serve_s3.api_key"),
				RateLimit:  viper.GetInt("serve_s3.rate_limit"),
				RateWindow: viper.GetDuration("serve_s3.rate_window"),
			}
			return runServeS3(application.ctx, application.engine, opts)
		},
	}
	cmd.Flags().String("addr", ":9000", "listen address")
	cmd.Flags().String("bucket", s3gw.DefaultBucket, "bucket name exposed via gateway")
	cmd.Flags().String("api-key", "", "require API key (X-API-Key header)")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	bindConfig("serve_s3.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve_s3.bucket", cmd.Flags().Lookup("bucket"))
	bindConfig("serve_s3.api_key", cmd.Flags().Lookup("api-key"))
	bindConfig("serve_s3.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("serve_s3.rate_window", cmd.Flags().Lookup("rate-window"))
	return cmd
}

type httpServeOptions struct {
	Addr       string
	APIKey     string
	RateLimit  int
	RateWindow time.Duration
	Gzip       bool
}

type s3ServeOptions struct {
	Addr       string
	Bucket     string
	APIKey     string
	RateLimit  int
	RateWindow time.Duration
}

func runServeHTTP(ctx context.Context, engine *storage.Engine, opt httpServeOptions) error {
	httpOpts := httpapi.Options{
		APIKey: opt.APIKey,
		Gzip:   opt.Gzip,
	}
	if opt.RateLimit > 0 {
		httpOpts.RateLimit = middleware.RateLimitOptions{
			Requests: opt.RateLimit,
			Window:   opt.RateWindow,
		}
	}
	server := &httpapi.Server{Engine: engine, Opts: httpOpts}
	fmt.Fprintf(os.Stderr, "Serving blob API on %s\n", opt.Addr)
	if err := server.Start(ctx, opt.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runServeS3(ctx context.Context, engine *storage.Engine, opt s3ServeOptions) error {
	s3Opts := s3gw.Options{
		Bucket: opt.Bucket,
		APIKey: opt.APIKey,
	}
	if opt.RateLimit > 0 {
		s3Opts.RateLimit = middleware.RateLimitOptions{Requests: opt.RateLimit, Window: opt.RateWindow}
	}
	server := &s3gw.Server{Engine: engine, Opt: s3Opts}
	fmt.Fprintf(os.Stderr, "Serving S3 gateway on %s (bucket %s)\n", opt.Addr, s3Opts.Bucket)
	if err := server.Start(ctx, opt.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func doList(ctx context.Context, engine *storage.Engine, query storage.ListQuery, all, asJSON bool) error {
	for {
		page, err := engine.List(ctx, query)
		if err != nil {
			return err
		}
		if asJSON {
			if err := printJSON(page); err != nil {
				return err
			}
		} else {
			for _, meta := range page.Blobs {
				line := fmt.Sprintf("%s\t%d\t%s\t%s", meta.ID, meta.SizeBytes, meta.MimeType,
					meta.CreatedAt.UTC().Format(time.RFC3339))
				if len(meta.Tags) > 0 {
					line += "\t" + strings.Join(meta.Tags, ",")
				}
				fmt.Println(line)
			}
		}
		if page.NextCursor == "" {
			return nil
		}
		if !all {
			if !asJSON {
				fmt.Fprintf(os.Stderr, "next cursor: %s\n", page.NextCursor)
			}
			return nil
		}
		query.Cursor = page.NextCursor
	}
}
