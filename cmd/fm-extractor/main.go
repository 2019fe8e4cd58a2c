package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	fmextractor "github.com/kataras/filemaker-extractor"
	"github.com/kataras/filemaker-extractor/internal/observe"
	"github.com/kataras/filemaker-extractor/pkg/config"
	"github.com/kataras/filemaker-extractor/pkg/filemaker"
	"github.com/kataras/filemaker-extractor/pkg/session"
	"github.com/kataras/filemaker-extractor/pkg/sink"
	"github.com/kataras/filemaker-extractor/pkg/store"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const version = fmextractor.Version

var (
	green = color.New(color.FgGreen)
	red   = color.New(color.FgRed)
	cyan  = color.New(color.FgCyan)
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fm-extractor",
		Short: "Extract FileMaker layouts as typed tables",
		Long:  "A tool to extract the layouts of a FileMaker database through the Data API into SQLite tables, with incremental refresh by record id",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		Run: runExtract,
	}

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Config file (yaml, json or toml)")
	pf.StringP("endpoint", "e", "", "FileMaker Server URL, e.g. https://fms.example.com")
	pf.StringP("database", "d", "", "Source database name")
	pf.StringP("username", "u", "", "Account name")
	pf.StringP("password", "p", "", "Password (prefer FMX_PASSWORD)")
	pf.Duration("timeout", filemaker.DefaultTimeout, "Per-request timeout")
	pf.Float64("rate-limit", 0, "Maximum requests per second (0 = unlimited)")
	pf.String("log-level", "info", "Log level: debug, info, warn, error")
	pf.String("log-format", "text", "Log format: text, json")
	pf.String("messages", "", "JSON file with translated error messages")

	f := rootCmd.Flags()
	f.StringSliceP("layouts", "l", nil, "Comma-separated layouts to extract")
	f.Int("page-size", 0, "Records per page (default 1000)")
	f.Bool("incremental", false, "Resume every table after the highest extracted record id")
	f.String("state", "fm-extractor.db", "SQLite file keeping the connection state and watermarks")
	f.String("connection", fmextractor.DefaultConnection, "Name of the connection in the state file")
	f.String("out", "fm-data.db", "SQLite file receiving the extracted tables")
	f.StringP("report", "o", "", "Write a markdown report to this file")
	f.Int("concurrency", 1, "Tables extracted at once")
	f.Duration("run-timeout", 0, "Deadline of the whole run (0 = none)")
	f.Bool("allow-empty", false, "Treat empty layouts as empty tables instead of errors")
	f.Bool("full-refresh", false, "Ignore stored watermarks and extract everything")
	f.Bool("keep-session", false, "Keep the session open for the next run")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")

	databasesCmd := &cobra.Command{
		Use:   "databases",
		Short: "List the databases visible to the account",
		Run:   runDatabases,
	}

	layoutsCmd := &cobra.Command{
		Use:   "layouts",
		Short: "List the layouts of the database",
		Run:   runLayouts,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fm-extractor version %s\n", version)
		},
	}

	rootCmd.AddCommand(databasesCmd, layoutsCmd, versionCmd)

	cobra.OnInitialize(func() {
		_ = viper.BindPFlags(pf)
		_ = viper.BindPFlags(f)
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// initConfig layers the optional config file and FMX_* environment
// variables under the command line flags.
func initConfig() error {
	viper.SetEnvPrefix("FMX")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if file := viper.GetString("config"); file != "" {
		viper.SetConfigFile(file)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	observe.InitLogger(viper.GetString("log-level"), viper.GetString("log-format"))
	return nil
}

func messages() fmextractor.Messages {
	path := viper.GetString("messages")
	if path == "" {
		return fmextractor.DefaultMessages()
	}
	m, err := fmextractor.LoadMessages(path)
	if err != nil {
		slog.Warn("using default messages", "error", err)
	}
	return m
}

func newClient() *filemaker.Client {
	return filemaker.NewClient(viper.GetString("endpoint"),
		filemaker.WithTimeout(viper.GetDuration("timeout")),
		filemaker.WithRateLimit(viper.GetFloat64("rate-limit"), 1))
}

func credentials() filemaker.Credentials {
	return filemaker.Credentials{
		Username: viper.GetString("username"),
		Password: viper.GetString("password"),
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func fail(format string, args ...any) {
	red.Printf("Error: "+format+"\n", args...)
	os.Exit(1)
}

func runExtract(cmd *cobra.Command, args []string) {
	cyan.Println("\n🗄  FileMaker Extractor")
	cyan.Println("======================")
	cyan.Println()

	ctx, cancel := signalContext()
	defer cancel()

	if addr := viper.GetString("metrics-addr"); addr != "" {
		serveMetrics(addr)
	}

	st, err := store.Open(ctx, viper.GetString("state"))
	if err != nil {
		fail("%v", err)
	}
	defer st.Close()

	connection := viper.GetString("connection")
	cfg, err := st.LoadConfig(ctx, connection)
	if err != nil {
		fail("%v", err)
	}
	applyFlags(cmd, cfg)
	if err := st.SaveConfig(ctx, connection, cfg); err != nil {
		fail("%v", err)
	}

	out, err := sink.OpenSQLite(ctx, viper.GetString("out"))
	if err != nil {
		fail("%v", err)
	}
	defer out.Close()

	opts := fmextractor.Options{
		Store:            st,
		Connection:       connection,
		Sink:             out,
		Concurrency:      viper.GetInt("concurrency"),
		RunTimeout:       viper.GetDuration("run-timeout"),
		RequestTimeout:   viper.GetDuration("timeout"),
		RateLimit:        viper.GetFloat64("rate-limit"),
		RateBurst:        1,
		AllowEmptyTables: viper.GetBool("allow-empty"),
		FullRefresh:      viper.GetBool("full-refresh"),
		KeepSession:      viper.GetBool("keep-session"),
		Messages:         messages(),
		Logger:           &cliLogger{},
	}

	result, err := fmextractor.Run(ctx, opts)
	if result == nil {
		fail("%v", err)
	}

	cyan.Println("\n📊 Extraction Summary:")
	for _, t := range result.Summary.Tables {
		mark := green.Sprint("✓")
		if t.Err != nil {
			mark = red.Sprint("✗")
		}
		fmt.Printf("  %s %s: %d row(s), %d page(s), watermark %d\n", mark, t.Schema.ID, t.Rows, t.Pages, t.Watermark)
	}
	fmt.Printf("  • Total rows: %d\n", result.Summary.TotalRows())

	if report := viper.GetString("report"); report != "" {
		green.Printf("\n💾 Writing report to %s... ", report)
		if err := os.WriteFile(report, []byte(result.Markdown), 0644); err != nil {
			red.Printf("✗\n")
			fail("%v", err)
		}
		green.Println("✓")
	}

	if err != nil {
		red.Printf("\n%d problem(s) reported:\n", len(result.Errors))
		for _, te := range result.Errors {
			red.Printf("  • %v\n", te)
		}
		os.Exit(1)
	}
	green.Printf("\n✨ Extracted %d table(s) into %s\n\n", len(result.Summary.Tables), viper.GetString("out"))
}

// applyFlags overlays the connection settings given on the command line,
// in the environment or in the config file onto the stored blob.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if v := viper.GetString("endpoint"); v != "" {
		cfg.Endpoint = v
	}
	if v := viper.GetString("database"); v != "" && v != cfg.Database {
		// another database invalidates the session and the cursors
		cfg.Database = v
		cfg.ResetState()
	}
	if v := viper.GetString("username"); v != "" {
		cfg.Username = v
	}
	if v := viper.GetString("password"); v != "" {
		cfg.Password = v
	}
	if v := viper.GetStringSlice("layouts"); len(v) > 0 {
		cfg.Layouts = v
	}
	if viper.IsSet("page-size") && viper.GetInt("page-size") != 0 {
		cfg.PageSize = viper.GetInt("page-size")
	}
	if cmd.Flags().Changed("incremental") || viper.InConfig("incremental") || os.Getenv("FMX_INCREMENTAL") != "" {
		cfg.Incremental = viper.GetBool("incremental")
	}
}

func runDatabases(cmd *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()
	msgs := messages()

	names, err := newClient().ListDatabases(ctx, credentials())
	if err != nil {
		fail("%v", err)
	}
	if len(names) == 0 {
		fail("%s", msgs.NoDatabase)
	}
	for _, name := range names {
		fmt.Println(name)
	}
}

func runLayouts(cmd *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()
	msgs := messages()

	database := viper.GetString("database")
	if database == "" {
		fail("%s: database", msgs.MissingInput)
	}

	client := newClient()
	sess := session.New(client, database, credentials())
	token, err := sess.Login(ctx)
	if err != nil {
		fail("%s: %s", msgs.LoginFailed, filemaker.Message(err))
	}
	defer func() {
		if err := sess.Logout(ctx); err != nil {
			slog.Warn(msgs.LogoutFailed, "error", err)
		}
	}()

	names, err := client.ListLayouts(ctx, token, database)
	if err != nil {
		red.Printf("Error: %v\n", err)
		return
	}
	if len(names) == 0 {
		red.Println(msgs.NoLayout)
		return
	}
	for _, name := range names {
		fmt.Println(name)
	}
}

func serveMetrics(addr string) {
	reg := prometheus.NewRegistry()
	if err := observe.Register(reg); err != nil {
		fail("register metrics: %v", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observe.Handler(reg))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server stopped", "error", err)
		}
	}()
	slog.Info("serving metrics", "addr", addr)
}

// cliLogger implements fmextractor.Logger with colored terminal output.
type cliLogger struct{}

func (l *cliLogger) Infof(format string, args ...any) {
	color.New(color.FgYellow).Printf(format+"\n", args...)
}

func (l *cliLogger) Warnf(format string, args ...any) {
	color.New(color.FgYellow).Printf("⚠ "+format+"\n", args...)
}

func (l *cliLogger) Errorf(format string, args ...any) {
	color.New(color.FgRed).Printf("✗ "+format+"\n", args...)
}
