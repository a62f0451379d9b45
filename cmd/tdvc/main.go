// Package main provides the tdvc CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tdvc/internal/config"
	"tdvc/internal/errs"
	"tdvc/internal/extract"
	"tdvc/internal/processor"
	"tdvc/internal/project"
	"tdvc/internal/session"
	"tdvc/internal/state"
	"tdvc/internal/tracker"
)

// Version is the current tdvc CLI version
var Version = "0.1.0"

var (
	projectDir string
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "tdvc",
	Short:         "tdvc - node-level version control for .toe projects",
	Long:          `tdvc versions .toe projects by expanding them into text trees, tracks the node graph of every version and resolves merge conflicts node by node.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Command groups for organized help output
const (
	groupStart  = "start"
	groupHist   = "history"
	groupRemote = "remote"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Start tracking the project in --dir",
	Long: `Creates the tracker directory and records the initial version.

--from takes either a remote URL to clone or a template project directory
whose .toe file is copied in. --remote sets the remote new history is
pushed to.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Create and inspect versions",
}

var versionCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Record the current project as a new version",
	Args:  cobra.ExactArgs(1),
	RunE:  runVersionCreate,
}

var versionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List versions, most recent first",
	Args:  cobra.NoArgs,
	RunE:  runVersionList,
}

var versionCurrentCmd = &cobra.Command{
	Use:   "current",
	Short: "Show the checked-out version",
	Args:  cobra.NoArgs,
	RunE:  runVersionCurrent,
}

var checkoutCmd = &cobra.Command{
	Use:   "checkout <version>",
	Short: "Move the project to a version, tag or branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckout,
}

var tagCmd = &cobra.Command{
	Use:   "tag",
	Short: "Manage version tags",
}

var tagAddCmd = &cobra.Command{
	Use:   "add <version> <tag>",
	Short: "Tag a version",
	Args:  cobra.ExactArgs(2),
	RunE:  runTagAdd,
}

var tagRmCmd = &cobra.Command{
	Use:   "rm <tag>",
	Short: "Delete a tag",
	Args:  cobra.ExactArgs(1),
	RunE:  runTagRm,
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the node graph of a version or the working project",
	Args:  cobra.NoArgs,
	RunE:  runState,
}

var diffCmd = &cobra.Command{
	Use:   "diff [base] [head]",
	Short: "Show node-level changes between two versions",
	Long: `Compares node graphs. With no arguments the working project is compared
against the current version; with one argument, that version against the
working project.

--patch prints the text diff of a version against its parent instead.`,
	Args: cobra.MaximumNArgs(2),
	RunE: runDiff,
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Fetch and merge remote history",
	Args:  cobra.NoArgs,
	RunE:  runPull,
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Send local history to the remote",
	Args:  cobra.NoArgs,
	RunE:  runPush,
}

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Inspect and resolve an in-progress merge",
}

var mergeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show unresolved conflicts",
	Args:  cobra.NoArgs,
	RunE:  runMergeStatus,
}

var mergeFinishCmd = &cobra.Command{
	Use:   "finish",
	Short: "Resolve the merge and record it as a version",
	Long: `Resolves every conflict to one side of the merge. --state takes a
resolved node graph as JSON instead; each of its nodes must match one side.`,
	Args: cobra.NoArgs,
	RunE: runMergeFinish,
}

var mergeAbortCmd = &cobra.Command{
	Use:   "abort",
	Short: "Cancel the merge and restore the project",
	Args:  cobra.NoArgs,
	RunE:  runMergeAbort,
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the identity and credentials used for versions and remotes",
	Args:  cobra.NoArgs,
	RunE:  runLogin,
}

var (
	initRemote     string
	initFrom       string
	versionDesc    string
	versionJSON    bool
	stateVersion   string
	stateJSON      bool
	diffPatch      bool
	mergeSide      string
	mergeStateFile string
	mergeName      string
	mergeDesc      string
	loginName      string
	loginEmail     string
	loginUsername  string
	loginPassword  string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectDir, "dir", "C", ".", "Project directory")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log every operation")

	initCmd.Flags().StringVar(&initRemote, "remote", "", "Remote to push the new history to")
	initCmd.Flags().StringVar(&initFrom, "from", "", "Remote URL to clone or template project to copy")

	versionCreateCmd.Flags().StringVarP(&versionDesc, "message", "m", "", "Description for this version")
	versionListCmd.Flags().BoolVar(&versionJSON, "json", false, "Output as JSON")

	stateCmd.Flags().StringVar(&stateVersion, "version", "", "Version to read (default: working project)")
	stateCmd.Flags().BoolVar(&stateJSON, "json", false, "Output as JSON")

	diffCmd.Flags().BoolVarP(&diffPatch, "patch", "p", false, "Show the text diff of a version against its parent")

	mergeFinishCmd.Flags().StringVar(&mergeSide, "side", "", "Side to keep: current or incoming")
	mergeFinishCmd.Flags().StringVar(&mergeStateFile, "state", "", "Resolved state as JSON")
	mergeFinishCmd.Flags().StringVar(&mergeName, "name", project.MergeVersionName, "Name of the merge version")
	mergeFinishCmd.Flags().StringVarP(&mergeDesc, "message", "m", "", "Description of the merge version")

	loginCmd.Flags().StringVar(&loginName, "name", "", "Author name")
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "Author email")
	loginCmd.Flags().StringVar(&loginUsername, "username", "", "Remote username")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Remote password or token (default: $TDVC_PASSWORD)")

	versionCmd.AddCommand(versionCreateCmd, versionListCmd, versionCurrentCmd)
	tagCmd.AddCommand(tagAddCmd, tagRmCmd)
	mergeCmd.AddCommand(mergeStatusCmd, mergeFinishCmd, mergeAbortCmd)

	rootCmd.AddGroup(
		&cobra.Group{ID: groupStart, Title: "Start:"},
		&cobra.Group{ID: groupHist, Title: "History:"},
		&cobra.Group{ID: groupRemote, Title: "Remote:"},
	)
	initCmd.GroupID = groupStart
	loginCmd.GroupID = groupStart
	versionCmd.GroupID = groupHist
	checkoutCmd.GroupID = groupHist
	tagCmd.GroupID = groupHist
	stateCmd.GroupID = groupHist
	diffCmd.GroupID = groupHist
	pullCmd.GroupID = groupRemote
	pushCmd.GroupID = groupRemote
	mergeCmd.GroupID = groupRemote

	rootCmd.AddCommand(initCmd, loginCmd, versionCmd, checkoutCmd, tagCmd, stateCmd, diffCmd, pullCmd, pushCmd, mergeCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errs.IsKind(err, errs.KindValidation):
		return 2
	case errs.IsKind(err, errs.KindNotFound):
		return 3
	default:
		return 1
	}
}

// app is everything a command needs, built from the configuration.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	users   session.Store
	manager *project.Manager
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	users := session.NewFileStore(cfg.Session.Path)
	t := tracker.NewGitTracker(users, logger.Named("tracker"), tracker.Options{
		Binary:      cfg.Git.Binary,
		Remote:      cfg.Git.Remote,
		Timeout:     cfg.Git.Timeout,
		DiffExclude: cfg.Git.DiffExclude,
	})
	p := processor.NewExecProcessor(cfg.Converter.Expand, cfg.Converter.Collapse, cfg.Converter.Timeout, logger.Named("processor"))
	m := project.NewManager(t, p, extract.Default(cfg.Project.Container), logger.Named("project"), project.Options{
		TrackerDir:   cfg.Project.TrackerDir,
		MergeExclude: cfg.Project.MergeExclude,
		CacheStates:  cfg.CacheEnabled(),
	})
	return &app{cfg: cfg, logger: logger, users: users, manager: m}, nil
}

func newLogger(lc config.LogConfig) (*zap.Logger, error) {
	var zc zap.Config
	if lc.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zc.DisableStacktrace = true
	}
	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}

// withApp builds the app for a command and flushes its logger afterwards.
func withApp(run func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.logger.Sync() //nolint:errcheck
		return run(cmd.Context(), a, args)
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app, _ []string) error {
		v, err := a.manager.Init(ctx, projectDir, initRemote, initFrom)
		if err != nil {
			return err
		}
		fmt.Printf("Initialized %s at %s\n", projectDir, shortID(v.ID))
		return nil
	})(cmd, args)
}

func runVersionCreate(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app, args []string) error {
		v, err := a.manager.CreateVersion(ctx, projectDir, args[0], versionDesc)
		if err != nil {
			return err
		}
		fmt.Printf("Created version %s %q\n", shortID(v.ID), v.Name)
		return nil
	})(cmd, args)
}

func runVersionList(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app, _ []string) error {
		versions, err := a.manager.ListVersions(ctx, projectDir)
		if err != nil {
			return err
		}
		if versionJSON {
			return printJSON(versions)
		}
		for _, v := range versions {
			printVersion(&v)
		}
		return nil
	})(cmd, args)
}

func runVersionCurrent(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app, _ []string) error {
		v, err := a.manager.CurrentVersion(ctx, projectDir)
		if err != nil {
			return err
		}
		printVersion(v)
		return nil
	})(cmd, args)
}

func runCheckout(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app, args []string) error {
		v, err := a.manager.GoToVersion(ctx, projectDir, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Now at %s %q\n", shortID(v.ID), v.Name)
		return nil
	})(cmd, args)
}

func runTagAdd(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app, args []string) error {
		if err := a.manager.AddTag(ctx, projectDir, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Tagged %s as %s\n", args[0], args[1])
		return nil
	})(cmd, args)
}

func runTagRm(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app, args []string) error {
		if err := a.manager.RemoveTag(ctx, projectDir, args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted tag %s\n", args[0])
		return nil
	})(cmd, args)
}

func runState(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app, _ []string) error {
		s, err := a.manager.GetVersionState(ctx, projectDir, stateVersion)
		if err != nil {
			return err
		}
		if stateJSON {
			return printJSON(s)
		}
		printState(s)
		return nil
	})(cmd, args)
}

func runDiff(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app, args []string) error {
		if diffPatch {
			version := ""
			if len(args) > 0 {
				version = args[0]
			}
			out, err := a.manager.Compare(ctx, projectDir, version)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		}

		var base, head string
		switch len(args) {
		case 0:
			current, err := a.manager.CurrentVersion(ctx, projectDir)
			if err != nil {
				return err
			}
			base = current.ID
		case 1:
			base = args[0]
		default:
			base, head = args[0], args[1]
		}
		d, err := a.manager.DiffStates(ctx, projectDir, base, head)
		if err != nil {
			return err
		}
		fmt.Print(d.String())
		return nil
	})(cmd, args)
}

func runPull(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app, _ []string) error {
		outcome, err := a.manager.Pull(ctx, projectDir)
		if err != nil {
			return err
		}
		switch outcome.Status {
		case project.OutcomeUpToDate:
			fmt.Println("Already up to date.")
		case project.OutcomeFinished:
			if outcome.Version != nil {
				fmt.Printf("Merged as %s\n", shortID(outcome.Version.ID))
			} else {
				fmt.Println("Updated.")
			}
		case project.OutcomeInProgress:
			fmt.Println("Merge needs resolution. Changed nodes:")
			fmt.Print(state.FormatChangeSet(outcome.Current, outcome.Incoming, state.Compare(outcome.Current, outcome.Incoming)))
			fmt.Println("Run 'tdvc merge finish --side current|incoming' or 'tdvc merge abort'.")
		}
		return nil
	})(cmd, args)
}

func runPush(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app, _ []string) error {
		if err := a.manager.Push(ctx, projectDir); err != nil {
			return err
		}
		fmt.Println("Pushed.")
		return nil
	})(cmd, args)
}

func runMergeStatus(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app, _ []string) error {
		result, err := a.manager.GetMergeStatus(ctx, projectDir)
		if err != nil {
			return err
		}
		if result.Status != tracker.StatusInProgress {
			fmt.Println("No merge in progress.")
			return nil
		}
		for file, pairs := range result.UnresolvedConflicts {
			fmt.Printf("%s: %d conflict(s)\n", file, len(pairs))
		}
		return nil
	})(cmd, args)
}

func runMergeFinish(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app, _ []string) error {
		resolved, err := resolvedState(ctx, a)
		if err != nil {
			return err
		}
		v, err := a.manager.FinishMerge(ctx, projectDir, resolved, mergeName, mergeDesc)
		if err != nil {
			return err
		}
		fmt.Printf("Merged as %s\n", shortID(v.ID))
		return nil
	})(cmd, args)
}

func resolvedState(ctx context.Context, a *app) (*state.State, error) {
	if mergeStateFile != "" {
		if mergeSide != "" {
			return nil, errs.Validation("finishMerge", "--side and --state are exclusive")
		}
		s, err := state.ReadFile(mergeStateFile)
		if err != nil {
			return nil, errs.Validation("finishMerge", "reading %s: %v", mergeStateFile, err)
		}
		return s, nil
	}

	current, incoming, err := a.manager.MergeSides(ctx, projectDir)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(mergeSide) {
	case "current", "ours":
		return current, nil
	case "incoming", "theirs":
		return incoming, nil
	default:
		return nil, errs.Validation("finishMerge", "--side must be current or incoming")
	}
}

func runMergeAbort(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app, _ []string) error {
		if err := a.manager.AbortMerge(ctx, projectDir); err != nil {
			return err
		}
		fmt.Println("Merge aborted.")
		return nil
	})(cmd, args)
}

func runLogin(cmd *cobra.Command, args []string) error {
	return withApp(func(_ context.Context, a *app, _ []string) error {
		u, err := a.users.Load()
		if err != nil {
			return err
		}
		if loginName != "" {
			u.Name = loginName
		}
		if loginEmail != "" {
			u.Email = loginEmail
		}
		if loginUsername != "" {
			u.Username = loginUsername
		}
		if loginPassword == "" {
			loginPassword = os.Getenv("TDVC_PASSWORD")
		}
		if loginPassword != "" {
			u.Password = loginPassword
		}
		if err := a.users.Save(u); err != nil {
			return err
		}
		fmt.Printf("Logged in as %s <%s>\n", u.Name, u.Email)
		return nil
	})(cmd, args)
}

func printVersion(v *state.Version) {
	line := fmt.Sprintf("%s  %s  %s", shortID(v.ID), v.Date.Local().Format("2006-01-02 15:04"), v.Name)
	if v.Tag != "" {
		line += "  (" + v.Tag + ")"
	}
	fmt.Println(line)
	if v.Description != "" {
		fmt.Println("    " + v.Description)
	}
}

func printState(s *state.State) {
	for _, n := range s.Nodes {
		fmt.Printf("%s  %s:%s\n", n.Name, n.Type, n.Subtype)
		for _, k := range n.Properties.Keys() {
			fmt.Printf("    %s = %s\n", k, n.Properties[k])
		}
		for _, e := range s.Inputs[n.Name] {
			kind := "input"
			if e.IsParameterEdge {
				kind = "param"
			}
			fmt.Printf("    <- %s (%s)\n", e.Destination, kind)
		}
	}
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// shortID safely truncates an ID string to 12 characters.
func shortID(s string) string {
	if len(s) >= 12 {
		return s[:12]
	}
	return s
}
