// Package main is the CLI entry point for tagfence.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tagfence/tagfence/internal/channel"
	"github.com/tagfence/tagfence/internal/daemon"
	"github.com/tagfence/tagfence/internal/domain"
	"github.com/tagfence/tagfence/internal/infra"
	"github.com/tagfence/tagfence/internal/token"
	"github.com/tagfence/tagfence/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tagfence",
	Short: "Blocks configured applications until a proximity tag is scanned",
	Long: `tagfence restricts access to a configurable set of applications until
you present a physical proximity tag. Scanning a valid tag toggles
blocking on and off; while blocking is on, an enforcement daemon
intercepts the blocked applications whenever they reach the
foreground.`,
	Version: Version,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the enforcement daemon",
	Long: `Starts the enforcement daemon in the background. The daemon holds the
latest blocking decision and intercepts blocked applications when they
come to the foreground. Use --poll to select the polling strategy
instead of the event-driven one.`,
	RunE: runStart,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show blocking state, capabilities and active profile",
	RunE:  runStatus,
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan a tag to toggle blocking",
	Long: `Arms the tag reader and waits for the next scanned tag. A valid tag
toggles blocking for the active profile; anything else is rejected and
the blocking state is left unchanged.`,
	RunE: runScan,
}

var writeCmd = &cobra.Command{
	Use:   "write",
	Short: "Write a fresh token to a tag",
	Long: `Generates a fresh token and writes it to the next presented tag. On
success the token is recorded in the tag registry.`,
	RunE: runWrite,
}

var blockCmd = &cobra.Command{
	Use:   "block",
	Short: "Turn blocking on without scanning a tag",
	Long: `Turns blocking on for the active profile (or an explicit --apps set)
without requiring a tag scan. Intended for scripting and testing; the
normal flow is 'tagfence scan'.`,
	RunE: runBlock,
}

var unblockCmd = &cobra.Command{
	Use:   "unblock",
	Short: "Turn blocking off without scanning a tag",
	RunE:  runUnblock,
}

var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "List written tags",
	RunE:  runTagsList,
}

var tagsRemoveCmd = &cobra.Command{
	Use:   "remove <token-id>",
	Short: "Remove a tag record (irreversible)",
	Args:  cobra.ExactArgs(1),
	RunE:  runTagsRemove,
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List blocking profiles",
	RunE:  runProfilesList,
}

var profilesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create or replace a profile",
	RunE:  runProfilesAdd,
}

var profilesRemoveCmd = &cobra.Command{
	Use:   "remove <profile-id>",
	Short: "Delete a profile (the last profile cannot be deleted)",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfilesRemove,
}

var profilesActivateCmd = &cobra.Command{
	Use:   "activate <profile-id>",
	Short: "Make a profile the active one",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfilesActivate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

// Hidden daemon command - used for self-exec when spawning the enforcer
var daemonCmd = &cobra.Command{
	Use:    "daemon",
	Hidden: true,
	RunE:   runDaemon,
}

var (
	dataDir     string
	usePoller   bool
	scanTimeout time.Duration
	profileName string
	profileApps []string
	profileID   string
	blockApps   []string
	jsonOutput  bool
)

func init() {
	defaultDir := ""
	if home, err := os.UserHomeDir(); err == nil {
		defaultDir = filepath.Join(home, ".tagfence")
	}
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDir, "State directory")

	startCmd.Flags().BoolVar(&usePoller, "poll", false, "Use the polling enforcement strategy")
	daemonCmd.Flags().BoolVar(&usePoller, "poll", false, "Use the polling enforcement strategy")
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 30*time.Second, "How long to wait for a tag")
	writeCmd.Flags().DurationVar(&scanTimeout, "timeout", 30*time.Second, "How long to wait for a tag")
	profilesAddCmd.Flags().StringVar(&profileName, "name", "", "Profile name")
	profilesAddCmd.Flags().StringSliceVar(&profileApps, "apps", nil, "Application IDs to block")
	profilesAddCmd.Flags().StringVar(&profileID, "id", "", "Profile ID (replaces the existing profile when set)")
	blockCmd.Flags().StringSliceVar(&blockApps, "apps", nil, "Application IDs to block (defaults to the active profile's set)")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	tagsCmd.AddCommand(tagsRemoveCmd)
	profilesCmd.AddCommand(profilesAddCmd)
	profilesCmd.AddCommand(profilesRemoveCmd)
	profilesCmd.AddCommand(profilesActivateCmd)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(blockCmd)
	rootCmd.AddCommand(unblockCmd)
	rootCmd.AddCommand(tagsCmd)
	rootCmd.AddCommand(profilesCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(daemonCmd)
}

// openStore unlocks (or initializes) the encrypted store.
func openStore(logger *zap.Logger) (*infra.Store, error) {
	keyProvider := infra.NewFileKeyProvider(dataDir)
	key, err := infra.EnsureKey(keyProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain store key: %w", err)
	}
	return infra.NewStore(dataDir, key, logger)
}

func channelPath() string {
	return filepath.Join(dataDir, "decision.json")
}

func readerSpoolPath() string {
	return filepath.Join(dataDir, "reader.spool")
}

func tagOutPath() string {
	return filepath.Join(dataDir, "tag.out")
}

// newAuthenticator wires the control plane against the real collaborators.
func newAuthenticator(logger *zap.Logger) (*usecase.Authenticator, *infra.Store, error) {
	store, err := openStore(logger)
	if err != nil {
		return nil, nil, err
	}

	auth := usecase.NewAuthenticator(
		token.NewCodec(),
		store,
		store.TagRegistry(),
		store,
		channel.NewFileChannel(channelPath(), logger),
		infra.NewSpoolTransceiver(readerSpoolPath(), tagOutPath(), logger),
		infra.NewCapabilityChecker(logger),
		logger,
	)
	return auth, store, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := daemon.SpawnEnforcer(usePoller, dataDir); err != nil {
		return fmt.Errorf("failed to start enforcement daemon: %w", err)
	}

	strategy := "event-driven"
	if usePoller {
		strategy = "polling"
	}
	fmt.Println("Enforcement daemon started.")
	fmt.Printf("Strategy: %s\n", strategy)
	fmt.Printf("State dir: %s\n", dataDir)
	fmt.Println("\nScan a tag with 'tagfence scan' to toggle blocking.")
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logger := createDaemonLogger()
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	ch := channel.NewFileChannel(channelPath(), logger)
	source := infra.NewForegroundSource(logger)
	overlay := infra.NewNotifierOverlay(logger)

	var plane domain.EnforcementPlane
	if usePoller {
		plane = daemon.NewForegroundPoller(daemon.DefaultPollerConfig(), ch, source, overlay, logger)
	} else {
		plane = daemon.NewBlockGate(ch, source, overlay, logger)
	}

	err := plane.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger := createCLILogger()
	defer func() { _ = logger.Sync() }()

	store, err := openStore(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	fmt.Println("\n=== tagfence Status ===")

	if infra.DaemonRunning("tagfence") {
		fmt.Println("Daemon: running")
	} else {
		fmt.Println("Daemon: not running (use 'tagfence start')")
	}

	blocking, err := store.GetState(domain.StateKeyIsBlocking)
	if err != nil {
		return err
	}
	if blocking == "true" {
		fmt.Println("Blocking: ON")
	} else {
		fmt.Println("Blocking: off")
	}

	caps := infra.NewCapabilityChecker(logger).IsAuthorized()
	fmt.Printf("Monitoring access: %v\n", caps.HasMonitoringAccess)
	fmt.Printf("Overlay access: %v\n", caps.HasOverlayAccess)
	if !caps.Ready() {
		fmt.Println("Warning: enforcement is inert until both capabilities are granted.")
	}

	active, err := store.Active()
	if err == nil {
		fmt.Printf("\nActive profile: %s (%s)\n", active.Name, active.ID)
		fmt.Println("Blocked applications:")
		if len(active.BlockedAppIDs) == 0 {
			fmt.Println("  (none)")
		}
		for _, id := range active.BlockedAppIDs {
			fmt.Printf("  - %s\n", id)
		}
	} else {
		fmt.Println("\nNo active profile.")
	}

	fmt.Println("=======================")
	return nil
}

// waitForEvent arms an operation and waits for its outcome.
func waitForEvent(auth *usecase.Authenticator) (domain.AuthEvent, error) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case e := <-auth.Events():
		return e, nil
	case <-time.After(scanTimeout):
		return domain.AuthEvent{}, fmt.Errorf("no tag presented within %s", scanTimeout)
	case <-sigChan:
		return domain.AuthEvent{}, fmt.Errorf("interrupted")
	}
}

func runScan(cmd *cobra.Command, args []string) error {
	logger := createCLILogger()
	defer func() { _ = logger.Sync() }()

	auth, store, err := newAuthenticator(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := auth.BeginScan(cmd.Context()); err != nil {
		return fmt.Errorf("failed to arm reader: %w", err)
	}
	fmt.Println("Hold a tag near the reader...")

	event, err := waitForEvent(auth)
	if err != nil {
		return err
	}

	switch event.Kind {
	case domain.EventToggled:
		if event.IsBlocking {
			fmt.Println("Blocking is now ON.")
		} else {
			fmt.Println("Blocking is now off.")
		}
	case domain.EventWrongTag:
		fmt.Println("That tag is not recognized. Blocking state unchanged.")
	default:
		fmt.Printf("Unexpected outcome: %s\n", event.Kind)
	}
	return nil
}

func runBlock(cmd *cobra.Command, args []string) error {
	logger := createCLILogger()
	defer func() { _ = logger.Sync() }()

	auth, store, err := newAuthenticator(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := auth.StartBlocking(blockApps); err != nil {
		return err
	}
	fmt.Println("Blocking is now ON.")
	return nil
}

func runUnblock(cmd *cobra.Command, args []string) error {
	logger := createCLILogger()
	defer func() { _ = logger.Sync() }()

	auth, store, err := newAuthenticator(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := auth.StopBlocking(); err != nil {
		return err
	}
	fmt.Println("Blocking is now off.")
	return nil
}

func runWrite(cmd *cobra.Command, args []string) error {
	logger := createCLILogger()
	defer func() { _ = logger.Sync() }()

	auth, store, err := newAuthenticator(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := auth.BeginWrite(cmd.Context()); err != nil {
		return fmt.Errorf("failed to start write: %w", err)
	}
	fmt.Println("Hold a writable tag near the reader...")

	event, err := waitForEvent(auth)
	if err != nil {
		return err
	}

	switch event.Kind {
	case domain.EventWriteSuccess:
		fmt.Println("Tag written and recorded.")
	case domain.EventWriteFailure:
		fmt.Printf("Write failed: %v\n", event.Err)
		fmt.Println("The tag registry was not modified.")
	default:
		fmt.Printf("Unexpected outcome: %s\n", event.Kind)
	}
	return nil
}

func runTagsList(cmd *cobra.Command, args []string) error {
	logger := createCLILogger()
	defer func() { _ = logger.Sync() }()

	store, err := openStore(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	tokens, err := store.TagRegistry().List()
	if err != nil {
		return err
	}

	fmt.Println("\n=== Written Tags ===")
	if len(tokens) == 0 {
		fmt.Println("(none)")
	}
	for _, t := range tokens {
		fmt.Printf("%s  %s  %s\n", t.ID, t.CreatedAt.Format(time.RFC3339), t.Payload)
	}
	fmt.Println("====================")
	return nil
}

func runTagsRemove(cmd *cobra.Command, args []string) error {
	logger := createCLILogger()
	defer func() { _ = logger.Sync() }()

	store, err := openStore(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.TagRegistry().Remove(args[0]); err != nil {
		return err
	}
	fmt.Println("Tag record removed.")
	return nil
}

func runProfilesList(cmd *cobra.Command, args []string) error {
	logger := createCLILogger()
	defer func() { _ = logger.Sync() }()

	store, err := openStore(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	profiles, err := store.List()
	if err != nil {
		return err
	}
	activeID := ""
	if active, err := store.Active(); err == nil {
		activeID = active.ID
	}

	fmt.Println("\n=== Profiles ===")
	for _, p := range profiles {
		marker := " "
		if p.ID == activeID {
			marker = "*"
		}
		fmt.Printf("%s %s  %s  [%s]\n", marker, p.ID, p.Name, strings.Join(p.BlockedAppIDs, ", "))
	}
	fmt.Println("================")
	return nil
}

func runProfilesAdd(cmd *cobra.Command, args []string) error {
	if profileName == "" {
		return fmt.Errorf("--name is required")
	}

	logger := createCLILogger()
	defer func() { _ = logger.Sync() }()

	store, err := openStore(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	p := domain.Profile{
		ID:            profileID,
		Name:          profileName,
		BlockedAppIDs: profileApps,
		Icon:          domain.IconCustom,
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := store.Save(p); err != nil {
		return err
	}

	fmt.Printf("Profile %q saved (%s).\n", p.Name, p.ID)
	return nil
}

func runProfilesRemove(cmd *cobra.Command, args []string) error {
	logger := createCLILogger()
	defer func() { _ = logger.Sync() }()

	store, err := openStore(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Delete(args[0]); err != nil {
		if err == domain.ErrLastProfile {
			return fmt.Errorf("refusing to delete the last remaining profile")
		}
		return err
	}
	fmt.Println("Profile deleted.")
	return nil
}

func runProfilesActivate(cmd *cobra.Command, args []string) error {
	logger := createCLILogger()
	defer func() { _ = logger.Sync() }()

	store, err := openStore(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SetActive(args[0]); err != nil {
		return err
	}
	fmt.Println("Profile activated.")
	return nil
}

// createDaemonLogger writes structured logs to the state directory.
func createDaemonLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{filepath.Join(dataDir, "tagfence.log")}
	config.ErrorOutputPaths = []string{filepath.Join(dataDir, "tagfence.error.log")}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		// Fallback to stdout if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func createCLILogger() *zap.Logger {
	logger, err := zap.NewDevelopment()
	if err != nil {
		// Fallback so CLI commands always have a usable logger
		return zap.NewNop()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("tagfence %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
