package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/dMap/cmd/util"
	"github.com/ValentinKolb/dMap/rpc/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	rpcClient *client.Client
	rpcMap    *client.MapProxy

	acquireLease time.Duration
	acquireWait  time.Duration

	// LockCommands represents the lock command group
	LockCommands = &cobra.Command{
		Use:   "lock",
		Short: "Perform lock operations on map keys",
		Long: `Perform lock operations on map keys. A lock is owned by the client id,
pass the same --client-id to release a lock acquired by an earlier call.`,
		PersistentPreRunE:  setupLockClient,
		PersistentPostRunE: closeLockClient,
	}

	// acquireCmd represents the acquire command
	acquireCmd = &cobra.Command{
		Use:   "acquire [key]",
		Short: "Acquire a lock",
		Args:  cobra.ExactArgs(1),
		RunE:  runAcquire,
	}

	// releaseCmd represents the release command
	releaseCmd = &cobra.Command{
		Use:   "release [key]",
		Short: "Release a previously acquired lock",
		Args:  cobra.ExactArgs(1),
		RunE:  runRelease,
	}

	// forceReleaseCmd represents the force-release command
	forceReleaseCmd = &cobra.Command{
		Use:   "force-release [key]",
		Short: "Release a lock regardless of its owner",
		Args:  cobra.ExactArgs(1),
		RunE:  runForceRelease,
	}

	// ownerCmd represents the owner command
	ownerCmd = &cobra.Command{
		Use:   "owner [key]",
		Short: "Print the owner of a lock",
		Args:  cobra.ExactArgs(1),
		RunE:  runOwner,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitEnv)

	// Add subcommands to lock command
	LockCommands.AddCommand(acquireCmd)
	LockCommands.AddCommand(releaseCmd)
	LockCommands.AddCommand(forceReleaseCmd)
	LockCommands.AddCommand(ownerCmd)

	// Add common RPC flags to the lock command
	util.SetupRPCClientFlags(LockCommands)

	LockCommands.PersistentFlags().String("map", "locks", util.WrapString("Name of the map whose keys are locked"))

	// Add flags specific to acquire
	acquireCmd.Flags().DurationVar(&acquireLease, "lease", 30*time.Second, "Lease of the lock (0 holds it until released)")
	acquireCmd.Flags().DurationVar(&acquireWait, "wait", 0, "How long to wait for a lock held by another owner")
}

// setupLockClient connects the client and opens the map
func setupLockClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	var err error
	if rpcClient, err = util.NewClient(); err != nil {
		return err
	}

	ctx, cancel := util.Context()
	defer cancel()
	rpcMap, err = rpcClient.Map(ctx, viper.GetString("map"), nil)
	return err
}

func closeLockClient(_ *cobra.Command, _ []string) error {
	if rpcClient == nil {
		return nil
	}
	return rpcClient.Shutdown(context.Background())
}

// runAcquire handles the acquire lock command
func runAcquire(_ *cobra.Command, args []string) error {
	ctx, cancel := util.Context()
	defer cancel()

	acquired, err := rpcMap.TryLock(ctx, []byte(args[0]), acquireLease, acquireWait)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %v", err)
	}

	fmt.Printf("acquired=%v, owner=%s\n", acquired, rpcClient.ID())
	return nil
}

// runRelease handles the release lock command
func runRelease(_ *cobra.Command, args []string) error {
	ctx, cancel := util.Context()
	defer cancel()

	if err := rpcMap.Unlock(ctx, []byte(args[0])); err != nil {
		return fmt.Errorf("failed to release lock: %v", err)
	}

	fmt.Println("released=true")
	return nil
}

// runForceRelease handles the force-release command
func runForceRelease(_ *cobra.Command, args []string) error {
	ctx, cancel := util.Context()
	defer cancel()

	released, err := rpcMap.ForceUnlock(ctx, []byte(args[0]))
	if err != nil {
		return fmt.Errorf("failed to release lock: %v", err)
	}

	fmt.Printf("released=%v\n", released)
	return nil
}

// runOwner handles the owner command
func runOwner(_ *cobra.Command, args []string) error {
	ctx, cancel := util.Context()
	defer cancel()

	owner, locked, err := rpcMap.LockOwner(ctx, []byte(args[0]))
	if err != nil {
		return err
	}

	fmt.Printf("locked=%v, owner=%s\n", locked, owner)
	return nil
}
