package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"chatroom-e2ee/protocol/fingerprint"
	"chatroom-e2ee/protocol/keybundle"

	"github.com/spf13/cobra"
)

// provision <device>: generate and publish a key bundle for a new device.
func provisionCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "provision <device>",
		Short: "Generate and publish a key bundle for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deviceID := args[0]
			bundle, keys, err := keybundle.Generate(1, 1)
			if err != nil {
				return err
			}
			if out != "" {
				data, err := json.MarshalIndent(keys, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, data, 0o600); err != nil {
					return fmt.Errorf("failed to write device keys: %w", err)
				}
			}
			if err := appCtx.client.PublishBundle(cmd.Context(), appCtx.userID, deviceID, bundle); err != nil {
				return err
			}
			fp, err := fingerprint.Fingerprint(bundle.IdentityKey, []byte(appCtx.userID))
			if err != nil {
				return err
			}
			fmt.Printf("Published bundle for %s/%s\nFingerprint: %s\n", appCtx.userID, deviceID, fp)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "write the device private keys to this file")
	return cmd
}

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices [user]",
		Short: "List the devices of a user",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := appCtx.userID
			if len(args) == 1 {
				userID = args[0]
			}
			devices, err := appCtx.client.ListBundles(cmd.Context(), userID)
			if err != nil {
				return err
			}
			for _, d := range devices {
				fp, err := fingerprint.Fingerprint(d.Bundle.IdentityKey, []byte(userID))
				if err != nil {
					return err
				}
				stale, err := appCtx.registry.NeedsSync(cmd.Context(), userID, d.DeviceID)
				if err != nil {
					return err
				}
				fmt.Printf("%s\tregistration %d\tupdated %d\tneeds sync %v\n\t%s\n",
					d.DeviceID, d.Bundle.RegistrationID, d.Bundle.Timestamp.Int64(), stale, fp)
			}
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Copy your newest key bundle to your other devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			synced, err := appCtx.client.SyncAll(cmd.Context(), appCtx.userID)
			if err != nil {
				return err
			}
			fmt.Printf("Synced %d device(s) %v\n", len(synced), synced)
			return nil
		},
	}
}

// fingerprint <user> <device> [expected]: print or verify a safety number.
func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint <user> <device> [expected]",
		Short: "Print or verify the safety number of a device",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, deviceID := args[0], args[1]
			if len(args) == 3 {
				ok, err := appCtx.registry.VerifyDevice(cmd.Context(), userID, deviceID, args[2])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("safety number of %s/%s does not match", userID, deviceID)
				}
				fmt.Println("verified")
				return nil
			}
			fp, err := appCtx.registry.Fingerprint(cmd.Context(), userID, deviceID)
			if err != nil {
				return err
			}
			fmt.Printf("Fingerprint: %s\n", fp)
			return nil
		},
	}
}
