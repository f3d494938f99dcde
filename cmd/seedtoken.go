package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iwismer/rusty-timer-sub001/config"
	"github.com/iwismer/rusty-timer-sub001/internal/logging"
	"github.com/iwismer/rusty-timer-sub001/internal/store"
)

var (
	seedDeviceID string
	seedToken    string
	seedRole     string
)

// seedTokenCmd provisions device credentials directly in the server's
// store. Run on the server host while the server is stopped or live;
// SQLite serializes the write either way.
var seedTokenCmd = &cobra.Command{
	Use:   "seed-token",
	Short: "Provision a device credential in the server store",
	RunE: func(cmd *cobra.Command, args []string) error {
		config.Load(cmd.Flags())
		logging.Setup(config.Config.LogLevel)

		if seedDeviceID == "" || seedToken == "" {
			return errors.New("--device-id and --token are required")
		}
		if seedRole != store.RoleForwarder && seedRole != store.RoleReceiver {
			return fmt.Errorf("bad role %q, want %s or %s", seedRole, store.RoleForwarder, store.RoleReceiver)
		}

		st, err := store.Open(config.Config.ServerDBPath)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.SeedCredential(seedDeviceID, seedToken, seedRole); err != nil {
			return err
		}
		fmt.Printf("credential stored for %s (%s)\n", seedDeviceID, seedRole)
		return nil
	},
}

func init() {
	seedTokenCmd.Flags().StringVar(&seedDeviceID, "device-id", "", "device identity the credential belongs to")
	seedTokenCmd.Flags().StringVar(&seedToken, "token", "", "bearer token the device will present")
	seedTokenCmd.Flags().StringVar(&seedRole, "role", store.RoleForwarder, "device role: forwarder | receiver")
}
