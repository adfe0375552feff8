// Command switchboard runs the credential-pool gateway core: the pool
// store, token refresh coordinator, and admin API.
package main

import (
	"os"

	"github.com/spf13/cobra"

	credscmder "github.com/papercomputeco/switchboard/cmd/switchboard/creds"
	servecmder "github.com/papercomputeco/switchboard/cmd/switchboard/serve"
	"github.com/papercomputeco/switchboard/pkg/config"
)

func main() {
	root := &cobra.Command{
		Use:           "switchboard",
		Short:         "Credential-pool gateway for the upstream coding API",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().String("config", config.DefaultPath, "Path to the configuration file")

	root.AddCommand(servecmder.NewServeCmd())
	root.AddCommand(credscmder.NewCredsCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
