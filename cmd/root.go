package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/ValentinKolb/dWire/cmd/ping"
	"github.com/ValentinKolb/dWire/cmd/serve"
	"github.com/spf13/cobra"
)

const (
	Version = "0.4.2"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dwire",
		Short: "asynchronous message transport server",
		Long: fmt.Sprintf(`dWire (v%s)

An asynchronous message transport written in Go: length-prefixed
messages over TCP and unix domain sockets, served by an epoll reactor
with ticket-based completion semantics and an adaptive worker pool.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dWire",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dWire v%s\n", Version)
		},
	}

	// upgradeCmd represents the upgrade command
	upgradeCmd = &cobra.Command{
		Use:   "upgrade",
		Short: "Upgrade dWire to the latest version",
		Long:  `Upgrade dWire to the latest version by downloading and running the installation script.`,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Upgrading dWire to the latest version...")

			// Get installation path flag
			installPath, _ := cmd.Flags().GetString("path")

			// Get source flag
			fromSource, _ := cmd.Flags().GetBool("source")

			// Prepare command arguments
			scriptURL := "https://raw.githubusercontent.com/ValentinKolb/dWire/refs/heads/main/install.sh"
			var shellCmd *exec.Cmd

			if runtime.GOOS == "windows" {
				fmt.Println("Windows is not supported.")
				os.Exit(1)
			}

			// Base command to download and execute the script
			baseCmd := fmt.Sprintf("curl -s %s | bash", scriptURL)

			// Add options if specified
			options := ""
			if installPath != "" {
				options += fmt.Sprintf(" -- --path=%s", installPath)
			}
			if fromSource {
				if options == "" {
					options = " -- --source"
				} else {
					options += " --source"
				}
			}

			// Combine the command
			cmdStr := baseCmd + options

			// Create and run the command
			shellCmd = exec.Command("bash", "-c", cmdStr)
			shellCmd.Stdout = os.Stdout
			shellCmd.Stderr = os.Stderr

			fmt.Println("Executing:", cmdStr)
			err := shellCmd.Run()
			if err != nil {
				fmt.Printf("Error upgrading dWire: %v\n", err)
				os.Exit(1)
			}

			fmt.Println("dWire has been successfully upgraded!")
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(ping.PingCmd)
	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(upgradeCmd)

	// Add Flags for upgrade command
	upgradeCmd.Flags().String("path", "", "Installation path for the upgraded version")
	upgradeCmd.Flags().Bool("source", false, "Install from source instead of using pre-compiled binaries")
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
