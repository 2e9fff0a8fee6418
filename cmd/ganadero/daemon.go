package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andresdvelez/ganadero-sub001/internal/daemon"
	"github.com/andresdvelez/ganadero-sub001/internal/dashboard"
	enginesync "github.com/andresdvelez/ganadero-sub001/internal/sync"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "advanced",
	Short:   "Run the background sync daemon",
	Long: `Run the sync scheduler: periodic syncs while online, an immediate sync
when connectivity returns, and ingestion of spooled mutation files.

With --dashboard, a WebSocket server broadcasts sync events and queue stats
to connected clients at ws://localhost:<port>/ws.

Example usage:
  ganadero daemon
  ganadero daemon --dashboard --port 9000`,
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		logger := newLogger("daemon")
		remote, err := openTransport(newLogger("remote"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer remote.Close()

		var notifier enginesync.Notifier
		var dashServer *dashboard.Server
		if withDash, _ := cmd.Flags().GetBool("dashboard"); withDash {
			port, _ := cmd.Flags().GetInt("port")
			if port == 0 {
				port = viper.GetInt("dashboard.port")
			}
			dashServer = dashboard.NewServer(&dashboard.Config{
				Port:   port,
				Logger: newLogger("dashboard"),
			})
			if err := dashServer.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
				os.Exit(1)
			}
			defer dashServer.Stop()
			notifier = dashboard.NewHandler(dashServer, st, newLogger("dashboard"))
			fmt.Printf("Dashboard: ws://%s/ws\n", dashServer.Addr())
		}

		engine := newEngine(st, remote, notifier)

		config := daemon.DefaultConfig()
		config.SyncInterval = syncIntervalOrDefault()
		config.SpoolDir = spoolDir()
		config.Logger = logger

		d, err := daemon.New(engine, st, probeTarget(), config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		fmt.Println("Sync daemon running. Press Ctrl+C to stop...")
		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Sync daemon stopped")
	},
}

// probeTarget builds a connectivity prober against the remote host.
func probeTarget() daemon.Prober {
	remoteURL := viper.GetString("remote.url")
	host := "1.1.1.1:443"
	if u, err := url.Parse(remoteURL); err == nil && u.Host != "" {
		host = u.Host
		if u.Port() == "" {
			host += ":443"
		}
	}
	return &daemon.DialProber{Addr: host}
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Serve the WebSocket dashboard")
	daemonCmd.Flags().IntP("port", "p", 0, "Dashboard port (default from config)")

	rootCmd.AddCommand(daemonCmd)
}
