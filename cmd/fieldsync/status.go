package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sap-alerte/fieldsync/internal/client"
	"github.com/sap-alerte/fieldsync/internal/models"
	"github.com/sap-alerte/fieldsync/internal/transport"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running agent's status",
	Long: `Status asks a running agent for its connectivity, queue and cache
state. With --watch it stays connected to the agent's page channel and
prints connectivity and sync events as they happen.`,
	Example: `  fieldsync status
  fieldsync status --watch
  fieldsync status --agent http://10.0.0.5:8081`,
	RunE: runStatus,
}

var (
	statusWatch bool
	statusAgent string
)

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false,
		"Stream events until interrupted")
	statusCmd.Flags().StringVar(&statusAgent, "agent", "",
		"Agent URL (default http://<proxy.listen>)")
}

func agentURL() string {
	if statusAgent != "" {
		return strings.TrimRight(statusAgent, "/")
	}
	return "http://" + cfg.Proxy.Listen
}

func runStatus(cmd *cobra.Command, args []string) error {
	if statusWatch {
		return watchStatus(cmd.Context())
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, agentURL()+client.ControlPrefix+"/status", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		printError("agent not reachable at %s: %v", agentURL(), err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent returned HTTP %d", resp.StatusCode)
	}

	var report client.StatusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	if jsonOutput {
		printJSON(report)
		return nil
	}

	printStatus(report)
	return nil
}

func printStatus(r client.StatusReport) {
	bold := color.New(color.Bold).SprintFunc()

	fmt.Printf("%s\n", bold("Connectivité"))
	fmt.Printf("   Backend:      %s (%s)\n", onlineLabel(r.Connection.Online), r.Connection.Cause)
	if !r.Connection.LastProbe.IsZero() {
		fmt.Printf("   Dernière sonde: %s\n", r.Connection.LastProbe.Local().Format(time.DateTime))
	}

	fmt.Printf("%s\n", bold("File d'attente"))
	printer.Printf("   En attente:   %d\n", r.Sync.Pending)
	if r.Sync.Syncing {
		fmt.Printf("   Synchronisation en cours\n")
	}
	if r.Sync.LastResult != nil && r.Sync.LastSyncAt != nil {
		printer.Printf("   Dernière synchro: %s (%d envoyées, %d échecs)\n",
			r.Sync.LastSyncAt.Local().Format(time.DateTime),
			r.Sync.LastResult.Synced, r.Sync.LastResult.Failed)
	}
	if r.Sync.LastError != "" {
		fmt.Printf("   Erreur:       %s\n", color.RedString(r.Sync.LastError))
	}

	fmt.Printf("%s\n", bold("Proxy"))
	fmt.Printf("   Mode:         %s\n", onlineLabel(r.Interceptor.Online))
	printer.Printf("   Cache runtime: %d entrée(s)\n", r.Interceptor.RuntimeEntries)
	if !r.Interceptor.RuntimeClean {
		printWarning("   Cache runtime non purgé, ignoré en ligne")
	}
	printer.Printf("   Pages:        %d\n", r.Pages)

	if r.Sync.FullySynced {
		printSuccess("\n✅ Tout est synchronisé")
	}
}

func watchStatus(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt)
	defer stop()

	ws := transport.NewWSClient(agentURL()+client.ControlPrefix+"/ws", logger)
	if err := ws.Connect(ctx); err != nil {
		printError("%v", err)
		return err
	}
	defer ws.Close()

	if !jsonOutput {
		printInfo("Watching %s (Ctrl-C to stop)", agentURL())
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-ws.Errors():
			if !ok {
				return nil
			}
			printError("%v", err)
			return err
		case msg, ok := <-ws.Messages():
			if !ok {
				return nil
			}
			printMessage(msg)
		}
	}
}

func printMessage(msg models.Message) {
	if jsonOutput {
		printJSON(msg)
		return
	}

	stamp := time.Now().Format(time.TimeOnly)

	switch msg.Type {
	case models.MsgConnectivityChange:
		var change models.ConnectivityChange
		if err := json.Unmarshal(msg.Data, &change); err == nil {
			fmt.Printf("%s  %s → %s\n", stamp, onlineLabel(change.WasOnline), onlineLabel(change.IsOnline))
			return
		}

	case models.MsgSyncEvent:
		var notice struct {
			Event models.SyncEventType `json:"event"`
			Data  models.SyncEvent     `json:"data"`
		}
		if err := json.Unmarshal(msg.Data, &notice); err == nil {
			line := string(notice.Event)
			if res := notice.Data.Result; res != nil {
				line += printer.Sprintf(" (%d envoyées, %d échecs, %d bloquées)", res.Synced, res.Failed, res.Exhausted)
			}
			if notice.Data.Err != "" {
				line += " " + color.RedString(notice.Data.Err)
			}
			fmt.Printf("%s  %s\n", stamp, line)
			return
		}

	case models.MsgOfflineRequest:
		var notice models.OfflineRequestNotice
		if err := json.Unmarshal(msg.Data, &notice); err == nil {
			fmt.Printf("%s  %s %s %s\n", stamp, color.YellowString("hors ligne"), notice.Method, notice.URL)
			return
		}
	}

	fmt.Printf("%s  %s\n", stamp, msg.Type)
}
