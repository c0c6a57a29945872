package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check if the enact server is running",
		Long:  "Check the status of a server started with 'enact serve', including process state and readiness of its dependencies.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}
}

func runStatus() error {
	pid, err := readPID()
	if err != nil {
		fmt.Println("Server is not running (no PID file found).")
		return nil
	}

	if !isProcessRunning(pid) {
		removePID()
		fmt.Println("Server is not running (stale PID file removed).")
		return nil
	}

	port := viper.GetInt("server.port")
	host := viper.GetString("server.host")
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}

	readyAddr := fmt.Sprintf("http://%s:%d/readyz?full=1", host, port)
	client := cleanhttp.DefaultClient()
	client.Timeout = 2 * time.Second
	resp, err := client.Get(readyAddr)
	if err != nil {
		fmt.Printf("Server process is running (PID %d) but not responding to HTTP.\n", pid)
		return nil
	}
	defer resp.Body.Close()

	var checks map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&checks)

	fmt.Printf("Server is running (PID %d)\n", pid)
	fmt.Printf("  Ready:   %s (%d)\n", readyAddr, resp.StatusCode)
	for name, result := range checks {
		fmt.Printf("  %-8s %s\n", name+":", result)
	}
	return nil
}
