package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent runs",
	Long:  "List recent runs from the bridge's debug API. Requires debug_addr in the config.",
	RunE:  runRuns,
}

var activeCmd = &cobra.Command{
	Use:   "active",
	Short: "List currently running turns",
	RunE:  runActive,
}

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "max runs to show")
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(activeCmd)
}

func getJSON(path string, out any) error {
	resp, err := http.Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("connecting to bridge: %w\nIs it running with debug_addr set?", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("bridge error (%d): %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func runRuns(cmd *cobra.Command, args []string) error {
	var runs []struct {
		Engine     string    `json:"engine"`
		ChatID     int64     `json:"chat_id"`
		Ok         bool      `json:"ok"`
		Error      string    `json:"error"`
		AnswerLen  int       `json:"answer_len"`
		DurationMS int64     `json:"duration_ms"`
		StartedAt  time.Time `json:"started_at"`
	}
	if err := getJSON("/api/runs", &runs); err != nil {
		return err
	}
	if len(runs) > runsLimit {
		runs = runs[:runsLimit]
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}
	for _, r := range runs {
		status := "ok"
		if !r.Ok {
			status = "failed"
			if r.Error != "" {
				status = "failed: " + r.Error
			}
		}
		fmt.Printf("%s  %-8s chat %-14d %5.1fs  %s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Engine, r.ChatID, float64(r.DurationMS)/1000, status)
	}
	return nil
}

func runActive(cmd *cobra.Command, args []string) error {
	var runs []struct {
		Engine    string    `json:"engine"`
		ChatID    int64     `json:"chat_id"`
		MessageID int       `json:"message_id"`
		Resume    string    `json:"resume"`
		StartedAt time.Time `json:"started_at"`
	}
	if err := getJSON("/api/active", &runs); err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("nothing running")
		return nil
	}
	for _, r := range runs {
		fmt.Printf("%-8s chat %-14d msg %-8d running %s  %s\n",
			r.Engine, r.ChatID, r.MessageID,
			time.Since(r.StartedAt).Round(time.Second), r.Resume)
	}
	return nil
}
