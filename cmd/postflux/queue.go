package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// queueClient talks to a running server's admin API.
type queueClient struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

func newQueueCmd() *cobra.Command {
	client := &queueClient{http: &http.Client{Timeout: 30 * time.Second}}

	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and control the outbound queue",
		Long:  "Queue commands talk to the admin API of a running postflux server",
	}
	queueCmd.PersistentFlags().StringVar(&client.baseURL, "api", "http://127.0.0.1:8025", "admin API base URL")
	queueCmd.PersistentFlags().StringVar(&client.username, "user", "", "admin API username")
	queueCmd.PersistentFlags().StringVar(&client.password, "password", "", "admin API password")

	queueCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show scheduler status",
		RunE:  client.status,
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued messages",
		RunE:  client.list,
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "show [id]",
		Short: "Show one queued message",
		Args:  cobra.ExactArgs(1),
		RunE:  client.show,
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "delete [id]",
		Short: "Remove a message from the queue",
		Args:  cobra.ExactArgs(1),
		RunE:  client.delete,
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "pause",
		Short: "Pause outbound deliveries",
		RunE:  client.pause,
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "resume",
		Short: "Resume outbound deliveries",
		RunE:  client.resume,
	})

	return queueCmd
}

func (c *queueClient) request(method, path string, out any) error {
	req, err := http.NewRequest(method, strings.TrimRight(c.baseURL, "/")+path, nil)
	if err != nil {
		return err
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("admin API unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("admin API returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *queueClient) status(cmd *cobra.Command, args []string) error {
	var status struct {
		Paused     bool      `json:"paused"`
		OnHold     int64     `json:"on_hold"`
		NextWakeUp time.Time `json:"next_wake_up"`
		Messages   int       `json:"messages"`
	}
	if err := c.request("GET", "/api/queue/status", &status); err != nil {
		return err
	}

	state := "running"
	if status.Paused {
		state = "paused"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "State:        %s\n", state)
	fmt.Fprintf(cmd.OutOrStdout(), "Messages:     %d\n", status.Messages)
	fmt.Fprintf(cmd.OutOrStdout(), "On hold:      %d\n", status.OnHold)
	fmt.Fprintf(cmd.OutOrStdout(), "Next wake-up: %s\n", status.NextWakeUp.Format(time.RFC3339))
	return nil
}

type queueMessage struct {
	ID         string   `json:"id"`
	From       string   `json:"from"`
	Recipients []string `json:"recipients"`
	Size       int64    `json:"size"`
	CreatedAt  int64    `json:"created_at"`
	Domains    []struct {
		Name     string `json:"name"`
		Status   string `json:"status"`
		Attempts int    `json:"attempts"`
		NextDue  int64  `json:"next_due"`
		Expires  int64  `json:"expires"`
	} `json:"domains"`
}

func (c *queueClient) list(cmd *cobra.Command, args []string) error {
	var messages []queueMessage
	if err := c.request("GET", "/api/queue/messages", &messages); err != nil {
		return err
	}

	if len(messages) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No messages in queue")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFrom\tDomain\tStatus\tNext Due\tAttempts")
	fmt.Fprintln(w, "--\t----\t------\t------\t--------\t--------")
	for _, msg := range messages {
		for _, d := range msg.Domains {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
				msg.ID,
				msg.From,
				d.Name,
				d.Status,
				time.Unix(d.NextDue, 0).Format("2006-01-02 15:04:05"),
				d.Attempts,
			)
		}
	}
	return w.Flush()
}

func (c *queueClient) show(cmd *cobra.Command, args []string) error {
	var msg queueMessage
	if err := c.request("GET", "/api/queue/message/"+args[0], &msg); err != nil {
		return err
	}

	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func (c *queueClient) delete(cmd *cobra.Command, args []string) error {
	if err := c.request("DELETE", "/api/queue/message/"+args[0], nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Message %s deleted\n", args[0])
	return nil
}

func (c *queueClient) pause(cmd *cobra.Command, args []string) error {
	if err := c.request("POST", "/api/queue/pause", nil); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Outbound deliveries paused")
	return nil
}

func (c *queueClient) resume(cmd *cobra.Command, args []string) error {
	if err := c.request("POST", "/api/queue/resume", nil); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Outbound deliveries resumed")
	return nil
}
