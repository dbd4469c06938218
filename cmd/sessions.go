package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawgate/pkg/client"
)

const dialTimeout = 10 * time.Second

func dialGateway(ctx context.Context) (*client.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	host, _ := os.Hostname()
	c, err := client.Dial(dialCtx, client.Options{
		URL:      gatewayURL,
		Token:    os.Getenv("CLAWGATE_TOKEN"),
		DeviceID: "cli-" + host,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to gateway at %s: %w", gatewayURL, err)
	}
	return c, nil
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage gateway sessions",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List sessions with token usage",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSessionsList(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "reset <session-key>",
			Short: "Archive the transcript and mint a fresh session id",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSessionsMutate(cmd.Context(), args[0], false)
			},
		},
		&cobra.Command{
			Use:   "delete <session-key>",
			Short: "Delete a session and its idempotency records",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSessionsMutate(cmd.Context(), args[0], true)
			},
		},
	)
	return cmd
}

func runSessionsList(ctx context.Context) error {
	c, err := dialGateway(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	all, err := c.SessionsList(ctx)
	if err != nil {
		return err
	}
	if len(all) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := [][]string{{"SESSION KEY", "SESSION ID", "UPDATED", "TOKENS IN/OUT"}}
	for _, k := range keys {
		s := all[k]
		id := s.SessionID
		if len(id) > 8 {
			id = id[:8]
		}
		rows = append(rows, []string{
			k, id, formatUpdated(s.UpdatedAt),
			fmt.Sprintf("%d/%d", s.InputTokens, s.OutputTokens),
		})
	}
	printTable(rows)
	return nil
}

func runSessionsMutate(ctx context.Context, key string, del bool) error {
	c, err := dialGateway(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if del {
		if err := c.SessionsDelete(ctx, key); err != nil {
			return err
		}
		fmt.Println("Deleted", key)
		return nil
	}
	if err := c.SessionsReset(ctx, key); err != nil {
		return err
	}
	fmt.Println("Reset", key)
	return nil
}

func formatUpdated(raw string) string {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return raw
	}
	return t.Local().Format("2006-01-02 15:04")
}

// printTable renders rows with runewidth-aware column padding so wide glyphs
// in session keys do not skew alignment.
func printTable(rows [][]string) {
	if len(rows) == 0 {
		return
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	var b strings.Builder
	for _, row := range rows {
		b.Reset()
		for i, cell := range row {
			b.WriteString(cell)
			if i < len(row)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-runewidth.StringWidth(cell)+2))
			}
		}
		fmt.Println(b.String())
	}
}
