package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and patch the running gateway's configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Print the redacted config document and its hash",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigGet(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "patch <merge-patch-json>",
			Short: "Apply an RFC 7386 merge patch against the stored config",
			Long: "Reads the current config hash, then submits the patch guarded by it. " +
				"Example: clawgate config patch '{\"queue\":{\"mode\":\"steer\"}}'",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigPatch(cmd.Context(), args[0])
			},
		},
	)
	return cmd
}

func runConfigGet(ctx context.Context) error {
	c, err := dialGateway(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	doc, err := c.ConfigGet(ctx)
	if err != nil {
		return err
	}
	if doc.Raw != "" {
		fmt.Print(doc.Raw)
		if doc.Raw[len(doc.Raw)-1] != '\n' {
			fmt.Println()
		}
	} else {
		pretty, _ := json.MarshalIndent(json.RawMessage(doc.Config), "", "  ")
		fmt.Println(string(pretty))
	}
	fmt.Println("# hash:", doc.Hash)
	if !doc.Valid {
		for _, issue := range doc.Issues {
			fmt.Println("# issue:", issue)
		}
	}
	return nil
}

func runConfigPatch(ctx context.Context, patch string) error {
	if !json.Valid([]byte(patch)) {
		return usageError{fmt.Errorf("patch is not valid JSON")}
	}
	c, err := dialGateway(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	doc, err := c.ConfigGet(ctx)
	if err != nil {
		return err
	}
	if err := c.ConfigPatch(ctx, json.RawMessage(patch), doc.Hash); err != nil {
		return err
	}
	fmt.Println("Patched. The gateway restarts on config.apply; until then the stored file is updated.")
	return nil
}
