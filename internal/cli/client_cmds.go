package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/claimqueue/internal/server"
)

const rpcTimeout = 10 * time.Second

// withClient 連到 --addr 執行 fn
func withClient(cmd *cobra.Command, extra time.Duration, fn func(ctx context.Context, c *server.Client) error) error {
	client, err := server.Dial(serverAddr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout+extra)
	defer cancel()
	return fn(ctx, client)
}

func printReply(w io.Writer, r server.Reply) {
	switch r.Status {
	case "accepted":
		fmt.Fprintf(w, "✅ accepted  handle=%s order=%s\n", r.Handle, r.OrderID)
	case "rejected":
		fmt.Fprintf(w, "❌ rejected  handle=%s reason=%s\n", r.Handle, r.Reason)
	default:
		fmt.Fprintf(w, "⏳ %s  handle=%s\n", r.Status, r.Handle)
	}
}

func buildClaimCommand() *cobra.Command {
	var taskID, userID, accountID, handle string
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Submit a claim, or wait on an existing handle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, wait, func(ctx context.Context, c *server.Client) error {
				var (
					r   server.Reply
					err error
				)
				if handle != "" {
					r, err = c.AwaitClaim(ctx, handle, wait)
				} else {
					if taskID == "" || userID == "" || accountID == "" {
						return fmt.Errorf("--task, --user and --account are required")
					}
					r, err = c.SubmitClaim(ctx, taskID, userID, accountID, wait)
				}
				if err != nil {
					return err
				}
				printReply(cmd.OutOrStdout(), r)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&accountID, "account", "", "buyer account id")
	cmd.Flags().StringVar(&handle, "handle", "", "wait on an existing handle instead of submitting")
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "how long to wait for the outcome (0 = don't wait)")
	return cmd
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue status of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, 0, func(ctx context.Context, c *server.Client) error {
				st, err := c.Stats(ctx)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "📊 Claim Queue (%s):\n", serverAddr)
				fmt.Fprintf(w, "  ├─ ⏳ Waiting:    %d\n", st.Waiting)
				fmt.Fprintf(w, "  ├─ 🔄 Active:     %d\n", st.Active)
				fmt.Fprintf(w, "  ├─ ✅ Completed:  %d\n", st.Completed)
				fmt.Fprintf(w, "  ├─ ❌ Failed:     %d\n", st.Failed)
				fmt.Fprintf(w, "  ├─ Lanes:        %d\n", st.Lanes)
				fmt.Fprintf(w, "  └─ Paused:       %t\n", st.Paused)
				return nil
			})
		},
	}
}

func buildPauseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop dispatching new units",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, 0, func(ctx context.Context, c *server.Client) error {
				if err := c.Pause(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "paused")
				return nil
			})
		},
	}
}

func buildResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume dispatching",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, 0, func(ctx context.Context, c *server.Client) error {
				if err := c.Resume(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "resumed")
				return nil
			})
		},
	}
}

func buildPurgeCommand() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Drop outcomes resolved longer ago than --older-than",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, 0, func(ctx context.Context, c *server.Client) error {
				n, err := c.Purge(ctx, olderThan)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d units\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 10*time.Minute, "retention cutoff")
	return cmd
}

func buildTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Task mutations executed through the task's lane",
	}

	mutate := func(use, short string, call func(*server.Client, context.Context, string) (server.Reply, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <task-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd, 0, func(ctx context.Context, c *server.Client) error {
					r, err := call(c, ctx, args[0])
					if err != nil {
						return err
					}
					printReply(cmd.OutOrStdout(), r)
					return nil
				})
			},
		}
	}

	cmd.AddCommand(mutate("cancel", "Cancel a task", (*server.Client).CancelTask))
	cmd.AddCommand(mutate("complete", "Complete a task", (*server.Client).CompleteTask))
	return cmd
}
