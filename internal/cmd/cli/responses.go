package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/drblury/replyflow/internal/runtime"
	"github.com/drblury/replyflow/internal/runtime/jsoncodec"
	"github.com/drblury/replyflow/sink"
)

func newAddressCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "address <channel> <partition> <offset>",
		Short: "Print the response address of a stream position",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			partition, err := strconv.ParseInt(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid partition %q: %w", args[1], err)
			}
			offset, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid offset %q: %w", args[2], err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), runtime.Address(args[0], runtime.Position{
				Partition: int32(partition),
				Offset:    offset,
			}))
			return err
		},
	}
}

func newGetCommand(opts *options) *cobra.Command {
	var pretty bool
	cmd := &cobra.Command{
		Use:   "get <address>",
		Short: "Print the response stored at an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openSink()
			if err != nil {
				return err
			}
			defer s.Client().Close()

			payload, err := s.Fetch(cmd.Context(), args[0])
			if errors.Is(err, sink.ErrNotFound) {
				return fmt.Errorf("no response at %s", args[0])
			}
			if err != nil {
				return err
			}
			return writePayload(cmd.OutOrStdout(), payload, pretty)
		},
	}
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Indent JSON responses")
	return cmd
}

func newAwaitCommand(opts *options) *cobra.Command {
	var (
		timeout time.Duration
		pretty  bool
	)
	cmd := &cobra.Command{
		Use:   "await <address>",
		Short: "Wait until a response is stored at an address and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openSink()
			if err != nil {
				return err
			}
			defer s.Client().Close()

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			payload, err := s.Await(ctx, args[0])
			if err != nil {
				return fmt.Errorf("await %s: %w", args[0], err)
			}
			return writePayload(cmd.OutOrStdout(), payload, pretty)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Give up after this long (0 waits forever)")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Indent JSON responses")
	return cmd
}

func newListenersCommand() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "listeners",
		Short: "Print listener stats from a running service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, strings.TrimRight(url, "/")+"/api/listeners", nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("listeners: unexpected status %s", resp.Status)
			}
			return writePayload(cmd.OutOrStdout(), body, true)
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://127.0.0.1:8081", "Introspection base URL of the service")
	return cmd
}

// writePayload prints payload followed by a newline. With pretty, JSON is
// re-indented; anything else is printed as-is.
func writePayload(w io.Writer, payload []byte, pretty bool) error {
	if pretty {
		var decoded any
		if err := jsoncodec.Unmarshal(payload, &decoded); err == nil {
			if indented, err := jsoncodec.MarshalIndent(decoded, "", "  "); err == nil {
				payload = indented
			}
		}
	}
	if _, err := w.Write(bytes.TrimRight(payload, "\n")); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w)
	return err
}
