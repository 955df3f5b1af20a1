package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/netmonhq/netmon-go/pkg/record"
	"github.com/netmonhq/netmon-go/pkg/upload"
)

func newPendingCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Print the number of exchanges awaiting upload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := g.open()
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.CountPending(cmd.Context())
			if err != nil {
				return err
			}
			return g.print(cmd.OutOrStdout(), map[string]int{"pending": n}, strconv.Itoa(n))
		},
	}
}

func newListCmd(g *globals) *cobra.Command {
	var limit int
	var pendingOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List captured exchanges, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := g.open()
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			snapshot, ok := <-s.StreamAll(ctx)
			if !ok {
				return errors.New("netmon: store closed before listing")
			}

			var out []*record.Exchange
			for _, rec := range snapshot {
				if pendingOnly && rec.State != record.Pending {
					continue
				}
				if limit > 0 && len(out) == limit {
					break
				}
				out = append(out, rec)
			}

			if g.jsonOutput {
				if out == nil {
					out = []*record.Exchange{}
				}
				return g.print(cmd.OutOrStdout(), out, "")
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTIME\tMETHOD\tSTATUS\tDURATION\tSTATE\tURL")
			for _, rec := range out {
				status := "failed"
				if !rec.Failed() {
					status = strconv.Itoa(rec.ResponseCode)
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%dms\t%s\t%s\n",
					rec.ID,
					time.UnixMilli(rec.Timestamp).UTC().Format(time.RFC3339),
					rec.Method, status, rec.Duration, rec.State, rec.URL)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of exchanges to print (0 for all)")
	cmd.Flags().BoolVar(&pendingOnly, "pending", false, "Only list exchanges awaiting upload")
	return cmd
}

func newUploadCmd(g *globals) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload pending exchanges to the configured endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, s, err := g.open()
			if err != nil {
				return err
			}
			defer s.Close()
			if f.UploadEndpoint == "" {
				return errors.New("netmon: no upload endpoint configured (set uploadEndpoint or NETMON_UPLOAD_ENDPOINT)")
			}

			ctx := cmd.Context()
			transport, err := upload.NewTransport(ctx, upload.TransportConfig{
				Endpoint: f.UploadEndpoint,
				APIKey:   f.APIKey,
				Compress: f.CompressUploads,
				Region:   f.AWSRegion,
			})
			if err != nil {
				return err
			}
			uploader := upload.NewUploader(s, transport, f.UploadPageSize, g.logger(f))

			total := 0
			for {
				n, err := uploader.UploadPending(ctx)
				total += n
				if err != nil {
					return fmt.Errorf("%w (%d delivered before the failure)", err, total)
				}
				if !all || n == 0 {
					break
				}
			}
			return g.print(cmd.OutOrStdout(), map[string]int{"delivered": total}, fmt.Sprintf("uploaded %d exchange(s)", total))
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Keep uploading until nothing is pending")
	return cmd
}

func newPurgeCmd(g *globals) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete delivered exchanges older than a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := g.open()
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.DeleteDelivered(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			return g.print(cmd.OutOrStdout(), map[string]int{"deleted": n}, fmt.Sprintf("deleted %d exchange(s)", n))
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Only delete exchanges captured before now minus this duration")
	return cmd
}

func newDeleteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete exchanges by id, delivered or not",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, a := range args {
				id, err := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
				if err != nil {
					return fmt.Errorf("netmon: invalid id %q", a)
				}
				ids = append(ids, id)
			}

			_, s, err := g.open()
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.DeleteByIDs(cmd.Context(), ids)
			if err != nil {
				return err
			}
			return g.print(cmd.OutOrStdout(), map[string]int{"deleted": n}, fmt.Sprintf("deleted %d exchange(s)", n))
		},
	}
}
