package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/23skdu/longbow-mesh/internal/protocol"
	"github.com/23skdu/longbow-mesh/internal/transport"
)

type queryFlags struct {
	session   string
	topK      int
	maxLength int
}

func (q *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&q.session, "session", "", "continue this session")
	cmd.Flags().IntVar(&q.topK, "top-k", 0, "sample from the k most likely tokens (0 is greedy)")
	cmd.Flags().IntVar(&q.maxLength, "max-length", 0, "maximum tokens to generate (0 uses the server default)")
}

func (q *queryFlags) request(modelID, text string) protocol.QueryRequest {
	return protocol.QueryRequest{ModelID: modelID, SessionID: q.session, Text: text, TopK: q.topK, MaxLength: q.maxLength}
}

func newClientCmd(flags *nodeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Talk to a running server",
	}
	client := func() *transport.Client { return transport.NewClient(flags.node.ServerURL) }

	open := &cobra.Command{
		Use:   "open MODEL",
		Short: "Open a model and wait until it is loaded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().WaitModel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is ready\n", args[0])
			return nil
		},
	}

	var qf queryFlags
	query := &cobra.Command{
		Use:   "query MODEL [TEXT...]",
		Short: "Generate a continuation; reads stdin when no text is given",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			if len(args) > 1 {
				return printQuery(cmd.Context(), c, cmd.OutOrStdout(), qf.request(args[0], strings.Join(args[1:], " ")))
			}
			if term.IsTerminal(int(os.Stdin.Fd())) {
				return chat(cmd.Context(), c, cmd.InOrStdin(), cmd.OutOrStdout(), args[0], qf)
			}
			in, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			return printQuery(cmd.Context(), c, cmd.OutOrStdout(), qf.request(args[0], string(in)))
		},
	}
	qf.register(query)

	session := &cobra.Command{
		Use:   "session",
		Short: "Start a new session and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := client().StartSession(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	models := &cobra.Command{
		Use:     "models",
		Aliases: []string{"ps"},
		Short:   "List opened models and their placement",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := client().Models(cmd.Context())
			if err != nil {
				return err
			}
			var data [][]string
			for _, m := range list {
				if len(m.Segments) == 0 {
					data = append(data, []string{m.ModelID, string(m.Status), "", ""})
				}
				for _, s := range m.Segments {
					data = append(data, []string{m.ModelID, string(m.Status), string(s.Type), s.WorkerAddress})
				}
			}
			renderTable(cmd.OutOrStdout(), []string{"MODEL", "STATUS", "SEGMENT", "WORKER"}, data)
			return nil
		},
	}

	catalog := &cobra.Command{
		Use:     "catalog",
		Aliases: []string{"ls"},
		Short:   "List models available under the server's model root",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := client().Catalog(cmd.Context())
			if err != nil {
				return err
			}
			var data [][]string
			for _, e := range entries {
				data = append(data, []string{
					e.ID, e.Architecture,
					strconv.Itoa(e.Decoders), strconv.Itoa(e.Hidden),
					units.BytesSize(float64(e.Bytes)),
				})
			}
			renderTable(cmd.OutOrStdout(), []string{"NAME", "ARCH", "DECODERS", "HIDDEN", "SIZE"}, data)
			return nil
		},
	}

	cmd.AddCommand(open, query, session, models, catalog)
	return cmd
}

func renderTable(w io.Writer, header []string, data [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

// printQuery streams text as it is generated.
func printQuery(ctx context.Context, c *transport.Client, w io.Writer, req protocol.QueryRequest) error {
	id, err := c.SubmitQuery(ctx, req)
	if err != nil {
		return err
	}
	printed := 0
	_, err = c.WaitQuery(ctx, id, func(res protocol.QueryResult) {
		if len(res.Text) > printed {
			fmt.Fprint(w, res.Text[printed:])
			printed = len(res.Text)
		}
	})
	fmt.Fprintln(w)
	return err
}

// chat runs one session per invocation; every line continues it.
func chat(ctx context.Context, c *transport.Client, in io.Reader, out io.Writer, modelID string, qf queryFlags) error {
	if qf.session == "" {
		id, err := c.StartSession(ctx)
		if err != nil {
			return err
		}
		qf.session = id
	}
	fmt.Fprintf(out, "session %s, Ctrl+D to quit\n", qf.session)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, ">>> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := printQuery(ctx, c, out, qf.request(modelID, line)); err != nil {
			return err
		}
	}
}
