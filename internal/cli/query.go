package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/queryir"
	"github.com/roach88/lofi/internal/replica"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Where   string
	OrderBy []string
	Limit   int
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <table>",
		Short: "Read rows from the local replica",
		Long: `Read live rows of a table from the local replica. The replica is
opened offline; nothing is synced.

Examples:
  lofi query items
  lofi query items --where '{"done":false}' --order-by rank:desc --limit 10`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Where, "where", "", "filter as a JSON object")
	cmd.Flags().StringArrayVar(&opts.OrderBy, "order-by", nil, "sort term field[:asc|desc] (repeatable)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of rows")

	return cmd
}

func runQuery(opts *QueryOptions, table string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	var where map[string]any
	if opts.Where != "" {
		if err := decodeJSON(opts.Where, &where); err != nil {
			return outputCommandError(formatter, ErrCodeQuery, fmt.Sprintf("invalid --where: %v", err))
		}
	}
	order, err := parseOrderBy(opts.OrderBy)
	if err != nil {
		return outputCommandError(formatter, ErrCodeQuery, err.Error())
	}

	r, err := openReplica(cmd.Context(), opts.RootOptions, false)
	if err != nil {
		return err
	}
	defer r.Close()

	rows, err := r.Table(table).FindMany(cmd.Context(), replica.FindOptions{Where: where, OrderBy: order, Limit: opts.Limit})
	if err != nil {
		return outputCommandError(formatter, ErrCodeQuery, err.Error())
	}

	if formatter.Format == "json" {
		out := make([]any, len(rows))
		for i, row := range rows {
			out[i] = ir.ToGo(row.Data)
		}
		return formatter.Success(out)
	}
	for _, row := range rows {
		line, err := ir.MarshalCanonical(row.Data)
		if err != nil {
			return err
		}
		fmt.Fprintln(formatter.Writer, string(line))
	}
	formatter.VerboseLog("%d row(s)", len(rows))
	return nil
}

// parseOrderBy parses field[:asc|desc] terms, keeping their order.
func parseOrderBy(terms []string) ([]queryir.Order, error) {
	out := make([]queryir.Order, 0, len(terms))
	for _, term := range terms {
		field, dir, _ := strings.Cut(term, ":")
		if field == "" {
			return nil, fmt.Errorf("invalid --order-by %q", term)
		}
		switch strings.ToLower(dir) {
		case "", "asc":
			out = append(out, queryir.Order{Field: field})
		case "desc":
			out = append(out, queryir.Order{Field: field, Desc: true})
		default:
			return nil, fmt.Errorf("invalid --order-by %q: direction must be asc or desc", term)
		}
	}
	return out, nil
}
