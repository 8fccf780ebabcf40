package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// StatusResult describes the local replica.
type StatusResult struct {
	ClientID   string         `json:"client_id"`
	Path       string         `json:"path"`
	Pending    int            `json:"pending"`
	Tombstones int            `json:"tombstones"`
	Rows       map[string]int `json:"rows"`
	Shapes     []ShapeStatus  `json:"shapes"`
}

// ShapeStatus is one persisted shape subscription.
type ShapeStatus struct {
	Key    string `json:"key"`
	Table  string `json:"table"`
	State  string `json:"state"`
	Cursor int64  `json:"cursor"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show replica status",
		Long:          `Show the client id, outbox size, tombstones, row counts and shapes of the local replica.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	formatter := opts.formatter(cmd)

	r, err := openReplica(ctx, opts, false)
	if err != nil {
		return err
	}
	defer r.Close()
	s := r.Store()

	result := StatusResult{
		ClientID: s.ClientID(),
		Path:     opts.Config.Store.Path,
		Rows:     make(map[string]int),
		Shapes:   []ShapeStatus{},
	}
	if result.Pending, err = s.PendingCount(ctx); err != nil {
		return outputCommandError(formatter, ErrCodeStore, err.Error())
	}
	if result.Tombstones, err = s.TombstoneCount(ctx); err != nil {
		return outputCommandError(formatter, ErrCodeStore, err.Error())
	}
	for _, name := range s.Schema().TableNames() {
		n, err := s.Count(ctx, name)
		if err != nil {
			return outputCommandError(formatter, ErrCodeStore, err.Error())
		}
		result.Rows[name] = n
	}
	records, err := s.LoadShapes(ctx)
	if err != nil {
		return outputCommandError(formatter, ErrCodeStore, err.Error())
	}
	for _, rec := range records {
		result.Shapes = append(result.Shapes, ShapeStatus{
			Key:    rec.Key,
			Table:  rec.Shape.Table,
			State:  rec.State,
			Cursor: rec.Cursor,
		})
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	w := formatter.Writer
	fmt.Fprintf(w, "client:     %s\n", result.ClientID)
	fmt.Fprintf(w, "store:      %s\n", result.Path)
	fmt.Fprintf(w, "pending:    %d\n", result.Pending)
	fmt.Fprintf(w, "tombstones: %d\n", result.Tombstones)
	fmt.Fprintln(w, "rows:")
	for _, name := range s.Schema().TableNames() {
		fmt.Fprintf(w, "  %s: %d\n", name, result.Rows[name])
	}
	fmt.Fprintf(w, "shapes: %d\n", len(result.Shapes))
	for _, sh := range result.Shapes {
		fmt.Fprintf(w, "  %s %s cursor=%d\n", sh.Table, sh.State, sh.Cursor)
	}
	return nil
}
