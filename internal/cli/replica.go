package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/lofi/internal/replica"
	"github.com/roach88/lofi/internal/transport"
)

// openReplica opens the configured replica. With online set and a remote
// URL configured, the replica syncs over WebSocket.
func openReplica(ctx context.Context, opts *RootOptions, online bool) (*replica.Replica, error) {
	loaded, err := loadValidSchema(opts)
	if err != nil {
		return nil, err
	}
	cfg := opts.Config
	ropts := replica.Options{
		Path:        cfg.Store.Path,
		Schema:      loaded.Schema,
		ClientID:    cfg.Store.ClientID,
		Logger:      opts.logger(),
		BackoffMin:  cfg.Sync.BackoffMin,
		BackoffMax:  cfg.Sync.BackoffMax,
		UploadBatch: cfg.Sync.UploadBatch,
	}
	if online {
		if cfg.Remote.URL == "" {
			return nil, NewExitError(ExitCommandError, "no remote configured (set remote.url or LOFI_REMOTE_URL)")
		}
		ropts.Dialer = transport.WebSocketDialer{URL: cfg.Remote.URL}
		ropts.Resolver = cfg.Resolver()
	}
	r, err := replica.Open(ctx, ropts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open replica", err)
	}
	opts.logger().Debug("replica opened", "path", cfg.Store.Path, "client_id", r.Store().ClientID(), "online", online)
	return r, nil
}

// shapeFlag is a --shape value: a bare table name, or a JSON object
// {"table": ..., "where": {...}, "include": [...]}.
type shapeFlag struct {
	Table   string         `json:"table"`
	Where   map[string]any `json:"where,omitempty"`
	Include []string       `json:"include,omitempty"`
}

func parseShapeFlag(s string) (shapeFlag, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		if s == "" {
			return shapeFlag{}, fmt.Errorf("empty shape")
		}
		return shapeFlag{Table: s}, nil
	}
	var sf shapeFlag
	if err := decodeJSON(s, &sf); err != nil {
		return shapeFlag{}, fmt.Errorf("shape %s: %w", s, err)
	}
	if sf.Table == "" {
		return shapeFlag{}, fmt.Errorf("shape %s: table is required", s)
	}
	return sf, nil
}

// decodeJSON decodes with json.Number so integers survive as integers.
func decodeJSON(s string, v any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
