package syncclient

import (
	"fmt"
	"slices"

	"github.com/roach88/lofi/internal/ir"
)

// Conflict is an uploaded entry the remote refused because another client
// changed the row after the entry's base version.
type Conflict struct {
	Entry         ir.OpEntry // the local entry
	Local         *ir.Row    // local row before resolution, nil if deleted locally
	Server        ir.Change  // current server state
	ServerTS      int64      // timestamp of the server's last write (unix millis)
	ChangedFields []string   // columns changed remotely since the base version
}

// Resolution is what survives of the local entry. The server state is
// always applied first; a non-empty Resolution is then re-applied as a new
// local mutation and uploaded again.
type Resolution struct {
	// Fields are local column values to keep.
	Fields ir.IRObject
	// Delete re-applies a local delete.
	Delete bool
}

// LocalWins reports whether anything local survives.
func (r Resolution) LocalWins() bool {
	return r.Delete || len(r.Fields) > 0
}

// Resolver settles conflicts.
type Resolver interface {
	Resolve(c Conflict) Resolution
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(c Conflict) Resolution

// Resolve calls f.
func (f ResolverFunc) Resolve(c Conflict) Resolution {
	return f(c)
}

// Strategy names a built-in resolver.
type Strategy string

const (
	StrategyLastWriterWins Strategy = "last-writer-wins"
	StrategyRemoteWins     Strategy = "remote-wins"
	StrategyLocalWins      Strategy = "local-wins"
	StrategyFieldMerge     Strategy = "field-merge"
)

// Strategies lists the built-in strategy names.
func Strategies() []Strategy {
	return []Strategy{StrategyLastWriterWins, StrategyRemoteWins, StrategyLocalWins, StrategyFieldMerge}
}

// ResolverFor returns the built-in resolver for a strategy name.
func ResolverFor(s Strategy) (Resolver, error) {
	switch s {
	case StrategyLastWriterWins, "":
		return LastWriterWins{}, nil
	case StrategyRemoteWins:
		return RemoteWins{}, nil
	case StrategyLocalWins:
		return LocalWins{}, nil
	case StrategyFieldMerge:
		return FieldMerge{}, nil
	default:
		return nil, fmt.Errorf("unknown conflict strategy %q (want one of %v)", s, Strategies())
	}
}

// RemoteWins discards the local entry.
type RemoteWins struct{}

func (RemoteWins) Resolve(Conflict) Resolution {
	return Resolution{}
}

// LocalWins re-applies the local entry on top of the server state.
type LocalWins struct{}

func (LocalWins) Resolve(c Conflict) Resolution {
	if c.Entry.Kind == ir.MutationDelete {
		return Resolution{Delete: true}
	}
	if c.Server.Kind == ir.ChangeDelete && c.Local != nil {
		return Resolution{Fields: c.Local.Data.Clone()}
	}
	return Resolution{Fields: c.Entry.Fields.Clone()}
}

// LastWriterWins keeps whichever write has the later timestamp: the local
// entry's ClientTS or the server's last write. Ties go to the server.
type LastWriterWins struct{}

func (LastWriterWins) Resolve(c Conflict) Resolution {
	if c.Entry.ClientTS > c.ServerTS {
		return LocalWins{}.Resolve(c)
	}
	return Resolution{}
}

// FieldMerge keeps the local columns the server has not changed since the
// entry's base version. A local delete survives only if the server changed
// nothing the entry could have seen; a server delete always wins.
type FieldMerge struct{}

func (FieldMerge) Resolve(c Conflict) Resolution {
	if c.Server.Kind == ir.ChangeDelete {
		return Resolution{}
	}
	if c.Entry.Kind == ir.MutationDelete {
		return Resolution{Delete: len(c.ChangedFields) == 0}
	}
	fields := ir.IRObject{}
	for col, v := range c.Entry.Fields {
		if !slices.Contains(c.ChangedFields, col) {
			fields[col] = v
		}
	}
	return Resolution{Fields: fields}
}
