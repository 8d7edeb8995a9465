package logger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"github.com/vibeswap/vibeswap/types"
)

/*
Log attribute key values. Generally shouldn't be used directly, use
appropriate "attribute constructor function" instead.

Only define names here if they are common for multiple modules, module
specific names should be defined in the module.
*/
const (
	NodeIDKey      = "node_id"
	ModuleKey      = "module"
	ErrorKey       = "err"
	PoolKey        = "pool"
	BatchKey       = "batch"
	PhaseKey       = "phase"
	ParticipantKey = "participant"
	DataKey        = "data"

	traceID = "TraceId" // OTEL data model
	spanID  = "SpanId"  // OTEL data model
)

/*
NodeID adds the engine instance ID field.

This function should be used with logger.With() method to create a
sub-logger for the engine instance (rather than adding NodeID call to
individual logging calls).
*/
func NodeID(id string) slog.Attr {
	return slog.String(NodeIDKey, id)
}

/*
Error adds error to the log

	if err:= f(); err != nil {
		log.Error("calling f", logger.Error(err))
	}
*/
func Error(err error) slog.Attr {
	return slog.Any(ErrorKey, err)
}

/*
Data adds additional data field to the message.

slog.GroupValue shouldn't be used as the data - in the ECS formatter all
groups will end up under the same key possibly causing problems with index!
*/
func Data(d any) slog.Attr {
	return slog.Any(DataKey, d)
}

// Participant logs the principal identity associated to the call.
func Participant(id types.ParticipantID) slog.Attr {
	return slog.String(ParticipantKey, string(id))
}

/*
Batch creates pool/batch id attribute group.

Pool specific components (ie the pool clock) should create a logger
which adds this attribute automatically.
*/
func Batch(pool types.PoolID, batch types.BatchID) slog.Attr {
	return slog.Group(BatchKey,
		slog.String(PoolKey, pool.String()),
		slog.Uint64("id", uint64(batch)),
	)
}

// Phase logs the lifecycle phase of the batch the call acts on.
func Phase(p types.Phase) slog.Attr {
	return slog.String(PhaseKey, p.String())
}

/*
composeAttrFmt combines attribute formatters into single func.
If input contains nil values those are discarded.
*/
func composeAttrFmt(f ...func(groups []string, a slog.Attr) slog.Attr) func(groups []string, a slog.Attr) slog.Attr {
	f = slices.DeleteFunc(f, func(f func(groups []string, a slog.Attr) slog.Attr) bool { return f == nil })
	switch len(f) {
	case 0:
		return nil
	case 1:
		return f[0]
	case 2:
		f0, f1 := f[0], f[1]
		return func(groups []string, a slog.Attr) slog.Attr {
			return f1(groups, f0(groups, a))
		}
	default:
		return composeAttrFmt(composeAttrFmt(f[:2]...), composeAttrFmt(f[2:]...))
	}
}

func formatTimeAttr(format string) func(groups []string, a slog.Attr) slog.Attr {
	switch format {
	case "":
		// whatever handler does by default...
		return nil
	case "none":
		return func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	default:
		return func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t := a.Value.Time(); !t.IsZero() {
					a.Value = slog.StringValue(t.Format(format))
				}
			}
			return a
		}
	}
}

/*
formatParticipantAttr shortens or hides participant IDs, mostly useful
for console output where full hex identities are just noise.
*/
func formatParticipantAttr(format string) func(groups []string, a slog.Attr) slog.Attr {
	switch format {
	case "none":
		return func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == ParticipantKey {
				return slog.Attr{}
			}
			return a
		}
	case "short":
		return func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == ParticipantKey {
				pid := a.Value.String()
				if len(pid) > 10 {
					pid = fmt.Sprintf("%s*%s", pid[:4], pid[len(pid)-4:])
				}
				a.Value = slog.StringValue(pid)
			}
			return a
		}
	default: // whatever handler does by default, ie long format
		return nil
	}
}

func formatDataAttrAsJSON(groups []string, a slog.Attr) slog.Attr {
	if a.Key == DataKey {
		switch a.Value.Kind() {
		case slog.KindAny:
			if b, err := json.Marshal(a.Value.Any()); err == nil {
				a.Value = slog.StringValue(string(b))
			}
		}
	}
	return a
}

/*
formatAttrECS is a "poor man's ECS handler" ie it formats some well known
attributes according to the ECS spec.
*/
func formatAttrECS(groups []string, a slog.Attr) slog.Attr {
	switch a.Key {
	case slog.MessageKey:
		return slog.String("message", a.Value.String())
	case slog.SourceKey:
		if src, ok := a.Value.Any().(*slog.Source); ok {
			trimSource(src)
			return slog.Group(
				"log",
				slog.Group(
					"origin",
					slog.String("function", src.Function),
					slog.Group("file", slog.String("name", src.File), slog.Int("line", src.Line)),
				),
			)
		}
	case NodeIDKey:
		return slog.Group("service", slog.Group("node", slog.Any("name", a.Value)))
	case ErrorKey:
		return slog.Group("error", slog.Any("message", a.Value.Any()))
	case traceID:
		return slog.Group("trace", slog.String("id", a.Value.String()))
	case spanID:
		return slog.Group("span", slog.String("id", a.Value.String()))
	}
	return a
}

/*
trimSource shortens the "function" name field in "src" by trimming the
package name from it.
*/
func trimSource(src *slog.Source) {
	// function name by default includes "full path package name" ie
	// github.com/vibeswap/vibeswap/cmd/vibeswap/cmd.newBaseCmd.func1
	// so first get last part of the path (filename)...
	_, src.Function = filepath.Split(src.Function)
	// ...and then get rid of package name in front of func name
	if s := strings.SplitAfterN(src.Function, ".", 2); len(s) == 2 {
		src.Function = s[1]
	}
}
