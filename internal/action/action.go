package action

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"immunisation-batch-exchange/internal/fhirconv"
	"immunisation-batch-exchange/internal/filejob"
	"immunisation-batch-exchange/internal/permissions"
	"immunisation-batch-exchange/internal/record"
	"immunisation-batch-exchange/internal/registry"
)

const defaultLookupTimeout = 10 * time.Second

type Action string

const (
	New          Action = "NEW"
	Update       Action = "UPDATE"
	Delete       Action = "DELETE"
	None         Action = "NONE"
	NoPermission Action = "NO_PERMISSION"
)

// Dispatchable reports whether the action results in a registry call.
func (a Action) Dispatchable() bool {
	return a == New || a == Update || a == Delete
}

const (
	DiagnosticNoPermission       = "No permissions for requested operation"
	DiagnosticIdentifierNotFound = "Identifier not found"
	diagnosticUnsupported        = "Unsupported record"
)

// Unsupported formats the diagnostic for a record that could not be
// converted.
func Unsupported(field, reason string) string {
	return fmt.Sprintf("%s: %s: %s", diagnosticUnsupported, field, reason)
}

// Outcome is the resolved action for one row. ExternalID and Version are
// set only for UPDATE and DELETE; Diagnostic only for NONE and
// NO_PERMISSION.
type Outcome struct {
	MessageID      string
	Row            int
	LocalID        string
	Action         Action
	Resource       json.RawMessage
	ExternalID     string
	Version        string
	Diagnostic     string
	IdempotencyKey string
}

// Rejected builds an outcome for a row that ends without a registry call.
func Rejected(job filejob.FileJob, row int, localID string, action Action, diagnostic string) Outcome {
	return Outcome{
		MessageID:      job.MessageID(row),
		Row:            row,
		LocalID:        localID,
		Action:         action,
		Diagnostic:     diagnostic,
		IdempotencyKey: IdempotencyKey(job.FileID, row, action),
	}
}

// IdempotencyKey is stable across redeliveries of the same row.
func IdempotencyKey(fileID string, row int, action Action) string {
	sum := sha256.Sum256([]byte(fileID + "|" + strconv.Itoa(row) + "|" + string(action)))
	return hex.EncodeToString(sum[:])
}

type Lookuper interface {
	Lookup(ctx context.Context, system, value string, meta registry.RequestMeta) ([]registry.Match, error)
}

type Resolver struct {
	lookup        Lookuper
	logger        *slog.Logger
	lookupTimeout time.Duration
}

func NewResolver(lookup Lookuper, logger *slog.Logger, lookupTimeout time.Duration) *Resolver {
	if lookupTimeout <= 0 {
		lookupTimeout = defaultLookupTimeout
	}
	return &Resolver{lookup: lookup, logger: logger, lookupTimeout: lookupTimeout}
}

// Resolve decides what happens to one record: permission check, then
// conversion, then (for update and delete) the registry lookup. Every
// rejection is expressed in the returned Outcome.
func (r *Resolver) Resolve(ctx context.Context, job filejob.FileJob, allowed permissions.Set, rec record.Record) Outcome {
	localID := rec.LocalID()
	flag := Action(strings.ToUpper(strings.TrimSpace(rec.ActionFlag)))
	if !flag.Dispatchable() || !allowed.Allows(permissions.Operation(flag)) {
		return Rejected(job, rec.Row, localID, NoPermission, DiagnosticNoPermission)
	}

	imms, err := fhirconv.Convert(rec, job.VaccineType)
	if err != nil {
		var convErr *fhirconv.ConversionError
		if errors.As(err, &convErr) {
			return Rejected(job, rec.Row, localID, None, Unsupported(convErr.Field, convErr.Reason))
		}
		return Rejected(job, rec.Row, localID, None, Unsupported("record", err.Error()))
	}
	resource, err := json.Marshal(imms)
	if err != nil {
		return Rejected(job, rec.Row, localID, None, Unsupported("record", err.Error()))
	}

	outcome := Outcome{
		MessageID:      job.MessageID(rec.Row),
		Row:            rec.Row,
		LocalID:        localID,
		Action:         flag,
		Resource:       resource,
		IdempotencyKey: IdempotencyKey(job.FileID, rec.Row, flag),
	}
	if flag == New {
		return outcome
	}

	match, ok := r.resolveIdentifier(ctx, job, rec)
	if !ok {
		return Rejected(job, rec.Row, localID, None, DiagnosticIdentifierNotFound)
	}
	outcome.ExternalID = match.ID
	outcome.Version = match.Version
	return outcome
}

func (r *Resolver) resolveIdentifier(ctx context.Context, job filejob.FileJob, rec record.Record) (registry.Match, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
	defer cancel()

	matches, err := r.lookup.Lookup(ctx, rec.UniqueIDURI, rec.UniqueID, registry.RequestMeta{
		Supplier:      job.Supplier,
		CorrelationID: job.MessageID(rec.Row),
	})
	if err != nil {
		r.logger.Warn("identifier lookup failed", "error", err, "file_id", job.FileID, "row", rec.Row)
		return registry.Match{}, false
	}
	if len(matches) != 1 {
		r.logger.Info("identifier did not resolve to one resource", "file_id", job.FileID, "row", rec.Row, "matches", len(matches))
		return registry.Match{}, false
	}
	return matches[0], true
}
