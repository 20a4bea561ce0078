package resolver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"schoolsync/internal/domain"
	"schoolsync/internal/models"

	"github.com/rs/zerolog"
)

// Fetcher reads the current server state of a target.
type Fetcher interface {
	Fetch(ctx context.Context, target string) (*models.RemoteRecord, error)
}

// Policy tunes the resolver.
type Policy struct {
	// MaxAttempts escalates RETRY to DISCARD once an operation has failed
	// this many times. Zero disables escalation.
	MaxAttempts int
}

// Resolver classifies replay failures.
type Resolver struct {
	fetcher Fetcher
	policy  Policy
	logger  *zerolog.Logger
}

func New(fetcher Fetcher, policy Policy, logger *zerolog.Logger) *Resolver {
	return &Resolver{fetcher: fetcher, policy: policy, logger: logger}
}

// Resolve decides what happens to op after err. It never returns an error:
// anything it cannot classify is retried.
func (r *Resolver) Resolve(ctx context.Context, op *models.QueuedOperation, err error) models.Decision {
	d := r.classify(ctx, op, err, true)

	if d.Action == models.ActionRetry && r.policy.MaxAttempts > 0 && op.AttemptCount+1 >= r.policy.MaxAttempts {
		r.logger.Warn().
			Str("id", op.ID).
			Int("attempts", op.AttemptCount+1).
			Msg("Retry limit reached, discarding operation")
		return models.Decision{
			Action: models.ActionDiscard,
			Reason: fmt.Sprintf("retry limit reached after %d attempts: %s", op.AttemptCount+1, d.Reason),
		}
	}
	return d
}

func (r *Resolver) classify(ctx context.Context, op *models.QueuedOperation, err error, allowFetch bool) models.Decision {
	var (
		terr *domain.TransportError
		aerr *domain.AuthError
		cerr *domain.ConflictError
		verr *domain.ValidationError
	)

	switch {
	case errors.As(err, &terr):
		return retry(err.Error())
	case errors.As(err, &aerr):
		return models.Decision{Action: models.ActionAbort, Reason: "session is no longer authorized: sign in again to resume sync"}
	case errors.As(err, &cerr) && cerr.Reason == domain.ConflictStale:
		return discard(fmt.Sprintf("%s no longer exists on the server", op.Target))
	case errors.As(err, &cerr) && cerr.Reason == domain.ConflictConcurrent:
		if !allowFetch {
			return retry(err.Error())
		}
		return r.reconcile(ctx, op)
	case errors.As(err, &verr):
		return discard("server rejected the change: " + verr.Error())
	default:
		return retry(fmt.Sprint(err))
	}
}

// reconcile handles a concurrent modification by comparing the operation
// against the current server record. Updates are rebased on the server
// version; creates are replayed verbatim when the server already holds the
// same values.
func (r *Resolver) reconcile(ctx context.Context, op *models.QueuedOperation) models.Decision {
	m, err := op.Mutation()
	if err != nil {
		return discard("queued payload cannot be decoded: " + err.Error())
	}

	rec, err := r.fetcher.Fetch(ctx, op.Target)
	if err != nil {
		r.logger.Debug().Err(err).Str("target", op.Target).Msg("Fetch during conflict resolution failed")
		return r.classify(ctx, op, err, false)
	}
	if rec == nil || rec.Deleted {
		return discard(fmt.Sprintf("%s was deleted on the server", op.Target))
	}

	rb, rebaseable := m.(models.Rebaser)
	var guard models.Precondition
	if rebaseable {
		guard = rb.Guard()
	}

	var conflicting []string
	for field, local := range m.Fields() {
		server, present := rec.Fields[field]
		if !present {
			continue
		}
		if Equal(server, local) {
			continue
		}
		if base, ok := guard.Base[field]; ok && Equal(server, base) {
			continue
		}
		conflicting = append(conflicting, field)
	}

	if len(conflicting) > 0 {
		sort.Strings(conflicting)
		if !rebaseable {
			return discard(fmt.Sprintf("%s already exists on the server with different values (%s); please re-enter",
				op.Target, strings.Join(conflicting, ", ")))
		}
		return discard(fmt.Sprintf("%s was changed on the server (%s); please re-enter",
			op.Target, strings.Join(conflicting, ", ")))
	}

	if !rebaseable {
		return retry(fmt.Sprintf("%s already holds the same values on the server", op.Target))
	}
	return models.Decision{
		Action:   models.ActionRetry,
		Reason:   fmt.Sprintf("rebased on server version %d", rec.Version),
		Repaired: rb.Rebase(rec.Version),
	}
}

func retry(reason string) models.Decision {
	return models.Decision{Action: models.ActionRetry, Reason: reason}
}

func discard(reason string) models.Decision {
	return models.Decision{Action: models.ActionDiscard, Reason: reason}
}

const epsilon = 1e-6

// Equal compares field values the way users perceive them: numbers with a
// small tolerance, strings ignoring case and surrounding or repeated spaces.
func Equal(a, b any) bool {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	switch {
	case aNum && !bNum:
		fb, bNum = parseNumber(b)
	case bNum && !aNum:
		fa, aNum = parseNumber(a)
	}
	if aNum && bNum {
		scale := math.Max(1, math.Max(math.Abs(fa), math.Abs(fb)))
		return math.Abs(fa-fb) <= epsilon*scale
	}

	sa, aStr := a.(string)
	sb, bStr := b.(string)
	if aStr && bStr {
		return strings.EqualFold(normalize(sa), normalize(sb))
	}
	return reflect.DeepEqual(a, b)
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}

// parseNumber accepts numbers the server echoed back as strings.
func parseNumber(v any) (float64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
