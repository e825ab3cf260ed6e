// Package audit provides the append-only, hash-chained audit log. Each entry
// folds the previous entry's hash into its own, so any historical tampering
// breaks the chain and is detected by VerifyIntegrity.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"github.com/rs/zerolog"

	"github.com/aegis-health/aegis/internal/platform/errs"
)

// Category classifies an audit entry.
type Category string

const (
	CategoryAccess         Category = "access"
	CategoryDenied         Category = "denied"
	CategoryModify         Category = "modify"
	CategoryExport         Category = "export"
	CategoryBreakGlass     Category = "break_glass"
	CategoryAuthentication Category = "authentication"
	CategoryConsentCheck   Category = "consent_check"
)

// Severity marks the alerting weight of an entry.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityCritical Severity = "CRITICAL"
)

// Entry is a single audit record. Hash and PrevHash are set by the service;
// callers populate everything else.
type Entry struct {
	ID           string            `json:"id"`
	TS           time.Time         `json:"ts"`
	Category     Category          `json:"category"`
	Action       string            `json:"action"`
	ActorID      string            `json:"actor_id"`
	ActorEmail   string            `json:"actor_email,omitempty"`
	TenantID     string            `json:"tenant_id"`
	ResourceType string            `json:"resource_type,omitempty"`
	ResourceID   string            `json:"resource_id,omitempty"`
	PatientID    string            `json:"patient_id,omitempty"`
	Purpose      string            `json:"purpose,omitempty"`
	Outcome      string            `json:"outcome"`
	Severity     Severity          `json:"severity,omitempty"`
	IP           string            `json:"ip,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	PrevHash     string            `json:"prev_hash"`
	Hash         string            `json:"hash"`
}

// Store persists entries in append order and returns them in the same order.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	List(ctx context.Context, tenantID string, limit, offset int) ([]*Entry, error)
	Walk(ctx context.Context, fn func(*Entry) error) error
	LastHash(ctx context.Context) (string, error)
}

// CriticalSink receives break-glass and other CRITICAL entries out of band
// (SIEM forwarder, pager). Delivery is asynchronous and best-effort; the
// chain write itself is always synchronous.
type CriticalSink interface {
	Notify(ctx context.Context, e Entry)
}

// Service owns the chain tail. All writes are serialized through its mutex so
// prevHash integrity holds under concurrent callers.
type Service struct {
	mu       sync.Mutex
	store    Store
	tail     string
	critical CriticalSink
	logger   zerolog.Logger
}

// NewService creates the audit service and loads the chain tail from the store.
func NewService(ctx context.Context, store Store, logger zerolog.Logger) (*Service, error) {
	tail, err := store.LastHash(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: load chain tail: %w", err)
	}
	return &Service{store: store, tail: tail, logger: logger}, nil
}

// SetCriticalSink attaches an out-of-band sink for CRITICAL entries.
func (s *Service) SetCriticalSink(sink CriticalSink) {
	s.critical = sink
}

// Log appends an entry to the chain. ID, TS, PrevHash, and Hash are assigned
// here; break-glass entries are forced to CRITICAL and forwarded to the
// critical sink after the chain write succeeds.
func (s *Service) Log(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	if e.Outcome == "" {
		e.Outcome = "success"
	}
	if e.Category == CategoryBreakGlass {
		e.Severity = SeverityCritical
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e.PrevHash = s.tail
	h, err := chainHash(e)
	if err != nil {
		return fmt.Errorf("audit: hash entry: %w", err)
	}
	e.Hash = h

	if err := s.store.Append(ctx, e); err != nil {
		return errs.Wrap(errs.Upstream, err, "audit: append entry")
	}
	s.tail = e.Hash

	if e.Severity == SeverityCritical && s.critical != nil {
		entry := *e
		go s.critical.Notify(context.WithoutCancel(ctx), entry)
	}
	return nil
}

// VerifyResult reports the outcome of an integrity walk.
type VerifyResult struct {
	Valid        bool   `json:"valid"`
	Entries      int    `json:"entries"`
	FirstBadID   string `json:"first_bad_id,omitempty"`
	FailureShape string `json:"failure,omitempty"`
}

// VerifyIntegrity recomputes the chain from the first entry and reports the
// first entry whose stored hash or prev-hash link does not verify.
func (s *Service) VerifyIntegrity(ctx context.Context) (VerifyResult, error) {
	res := VerifyResult{Valid: true}
	prev := ""

	err := s.store.Walk(ctx, func(e *Entry) error {
		res.Entries++
		if e.PrevHash != prev {
			res.Valid = false
			res.FirstBadID = e.ID
			res.FailureShape = "prev_hash_mismatch"
			return errChainBroken
		}
		want, err := chainHash(e)
		if err != nil {
			return err
		}
		if e.Hash != want {
			res.Valid = false
			res.FirstBadID = e.ID
			res.FailureShape = "hash_mismatch"
			return errChainBroken
		}
		prev = e.Hash
		return nil
	})
	if err != nil && err != errChainBroken {
		return res, fmt.Errorf("audit: verify walk: %w", err)
	}
	return res, nil
}

// List returns entries for a tenant in append order.
func (s *Service) List(ctx context.Context, tenantID string, limit, offset int) ([]*Entry, error) {
	return s.store.List(ctx, tenantID, limit, offset)
}

var errChainBroken = fmt.Errorf("audit chain broken")

// chainHash computes SHA-256(canonicalJSON(entry without hash) || prevHash)
// truncated to 32 hex characters. Canonical form is RFC 8785 so hashing is
// stable across marshal order.
func chainHash(e *Entry) (string, error) {
	clone := *e
	clone.Hash = ""

	raw, err := marshalCanonical(clone)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write(raw)
	h.Write([]byte(e.PrevHash))
	return hex.EncodeToString(h.Sum(nil))[:32], nil
}

func marshalCanonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}
