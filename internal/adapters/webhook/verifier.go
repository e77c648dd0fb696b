// Package webhook verifies signed payment-provider webhooks.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"
	"github.com/target/mmk-report-api/internal/core"
)

const defaultTolerance = 5 * time.Minute

var (
	ErrMissingSignature = errors.New("missing signature header")
	ErrBadSignature     = errors.New("signature does not match payload")
	ErrStaleSignature   = errors.New("signature timestamp outside tolerance")
)

// Event field locations inside a checkout event payload. The address travels in
// checkout metadata; the email prefers the customer details captured at checkout.
var fieldPaths = struct {
	id, kind, address, email string
}{
	id:      "data.object.id",
	kind:    "type",
	address: "data.object.metadata.address",
	email:   "data.object.customer_details.email || data.object.metadata.email || data.object.customer_email",
}

// Options configures a Verifier.
type Options struct {
	Secret    string
	Tolerance time.Duration
	Now       func() time.Time
}

// Verifier checks "t=<unix>,v1=<hex hmac>" signatures computed as
// HMAC-SHA256(secret, "<t>.<payload>").
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

var _ core.WebhookVerifier = (*Verifier)(nil)

// NewVerifier returns a Verifier, or an error when no secret is configured.
func NewVerifier(opts Options) (*Verifier, error) {
	if strings.TrimSpace(opts.Secret) == "" {
		return nil, errors.New("webhook signing secret is required")
	}
	tol := opts.Tolerance
	if tol <= 0 {
		tol = defaultTolerance
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Verifier{secret: []byte(opts.Secret), tolerance: tol, now: now}, nil
}

// Verify authenticates payload and extracts the checkout event.
func (v *Verifier) Verify(_ context.Context, payload []byte, signature string) (*core.WebhookEvent, error) {
	ts, sigs, err := parseSignature(signature)
	if err != nil {
		return nil, err
	}
	if age := v.now().Sub(time.Unix(ts, 0)); age > v.tolerance || age < -v.tolerance {
		return nil, ErrStaleSignature
	}

	expected := v.sign(ts, payload)
	matched := false
	for _, s := range sigs {
		if hmac.Equal(expected, s) {
			matched = true
			break
		}
	}
	if !matched {
		return nil, ErrBadSignature
	}

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}
	evt := &core.WebhookEvent{
		ID:      lookup(doc, fieldPaths.id),
		Type:    lookup(doc, fieldPaths.kind),
		Address: lookup(doc, fieldPaths.address),
		Email:   lookup(doc, fieldPaths.email),
	}
	if evt.Type == "" {
		return nil, errors.New("webhook payload has no event type")
	}
	return evt, nil
}

func (v *Verifier) sign(ts int64, payload []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return mac.Sum(nil)
}

// Sign produces a signature header for payload at ts. Used by tests and local tooling.
func Sign(secret string, ts time.Time, payload []byte) string {
	v := &Verifier{secret: []byte(secret)}
	unix := ts.Unix()
	return fmt.Sprintf("t=%d,v1=%s", unix, hex.EncodeToString(v.sign(unix, payload)))
}

func parseSignature(header string) (int64, [][]byte, error) {
	if strings.TrimSpace(header) == "" {
		return 0, nil, ErrMissingSignature
	}
	var (
		ts   int64
		sigs [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		key, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("invalid signature timestamp: %w", err)
			}
			ts = n
		case "v1":
			b, err := hex.DecodeString(val)
			if err != nil {
				continue
			}
			sigs = append(sigs, b)
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return 0, nil, ErrMissingSignature
	}
	return ts, sigs, nil
}

func lookup(doc any, expr string) string {
	v, err := jmespath.Search(expr, doc)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
