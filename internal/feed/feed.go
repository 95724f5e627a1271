package feed

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/scalinity/curaknot-sync/internal/entity"
	"github.com/scalinity/curaknot-sync/internal/logging"
	"github.com/scalinity/curaknot-sync/internal/mapper"
	"github.com/scalinity/curaknot-sync/internal/store"
)

// ErrTokenInvalid is returned for unknown and revoked tokens alike, so a
// revoked feed can never leak partial data.
var ErrTokenInvalid = errors.New("feed: token invalid or revoked")

// Projector renders read-only subscription feeds. It is stateless per
// request: every render reads the current entity set, and it never writes
// back or creates mappings.
type Projector struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewProjector builds a feed projector.
func NewProjector(st *store.Store, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{store: st, logger: logger, now: time.Now}
}

// CreateToken mints a feed token scoped to an owner and an optional
// entity-type filter, and returns the secret. Only its hash is stored; the
// secret cannot be recovered later.
func (p *Projector) CreateToken(ctx context.Context, owner string, types []entity.Type) (string, error) {
	for _, t := range types {
		if !t.Valid() {
			return "", fmt.Errorf("invalid entity type %q", t)
		}
	}
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("failed to generate feed token: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)
	if err := p.store.CreateFeedToken(ctx, hashSecret(secret), owner, types); err != nil {
		return "", err
	}
	p.logger.Info("feed token created", slog.String("owner", owner))
	return secret, nil
}

// Revoke invalidates a token immediately. Revoking an unknown or
// already-revoked token succeeds.
func (p *Projector) Revoke(ctx context.Context, secret string) error {
	return p.store.RevokeFeedToken(ctx, hashSecret(secret))
}

// Render produces the ICS document for a token: the owner's current visible
// entities, filtered to the token's entity types, in the canonical event
// shape.
func (p *Projector) Render(ctx context.Context, secret string) ([]byte, error) {
	tok, err := p.store.GetFeedToken(ctx, hashSecret(secret))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, err
	}
	if tok.Revoked() {
		return nil, ErrTokenInvalid
	}

	entities, err := p.store.ListEntitiesForOwner(ctx, tok.Owner, tok.EntityTypes)
	if err != nil {
		return nil, err
	}
	return p.buildICS(entities), nil
}

func (p *Projector) buildICS(entities []*entity.CareEntity) []byte {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\n")
	b.WriteString("VERSION:2.0\r\n")
	b.WriteString("PRODID:-//CuraKnot//curasync//EN\r\n")
	b.WriteString("CALSCALE:GREGORIAN\r\n")

	stamp := p.now().UTC().Format(icsTimestamp)
	for _, e := range entities {
		ev := mapper.ToCanonical(*e)
		b.WriteString("BEGIN:VEVENT\r\n")
		b.WriteString("UID:" + escapeICSText(e.Ref.String()) + "@curaknot\r\n")
		b.WriteString("DTSTAMP:" + stamp + "\r\n")
		if ev.AllDay {
			b.WriteString("DTSTART;VALUE=DATE:" + ev.Start.UTC().Format(icsDate) + "\r\n")
			b.WriteString("DTEND;VALUE=DATE:" + ev.End.UTC().Format(icsDate) + "\r\n")
		} else {
			b.WriteString("DTSTART:" + ev.Start.UTC().Format(icsTimestamp) + "\r\n")
			b.WriteString("DTEND:" + ev.End.UTC().Format(icsTimestamp) + "\r\n")
		}
		b.WriteString("SUMMARY:" + escapeICSText(ev.Title) + "\r\n")
		if ev.Location != "" {
			b.WriteString("LOCATION:" + escapeICSText(ev.Location) + "\r\n")
		}
		if ev.Notes != "" {
			b.WriteString("DESCRIPTION:" + escapeICSText(ev.Notes) + "\r\n")
		}
		if ev.Recurrence != "" {
			// A malformed rule corrupts the whole document for strict
			// consumers; validate and drop instead.
			if _, err := rrule.StrToRRule(ev.Recurrence); err != nil {
				p.logger.Warn("dropping invalid recurrence rule from feed",
					logging.Entity(e.Ref.String()), logging.Err(err))
			} else {
				b.WriteString("RRULE:" + ev.Recurrence + "\r\n")
			}
		}
		for _, m := range ev.ReminderMinutes {
			b.WriteString("BEGIN:VALARM\r\n")
			b.WriteString("ACTION:DISPLAY\r\n")
			b.WriteString(fmt.Sprintf("TRIGGER:-PT%dM\r\n", m))
			b.WriteString("DESCRIPTION:" + escapeICSText(ev.Title) + "\r\n")
			b.WriteString("END:VALARM\r\n")
		}
		b.WriteString("END:VEVENT\r\n")
	}
	b.WriteString("END:VCALENDAR\r\n")
	return []byte(b.String())
}

const (
	icsTimestamp = "20060102T150405Z"
	icsDate      = "20060102"
)

func escapeICSText(v string) string {
	replacer := strings.NewReplacer("\\", "\\\\", ";", "\\;", ",", "\\,", "\n", "\\n", "\r", "")
	return replacer.Replace(v)
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
