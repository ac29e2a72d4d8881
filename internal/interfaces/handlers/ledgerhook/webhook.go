package ledgerhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	escrowsvc "milestone-escrow/internal/application/escrow"
	"milestone-escrow/internal/domain"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// SignatureHeader carries "t=<unix>,v1=<hex hmac-sha256 of t.body>".
const SignatureHeader = "Ledger-Signature"

const signatureTolerance = 5 * time.Minute

// WebhookHandler receives transfer notifications from the ledger gateway.
// A notification only nudges the release: the final state always comes from
// the gateway's own transfer status, so a replayed or reordered event is harmless.
type WebhookHandler struct {
	Service       *escrowsvc.Service
	WebhookSecret string
}

type transferEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		IdempotencyKey string `json:"idempotency_key"`
		Reference      string `json:"reference"`
		Status         string `json:"status"`
	} `json:"data"`
}

// HandleWebhook POST /webhooks/ledger
func (wh *WebhookHandler) HandleWebhook(c *fiber.Ctx) error {
	rawBody := c.BodyRaw()
	sig := c.Get(SignatureHeader)

	if len(rawBody) == 0 {
		log.Warn().Msg("ledger webhook received empty body")
		return c.Status(fiber.StatusBadRequest).SendString("Webhook Error: empty body")
	}

	if err := verifySignature(rawBody, sig, wh.WebhookSecret, time.Now()); err != nil {
		log.Warn().Err(err).Bool("has_sig", sig != "").Bool("has_secret", wh.WebhookSecret != "").Msg("ledger webhook signature verification failed")
		return c.Status(fiber.StatusBadRequest).SendString(fmt.Sprintf("Webhook Error: %s", err.Error()))
	}

	var event transferEvent
	if err := json.Unmarshal(rawBody, &event); err != nil {
		log.Warn().Err(err).Msg("ledger webhook JSON parse failed")
		return c.Status(fiber.StatusBadRequest).SendString(fmt.Sprintf("Webhook Error: %s", err.Error()))
	}

	switch event.Type {
	case "transfer.confirmed", "transfer.failed":
		// Domain errors still answer 200 so the gateway stops retrying; the reconciler is the backstop.
		if err := wh.handleTransfer(c, event); err != nil {
			log.Warn().Err(err).Str("event_id", event.ID).Str("idempotency_key", event.Data.IdempotencyKey).Msg("ledger webhook not applied")
		}
	default:
		log.Debug().Str("event_id", event.ID).Str("type", event.Type).Msg("ledger webhook ignored")
	}
	return c.Status(fiber.StatusOK).SendString("ok")
}

func (wh *WebhookHandler) handleTransfer(c *fiber.Ctx, event transferEvent) error {
	key := event.Data.IdempotencyKey
	if key == "" {
		return nil
	}

	var payout domain.Payout
	res := wh.Service.DB.WithContext(c.UserContext()).Where("idempotency_key = ?", key).Limit(1).Find(&payout)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Funding and refund keys have no payout row.
		return nil
	}
	if payout.Status != domain.PayoutReserved {
		return nil
	}

	released, err := wh.Service.ResumeRelease(c.UserContext(), payout.ProjectID, payout.MilestoneIndex)
	if err != nil {
		return err
	}
	log.Info().
		Str("event_id", event.ID).
		Str("project_id", payout.ProjectID.String()).
		Int("milestone", payout.MilestoneIndex).
		Str("status", string(released.Milestone.Status)).
		Msg("ledger webhook settled release")
	return nil
}

func verifySignature(payload []byte, sigHeader, secret string, now time.Time) error {
	if sigHeader == "" || secret == "" {
		return errors.New("missing signature or secret")
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(sigHeader, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return errors.New("invalid signature format")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "." + string(payload)))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range signatures {
		if !hmac.Equal([]byte(sig), []byte(expected)) {
			continue
		}
		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return errors.New("invalid timestamp")
		}
		diff := now.Sub(time.Unix(ts, 0))
		if diff < 0 {
			diff = -diff
		}
		if diff > signatureTolerance {
			return errors.New("timestamp too old")
		}
		return nil
	}
	return errors.New("signature mismatch")
}
