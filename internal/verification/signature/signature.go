// Package signature authenticates inbound provider webhooks: an HMAC-SHA-256
// signature over the exact raw request body plus an epoch-seconds timestamp
// bounding the replay window.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// ReplayWindow is how far a webhook timestamp may drift from now before the
// delivery is rejected as a replay. The boundary itself is accepted.
const ReplayWindow = 300 * time.Second

// Verification failures are distinct so the webhook handler can map them to
// different HTTP statuses.
var (
	ErrMissingCredentials = errors.New("webhook credentials missing")
	ErrReplayExpired      = errors.New("webhook timestamp outside replay window")
	ErrSignatureMismatch  = errors.New("webhook signature mismatch")
)

// Verify checks a webhook delivery. The signature must be the hex HMAC-SHA-256
// of rawBody under secret, and the timestamp must be epoch seconds within
// ReplayWindow of now; the replay check runs before the signature comparison
// and fails with a distinct error. Any absent input fails closed: a signed
// body without a timestamp would be replayable forever, so it is rejected
// the same as a missing signature.
func Verify(rawBody []byte, providedSignature, timestamp string, secret []byte, now time.Time) error {
	if len(secret) == 0 || providedSignature == "" || timestamp == "" {
		return ErrMissingCredentials
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil || ts < 0 {
		return ErrReplayExpired
	}
	drift := now.Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	// Compare in whole seconds; converting the drift to a Duration could
	// overflow for absurd timestamps and wrap back inside the window.
	if drift > int64(ReplayWindow/time.Second) {
		return ErrReplayExpired
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(rawBody)
	expected := mac.Sum(nil)

	provided, err := hex.DecodeString(providedSignature)
	if err != nil {
		return ErrSignatureMismatch
	}
	if !hmac.Equal(provided, expected) {
		return ErrSignatureMismatch
	}
	return nil
}
