package faceclient

import (
	"context"
	"fmt"

	"schoolops/internal/model"
)

// Checker runs verification and liveness for a face check-in and stamps the
// result onto the event.
type Checker struct {
	client    *Client
	threshold float64
}

func NewChecker(client *Client, threshold float64) *Checker {
	return &Checker{client: client, threshold: threshold}
}

// Check fills ev.Verification. A non-matching face or a spoof returns an
// error wrapping ErrRejected together with the partially filled event.
func (c *Checker) Check(ctx context.Context, userID string, ev model.CheckInEvent) (model.CheckInEvent, error) {
	ev.Verification.Method = model.MethodFace
	v, err := c.client.Verify(ctx, userID, ev.ImageURL)
	if err != nil {
		return ev, fmt.Errorf("verify %s: %w", userID, err)
	}
	score := v.Similarity
	ev.Verification.Score = &score
	if !v.Verified || (c.threshold > 0 && v.Similarity < c.threshold) {
		return ev, fmt.Errorf("%w: similarity %.2f for %s", ErrRejected, v.Similarity, userID)
	}

	l, err := c.client.Liveness(ctx, ev.ImageURL)
	if err != nil {
		return ev, fmt.Errorf("liveness %s: %w", userID, err)
	}
	live := l.IsLive
	ev.Verification.AntiSpoofing = &live
	if !live {
		return ev, fmt.Errorf("%w: liveness %.2f for %s", ErrRejected, l.Confidence, userID)
	}
	return ev, nil
}
