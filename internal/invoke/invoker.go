package invoke

import (
	"context"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// maxBodyBytes caps how much of a response body gets captured per call.
const maxBodyBytes = 1 << 20

// Outcome classifies a single invocation. A nil Status means the target was
// never reached (DNS, connect, timeout); OK is true only for 2xx responses.
type Outcome struct {
	OK     bool
	Status *int
	Body   string
}

// Invoker performs outbound GET calls with a fixed timeout ceiling. It is
// stateless apart from the shared client and limiter and is safe for
// concurrent use. Invocation errors never escape: they fold into a failed
// Outcome with an absent response.
type Invoker struct {
	client  *http.Client
	limiter *rate.Limiter
}

// New builds an Invoker. rps caps outbound calls per second; rps <= 0
// disables pacing.
func New(timeout time.Duration, rps float64) *Invoker {
	var lim *rate.Limiter
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &Invoker{
		client:  &http.Client{Timeout: timeout},
		limiter: lim,
	}
}

func (iv *Invoker) Invoke(ctx context.Context, url string) Outcome {
	if iv.limiter != nil {
		if err := iv.limiter.Wait(ctx); err != nil {
			return Outcome{}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Outcome{}
	}
	resp, err := iv.client.Do(req)
	if err != nil {
		return Outcome{}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	status := resp.StatusCode
	return Outcome{
		OK:     status >= 200 && status < 300,
		Status: &status,
		Body:   string(body),
	}
}
