package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FallbackCongress is used when the current congress cannot be looked up.
const FallbackCongress = 119

const currentCongressTTL = 24 * time.Hour

type currentCongress struct {
	mu      sync.Mutex
	number  int
	fetched time.Time
}

// CurrentCongress returns the number of the sitting congress. The answer is
// cached for a day and concurrent lookups share one request. On failure it
// returns FallbackCongress along with the error.
func (c *Client) CurrentCongress(ctx context.Context) (int, error) {
	c.current.mu.Lock()
	if c.current.number > 0 && time.Since(c.current.fetched) < currentCongressTTL {
		n := c.current.number
		c.current.mu.Unlock()
		return n, nil
	}
	c.current.mu.Unlock()

	v, err, _ := c.flights.Do("congress/current", func() (any, error) {
		raw, err := c.Congress(ctx, "congress/current", nil)
		if err != nil {
			return 0, err
		}
		var body struct {
			Congress struct {
				Number int `json:"number"`
			} `json:"congress"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return 0, fmt.Errorf("decode current congress: %w", err)
		}
		if body.Congress.Number <= 0 {
			return 0, fmt.Errorf("current congress missing from response")
		}
		c.current.mu.Lock()
		c.current.number = body.Congress.Number
		c.current.fetched = time.Now()
		c.current.mu.Unlock()
		return body.Congress.Number, nil
	})
	if err != nil {
		c.cfg.Logger.Warn("current congress lookup failed, using fallback", "fallback", FallbackCongress, "error", err)
		return FallbackCongress, err
	}
	return v.(int), nil
}

// Bills lists bills introduced in a congress, newest first.
func (c *Client) Bills(ctx context.Context, congress, limit, offset int) (json.RawMessage, error) {
	return c.Congress(ctx, "bill/"+strconv.Itoa(congress), page(limit, offset))
}

// Bill fetches one bill.
func (c *Client) Bill(ctx context.Context, congress int, billType string, number int) (json.RawMessage, error) {
	return c.Congress(ctx, fmt.Sprintf("bill/%d/%s/%d", congress, strings.ToLower(billType), number), nil)
}

// Member fetches a member by bioguide id.
func (c *Client) Member(ctx context.Context, bioguideID string) (json.RawMessage, error) {
	return c.Congress(ctx, "member/"+url.PathEscape(strings.ToUpper(bioguideID)), nil)
}

// Committee fetches a committee by chamber and system code.
func (c *Client) Committee(ctx context.Context, chamber, code string) (json.RawMessage, error) {
	return c.Congress(ctx, "committee/"+url.PathEscape(strings.ToLower(chamber))+"/"+url.PathEscape(strings.ToLower(code)), nil)
}

// Amendments lists amendments in a congress.
func (c *Client) Amendments(ctx context.Context, congress, limit, offset int) (json.RawMessage, error) {
	return c.Congress(ctx, "amendment/"+strconv.Itoa(congress), page(limit, offset))
}

// CongressInfo fetches details about one congress.
func (c *Client) CongressInfo(ctx context.Context, congress int) (json.RawMessage, error) {
	return c.Congress(ctx, "congress/"+strconv.Itoa(congress), nil)
}

// HouseVotes lists roll call votes for a congress and session.
func (c *Client) HouseVotes(ctx context.Context, congress, session, limit int) (json.RawMessage, error) {
	return c.Congress(ctx, fmt.Sprintf("house-vote/%d/%d", congress, session), page(limit, 0))
}

func page(limit, offset int) url.Values {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	return q
}
