// Package scraper fetches the CISIA calendar page and parses it into
// availability spots. Network and layout failures degrade to an empty result
// so one bad fetch never stops the scrape scheduler.
package scraper

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"

	"slotwatch/internal/model"
	"slotwatch/pkg/logx"
)

// userAgent mirrors a desktop browser; the calendar endpoint rejects obvious
// bot agents.
const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

type Scraper struct {
	client *http.Client
	url    string
	marker string
	log    logx.Logger
}

func New(client *http.Client, url, marker string, log logx.Logger) *Scraper {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Scraper{
		client: client,
		url:    url,
		marker: strings.ToUpper(strings.TrimSpace(marker)),
		log:    log,
	}
}

// Fetch scrapes the calendar and returns the rows matching the exam-type
// marker. It never returns an error: failures are logged and yield an empty
// slice, which the dispatcher records as a zero-availability snapshot.
func (s *Scraper) Fetch(ctx context.Context) []model.Spot {
	body, err := s.fetch(ctx)
	if err != nil {
		s.log.Error("calendar fetch failed", logx.String("url", s.url), logx.Err(err))
		return nil
	}
	spots, err := Parse(bytes.NewReader(body), s.marker)
	if err != nil {
		s.log.Error("calendar parse failed", logx.String("url", s.url), logx.Err(err))
		return nil
	}
	s.log.Debug("calendar scraped", logx.Int("rows", len(spots)))
	return spots
}

func (s *Scraper) fetch(ctx context.Context) ([]byte, error) {
	var body []byte
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("User-Agent", userAgent)

			resp, err := s.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				err := fmt.Errorf("HTTP %d", resp.StatusCode)
				// Client errors won't heal on retry within this cycle.
				if resp.StatusCode >= 400 && resp.StatusCode < 500 {
					return retry.Unrecoverable(err)
				}
				return err
			}

			body, err = io.ReadAll(resp.Body)
			return err
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.MaxJitter(500*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.log.Warn("calendar fetch retrying", logx.Uint64("attempt", uint64(n)), logx.Err(err))
		}),
	)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Parse extracts spots from the first data table. A row is kept when it has
// at least seven cells and its first cell contains the marker.
//
// Status is structural: a hyperlink in the status cell means the session is
// bookable regardless of the cell's text. The page's textual status is not
// trusted as authoritative.
func Parse(r io.Reader, marker string) ([]model.Spot, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, err
	}

	table := doc.Find("table").First()
	if table.Length() == 0 {
		return nil, fmt.Errorf("no table found in calendar page")
	}

	marker = strings.ToUpper(strings.TrimSpace(marker))

	var spots []model.Spot
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 7 {
			return
		}
		examType := text(cells.Eq(0))
		if marker != "" && !strings.Contains(strings.ToUpper(examType), marker) {
			return
		}

		statusCell := cells.Eq(6)
		status := statusFromCell(statusCell)

		testDate := ""
		if cells.Length() > 7 {
			testDate = text(cells.Eq(7))
		}

		spots = append(spots, model.Spot{
			ExamType: examType,
			Univ:     text(cells.Eq(1)),
			Region:   text(cells.Eq(2)),
			City:     text(cells.Eq(3)),
			Deadline: text(cells.Eq(4)),
			Seats:    text(cells.Eq(5)),
			Status:   status,
			TestDate: testDate,
		})
	})
	return spots, nil
}

func statusFromCell(cell *goquery.Selection) model.SpotStatus {
	if cell.Find("a").Length() > 0 {
		return model.StatusAvailable
	}
	switch t := strings.ToUpper(text(cell)); {
	case strings.Contains(t, "ESAURIT"):
		return model.StatusExhausted
	default:
		return model.StatusUnknown
	}
}

func text(sel *goquery.Selection) string {
	return strings.TrimSpace(sel.Text())
}
