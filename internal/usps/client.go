// Package usps talks to the Postal Service retail appointment (RCAS) REST
// endpoints: facility search, time search, hold and confirm.
package usps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/example/appt-watcher/internal/appointment"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://tools.usps.com/UspsToolsRestServices/rest/v2"
	// ScheduleURL is where a person can finish booking by hand.
	ScheduleURL = "https://tools.usps.com/rcas.htm"

	defaultUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/109.0.0.0 Safari/537.36 Edg/109.0.1518.78"

	wireDate     = "20060102"
	wireDateTime = "2006-01-02T15:04:05"

	facilitySearchPath = "/facilityScheduleSearch"
	timeSearchPath     = "/appointmentTimeSearch"
	holdPath           = "/appointmentHold"
	confirmPath        = "/createAppointment"
)

type Options struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	Logger    *zap.Logger
}

// Client is stateless; pacing and retries belong to the caller.
type Client struct {
	hc   *http.Client
	base string
	ua   string
	log  *zap.Logger
}

var _ appointment.Provider = (*Client)(nil)

func New(opts Options) *Client {
	base := DefaultBaseURL
	if strings.TrimSpace(opts.BaseURL) != "" {
		base = opts.BaseURL
	}
	ua := defaultUA
	if opts.UserAgent != "" {
		ua = opts.UserAgent
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		hc:   &http.Client{Timeout: timeout},
		base: strings.TrimRight(base, "/"),
		ua:   ua,
		log:  log,
	}
}

func (c *Client) Name() string { return "usps" }

func (c *Client) LookupFacilities(ctx context.Context, sc appointment.SearchCriteria) ([]appointment.Facility, error) {
	const op = "facility search"
	req := facilitySearchRequest{
		Date:           sc.Start.Format(wireDate),
		City:           sc.Origin.City,
		State:          sc.Origin.State,
		Zip5:           sc.Origin.Zip,
		Radius:         strconv.Itoa(sc.Radius),
		POScheduleType: sc.Type,
		NumberOfAdults: strconv.Itoa(sc.Party.Adults),
		NumberOfMinors: strconv.Itoa(sc.Party.Minors),
	}
	var res facilitySearchResponse
	status, err := c.post(ctx, op, facilitySearchPath, req, &res)
	if err != nil {
		if status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	if res.FacilityDetails == nil {
		return nil, appointment.Permanent(op, status, errors.New("response missing facilityDetails"))
	}

	out := make([]appointment.Facility, 0, len(*res.FacilityDetails))
	for i, d := range *res.FacilityDetails {
		if d.FdbID == "" {
			return nil, appointment.Permanent(op, status, fmt.Errorf("facility %d missing fdbId", i))
		}
		f := appointment.Facility{
			ID:       string(d.FdbID),
			Name:     strings.TrimSpace(d.Name),
			Distance: float64(d.Distance),
			Location: appointment.Location{Latitude: float64(d.Latitude), Longitude: float64(d.Longitude)},
			Address: appointment.Address{
				Street: d.Address.AddressLineOne,
				City:   d.Address.City,
				State:  d.Address.State,
				Zip:    d.Address.PostalCode,
			},
		}
		for _, di := range d.Date {
			if !di.Status {
				continue
			}
			if t, err := time.Parse(wireDate, di.Date); err == nil {
				f.OpenDates = append(f.OpenDates, t)
			}
		}
		out = append(out, f)
	}
	return out, nil
}

func (c *Client) QuerySlots(ctx context.Context, f appointment.Facility, date time.Time, sc appointment.SearchCriteria) ([]appointment.CandidateSlot, error) {
	const op = "time search"
	req := timeSearchRequest{
		Date:               date.Format(wireDate),
		FdbID:              []string{f.ID},
		ProductType:        sc.Type,
		NumberOfAdults:     strconv.Itoa(sc.Party.Adults),
		NumberOfMinors:     strconv.Itoa(sc.Party.Minors),
		SkipEndOfDayRecord: true,
	}
	var res timeSearchResponse
	status, err := c.post(ctx, op, timeSearchPath, req, &res)
	if err != nil {
		if status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	if res.Times == nil {
		return nil, appointment.Permanent(op, status, errors.New("response missing appointmentTimeDetailExtended"))
	}

	var out []appointment.CandidateSlot
	for i, t := range *res.Times {
		if t.Selectable == nil || t.StartDateTime == "" {
			return nil, appointment.Permanent(op, status, fmt.Errorf("time %d missing startDateTime/selectable", i))
		}
		if !*t.Selectable {
			continue
		}
		start, err := parseWireTime(t.StartDateTime)
		if err != nil {
			return nil, appointment.Permanent(op, status, fmt.Errorf("time %d: %w", i, err))
		}
		var end time.Time
		if t.EndDateTime != "" {
			if end, err = parseWireTime(t.EndDateTime); err != nil {
				return nil, appointment.Permanent(op, status, fmt.Errorf("time %d: %w", i, err))
			}
		}
		token := t.TimeSlotToken
		if token == "" {
			token = f.ID + ":" + t.StartDateTime
		}
		out = append(out, appointment.CandidateSlot{
			Facility: f,
			Start:    start,
			End:      end,
			Type:     sc.Type,
			Token:    token,
		})
	}
	return out, nil
}

func (c *Client) Hold(ctx context.Context, slot appointment.CandidateSlot, party appointment.Party) (appointment.Hold, error) {
	const op = "hold"
	req := holdRequest{
		FdbID:          slot.Facility.ID,
		Date:           slot.Start.Format(wireDate),
		StartDateTime:  slot.Start.Format(wireDateTime),
		ProductType:    slot.Type,
		NumberOfAdults: strconv.Itoa(party.Adults),
		NumberOfMinors: strconv.Itoa(party.Minors),
		TimeSlotToken:  slot.Token,
	}
	var res holdResponse
	status, err := c.post(ctx, op, holdPath, req, &res)
	if err != nil {
		if errors.Is(err, appointment.ErrPermanent) && status >= 400 {
			return appointment.Hold{}, fmt.Errorf("%w: %w", appointment.ErrSlotUnavailable, err)
		}
		return appointment.Hold{}, err
	}
	if res.HoldToken == "" {
		return appointment.Hold{}, appointment.Permanent(op, status, errors.New("response missing holdToken"))
	}
	h := appointment.Hold{Token: res.HoldToken}
	if res.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, res.ExpiresAt); err == nil {
			h.ExpiresAt = t
		}
	}
	return h, nil
}

func (c *Client) Confirm(ctx context.Context, slot appointment.CandidateSlot, hold appointment.Hold, contact appointment.Contact) (string, error) {
	const op = "confirm"
	phone, err := appointment.FormatPhone(contact.Phone)
	if err != nil {
		return "", err
	}
	req := confirmRequest{
		HoldToken: hold.Token,
		FirstName: contact.FirstName,
		LastName:  contact.LastName,
		Email:     contact.Email,
		Phone:     phone,
	}
	var res confirmResponse
	status, err := c.post(ctx, op, confirmPath, req, &res)
	if err != nil {
		return "", err
	}
	if res.ConfirmationNumber == "" {
		return "", appointment.Permanent(op, status, errors.New("response missing confirmationNumber"))
	}
	return res.ConfirmationNumber, nil
}

// post sends body as JSON and decodes a 2xx reply into out. Failures come
// back classified; the status is returned alongside so callers can treat a
// 404 as an empty result.
func (c *Client) post(ctx context.Context, op, path string, body, out any) (int, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(b))
	if err != nil {
		return 0, err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("accept", "application/json")
	req.Header.Set("user-agent", c.ua)

	start := time.Now()
	res, err := c.hc.Do(req)
	if err != nil {
		return 0, appointment.Transient(op, 0, err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return res.StatusCode, appointment.Transient(op, res.StatusCode, err)
	}
	c.log.Debug("usps call",
		zap.String("op", op),
		zap.Int("status", res.StatusCode),
		zap.Duration("took", time.Since(start)))

	switch {
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return res.StatusCode, appointment.Transient(op, res.StatusCode, errors.New(snippet(raw)))
	case res.StatusCode < 200 || res.StatusCode >= 300:
		return res.StatusCode, appointment.Permanent(op, res.StatusCode, errors.New(snippet(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return res.StatusCode, appointment.Permanent(op, res.StatusCode, fmt.Errorf("decode: %w", err))
	}
	return res.StatusCode, nil
}

func parseWireTime(s string) (time.Time, error) {
	if t, err := time.Parse(wireDateTime, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", s)
	}
	// keep the facility's wall clock
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC), nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
