package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/example/appt-watcher/internal/appointment"
	"github.com/example/appt-watcher/internal/crypto"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "APPTWATCH"

// DefaultWindow is how far ahead the search looks when no end date is given.
const DefaultWindow = 30 * 24 * time.Hour

type Pacing struct {
	Interval     time.Duration
	MaxBackoff   time.Duration
	Jitter       float64
	PerMinute    int
	QueryRetries int
	HoldRetries  int
	SweepWait    time.Duration
}

type Policy struct {
	Schedule           bool
	FirstMatch         bool
	Repeat             bool
	MaxBookingAttempts int
}

type Config struct {
	Criteria appointment.SearchCriteria
	Contact  appointment.Contact
	Pacing   Pacing
	Policy   Policy

	BaseURL     string
	WebhookURL  string
	WebhookKey  []byte
	DatabaseURL string
	ContactKey  []byte
	StatusAddr  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LogLevel  string
	LogFormat string
}

// Flags registers every setting on fs. Flag names double as viper keys and,
// upper-cased with '-' turned into '_', as APPTWATCH_* variables.
func Flags(fs *pflag.FlagSet) {
	fs.String("config", "", "YAML config file")

	fs.String("zip", "", "ZIP code to search around")
	fs.String("city-state", "", `city and state to search around, e.g. "Austin, TX"`)
	fs.Int("radius", 10, "search radius in miles")
	fs.Int("adults", 1, "number of adults")
	fs.Int("minors", 0, "number of minors")
	fs.String("type", "PASSPORT", "appointment type")
	fs.String("start-date", "", "first date to search, YYYY-MM-DD (default today)")
	fs.String("end-date", "", "last date to search, YYYY-MM-DD (default start + 30 days)")

	fs.Duration("interval", 3*time.Second, "minimum gap between calls to the service")
	fs.Duration("max-backoff", 0, "backoff cap (default 5x interval)")
	fs.Float64("jitter", 0.2, "random spread applied to backed-off waits")
	fs.Int("max-calls-per-minute", 40, "hard ceiling on calls per minute, 0 disables")
	fs.Int("query-retries", 3, "retries for a transient slot query failure")
	fs.Int("hold-retries", 2, "retries for a transient hold failure")
	fs.Duration("sweep-wait", 0, "wait between full sweeps (default interval)")

	fs.Bool("schedule", false, "book the best slot automatically")
	fs.Bool("first-match", false, "stop a sweep at the first facility/date with openings")
	fs.Bool("repeat", false, "keep watching after a sweep that booked nothing")
	fs.Int("max-booking-attempts", 3, "booking attempts before falling back to notify-only, 0 for no cap")

	fs.String("first-name", "", "contact first name")
	fs.String("last-name", "", "contact last name")
	fs.String("email", "", "contact email")
	fs.String("phone", "", "contact phone")

	fs.String("base-url", "", "override the service base URL")
	fs.String("webhook-url", "", "webhook to notify (Discord compatible)")
	fs.String("webhook-key", "", "base64 key used to sign webhook events")
	fs.String("database-url", "", "Postgres URL for the run ledger")
	fs.String("contact-key", "", "base64 32-byte key sealing stored contact details")
	fs.String("status-addr", "", "serve /healthz and /status on this address")
	fs.String("redis-addr", "", "Redis address for the shared notified-slot set")
	fs.String("redis-password", "", "Redis password")
	fs.Int("redis-db", 0, "Redis database")

	fs.String("log-level", "info", "debug, info, warn or error")
	fs.String("log-format", "console", "console or json")
}

// New returns a viper bound to fs and the environment.
func New(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

// Load builds a validated Config. today anchors the default date window.
func Load(v *viper.Viper, today time.Time) (Config, error) {
	cfg := Config{
		Pacing: Pacing{
			Interval:     v.GetDuration("interval"),
			MaxBackoff:   v.GetDuration("max-backoff"),
			Jitter:       v.GetFloat64("jitter"),
			PerMinute:    v.GetInt("max-calls-per-minute"),
			QueryRetries: v.GetInt("query-retries"),
			HoldRetries:  v.GetInt("hold-retries"),
			SweepWait:    v.GetDuration("sweep-wait"),
		},
		Policy: Policy{
			Schedule:           v.GetBool("schedule"),
			FirstMatch:         v.GetBool("first-match"),
			Repeat:             v.GetBool("repeat"),
			MaxBookingAttempts: v.GetInt("max-booking-attempts"),
		},
		Contact: appointment.Contact{
			FirstName: strings.TrimSpace(v.GetString("first-name")),
			LastName:  strings.TrimSpace(v.GetString("last-name")),
			Email:     strings.TrimSpace(v.GetString("email")),
			Phone:     v.GetString("phone"),
		},
		BaseURL:       v.GetString("base-url"),
		WebhookURL:    v.GetString("webhook-url"),
		DatabaseURL:   v.GetString("database-url"),
		StatusAddr:    v.GetString("status-addr"),
		RedisAddr:     v.GetString("redis-addr"),
		RedisPassword: v.GetString("redis-password"),
		RedisDB:       v.GetInt("redis-db"),
		LogLevel:      v.GetString("log-level"),
		LogFormat:     v.GetString("log-format"),
	}

	c, err := criteria(v, today)
	if err != nil {
		return Config{}, err
	}
	cfg.Criteria = c

	if cfg.Pacing.MaxBackoff == 0 {
		cfg.Pacing.MaxBackoff = 5 * cfg.Pacing.Interval
	}
	if cfg.Pacing.SweepWait == 0 {
		cfg.Pacing.SweepWait = cfg.Pacing.Interval
	}

	if k := v.GetString("webhook-key"); k != "" {
		if cfg.WebhookKey, err = crypto.DecodeKey(k); err != nil {
			return Config{}, fmt.Errorf("%w: webhook-key: %v", appointment.ErrInvalidCriteria, err)
		}
	}
	if k := v.GetString("contact-key"); k != "" {
		if cfg.ContactKey, err = crypto.DecodeKey(k); err != nil {
			return Config{}, fmt.Errorf("%w: contact-key: %v", appointment.ErrInvalidCriteria, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if cfg.Contact.Phone != "" {
		cfg.Contact.Phone, _ = appointment.FormatPhone(cfg.Contact.Phone)
	}
	return cfg, nil
}

func criteria(v *viper.Viper, today time.Time) (appointment.SearchCriteria, error) {
	c := appointment.SearchCriteria{
		Origin: appointment.Origin{Zip: strings.TrimSpace(v.GetString("zip"))},
		Radius: v.GetInt("radius"),
		Party:  appointment.Party{Adults: v.GetInt("adults"), Minors: v.GetInt("minors")},
	}
	if cs := strings.TrimSpace(v.GetString("city-state")); cs != "" {
		if c.Origin.Zip != "" {
			return c, fmt.Errorf("%w: only one of zip or city-state can be set", appointment.ErrInvalidCriteria)
		}
		o, err := appointment.ParseCityState(cs)
		if err != nil {
			return c, err
		}
		c.Origin = o
	}

	t, err := appointment.NormalizeType(v.GetString("type"))
	if err != nil {
		return c, err
	}
	c.Type = t

	c.Start = appointment.Day(today)
	if s := v.GetString("start-date"); s != "" {
		if c.Start, err = time.Parse(appointment.DateLayout, s); err != nil {
			return c, fmt.Errorf("%w: start-date %q: want YYYY-MM-DD", appointment.ErrInvalidCriteria, s)
		}
	}
	c.End = c.Start.Add(DefaultWindow)
	if s := v.GetString("end-date"); s != "" {
		if c.End, err = time.Parse(appointment.DateLayout, s); err != nil {
			return c, fmt.Errorf("%w: end-date %q: want YYYY-MM-DD", appointment.ErrInvalidCriteria, s)
		}
	}
	return c, nil
}

func (c Config) Validate() error {
	if err := c.Criteria.Validate(); err != nil {
		return err
	}
	p := c.Pacing
	if p.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive", appointment.ErrInvalidCriteria)
	}
	if p.MaxBackoff < p.Interval {
		return fmt.Errorf("%w: max-backoff %s is below interval %s", appointment.ErrInvalidCriteria, p.MaxBackoff, p.Interval)
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return fmt.Errorf("%w: jitter must be in [0, 1)", appointment.ErrInvalidCriteria)
	}
	if p.PerMinute < 0 || p.QueryRetries < 0 || p.HoldRetries < 0 {
		return fmt.Errorf("%w: retries and call ceiling cannot be negative", appointment.ErrInvalidCriteria)
	}
	if c.Policy.Schedule {
		if err := c.Contact.Validate(); err != nil {
			return err
		}
	}
	if c.WebhookURL != "" {
		u, err := url.Parse(c.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: webhook-url must be an http(s) URL", appointment.ErrInvalidCriteria)
		}
	}
	if len(c.ContactKey) != 0 && len(c.ContactKey) != 32 {
		return fmt.Errorf("%w: contact-key must decode to 32 bytes", appointment.ErrInvalidCriteria)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("%w: log-format must be console or json", appointment.ErrInvalidCriteria)
	}
	return nil
}
