// Package config reads server settings from the environment. A .env file in
// the working directory is loaded first when present; variables already set
// in the environment win.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
)

type Config struct {
	HTTPAddr string
	UDPAddr  string

	// TickInterval is the broadcast period.
	TickInterval time.Duration
	// CountdownStep is one "second" of the start and finish countdowns.
	// Tests shrink it.
	CountdownStep   time.Duration
	FinishCountdown int

	KeepAlive      time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration

	CollisionRadius float64

	// OriginPatterns are passed to the WebSocket accept, e.g. "localhost:*".
	OriginPatterns []string

	Log struct {
		Level  string
		Format string
	}
}

func Default() Config {
	var c Config
	c.HTTPAddr = ":8080"
	c.UDPAddr = ":54777"
	c.TickInterval = 50 * time.Millisecond
	c.CountdownStep = time.Second
	c.FinishCountdown = 10
	c.KeepAlive = 8 * time.Second
	c.IdleTimeout = 20 * time.Second
	c.RequestTimeout = 5 * time.Second
	c.CollisionRadius = 0.19
	c.Log.Level = "info"
	c.Log.Format = "json"
	return c
}

// Load returns Default overridden by RACE_* variables. Every invalid value is
// reported, not just the first.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv is Load without the .env file.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	c := Default()
	p := parser{lookup: lookup}

	p.str("RACE_HTTP_ADDR", &c.HTTPAddr)
	p.str("RACE_UDP_ADDR", &c.UDPAddr)
	p.duration("RACE_TICK_INTERVAL", &c.TickInterval)
	p.duration("RACE_COUNTDOWN_STEP", &c.CountdownStep)
	p.integer("RACE_FINISH_COUNTDOWN", &c.FinishCountdown)
	p.duration("RACE_KEEPALIVE", &c.KeepAlive)
	p.duration("RACE_IDLE_TIMEOUT", &c.IdleTimeout)
	p.duration("RACE_REQUEST_TIMEOUT", &c.RequestTimeout)
	p.float("RACE_COLLISION_RADIUS", &c.CollisionRadius)
	p.list("RACE_ORIGIN_PATTERNS", &c.OriginPatterns)
	p.str("RACE_LOG_LEVEL", &c.Log.Level)
	p.str("RACE_LOG_FORMAT", &c.Log.Format)

	err := p.err
	if c.TickInterval <= 0 {
		err = multierr.Append(err, errors.New("RACE_TICK_INTERVAL must be positive"))
	}
	if c.CountdownStep <= 0 {
		err = multierr.Append(err, errors.New("RACE_COUNTDOWN_STEP must be positive"))
	}
	if c.FinishCountdown < 1 {
		err = multierr.Append(err, errors.New("RACE_FINISH_COUNTDOWN must be at least 1"))
	}
	if c.IdleTimeout <= c.KeepAlive {
		err = multierr.Append(err, errors.New("RACE_IDLE_TIMEOUT must exceed RACE_KEEPALIVE"))
	}
	if c.CollisionRadius < 0 {
		err = multierr.Append(err, errors.New("RACE_COLLISION_RADIUS must not be negative"))
	}
	if err != nil {
		return Config{}, err
	}
	return c, nil
}

type parser struct {
	lookup func(string) (string, bool)
	err    error
}

func (p *parser) get(key string) (string, bool) {
	v, ok := p.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (p *parser) fail(key, raw string, err error) {
	p.err = multierr.Append(p.err, fmt.Errorf("%s=%q: %w", key, raw, err))
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.get(key); ok {
		*dst = v
	}
}

func (p *parser) duration(key string, dst *time.Duration) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = d
}

func (p *parser) integer(key string, dst *int) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = n
}

func (p *parser) float(key string, dst *float64) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = f
}

func (p *parser) list(key string, dst *[]string) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}
