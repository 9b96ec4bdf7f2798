// Package collector runs Olho Vivo collection cycles: authenticate, pull the
// reference listings, stops, vehicle positions and map layers, and persist
// every payload to the store.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"olhovivo-collector/internal/olhovivo"
	"olhovivo-collector/internal/store"
)

// API is the subset of the Olho Vivo client a cycle needs.
type API interface {
	Authenticate(ctx context.Context) error
	Lines(ctx context.Context, term string) (olhovivo.Payload[[]olhovivo.Line], error)
	Corridors(ctx context.Context) (olhovivo.Payload[[]olhovivo.Corridor], error)
	Companies(ctx context.Context) (olhovivo.Payload[olhovivo.CompanyListing], error)
	StopsByLine(ctx context.Context, lineCode olhovivo.Code) (olhovivo.Payload[[]olhovivo.Stop], error)
	StopsByCorridor(ctx context.Context, corridorCode olhovivo.Code) (olhovivo.Payload[[]olhovivo.Stop], error)
	Positions(ctx context.Context) (olhovivo.Payload[olhovivo.Positions], error)
	PositionsByLine(ctx context.Context, lineCode olhovivo.Code) (olhovivo.Payload[olhovivo.LineVehicles], error)
	PositionsByGarage(ctx context.Context, companyCode olhovivo.Code) (olhovivo.Payload[olhovivo.Positions], error)
	KMZ(ctx context.Context, variant string) ([]byte, error)
}

// Recorder is notified of every saved file and every finished cycle.
// Implementations handle their own failures; they never fail a cycle.
type Recorder interface {
	FileSaved(ctx context.Context, cycleID uuid.UUID, f store.SavedFile)
	CycleFinished(ctx context.Context, r Report)
}

// Position modes.
const (
	ModePrimary  = "primary"
	ModeDegraded = "degraded"
)

// Report summarizes one cycle.
type Report struct {
	CycleID      uuid.UUID `json:"cycleId"`
	Number       int       `json:"number"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
	Lines        int       `json:"lines"`
	Corridors    int       `json:"corridors"`
	Companies    int       `json:"companies"`
	Stops        int       `json:"stops"`
	StopFailures int       `json:"stopFailures"`
	PositionMode string    `json:"positionMode,omitempty"`
	Vehicles     int       `json:"vehicles"`
	// FallbackFiles counts per-line and per-garage files saved in degraded mode.
	FallbackFiles    int    `json:"fallbackFiles"`
	FallbackFailures int    `json:"fallbackFailures"`
	KMZFiles         int    `json:"kmzFiles"`
	KMZFailures      int    `json:"kmzFailures"`
	Files            int    `json:"files"`
	Bytes            int64  `json:"bytes"`
	Err              string `json:"error,omitempty"`
}

// Duration is the wall time the cycle took.
func (r Report) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// OK reports whether the cycle finished without a cycle-level error.
func (r Report) OK() bool { return r.Err == "" }

// Options tune pacing and what a cycle collects.
type Options struct {
	LineSearchTerm string
	CallDelay      time.Duration
	CycleMin       time.Duration
	CycleMax       time.Duration
	RecoveryDelay  time.Duration
	// AuthAttempts bounds login attempts in single-shot modes.
	AuthAttempts  int
	KMZVariants   []string
	CuratedGTFSRT bool
	// CuratedText writes the feed in protobuf text format instead of binary.
	CuratedText bool
}

type Collector struct {
	api       API
	store     *store.Store
	opts      Options
	recorders []Recorder

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu     sync.Mutex
	cycles int
	last   *Report
}

func New(api API, st *store.Store, opts Options, recorders ...Recorder) *Collector {
	if opts.AuthAttempts < 1 {
		opts.AuthAttempts = 1
	}
	return &Collector{
		api:       api,
		store:     st,
		opts:      opts,
		recorders: recorders,
		sleep:     sleepCtx,
		now:       time.Now,
	}
}

// Last returns the most recent finished cycle, if any.
func (c *Collector) Last() (Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Report{}, false
	}
	return *c.last, true
}

// RunCycle performs one full collection cycle with a single login attempt.
// Per-item failures are logged and counted in the Report; the returned error
// is the first cycle-level failure (auth, a reference listing, or a
// persistence failure of one of the cycle's main files).
func (c *Collector) RunCycle(ctx context.Context) (Report, error) {
	return c.runCycle(ctx, 1)
}

func (c *Collector) runCycle(ctx context.Context, authAttempts int) (r Report, err error) {
	c.mu.Lock()
	c.cycles++
	n := c.cycles
	c.mu.Unlock()

	cy := &cycle{
		c: c,
		report: Report{
			CycleID:   uuid.New(),
			Number:    n,
			StartedAt: c.now().UTC(),
		},
	}
	log.Printf("collector: cycle %d (%s) starting", n, cy.report.CycleID)

	// A panicking cycle is finished and reported like any failed one.
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("cycle panicked: %v", p)
		}
		cy.report.FinishedAt = c.now().UTC()
		if err != nil {
			cy.report.Err = err.Error()
		}

		c.mu.Lock()
		last := cy.report
		c.last = &last
		c.mu.Unlock()

		for _, rec := range c.recorders {
			rec.CycleFinished(ctx, cy.report)
		}
		r = cy.report
	}()

	err = cy.run(ctx, authAttempts)
	return cy.report, err
}

// cycle carries the state of one run.
type cycle struct {
	c      *Collector
	report Report
}

func (cy *cycle) run(ctx context.Context, authAttempts int) error {
	c := cy.c

	if err := c.authenticate(ctx, authAttempts); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	lines, err := c.api.Lines(ctx, c.opts.LineSearchTerm)
	if err != nil {
		return fmt.Errorf("fetch lines: %w", err)
	}
	warnMismatch(lines.Mismatch)
	cy.report.Lines = len(lines.Value)
	if _, err := cy.saveRaw(ctx, store.Lines, "linhas", lines.Body); err != nil {
		return err
	}

	corridors, err := c.api.Corridors(ctx)
	if err != nil {
		return fmt.Errorf("fetch corridors: %w", err)
	}
	warnMismatch(corridors.Mismatch)
	cy.report.Corridors = len(corridors.Value)
	if _, err := cy.saveRaw(ctx, store.Corridors, "corredores", corridors.Body); err != nil {
		return err
	}

	companies, err := c.api.Companies(ctx)
	if err != nil {
		return fmt.Errorf("fetch companies: %w", err)
	}
	warnMismatch(companies.Mismatch)
	companyCodes := companies.Value.Codes()
	cy.report.Companies = len(companyCodes)
	if _, err := cy.saveRaw(ctx, store.Companies, "empresas", companies.Body); err != nil {
		return err
	}

	stops, err := cy.collectStops(ctx, lines.Value, corridors.Value)
	if err != nil {
		return err
	}
	cy.report.Stops = len(stops)
	if _, err := cy.saveJSON(ctx, store.Stops, "paradas", stops); err != nil {
		return err
	}

	if err := cy.collectPositions(ctx, lines.Value, companyCodes); err != nil {
		return err
	}

	return cy.collectKMZ(ctx)
}

// collectStops queries stops per line, then per corridor, and concatenates
// the stop objects of every answer as served. Failed items are skipped.
func (cy *cycle) collectStops(ctx context.Context, lines []olhovivo.Line, corridors []olhovivo.Corridor) ([]json.RawMessage, error) {
	stops := make([]json.RawMessage, 0)
	p := cy.c.pacer()

	add := func(what string, code olhovivo.Code, got olhovivo.Payload[[]olhovivo.Stop], err error) {
		var items []json.RawMessage
		if err == nil {
			err = json.Unmarshal(got.Body, &items)
		}
		if err != nil {
			cy.report.StopFailures++
			log.Printf("collector: stops by %s %d: %v", what, code, err)
			return
		}
		stops = append(stops, items...)
	}

	for _, l := range lines {
		if err := p.wait(ctx); err != nil {
			return nil, err
		}
		got, err := cy.c.api.StopsByLine(ctx, l.Code)
		add("line", l.Code, got, err)
	}

	for _, cr := range corridors {
		if err := p.wait(ctx); err != nil {
			return nil, err
		}
		got, err := cy.c.api.StopsByCorridor(ctx, cr.Code)
		add("corridor", cr.Code, got, err)
	}

	return stops, nil
}

// collectKMZ downloads the base map layer and every configured variant.
func (cy *cycle) collectKMZ(ctx context.Context) error {
	p := cy.c.pacer()
	variants := append([]string{""}, cy.c.opts.KMZVariants...)

	for _, v := range variants {
		if err := p.wait(ctx); err != nil {
			return err
		}
		data, err := cy.c.api.KMZ(ctx, v)
		if err == nil {
			_, err = cy.saveBinary(ctx, store.KMZ, kmzName(v), "kmz", data)
		}
		if err != nil {
			cy.report.KMZFailures++
			log.Printf("collector: kmz %q: %v", v, err)
			continue
		}
		cy.report.KMZFiles++
	}
	return nil
}

func kmzName(variant string) string {
	if variant == "" {
		return "kmz"
	}
	return "kmz_" + strings.ReplaceAll(strings.Trim(variant, "/"), "/", "_")
}

func (cy *cycle) saveJSON(ctx context.Context, category, name string, v any) (store.SavedFile, error) {
	f, err := cy.c.store.SaveJSON(category, name, v)
	if err != nil {
		return f, err
	}
	cy.saved(ctx, f)
	return f, nil
}

func (cy *cycle) saveRaw(ctx context.Context, category, name string, body []byte) (store.SavedFile, error) {
	f, err := cy.c.store.SaveRaw(category, name, body)
	if err != nil {
		return f, err
	}
	cy.saved(ctx, f)
	return f, nil
}

func (cy *cycle) saveBinary(ctx context.Context, category, name, ext string, data []byte) (store.SavedFile, error) {
	f, err := cy.c.store.SaveBinary(category, name, ext, data)
	if err != nil {
		return f, err
	}
	cy.saved(ctx, f)
	return f, nil
}

func (cy *cycle) saved(ctx context.Context, f store.SavedFile) {
	cy.report.Files++
	cy.report.Bytes += int64(f.Bytes)
	for _, rec := range cy.c.recorders {
		rec.FileSaved(ctx, cy.report.CycleID, f)
	}
}

// warnMismatch notes a body that was saved as served but did not fully
// decode; codes read from it may be incomplete.
func warnMismatch(err *olhovivo.DecodeError) {
	if err != nil {
		log.Printf("collector: unexpected payload shape, saved as served: %v", err)
	}
}

// pacer spaces out consecutive requests of a batch by CallDelay.
type pacer struct {
	delay   time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
	started bool
}

func (c *Collector) pacer() *pacer {
	return &pacer{delay: c.opts.CallDelay, sleep: c.sleep}
}

func (p *pacer) wait(ctx context.Context) error {
	if !p.started {
		p.started = true
		return ctx.Err()
	}
	return p.sleep(ctx, p.delay)
}
